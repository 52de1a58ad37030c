package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// Netfilter key=value fields shared by ufw and raw iptables kernel lines.
var (
	nfSrcPattern   = regexp.MustCompile(`SRC=((?:\d{1,3}\.){3}\d{1,3})`)
	nfDstPattern   = regexp.MustCompile(`DST=((?:\d{1,3}\.){3}\d{1,3})`)
	nfSptPattern   = regexp.MustCompile(`SPT=(\d+)`)
	nfDptPattern   = regexp.MustCompile(`DPT=(\d+)`)
	nfProtoPattern = regexp.MustCompile(`PROTO=(\w+)`)
)

// suspiciousUFWPorts upgrade a plain UFW traffic line to
// SUSPICIOUS_PORT_ACCESS: remote-shell and database ports that should not
// see inbound traffic on a hardened host.
var suspiciousUFWPorts = map[int]bool{22: true, 23: true, 1433: true, 3306: true}

// sqlPorts are the database listener ports the iptables parser treats as SQL
// access attempts.
var sqlPorts = map[int]bool{1433: true, 3306: true, 5432: true}

// nfFields extracts the shared netfilter fields from line. ok is false when
// no SRC= address is present.
func nfFields(line string) (src, dst, proto string, spt, dpt int, ok bool) {
	m := nfSrcPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", "", 0, 0, false
	}
	src = m[1]
	if m := nfDstPattern.FindStringSubmatch(line); m != nil {
		dst = m[1]
	}
	if m := nfProtoPattern.FindStringSubmatch(line); m != nil {
		proto = strings.ToUpper(m[1])
	}
	if m := nfSptPattern.FindStringSubmatch(line); m != nil {
		spt, _ = strconv.Atoi(m[1])
	}
	if m := nfDptPattern.FindStringSubmatch(line); m != nil {
		dpt, _ = strconv.Atoi(m[1])
	}
	return src, dst, proto, spt, dpt, true
}

// ParseUFW parses a ufw kernel log line ("[UFW BLOCK] IN=... SRC=...").
// Every parse is UFW_TRAFFIC at LOW; a destination port on the suspicious
// list upgrades the record to SUSPICIOUS_PORT_ACCESS at HIGH.
func ParseUFW(line string, now time.Time) (event.Event, bool) {
	if !strings.Contains(line, "[UFW ") {
		return event.Event{}, false
	}
	src, dst, proto, spt, dpt, ok := nfFields(line)
	if !ok {
		return event.Event{}, false
	}

	ev := event.Event{
		Timestamp:       parseTimestamp(line, now),
		SourceIP:        src,
		DestinationIP:   dst,
		SourcePort:      spt,
		DestinationPort: dpt,
		Protocol:        proto,
		LogSource:       "ufw",
		EventType:       event.TypeUFWTraffic,
		Severity:        event.SeverityLow,
		RawLog:          line,
	}
	if suspiciousUFWPorts[dpt] {
		ev.EventType = event.TypeSuspiciousPortAccess
		ev.Severity = event.SeverityHigh
	}
	return ev, true
}

// ParseIptables parses a raw iptables/netfilter kernel line. SRC= is
// required. Classification precedence: a database destination port wins
// (SQL_ACCESS_ATTEMPT, HIGH), then a SYN-without-ACK probe
// (CONNECTION_ATTEMPT, at least MEDIUM), then a DROP/REJECT verdict
// (IPTABLES_BLOCKED, MEDIUM). Anything else is recorded as a LOW
// connection attempt.
func ParseIptables(line string, now time.Time) (event.Event, bool) {
	src, dst, proto, spt, dpt, ok := nfFields(line)
	if !ok {
		return event.Event{}, false
	}

	ev := event.Event{
		Timestamp:       parseTimestamp(line, now),
		SourceIP:        src,
		DestinationIP:   dst,
		SourcePort:      spt,
		DestinationPort: dpt,
		Protocol:        proto,
		LogSource:       "iptables",
		EventType:       event.TypeConnectionAttempt,
		Severity:        event.SeverityLow,
		RawLog:          line,
	}

	synNoAck := strings.Contains(line, "SYN") && !strings.Contains(line, "ACK")
	blocked := strings.Contains(line, "DROP") || strings.Contains(line, "REJECT")

	switch {
	case sqlPorts[dpt]:
		ev.EventType = event.TypeSQLAccessAttempt
		ev.Severity = event.SeverityHigh
	case synNoAck:
		ev.EventType = event.TypeConnectionAttempt
		ev.Severity = ev.Severity.AtLeast(event.SeverityMedium)
	case blocked:
		ev.EventType = event.TypeIptablesBlocked
		ev.Severity = event.SeverityMedium
	}
	return ev, true
}
