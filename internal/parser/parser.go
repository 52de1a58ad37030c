// Package parser turns raw log lines into canonical event records. Each
// format has a pure parse function that returns (event, true) on a match and
// (zero, false) otherwise; malformed lines are silently dropped, never
// errors. The Dispatch entry point routes a line to the right parser by the
// caller-supplied source hint first and by content sniffing second.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// Func is the shape shared by all format parsers.
type Func func(line string, now time.Time) (event.Event, bool)

// ipPattern is deliberately permissive: forwarders regularly ship lines with
// out-of-range octets written by broken devices, and the store treats the IP
// as an opaque grouping key, so octet validation here would drop real data.
var ipPattern = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)

// firstIP returns the first IPv4-shaped token in line, or "".
func firstIP(line string) string {
	return ipPattern.FindString(line)
}

// syslogTimePattern matches the classic RFC 3164 prefix: "Jan  2 15:04:05".
var syslogTimePattern = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}):(\d{2}):(\d{2})`)

// parseTimestamp extracts a timestamp from the front of line. Syslog-style
// prefixes carry no year; the current year is assumed (cross-year rollover
// is an accepted gap: a January line parsed on December 31 lands a year
// off). When no timestamp parses, now is returned so the caller still gets
// a complete record.
func parseTimestamp(line string, now time.Time) time.Time {
	if m := syslogTimePattern.FindString(line); m != "" {
		if ts, err := time.Parse("Jan 2 15:04:05", strings.Join(strings.Fields(m), " ")); err == nil {
			return time.Date(now.Year(), ts.Month(), ts.Day(),
				ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
		}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		// ISO timestamps may appear anywhere in the first token.
		fields := strings.Fields(line)
		if len(fields) == 0 {
			break
		}
		if ts, err := time.Parse(layout, fields[0]); err == nil {
			return ts.UTC()
		}
	}
	return now.UTC()
}

// Hint aliases accepted by Dispatch for each format.
var hintParsers = map[string]Func{
	"auth":     ParseAuth,
	"authlog":  ParseAuth,
	"auth.log": ParseAuth,
	"sshd":     ParseAuth,
	"ufw":      ParseUFW,
	"iptables": ParseIptables,
	"netfilter": ParseIptables,
	"kernel":   ParseIptables,
	"sql":      ParseSQL,
	"mysql":    ParseSQL,
	"postgres": ParseSQL,
	"mssql":    ParseSQL,
	"syslog":   ParseSyslog,
}

// Dispatch parses line using the parser named by hint when one matches, and
// otherwise sniffs the content: SQL heuristics, then auth, ufw, and
// iptables markers, falling back to the generic syslog parser. The first
// parser to produce an event wins. An empty result with ok=false means the
// line was dropped.
func Dispatch(line, hint string, now time.Time) (event.Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return event.Event{}, false
	}

	if p, ok := hintParsers[strings.ToLower(strings.TrimSpace(hint))]; ok {
		if ev, ok := p(line, now); ok {
			return ev, true
		}
	}

	if looksLikeSQL(line) {
		if ev, ok := ParseSQL(line, now); ok {
			return ev, true
		}
	}
	if strings.Contains(line, "sshd") {
		if ev, ok := ParseAuth(line, now); ok {
			return ev, true
		}
	}
	if strings.Contains(line, "[UFW ") {
		if ev, ok := ParseUFW(line, now); ok {
			return ev, true
		}
	}
	if strings.Contains(line, "SRC=") {
		if ev, ok := ParseIptables(line, now); ok {
			return ev, true
		}
	}
	return ParseSyslog(line, now)
}
