package parser

import (
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// securityKeywords upgrade a generic syslog entry from LOW to MEDIUM.
var securityKeywords = []string{
	"error", "denied", "failed", "failure", "unauthorized",
	"attack", "refused", "invalid", "breach",
}

// ParseSyslog is the catch-all parser. It first retries the SSH and SQL
// heuristics (a generic hint can still carry sshd or database lines), then
// emits a SYSLOG_ENTRY for any line with an extractable IP. Lines without
// an IP are rejected — the detectors group everything by source address.
func ParseSyslog(line string, now time.Time) (event.Event, bool) {
	if ev, ok := ParseAuth(line, now); ok {
		ev.LogSource = "syslog"
		return ev, true
	}
	if ev, ok := ParseSQL(line, now); ok {
		ev.LogSource = "syslog"
		return ev, true
	}

	ip := firstIP(line)
	if ip == "" {
		return event.Event{}, false
	}

	sev := event.SeverityLow
	lower := strings.ToLower(line)
	for _, kw := range securityKeywords {
		if strings.Contains(lower, kw) {
			sev = event.SeverityMedium
			break
		}
	}

	return event.Event{
		Timestamp: parseTimestamp(line, now),
		SourceIP:  ip,
		LogSource: "syslog",
		EventType: event.TypeSyslogEntry,
		Severity:  sev,
		RawLog:    line,
	}, true
}
