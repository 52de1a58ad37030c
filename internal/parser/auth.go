package parser

import (
	"regexp"
	"strconv"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

var (
	// "Failed password for admin from 192.0.2.1 port 51234 ssh2"
	// "Failed password for invalid user test from 192.0.2.1 port 51234 ssh2"
	sshFailedPattern = regexp.MustCompile(
		`Failed (?:password|publickey) for (?:invalid user )?(\S+) from ((?:\d{1,3}\.){3}\d{1,3}) port (\d+)`)

	// "Accepted password for root from 192.0.2.1 port 51234 ssh2"
	sshAcceptedPattern = regexp.MustCompile(
		`Accepted (?:password|publickey) for (\S+) from ((?:\d{1,3}\.){3}\d{1,3}) port (\d+)`)

	// "Invalid user oracle from 192.0.2.1 port 51234"
	sshInvalidUserPattern = regexp.MustCompile(
		`Invalid user (\S+) from ((?:\d{1,3}\.){3}\d{1,3})(?: port (\d+))?`)
)

// ParseAuth parses sshd lines from an auth log. Failed logins (including
// invalid-user probes) become SSH_FAILED_LOGIN at HIGH; successful logins
// become SSH_LOGIN_SUCCESS at LOW. Anything else is rejected.
func ParseAuth(line string, now time.Time) (event.Event, bool) {
	if m := sshFailedPattern.FindStringSubmatch(line); m != nil {
		return authEvent(line, now, m[1], m[2], m[3], event.TypeSSHFailedLogin, event.SeverityHigh), true
	}
	if m := sshAcceptedPattern.FindStringSubmatch(line); m != nil {
		return authEvent(line, now, m[1], m[2], m[3], event.TypeSSHLoginSuccess, event.SeverityLow), true
	}
	if m := sshInvalidUserPattern.FindStringSubmatch(line); m != nil {
		return authEvent(line, now, m[1], m[2], m[3], event.TypeSSHFailedLogin, event.SeverityHigh), true
	}
	return event.Event{}, false
}

func authEvent(line string, now time.Time, user, ip, port, evType string, sev event.Severity) event.Event {
	ev := event.Event{
		Timestamp: parseTimestamp(line, now),
		SourceIP:  ip,
		LogSource: "auth",
		EventType: evType,
		Severity:  sev,
		Username:  user,
		RawLog:    line,
	}
	if p, err := strconv.Atoi(port); err == nil {
		ev.SourcePort = p
	}
	return ev
}
