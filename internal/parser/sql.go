package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

var (
	// A SQL keyword followed somewhere by a comment marker or statement
	// terminator is the injection heuristic: legitimate database logs quote
	// full statements, access-log payloads smuggle fragments.
	sqlKeywordPattern = regexp.MustCompile(
		`(?i)\b(UNION|SELECT|INSERT|UPDATE|DELETE|DROP|EXEC|ALTER)\b`)
	sqlCommentPattern = regexp.MustCompile(`(--|/\*|#|;)`)

	// Auth failure phrasings across MySQL, PostgreSQL, and SQL Server.
	sqlAuthFailPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Access denied for user '?([^'@\s]+)`),
		regexp.MustCompile(`(?i)password authentication failed for user "?([^"\s]+)`),
		regexp.MustCompile(`(?i)Login failed for user '?([^'.\s]+)`),
	}

	sqlPortMention = regexp.MustCompile(`\b(1433|3306|5432)\b`)
)

// looksLikeSQL is the dispatcher's cheap sniff for routing a line to
// ParseSQL before the other content checks run.
func looksLikeSQL(line string) bool {
	if sqlKeywordPattern.MatchString(line) && sqlCommentPattern.MatchString(line) {
		return true
	}
	for _, p := range sqlAuthFailPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// ParseSQL applies SQL-access heuristics to line. Injection fragments are
// CRITICAL, authentication failures HIGH, and lines that merely mention a
// database port fall back to SQL_ACCESS_ATTEMPT. Lines with no extractable
// IP are rejected.
func ParseSQL(line string, now time.Time) (event.Event, bool) {
	ip := firstIP(line)
	if ip == "" {
		return event.Event{}, false
	}

	ev := event.Event{
		Timestamp: parseTimestamp(line, now),
		SourceIP:  ip,
		LogSource: "sql",
		RawLog:    line,
	}

	if sqlKeywordPattern.MatchString(line) && sqlCommentPattern.MatchString(line) {
		ev.EventType = event.TypeSQLInjectionAttempt
		ev.Severity = event.SeverityCritical
		return ev, true
	}

	for _, p := range sqlAuthFailPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			ev.EventType = event.TypeSQLAuthFailed
			ev.Severity = event.SeverityHigh
			ev.Username = strings.TrimSpace(m[1])
			return ev, true
		}
	}

	if sqlPortMention.MatchString(line) {
		ev.EventType = event.TypeSQLAccessAttempt
		ev.Severity = event.SeverityHigh
		return ev, true
	}

	return event.Event{}, false
}
