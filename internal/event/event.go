// Package event defines the canonical parsed log record shared by the
// parsers, the event store, and the detectors, together with the ordered
// severity enum used throughout the pipeline.
package event

import "time"

// Severity is the urgency rank assigned to an event, detection, or alert.
// The order is LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityLevels maps each severity to its position in the threshold order.
var severityLevels = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Level returns the threshold-order position of s: LOW=0 up to CRITICAL=3.
// Unknown severities map to 0 so a malformed value is treated as LOW rather
// than silently outranking real alerts.
func (s Severity) Level() int {
	return severityLevels[s]
}

// Rank returns the dashboard sort key for s: CRITICAL=0 down to LOW=3.
// Sorting ascending by Rank lists the most urgent entries first.
func (s Severity) Rank() int {
	return len(severityLevels) - 1 - s.Level()
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

// AtLeast returns the higher of s and floor. It never downgrades.
func (s Severity) AtLeast(floor Severity) Severity {
	if floor.Level() > s.Level() {
		return floor
	}
	return s
}

// StepDown returns the severity one rank below s, clamped at LOW.
func (s Severity) StepDown() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Event types produced by the parsers. The detectors and the ML label
// inference select on these strings, so they are part of the wire contract.
const (
	TypeSSHFailedLogin       = "SSH_FAILED_LOGIN"
	TypeSSHLoginSuccess      = "SSH_LOGIN_SUCCESS"
	TypeUFWTraffic           = "UFW_TRAFFIC"
	TypeSuspiciousPortAccess = "SUSPICIOUS_PORT_ACCESS"
	TypeSQLAccessAttempt     = "SQL_ACCESS_ATTEMPT"
	TypeConnectionAttempt    = "CONNECTION_ATTEMPT"
	TypeIptablesBlocked      = "IPTABLES_BLOCKED"
	TypeSQLInjectionAttempt  = "SQL_INJECTION_ATTEMPT"
	TypeSQLAuthFailed        = "SQL_AUTH_FAILED"
	TypeSyslogEntry          = "SYSLOG_ENTRY"
)

// KnownTypes is the set of event types a parser may emit.
var KnownTypes = map[string]bool{
	TypeSSHFailedLogin:       true,
	TypeSSHLoginSuccess:      true,
	TypeUFWTraffic:           true,
	TypeSuspiciousPortAccess: true,
	TypeSQLAccessAttempt:     true,
	TypeConnectionAttempt:    true,
	TypeIptablesBlocked:      true,
	TypeSQLInjectionAttempt:  true,
	TypeSQLAuthFailed:        true,
	TypeSyslogEntry:          true,
}

// Event is one parsed log line. Timestamp and SourceIP are always present;
// a parser that cannot extract both rejects the line instead of emitting a
// partial record. Ports use 0 to mean "not present" (0 is not a routable
// port in any of the supported formats). Events are immutable after insert.
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"source_ip"`
	DestinationIP   string    `json:"destination_ip,omitempty"`
	SourcePort      int       `json:"source_port,omitempty"`
	DestinationPort int       `json:"destination_port,omitempty"`
	Protocol        string    `json:"protocol,omitempty"`
	LogSource       string    `json:"log_source"`
	EventType       string    `json:"event_type"`
	Severity        Severity  `json:"severity"`
	Username        string    `json:"username,omitempty"`
	RawLog          string    `json:"raw_log"`
}
