// Package storage provides the PostgreSQL-backed persistence layer for the
// logwarden server: the append-mostly event store the detectors scan, the
// materialized alert cache, the firewall blocklist, and the notification
// ledger. All writes go through a pgxpool; bulk event ingestion uses a
// single pgx.Batch round-trip per request batch.
package storage

import (
	"encoding/json"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// EventQuery carries the filter, sort, and pagination parameters for
// QueryEvents. Zero values mean "no filter". Search matches a substring of
// source_ip, raw_log, or username. Limit defaults to 100 and is capped at
// 1000 by the REST layer.
type EventQuery struct {
	SourceIP        string
	Severity        event.Severity
	EventType       string
	DestinationPort int
	Protocol        string
	LogSource       string
	From            time.Time
	To              time.Time
	Search          string

	// SortBy is one of "timestamp", "severity", "event_type", "source_ip".
	// Severity sorts in threat order (CRITICAL first when descending is
	// false), not lexicographically.
	SortBy   string
	SortDesc bool

	Limit  int
	Offset int
}

// ScanFilter narrows a detector scan. RequirePort selects only events that
// carry a destination port (the port-scan detector's precondition).
type ScanFilter struct {
	SourceIP        string
	EventType       string
	Protocol        string
	DestinationPort int
	RequirePort     bool
}

// FieldCount is one row of a top-N aggregation: the grouped value, its
// total, and the per-severity breakdown.
type FieldCount struct {
	Value      string           `json:"value"`
	Count      int64            `json:"count"`
	BySeverity map[string]int64 `json:"by_severity"`
}

// HourCount is one hourly ingestion bucket, keyed "YYYY-MM-DDTHH:00:00".
type HourCount struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// Alert is one materialized detection, unique per
// (bucket_end, lookback_seconds, alert_type, source_ip). Details carries
// the full detection document verbatim.
type Alert struct {
	BucketEnd       time.Time       `json:"bucket_end"`
	LookbackSeconds int             `json:"lookback_seconds"`
	AlertType       string          `json:"alert_type"`
	SourceIP        string          `json:"source_ip"`
	Severity        event.Severity  `json:"severity"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	Count           int             `json:"count"`
	Description     string          `json:"description"`
	Details         json.RawMessage `json:"details,omitempty"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// BlockEntry is one blocklist row. At most one row per IP has
// IsActive=true; historical rows keep their unblock audit fields.
type BlockEntry struct {
	ID          string     `json:"id"`
	IP          string     `json:"ip"`
	BlockedAt   time.Time  `json:"blocked_at"`
	IsActive    bool       `json:"is_active"`
	Reason      string     `json:"reason"`
	BlockedBy   string     `json:"blocked_by"`
	UnblockedAt *time.Time `json:"unblocked_at,omitempty"`
	UnblockedBy string     `json:"unblocked_by,omitempty"`
}

// NotificationRecord is one dispatched email, recorded after the send
// succeeds. DedupKey is unique: replays of the same alert are suppressed by
// the insert conflict.
type NotificationRecord struct {
	ID         string    `json:"id"`
	AlertType  string    `json:"alert_type"`
	SourceIP   string    `json:"source_ip"`
	Severity   event.Severity `json:"severity"`
	RiskScore  float64   `json:"risk_score"`
	MLLabel    string    `json:"ml_label,omitempty"`
	Recipients []string  `json:"recipients"`
	SentAt     time.Time `json:"sent_at"`
	DedupKey   string    `json:"deduplication_key"`
}
