package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

const alertColumns = `bucket_end, lookback_seconds, alert_type, source_ip,
	severity, first_seen, last_seen, count, description, details, computed_at`

// UpsertAlert writes a materialized alert keyed by
// (bucket_end, lookback_seconds, alert_type, source_ip). Concurrent
// get-or-compute races on the same bucket resolve last-writer-wins; keyed
// reads stay consistent either way.
func (s *Store) UpsertAlert(ctx context.Context, a Alert) error {
	detail := []byte(a.Details)
	if detail == nil {
		detail = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(bucket_end, lookback_seconds, alert_type, source_ip, severity,
			 first_seen, last_seen, count, description, details, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bucket_end, lookback_seconds, alert_type, source_ip)
		DO UPDATE SET
			severity    = EXCLUDED.severity,
			first_seen  = EXCLUDED.first_seen,
			last_seen   = EXCLUDED.last_seen,
			count       = EXCLUDED.count,
			description = EXCLUDED.description,
			details     = EXCLUDED.details,
			computed_at = EXCLUDED.computed_at`,
		a.BucketEnd.UTC(), a.LookbackSeconds, a.AlertType, a.SourceIP,
		string(a.Severity), a.FirstSeen.UTC(), a.LastSeen.UTC(), a.Count,
		a.Description, detail, a.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// AlertsAt returns the alerts materialized for (bucketEnd, lookback) whose
// computed_at is at or after freshAfter, in dashboard order: severity rank
// ascending (CRITICAL first), then last_seen descending.
func (s *Store) AlertsAt(ctx context.Context, bucketEnd time.Time, lookbackSeconds int, freshAfter time.Time) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM alerts
		WHERE  bucket_end = $1 AND lookback_seconds = $2 AND computed_at >= $3
		ORDER  BY %s, last_seen DESC`, alertColumns, severityOrderSQL),
		bucketEnd.UTC(), lookbackSeconds, freshAfter.UTC())
	if err != nil {
		return nil, fmt.Errorf("alerts at bucket: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// RecentAlerts returns up to limit alerts whose bucket_end is at or after
// since, restricted to the given severities when any are supplied. Used by
// the dashboard summary (CRITICAL/HIGH, top 10).
func (s *Store) RecentAlerts(ctx context.Context, since time.Time, severities []event.Severity, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{since.UTC()}
	where := "bucket_end >= $1"
	if len(severities) > 0 {
		sevs := make([]string, len(severities))
		for i, sv := range severities {
			sevs[i] = string(sv)
		}
		args = append(args, sevs)
		where += fmt.Sprintf(" AND severity = ANY($%d)", len(args))
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM alerts
		WHERE  %s
		ORDER  BY %s, last_seen DESC
		LIMIT  $%d`, alertColumns, where, severityOrderSQL, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var a Alert
		var severity string
		var detail []byte
		err := rows.Scan(
			&a.BucketEnd, &a.LookbackSeconds, &a.AlertType, &a.SourceIP,
			&severity, &a.FirstSeen, &a.LastSeen, &a.Count,
			&a.Description, &detail, &a.ComputedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = event.Severity(severity)
		a.Details = detail
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
