package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/logwarden/logwarden/internal/event"
)

// WasNotified reports whether a notification with the given deduplication
// key has already been recorded.
func (s *Store) WasNotified(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM notifications WHERE dedup_key = $1)`,
		dedupKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("was notified: %w", err)
	}
	return exists, nil
}

// LastNotification returns the most recent send time for the (ip, alertType)
// pair. ok is false when the pair has never been notified; the 15-minute
// rate-limit check then does not apply.
func (s *Store) LastNotification(ctx context.Context, ip, alertType string) (time.Time, bool, error) {
	var sentAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT sent_at FROM notifications
		WHERE  source_ip = $1 AND alert_type = $2
		ORDER  BY sent_at DESC
		LIMIT  1`, ip, alertType).Scan(&sentAt)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last notification: %w", err)
	}
	return sentAt, true, nil
}

// RecordNotification persists a sent notification. The unique index on
// dedup_key makes the insert idempotent; created is false when a concurrent
// worker already recorded the same key.
func (s *Store) RecordNotification(ctx context.Context, n NotificationRecord) (created bool, err error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, alert_type, source_ip, severity, risk_score, ml_label, recipients, sent_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		n.ID, n.AlertType, n.SourceIP, string(n.Severity), n.RiskScore,
		nullableStr(n.MLLabel), n.Recipients, n.SentAt.UTC(), n.DedupKey)
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentNotifications returns the latest notification records, newest first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_type, source_ip, severity, risk_score, ml_label, recipients, sent_at, dedup_key
		FROM   notifications
		ORDER  BY sent_at DESC
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		var severity string
		var mlLabel *string
		err := rows.Scan(&n.ID, &n.AlertType, &n.SourceIP, &severity,
			&n.RiskScore, &mlLabel, &n.Recipients, &n.SentAt, &n.DedupKey)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Severity = event.Severity(severity)
		if mlLabel != nil {
			n.MLLabel = *mlLabel
		}
		records = append(records, n)
	}
	return records, rows.Err()
}
