package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ActiveBlock returns the active blocklist entry for ip, or nil when the IP
// is not currently blocked.
func (s *Store) ActiveBlock(ctx context.Context, ip string) (*BlockEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, ip, blocked_at, is_active, reason, blocked_by, unblocked_at, unblocked_by
		FROM   blocklist
		WHERE  ip = $1 AND is_active`, ip)
	e, err := scanBlockEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active block %s: %w", ip, err)
	}
	return e, nil
}

// LastUnblockTime returns when ip was most recently unblocked. ok is false
// when the IP has never been unblocked; the auto-block cooldown check then
// does not apply.
func (s *Store) LastUnblockTime(ctx context.Context, ip string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(unblocked_at) FROM blocklist WHERE ip = $1`, ip).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last unblock %s: %w", ip, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// InsertBlock records a new active block for ip. The partial unique index
// on (ip) WHERE is_active is the per-IP mutual-exclusion barrier: a
// concurrent insert for the same IP fails the constraint, which the caller
// treats as "already blocked". created is false in that case.
func (s *Store) InsertBlock(ctx context.Context, ip, reason, blockedBy string) (created bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO blocklist (id, ip, blocked_at, is_active, reason, blocked_by)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		ON CONFLICT (ip) WHERE is_active DO NOTHING`,
		uuid.NewString(), ip, time.Now().UTC(), reason, blockedBy)
	if err != nil {
		return false, fmt.Errorf("insert block %s: %w", ip, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Unblock deactivates the active entry for ip, stamping who and when.
// History rows are retained. Returns false when no active entry existed.
func (s *Store) Unblock(ctx context.Context, ip, unblockedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE blocklist
		SET    is_active = FALSE, unblocked_at = $2, unblocked_by = $3
		WHERE  ip = $1 AND is_active`,
		ip, time.Now().UTC(), unblockedBy)
	if err != nil {
		return false, fmt.Errorf("unblock %s: %w", ip, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListBlocks returns blocklist entries, newest first. With activeOnly only
// currently enforced blocks are returned.
func (s *Store) ListBlocks(ctx context.Context, activeOnly bool) ([]BlockEntry, error) {
	sql := `
		SELECT id, ip, blocked_at, is_active, reason, blocked_by, unblocked_at, unblocked_by
		FROM   blocklist`
	if activeOnly {
		sql += ` WHERE is_active`
	}
	sql += ` ORDER BY blocked_at DESC`

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var entries []BlockEntry
	for rows.Next() {
		e, err := scanBlockEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanBlockEntry(s scanner) (*BlockEntry, error) {
	var e BlockEntry
	var unblockedBy *string
	err := s.Scan(&e.ID, &e.IP, &e.BlockedAt, &e.IsActive,
		&e.Reason, &e.BlockedBy, &e.UnblockedAt, &unblockedBy)
	if err != nil {
		return nil, err
	}
	if unblockedBy != nil {
		e.UnblockedBy = *unblockedBy
	}
	return &e, nil
}
