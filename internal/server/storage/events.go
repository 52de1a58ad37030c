package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/logwarden/logwarden/internal/event"
)

// MaxBatchSize is the largest event batch InsertEvents accepts; it matches
// the ingest endpoint's per-request line cap.
const MaxBatchSize = 1000

// InsertEvents appends a batch of events in a single pgx.Batch round-trip.
// Events without an ID are assigned one. The batch is atomic: either every
// row is visible or none is. Batches larger than MaxBatchSize are rejected.
func (s *Store) InsertEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) > MaxBatchSize {
		return fmt.Errorf("insert events: batch of %d exceeds cap %d", len(events), MaxBatchSize)
	}

	const query = `
		INSERT INTO events
			(id, ts, source_ip, destination_ip, source_port, destination_port,
			 protocol, log_source, event_type, severity, username, raw_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		b.Queue(query,
			ev.ID, ev.Timestamp.UTC(), ev.SourceIP,
			nullableStr(ev.DestinationIP),
			nullableInt(ev.SourcePort), nullableInt(ev.DestinationPort),
			nullableStr(ev.Protocol), ev.LogSource, ev.EventType,
			string(ev.Severity), nullableStr(ev.Username), ev.RawLog,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, b)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert events: batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert events: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

const eventColumns = `id, ts, source_ip, destination_ip, source_port,
	destination_port, protocol, log_source, event_type, severity, username, raw_log`

// QueryEvents returns events matching q, sorted and paginated. When no sort
// is requested, newest first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]event.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.SourceIP != "" {
		add("source_ip = $%d", q.SourceIP)
	}
	if q.Severity != "" {
		add("severity = $%d", string(q.Severity))
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.DestinationPort != 0 {
		add("destination_port = $%d", q.DestinationPort)
	}
	if q.Protocol != "" {
		add("protocol = $%d", q.Protocol)
	}
	if q.LogSource != "" {
		add("log_source = $%d", q.LogSource)
	}
	if !q.From.IsZero() {
		add("ts >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("ts < $%d", q.To.UTC())
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(source_ip ILIKE $%d OR raw_log ILIKE $%d OR username ILIKE $%d)", n, n, n))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	var order string
	switch q.SortBy {
	case "severity":
		order = severityOrderSQL + " " + dir + ", ts DESC"
	case "event_type":
		order = "event_type " + dir + ", ts DESC"
	case "source_ip":
		order = "source_ip " + dir + ", ts DESC"
	case "timestamp":
		order = "ts " + dir
	default:
		order = "ts DESC"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)

	sql := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		eventColumns, where, order, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ScanRange returns events with ts in [from, to) matching f, ordered by
// timestamp ascending — the detectors depend on that order.
func (s *Store) ScanRange(ctx context.Context, from, to time.Time, f ScanFilter) ([]event.Event, error) {
	conds := []string{"ts >= $1", "ts < $2"}
	args := []any{from.UTC(), to.UTC()}
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.SourceIP != "" {
		add("source_ip = $%d", f.SourceIP)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Protocol != "" {
		add("protocol = $%d", f.Protocol)
	}
	if f.DestinationPort != 0 {
		add("destination_port = $%d", f.DestinationPort)
	}
	if f.RequirePort {
		conds = append(conds, "destination_port IS NOT NULL")
	}

	sql := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY ts ASC`,
		eventColumns, strings.Join(conds, " AND "))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("scan range: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// topN runs a grouped count over field with a per-severity breakdown.
// field is interpolated from a fixed caller-supplied identifier, never
// user input.
func (s *Store) topN(ctx context.Context, field string, from, to time.Time, n int) ([]FieldCount, error) {
	if n <= 0 {
		n = 10
	}
	sql := fmt.Sprintf(`
		SELECT %[1]s::text, severity, COUNT(*)
		FROM   events
		WHERE  ts >= $1 AND ts < $2 AND %[1]s IS NOT NULL
		GROUP  BY %[1]s, severity`, field)

	rows, err := s.pool.Query(ctx, sql, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", field, err)
	}
	defer rows.Close()

	byValue := map[string]*FieldCount{}
	var order []string
	for rows.Next() {
		var value, severity string
		var count int64
		if err := rows.Scan(&value, &severity, &count); err != nil {
			return nil, fmt.Errorf("top %s: scan: %w", field, err)
		}
		fc, ok := byValue[value]
		if !ok {
			fc = &FieldCount{Value: value, BySeverity: map[string]int64{}}
			byValue[value] = fc
			order = append(order, value)
		}
		fc.Count += count
		fc.BySeverity[severity] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top %s: rows: %w", field, err)
	}

	out := make([]FieldCount, 0, len(order))
	for _, v := range order {
		out = append(out, *byValue[v])
	}
	// Highest total first; stable enough for dashboard use.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Count > out[i].Count {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// TopSources returns the n most frequent source IPs in [from, to) with
// per-severity counts.
func (s *Store) TopSources(ctx context.Context, from, to time.Time, n int) ([]FieldCount, error) {
	return s.topN(ctx, "source_ip", from, to, n)
}

// TopPorts returns the n most targeted destination ports in [from, to).
func (s *Store) TopPorts(ctx context.Context, from, to time.Time, n int) ([]FieldCount, error) {
	return s.topN(ctx, "destination_port", from, to, n)
}

// HourlyCounts buckets event counts by hour over [from, to). Bucket keys
// use the fixed "YYYY-MM-DDTHH:00:00" shape the dashboard charts expect.
func (s *Store) HourlyCounts(ctx context.Context, from, to time.Time) ([]HourCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(date_trunc('hour', ts AT TIME ZONE 'UTC'), 'YYYY-MM-DD"T"HH24:00:00'), COUNT(*)
		FROM   events
		WHERE  ts >= $1 AND ts < $2
		GROUP  BY 1
		ORDER  BY 1`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("hourly counts: %w", err)
	}
	defer rows.Close()

	var out []HourCount
	for rows.Next() {
		var hc HourCount
		if err := rows.Scan(&hc.Hour, &hc.Count); err != nil {
			return nil, fmt.Errorf("hourly counts: scan: %w", err)
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

// LatestEventForIP returns the most recent event from ip, or nil when the
// IP has never been seen. The notification pipeline uses it as ML context.
func (s *Store) LatestEventForIP(ctx context.Context, ip string) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM events WHERE source_ip = $1 ORDER BY ts DESC LIMIT 1`, eventColumns), ip)
	ev, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", ip, err)
	}
	return ev, nil
}

// CountSince returns the number of events with ts >= since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE ts >= $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count since: %w", err)
	}
	return n, nil
}

// LastEventTime returns the newest event timestamp, or the zero time for an
// empty store.
func (s *Store) LastEventTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(ts) FROM events`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last event time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// SizeBytes returns the total on-disk size of the events table including
// indexes; the retention worker compares it against the configured cap.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT pg_total_relation_size('events')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("events size: %w", err)
	}
	return n, nil
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteOldest removes the limit oldest events by timestamp and returns the
// number deleted. The retention worker calls this in bounded batches so a
// trim cycle never takes a long exclusive bite out of the table.
func (s *Store) DeleteOldest(ctx context.Context, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events
		WHERE  id IN (SELECT id FROM events ORDER BY ts ASC LIMIT $1)`, limit)
	if err != nil {
		return 0, fmt.Errorf("delete oldest: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- scan helpers ---

func scanEvent(s scanner) (*event.Event, error) {
	var ev event.Event
	var dstIP, proto, user *string
	var spt, dpt *int
	var severity string
	err := s.Scan(
		&ev.ID, &ev.Timestamp, &ev.SourceIP,
		&dstIP, &spt, &dpt, &proto,
		&ev.LogSource, &ev.EventType, &severity, &user, &ev.RawLog,
	)
	if err != nil {
		return nil, err
	}
	ev.Severity = event.Severity(severity)
	if dstIP != nil {
		ev.DestinationIP = *dstIP
	}
	if spt != nil {
		ev.SourcePort = *spt
	}
	if dpt != nil {
		ev.DestinationPort = *dpt
	}
	if proto != nil {
		ev.Protocol = *proto
	}
	if user != nil {
		ev.Username = *user
	}
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
