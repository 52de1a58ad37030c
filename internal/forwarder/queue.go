// Package forwarder implements the log forwarder agent: tailers feed raw
// lines into a WAL-mode SQLite queue, and a shipper drains the queue into
// the server's ingest endpoint in batches.
//
// # At-least-once delivery
//
// Lines are persisted on Enqueue and are not removed until the shipper
// calls Ack after a successful POST. If the process crashes between
// Enqueue and Ack, the lines are returned again by the next Dequeue call
// after restart, so no line is dropped while the queue file survives.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the tailer
// goroutines (writers) and the shipper (reader) proceed without blocking
// each other through the single pooled connection.
package forwarder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Queue is a WAL-mode SQLite-backed line queue. It is safe for
// concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// queueDDL is the schema, kept here to keep the package self-contained.
const queueDDL = `
CREATE TABLE IF NOT EXISTS line_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    log_source  TEXT    NOT NULL,
    line        TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_line_queue_pending
    ON line_queue (delivered, id);
`

// OpenQueue opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" is suitable for tests
// but loses all data when closed.
//
// The internal depth counter is seeded from the rows still marked
// pending, so Depth() is accurate immediately after a crash-recovery
// restart.
func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// avoids "database is locked" errors under concurrent Enqueue calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	// NORMAL synchronous: durable across application crashes; not OS
	// crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(queueDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM line_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// Enqueue persists one raw line with delivered = 0. The line is included
// in subsequent Dequeue results until Ack is called for its ID.
func (q *Queue) Enqueue(ctx context.Context, source, line string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO line_queue (log_source, line) VALUES (?, ?)`,
		source, line,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingLine is an unacknowledged line returned by Dequeue. ID is the
// database primary key used to acknowledge it via Ack.
type PendingLine struct {
	ID     int64
	Source string
	Line   string
}

// Dequeue returns up to n unacknowledged lines in insertion order
// (oldest first). It does not mark lines as delivered; call Ack with the
// returned IDs after a successful ship. n ≤ 0 returns nil without
// querying.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingLine, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, log_source, line
		 FROM   line_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var lines []PendingLine
	for rows.Next() {
		var pl PendingLine
		if err := rows.Scan(&pl.ID, &pl.Source, &pl.Line); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		lines = append(lines, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return lines, nil
}

// Ack marks the lines identified by ids as delivered, excluding them
// from subsequent Dequeue results. Ack is idempotent; already-acked IDs
// are skipped and do not move the depth counter.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE line_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) lines from an
// atomic counter, so it never blocks on the database.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. The queue must not be
// used after Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
