package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool connection pool. It is safe for concurrent use;
// PostgreSQL's MVCC means detector reads never block ingest writes.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity within the deadline of ctx. The REST
// layer maps the result onto the healthy/degraded/down summary states.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullableInt converts 0 to a nil pointer (ports use 0 for "absent").
func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// severityOrderSQL is the CASE expression that gives severities their
// threat order for ORDER BY; string order would sort CRITICAL after HIGH.
const severityOrderSQL = `CASE severity
	WHEN 'CRITICAL' THEN 0
	WHEN 'HIGH' THEN 1
	WHEN 'MEDIUM' THEN 2
	ELSE 3 END`
