package ml

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// featureTTL bounds how long a cached feature vector is reused.
const featureTTL = 24 * time.Hour

// SQLiteCache is a WAL-mode SQLite-backed feature cache and prediction log.
// Entries are versioned by the feature schema hash: a schema change makes
// every old entry a miss, so a stale vector can never reach the scaler.
// Safe for concurrent use.
type SQLiteCache struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

const cacheDDL = `
CREATE TABLE IF NOT EXISTS feature_cache (
    key         TEXT PRIMARY KEY,
    schema_hash TEXT NOT NULL,
    features    TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source_ip    TEXT,
    event_type   TEXT,
    log_source   TEXT,
    ml_available INTEGER NOT NULL,
    anomaly      REAL    NOT NULL,
    label        TEXT,
    confidence   REAL    NOT NULL,
    risk_score   REAL    NOT NULL,
    created_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions (created_at);
`

// OpenCache opens (or creates) the cache database at path. ":memory:" is
// suitable for tests. The single-connection pool serialises writers, which
// SQLite requires anyway.
func OpenCache(path string, log *slog.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ml cache: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ml cache: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(cacheDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ml cache: apply schema: %w", err)
	}
	return &SQLiteCache{db: db, log: log, now: time.Now}, nil
}

// Get returns the cached vector for key if it exists, matches the current
// schema, and is within the TTL.
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]float64, bool) {
	var featuresJSON, schemaHash, createdAt string
	err := c.db.QueryRowContext(ctx,
		`SELECT features, schema_hash, created_at FROM feature_cache WHERE key = ?`, key).
		Scan(&featuresJSON, &schemaHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.log.Warn("feature cache read failed", "error", err)
		return nil, false
	}
	if schemaHash != SchemaHash() {
		return nil, false
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil || c.now().Sub(created) > featureTTL {
		return nil, false
	}
	var features []float64
	if err := json.Unmarshal([]byte(featuresJSON), &features); err != nil {
		return nil, false
	}
	if len(features) != len(FeatureNames) {
		return nil, false
	}
	return features, true
}

// Put stores features under key, stamped with the current schema hash.
// Failures are logged and swallowed: a broken cache degrades to
// re-extraction, never to a scoring error.
func (c *SQLiteCache) Put(ctx context.Context, key string, features []float64) {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		c.log.Warn("feature cache marshal failed", "error", err)
		return
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO feature_cache (key, schema_hash, features, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			schema_hash = excluded.schema_hash,
			features    = excluded.features,
			created_at  = excluded.created_at`,
		key, SchemaHash(), string(featuresJSON), c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		c.log.Warn("feature cache write failed", "error", err)
	}
}

// Record persists one prediction document. Implements PredictionSink.
func (c *SQLiteCache) Record(ctx context.Context, in Input, res Result) {
	available := 0
	if res.MLAvailable {
		available = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO predictions
			(source_ip, event_type, log_source, ml_available, anomaly, label, confidence, risk_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.SourceIP, in.EventType, in.LogSource, available,
		res.AnomalyScore, res.Label, res.Confidence, res.RiskScore,
		c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		c.log.Warn("prediction log write failed", "error", err)
	}
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
