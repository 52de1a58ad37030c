// Package retention keeps the event store under its configured size cap by
// deleting oldest events in bounded batches. The worker is a self-healing
// loop: a failed cycle is logged and the next tick tries again. It never
// blocks ingestion; deletes run in small batches against MVCC storage.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventStore is the storage slice the worker needs.
type EventStore interface {
	SizeBytes(ctx context.Context) (int64, error)
	CountEvents(ctx context.Context) (int64, error)
	DeleteOldest(ctx context.Context, limit int) (int64, error)
}

// Config tunes the worker.
type Config struct {
	MaxSizeMB    int64         // cap; 0 disables the worker
	DeleteSizeMB int64         // approximate bytes freed per cycle, default 64
	Interval     time.Duration // default 5m
}

func (c *Config) applyDefaults() {
	if c.DeleteSizeMB <= 0 {
		c.DeleteSizeMB = 64
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
}

// Worker enforces the retention policy.
type Worker struct {
	cfg   Config
	store EventStore
	log   *slog.Logger
}

// New builds a Worker.
func New(cfg Config, store EventStore, log *slog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{cfg: cfg, store: store, log: log}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.MaxSizeMB <= 0 {
		w.log.Info("retention disabled, no size cap configured")
		return
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("retention worker started",
		"max_size_mb", w.cfg.MaxSizeMB, "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("retention worker stopped")
			return
		case <-ticker.C:
			if err := w.Trim(ctx); err != nil {
				w.log.Error("retention cycle failed", "error", err)
			}
		}
	}
}

// Trim deletes oldest events in batches until the store fits the cap. The
// batch size is estimated from the average event footprint with a 20%
// overhead factor for indexes and row headers.
func (w *Worker) Trim(ctx context.Context) error {
	capBytes := w.cfg.MaxSizeMB * 1024 * 1024
	for {
		size, err := w.store.SizeBytes(ctx)
		if err != nil {
			return fmt.Errorf("retention: size: %w", err)
		}
		if size <= capBytes {
			return nil
		}

		count, err := w.store.CountEvents(ctx)
		if err != nil {
			return fmt.Errorf("retention: count: %w", err)
		}
		if count == 0 {
			// Size over cap with no rows is table overhead; nothing to do.
			return nil
		}

		batch := w.batchSize(size, count)
		deleted, err := w.store.DeleteOldest(ctx, batch)
		if err != nil {
			return fmt.Errorf("retention: delete batch of %d: %w", batch, err)
		}
		w.log.Info("retention batch deleted",
			"deleted", deleted, "batch", batch, "size_bytes", size)
		if deleted == 0 {
			return nil
		}
	}
}

// batchSize estimates how many oldest rows to delete to free roughly
// DeleteSizeMB.
func (w *Worker) batchSize(sizeBytes, count int64) int {
	avg := float64(sizeBytes) / float64(count)
	target := float64(w.cfg.DeleteSizeMB) * 1024 * 1024
	batch := int(target / (avg * 1.2))
	if batch < 1 {
		batch = 1
	}
	return batch
}
