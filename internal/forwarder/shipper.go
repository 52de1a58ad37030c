package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	requestTimeout = 10 * time.Second
)

// batchRequest mirrors the server's ingest request body. One request
// carries lines from a single source.
type batchRequest struct {
	Logs      []string `json:"logs"`
	LogSource string   `json:"log_source"`
}

// Shipper drains the spool queue into the server's ingest endpoint.
// Lines are acknowledged only after a 2xx response, so a failed or
// interrupted ship leaves them queued for the next attempt.
type Shipper struct {
	queue  *Queue
	log    *slog.Logger
	client *http.Client

	ingestURL string
	apiKey    string
	batchSize int
	flushMS   time.Duration
}

// NewShipper builds a shipper from the agent configuration.
func NewShipper(cfg *Config, queue *Queue, log *slog.Logger) *Shipper {
	return &Shipper{
		queue:     queue,
		log:       log,
		client:    &http.Client{Timeout: requestTimeout},
		ingestURL: cfg.ServerURL + "/ingest",
		apiKey:    cfg.APIKey,
		batchSize: cfg.BatchSize,
		flushMS:   time.Duration(cfg.FlushSeconds) * time.Second,
	}
}

// Run ships batches until ctx is cancelled. On delivery failure it backs
// off exponentially, starting at one second and doubling up to thirty,
// then retries; queued lines are never discarded.
func (s *Shipper) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		shipped, err := s.shipOnce(ctx)
		switch {
		case ctx.Err() != nil:
			s.log.Info("shipper stopped", slog.Int("queue_depth", s.queue.Depth()))
			return
		case err != nil:
			s.log.Warn("ship failed, backing off",
				slog.Duration("backoff", backoff),
				slog.Int("queue_depth", s.queue.Depth()),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		case shipped > 0:
			backoff = initialBackoff
			// Drain without waiting while the queue has a backlog.
			continue
		}

		backoff = initialBackoff
		select {
		case <-ctx.Done():
			s.log.Info("shipper stopped", slog.Int("queue_depth", s.queue.Depth()))
			return
		case <-time.After(s.flushMS):
		}
	}
}

// shipOnce dequeues up to one batch, posts it grouped by source, and
// acks delivered lines. It returns the number of lines acknowledged.
// On a mid-batch failure the already-delivered groups stay acked and
// the rest remain queued, so the failed group is re-sent later (the
// server tolerates duplicate lines).
func (s *Shipper) shipOnce(ctx context.Context) (int, error) {
	pending, err := s.queue.Dequeue(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	shipped := 0
	for _, group := range groupBySource(pending) {
		if err := s.post(ctx, group); err != nil {
			return shipped, err
		}
		ids := make([]int64, len(group))
		for i, pl := range group {
			ids[i] = pl.ID
		}
		if err := s.queue.Ack(ctx, ids); err != nil {
			return shipped, err
		}
		shipped += len(group)
		s.log.Debug("batch shipped",
			slog.String("log_source", group[0].Source),
			slog.Int("lines", len(group)))
	}
	return shipped, nil
}

// groupBySource splits a mixed dequeue result into per-source slices,
// preserving insertion order within each group.
func groupBySource(pending []PendingLine) [][]PendingLine {
	var groups [][]PendingLine
	index := make(map[string]int)
	for _, pl := range pending {
		i, ok := index[pl.Source]
		if !ok {
			i = len(groups)
			index[pl.Source] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], pl)
	}
	return groups
}

func (s *Shipper) post(ctx context.Context, group []PendingLine) error {
	body := batchRequest{
		Logs:      make([]string, len(group)),
		LogSource: group[0].Source,
	}
	for i, pl := range group {
		body.Logs[i] = pl.Line
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("shipper: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ingestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("shipper: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("shipper: post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shipper: server returned %s", resp.Status)
	}
	return nil
}
