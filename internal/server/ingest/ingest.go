// Package ingest implements the POST /ingest endpoint: shared-secret
// auth, per-client fixed-window rate limiting, body validation, parser
// dispatch, and bulk insert. Partial success is normal and reported in
// the response counts.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/parser"
)

// MaxBatchLines caps one ingest request. It matches the store's bulk
// insert limit so a valid request always fits one batch.
const MaxBatchLines = 1000

// Request is the ingest body. LogSource is the optional parser hint.
type Request struct {
	Logs      []string `json:"logs"`
	LogSource string   `json:"log_source,omitempty"`
}

// Response reports what happened to the batch. Success is true iff at
// least one line parsed.
type Response struct {
	Success       bool   `json:"success"`
	IngestedCount int    `json:"ingested_count"`
	FailedCount   int    `json:"failed_count"`
	TotalReceived int    `json:"total_received"`
	Message       string `json:"message"`
}

// EventWriter is the storage slice the handler needs.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []event.Event) error
}

// Config tunes the handler.
type Config struct {
	APIKey string

	// RateLimit requests per RateWindow per client address. 0 keeps the
	// default of 100 per minute.
	RateLimit  int
	RateWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
}

// Handler serves POST /ingest.
type Handler struct {
	cfg     Config
	store   EventWriter
	limiter *rateLimiter
	log     *slog.Logger
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(cfg Config, store EventWriter, log *slog.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		cfg:     cfg,
		store:   store,
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateWindow),
		log:     log,
		now:     time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		rejectedTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	if key != h.cfg.APIKey {
		rejectedTotal.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "invalid API key")
		return
	}

	if !h.limiter.allow(clientAddr(r), h.now()) {
		rejectedTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rejectedTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Logs) == 0 {
		rejectedTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "logs must be a non-empty list")
		return
	}
	if len(req.Logs) > MaxBatchLines {
		rejectedTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "logs exceeds the batch limit of 1000 lines")
		return
	}

	now := h.now()
	events := make([]event.Event, 0, len(req.Logs))
	for _, line := range req.Logs {
		if ev, ok := parser.Dispatch(line, req.LogSource, now); ok {
			events = append(events, ev)
		}
	}
	linesReceived.Add(float64(len(req.Logs)))
	linesParsed.Add(float64(len(events)))
	linesFailed.Add(float64(len(req.Logs) - len(events)))

	if len(events) > 0 {
		if err := h.store.InsertEvents(r.Context(), events); err != nil {
			h.log.Error("ingest insert failed", "count", len(events), "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	resp := Response{
		Success:       len(events) > 0,
		IngestedCount: len(events),
		FailedCount:   len(req.Logs) - len(events),
		TotalReceived: len(req.Logs),
		Message:       "batch processed",
	}
	if !resp.Success {
		resp.Message = "no lines could be parsed"
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientAddr strips the port so one host counts as one rate-limit
// client. The RealIP middleware has already rewritten RemoteAddr when a
// trusted proxy header is present.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
