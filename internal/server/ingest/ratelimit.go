package ingest

import (
	"sync"
	"time"
)

type clientWindow struct {
	start time.Time
	count int
}

// rateLimiter is a fixed-window counter per client address. The window
// resets on the first request after it expires, so a client that goes
// quiet gets a full allowance back.
//
// State is in-process only; with multiple server instances each enforces
// its own limit.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientWindow
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientWindow),
	}
}

func (l *rateLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok || now.Sub(w.start) >= l.window {
		l.clients[client] = &clientWindow{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= l.limit
}
