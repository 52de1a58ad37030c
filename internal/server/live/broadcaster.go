// Package live implements the live log feed: a poll tailer per source
// file, a bounded hot cache of recent raw lines, and a WebSocket
// broadcaster that fans lines out to dashboard connections.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of
//     JSON-encoded log frames. A non-blocking send is used so that a slow
//     or disconnected client never applies back-pressure to the tailer
//     goroutines.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - A client subscribes to one log source name, or "all". Per-source
//     delivery order equals arrival order; there is no ordering guarantee
//     across sources.
//   - Unregistering a client closes its send channel, which signals the
//     write pump to exit cleanly.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SourceAll subscribes a client to every log source.
const SourceAll = "all"

// LogLine is one raw line as it came off a tailed file.
type LogLine struct {
	Source    string
	Line      string
	Timestamp time.Time
}

// LogData is the structured payload sent to browser clients.
type LogData struct {
	LogSource string `json:"log_source"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
}

// LogMessage is the top-level JSON envelope pushed to WebSocket clients.
// Type is always "log" for log lines.
type LogMessage struct {
	Type string  `json:"type"`
	Data LogData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is
// called.
type Client struct {
	id      string
	source  string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Source returns the log source the client subscribed to.
func (c *Client) Source() string { return c.source }

// Send returns a receive-only channel on which JSON-encoded log frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans raw log lines out to subscribed WebSocket clients. It
// is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	log     *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 means the default of 64.
func NewBroadcaster(log *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, log: log}
}

// Register creates a new Client subscribed to source ("" means all),
// stores it, and returns it. The caller must call Unregister(id) when the
// connection ends.
//
// If the broadcaster is already closed, Register returns a Client whose
// Send channel is already closed.
func (b *Broadcaster) Register(id, source string) *Client {
	if source == "" {
		source = SourceAll
	}
	c := &Client{
		id:     id,
		source: source,
		send:   make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel so
// the write pump exits cleanly. Unknown ids are a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish delivers line to every client subscribed to its source or to
// "all", using a non-blocking send. When a client's buffer is full the
// line is dropped for that client and its Dropped counter is
// incremented.
func (b *Broadcaster) Publish(line LogLine) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(LogMessage{
		Type: "log",
		Data: LogData{
			LogSource: line.Source,
			Line:      line.Line,
			Timestamp: line.Timestamp.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		b.log.Error("live broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.source != SourceAll && c.source != line.Source {
			return true
		}
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.log.Warn("live broadcaster: client buffer full, dropping line",
				slog.String("client_id", c.id),
				slog.String("log_source", line.Source),
			)
		}
		return true // continue ranging
	})
}

// Close unregisters every client and closes its channel. After Close,
// Publish is a no-op and Register returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
