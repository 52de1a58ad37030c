package live

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/parser"
)

// defaultPollInterval is the sleep between reads once the tailer hits
// EOF. 10ms keeps the live feed close to real time without burning a
// core.
const defaultPollInterval = 10 * time.Millisecond

// EventWriter is the storage slice the tailer needs. *storage.Store
// satisfies it.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []event.Event) error
}

// Tailer follows one log file and feeds every new line to the hot cache,
// the broadcaster, and (when it parses) the event store. A line that
// fails to parse is still cached and broadcast.
type Tailer struct {
	path   string
	source string
	cache  HotCache
	bc     *Broadcaster
	store  EventWriter
	log    *slog.Logger

	pollInterval time.Duration
	now          func() time.Time
}

// NewTailer builds a Tailer for path, labeling lines with source (the
// parser hint and subscription name).
func NewTailer(path, source string, cache HotCache, bc *Broadcaster, store EventWriter, log *slog.Logger) *Tailer {
	return &Tailer{
		path:         path,
		source:       source,
		cache:        cache,
		bc:           bc,
		store:        store,
		log:          log,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Run tails the file until ctx is cancelled. It starts at the current
// end of file so a restart does not replay history, reopens the file
// after rotation, and rewinds after truncation.
func (t *Tailer) Run(ctx context.Context) {
	t.log.Info("tailer started", "path", t.path, "log_source", t.source)
	for {
		if err := t.follow(ctx); err != nil {
			if ctx.Err() != nil {
				t.log.Info("tailer stopped", "path", t.path)
				return
			}
			t.log.Warn("tailer reopening after error", "path", t.path, "error", err)
		}
		select {
		case <-ctx.Done():
			t.log.Info("tailer stopped", "path", t.path)
			return
		case <-time.After(time.Second):
		}
	}
}

// follow reads from one open handle until the file is rotated away or an
// unrecoverable read error occurs.
func (t *Tailer) follow(ctx context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			offset += int64(len(line))
			t.handleLine(ctx, strings.TrimRight(line, "\r\n"))
			continue
		}
		if err != io.EOF {
			return err
		}
		// Partial line at EOF: push the reader back and wait for the rest.
		if line != "" {
			if _, serr := f.Seek(offset, io.SeekStart); serr != nil {
				return serr
			}
			reader.Reset(f)
		}

		rotated, truncated, cerr := t.checkFile(f, offset)
		if cerr != nil {
			return cerr
		}
		if rotated {
			return nil
		}
		if truncated {
			if _, serr := f.Seek(0, io.SeekStart); serr != nil {
				return serr
			}
			offset = 0
			reader.Reset(f)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

// checkFile detects rotation (a new inode at the path) and truncation
// (the file shrank under our offset).
func (t *Tailer) checkFile(f *os.File, offset int64) (rotated, truncated bool, err error) {
	cur, err := f.Stat()
	if err != nil {
		return false, false, err
	}
	if cur.Size() < offset {
		return false, true, nil
	}
	disk, err := os.Stat(t.path)
	if err != nil {
		// Rotated away and not recreated yet; reopen on the next cycle.
		return true, false, nil
	}
	if !os.SameFile(cur, disk) {
		return true, false, nil
	}
	return false, false, nil
}

// handleLine runs the three-way fan-out. Cache and store failures are
// logged and do not stop the broadcast.
func (t *Tailer) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	now := t.now()

	if err := t.cache.Append(ctx, t.source, line); err != nil {
		t.log.Warn("hot cache append failed", "log_source", t.source, "error", err)
	}

	t.bc.Publish(LogLine{Source: t.source, Line: line, Timestamp: now})

	ev, ok := parser.Dispatch(line, t.source, now)
	if !ok {
		return // silent drop, the raw line was still broadcast
	}
	if err := t.store.InsertEvents(ctx, []event.Event{ev}); err != nil {
		t.log.Warn("live event insert failed", "log_source", t.source, "error", err)
	}
}
