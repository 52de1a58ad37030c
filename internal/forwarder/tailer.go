package forwarder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

const defaultPollInterval = 10 * time.Millisecond

// Tailer follows one log file and enqueues every complete line into the
// spool queue. It handles rotation (the path pointing at a new inode)
// and truncation (the file shrinking below the read offset).
type Tailer struct {
	path   string
	source string
	queue  *Queue
	log    *slog.Logger

	pollInterval time.Duration
}

// NewTailer returns a tailer that follows path and labels its lines
// with source.
func NewTailer(path, source string, queue *Queue, log *slog.Logger) *Tailer {
	return &Tailer{
		path:         path,
		source:       source,
		queue:        queue,
		log:          log,
		pollInterval: defaultPollInterval,
	}
}

// Run follows the file until ctx is cancelled. Each follow session that
// ends (rotation, truncation, read error) is retried after a short
// backoff, so a missing file at startup is not fatal.
func (t *Tailer) Run(ctx context.Context) {
	for {
		if err := t.follow(ctx); err != nil {
			if ctx.Err() != nil {
				t.log.Info("tailer stopped", slog.String("path", t.path))
				return
			}
			t.log.Warn("tail interrupted, reopening",
				slog.String("path", t.path),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			t.log.Info("tailer stopped", slog.String("path", t.path))
			return
		case <-time.After(time.Second):
		}
	}
}

// follow opens the file, seeks to the end, and reads complete lines as
// they are appended. Only lines written after the open are forwarded;
// history is never replayed.
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
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err == nil {
			offset += int64(len(line))
			t.enqueue(ctx, line[:len(line)-1])
			continue
		}
		if err != io.EOF {
			return err
		}

		// Partial line at EOF: rewind so the next pass re-reads it once
		// the writer finishes it.
		if len(line) > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			reader.Reset(f)
		}

		rotated, truncated, err := t.checkFile(f, offset)
		if err != nil {
			return err
		}
		if rotated {
			return nil // reopen via Run
		}
		if truncated {
			if offset, err = f.Seek(0, io.SeekStart); err != nil {
				return err
			}
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

// checkFile reports whether the path now names a different file
// (rotation) or the open file shrank below offset (truncation).
func (t *Tailer) checkFile(f *os.File, offset int64) (rotated, truncated bool, err error) {
	cur, err := f.Stat()
	if err != nil {
		return false, false, err
	}
	onDisk, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, false, nil
		}
		return false, false, err
	}
	if !os.SameFile(cur, onDisk) {
		return true, false, nil
	}
	return false, cur.Size() < offset, nil
}

func (t *Tailer) enqueue(ctx context.Context, line string) {
	if line == "" {
		return
	}
	if err := t.queue.Enqueue(ctx, t.source, line); err != nil {
		t.log.Error("failed to spool line",
			slog.String("path", t.path),
			slog.Any("error", err))
	}
}
