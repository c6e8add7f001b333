// Package journal persists lifecycle events as snappy-compressed JSON lines so results survive
// a restart until the persistence collaborator has consumed them.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"paddlecourt/engine/internal/events"
)

// SegmentSuffix names journal files on disk.
const SegmentSuffix = ".jsonl.sz"

// Record is one persisted line.
type Record struct {
	WrittenAt time.Time        `json:"writtenAt"`
	Event     *events.Envelope `json:"event"`
}

// Writer appends records to a single segment file.
type Writer struct {
	mu      sync.Mutex
	path    string
	now     func() time.Time
	file    *os.File
	stream  *snappy.Writer
	written int64
	closed  bool
}

// OpenSegment creates a new segment in dir named after the current time.
func OpenSegment(dir string, clock func() time.Time) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := "lifecycle-" + clock().UTC().Format("20060102T150405.000000000Z") + SegmentSuffix
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, now: clock, file: file, stream: snappy.NewBufferedWriter(file)}, nil
}

// Path exposes the segment location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Written reports how many records have been flushed.
func (w *Writer) Written() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Append writes one event line and flushes it so a crash loses at most the current record.
func (w *Writer) Append(env *events.Envelope) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	if env == nil {
		return fmt.Errorf("nil envelope")
	}
	line, err := json.Marshal(Record{WrittenAt: w.now().UTC(), Event: env})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal segment closed")
	}
	if _, err := w.stream.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := w.stream.Flush(); err != nil {
		return err
	}
	w.written++
	return nil
}

// Close flushes the snappy stream and releases the file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var firstErr error
	if err := w.stream.Close(); err != nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
