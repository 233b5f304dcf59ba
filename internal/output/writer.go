// Package output appends crawl records to a JSONL sink, one object per
// line, flushed per record so the stream is safe to tail or resume-read.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Writer serializes records to a line-delimited JSON stream. It is safe
// for concurrent use by fetch workers.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
}

// New wraps an arbitrary stream, e.g. stdout or an HTTP response.
func New(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w)}
}

// OpenFile opens path in append mode, creating it when missing. Existing
// lines are never truncated, so re-running a crawl extends the file.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output sink %s: %w", path, err)
	}
	return &Writer{buf: bufio.NewWriter(f), closer: f}, nil
}

// Emit appends one record as a single JSON line and flushes immediately.
func (w *Writer) Emit(record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record delimiter: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

// Close flushes buffered data and releases the underlying file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush sink: %w", err)
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return fmt.Errorf("close sink: %w", err)
		}
	}
	return nil
}
