package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// JSONLTraceWriter writes Step records as JSON Lines (one JSON object per line).
// It is safe for concurrent use by multiple goroutines.
type JSONLTraceWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // only set when we own the underlying writer
	closed bool
}

// ErrTraceWriterClosed is returned when WriteStep is called after Close.
var ErrTraceWriterClosed = errors.New("jsonl trace writer is closed")

// NewJSONLTraceWriter wraps w. Close flushes but does not close w.
func NewJSONLTraceWriter(w io.Writer) *JSONLTraceWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLTraceWriter{enc: enc, buf: buf}
}

// NewJSONLTraceWriterFile creates (or truncates) path and owns the file;
// Close flushes and closes it. "-" writes to stdout.
func NewJSONLTraceWriterFile(path string) (*JSONLTraceWriter, error) {
	if path == "-" {
		return NewJSONLTraceWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewJSONLTraceWriter(f)
	w.closer = f
	return w, nil
}

// WriteStep encodes a single Step followed by a newline.
func (w *JSONLTraceWriter) WriteStep(step *Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrTraceWriterClosed
	}
	return w.enc.Encode(step)
}

// Flush forces buffered data to be written to the underlying writer.
func (w *JSONLTraceWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrTraceWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes any buffered data and closes the file if we own it.
func (w *JSONLTraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
