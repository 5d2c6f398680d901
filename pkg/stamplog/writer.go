package stamplog

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// RecordWriter persists Records and optionally mirrors them to a console.
type RecordWriter interface {
	// Write queues one record. It returns the first error the writer has
	// seen so far, so callers can stop early on a failing sink.
	Write(r Record) error

	// LineWriter returns an io.Writer that stamps every line written to it
	// with the current time.
	LineWriter() io.Writer

	// Close flushes pending records and returns the first write error.
	Close() error
}

// Writer owns one persisted log and, optionally, a console. A single
// goroutine formats each record once and writes the same bytes to the log
// and then to the console, so both always show the same lines.
type Writer struct {
	records chan Record
	done    chan struct{}

	mu      sync.Mutex
	err     error
	written int

	closeOnce sync.Once
}

var _ RecordWriter = &Writer{}

// NewWriter creates a Writer for sink. echo may be nil to disable the
// console mirror. The internal goroutine runs until Close is called.
func NewWriter(sink io.Writer, echo io.Writer) *Writer {
	w := &Writer{
		records: make(chan Record, 100),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		for r := range w.records {
			if w.Err() != nil {
				// Keep draining so senders never block on a dead sink.
				continue
			}
			line := []byte(FormatRecord(r) + "\n")
			if _, err := sink.Write(line); err != nil {
				w.setErr(errors.Mark(errors.Wrap(err, "write persisted log"), ErrIO))
				continue
			}
			if echo != nil {
				// Console failures do not invalidate the log.
				_, _ = echo.Write(line)
			}
			w.mu.Lock()
			w.written++
			w.mu.Unlock()
		}
	}()

	return w
}

// Write queues r for writing.
func (w *Writer) Write(r Record) error {
	if err := w.Err(); err != nil {
		return err
	}
	w.records <- r
	return nil
}

// LineWriter returns an io.Writer that turns every newline-terminated line
// into one Record stamped at the moment it is written. A trailing partial
// line is buffered until its newline arrives.
func (w *Writer) LineWriter() io.Writer {
	return &lineWriter{w: w}
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Written returns the number of records that reached the sink.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close closes the writer and waits for all pending writes to complete.
// Do not call Write after Close.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.records)
	})
	<-w.done
	return w.Err()
}

func (w *Writer) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// lineWriter implements io.Writer on top of a Writer
type lineWriter struct {
	w       *Writer
	pending []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.pending = append(lw.pending, p...)
	for {
		i := bytes.IndexByte(lw.pending, '\n')
		if i < 0 {
			break
		}
		msg := string(lw.pending[:i])
		lw.pending = lw.pending[i+1:]
		if err := lw.w.Write(Record{Timestamp: time.Now(), Message: trimCR(msg)}); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
