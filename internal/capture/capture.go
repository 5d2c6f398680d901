// Package capture runs one line-oriented source into its own persisted log.
package capture

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"dmerg/internal/facility"
	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
)

// ErrSourceUnavailable marks a source that could not be started or denied
// access. It is fatal for the whole session.
var ErrSourceUnavailable = facility.ErrUnavailable

// Verdict is what a Source decides about one raw line.
type Verdict int

const (
	Keep Verdict = iota
	// DropUnparsable is a line whose own timestamp did not parse.
	DropUnparsable
	// DropBeforeStart is a line older than the session start.
	DropBeforeStart
)

// Source delivers raw lines to a Task.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Start begins producing lines. Errors are marked ErrSourceUnavailable
	// when the source itself refused to run.
	Start(ctx context.Context) error

	// Lines delivers raw lines stamped with the time they were read. The
	// channel is closed at end of stream.
	Lines() <-chan stamplog.Record

	// Stamp turns a raw line into the record to persist.
	Stamp(raw stamplog.Record) (stamplog.Record, Verdict)

	// Stop ends the source after cancellation.
	Stop() error

	// Err reports why Lines was closed. Only errors marked
	// ErrSourceUnavailable are fatal, anything else is an ordinary end.
	Err() error
}

// Stats counts what a Task did with the lines it saw.
type Stats struct {
	Source          string
	Received        int
	Written         int
	DroppedUnparsed int
	DroppedEarly    int
	Cancelled       bool
}

// Task owns one Source and one persisted log.
type Task struct {
	Source  Source
	LogPath string
	// Echo mirrors every persisted line. Nil disables it.
	Echo io.Writer
}

// Run captures until ctx is cancelled or the source ends on its own. Lines
// already queued when ctx is cancelled are still written. The log file is
// created only after the source started, and is closed before Run returns.
func (t *Task) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Source: t.Source.Name()}

	if err := t.Source.Start(ctx); err != nil {
		return stats, errors.Wrapf(err, "start %s", t.Source.Name())
	}

	f, err := os.OpenFile(t.LogPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0600)
	if err != nil {
		_ = t.Source.Stop()
		return stats, errors.Mark(errors.Wrapf(err, "create %s log", t.Source.Name()), stamplog.ErrIO)
	}

	w := stamplog.NewWriter(f, t.Echo)

	slog.Debug("Capture started", "source", stats.Source, "log", t.LogPath)

	runErr := t.loop(ctx, w, &stats)

	closeErr := w.Close()
	stats.Written = w.Written()
	if err := f.Sync(); err != nil && closeErr == nil {
		closeErr = errors.Mark(errors.Wrapf(err, "sync %s log", stats.Source), stamplog.ErrIO)
	}
	if err := f.Close(); err != nil && closeErr == nil {
		closeErr = errors.Mark(errors.Wrapf(err, "close %s log", stats.Source), stamplog.ErrIO)
	}

	slog.Debug("Capture stopped", "source", stats.Source, "written", stats.Written, "cancelled", stats.Cancelled)

	if runErr != nil {
		return stats, runErr
	}
	return stats, closeErr
}

func (t *Task) loop(ctx context.Context, w *stamplog.Writer, stats *Stats) error {
	lines := t.Source.Lines()
	for {
		select {
		case raw, ok := <-lines:
			if !ok {
				return t.sourceEnded(stats)
			}
			if err := t.handle(w, raw, stats); err != nil {
				_ = t.Source.Stop()
				return err
			}

		case <-ctx.Done():
			stats.Cancelled = true
			// Flush what was already read before the interrupt.
			for drained := false; !drained; {
				select {
				case raw, ok := <-lines:
					if !ok {
						drained = true
						continue
					}
					if err := t.handle(w, raw, stats); err != nil {
						_ = t.Source.Stop()
						return err
					}
				default:
					drained = true
				}
			}
			if err := t.Source.Stop(); err != nil {
				slog.Warn("Failed to stop source", "source", stats.Source, "error", err)
			}
			return nil
		}
	}
}

func (t *Task) handle(w *stamplog.Writer, raw stamplog.Record, stats *Stats) error {
	stats.Received++
	rec, verdict := t.Source.Stamp(raw)
	switch verdict {
	case DropUnparsable:
		stats.DroppedUnparsed++
		return nil
	case DropBeforeStart:
		stats.DroppedEarly++
		return nil
	}
	if err := w.Write(rec); err != nil {
		return errors.Wrapf(err, "capture %s", stats.Source)
	}
	return nil
}

func (t *Task) sourceEnded(stats *Stats) error {
	err := t.Source.Err()
	if err == nil {
		slog.Info("Source reached end of stream", "source", stats.Source)
		return nil
	}
	if errors.Is(err, ErrSourceUnavailable) {
		return errors.Wrapf(err, "capture %s", stats.Source)
	}
	// A broken read ends this source only.
	slog.Warn("Source read failed, treating as end of stream", "source", stats.Source, "error", err)
	return nil
}

// defaultGrace is how long a stopped facility gets before SIGKILL.
const defaultGrace = 2 * time.Second
