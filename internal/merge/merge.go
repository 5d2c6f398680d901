// Package merge interleaves two persisted logs into one chronologically
// ordered log. Only one pending line per input is held in memory.
package merge

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
)

// Policy decides what a line with an unparsable timestamp does to the
// interleave.
type Policy int

const (
	// Truncate ends ordered interleaving for the side with the corrupt line.
	// The other side is drained, then the corrupt line and everything after
	// it are appended unchanged.
	Truncate Policy = iota
	// Skip drops corrupt lines and keeps interleaving.
	Skip
)

func (p Policy) String() string {
	switch p {
	case Truncate:
		return "truncate"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParsePolicy converts "truncate" or "skip" into a Policy. Empty means
// Truncate.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "truncate":
		return Truncate, nil
	case "skip":
		return Skip, nil
	default:
		return Truncate, errors.Newf("unknown corrupt line policy %q (want truncate or skip)", s)
	}
}

// Stats describes one merge.
type Stats struct {
	FromA   int // lines written from A
	FromB   int // lines written from B
	Corrupt int // unparsable lines met while interleaving
	Dropped int // corrupt lines left out (Skip only)
}

// side is one input with its pending candidate.
type side struct {
	name    string
	rd      *stamplog.Reader
	pending stamplog.Entry
	written *int
}

func (s *side) pull(policy Policy, stats *Stats) {
	for {
		s.pending = s.rd.Next()
		if s.pending.State != stamplog.Corrupt {
			return
		}
		stats.Corrupt++
		if policy != Skip {
			return
		}
		stats.Dropped++
		slog.Debug("Dropping line with unparsable timestamp", "source", s.name, "line", s.pending.Raw)
	}
}

// Merge writes a and b to out ordered by timestamp. When both pending lines
// carry the same instant, b's line is written first. Lines of one input are
// never reordered.
func Merge(a, b io.Reader, out io.Writer, policy Policy) (Stats, error) {
	var stats Stats
	w := &lineWriter{w: out}

	sa := &side{name: "a", rd: stamplog.NewReader(a), written: &stats.FromA}
	sb := &side{name: "b", rd: stamplog.NewReader(b), written: &stats.FromB}
	sa.pull(policy, &stats)
	sb.pull(policy, &stats)

	for sa.pending.State == stamplog.HasNext && sb.pending.State == stamplog.HasNext {
		next := sb
		if sa.pending.Record.Timestamp.Before(sb.pending.Record.Timestamp) {
			next = sa
		}
		if err := w.emit(next); err != nil {
			return stats, err
		}
		next.pull(policy, &stats)
	}

	for _, s := range []*side{sa, sb} {
		if s.pending.State == stamplog.Exhausted && s.pending.Err != nil {
			return stats, errors.Wrapf(s.pending.Err, "merge input %s", s.name)
		}
	}

	// At most one side is still ordered. Drain it first, then whatever
	// follows a corrupt line.
	order := []*side{sb, sa}
	if sa.pending.State == stamplog.HasNext {
		order = []*side{sa, sb}
	}
	for _, s := range order {
		if s.pending.State == stamplog.Exhausted {
			continue
		}
		if err := w.drain(s, policy, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

type lineWriter struct {
	w io.Writer
}

func (lw *lineWriter) write(line string, s *side) error {
	if _, err := io.WriteString(lw.w, line+"\n"); err != nil {
		return errors.Mark(errors.Wrap(err, "write merged log"), stamplog.ErrIO)
	}
	*s.written++
	return nil
}

func (lw *lineWriter) emit(s *side) error {
	return lw.write(s.pending.Raw, s)
}

// drain writes the pending line and every remaining line of s. Under Skip,
// corrupt lines are still dropped; otherwise lines are copied unchanged.
func (lw *lineWriter) drain(s *side, policy Policy, stats *Stats) error {
	if err := lw.emit(s); err != nil {
		return err
	}
	if policy == Skip {
		for {
			s.pull(policy, stats)
			if s.pending.State == stamplog.Exhausted {
				if s.pending.Err != nil {
					return errors.Wrapf(s.pending.Err, "merge input %s", s.name)
				}
				return nil
			}
			if err := lw.emit(s); err != nil {
				return err
			}
		}
	}
	for {
		line, ok, err := s.rd.NextRaw()
		if err != nil {
			return errors.Wrapf(err, "merge input %s", s.name)
		}
		if !ok {
			s.pending = stamplog.Entry{State: stamplog.Exhausted}
			return nil
		}
		if err := lw.write(line, s); err != nil {
			return err
		}
	}
}

// Files merges the persisted logs at aPath and bPath into outPath. The
// output appears under its final name only once it is complete. Inputs are
// left in place.
func Files(aPath, bPath, outPath string, policy Policy) (Stats, error) {
	if err := distinct(aPath, bPath, outPath); err != nil {
		return Stats{}, err
	}

	a, err := os.Open(aPath)
	if err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "open merge input"), stamplog.ErrIO)
	}
	defer func() { _ = a.Close() }()

	b, err := os.Open(bPath)
	if err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "open merge input"), stamplog.ErrIO)
	}
	defer func() { _ = b.Close() }()

	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+".*.partial")
	if err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "create merged output"), stamplog.ErrIO)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	stats, err := Merge(a, b, bw, policy)
	if err != nil {
		return stats, err
	}
	if err := bw.Flush(); err != nil {
		return stats, errors.Mark(errors.Wrap(err, "flush merged output"), stamplog.ErrIO)
	}
	if err := tmp.Chmod(0644); err != nil {
		return stats, errors.Mark(errors.Wrap(err, "chmod merged output"), stamplog.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		return stats, errors.Mark(errors.Wrap(err, "close merged output"), stamplog.ErrIO)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return stats, errors.Mark(errors.Wrap(err, "rename merged output"), stamplog.ErrIO)
	}
	committed = true

	slog.Debug("Merge finished", "output", outPath, "from_a", stats.FromA, "from_b", stats.FromB, "corrupt", stats.Corrupt, "dropped", stats.Dropped)
	return stats, nil
}

func distinct(aPath, bPath, outPath string) error {
	abs := func(p string) string {
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return filepath.Clean(p)
	}
	out := abs(outPath)
	if out == abs(aPath) || out == abs(bPath) {
		return errors.Newf("output %s would overwrite a merge input", outPath)
	}
	return nil
}
