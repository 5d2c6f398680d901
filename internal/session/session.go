// Package session runs one dmerg session: capture both sources until the
// interrupt, merge their logs, and remove the intermediate files.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dmerg/internal/capture"
	"dmerg/internal/facility"
	"dmerg/internal/merge"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	syslogPrefix = "dmerg.syslog"
	stdinPrefix  = "dmerg.stdin"
	outputPrefix = "dmerged"
)

// Options configure a Session.
type Options struct {
	// Full keeps kernel records from before the session start.
	Full bool
	// Echo mirrors captured lines to Console.
	Echo bool
	// Output is the merged log path. Empty generates one in OutputDir.
	Output    string
	OutputDir string
	TempDir   string
	KeepTemp  bool

	Kernel facility.Spec
	Policy merge.Policy

	// Input supplies the operator's lines, usually os.Stdin.
	Input io.Reader
	// Console receives the echo, usually os.Stdout.
	Console io.Writer
}

// Session is one run of the tool. ID and Start never change.
type Session struct {
	ID    string
	Start time.Time
	opts  Options
}

// Result describes a finished session.
type Result struct {
	Output    string
	Generated bool // Output name was generated from the session ID
	Kernel    capture.Stats
	Input     capture.Stats
	Merge     merge.Stats
}

// New creates a session with a fresh random ID, anchored at the current time.
func New(opts Options) (*Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	return &Session{ID: id, Start: time.Now(), opts: opts}, nil
}

func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate session id")
	}
	return hex.EncodeToString(b), nil
}

// SyslogPath is the kernel log's intermediate file.
func (s *Session) SyslogPath() string {
	return filepath.Join(s.opts.TempDir, syslogPrefix+"."+s.ID)
}

// StdinPath is the operator input's intermediate file.
func (s *Session) StdinPath() string {
	return filepath.Join(s.opts.TempDir, stdinPrefix+"."+s.ID)
}

// OutputPath returns the merged log path and whether it was generated.
func (s *Session) OutputPath() (string, bool) {
	if s.opts.Output != "" {
		return s.opts.Output, false
	}
	return filepath.Join(s.opts.OutputDir, outputPrefix+"."+s.ID), true
}

// Run captures until ctx is cancelled (the operator's interrupt) or both
// sources end, then merges. A capture failure cancels the other source and
// no merge is attempted. Intermediate files are removed on every path unless
// KeepTemp is set and the merge succeeded.
func (s *Session) Run(ctx context.Context) (Result, error) {
	res := Result{}
	res.Output, res.Generated = s.OutputPath()

	slog.Info("Session started", "id", s.ID, "full", s.opts.Full, "facility", s.opts.Kernel.Name)

	var echo io.Writer
	if s.opts.Echo && s.opts.Console != nil {
		echo = &lockedWriter{w: s.opts.Console}
	}

	kernel := &capture.Task{
		Source:  capture.NewKernelSource(s.opts.Kernel, s.opts.Full, s.Start),
		LogPath: s.SyslogPath(),
		Echo:    echo,
	}
	input := &capture.Task{
		Source:  capture.NewInputSource("stdin", s.opts.Input),
		LogPath: s.StdinPath(),
		Echo:    echo,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := kernel.Run(gctx)
		res.Kernel = stats
		return err
	})
	g.Go(func() error {
		stats, err := input.Run(gctx)
		res.Input = stats
		return err
	})
	if err := g.Wait(); err != nil {
		s.cleanup()
		return res, errors.Wrap(err, "capture")
	}

	logCapture(res.Kernel)
	logCapture(res.Input)

	stats, err := merge.Files(s.SyslogPath(), s.StdinPath(), res.Output, s.opts.Policy)
	res.Merge = stats
	if err != nil {
		s.cleanup()
		return res, errors.Wrap(err, "merge")
	}
	if stats.Corrupt > 0 {
		slog.Warn("Merged log contains lines with unparsable timestamps", "corrupt", stats.Corrupt, "dropped", stats.Dropped, "policy", s.opts.Policy.String())
	}

	if s.opts.KeepTemp {
		slog.Info("Keeping intermediate logs", "syslog", s.SyslogPath(), "stdin", s.StdinPath())
	} else {
		s.cleanup()
	}
	slog.Info("Session finished", "id", s.ID, "output", res.Output, "lines", stats.FromA+stats.FromB)
	return res, nil
}

// cleanup removes whatever intermediate files exist.
func (s *Session) cleanup() {
	for _, p := range []string{s.SyslogPath(), s.StdinPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove intermediate log", "path", p, "error", err)
		}
	}
}

func logCapture(st capture.Stats) {
	slog.Info("Capture finished",
		"source", st.Source,
		"received", st.Received,
		"written", st.Written,
		"dropped_unparsed", st.DroppedUnparsed,
		"dropped_before_start", st.DroppedEarly,
		"interrupted", st.Cancelled,
	)
}

// lockedWriter serializes the two capture tasks' echo on one console.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
