package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dmerg/internal/capture"
	"dmerg/internal/facility"
	"dmerg/internal/merge"
	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fake(script string) facility.Spec {
	return facility.Override("fake", []string{"sh", "-c", script})
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func requireGone(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "%s should not exist", p)
	}
}

func TestNew_Identity(t *testing.T) {
	a := newSession(t, Options{})
	b := newSession(t, Options{})

	require.Len(t, a.ID, 16)
	require.NotEqual(t, a.ID, b.ID)
	require.False(t, a.Start.IsZero())

	require.Equal(t, "dmerg.syslog."+a.ID, filepath.Base(a.SyslogPath()))
	require.Equal(t, "dmerg.stdin."+a.ID, filepath.Base(a.StdinPath()))

	out, generated := a.OutputPath()
	require.True(t, generated)
	require.Equal(t, "dmerged."+a.ID, filepath.Base(out))

	c := newSession(t, Options{Output: "/tmp/explicit.log"})
	out, generated = c.OutputPath()
	require.False(t, generated)
	require.Equal(t, "/tmp/explicit.log", out)
}

func TestRun_MergesBothSources(t *testing.T) {
	var console syncBuffer
	s := newSession(t, Options{
		Full:    true,
		Echo:    true,
		Kernel:  fake(`printf '%s\n' '2000-01-01T00:00:00.000000+0000 kernel: boot' 'garbage' '2999-01-01T00:00:00,000000+00:00 kernel: future'`),
		Input:   strings.NewReader("typed one\ntyped two\n"),
		Console: &console,
	})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Generated)
	require.Equal(t, 1, res.Kernel.DroppedUnparsed)
	require.Equal(t, 2, res.Kernel.Written)
	require.Equal(t, 2, res.Input.Written)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasSuffix(lines[0], "kernel: boot"))
	require.True(t, strings.HasSuffix(lines[1], "typed one"))
	require.True(t, strings.HasSuffix(lines[2], "typed two"))
	require.Equal(t, "2999-01-01T00:00:00.000000+0000 kernel: future", lines[3])

	// Every merged line was echoed.
	for _, l := range lines {
		require.Contains(t, console.String(), l)
	}

	requireGone(t, s.SyslogPath(), s.StdinPath())
}

func TestRun_SessionOnlyDropsBacklog(t *testing.T) {
	s := newSession(t, Options{
		Kernel: fake(`echo '2000-01-01T00:00:00.000000+0000 kernel: old news'`),
		Input:  strings.NewReader(""),
	})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Kernel.DroppedEarly)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestRun_InputRoundTrip(t *testing.T) {
	s := newSession(t, Options{
		Kernel:   fake("true"),
		Input:    strings.NewReader("ls -l\n\n  indented note\nlast\n"),
		KeepTemp: true,
		Output:   filepath.Join(t.TempDir(), "merged.log"),
	})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Generated)

	captured, err := os.ReadFile(s.StdinPath())
	require.NoError(t, err)
	merged, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Equal(t, string(captured), string(merged))
	require.Equal(t, 4, strings.Count(string(merged), "\n"))
	require.Contains(t, string(merged), "   indented note\n")

	// KeepTemp leaves both intermediate logs.
	_, err = os.Stat(s.SyslogPath())
	require.NoError(t, err)
}

func TestRun_InterruptStopsBothTasks(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	var console syncBuffer
	s := newSession(t, Options{
		Full:    true,
		Echo:    true,
		Kernel:  fake(`echo '2024-01-01T00:00:00.000000+0000 kernel: ready'; exec sleep 30`),
		Input:   pr,
		Console: &console,
	})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		res Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.Run(ctx)
		done <- result{res, err}
	}()

	_, err := io.WriteString(pw, "observed the warning\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out := console.String()
		return strings.Contains(out, "kernel: ready") && strings.Contains(out, "observed the warning")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	var r result
	select {
	case r = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop after interrupt")
	}
	require.NoError(t, r.err)
	require.True(t, r.res.Kernel.Cancelled)
	require.True(t, r.res.Input.Cancelled)
	require.Equal(t, 1, r.res.Merge.FromA)
	require.Equal(t, 1, r.res.Merge.FromB)

	data, err := os.ReadFile(r.res.Output)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))
	requireGone(t, s.SyslogPath(), s.StdinPath())
}

func TestRun_SourceUnavailableCleansUp(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	s := newSession(t, Options{
		Kernel: fake(`echo 'journal access denied' >&2; exit 1`),
		Input:  pr,
	})

	res, err := s.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, capture.ErrSourceUnavailable))
	require.Contains(t, err.Error(), "journal access denied")

	requireGone(t, s.SyslogPath(), s.StdinPath(), res.Output)
}

func TestRun_KernelFailureMidSessionKeepsCapture(t *testing.T) {
	pr, pw := io.Pipe()

	var console syncBuffer
	s := newSession(t, Options{
		Full:    true,
		Echo:    true,
		Kernel:  fake(`echo '2024-01-01T00:00:00.000000+0000 kernel: a'; sleep 0.5; exit 1`),
		Input:   pr,
		Console: &console,
	})

	type result struct {
		res Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.Run(context.Background())
		done <- result{res, err}
	}()

	_, err := io.WriteString(pw, "before the failure\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(console.String(), "kernel: a")
	}, 5*time.Second, 10*time.Millisecond)

	// The kernel source is gone by now, operator input keeps flowing.
	time.Sleep(time.Second)
	_, err = io.WriteString(pw, "after the failure\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	var r result
	select {
	case r = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	require.NoError(t, r.err)
	require.Equal(t, 1, r.res.Kernel.Written)
	require.Equal(t, 2, r.res.Input.Written)

	data, err := os.ReadFile(r.res.Output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "2024-01-01T00:00:00.000000+0000 kernel: a", lines[0])
	require.True(t, strings.HasSuffix(lines[1], "before the failure"))
	require.True(t, strings.HasSuffix(lines[2], "after the failure"))
	requireGone(t, s.SyslogPath(), s.StdinPath())
}

func TestRun_TempDirMissingIsIOError(t *testing.T) {
	s := newSession(t, Options{
		TempDir: filepath.Join(t.TempDir(), "gone"),
		Kernel:  fake("true"),
		Input:   strings.NewReader(""),
	})

	_, err := s.Run(context.Background())
	require.True(t, errors.Is(err, stamplog.ErrIO))
}

func TestRun_MergeFailureCleansUp(t *testing.T) {
	s := newSession(t, Options{
		Kernel: fake("true"),
		Input:  strings.NewReader("x\n"),
		Output: filepath.Join(t.TempDir(), "missing-dir", "out.log"),
		Policy: merge.Skip,
	})

	_, err := s.Run(context.Background())
	require.True(t, errors.Is(err, stamplog.ErrIO))
	requireGone(t, s.SyslogPath(), s.StdinPath())
}
