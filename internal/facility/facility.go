// Package facility runs the external kernel log facility (journalctl or
// dmesg) and turns its standard output into a channel of lines.
package facility

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable marks a facility that could not be started, refused
// access, or exited with an error on its own.
var ErrUnavailable = errors.New("log source unavailable")

// Spec describes how to run one facility.
type Spec struct {
	// Name is used in logs and errors.
	Name string
	// Probe, when set, is run to completion before Follow. A non-zero exit
	// means the facility is unavailable.
	Probe []string
	// Follow is the streaming command whose stdout is captured.
	Follow []string
}

// Journal returns the journald kernel log spec. With full set the whole
// backlog is streamed instead of the last few entries.
func Journal(full bool) Spec {
	follow := []string{"journalctl", "-k", "-f", "-o", "short-iso-precise"}
	if full {
		follow = append(follow, "--no-tail")
	}
	return Spec{
		Name:   "journalctl",
		Probe:  []string{"journalctl", "-k", "-n", "0", "-q"},
		Follow: follow,
	}
}

// Dmesg returns the dmesg spec. dmesg always prints its whole ring buffer
// before following.
func Dmesg() Spec {
	return Spec{
		Name:   "dmesg",
		Follow: []string{"dmesg", "--time-format", "iso", "-w"},
	}
}

// Override returns a spec running command instead of the built-in one. The
// probe is dropped since it belongs to the built-in command.
func Override(name string, command []string) Spec {
	return Spec{Name: name, Follow: command}
}

// Check runs the probe command, if any.
func (s Spec) Check(ctx context.Context) error {
	if len(s.Follow) == 0 {
		return errors.Mark(errors.Newf("%s: empty command", s.Name), ErrUnavailable)
	}
	if len(s.Probe) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.Probe[0], s.Probe[1:]...)
	var stderr cappedBuffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return unavailable(s.Name, err, stderr.String())
	}
	return nil
}

// Process is a running facility.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stderr *cappedBuffer

	lines    chan stamplog.Record
	exited   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once

	mu        sync.Mutex
	waitErr   error
	stopped   bool
	readErr   error
	delivered int
}

// Start launches the follow command. Lines of its stdout are delivered on
// Lines(), stamped with the time they were read, until the process exits or
// is stopped.
func Start(spec Spec) (*Process, error) {
	if len(spec.Follow) == 0 {
		return nil, errors.Mark(errors.Newf("%s: empty command", spec.Name), ErrUnavailable)
	}

	cmd := exec.Command(spec.Follow[0], spec.Follow[1:]...)
	// Own process group: the terminal's Ctrl-C must reach dmerg only, the
	// facility is stopped explicitly.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: stdout pipe", spec.Name)
	}
	stderr := &cappedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, unavailable(spec.Name, err, "")
	}

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		stderr: stderr,
		lines:  make(chan stamplog.Record, 100),
		exited: make(chan struct{}),
		quit:   make(chan struct{}),
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case p.lines <- stamplog.Record{Timestamp: time.Now(), Message: scanner.Text()}:
				p.mu.Lock()
				p.delivered++
				p.mu.Unlock()
			case <-p.quit:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
		}
	}()

	// Wait must only run after all reads from the pipe have completed.
	go func() {
		<-readerDone
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()

	slog.Debug("Log facility started", "facility", spec.Name, "pid", cmd.Process.Pid, "command", strings.Join(spec.Follow, " "))
	return p, nil
}

// Lines returns the channel of stdout lines. It is closed when stdout ends.
func (p *Process) Lines() <-chan stamplog.Record {
	return p.lines
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Pid returns the process id of the facility.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Err waits for the process to be reaped and reports how it ended: nil after
// a clean exit or after Stop. A facility that failed before delivering its
// first line is marked ErrUnavailable. A failure after that, and read errors
// on stdout, are returned unmarked: the stream ended, the facility worked.
// Call it once Lines is closed.
func (p *Process) Err() error {
	<-p.exited

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	if p.waitErr != nil {
		if p.delivered > 0 {
			return errors.Wrapf(p.waitErr, "%s: exited after %d lines", p.spec.Name, p.delivered)
		}
		return unavailable(p.spec.Name, p.waitErr, p.stderr.String())
	}
	if p.readErr != nil {
		return errors.Wrapf(p.readErr, "%s: read stdout", p.spec.Name)
	}
	return nil
}

// Stop terminates the facility and everything it spawned, then waits for the
// reader and the process to finish. Processes that ignore SIGTERM for grace
// get SIGKILL.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.quitOnce.Do(func() { close(p.quit) })

	pid := p.cmd.Process.Pid
	tree := processTree(int32(pid))
	signalGroup(pid, syscall.SIGTERM)
	signalTree(tree, syscall.SIGTERM)

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("Log facility ignored SIGTERM, killing", "facility", p.spec.Name, "pid", pid)
	signalGroup(pid, syscall.SIGKILL)
	signalTree(tree, syscall.SIGKILL)

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return errors.Newf("%s: process %d did not exit", p.spec.Name, pid)
	}
}

func unavailable(name string, err error, stderr string) error {
	wrapped := errors.Wrapf(err, "%s", name)
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		wrapped = errors.WithDetail(errors.Wrapf(err, "%s: %s", name, firstLine(stderr)), stderr)
	}
	return errors.WithHint(errors.Mark(wrapped, ErrUnavailable),
		"check that the facility is installed and that you may read the kernel log (try --dmesg, sudo, or membership in the systemd-journal group)")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// cappedBuffer keeps the first few KB written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const stderrCap = 4096

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrCap - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
