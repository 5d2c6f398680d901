package capture

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"dmerg/pkg/stamplog"

	"github.com/cockroachdb/errors"
)

// InputSource captures lines typed by the operator. Lines carry no
// timestamp of their own and are stamped when read.
type InputSource struct {
	name string
	scan *bufio.Scanner

	lines    chan stamplog.Record
	quit     chan struct{}
	quitOnce sync.Once

	mu      sync.Mutex
	readErr error
}

var _ Source = &InputSource{}

// NewInputSource reads lines from r, usually os.Stdin.
func NewInputSource(name string, r io.Reader) *InputSource {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 1024*1024)
	return &InputSource{
		name:  name,
		scan:  scan,
		lines: make(chan stamplog.Record, 100),
		quit:  make(chan struct{}),
	}
}

func (in *InputSource) Name() string {
	return in.name
}

// Start spawns the blocking reader. A read in progress cannot be
// interrupted; after Stop the reader exits at its next line.
func (in *InputSource) Start(ctx context.Context) error {
	go func() {
		defer close(in.lines)
		for in.scan.Scan() {
			rec := stamplog.Record{
				Timestamp: time.Now(),
				Message:   strings.TrimSuffix(in.scan.Text(), "\r"),
			}
			select {
			case in.lines <- rec:
			case <-in.quit:
				return
			}
		}
		if err := in.scan.Err(); err != nil {
			in.mu.Lock()
			in.readErr = errors.Wrapf(err, "read %s", in.name)
			in.mu.Unlock()
		}
	}()
	return nil
}

func (in *InputSource) Lines() <-chan stamplog.Record {
	return in.lines
}

// Stamp keeps the time of receipt.
func (in *InputSource) Stamp(raw stamplog.Record) (stamplog.Record, Verdict) {
	return raw, Keep
}

func (in *InputSource) Stop() error {
	in.quitOnce.Do(func() { close(in.quit) })
	return nil
}

func (in *InputSource) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.readErr
}
