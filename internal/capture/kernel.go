package capture

import (
	"context"
	"time"

	"dmerg/internal/facility"
	"dmerg/pkg/stamplog"
	"dmerg/pkg/timestamp"
)

// KernelSource captures the kernel log through an external facility. Every
// facility line carries its own timestamp.
type KernelSource struct {
	Spec facility.Spec
	// Full keeps records older than Since.
	Full  bool
	Since time.Time
	// Grace is how long the facility gets to exit after SIGTERM.
	Grace time.Duration

	proc *facility.Process
}

var _ Source = &KernelSource{}

// NewKernelSource creates a KernelSource for spec.
func NewKernelSource(spec facility.Spec, full bool, since time.Time) *KernelSource {
	return &KernelSource{Spec: spec, Full: full, Since: since, Grace: defaultGrace}
}

func (k *KernelSource) Name() string {
	return k.Spec.Name
}

func (k *KernelSource) Start(ctx context.Context) error {
	if err := k.Spec.Check(ctx); err != nil {
		return err
	}
	proc, err := facility.Start(k.Spec)
	if err != nil {
		return err
	}
	k.proc = proc
	return nil
}

func (k *KernelSource) Lines() <-chan stamplog.Record {
	if k.proc == nil {
		return nil
	}
	return k.proc.Lines()
}

// Stamp replaces the read time with the timestamp the facility printed.
// Lines without one are dropped, as are lines from before Since unless Full
// is set.
func (k *KernelSource) Stamp(raw stamplog.Record) (stamplog.Record, Verdict) {
	ts, msg, err := timestamp.ParseLine(raw.Message)
	if err != nil {
		return stamplog.Record{}, DropUnparsable
	}
	if !k.Full && ts.Before(k.Since) {
		return stamplog.Record{}, DropBeforeStart
	}
	return stamplog.Record{Timestamp: ts, Message: msg}, Keep
}

func (k *KernelSource) Stop() error {
	if k.proc == nil {
		return nil
	}
	return k.proc.Stop(k.Grace)
}

func (k *KernelSource) Err() error {
	if k.proc == nil {
		return nil
	}
	return k.proc.Err()
}
