// Package interrupt turns the operator's interrupt into a cancelled
// context that every capture task can watch.
package interrupt

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Broadcast is cancelled exactly once, by the first interrupt or by Trigger.
type Broadcast struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	signal os.Signal
	sigCh  chan os.Signal
	done   chan struct{}
}

// Notify starts listening for SIGINT and SIGTERM. Call Stop to restore the
// default handlers.
func Notify(parent context.Context) *Broadcast {
	return listen(parent, syscall.SIGINT, syscall.SIGTERM)
}

func listen(parent context.Context, sigs ...os.Signal) *Broadcast {
	ctx, cancel := context.WithCancel(parent)
	b := &Broadcast{
		ctx:    ctx,
		cancel: cancel,
		sigCh:  make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
	if len(sigs) > 0 {
		signal.Notify(b.sigCh, sigs...)
	}

	go func() {
		defer close(b.done)
		select {
		case sig := <-b.sigCh:
			slog.Info("Interrupt received, stopping capture", "signal", sig.String())
			b.fire(sig)
			// A second interrupt terminates the process.
			signal.Stop(b.sigCh)
		case <-ctx.Done():
		}
	}()
	return b
}

// Context is cancelled when the interrupt arrives.
func (b *Broadcast) Context() context.Context {
	return b.ctx
}

// Done is a shortcut for Context().Done().
func (b *Broadcast) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Trigger cancels the broadcast as if an interrupt had arrived.
func (b *Broadcast) Trigger() {
	b.fire(nil)
}

// Signal waits for the broadcast to fire and returns the signal that fired
// it, nil for Trigger or a cancelled parent.
func (b *Broadcast) Signal() os.Signal {
	<-b.ctx.Done()
	<-b.done
	return b.signal
}

// Stop releases the signal handlers. A second interrupt after Stop gets the
// default behaviour and terminates the process.
func (b *Broadcast) Stop() {
	signal.Stop(b.sigCh)
	b.cancel()
	<-b.done
}

func (b *Broadcast) fire(sig os.Signal) {
	b.once.Do(func() {
		b.signal = sig
		b.cancel()
	})
}
