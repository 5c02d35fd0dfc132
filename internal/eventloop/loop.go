// Package eventloop runs pipeline state mutations on a single goroutine.
//
// Tasks posted to a Loop execute one at a time in FIFO order and run to
// completion, so state touched only from tasks needs no locking. Blocking
// work (network, devices, speech engines) happens elsewhere and re-enters the
// loop by posting a continuation.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStopped is returned when a task cannot be delivered because the loop
// has shut down.
var ErrStopped = errors.New("event loop stopped")

// Dispatcher is the subset of Loop used by components that schedule work.
type Dispatcher interface {
	Post(fn func()) bool
	TryPost(fn func()) bool
}

type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

func New(queue int, logger *slog.Logger) *Loop {
	if queue <= 0 {
		queue = 64
	}
	return &Loop{
		tasks:  make(chan func(), queue),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "eventloop")),
	}
}

// Run executes tasks until ctx is cancelled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Post enqueues fn, blocking while the queue is full. It reports false if
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// TryPost enqueues fn only if there is room.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
