package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Run when the loop has already been run
var ErrStopped = errors.New("loop stopped")

// Timer is a handle to a pending callback
type Timer interface {
	// Stop prevents the callback from being scheduled. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Scheduler is the time source and serialized executor used by the protocol
// engine. Loop is the production implementation, Manual the test one.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs fn on the scheduler goroutine once d has elapsed
	AfterFunc(d time.Duration, fn func()) Timer
	// Post queues fn to run on the scheduler goroutine as soon as possible.
	// It returns false if the scheduler no longer runs callbacks.
	Post(fn func()) bool
	// Defer runs fn after the current callback returns. It must only be
	// called from the scheduler goroutine and never blocks.
	Defer(fn func())
}

// Loop executes posted closures one at a time on the goroutine calling Run
type Loop struct {
	logger *slog.Logger
	tasks  chan func()
	done   chan struct{}

	// deferred is only touched by the Run goroutine
	deferred []func()

	once    sync.Once
	started bool
	mu      sync.Mutex
}

// New creates a loop with a task queue of the given depth
func New(logger *slog.Logger, queueSize int) *Loop {
	if queueSize < 1 {
		queueSize = 1024
	}
	return &Loop{
		logger: logger,
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. A loop can only be run once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrStopped
	}
	l.started = true
	l.mu.Unlock()

	defer l.once.Do(func() { close(l.done) })

	l.logger.Debug("Event loop started", slog.Int("queue_size", cap(l.tasks)))

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopping", slog.Int("pending_tasks", len(l.tasks)))
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
			l.runDeferred()
		}
	}
}

// runDeferred drains tasks queued by Defer, including ones they defer
func (l *Loop) runDeferred() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		l.run(fn)
	}
	l.deferred = nil
}

// run executes one task, keeping the loop alive if it panics
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop task panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and returns false once the
// loop has stopped. Tasks running on the loop use Defer instead.
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

// Defer queues fn behind the running task without touching the bounded queue
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Now returns the wall clock time
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc posts fn onto the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks
func (l *Loop) Pending() int {
	return len(l.tasks)
}
