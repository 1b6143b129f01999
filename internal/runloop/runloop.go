// Package runloop is the application thread: a single goroutine that runs
// posted functions one at a time, in order. State owned by the application
// side of the clipboard is only touched from inside posted functions, so it
// needs no locks.
package runloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is posted to a loop that has exited.
var ErrStopped = errors.New("runloop: stopped")

// Loop is a cooperative single-goroutine executor. Post never blocks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New returns a loop that does nothing until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post queues fn. It returns false once the loop has stopped; fn is then
// never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted functions until ctx ends or Stop is called. Work that
// was accepted before the loop stopped still runs before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		for _, fn := range l.take() {
			fn()
		}
		select {
		case <-l.wake:
		case <-l.stop:
			l.drain()
			return nil
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		}
	}
}

// Stop asks Run to return. It does not wait.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

func (l *Loop) drain() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	// Functions run here may post more work; keep going until it is empty.
	for {
		q := l.take()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

// Call runs fn on l and returns its result. If ctx ends first the result is
// discarded; fn may still run later.
func Call[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	ch := make(chan T, 1)
	var zero T
	if !l.Post(func() { ch <- fn() }) {
		return zero, ErrStopped
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.done:
		// Accepted work always runs before done closes.
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrStopped
		}
	}
}
