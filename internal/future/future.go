// Package future provides typed one-shot completion handles.
//
// A Promise is completed exactly once by the producer; every Future view of
// it observes the same result. Late or duplicate completions are ignored and
// reported to the caller, which lets producers release resources attached
// to a result nobody will see.
package future

import (
	"context"
	"sync"
)

// Promise is the producer side.
type Promise[T any] struct {
	f *Future[T]
}

// Future is the consumer side.
type Future[T any] struct {
	ch   chan struct{}
	once sync.Once
	mu   sync.Mutex
	val  T
	err  error
}

// New returns a linked promise and future.
func New[T any]() (*Promise[T], *Future[T]) {
	f := &Future[T]{ch: make(chan struct{})}
	return &Promise[T]{f: f}, f
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	p, f := New[T]()
	p.Complete(v, err)
	return f
}

// Complete sets the result. It returns false if the promise was already
// completed, in which case v and err are discarded.
func (p *Promise[T]) Complete(v T, err error) bool {
	done := false
	p.f.once.Do(func() {
		p.f.mu.Lock()
		p.f.val, p.f.err = v, err
		p.f.mu.Unlock()
		close(p.f.ch)
		done = true
	})
	return done
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.ch }

// Wait blocks until the result is available or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.Done():
		return f.get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) get() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}
