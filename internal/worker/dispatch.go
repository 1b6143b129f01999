package worker

import "go.klb.dev/clipd/internal/future"

// Poster runs callbacks on the application's event loop. Post returns false
// when the loop no longer accepts work.
type Poster interface {
	Post(fn func()) bool
}

// dispatcher delivers completions on the application loop so callers never
// observe a result on the worker goroutine.
type dispatcher struct {
	app Poster
}

// dispatch completes p with v or err. When the loop is gone the completion
// runs inline so no handle is left pending.
func dispatch[T any](d *dispatcher, p *future.Promise[T], v T, err *Error) {
	var e error
	if err != nil {
		e = err
	}
	complete := func() { p.Complete(v, e) }
	if d.app == nil || !d.app.Post(complete) {
		complete()
	}
}
