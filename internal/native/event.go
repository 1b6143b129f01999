package native

import (
	"sync"
	"time"

	"go.klb.dev/clipd/internal/format"
)

// Event is delivered on Clipboard.Events.
type Event interface {
	event()
}

// OwnerChanged reports the owner observed after a clipboard update. At is
// when the service saw ownership move, which can be well before the event is
// handled; zero means unknown.
type OwnerChanged struct {
	Owner Window
	At    time.Time
}

// RenderFormat asks the owner to supply data it promised. Exactly one of
// Provide or Decline takes effect; later calls are ignored.
type RenderFormat struct {
	Format format.ID

	once    sync.Once
	provide func(Handle) error
	decline func()
}

// RenderAllFormats asks the owner to supply every promised format before it
// goes away. The requester waits until Done is called.
type RenderAllFormats struct {
	once sync.Once
	done func()
}

func (OwnerChanged) event()      {}
func (*RenderFormat) event()     {}
func (*RenderAllFormats) event() {}

// NewRenderFormat is used by backends to build a render request.
func NewRenderFormat(id format.ID, provide func(Handle) error, decline func()) *RenderFormat {
	return &RenderFormat{Format: id, provide: provide, decline: decline}
}

// Provide answers with h. On success the clipboard owns h; on error the
// caller still owns it. A request that was already answered reports
// ErrTimeout.
func (r *RenderFormat) Provide(h Handle) error {
	err := error(ErrTimeout)
	r.once.Do(func() { err = r.provide(h) })
	return err
}

// Decline answers without data.
func (r *RenderFormat) Decline() {
	r.once.Do(r.decline)
}

// NewRenderAllFormats is used by backends to build a render-all request.
func NewRenderAllFormats(done func()) *RenderAllFormats {
	return &RenderAllFormats{done: done}
}

// Done signals that every promised format has been supplied or abandoned.
func (r *RenderAllFormats) Done() {
	r.once.Do(r.done)
}
