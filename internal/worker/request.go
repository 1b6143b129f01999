package worker

import (
	"bytes"
	"log/slog"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/future"
	"go.klb.dev/clipd/internal/native"
)

// request is one queued operation. Every request is completed exactly once,
// through fail or through its operation's success path.
type request interface {
	base() *requestBase
	fail(d *dispatcher, err *Error)
}

type requestBase struct {
	id       uint64
	op       string
	deadline Deadline
}

func (b *requestBase) base() *requestBase { return b }

type advertiseRequest struct {
	requestBase
	pairs   []format.Pair
	unset   bool
	promise *future.Promise[struct{}]
}

func (r *advertiseRequest) fail(d *dispatcher, err *Error) {
	dispatch(d, r.promise, struct{}{}, err)
}

type retrieveRequest struct {
	requestBase
	pairs   []format.Pair
	seq     uint32
	promise *future.Promise[*Stream]
}

func (r *retrieveRequest) fail(d *dispatcher, err *Error) {
	dispatch[*Stream](d, r.promise, nil, err)
}

// StoreElement is one pre-rendered format for a store request. Data is
// released when the request completes unless the clipboard took it.
type StoreElement struct {
	Pair format.Pair
	Data *native.Owned
}

type storeRequest struct {
	requestBase
	elements []StoreElement
	promise  *future.Promise[struct{}]
}

func (r *storeRequest) fail(d *dispatcher, err *Error) {
	r.release()
	dispatch(d, r.promise, struct{}{}, err)
}

func (r *storeRequest) release() {
	for _, el := range r.elements {
		if err := el.Data.Release(); err != nil {
			slog.Warn("worker: release store data", "format", el.Pair.Native, "err", err)
		}
	}
}

// Stream is a retrieved format, converted to the requested content type.
type Stream struct {
	*bytes.Reader
	ContentType format.ContentType
	Format      format.ID
	data        []byte
}

func newStream(p format.Pair, data []byte) *Stream {
	return &Stream{
		Reader:      bytes.NewReader(data),
		ContentType: p.Content,
		Format:      p.Native,
		data:        data,
	}
}

// Bytes returns the full contents regardless of how much was read.
func (s *Stream) Bytes() []byte { return s.data }
