package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

// ContentProvider supplies the data behind an advertisement. Render runs on
// the application loop and writes the content in ct's encoding.
type ContentProvider interface {
	Render(ctx context.Context, ct format.ContentType, w io.Writer) error
}

// NativeWriter buffers content for one pair and turns it into a native block
// on Commit.
type NativeWriter struct {
	pair format.Pair
	reg  *format.Registry
	mem  native.Memory
	buf  bytes.Buffer
}

// NewWriter returns a writer that produces a native block for p.
func (w *Worker) NewWriter(p format.Pair) *NativeWriter {
	return &NativeWriter{pair: p, reg: w.opts.Formats, mem: w.cb}
}

func (nw *NativeWriter) Write(p []byte) (int, error) { return nw.buf.Write(p) }

// Pair returns the pair being written.
func (nw *NativeWriter) Pair() format.Pair { return nw.pair }

// Commit converts the buffered content and copies it into native memory. The
// caller owns the result.
func (nw *NativeWriter) Commit() (*native.Owned, error) {
	data, err := nw.reg.ToNative(nw.pair, nw.buf.Bytes())
	if err != nil {
		return nil, err
	}
	h, err := nw.mem.Alloc(data)
	if err != nil {
		return nil, err
	}
	return native.Own(nw.mem, h), nil
}

// renderJob is the rendezvous between the worker, which waits with a
// timeout, and the producer on the application loop. The first fill wins;
// a producer that loses frees its own block.
type renderJob struct {
	id   uint64
	pair format.Pair

	mu      sync.Mutex
	filled  bool
	claimed bool
	data    *native.Owned
	err     *Error
}

func (j *renderJob) fill(data *native.Owned, err *Error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.filled {
		return false
	}
	j.filled, j.data, j.err = true, data, err
	return true
}

// claim hands the result to the worker.
func (j *renderJob) claim() (*native.Owned, *Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.claimed = true
	return j.data, j.err
}

// discard frees an unclaimed result.
func (j *renderJob) discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.filled || j.claimed {
		return
	}
	j.claimed = true
	if err := j.data.Release(); err != nil {
		slog.Warn("worker: release stale render", "job", j.id, "err", err)
	}
}

// render asks the provider for p and waits up to RenderTimeout. The caller
// owns the returned block.
func (w *Worker) render(p format.Pair) (*native.Owned, *Error) {
	w.discardRenders()
	w.renderSeq++
	job := &renderJob{id: w.renderSeq, pair: p}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.RenderTimeout)
	defer cancel()
	if !w.app.Post(func() { w.produce(ctx, job) }) {
		return nil, &Error{Kind: KindRenderFailed, Op: "render", Err: errors.New("application loop stopped")}
	}

	timer := time.NewTimer(w.opts.RenderTimeout)
	defer timer.Stop()
	for {
		select {
		case j := <-w.rendered:
			if j != job {
				j.discard()
				continue
			}
			return job.claim()
		case <-timer.C:
			if job.fill(nil, newError(KindRenderTimeout, "render")) {
				slog.Warn("worker: render timed out", "format", p.Native, "content", p.Content)
			}
			return job.claim()
		}
	}
}

// produce runs on the application loop.
func (w *Worker) produce(ctx context.Context, job *renderJob) {
	data, rerr := w.produceData(ctx, job.pair)
	if !job.fill(data, rerr) {
		if err := data.Release(); err != nil {
			slog.Warn("worker: release late render", "job", job.id, "err", err)
		}
		return
	}
	select {
	case w.rendered <- job:
	default:
		job.discard()
	}
}

func (w *Worker) produceData(ctx context.Context, p format.Pair) (*native.Owned, *Error) {
	if w.provider == nil {
		return nil, &Error{Kind: KindRenderFailed, Op: "render", Err: errors.New("no content provider")}
	}
	nw := w.NewWriter(p)
	if err := w.provider.Render(ctx, p.Content, nw); err != nil {
		return nil, &Error{Kind: KindRenderFailed, Op: "render", Err: err}
	}
	data, err := nw.Commit()
	if err != nil {
		var code native.Errno
		if errors.As(err, &code) {
			return nil, osError("render", "Alloc", err)
		}
		return nil, &Error{Kind: KindRenderFailed, Op: "render", Err: err}
	}
	return data, nil
}

// discardRenders drops results of renders the worker stopped waiting for.
func (w *Worker) discardRenders() {
	for {
		select {
		case j := <-w.rendered:
			j.discard()
		default:
			return
		}
	}
}
