package worker

import (
	"encoding/binary"
	"log/slog"
	"strconv"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

func (w *Worker) retrieve(r *retrieveRequest) bool {
	// Checked before the lock: the content the caller saw is gone.
	if seq := w.cb.SequenceNumber(); int32(seq-r.seq) > 0 {
		r.fail(w.d, newError(KindContentChanged, r.op))
		return true
	}

	target := w.cb.Window()
	if w.lockOpen {
		target = w.lockFor
	}
	denied, err := w.tryOpen(target)
	if denied {
		return false
	}
	if err != nil {
		r.fail(w.d, osError(r.op, "Open", err))
		return true
	}

	ids, err := w.cb.Formats()
	if err != nil {
		r.fail(w.d, osError(r.op, "Formats", err))
		return true
	}
	p, ok := selectPair(ids, r.pairs)
	if !ok {
		r.fail(w.d, newError(KindNoCompatibleFormat, r.op))
		return true
	}

	raw, rerr := w.readFormat(r.op, p)
	if rerr != nil {
		r.fail(w.d, rerr)
		return true
	}
	data, err := w.opts.Formats.FromNative(p, raw)
	if err != nil {
		r.fail(w.d, &Error{Kind: KindNoCompatibleFormat, Op: r.op, Call: "FromNative", Err: err})
		return true
	}
	dispatch(w.d, r.promise, newStream(p, data), nil)
	return true
}

// selectPair picks the first enumerated format any candidate accepts. The
// clipboard's order wins over the order of pairs.
func selectPair(ids []format.ID, pairs []format.Pair) (format.Pair, bool) {
	for _, id := range ids {
		for _, p := range pairs {
			if p.Native == id {
				return p, true
			}
		}
	}
	return format.Pair{}, false
}

// readFormat copies the native bytes for p. A format we promised ourselves
// is rendered locally since the clipboard would ask this same goroutine.
// Formats that carry a GDI or kernel handle yield the handle value itself.
func (w *Worker) readFormat(op string, p format.Pair) ([]byte, *Error) {
	if w.cb.Owner() == w.cb.Window() {
		if cp, ok := w.cached(p.Native); ok {
			h, rerr := w.render(cp)
			if rerr != nil {
				e := *rerr
				e.Op = op
				return nil, &e
			}
			defer func() {
				if err := h.Release(); err != nil {
					slog.Warn("worker: release local render", "format", p.Native, "err", err)
				}
			}()
			raw, err := w.cb.Read(h.Handle())
			if err != nil {
				return nil, osError(op, "Read", err)
			}
			return raw, nil
		}
	}

	h, err := w.cb.Data(p.Native)
	if err != nil {
		return nil, osError(op, "Data", err)
	}
	if !format.UsesHGlobal(p.Native) {
		return handleBytes(h), nil
	}
	raw, err := w.cb.Read(h)
	if err != nil {
		return nil, osError(op, "Read", err)
	}
	return raw, nil
}

// handleBytes is h in little-endian order, pointer sized.
func handleBytes(h native.Handle) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(h))[:strconv.IntSize/8]
}
