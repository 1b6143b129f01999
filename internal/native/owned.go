package native

// Owned holds a handle this process must either hand over to the clipboard
// or free. Release is idempotent and does nothing after Transfer, so the
// usual pattern is
//
//	o := native.Own(mem, h)
//	defer o.Release()
//	if err := cb.SetData(id, o.Handle()); err == nil {
//		o.Transfer()
//	}
//
// An Owned is not safe for concurrent use; pass it between goroutines
// through a channel.
type Owned struct {
	mem  Memory
	h    Handle
	done bool
}

// Own wraps h, allocated from mem.
func Own(mem Memory, h Handle) *Owned {
	return &Owned{mem: mem, h: h}
}

// Handle returns the wrapped handle.
func (o *Owned) Handle() Handle {
	if o == nil {
		return 0
	}
	return o.h
}

// Live reports whether the handle still needs a Release or Transfer.
func (o *Owned) Live() bool { return o != nil && !o.done && o.h != 0 }

// Transfer records that ownership moved elsewhere and returns the handle.
func (o *Owned) Transfer() Handle {
	o.done = true
	return o.h
}

// Release frees the handle unless it was already released or transferred.
func (o *Owned) Release() error {
	if !o.Live() {
		return nil
	}
	o.done = true
	return o.mem.Free(o.h)
}
