package worker

func (w *Worker) advertise(r *advertiseRequest) bool {
	target := w.cb.Window()
	if r.unset {
		target = 0
	}
	denied, err := w.tryOpen(target)
	if denied {
		return false
	}
	if err != nil {
		r.fail(w.d, osError(r.op, "Open", err))
		return true
	}
	// Emptying makes the open target the owner and invalidates whatever the
	// previous owner promised.
	if err := w.cb.Empty(); err != nil {
		r.fail(w.d, osError(r.op, "Empty", err))
		return true
	}
	w.setCache(nil)
	if !r.unset {
		for _, p := range r.pairs {
			if err := w.cb.SetData(p.Native, 0); err != nil {
				r.fail(w.d, osError(r.op, "SetData", err))
				return true
			}
		}
		w.setCache(r.pairs)
	}
	// Visible before completion. The notification for this claim finds the
	// owner unchanged and is a no-op.
	w.tracker.observe(w.cb.Owner(), w.opts.Now())
	dispatch(w.d, r.promise, struct{}{}, nil)
	return true
}
