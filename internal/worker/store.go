package worker

func (w *Worker) store(r *storeRequest) bool {
	self := w.cb.Window()
	denied, err := w.tryOpen(self)
	if denied {
		return false
	}
	if err != nil {
		r.fail(w.d, osError(r.op, "Open", err))
		return true
	}
	if w.cb.Owner() != self {
		r.fail(w.d, newError(KindOwnershipChanged, r.op))
		return true
	}

	var failed *Error
	for _, el := range r.elements {
		if !el.Data.Live() {
			continue
		}
		if err := w.cb.SetData(el.Pair.Native, el.Data.Handle()); err != nil {
			if failed == nil {
				failed = osError(r.op, "SetData", err)
			}
			continue
		}
		el.Data.Transfer()
	}
	// Frees whatever the clipboard did not take.
	r.release()
	dispatch(w.d, r.promise, struct{}{}, failed)
	return true
}
