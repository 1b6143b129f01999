// Package worker serializes every native clipboard call on one dedicated
// goroutine.
//
// Callers submit advertise, retrieve and store requests from any goroutine
// and get a future back. The worker drains retried requests first, then new
// ones, taking the native lock as needed and closing it at the end of every
// cycle. Requests that lose the lock go to a retry list and are tried again
// on the next tick until their deadline passes. Render requests from the
// native side are answered by asking the ContentProvider on the application
// loop and waiting a bounded time for the result.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/future"
	"go.klb.dev/clipd/internal/native"
)

// Options configures a Worker. Formats is required.
type Options struct {
	Formats *format.Registry

	Timeout       time.Duration // per request, from submission
	RenderTimeout time.Duration // bound on one render rendezvous
	RetryInterval time.Duration
	RetryCapacity int

	// Now is the clock used for deadlines and ownership changes.
	Now func() time.Time
	// OnOwnerChanged runs on the application loop when another window takes
	// the clipboard.
	OnOwnerChanged func(OwnershipState)
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = DefaultRenderTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RetryCapacity <= 0 {
		o.RetryCapacity = DefaultRetryCapacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	Ownership  OwnershipState
	Queued     int
	Retrying   int
	Advertised int
}

// Worker owns the native clipboard lock.
type Worker struct {
	cb       native.Clipboard
	app      Poster
	provider ContentProvider
	opts     Options
	d        *dispatcher

	queue    *requestQueue
	nextID   atomic.Uint64
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	// Worker goroutine only.
	retry     retryList
	tracker   *ownershipTracker
	lockOpen  bool
	lockFor   native.Window
	cache     []format.Pair
	ticker    *time.Ticker
	tickerOn  bool
	renderSeq uint64
	rendered  chan *renderJob

	retrying   atomic.Int64
	advertised atomic.Int64
}

// Start launches the worker goroutine. Completions and render calls are
// posted to app; provider supplies data for advertised formats.
func Start(cb native.Clipboard, app Poster, provider ContentProvider, opts Options) (*Worker, error) {
	if cb == nil {
		return nil, errors.New("worker: nil clipboard")
	}
	if app == nil {
		return nil, errors.New("worker: nil application loop")
	}
	if opts.Formats == nil {
		return nil, errors.New("worker: no format registry")
	}
	opts.setDefaults()

	w := &Worker{
		cb:       cb,
		app:      app,
		provider: provider,
		opts:     opts,
		d:        &dispatcher{app: app},
		queue:    newRequestQueue(),
		done:     make(chan struct{}),
		retry:    retryList{max: opts.RetryCapacity},
		tracker:  newOwnershipTracker(cb.Window(), cb.Owner()),
		rendered: make(chan *renderJob, 4),
	}
	go w.run()
	return w, nil
}

// Ownership returns the last observed owner.
func (w *Worker) Ownership() OwnershipState { return w.tracker.load() }

// Stats returns queue and ownership counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Ownership:  w.tracker.load(),
		Queued:     w.queue.len(),
		Retrying:   int(w.retrying.Load()),
		Advertised: int(w.advertised.Load()),
	}
}

// Clipboard returns the native clipboard the worker drives.
func (w *Worker) Clipboard() native.Clipboard { return w.cb }

// Formats returns the registry requests are expanded with.
func (w *Worker) Formats() *format.Registry { return w.opts.Formats }

// SubmitAdvertise claims the clipboard and promises pairs. With unset the
// clipboard is only emptied.
func (w *Worker) SubmitAdvertise(pairs []format.Pair, unset bool) *future.Future[struct{}] {
	p, f := future.New[struct{}]()
	r := &advertiseRequest{requestBase: w.newBase("advertise"), pairs: pairs, unset: unset, promise: p}
	w.submit(r)
	return f
}

// SubmitRetrieve reads the first native format, in clipboard order, that
// matches one of pairs.
func (w *Worker) SubmitRetrieve(pairs []format.Pair) *future.Future[*Stream] {
	p, f := future.New[*Stream]()
	r := &retrieveRequest{
		requestBase: w.newBase("retrieve"),
		pairs:       pairs,
		seq:         w.cb.SequenceNumber(),
		promise:     p,
	}
	w.submit(r)
	return f
}

// SubmitStore hands pre-rendered data to the clipboard so it outlives this
// process. The elements are owned by the request from here on.
func (w *Worker) SubmitStore(elements []StoreElement) *future.Future[struct{}] {
	p, f := future.New[struct{}]()
	r := &storeRequest{requestBase: w.newBase("store"), elements: elements, promise: p}
	w.submit(r)
	return f
}

func (w *Worker) newBase(op string) requestBase {
	return requestBase{
		id:       w.nextID.Add(1),
		op:       op,
		deadline: NewDeadline(w.opts.Now(), w.opts.Timeout),
	}
}

func (w *Worker) submit(r request) {
	if w.stopping.Load() || !w.queue.push(r) {
		r.fail(w.d, newError(KindStopped, r.base().op))
	}
}

// Shutdown detaches from the native clipboard, giving it a chance to collect
// every promised format first, then fails whatever is still pending with
// ErrStopped. It must not be called from the application loop, which has to
// stay free to render.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		go func() {
			if err := w.cb.Shutdown(); err != nil {
				slog.Warn("worker: native shutdown", "clipboard", w.cb.Name(), "err", err)
			}
			w.queue.close()
		}()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	w.ticker = time.NewTicker(w.opts.RetryInterval)
	w.ticker.Stop()
	defer w.ticker.Stop()

	events := w.cb.Events()
	for {
		select {
		case <-w.queue.wake:
		case <-w.ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(ev)
		}
		if w.queue.isClosed() {
			w.stop()
			return
		}
		w.cycle()
	}
}

// cycle drains the retry list, then new requests, and always ends with the
// lock closed.
func (w *Worker) cycle() {
	defer w.updateTimer()
	defer w.closeLock()

	for w.retry.len() > 0 {
		if !w.process(w.retry.front()) {
			return
		}
		w.retry.popFront()
		w.retrying.Store(int64(w.retry.len()))
	}
	for !w.retry.full() {
		r, ok := w.queue.pop()
		if !ok {
			return
		}
		if !w.process(r) {
			w.retry.push(r)
			w.retrying.Store(int64(w.retry.len()))
			return
		}
	}
}

// process runs one request. It returns false only when the lock was denied
// and the request must be retried.
func (w *Worker) process(r request) bool {
	b := r.base()
	if b.deadline.Expired(w.opts.Now()) {
		slog.Debug("worker: request expired", "id", b.id, "op", b.op)
		r.fail(w.d, newError(KindLockTimeout, b.op))
		return true
	}
	if w.tracker.invalidates(b.deadline.Start) {
		r.fail(w.d, newError(KindOwnershipChanged, b.op))
		return true
	}
	switch r := r.(type) {
	case *advertiseRequest:
		return w.advertise(r)
	case *retrieveRequest:
		return w.retrieve(r)
	case *storeRequest:
		return w.store(r)
	}
	return true
}

// tryOpen takes the lock for target, reusing it when already open for the
// same target. It returns denied=true on contention.
func (w *Worker) tryOpen(target native.Window) (denied bool, err error) {
	if w.lockOpen && w.lockFor == target {
		return false, nil
	}
	w.closeLock()
	if err := w.cb.Open(target); err != nil {
		if errors.Is(err, native.ErrAccessDenied) {
			return true, nil
		}
		return false, err
	}
	w.lockOpen, w.lockFor = true, target
	return false, nil
}

func (w *Worker) closeLock() {
	if !w.lockOpen {
		return
	}
	w.lockOpen, w.lockFor = false, 0
	if err := w.cb.Close(); err != nil {
		slog.Warn("worker: close clipboard", "err", err)
	}
}

// updateTimer keeps the retry ticker running while anything is pending.
func (w *Worker) updateTimer() {
	pending := w.retry.len() > 0 || w.queue.len() > 0
	switch {
	case pending && !w.tickerOn:
		w.ticker.Reset(w.opts.RetryInterval)
		w.tickerOn = true
	case !pending && w.tickerOn:
		w.ticker.Stop()
		w.tickerOn = false
	}
}

func (w *Worker) handleEvent(ev native.Event) {
	switch ev := ev.(type) {
	case native.OwnerChanged:
		w.ownerChanged(ev)
	case *native.RenderFormat:
		w.renderFormat(ev)
	case *native.RenderAllFormats:
		w.renderAll(ev)
	}
}

// ownerChanged reads the live owner rather than trusting the notification,
// which may be stale by the time it is handled. The change is dated when the
// service saw it, so requests submitted after that are not invalidated.
func (w *Worker) ownerChanged(ev native.OwnerChanged) {
	at := ev.At
	if at.IsZero() {
		at = w.opts.Now()
	}
	if !w.tracker.observe(w.cb.Owner(), at) {
		return
	}
	st := w.tracker.load()
	slog.Debug("worker: clipboard owner changed", "owner", st.Owner, "self", st.Self, "generation", st.Generation)
	if st.Self {
		return
	}
	w.setCache(nil)
	if fn := w.opts.OnOwnerChanged; fn != nil {
		w.app.Post(func() { fn(st) })
	}
	// Pending requests must see the change on their next admission check.
	w.queue.signal()
}

func (w *Worker) setCache(pairs []format.Pair) {
	w.cache = pairs
	w.advertised.Store(int64(len(pairs)))
}

func (w *Worker) cached(id format.ID) (format.Pair, bool) {
	for _, p := range w.cache {
		if p.Native == id {
			return p, true
		}
	}
	return format.Pair{}, false
}

// renderFormat answers a native request for one promised format. Failures
// decline, which the native side reads as "no data right now".
func (w *Worker) renderFormat(ev *native.RenderFormat) {
	p, ok := w.cached(ev.Format)
	if !ok {
		ev.Decline()
		return
	}
	data, rerr := w.render(p)
	if rerr != nil {
		slog.Warn("worker: render failed", "format", p.Native, "content", p.Content, "err", rerr)
		ev.Decline()
		return
	}
	if err := ev.Provide(data.Handle()); err != nil {
		slog.Warn("worker: provide rendered data", "format", p.Native, "err", err)
		if err := data.Release(); err != nil {
			slog.Warn("worker: release rendered data", "format", p.Native, "err", err)
		}
		return
	}
	data.Transfer()
}

// renderAll supplies every promised format before the window goes away.
func (w *Worker) renderAll(ev *native.RenderAllFormats) {
	defer ev.Done()
	if len(w.cache) == 0 {
		return
	}
	denied, err := w.tryOpen(w.cb.Window())
	if denied || err != nil {
		slog.Warn("worker: render all formats: clipboard busy", "err", err)
		return
	}
	defer w.closeLock()
	if w.cb.Owner() != w.cb.Window() {
		return
	}
	for _, p := range w.cache {
		data, rerr := w.render(p)
		if rerr != nil {
			slog.Warn("worker: render failed", "format", p.Native, "content", p.Content, "err", rerr)
			continue
		}
		if err := w.cb.SetData(p.Native, data.Handle()); err != nil {
			slog.Warn("worker: set rendered data", "format", p.Native, "err", err)
			if err := data.Release(); err != nil {
				slog.Warn("worker: release rendered data", "format", p.Native, "err", err)
			}
			continue
		}
		data.Transfer()
	}
}

// stop fails everything still pending.
func (w *Worker) stop() {
	stopped := func(r request) { r.fail(w.d, newError(KindStopped, r.base().op)) }
	for w.retry.len() > 0 {
		stopped(w.retry.front())
		w.retry.popFront()
	}
	w.retrying.Store(0)
	for _, r := range w.queue.drain() {
		stopped(r)
	}
	w.closeLock()
	w.discardRenders()
	w.setCache(nil)
}
