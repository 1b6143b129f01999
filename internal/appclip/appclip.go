// Package appclip is the application side of the clipboard: it holds the
// content this process offers, answers render requests for it and turns
// copy/paste calls into worker requests.
//
// All state lives on the run loop. Public methods hop onto the loop with
// runloop.Call and wait for worker futures off the loop, so they are safe to
// call from any goroutine except the loop itself.
package appclip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/future"
	"go.klb.dev/clipd/internal/native"
	"go.klb.dev/clipd/internal/runloop"
	"go.klb.dev/clipd/internal/worker"
)

// ErrNoContent is returned by Store when this process offers nothing.
var ErrNoContent = errors.New("appclip: no local content")

// watchBuffer is the per-watcher channel depth.
const watchBuffer = 16

// Item is one representation of the clipboard content.
type Item struct {
	Mime string
	Data []byte
}

// Update is delivered to watchers on every ownership change.
type Update struct {
	Source string
	Local  bool
	Owner  native.Window
	Types  []string
	At     time.Time
}

// Status is a snapshot for the status RPC.
type Status struct {
	Backend    string
	Owner      native.Window
	Self       bool
	Generation uint64
	ChangedAt  time.Time
	Source     string
	Types      []string
	Queued     int
	Retrying   int
	Advertised int
	Watchers   int
}

// Options configures New. Worker.Formats may be left nil.
type Options struct {
	Worker      worker.Options
	StoreOnExit bool
}

// defaultAccepts is the paste preference when the caller names none.
var defaultAccepts = []format.ContentType{
	format.TextPlainUTF8,
	format.ImagePNG,
	format.TextHTML,
	format.TextURIList,
	format.ImageJPEG,
	format.ImageGIF,
	format.ImageBMP,
}

// Clipboard is the process-wide application clipboard.
type Clipboard struct {
	loop        *runloop.Loop
	w           *worker.Worker
	reg         *format.Registry
	storeOnExit bool

	// Loop only.
	items     []Item
	source    string
	copies    uint64
	copyGen   uint64
	watchers  map[int]chan Update
	nextWatch int
}

// New starts a worker on cb and returns the clipboard bound to loop.
func New(cb native.Clipboard, loop *runloop.Loop, opts Options) (*Clipboard, error) {
	reg := opts.Worker.Formats
	if reg == nil {
		var err error
		if reg, err = format.NewRegistry(cb); err != nil {
			return nil, fmt.Errorf("appclip: %w", err)
		}
	}
	c := &Clipboard{
		loop:        loop,
		reg:         reg,
		storeOnExit: opts.StoreOnExit,
		watchers:    make(map[int]chan Update),
	}

	wopts := opts.Worker
	wopts.Formats = reg
	next := wopts.OnOwnerChanged
	wopts.OnOwnerChanged = func(st worker.OwnershipState) {
		c.claimRemote(st)
		if next != nil {
			next(st)
		}
	}
	w, err := worker.Start(cb, loop, c, wopts)
	if err != nil {
		return nil, fmt.Errorf("appclip: %w", err)
	}
	c.w = w
	slog.Info("clipboard started", "backend", cb.Name())
	return c, nil
}

// Worker exposes the underlying worker.
func (c *Clipboard) Worker() *worker.Worker { return c.w }

// Render implements worker.ContentProvider. It runs on the loop.
func (c *Clipboard) Render(_ context.Context, ct format.ContentType, w io.Writer) error {
	for _, it := range c.items {
		if format.Intern(it.Mime) == ct {
			_, err := w.Write(it.Data)
			return err
		}
	}
	return fmt.Errorf("appclip: nothing to render as %s", ct)
}

// Copy makes items the clipboard content and advertises them. An empty
// list clears the clipboard.
func (c *Clipboard) Copy(ctx context.Context, source string, items []Item) error {
	items = normalize(items)
	if len(items) == 0 {
		return c.Clear(ctx)
	}
	var seq uint64
	f, err := runloop.Call(ctx, c.loop, func() *future.Future[struct{}] {
		pairs, err := c.reg.Pairs(contentTypes(items))
		if err != nil {
			return future.Resolved(struct{}{}, err)
		}
		c.items, c.source = items, source
		c.copies++
		seq = c.copies
		c.copyGen = c.w.Ownership().Generation
		logItems("clipboard copied", source, items)
		c.notify(Update{Source: source, Local: true, Types: mimes(items), At: time.Now()})
		return c.w.SubmitAdvertise(pairs, false)
	})
	if err != nil {
		return err
	}
	if _, err := f.Wait(ctx); err != nil {
		c.loop.Post(func() {
			if c.copies == seq {
				c.items, c.source = nil, ""
			}
		})
		return err
	}
	return nil
}

// Clear drops local content and empties the native clipboard.
func (c *Clipboard) Clear(ctx context.Context) error {
	f, err := runloop.Call(ctx, c.loop, func() *future.Future[struct{}] {
		c.items, c.source = nil, ""
		return c.w.SubmitAdvertise(nil, true)
	})
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// Paste returns the best representation of the current content for accepts,
// in preference order. Content this process owns is served directly.
func (c *Clipboard) Paste(ctx context.Context, accepts []string) (Item, error) {
	type result struct {
		item  Item
		local bool
		f     *future.Future[*worker.Stream]
		err   error
	}
	r, err := runloop.Call(ctx, c.loop, func() result {
		if len(c.items) > 0 {
			if it, ok := pick(c.items, accepts); ok {
				return result{item: it, local: true}
			}
			return result{err: worker.ErrNoCompatibleFormat}
		}
		types := defaultAccepts
		if len(accepts) > 0 {
			types = make([]format.ContentType, len(accepts))
			for i, a := range accepts {
				types[i] = format.Intern(format.Canonical(a))
			}
		}
		pairs, err := c.reg.Pairs(types)
		if err != nil {
			return result{err: err}
		}
		return result{f: c.w.SubmitRetrieve(pairs)}
	})
	switch {
	case err != nil:
		return Item{}, err
	case r.err != nil:
		return Item{}, r.err
	case r.local:
		return r.item, nil
	}
	s, err := r.f.Wait(ctx)
	if err != nil {
		return Item{}, err
	}
	return Item{Mime: s.ContentType.String(), Data: s.Bytes()}, nil
}

// Store renders every advertised format now and hands the data to the native
// clipboard so it survives this process.
func (c *Clipboard) Store(ctx context.Context) error {
	f, err := runloop.Call(ctx, c.loop, func() *future.Future[struct{}] {
		if len(c.items) == 0 {
			return future.Resolved(struct{}{}, ErrNoContent)
		}
		elements, err := c.renderAll()
		if err != nil {
			return future.Resolved(struct{}{}, err)
		}
		return c.w.SubmitStore(elements)
	})
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// renderAll builds one pre-rendered element per pair. On error nothing is
// left allocated.
func (c *Clipboard) renderAll() ([]worker.StoreElement, error) {
	pairs, err := c.reg.Pairs(contentTypes(c.items))
	if err != nil {
		return nil, err
	}
	elements := make([]worker.StoreElement, 0, len(pairs))
	for _, p := range pairs {
		nw := c.w.NewWriter(p)
		if err := c.Render(context.Background(), p.Content, nw); err != nil {
			releaseAll(elements)
			return nil, err
		}
		data, err := nw.Commit()
		if err != nil {
			releaseAll(elements)
			return nil, fmt.Errorf("appclip: render %s as %s: %w", p.Content, p.Native, err)
		}
		elements = append(elements, worker.StoreElement{Pair: p, Data: data})
	}
	return elements, nil
}

func releaseAll(elements []worker.StoreElement) {
	for _, el := range elements {
		if err := el.Data.Release(); err != nil {
			slog.Warn("appclip: release rendered data", "format", el.Pair.Native, "err", err)
		}
	}
}

// Watch subscribes to ownership updates. The channel is closed by Unwatch
// or Close. Slow watchers miss updates rather than block the loop.
func (c *Clipboard) Watch(ctx context.Context) (int, <-chan Update, error) {
	type sub struct {
		id int
		ch chan Update
	}
	s, err := runloop.Call(ctx, c.loop, func() sub {
		c.nextWatch++
		ch := make(chan Update, watchBuffer)
		c.watchers[c.nextWatch] = ch
		return sub{c.nextWatch, ch}
	})
	if err != nil {
		return 0, nil, err
	}
	return s.id, s.ch, nil
}

// Unwatch ends a subscription.
func (c *Clipboard) Unwatch(id int) {
	c.loop.Post(func() {
		if ch, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	})
}

// Status reports ownership, local content and queue counters.
func (c *Clipboard) Status(ctx context.Context) (Status, error) {
	return runloop.Call(ctx, c.loop, func() Status {
		ws := c.w.Stats()
		return Status{
			Backend:    c.w.Clipboard().Name(),
			Owner:      ws.Ownership.Owner,
			Self:       ws.Ownership.Self,
			Generation: ws.Ownership.Generation,
			ChangedAt:  ws.Ownership.ChangedAt,
			Source:     c.source,
			Types:      mimes(c.items),
			Queued:     ws.Queued,
			Retrying:   ws.Retrying,
			Advertised: ws.Advertised,
			Watchers:   len(c.watchers),
		}
	})
}

// Close optionally stores the content, then stops the worker and ends every
// watch. It must not be called from the loop.
func (c *Clipboard) Close(ctx context.Context) error {
	if c.storeOnExit {
		if err := c.Store(ctx); err != nil && !errors.Is(err, ErrNoContent) {
			slog.Warn("store on exit failed", "err", err)
		}
	}
	err := c.w.Shutdown(ctx)
	c.loop.Post(func() {
		for id, ch := range c.watchers {
			delete(c.watchers, id)
			close(ch)
		}
	})
	return err
}

// claimRemote runs on the loop when another window takes the clipboard.
func (c *Clipboard) claimRemote(st worker.OwnershipState) {
	// Observed before the last Copy; that content is still ours.
	if len(c.items) > 0 && st.Generation <= c.copyGen {
		return
	}
	if len(c.items) > 0 {
		slog.Info("clipboard claimed by another window", "owner", st.Owner, "dropped", mimes(c.items))
	}
	c.items, c.source = nil, ""
	c.notify(Update{Owner: st.Owner, At: st.ChangedAt})
}

func (c *Clipboard) notify(u Update) {
	for id, ch := range c.watchers {
		select {
		case ch <- u:
		default:
			slog.Warn("watcher channel full, dropping update", "watcher", id)
		}
	}
}
