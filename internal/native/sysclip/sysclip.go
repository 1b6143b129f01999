//go:build !windows

// Package sysclip puts the macOS and Linux system clipboards behind
// native.Clipboard using golang.design/x/clipboard.
//
// The system clipboard has no lock, owner window or delayed rendering, so
// this package keeps that model in process and mirrors it outward: promised
// text and PNG formats are rendered right after the lock is released and
// written through, and external changes seen by clipboard.Watch make an
// outside window the owner. Without a display the backend runs headless and
// behaves like a private clipboard.
package sysclip

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.design/x/clipboard"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

const (
	selfWindow     native.Window = 0x100
	externalWindow native.Window = 0x200

	renderAllTimeout = 30 * time.Second
)

// system is the part of golang.design/x/clipboard this package uses.
type system interface {
	Read(t clipboard.Format) []byte
	Write(t clipboard.Format, buf []byte)
	Watch(ctx context.Context, t clipboard.Format) <-chan []byte
}

type xclip struct{}

func (xclip) Read(t clipboard.Format) []byte       { return clipboard.Read(t) }
func (xclip) Write(t clipboard.Format, buf []byte) { clipboard.Write(t, buf) }
func (xclip) Watch(ctx context.Context, t clipboard.Format) <-chan []byte {
	return clipboard.Watch(ctx, t)
}

type entry struct {
	id format.ID
	h  native.Handle
}

// Clipboard implements native.Clipboard.
type Clipboard struct {
	sys    system // nil when headless
	heap   *native.Heap
	box    *native.Mailbox
	cancel context.CancelFunc
	lock   sync.Mutex // the advisory clipboard lock

	mu         sync.Mutex
	locked     bool
	openFor    native.Window
	owner      native.Window
	seq        uint32
	changedAt  time.Time
	entries    []entry
	dirty      bool
	closed     bool
	formats    map[string]format.ID
	nextFormat format.ID
	textID     format.ID
	imageID    format.ID
	lastText   []byte
	lastImage  []byte
}

var _ native.Clipboard = (*Clipboard)(nil)

// New returns the system clipboard, or a headless one if the display is
// unavailable. clipboard.Init is called here rather than in init() so that
// client commands never touch the display.
func New() *Clipboard {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return newClipboard(nil)
	}
	return newClipboard(xclip{})
}

func newClipboard(sys system) *Clipboard {
	c := &Clipboard{
		sys:        sys,
		heap:       native.NewHeap(0),
		box:        native.NewMailbox(),
		formats:    make(map[string]format.ID),
		nextFormat: format.FirstRegistered,
	}
	c.textID, _ = c.RegisterFormat(format.TextPlainUTF8.String())
	c.imageID, _ = c.RegisterFormat(format.ImagePNG.String())
	if sys == nil {
		c.cancel = func() {}
		return c
	}

	c.seed()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watch(ctx, clipboard.FmtText)
	go c.watch(ctx, clipboard.FmtImage)
	return c
}

func (c *Clipboard) Name() string {
	if c.sys == nil {
		return "headless"
	}
	return "system"
}

func (c *Clipboard) Window() native.Window       { return selfWindow }
func (c *Clipboard) Events() <-chan native.Event { return c.box.Events() }

func (c *Clipboard) Alloc(data []byte) (native.Handle, error) { return c.heap.Alloc(data) }
func (c *Clipboard) Read(h native.Handle) ([]byte, error)     { return c.heap.Read(h) }
func (c *Clipboard) Free(h native.Handle) error               { return c.heap.Free(h) }

func (c *Clipboard) RegisterFormat(name string) (format.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.formats[name]; ok {
		return id, nil
	}
	id := c.nextFormat
	c.nextFormat++
	c.formats[name] = id
	return id, nil
}

func (c *Clipboard) Open(target native.Window) error {
	if !c.lock.TryLock() {
		return native.ErrAccessDenied
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.lock.Unlock()
		return native.ErrInvalidWindow
	}
	c.locked, c.openFor = true, target
	return nil
}

// Close releases the lock. If this process owns the clipboard, promised
// text and PNG are requested right away so other applications can read them.
func (c *Clipboard) Close() error {
	c.mu.Lock()
	if !c.locked {
		c.mu.Unlock()
		return native.ErrClipboardNotOpen
	}
	c.locked, c.openFor = false, 0
	var render []format.ID
	if c.dirty {
		c.dirty = false
		c.box.Push(native.OwnerChanged{Owner: c.owner, At: c.changedAt})
		if c.owner == selfWindow && c.sys != nil {
			for _, e := range c.entries {
				if e.h == 0 && (e.id == c.textID || e.id == c.imageID) {
					render = append(render, e.id)
				}
			}
		}
	}
	c.mu.Unlock()
	c.lock.Unlock()

	for _, id := range render {
		c.requestRender(id)
	}
	return nil
}

func (c *Clipboard) requestRender(id format.ID) {
	owner := selfWindow
	c.box.Push(native.NewRenderFormat(id,
		func(h native.Handle) error {
			c.mu.Lock()
			if c.owner != owner {
				c.mu.Unlock()
				return native.ErrClipboardNotOpen
			}
			err := c.putLocked(id, h)
			c.mu.Unlock()
			if err == nil {
				c.writeThrough(id, h)
			}
			return err
		},
		func() {},
	))
}

func (c *Clipboard) Empty() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked {
		return native.ErrClipboardNotOpen
	}
	c.freeEntriesLocked()
	if c.owner != c.openFor {
		c.changedAt = time.Now()
	}
	c.owner = c.openFor
	c.seq++
	c.dirty = true
	return nil
}

func (c *Clipboard) SetData(id format.ID, h native.Handle) error {
	c.mu.Lock()
	if !c.locked {
		c.mu.Unlock()
		return native.ErrClipboardNotOpen
	}
	if h == 0 && (c.openFor == 0 || c.owner != c.openFor) {
		c.mu.Unlock()
		return native.ErrClipboardNotOpen
	}
	err := c.putLocked(id, h)
	if err == nil {
		c.seq++
		c.dirty = true
	}
	c.mu.Unlock()
	if err == nil && h != 0 {
		c.writeThrough(id, h)
	}
	return err
}

func (c *Clipboard) putLocked(id format.ID, h native.Handle) error {
	if h != 0 {
		if _, err := c.heap.Read(h); err != nil {
			return err
		}
	}
	for i := range c.entries {
		if c.entries[i].id == id {
			if old := c.entries[i].h; old != 0 && old != h {
				_ = c.heap.Free(old)
			}
			c.entries[i].h = h
			return nil
		}
	}
	c.entries = append(c.entries, entry{id: id, h: h})
	return nil
}

// writeThrough copies text and PNG to the system clipboard.
func (c *Clipboard) writeThrough(id format.ID, h native.Handle) {
	if c.sys == nil {
		return
	}
	var t clipboard.Format
	switch id {
	case c.textID:
		t = clipboard.FmtText
	case c.imageID:
		t = clipboard.FmtImage
	default:
		return
	}
	data, err := c.heap.Read(h)
	if err != nil {
		return
	}
	c.mu.Lock()
	if t == clipboard.FmtText {
		c.lastText = data
	} else {
		c.lastImage = data
	}
	c.mu.Unlock()
	c.sys.Write(t, data)
}

func (c *Clipboard) Data(id format.ID) (native.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked {
		return 0, native.ErrClipboardNotOpen
	}
	for _, e := range c.entries {
		if e.id != id {
			continue
		}
		if e.h == 0 {
			// Only we can render our own promises.
			return 0, native.ErrInvalidWindow
		}
		return e.h, nil
	}
	return 0, native.ErrNotFound
}

func (c *Clipboard) Formats() ([]format.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked {
		return nil, native.ErrClipboardNotOpen
	}
	ids := make([]format.ID, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (c *Clipboard) Owner() native.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Clipboard) SequenceNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Shutdown asks for every promised format, stops watching and detaches.
func (c *Clipboard) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	promised := false
	if c.owner == selfWindow {
		for _, e := range c.entries {
			promised = promised || e.h == 0
		}
	}
	c.mu.Unlock()

	if promised {
		done := make(chan struct{})
		c.box.Push(native.NewRenderAllFormats(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(renderAllTimeout):
			slog.Warn("sysclip: render-all not answered")
		}
	}

	c.cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.box.Close()
	return nil
}

func (c *Clipboard) freeEntriesLocked() {
	for _, e := range c.entries {
		if e.h != 0 {
			if err := c.heap.Free(e.h); err != nil {
				slog.Warn("sysclip: free clipboard block", "format", e.id, "err", err)
			}
		}
	}
	c.entries = nil
}

// seed mirrors whatever is on the system clipboard at startup.
func (c *Clipboard) seed() {
	if text := c.sys.Read(clipboard.FmtText); len(text) > 0 {
		c.external(c.textID, text)
		return
	}
	if img := c.sys.Read(clipboard.FmtImage); len(img) > 0 {
		c.external(c.imageID, img)
	}
}

func (c *Clipboard) watch(ctx context.Context, t clipboard.Format) {
	id := c.textID
	if t == clipboard.FmtImage {
		id = c.imageID
	}
	for data := range c.sys.Watch(ctx, t) {
		c.mu.Lock()
		last := c.lastText
		if t == clipboard.FmtImage {
			last = c.lastImage
		}
		c.mu.Unlock()
		if bytes.Equal(data, last) {
			continue // our own write coming back
		}
		c.external(id, data)
	}
}

// external records a change made by another application.
func (c *Clipboard) external(id format.ID, data []byte) {
	h, err := c.heap.Alloc(data)
	if err != nil {
		slog.Warn("sysclip: copy external clipboard", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeEntriesLocked()
	c.entries = []entry{{id: id, h: h}}
	c.owner = externalWindow
	c.seq++
	c.changedAt = time.Now()
	c.lastText, c.lastImage = nil, nil
	slog.Debug("sysclip: external clipboard change", "format", id, "size_bytes", len(data))
	c.box.Push(native.OwnerChanged{Owner: c.owner, At: c.changedAt})
}
