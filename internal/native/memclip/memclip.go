// Package memclip is an in-process clipboard service with the semantics of
// the Win32 clipboard: one advisory lock, one owner window, a content
// version that moves on every change, ordered formats, and delayed
// rendering where a reader blocks until the owner answers.
//
// Each Conn behaves like a separate process window. The daemon uses a
// Service when no system clipboard is reachable, and tests use it to script
// other "processes" against the worker.
package memclip

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

// DefaultRenderTimeout is how long a reader waits for a promised format.
const DefaultRenderTimeout = 30 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithRenderTimeout overrides DefaultRenderTimeout.
func WithRenderTimeout(d time.Duration) Option {
	return func(s *Service) { s.renderTimeout = d }
}

// WithClock sets the clock used to stamp ownership changes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMemoryLimit makes allocations above n bytes fail.
func WithMemoryLimit(n int) Option {
	return func(s *Service) { s.heap = native.NewHeap(n) }
}

// Service is the shared clipboard.
type Service struct {
	heap          *native.Heap
	renderTimeout time.Duration
	now           func() time.Time

	mu         sync.Mutex
	lockedBy   *Conn
	openFor    native.Window
	owner      native.Window
	seq        uint32
	changedAt  time.Time
	entries    []entry
	dirty      bool
	conns      map[native.Window]*Conn
	nextWin    native.Window
	formats    map[string]format.ID
	nextFormat format.ID
	openHook   func(native.Window) error
}

type entry struct {
	id format.ID
	h  native.Handle // zero while promised
}

// New returns an empty clipboard service.
func New(opts ...Option) *Service {
	s := &Service{
		heap:          native.NewHeap(0),
		renderTimeout: DefaultRenderTimeout,
		now:           time.Now,
		conns:         make(map[native.Window]*Conn),
		nextWin:       0x10000,
		formats:       make(map[string]format.ID),
		nextFormat:    format.FirstRegistered,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect creates a new window on the service.
func (s *Service) Connect(name string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWin += 0x10
	c := &Conn{svc: s, win: s.nextWin, name: name, box: native.NewMailbox()}
	s.conns[c.win] = c
	return c
}

// SetOpenHook installs fn to run before every Open. A non-nil error is
// returned from Open without touching the lock, which lets tests simulate
// contention.
func (s *Service) SetOpenHook(fn func(w native.Window) error) {
	s.mu.Lock()
	s.openHook = fn
	s.mu.Unlock()
}

// Heap exposes the allocator for accounting.
func (s *Service) Heap() *native.Heap { return s.heap }

// Held returns how many blocks the clipboard itself owns.
func (s *Service) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.h != 0 {
			n++
		}
	}
	return n
}

// notifyLocked tells every window about the current owner.
func (s *Service) notifyLocked() {
	for _, c := range s.conns {
		c.box.Push(native.OwnerChanged{Owner: s.owner, At: s.changedAt})
	}
}

func (s *Service) freeEntriesLocked(keep func(entry) bool) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if keep != nil && keep(e) {
			kept = append(kept, e)
			continue
		}
		if e.h != 0 {
			if err := s.heap.Free(e.h); err != nil {
				slog.Warn("memclip: free clipboard block", "format", e.id, "err", err)
			}
		}
	}
	s.entries = kept
}

func (s *Service) findLocked(id format.ID) int {
	for i, e := range s.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// ── Conn ───────────────────────────────────────────────────────────────────

// Conn is one window attached to a Service. It implements native.Clipboard.
type Conn struct {
	svc   *Service
	win   native.Window
	name  string
	box   *native.Mailbox
	opens atomic.Int64

	closed bool // guarded by svc.mu
}

var _ native.Clipboard = (*Conn)(nil)

func (c *Conn) Name() string                { return "memory:" + c.name }
func (c *Conn) Window() native.Window       { return c.win }
func (c *Conn) Events() <-chan native.Event { return c.box.Events() }

// Opens counts Open calls, including denied ones.
func (c *Conn) Opens() int { return int(c.opens.Load()) }

func (c *Conn) Alloc(data []byte) (native.Handle, error) { return c.svc.heap.Alloc(data) }
func (c *Conn) Read(h native.Handle) ([]byte, error)     { return c.svc.heap.Read(h) }
func (c *Conn) Free(h native.Handle) error               { return c.svc.heap.Free(h) }

func (c *Conn) RegisterFormat(name string) (format.ID, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.formats[name]; ok {
		return id, nil
	}
	id := s.nextFormat
	s.nextFormat++
	s.formats[name] = id
	return id, nil
}

func (c *Conn) Open(target native.Window) error {
	s := c.svc
	c.opens.Add(1)

	s.mu.Lock()
	hook := s.openHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(c.win); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return native.ErrInvalidWindow
	}
	if s.lockedBy != nil && s.lockedBy != c {
		return native.ErrAccessDenied
	}
	s.lockedBy = c
	s.openFor = target
	return nil
}

func (c *Conn) Close() error {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedBy != c {
		return native.ErrClipboardNotOpen
	}
	s.lockedBy = nil
	s.openFor = 0
	if s.dirty {
		s.dirty = false
		s.notifyLocked()
	}
	return nil
}

func (c *Conn) Empty() error {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedBy != c {
		return native.ErrClipboardNotOpen
	}
	s.freeEntriesLocked(nil)
	if s.owner != s.openFor {
		s.changedAt = s.now()
	}
	s.owner = s.openFor
	s.seq++
	s.dirty = true
	return nil
}

func (c *Conn) SetData(id format.ID, h native.Handle) error {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedBy != c {
		return native.ErrClipboardNotOpen
	}
	if h == 0 && (s.openFor == 0 || s.owner != s.openFor) {
		// Promises need an owner window to ask later.
		return native.ErrClipboardNotOpen
	}
	return s.putLocked(id, h)
}

func (s *Service) putLocked(id format.ID, h native.Handle) error {
	if h != 0 {
		if _, err := s.heap.Read(h); err != nil {
			return err
		}
	}
	if i := s.findLocked(id); i >= 0 {
		if old := s.entries[i].h; old != 0 && old != h {
			_ = s.heap.Free(old)
		}
		s.entries[i].h = h
	} else {
		s.entries = append(s.entries, entry{id: id, h: h})
	}
	s.seq++
	s.dirty = true
	return nil
}

func (c *Conn) Data(id format.ID) (native.Handle, error) {
	s := c.svc
	s.mu.Lock()
	if s.lockedBy != c {
		s.mu.Unlock()
		return 0, native.ErrClipboardNotOpen
	}
	i := s.findLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return 0, native.ErrNotFound
	}
	if h := s.entries[i].h; h != 0 {
		s.mu.Unlock()
		return h, nil
	}
	owner := s.conns[s.owner]
	ownerWin := s.owner
	s.mu.Unlock()

	if owner == nil || owner == c {
		return 0, native.ErrInvalidWindow
	}

	reply := make(chan native.Handle, 1)
	req := native.NewRenderFormat(id,
		func(h native.Handle) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.owner != ownerWin {
				return native.ErrClipboardNotOpen
			}
			j := s.findLocked(id)
			if j < 0 || s.entries[j].h != 0 {
				return native.ErrNotFound
			}
			if _, err := s.heap.Read(h); err != nil {
				return err
			}
			s.entries[j].h = h
			reply <- h
			return nil
		},
		func() { reply <- 0 },
	)
	owner.box.Push(req)

	timer := time.NewTimer(s.renderTimeout)
	defer timer.Stop()
	select {
	case h := <-reply:
		if h == 0 {
			return 0, native.ErrNotFound
		}
		return h, nil
	case <-timer.C:
		req.Decline()
		return 0, native.ErrTimeout
	}
}

func (c *Conn) Formats() ([]format.ID, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedBy != c {
		return nil, native.ErrClipboardNotOpen
	}
	ids := make([]format.ID, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (c *Conn) Owner() native.Window {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return c.svc.owner
}

func (c *Conn) SequenceNumber() uint32 {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return c.svc.seq
}

// Shutdown detaches the window. An owner with promised formats gets a
// RenderAllFormats request first; whatever is still promised afterwards is
// dropped from the clipboard.
func (c *Conn) Shutdown() error {
	s := c.svc
	s.mu.Lock()
	if c.closed {
		s.mu.Unlock()
		return nil
	}
	promised := false
	if s.owner == c.win {
		for _, e := range s.entries {
			if e.h == 0 {
				promised = true
				break
			}
		}
	}
	s.mu.Unlock()

	if promised {
		done := make(chan struct{})
		c.box.Push(native.NewRenderAllFormats(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(s.renderTimeout):
			slog.Warn("memclip: render-all not answered", "window", c.name)
		}
	}

	s.mu.Lock()
	c.closed = true
	delete(s.conns, c.win)
	if s.lockedBy == c {
		s.lockedBy = nil
		s.openFor = 0
	}
	if s.owner == c.win {
		s.freeEntriesLocked(func(e entry) bool { return e.h != 0 })
		s.owner = 0
		s.changedAt = s.now()
		s.notifyLocked()
	}
	s.mu.Unlock()

	c.box.Close()
	return nil
}
