//go:build windows

// Package win32 drives the Windows clipboard through user32 and kernel32.
//
// A message-only window lives on its own locked OS thread and receives
// clipboard notifications. WM_RENDERFORMAT and WM_RENDERALLFORMATS are turned
// into events and the window thread waits for the answer, because
// SetClipboardData for a render request must be called from the thread that
// received it. Every other call is made on the caller's thread, which for
// clipd is the worker.
package win32

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

// renderTimeout matches the system's own wait for WM_RENDERFORMAT.
const renderTimeout = 30 * time.Second

const className = "ClipdClipboardWindow"

var (
	classOnce sync.Once
	classErr  error
	wndProcCb = windows.NewCallback(wndProc)

	windowsMu sync.Mutex
	byHandle  = make(map[uintptr]*Clipboard)
)

// Clipboard implements native.Clipboard on the Windows clipboard.
type Clipboard struct {
	hwnd uintptr
	box  *native.Mailbox
	done chan struct{}
	once sync.Once
}

var _ native.Clipboard = (*Clipboard)(nil)

// New creates the clipboard window and starts its message loop.
func New() (*Clipboard, error) {
	c := &Clipboard{box: native.NewMailbox(), done: make(chan struct{})}
	ready := make(chan error, 1)
	go c.pump(ready)
	if err := <-ready; err != nil {
		c.box.Close()
		return nil, err
	}
	return c, nil
}

func (c *Clipboard) pump(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	hwnd, err := createWindow()
	if err != nil {
		ready <- err
		return
	}
	windowsMu.Lock()
	byHandle[hwnd] = c
	windowsMu.Unlock()
	c.hwnd = hwnd
	if r, _, err := _AddClipboardFormatListener.Call(hwnd); r == 0 {
		slog.Warn("win32: clipboard listener", "err", callError("AddClipboardFormatListener", err))
	}
	ready <- nil

	var m msg
	for {
		r, _, _ := _GetMessage.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			return
		}
		_, _, _ = _TranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		_, _, _ = _DispatchMessage.Call(uintptr(unsafe.Pointer(&m)))
	}
}

func createWindow() (uintptr, error) {
	inst, _, err := _GetModuleHandle.Call(0)
	if inst == 0 {
		return 0, callError("GetModuleHandleW", err)
	}
	name, _ := windows.UTF16PtrFromString(className)
	classOnce.Do(func() {
		wc := wndClassEx{
			lpfnWndProc:   wndProcCb,
			hInstance:     windows.Handle(inst),
			lpszClassName: name,
		}
		wc.cbSize = uint32(unsafe.Sizeof(wc))
		if r, _, err := _RegisterClassEx.Call(uintptr(unsafe.Pointer(&wc))); r == 0 {
			classErr = callError("RegisterClassExW", err)
		}
	})
	if classErr != nil {
		return 0, classErr
	}
	empty, _ := windows.UTF16PtrFromString("")
	hwnd, _, err := _CreateWindowEx.Call(0,
		uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(empty)),
		0, 0, 0, 0, 0,
		hwndMessage, 0, inst, 0)
	if hwnd == 0 {
		return 0, callError("CreateWindowExW", err)
	}
	return hwnd, nil
}

func wndProc(hwnd uintptr, m uint32, wParam, lParam uintptr) uintptr {
	windowsMu.Lock()
	c := byHandle[hwnd]
	windowsMu.Unlock()
	if c == nil {
		r, _, _ := _DefWindowProc.Call(hwnd, uintptr(m), wParam, lParam)
		return r
	}

	switch m {
	case wmClipboardUpdate:
		c.box.Push(native.OwnerChanged{Owner: native.Window(clipboardOwner()), At: time.Now()})
		return 0
	case wmRenderFormat:
		c.renderFormat(format.ID(wParam))
		return 0
	case wmRenderAllFormats:
		c.renderAll()
		return 0
	case wmStop:
		_, _, _ = _RemoveClipboardFormatListener.Call(hwnd)
		_, _, _ = _DestroyWindow.Call(hwnd)
		return 0
	case wmDestroy:
		windowsMu.Lock()
		delete(byHandle, hwnd)
		windowsMu.Unlock()
		_, _, _ = _PostQuitMessage.Call(0)
		return 0
	}
	r, _, _ := _DefWindowProc.Call(hwnd, uintptr(m), wParam, lParam)
	return r
}

// Render request states.
const (
	renderWaiting int32 = iota
	renderAnswered
	renderAbandoned
)

// renderFormat runs on the window thread. It waits for the worker's answer
// and places it with SetClipboardData from this thread.
func (c *Clipboard) renderFormat(id format.ID) {
	var state atomic.Int32
	reply := make(chan native.Handle, 1)
	result := make(chan error, 1)
	ev := native.NewRenderFormat(id,
		func(h native.Handle) error {
			if !state.CompareAndSwap(renderWaiting, renderAnswered) {
				return native.ErrTimeout
			}
			reply <- h
			return <-result
		},
		func() {
			if state.CompareAndSwap(renderWaiting, renderAnswered) {
				reply <- 0
			}
		},
	)
	c.box.Push(ev)

	timer := time.NewTimer(renderTimeout)
	defer timer.Stop()
	var h native.Handle
	select {
	case h = <-reply:
	case <-timer.C:
		if state.CompareAndSwap(renderWaiting, renderAbandoned) {
			slog.Warn("win32: render request not answered", "format", id)
			return
		}
		h = <-reply
	}
	if h == 0 {
		result <- nil
		return
	}
	result <- setClipboardData(uint32(id), uintptr(h))
}

// renderAll runs on the window thread while it is being destroyed.
func (c *Clipboard) renderAll() {
	done := make(chan struct{})
	c.box.Push(native.NewRenderAllFormats(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(renderTimeout):
		slog.Warn("win32: render-all request not answered")
	}
}

func (c *Clipboard) Name() string                { return "win32" }
func (c *Clipboard) Window() native.Window       { return native.Window(c.hwnd) }
func (c *Clipboard) Events() <-chan native.Event { return c.box.Events() }

func (c *Clipboard) Alloc(data []byte) (native.Handle, error) {
	h, err := globalAlloc(data)
	return native.Handle(h), err
}

func (c *Clipboard) Read(h native.Handle) ([]byte, error) { return globalRead(uintptr(h)) }
func (c *Clipboard) Free(h native.Handle) error           { return globalFree(uintptr(h)) }

func (c *Clipboard) RegisterFormat(name string) (format.ID, error) {
	id, err := registerClipboardFormat(name)
	return format.ID(id), err
}

func (c *Clipboard) Open(target native.Window) error { return openClipboard(uintptr(target)) }
func (c *Clipboard) Close() error                    { return closeClipboard() }
func (c *Clipboard) Empty() error                    { return emptyClipboard() }

func (c *Clipboard) SetData(id format.ID, h native.Handle) error {
	return setClipboardData(uint32(id), uintptr(h))
}

func (c *Clipboard) Data(id format.ID) (native.Handle, error) {
	h, err := getClipboardData(uint32(id))
	return native.Handle(h), err
}

func (c *Clipboard) Formats() ([]format.ID, error) {
	raw, err := enumClipboardFormats()
	if err != nil {
		return nil, err
	}
	ids := make([]format.ID, len(raw))
	for i, f := range raw {
		ids[i] = format.ID(f)
	}
	return ids, nil
}

func (c *Clipboard) Owner() native.Window   { return native.Window(clipboardOwner()) }
func (c *Clipboard) SequenceNumber() uint32 { return clipboardSequenceNumber() }

// Shutdown destroys the window, which makes Windows ask for every promised
// format first, and waits for the message loop to exit.
func (c *Clipboard) Shutdown() error {
	var err error
	c.once.Do(func() {
		if r, _, perr := _PostMessage.Call(c.hwnd, wmStop, 0, 0); r == 0 {
			err = callError("PostMessageW", perr)
			return
		}
		<-c.done
		c.box.Close()
	})
	if err != nil && !errors.Is(err, native.ErrInvalidWindow) {
		return err
	}
	return nil
}
