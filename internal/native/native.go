// Package native defines the boundary between clipd and an OS clipboard
// service: a single-owner, lock-based store of typed data blocks that can
// promise data and render it later on request.
//
// Backends:
//
//	memclip/  in-process simulation (tests, headless hosts)
//	sysclip/  golang.design/x/clipboard on macOS and Linux
//	win32/    the Win32 clipboard via golang.org/x/sys/windows
package native

import (
	"fmt"

	"go.klb.dev/clipd/internal/format"
)

// Window identifies a clipboard owner or lock holder. Zero means none.
type Window uintptr

// Handle is an opaque native memory handle. Zero means no data.
type Handle uintptr

// Errno is a raw OS error code.
type Errno uint32

// Well-known OS error codes.
const (
	ErrAccessDenied     Errno = 5    // lock held by someone else
	ErrInvalidHandle    Errno = 6    // unknown or already freed handle
	ErrNotEnoughMemory  Errno = 8    // allocation failed
	ErrInvalidParameter Errno = 87   // bad format or argument
	ErrNotFound         Errno = 1168 // format not on the clipboard
	ErrClipboardNotOpen Errno = 1418 // operation needs the lock
	ErrInvalidWindow    Errno = 1400 // owner window went away
	ErrTimeout          Errno = 1460 // render request not answered
)

func (e Errno) Error() string {
	switch e {
	case ErrAccessDenied:
		return "access denied"
	case ErrInvalidHandle:
		return "invalid handle"
	case ErrNotEnoughMemory:
		return "not enough memory"
	case ErrNotFound:
		return "format not found"
	case ErrClipboardNotOpen:
		return "clipboard not open"
	case ErrInvalidWindow:
		return "invalid window"
	case ErrTimeout:
		return "timeout"
	}
	return fmt.Sprintf("native error %d", uint32(e))
}

// Memory allocates and reads native data blocks.
type Memory interface {
	// Alloc copies data into a new native block.
	Alloc(data []byte) (Handle, error)
	// Read copies the contents of h. The block stays locked only for the
	// duration of the call.
	Read(h Handle) ([]byte, error)
	// Free releases a block this process still owns.
	Free(h Handle) error
}

// Clipboard is one window's view of the native clipboard service.
//
// Open/Close take and release the advisory clipboard lock. Empty, SetData,
// Data and Formats require the lock, except that SetData may be called from a
// RenderFormat reply. Events delivers owner changes and render requests for
// this window; it must be drained.
type Clipboard interface {
	Memory
	format.Registrar

	Name() string
	// Window is the identity this process uses as owner and lock holder.
	Window() Window

	// Open takes the lock on behalf of target (zero is allowed). Returns
	// ErrAccessDenied while another window holds it.
	Open(target Window) error
	Close() error

	// Empty clears the clipboard and makes the current open target the owner.
	Empty() error
	// SetData places h under id. A zero h promises the data for later. On
	// success the clipboard owns h.
	SetData(id format.ID, h Handle) error
	// Data returns the clipboard-owned handle for id, asking the owner to
	// render it when it was promised.
	Data(id format.ID) (Handle, error)
	// Formats lists formats in the order the clipboard enumerates them.
	Formats() ([]format.ID, error)

	Owner() Window
	SequenceNumber() uint32

	Events() <-chan Event
	// Shutdown detaches the window. A current owner with promised formats is
	// first asked to render them all.
	Shutdown() error
}
