//go:build windows

package win32

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"go.klb.dev/clipd/internal/native"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	_AddClipboardFormatListener    = user32.NewProc("AddClipboardFormatListener")
	_CloseClipboard                = user32.NewProc("CloseClipboard")
	_CreateWindowEx                = user32.NewProc("CreateWindowExW")
	_DefWindowProc                 = user32.NewProc("DefWindowProcW")
	_DestroyWindow                 = user32.NewProc("DestroyWindow")
	_DispatchMessage               = user32.NewProc("DispatchMessageW")
	_EmptyClipboard                = user32.NewProc("EmptyClipboard")
	_EnumClipboardFormats          = user32.NewProc("EnumClipboardFormats")
	_GetClipboardData              = user32.NewProc("GetClipboardData")
	_GetClipboardOwner             = user32.NewProc("GetClipboardOwner")
	_GetClipboardSequenceNumber    = user32.NewProc("GetClipboardSequenceNumber")
	_GetMessage                    = user32.NewProc("GetMessageW")
	_OpenClipboard                 = user32.NewProc("OpenClipboard")
	_PostMessage                   = user32.NewProc("PostMessageW")
	_PostQuitMessage               = user32.NewProc("PostQuitMessage")
	_RegisterClassEx               = user32.NewProc("RegisterClassExW")
	_RegisterClipboardFormat       = user32.NewProc("RegisterClipboardFormatW")
	_RemoveClipboardFormatListener = user32.NewProc("RemoveClipboardFormatListener")
	_SetClipboardData              = user32.NewProc("SetClipboardData")
	_TranslateMessage              = user32.NewProc("TranslateMessage")

	_GetModuleHandle = kernel32.NewProc("GetModuleHandleW")
	_GlobalAlloc     = kernel32.NewProc("GlobalAlloc")
	_GlobalFree      = kernel32.NewProc("GlobalFree")
	_GlobalLock      = kernel32.NewProc("GlobalLock")
	_GlobalSize      = kernel32.NewProc("GlobalSize")
	_GlobalUnlock    = kernel32.NewProc("GlobalUnlock")
)

const (
	wmDestroy          = 0x0002
	wmRenderFormat     = 0x0305
	wmRenderAllFormats = 0x0306
	wmClipboardUpdate  = 0x031D
	wmUser             = 0x0400
	wmStop             = wmUser + 1

	gmemMoveable = 0x0002

	hwndMessage = ^uintptr(2) // (HWND)-3
)

type wndClassEx struct {
	cbSize        uint32
	style         uint32
	lpfnWndProc   uintptr
	cbClsExtra    int32
	cbWndExtra    int32
	hInstance     windows.Handle
	hIcon         windows.Handle
	hCursor       windows.Handle
	hbrBackground windows.Handle
	lpszMenuName  *uint16
	lpszClassName *uint16
	hIconSm       windows.Handle
}

type point struct{ x, y int32 }

type msg struct {
	hwnd     windows.HWND
	message  uint32
	wParam   uintptr
	lParam   uintptr
	time     uint32
	pt       point
	lPrivate uint32
}

// callError turns the error from a failed proc call into a native.Errno
// when the OS set one.
func callError(call string, err error) error {
	var errno windows.Errno
	if errors.As(err, &errno) && errno != 0 {
		return native.Errno(errno)
	}
	return fmt.Errorf("%s failed", call)
}

func openClipboard(hwnd uintptr) error {
	if r, _, err := _OpenClipboard.Call(hwnd); r == 0 {
		return callError("OpenClipboard", err)
	}
	return nil
}

func closeClipboard() error {
	if r, _, err := _CloseClipboard.Call(); r == 0 {
		return callError("CloseClipboard", err)
	}
	return nil
}

func emptyClipboard() error {
	if r, _, err := _EmptyClipboard.Call(); r == 0 {
		return callError("EmptyClipboard", err)
	}
	return nil
}

func setClipboardData(id uint32, h uintptr) error {
	r, _, err := _SetClipboardData.Call(uintptr(id), h)
	// A promise legitimately returns NULL.
	if r == 0 && h != 0 {
		return callError("SetClipboardData", err)
	}
	return nil
}

func getClipboardData(id uint32) (uintptr, error) {
	r, _, err := _GetClipboardData.Call(uintptr(id))
	if r == 0 {
		return 0, callError("GetClipboardData", err)
	}
	return r, nil
}

func enumClipboardFormats() ([]uint32, error) {
	var out []uint32
	var f uintptr
	for {
		r, _, err := _EnumClipboardFormats.Call(f)
		if r == 0 {
			var errno windows.Errno
			if errors.As(err, &errno) && errno != 0 {
				return nil, native.Errno(errno)
			}
			return out, nil
		}
		out = append(out, uint32(r))
		f = r
	}
}

func clipboardOwner() uintptr {
	r, _, _ := _GetClipboardOwner.Call()
	return r
}

func clipboardSequenceNumber() uint32 {
	r, _, _ := _GetClipboardSequenceNumber.Call()
	return uint32(r)
}

func registerClipboardFormat(name string) (uint32, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	r, _, err := _RegisterClipboardFormat.Call(uintptr(unsafe.Pointer(p)))
	if r == 0 {
		return 0, callError("RegisterClipboardFormatW", err)
	}
	return uint32(r), nil
}

func globalAlloc(data []byte) (uintptr, error) {
	size := len(data)
	if size == 0 {
		size = 1
	}
	h, _, err := _GlobalAlloc.Call(gmemMoveable, uintptr(size))
	if h == 0 {
		return 0, callError("GlobalAlloc", err)
	}
	p, _, err := _GlobalLock.Call(h)
	if p == 0 {
		_, _, _ = _GlobalFree.Call(h)
		return 0, callError("GlobalLock", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), size), data)
	_, _, _ = _GlobalUnlock.Call(h)
	return h, nil
}

func globalRead(h uintptr) ([]byte, error) {
	size, _, err := _GlobalSize.Call(h)
	if size == 0 {
		return nil, callError("GlobalSize", err)
	}
	p, _, err := _GlobalLock.Call(h)
	if p == 0 {
		return nil, callError("GlobalLock", err)
	}
	defer func() { _, _, _ = _GlobalUnlock.Call(h) }()
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(p)), size))
	return out, nil
}

func globalFree(h uintptr) error {
	if r, _, err := _GlobalFree.Call(h); r != 0 {
		return callError("GlobalFree", err)
	}
	return nil
}
