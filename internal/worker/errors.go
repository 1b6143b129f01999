package worker

import (
	"errors"
	"strings"

	"go.klb.dev/clipd/internal/native"
)

// Kind classifies a request failure.
type Kind int

const (
	KindLockTimeout Kind = iota + 1
	KindOwnershipChanged
	KindContentChanged
	KindOSCallFailed
	KindNoCompatibleFormat
	KindAllocationFailed
	KindRenderTimeout
	KindRenderFailed
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindLockTimeout:
		return "timed out waiting for the clipboard lock"
	case KindOwnershipChanged:
		return "clipboard ownership changed"
	case KindContentChanged:
		return "clipboard data changed"
	case KindOSCallFailed:
		return "native call failed"
	case KindNoCompatibleFormat:
		return "no compatible format on the clipboard"
	case KindAllocationFailed:
		return "allocation failed"
	case KindRenderTimeout:
		return "render timed out"
	case KindRenderFailed:
		return "render failed"
	case KindStopped:
		return "clipboard worker stopped"
	}
	return "unknown failure"
}

// Error is the failure reported through every completion handle. Only lock
// contention is ever retried; everything that reaches an Error is final.
type Error struct {
	Kind Kind
	Op   string       // advertise, retrieve, store or render; empty for sentinels
	Call string       // native call that failed
	Code native.Errno // raw OS code, when known
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrLockTimeout        = &Error{Kind: KindLockTimeout}
	ErrOwnershipChanged   = &Error{Kind: KindOwnershipChanged}
	ErrContentChanged     = &Error{Kind: KindContentChanged}
	ErrOSCallFailed       = &Error{Kind: KindOSCallFailed}
	ErrNoCompatibleFormat = &Error{Kind: KindNoCompatibleFormat}
	ErrAllocationFailed   = &Error{Kind: KindAllocationFailed}
	ErrRenderTimeout      = &Error{Kind: KindRenderTimeout}
	ErrRenderFailed       = &Error{Kind: KindRenderFailed}
	ErrStopped            = &Error{Kind: KindStopped}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Call != "" {
		b.WriteString(" (")
		b.WriteString(e.Call)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Kind == e.Kind
}

func newError(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// osError wraps a failed native call, keeping the raw code. Out-of-memory
// codes become KindAllocationFailed.
func osError(op, call string, err error) *Error {
	e := &Error{Kind: KindOSCallFailed, Op: op, Call: call, Err: err}
	var code native.Errno
	if errors.As(err, &code) {
		e.Code = code
		if code == native.ErrNotEnoughMemory {
			e.Kind = KindAllocationFailed
		}
	}
	return e
}
