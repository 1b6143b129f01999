package worker

import (
	"sync/atomic"
	"time"

	"go.klb.dev/clipd/internal/native"
)

// OwnershipState is the last observed clipboard owner. ChangedAt moves only
// when ownership passes to another window; taking ownership ourselves does
// not invalidate our own queued requests.
type OwnershipState struct {
	Owner      native.Window
	Self       bool
	Generation uint64
	ChangedAt  time.Time
}

// ownershipTracker is written by the worker only. Other goroutines read the
// published snapshot.
type ownershipTracker struct {
	self  native.Window
	state OwnershipState
	snap  atomic.Pointer[OwnershipState]
}

func newOwnershipTracker(self, owner native.Window) *ownershipTracker {
	t := &ownershipTracker{self: self}
	t.state = OwnershipState{Owner: owner, Self: owner != 0 && owner == self}
	t.publish()
	return t
}

// observe records owner and reports whether it differs from the last one.
func (t *ownershipTracker) observe(owner native.Window, now time.Time) bool {
	if owner == t.state.Owner {
		return false
	}
	t.state.Owner = owner
	t.state.Self = owner != 0 && owner == t.self
	t.state.Generation++
	if !t.state.Self {
		t.state.ChangedAt = now
	}
	t.publish()
	return true
}

// invalidates reports whether ownership changed after start.
func (t *ownershipTracker) invalidates(start time.Time) bool {
	return t.state.ChangedAt.After(start)
}

func (t *ownershipTracker) publish() {
	s := t.state
	t.snap.Store(&s)
}

func (t *ownershipTracker) load() OwnershipState { return *t.snap.Load() }
