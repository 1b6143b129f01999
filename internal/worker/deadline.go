package worker

import "time"

// Default timings. The render timeout is kept below the native service's own
// 30 second wait so a late answer is still accepted on the native side.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRenderTimeout = 29 * time.Second
	DefaultRetryInterval = time.Second
	DefaultRetryCapacity = 256
)

// Deadline is fixed when a request is submitted and never moves.
type Deadline struct {
	Start time.Time
	End   time.Time
}

// NewDeadline starts a deadline at now.
func NewDeadline(now time.Time, timeout time.Duration) Deadline {
	return Deadline{Start: now, End: now.Add(timeout)}
}

// Expired reports whether now is past the end.
func (d Deadline) Expired(now time.Time) bool { return now.After(d.End) }
