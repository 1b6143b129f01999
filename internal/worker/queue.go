package worker

import "sync"

// requestQueue is the unbounded multi-producer queue the worker drains.
// Pushing signals wake; closing it is the shutdown pill.
type requestQueue struct {
	mu     sync.Mutex
	items  []request
	closed bool
	wake   chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

// push appends r. It returns false once the queue is closed.
func (q *requestQueue) push(r request) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *requestQueue) pop() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r, true
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signal wakes the worker without queueing anything.
func (q *requestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *requestQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *requestQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drain removes and returns everything still queued.
func (q *requestQueue) drain() []request {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// retryList holds requests that lost the lock, oldest first. It is owned by
// the worker goroutine. When full the worker stops taking new requests off
// the queue; nothing is dropped.
type retryList struct {
	items []request
	max   int
}

func (l *retryList) len() int       { return len(l.items) }
func (l *retryList) full() bool     { return len(l.items) >= l.max }
func (l *retryList) front() request { return l.items[0] }
func (l *retryList) push(r request) { l.items = append(l.items, r) }
func (l *retryList) popFront() {
	l.items[0] = nil
	l.items = l.items[1:]
}
