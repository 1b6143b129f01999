package native

import "sync"

// Mailbox is an unbounded event queue with a channel on the receiving end.
// Push never blocks, so a window procedure or a requester holding the
// service lock can post without waiting for the worker.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// NewMailbox starts the delivery goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// Push enqueues ev. After Close the event is dropped: render requests are
// declined and render-all requests are released.
func (m *Mailbox) Push(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		drop(ev)
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Events returns the receive side. It is closed once Close has been called
// and the delivery goroutine has stopped.
func (m *Mailbox) Events() <-chan Event { return m.out }

// Close stops delivery. Undelivered events are dropped as in Push.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mailbox) pump() {
	defer func() {
		m.mu.Lock()
		rest := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, ev := range rest {
			drop(ev)
		}
		close(m.out)
	}()
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		ev := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			drop(ev)
			return
		}
	}
}

// drop answers ev so nobody waits on an event that will not be delivered.
func drop(ev Event) {
	switch e := ev.(type) {
	case *RenderFormat:
		e.Decline()
	case *RenderAllFormats:
		e.Done()
	}
}
