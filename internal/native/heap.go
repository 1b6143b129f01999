package native

import (
	"bytes"
	"sync"
)

// Heap is a process-local Memory. Backends without OS global memory use it,
// and it keeps the counters tests need to prove every block is freed once.
type Heap struct {
	mu     sync.Mutex
	next   Handle
	blocks map[Handle][]byte
	freed  map[Handle]struct{}
	limit  int
	stats  HeapStats
}

// HeapStats is a snapshot of Heap accounting.
type HeapStats struct {
	Allocs      int
	Frees       int
	DoubleFrees int
	Live        int
}

// NewHeap returns an empty heap. Blocks larger than limit bytes fail with
// ErrNotEnoughMemory; zero means no limit.
func NewHeap(limit int) *Heap {
	return &Heap{
		next:   0x1000,
		blocks: make(map[Handle][]byte),
		freed:  make(map[Handle]struct{}),
		limit:  limit,
	}
}

// Alloc implements Memory.
func (m *Heap) Alloc(data []byte) (Handle, error) {
	if m.limit > 0 && len(data) > m.limit {
		return 0, ErrNotEnoughMemory
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next += 0x10
	h := m.next
	m.blocks[h] = bytes.Clone(data)
	m.stats.Allocs++
	return h, nil
}

// Read implements Memory.
func (m *Heap) Read(h Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return bytes.Clone(b), nil
}

// Free implements Memory.
func (m *Heap) Free(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[h]; !ok {
		if _, was := m.freed[h]; was {
			m.stats.DoubleFrees++
		}
		return ErrInvalidHandle
	}
	delete(m.blocks, h)
	m.freed[h] = struct{}{}
	m.stats.Frees++
	return nil
}

// Stats returns the current counters.
func (m *Heap) Stats() HeapStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Live = len(m.blocks)
	return s
}
