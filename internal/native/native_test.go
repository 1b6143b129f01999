package native

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipd/internal/format"
)

func TestOwnedReleaseOnce(t *testing.T) {
	heap := NewHeap(0)
	h, err := heap.Alloc([]byte("x"))
	require.NoError(t, err)

	o := Own(heap, h)
	require.True(t, o.Live())
	require.NoError(t, o.Release())
	require.NoError(t, o.Release())
	assert.False(t, o.Live())

	s := heap.Stats()
	assert.Equal(t, 1, s.Frees)
	assert.Equal(t, 0, s.DoubleFrees)
	assert.Equal(t, 0, s.Live)
}

func TestOwnedTransferSkipsRelease(t *testing.T) {
	heap := NewHeap(0)
	h, err := heap.Alloc([]byte("x"))
	require.NoError(t, err)

	o := Own(heap, h)
	assert.Equal(t, h, o.Transfer())
	require.NoError(t, o.Release())
	assert.Equal(t, 1, heap.Stats().Live)

	var nilOwned *Owned
	assert.NoError(t, nilOwned.Release())
	assert.Zero(t, nilOwned.Handle())
}

func TestHeapDetectsDoubleFree(t *testing.T) {
	heap := NewHeap(4)
	h, err := heap.Alloc([]byte("abcd"))
	require.NoError(t, err)

	data, err := heap.Read(h)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	require.NoError(t, heap.Free(h))
	assert.True(t, errors.Is(heap.Free(h), ErrInvalidHandle))
	assert.Equal(t, 1, heap.Stats().DoubleFrees)

	_, err = heap.Alloc([]byte("abcde"))
	assert.True(t, errors.Is(err, ErrNotEnoughMemory))
}

func TestMailboxDeliversInOrder(t *testing.T) {
	m := NewMailbox()
	defer m.Close()

	for i := 1; i <= 3; i++ {
		m.Push(OwnerChanged{Owner: Window(i)})
	}
	for i := 1; i <= 3; i++ {
		select {
		case ev := <-m.Events():
			assert.Equal(t, OwnerChanged{Owner: Window(i)}, ev)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestMailboxDropsAfterClose(t *testing.T) {
	m := NewMailbox()
	declined := make(chan format.ID, 2)
	decline := func(id format.ID) *RenderFormat {
		return NewRenderFormat(id, func(Handle) error { return nil }, func() { declined <- id })
	}

	// Queued but never received.
	m.Push(decline(1))
	m.Close()
	m.Close()

	released := false
	m.Push(NewRenderAllFormats(func() { released = true }))
	m.Push(decline(2))
	assert.True(t, released)

	got := map[format.ID]bool{}
	for range 2 {
		select {
		case id := <-declined:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("dropped render request not declined")
		}
	}
	assert.Equal(t, map[format.ID]bool{1: true, 2: true}, got)

	select {
	case _, ok := <-m.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel left open")
	}
}

func TestRenderFormatAnswersOnce(t *testing.T) {
	var provided []Handle
	declined := 0
	r := NewRenderFormat(13, func(h Handle) error {
		provided = append(provided, h)
		return nil
	}, func() { declined++ })

	require.NoError(t, r.Provide(7))
	r.Decline()
	assert.True(t, errors.Is(r.Provide(8), ErrTimeout))
	assert.Equal(t, []Handle{7}, provided)
	assert.Zero(t, declined)
}
