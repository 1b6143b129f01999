package memclip

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/native"
)

func nextEvent(t *testing.T, c *Conn) native.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := New()
	a, b := s.Connect("a"), s.Connect("b")

	require.NoError(t, a.Open(a.Window()))
	assert.True(t, errors.Is(b.Open(b.Window()), native.ErrAccessDenied))
	require.NoError(t, a.Close())
	require.NoError(t, b.Open(0))
	require.NoError(t, b.Close())
	assert.True(t, errors.Is(b.Close(), native.ErrClipboardNotOpen))
	assert.Equal(t, 3, a.Opens()+b.Opens())
}

func TestEmptyTransfersOwnershipAndNotifies(t *testing.T) {
	s := New()
	a, b := s.Connect("a"), s.Connect("b")

	seq := a.SequenceNumber()
	require.NoError(t, a.Open(a.Window()))
	require.NoError(t, a.Empty())
	h, err := a.Alloc([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, a.SetData(format.CFText, h))
	require.NoError(t, a.Close())

	assert.Equal(t, a.Window(), b.Owner())
	assert.Greater(t, b.SequenceNumber(), seq)
	ev, ok := nextEvent(t, b).(native.OwnerChanged)
	require.True(t, ok)
	assert.Equal(t, a.Window(), ev.Owner)
	assert.False(t, ev.At.IsZero())
	ev, ok = nextEvent(t, a).(native.OwnerChanged)
	require.True(t, ok)
	assert.Equal(t, a.Window(), ev.Owner)
	assert.Equal(t, 1, s.Held())
}

func TestDelayedRenderingAsksOwner(t *testing.T) {
	s := New()
	owner, reader := s.Connect("owner"), s.Connect("reader")

	require.NoError(t, owner.Open(owner.Window()))
	require.NoError(t, owner.Empty())
	require.NoError(t, owner.SetData(format.CFUnicodeText, 0))
	require.NoError(t, owner.Close())
	nextEvent(t, owner) // own update

	go func() {
		for ev := range owner.Events() {
			if r, ok := ev.(*native.RenderFormat); ok {
				h, _ := owner.Alloc([]byte("rendered"))
				_ = r.Provide(h)
				return
			}
		}
	}()

	require.NoError(t, reader.Open(reader.Window()))
	ids, err := reader.Formats()
	require.NoError(t, err)
	assert.Equal(t, []format.ID{format.CFUnicodeText}, ids)

	h, err := reader.Data(format.CFUnicodeText)
	require.NoError(t, err)
	data, err := reader.Read(h)
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(data))
	require.NoError(t, reader.Close())
}

func TestDelayedRenderingTimesOut(t *testing.T) {
	s := New(WithRenderTimeout(20 * time.Millisecond))
	owner, reader := s.Connect("owner"), s.Connect("reader")

	require.NoError(t, owner.Open(owner.Window()))
	require.NoError(t, owner.Empty())
	require.NoError(t, owner.SetData(format.CFText, 0))
	require.NoError(t, owner.Close())

	require.NoError(t, reader.Open(reader.Window()))
	_, err := reader.Data(format.CFText)
	assert.True(t, errors.Is(err, native.ErrTimeout))
	require.NoError(t, reader.Close())

	// A late answer is refused and the block stays with the caller.
	for ev := range owner.Events() {
		if r, ok := ev.(*native.RenderFormat); ok {
			h, _ := owner.Alloc([]byte("late"))
			assert.Error(t, r.Provide(h))
			require.NoError(t, owner.Free(h))
			break
		}
	}
}

func TestShutdownRequestsRenderAll(t *testing.T) {
	s := New()
	owner, reader := s.Connect("owner"), s.Connect("reader")

	require.NoError(t, owner.Open(owner.Window()))
	require.NoError(t, owner.Empty())
	require.NoError(t, owner.SetData(format.CFText, 0))
	require.NoError(t, owner.SetData(format.CFUnicodeText, 0))
	require.NoError(t, owner.Close())

	go func() {
		for ev := range owner.Events() {
			if r, ok := ev.(*native.RenderAllFormats); ok {
				_ = owner.Open(owner.Window())
				h, _ := owner.Alloc([]byte("kept"))
				_ = owner.SetData(format.CFText, h)
				_ = owner.Close()
				r.Done()
				return
			}
		}
	}()
	require.NoError(t, owner.Shutdown())

	require.NoError(t, reader.Open(reader.Window()))
	ids, err := reader.Formats()
	require.NoError(t, err)
	assert.Equal(t, []format.ID{format.CFText}, ids)
	require.NoError(t, reader.Close())
	assert.Zero(t, reader.Owner())
}

func TestRegisterFormatIsStable(t *testing.T) {
	s := New()
	a, b := s.Connect("a"), s.Connect("b")
	id1, err := a.RegisterFormat("image/png")
	require.NoError(t, err)
	id2, err := b.RegisterFormat("image/png")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, id1.Registered())
}
