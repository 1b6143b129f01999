//go:build !windows

package sysclip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.design/x/clipboard"

	"go.klb.dev/clipd/internal/native"
)

type fakeSystem struct {
	mu      sync.Mutex
	current map[clipboard.Format][]byte
	writes  []string
	watches map[clipboard.Format]chan []byte
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		current: make(map[clipboard.Format][]byte),
		watches: make(map[clipboard.Format]chan []byte),
	}
}

func (f *fakeSystem) Read(t clipboard.Format) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[t]
}

func (f *fakeSystem) Write(t clipboard.Format, buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[t] = buf
	f.writes = append(f.writes, string(buf))
}

func (f *fakeSystem) Watch(ctx context.Context, t clipboard.Format) <-chan []byte {
	ch := make(chan []byte)
	f.mu.Lock()
	f.watches[t] = ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watches, t)
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

// emit simulates another application changing the clipboard.
func (f *fakeSystem) emit(t *testing.T, format clipboard.Format, data string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.watches[format] != nil
	}, time.Second, time.Millisecond)
	f.mu.Lock()
	ch := f.watches[format]
	f.mu.Unlock()
	ch <- []byte(data)
}

func (f *fakeSystem) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func nextEvent(t *testing.T, c *Clipboard) native.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func readText(t *testing.T, c *Clipboard) string {
	t.Helper()
	require.NoError(t, c.Open(c.Window()))
	defer c.Close()
	h, err := c.Data(c.textID)
	require.NoError(t, err)
	data, err := c.Read(h)
	require.NoError(t, err)
	return string(data)
}

func TestSeedsFromSystemClipboard(t *testing.T) {
	sys := newFakeSystem()
	sys.current[clipboard.FmtText] = []byte("already there")
	c := newClipboard(sys)
	defer c.Shutdown()

	assert.Equal(t, externalWindow, c.Owner())
	assert.Equal(t, "system", c.Name())
	assert.Equal(t, "already there", readText(t, c))
}

func TestExternalChangeTakesOwnership(t *testing.T) {
	sys := newFakeSystem()
	c := newClipboard(sys)
	defer c.Shutdown()
	seq := c.SequenceNumber()

	sys.emit(t, clipboard.FmtText, "from elsewhere")
	ev, ok := nextEvent(t, c).(native.OwnerChanged)
	require.True(t, ok)
	assert.Equal(t, externalWindow, ev.Owner)
	assert.Greater(t, c.SequenceNumber(), seq)
	assert.Equal(t, "from elsewhere", readText(t, c))
}

func TestPromisedTextIsRenderedAndWrittenThrough(t *testing.T) {
	sys := newFakeSystem()
	c := newClipboard(sys)
	defer c.Shutdown()

	require.NoError(t, c.Open(c.Window()))
	require.NoError(t, c.Empty())
	require.NoError(t, c.SetData(c.textID, 0))
	require.NoError(t, c.Close())

	ev, ok := nextEvent(t, c).(native.OwnerChanged)
	require.True(t, ok)
	assert.Equal(t, selfWindow, ev.Owner)

	r, ok := nextEvent(t, c).(*native.RenderFormat)
	require.True(t, ok)
	assert.Equal(t, c.textID, r.Format)
	h, err := c.Alloc([]byte("lazy"))
	require.NoError(t, err)
	require.NoError(t, r.Provide(h))
	assert.Equal(t, []string{"lazy"}, sys.Writes())

	// The echo of our own write does not look like an external change.
	sys.emit(t, clipboard.FmtText, "lazy")
	assert.Never(t, func() bool { return c.Owner() != selfWindow }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "lazy", readText(t, c))
}

func TestHeadlessKeepsPromisesPrivate(t *testing.T) {
	c := newClipboard(nil)
	defer func() {
		go func() {
			for ev := range c.Events() {
				if r, ok := ev.(*native.RenderAllFormats); ok {
					r.Done()
					return
				}
			}
		}()
		assert.NoError(t, c.Shutdown())
	}()
	assert.Equal(t, "headless", c.Name())

	require.NoError(t, c.Open(c.Window()))
	require.True(t, errors.Is(c.Open(c.Window()), native.ErrAccessDenied))
	require.NoError(t, c.Empty())
	require.NoError(t, c.SetData(c.textID, 0))
	require.NoError(t, c.Close())

	_, ok := nextEvent(t, c).(native.OwnerChanged)
	require.True(t, ok)
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
