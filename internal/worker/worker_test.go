package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipd/internal/format"
	"go.klb.dev/clipd/internal/future"
	"go.klb.dev/clipd/internal/native"
	"go.klb.dev/clipd/internal/native/memclip"
	"go.klb.dev/clipd/internal/runloop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type provider struct {
	content map[format.ContentType]string
	delay   func(call int) time.Duration

	mu    sync.Mutex
	calls int
}

func (p *provider) Render(_ context.Context, ct format.ContentType, w io.Writer) error {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.delay != nil {
		time.Sleep(p.delay(n))
	}
	s, ok := p.content[ct]
	if !ok {
		return errors.New("nothing to render")
	}
	_, err := io.WriteString(w, s)
	return err
}

func (p *provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	svc   *memclip.Service
	conn  *memclip.Conn
	reg   *format.Registry
	w     *Worker
	clock *fakeClock
}

func newHarness(t *testing.T, p ContentProvider, configure func(*Options)) *harness {
	t.Helper()
	clock := newFakeClock()
	svc := memclip.New(memclip.WithClock(clock.Now))
	conn := svc.Connect("worker")
	reg, err := format.NewRegistry(conn)
	require.NoError(t, err)

	loop := runloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	opts := Options{Formats: reg, Now: clock.Now, RetryInterval: 5 * time.Millisecond}
	if configure != nil {
		configure(&opts)
	}
	w, err := Start(conn, loop, p, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		assert.NoError(t, w.Shutdown(sctx))
		cancel()
	})
	return &harness{svc: svc, conn: conn, reg: reg, w: w, clock: clock}
}

func (h *harness) textPairs(t *testing.T) []format.Pair {
	t.Helper()
	pairs, err := h.reg.Pairs([]format.ContentType{format.TextPlainUTF8})
	require.NoError(t, err)
	return pairs
}

func wait[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "request never completed")
	return v, err
}

// fill places data on the clipboard from another window.
func fill(t *testing.T, c *memclip.Conn, entries map[format.ID]string, order ...format.ID) {
	t.Helper()
	require.NoError(t, c.Open(c.Window()))
	require.NoError(t, c.Empty())
	for _, id := range order {
		h, err := c.Alloc([]byte(entries[id]))
		require.NoError(t, err)
		require.NoError(t, c.SetData(id, h))
	}
	require.NoError(t, c.Close())
}

func TestAdvertiseRendersOnDemand(t *testing.T) {
	p := &provider{content: map[format.ContentType]string{format.TextPlainUTF8: "hello"}}
	h := newHarness(t, p, nil)
	pairs := h.textPairs(t)

	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)
	assert.Equal(t, len(pairs), h.w.Stats().Advertised)
	assert.True(t, h.w.Ownership().Self)
	assert.Zero(t, p.Calls(), "advertising moves no data")

	reader := h.svc.Connect("reader")
	require.NoError(t, reader.Open(reader.Window()))
	ids, err := reader.Formats()
	require.NoError(t, err)
	assert.Equal(t, []format.ID{pairs[0].Native, format.CFUnicodeText, format.CFText}, ids)

	hd, err := reader.Data(format.CFUnicodeText)
	require.NoError(t, err)
	raw, err := reader.Read(hd)
	require.NoError(t, err)
	assert.Equal(t, []byte{'h', 0, 'e', 0, 'l', 0, 'l', 0, 'o', 0, 0, 0}, raw)

	hd, err = reader.Data(pairs[0].Native)
	require.NoError(t, err)
	raw, err = reader.Read(hd)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	require.NoError(t, reader.Close())

	st := h.svc.Heap().Stats()
	assert.Equal(t, h.svc.Held(), st.Live)
	assert.Zero(t, st.DoubleFrees)
}

func TestAdvertiseClaimVisibleOnCompletion(t *testing.T) {
	var reported atomic.Int32
	h := newHarness(t, &provider{}, func(o *Options) {
		o.OnOwnerChanged = func(OwnershipState) { reported.Add(1) }
	})
	before := h.w.Ownership()

	_, err := wait(t, h.w.SubmitAdvertise(h.textPairs(t), false))
	require.NoError(t, err)
	st := h.w.Ownership()
	assert.True(t, st.Self)
	assert.Equal(t, h.conn.Window(), st.Owner)
	assert.Equal(t, before.Generation+1, st.Generation)
	assert.Equal(t, before.ChangedAt, st.ChangedAt)

	// The service's own notification arrives later and changes nothing.
	assert.Never(t, func() bool { return h.w.Ownership().Generation != st.Generation },
		100*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, reported.Load())
}

func TestAdvertiseUnsetEmptiesClipboard(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	_, err := wait(t, h.w.SubmitAdvertise(h.textPairs(t), false))
	require.NoError(t, err)

	_, err = wait(t, h.w.SubmitAdvertise(nil, true))
	require.NoError(t, err)
	assert.Zero(t, h.conn.Owner())
	assert.Zero(t, h.w.Stats().Advertised)
}

func TestRetrieveFollowsEnumerationOrder(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	producer := h.svc.Connect("producer")

	var a, b, c format.ID
	for name, id := range map[string]*format.ID{"x-a": &a, "x-b": &b, "x-c": &c} {
		var err error
		*id, err = producer.RegisterFormat(name)
		require.NoError(t, err)
	}
	fill(t, producer, map[format.ID]string{a: "a", b: "b", c: "c"}, a, b, c)

	ct := format.Intern("application/x-test")
	s, err := wait(t, h.w.SubmitRetrieve([]format.Pair{
		{Native: c, Content: ct},
		{Native: b, Content: ct},
	}))
	require.NoError(t, err)
	assert.Equal(t, b, s.Format)
	assert.Equal(t, ct, s.ContentType)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestRetrieveTransmutes(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	producer := h.svc.Connect("producer")
	fill(t, producer, map[format.ID]string{format.CFText: "caf\xe9\r\nbar\x00"}, format.CFText)

	s, err := wait(t, h.w.SubmitRetrieve(h.textPairs(t)))
	require.NoError(t, err)
	assert.Equal(t, format.CFText, s.Format)
	assert.Equal(t, "café\nbar", string(s.Bytes()))
}

func TestRetrieveHandleFormatCopiesHandle(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	producer := h.svc.Connect("producer")
	require.NoError(t, producer.Open(producer.Window()))
	require.NoError(t, producer.Empty())
	hd, err := producer.Alloc([]byte("bitmap bits"))
	require.NoError(t, err)
	require.NoError(t, producer.SetData(format.CFBitmap, hd))
	require.NoError(t, producer.Close())

	s, err := wait(t, h.w.SubmitRetrieve([]format.Pair{
		{Native: format.CFBitmap, Content: format.Intern("image/x-bitmap-handle")},
	}))
	require.NoError(t, err)
	want := make([]byte, 8)
	binary.LittleEndian.PutUint64(want, uint64(hd))
	assert.Equal(t, want[:strconv.IntSize/8], s.Bytes())
}

func TestRetrieveOwnContentRendersLocally(t *testing.T) {
	p := &provider{content: map[format.ContentType]string{format.TextPlainUTF8: "mine"}}
	h := newHarness(t, p, nil)
	pairs := h.textPairs(t)
	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)

	s, err := wait(t, h.w.SubmitRetrieve(pairs))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(s.Bytes()))
	assert.Equal(t, 1, p.Calls())

	// The transient block is gone and the promise is still a promise.
	st := h.svc.Heap().Stats()
	assert.Zero(t, st.Live)
	assert.Zero(t, st.DoubleFrees)
}

func TestRetrieveNoCompatibleFormat(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	producer := h.svc.Connect("producer")
	fill(t, producer, map[format.ID]string{format.CFText: "x\x00"}, format.CFText)

	pairs, err := h.reg.Pairs([]format.ContentType{format.ImagePNG})
	require.NoError(t, err)
	_, err = wait(t, h.w.SubmitRetrieve(pairs))
	assert.ErrorIs(t, err, ErrNoCompatibleFormat)
}

func TestRetrieveContentChanged(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	producer := h.svc.Connect("producer")
	fill(t, producer, map[format.ID]string{format.CFText: "one\x00"}, format.CFText)
	require.Eventually(t, func() bool { return h.w.Ownership().Owner == producer.Window() }, 2*time.Second, time.Millisecond)

	var deny atomic.Bool
	deny.Store(true)
	h.svc.SetOpenHook(func(w native.Window) error {
		if deny.Load() && w == h.conn.Window() {
			return native.ErrAccessDenied
		}
		return nil
	})
	f := h.w.SubmitRetrieve(h.textPairs(t))
	require.Eventually(t, func() bool { return h.w.Stats().Retrying == 1 }, 2*time.Second, time.Millisecond)

	// Same owner, new content.
	fill(t, producer, map[format.ID]string{format.CFText: "two\x00"}, format.CFText)
	deny.Store(false)

	_, err := wait(t, f)
	assert.ErrorIs(t, err, ErrContentChanged)
}

func TestLockContentionRetriesUntilDeadline(t *testing.T) {
	tests := []struct {
		name        string
		denials     int64
		wantDenials int64
		wantErr     error
	}{
		{name: "granted after three denials", denials: 3, wantDenials: 3},
		{name: "deadline passes first", denials: 10, wantDenials: 6, wantErr: ErrLockTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &provider{}, func(o *Options) { o.Timeout = 5 * time.Second })
			var denied atomic.Int64
			h.svc.SetOpenHook(func(w native.Window) error {
				if w != h.conn.Window() || denied.Load() >= tt.denials {
					return nil
				}
				denied.Add(1)
				h.clock.Advance(time.Second)
				return native.ErrAccessDenied
			})

			_, err := wait(t, h.w.SubmitAdvertise(nil, false))
			assert.Equal(t, tt.wantDenials, denied.Load())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, h.conn.Owner())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, h.conn.Window(), h.conn.Owner())
		})
	}
}

func TestExpiredRequestMakesNoNativeCalls(t *testing.T) {
	h := newHarness(t, &provider{}, func(o *Options) { o.Timeout = time.Second })
	h.svc.SetOpenHook(func(w native.Window) error {
		if w == h.conn.Window() {
			h.clock.Advance(2 * time.Second)
			return native.ErrAccessDenied
		}
		return nil
	})
	seq := h.conn.SequenceNumber()

	_, err := wait(t, h.w.SubmitAdvertise(h.textPairs(t), false))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, 1, h.conn.Opens())
	assert.Equal(t, seq, h.conn.SequenceNumber())
	assert.Zero(t, h.conn.Owner())
}

func TestOwnershipChangeFailsPendingWithoutLocking(t *testing.T) {
	changed := make(chan OwnershipState, 1)
	h := newHarness(t, &provider{}, func(o *Options) {
		o.OnOwnerChanged = func(s OwnershipState) { changed <- s }
	})
	var deny atomic.Bool
	deny.Store(true)
	h.svc.SetOpenHook(func(w native.Window) error {
		if deny.Load() && w == h.conn.Window() {
			return native.ErrAccessDenied
		}
		return nil
	})

	f := h.w.SubmitAdvertise(h.textPairs(t), false)
	require.Eventually(t, func() bool { return h.w.Stats().Retrying == 1 }, 2*time.Second, time.Millisecond)

	h.clock.Advance(time.Second)
	other := h.svc.Connect("other")
	fill(t, other, nil)
	require.Eventually(t, func() bool { return h.w.Ownership().Owner == other.Window() }, 2*time.Second, time.Millisecond)
	opens := h.conn.Opens()
	deny.Store(false)

	_, err := wait(t, f)
	assert.ErrorIs(t, err, ErrOwnershipChanged)
	assert.Equal(t, opens, h.conn.Opens())

	select {
	case st := <-changed:
		assert.Equal(t, other.Window(), st.Owner)
		assert.False(t, st.Self)
	case <-time.After(2 * time.Second):
		t.Fatal("owner change not reported")
	}
}

func TestLateRenderIsReleased(t *testing.T) {
	p := &provider{
		content: map[format.ContentType]string{format.TextPlainUTF8: "hello"},
		delay: func(call int) time.Duration {
			if call == 1 {
				return 300 * time.Millisecond
			}
			return 0
		},
	}
	h := newHarness(t, p, func(o *Options) { o.RenderTimeout = 200 * time.Millisecond })
	pairs := h.textPairs(t)
	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)

	reader := h.svc.Connect("reader")
	require.NoError(t, reader.Open(reader.Window()))
	_, err = reader.Data(pairs[0].Native)
	assert.ErrorIs(t, err, native.ErrNotFound, "timed out render is declined")

	hd, err := reader.Data(pairs[0].Native)
	require.NoError(t, err)
	raw, err := reader.Read(hd)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	require.NoError(t, reader.Close())

	// The first render's block was freed by its producer, and only the
	// second one reached the clipboard.
	heap := h.svc.Heap()
	require.Eventually(t, func() bool { return heap.Stats().Allocs == 2 }, 2*time.Second, time.Millisecond)
	st := heap.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, h.svc.Held())
	assert.Zero(t, st.DoubleFrees)
}

func TestRenderFailureDeclines(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	pairs := h.textPairs(t)
	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)

	reader := h.svc.Connect("reader")
	require.NoError(t, reader.Open(reader.Window()))
	_, err = reader.Data(format.CFText)
	assert.ErrorIs(t, err, native.ErrNotFound)
	require.NoError(t, reader.Close())
	assert.Zero(t, h.svc.Heap().Stats().Live)
}

func TestRenderJobFirstFillWins(t *testing.T) {
	heap := native.NewHeap(0)
	alloc := func(s string) *native.Owned {
		hd, err := heap.Alloc([]byte(s))
		require.NoError(t, err)
		return native.Own(heap, hd)
	}

	job := &renderJob{id: 1}
	require.True(t, job.fill(alloc("first"), nil))
	late := alloc("late")
	assert.False(t, job.fill(late, nil))
	require.NoError(t, late.Release())

	job.discard()
	job.discard()
	st := heap.Stats()
	assert.Zero(t, st.Live)
	assert.Zero(t, st.DoubleFrees)

	claimed := &renderJob{id: 2}
	require.True(t, claimed.fill(alloc("kept"), nil))
	data, rerr := claimed.claim()
	require.Nil(t, rerr)
	claimed.discard()
	assert.True(t, data.Live())
	require.NoError(t, data.Release())
}

func TestStoreTransfersData(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	pairs := h.textPairs(t)
	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)

	var elements []StoreElement
	for _, p := range pairs[:2] {
		data, err := h.reg.ToNative(p, []byte("kept"))
		require.NoError(t, err)
		hd, err := h.conn.Alloc(data)
		require.NoError(t, err)
		elements = append(elements, StoreElement{Pair: p, Data: native.Own(h.conn, hd)})
	}
	_, err = wait(t, h.w.SubmitStore(elements))
	require.NoError(t, err)

	assert.Equal(t, 2, h.svc.Held())
	st := h.svc.Heap().Stats()
	assert.Equal(t, 2, st.Live)
	assert.Zero(t, st.Frees)
}

func TestStoreReleasesWhenNotOwner(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	other := h.svc.Connect("other")
	fill(t, other, nil)

	hd, err := h.conn.Alloc([]byte("x"))
	require.NoError(t, err)
	_, err = wait(t, h.w.SubmitStore([]StoreElement{{
		Pair: format.Pair{Native: format.CFText, Content: format.TextPlainUTF8},
		Data: native.Own(h.conn, hd),
	}}))
	assert.ErrorIs(t, err, ErrOwnershipChanged)

	st := h.svc.Heap().Stats()
	assert.Zero(t, st.Live)
	assert.Equal(t, 1, st.Frees)
	assert.Zero(t, st.DoubleFrees)
}

func TestStoreReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name      string
		foreign   bool
		expire    bool
		wantErr   error
		wantLive  int
		wantFrees int
		wantHeld  int
	}{
		{name: "deadline passes before the lock", expire: true, wantErr: ErrLockTimeout, wantFrees: 1},
		{name: "one element rejected", foreign: true, wantErr: ErrOSCallFailed, wantLive: 1, wantHeld: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &provider{}, func(o *Options) { o.Timeout = time.Second })
			_, err := wait(t, h.w.SubmitAdvertise(nil, false))
			require.NoError(t, err)

			pair := format.Pair{Native: format.CFText, Content: format.TextPlainUTF8}
			hd, err := h.conn.Alloc([]byte("kept\x00"))
			require.NoError(t, err)
			elements := []StoreElement{{Pair: pair, Data: native.Own(h.conn, hd)}}

			// A block from another heap is unknown to the clipboard. The
			// padding keeps its handle clear of the clipboard heap's.
			other := native.NewHeap(0)
			var fd native.Handle
			if tt.foreign {
				_, err := other.Alloc(nil)
				require.NoError(t, err)
				fd, err = other.Alloc([]byte("lost"))
				require.NoError(t, err)
				elements = append([]StoreElement{{
					Pair: format.Pair{Native: format.CFUnicodeText, Content: format.TextPlainUTF8},
					Data: native.Own(other, fd),
				}}, elements...)
			}
			if tt.expire {
				h.svc.SetOpenHook(func(w native.Window) error {
					if w == h.conn.Window() {
						h.clock.Advance(2 * time.Second)
						return native.ErrAccessDenied
					}
					return nil
				})
			}

			_, err = wait(t, h.w.SubmitStore(elements))
			assert.ErrorIs(t, err, tt.wantErr)
			for _, el := range elements {
				assert.False(t, el.Data.Live(), "element %d still owned by the request", el.Pair.Native)
			}

			st := h.svc.Heap().Stats()
			assert.Equal(t, tt.wantLive, st.Live)
			assert.Equal(t, tt.wantFrees, st.Frees)
			assert.Zero(t, st.DoubleFrees)
			assert.Equal(t, tt.wantHeld, h.svc.Held())

			if tt.foreign {
				_, err := other.Read(fd)
				assert.ErrorIs(t, err, native.ErrInvalidHandle)
				ost := other.Stats()
				assert.Equal(t, 1, ost.Live, "only the padding")
				assert.Equal(t, 1, ost.Frees)
				assert.Zero(t, ost.DoubleFrees)
			}
		})
	}
}

func TestShutdownStopsPending(t *testing.T) {
	h := newHarness(t, &provider{}, nil)
	h.svc.SetOpenHook(func(w native.Window) error {
		if w == h.conn.Window() {
			return native.ErrAccessDenied
		}
		return nil
	})
	pending := h.w.SubmitAdvertise(nil, false)
	require.Eventually(t, func() bool { return h.w.Stats().Retrying == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.w.Shutdown(ctx))

	_, err := wait(t, pending)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = wait(t, h.w.SubmitRetrieve(nil))
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, h.w.Stats().Retrying)
}

func TestShutdownRendersAllFormats(t *testing.T) {
	p := &provider{content: map[format.ContentType]string{format.TextPlainUTF8: "bye"}}
	h := newHarness(t, p, nil)
	pairs := h.textPairs(t)
	_, err := wait(t, h.w.SubmitAdvertise(pairs, false))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.w.Shutdown(ctx))
	assert.Equal(t, len(pairs), p.Calls())

	reader := h.svc.Connect("reader")
	require.NoError(t, reader.Open(reader.Window()))
	defer reader.Close()
	hd, err := reader.Data(format.CFUnicodeText)
	require.NoError(t, err)
	raw, err := reader.Read(hd)
	require.NoError(t, err)
	got, err := h.reg.FromNative(pairs[1], raw)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))
	assert.Zero(t, reader.Owner())
}

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := osError("store", "SetData", native.ErrNotEnoughMemory)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.ErrorIs(t, err, native.ErrNotEnoughMemory)
	assert.Equal(t, native.ErrNotEnoughMemory, err.Code)
	assert.NotErrorIs(t, err, ErrOSCallFailed)
	assert.Equal(t, "store: allocation failed (SetData): not enough memory", err.Error())
}

func TestSelectPairPrefersEnumerationOrder(t *testing.T) {
	ct := format.Intern("application/x-test")
	ids := []format.ID{10, 11, 12}
	p, ok := selectPair(ids, []format.Pair{{Native: 12, Content: ct}, {Native: 11, Content: ct}})
	require.True(t, ok)
	assert.Equal(t, format.ID(11), p.Native)

	_, ok = selectPair(ids, []format.Pair{{Native: 13, Content: ct}})
	assert.False(t, ok)
}
