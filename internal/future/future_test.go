package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteExactlyOnce(t *testing.T) {
	p, f := New[int]()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Complete(i, nil) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	select {
	case <-f.Done():
	default:
		t.Fatal("future not complete")
	}
	v1, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Complete(-1, errors.New("late")))
	v2, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestWaitHonoursContext(t *testing.T) {
	_, f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future completed without a result")
	default:
	}
}

func TestWaitSeesError(t *testing.T) {
	p, f := New[struct{}]()
	boom := errors.New("boom")
	go p.Complete(struct{}{}, boom)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.Equal(t, boom, err)
}

func TestResolved(t *testing.T) {
	f := Resolved(7, nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
