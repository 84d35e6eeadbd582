package pool

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

// counter hands out increasing ids; ids listed in fail are refused.
func counter(fail ...int) Opener[int] {
	var calls atomic.Int32
	failing := make(map[int]bool)
	for _, f := range fail {
		failing[f] = true
	}
	return func(context.Context) (int, error) {
		n := int(calls.Add(1))
		if failing[n] {
			return 0, errors.New("connection refused")
		}
		return n, nil
	}
}

func newPool(t *testing.T, size int, fail ...int) *Pool[int] {
	t.Helper()
	p, err := New(context.Background(), size, counter(fail...), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNew_DefaultSize(t *testing.T) {
	p := newPool(t, 0)
	assert.Equal(t, DefaultSize, p.Capacity())
	assert.Equal(t, DefaultSize, p.Stat().Idle)
}

func TestNew_Degraded(t *testing.T) {
	p := newPool(t, 4, 2, 3)

	assert.Equal(t, 2, p.Capacity())
	assert.Equal(t, Stat{Capacity: 2, Acquired: 0, Idle: 2}, p.Stat())
}

func TestNew_ClosesHandlesOnShutdown(t *testing.T) {
	var closed atomic.Int32
	p, err := New(context.Background(), 3, counter(), func(int) { closed.Add(1) })
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, int32(3), closed.Load())
}

func TestAcquire_EmptyPoolBlocksUntilCancelled(t *testing.T) {
	p := newPool(t, 2, 1, 2)
	require.Equal(t, 0, p.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquire)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_BlocksAtCapacity(t *testing.T) {
	p := newPool(t, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.Value(), b.Value())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short)
	require.ErrorIs(t, err, ErrAcquire)

	got := make(chan int, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			return
		}
		got <- c.Value()
		c.Release()
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(a)

	select {
	case v := <-got:
		assert.Equal(t, a.Value(), v)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not handed the released handle")
	}
	b.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	p := newPool(t, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	p.Release(c)
	p.Release(nil)

	assert.Equal(t, 1, p.Stat().Idle)
	assert.Equal(t, 0, p.Stat().Acquired)
}

func TestWith_ReleasesOnError(t *testing.T) {
	p := newPool(t, 1)
	boom := errors.New("boom")

	err := p.With(context.Background(), func(int) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.Stat().Idle)
}

func TestAcquire_NeverSharesHandle(t *testing.T) {
	const size = 3
	p := newPool(t, size)

	var (
		mu      sync.Mutex
		inUse   = make(map[int]bool)
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(h int) error {
				mu.Lock()
				if inUse[h] {
					mu.Unlock()
					return errors.New("handle handed out twice")
				}
				inUse[h] = true
				mu.Unlock()

				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)

				mu.Lock()
				delete(inUse, h)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, size, p.Stat().Idle)
}

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func TestRelease_DiscardsBrokenHandle(t *testing.T) {
	var (
		opened atomic.Int32
		closed atomic.Int32
	)
	open := func(context.Context) (*fakeConn, error) {
		return &fakeConn{id: int(opened.Add(1))}, nil
	}
	p, err := New(context.Background(), 2, open, func(*fakeConn) { closed.Add(1) },
		DiscardIf(func(c *fakeConn) bool { return c.closed.Load() }))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	dead := c.Value().id
	c.Value().closed.Store(true)
	c.Release()

	require.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, 5*time.Millisecond)

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer a.Release()
	defer b.Release()

	assert.NotEqual(t, dead, a.Value().id)
	assert.NotEqual(t, dead, b.Value().id)
	assert.False(t, a.Value().closed.Load())
	assert.False(t, b.Value().closed.Load())
	assert.Equal(t, int32(3), opened.Load())
	assert.Equal(t, 2, p.Capacity())
}

func TestDestroy_ReopensAfterFailedReplacement(t *testing.T) {
	// Calls 1 and 2 fill the pool, call 3 is the first replacement attempt.
	p := newPool(t, 2, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	c.Destroy()
	c.Release()

	keep, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer keep.Release()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquire)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Value())
	again.Release()

	assert.Equal(t, 2, p.Capacity())
}
