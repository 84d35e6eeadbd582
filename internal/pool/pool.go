// Package pool bounds concurrent use of expensive handles (database
// connections) to a fixed capacity. Handles are opened eagerly at startup and
// recycled through a jackc/puddle pool; callers block in Acquire until a handle
// is free or their context ends.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 8

var (
	// ErrAcquire wraps every failed Acquire. The cause is usually the
	// caller's context error.
	ErrAcquire = errors.New("pool: acquire failed")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Opener opens one physical handle.
type Opener[T any] func(ctx context.Context) (T, error)

// Closer closes one physical handle.
type Closer[T any] func(T)

// Option tunes a Pool.
type Option[T any] func(*Pool[T])

// DiscardIf makes Release destroy a handle instead of recycling it when
// broken reports true, e.g. a connection closed by a cancelled query. The
// slot is refilled with a freshly opened handle on a later Acquire.
func DiscardIf[T any](broken func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.broken = broken }
}

// Pool hands out at most Capacity handles at a time.
type Pool[T any] struct {
	inner    *puddle.Pool[T]
	capacity int
	broken   func(T) bool
}

// New opens size handles up front. Handles that fail to open are logged and
// skipped: the pool then runs degraded with a capacity equal to the number
// that succeeded. Destroyed handles are replaced through open, so capacity
// never drops below the startup count. If none open, the pool has capacity
// zero and every Acquire waits until its context is done.
func New[T any](ctx context.Context, size int, open Opener[T], closeFn Closer[T], opts ...Option[T]) (*Pool[T], error) {
	if size < 1 {
		size = DefaultSize
	}

	opened := make([]T, 0, size)
	for i := 0; i < size; i++ {
		h, err := open(ctx)
		if err != nil {
			slog.Warn("pool: failed to open handle", "index", i, "err", err)
			continue
		}
		opened = append(opened, h)
	}

	slog.Info("pool initialized", "requested", size, "opened", len(opened))
	if len(opened) == 0 {
		slog.Error("pool: no handles could be opened; acquire will block")
		return &Pool[T]{}, nil
	}

	// The constructor drains the handles opened above first and only dials
	// again to replace destroyed ones. MaxSize keeps the pool at the startup
	// count.
	var mu sync.Mutex
	queue := opened
	inner, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: func(ctx context.Context) (T, error) {
			mu.Lock()
			if len(queue) > 0 {
				h := queue[0]
				queue = queue[1:]
				mu.Unlock()
				return h, nil
			}
			mu.Unlock()

			h, err := open(ctx)
			if err != nil {
				slog.Warn("pool: failed to replace handle", "err", err)
			}
			return h, err
		},
		Destructor: func(h T) {
			if closeFn != nil {
				closeFn(h)
			}
		},
		MaxSize: int32(len(opened)),
	})
	if err != nil {
		closeAll(opened, closeFn)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	for range opened {
		if err := inner.CreateResource(ctx); err != nil {
			inner.Close()
			return nil, fmt.Errorf("register handle: %w", err)
		}
	}

	p := &Pool[T]{inner: inner, capacity: len(opened)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func closeAll[T any](hs []T, closeFn Closer[T]) {
	if closeFn == nil {
		return
	}
	for _, h := range hs {
		closeFn(h)
	}
}

// Capacity is the number of handles the pool manages.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Acquire blocks until a handle is free. A cancelled wait never leaks a
// handle that was granted concurrently.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	if p.inner == nil {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
	}

	res, err := p.inner.Acquire(ctx)
	if err != nil {
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrClosed)
		}
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	return &Conn[T]{res: res, broken: p.broken}, nil
}

// Release returns c to the idle set, or destroys it if the pool's DiscardIf
// check rejects it. Releasing nil or an already released handle does nothing.
func (p *Pool[T]) Release(c *Conn[T]) {
	c.Release()
}

// With runs fn with an acquired handle and releases it on every path.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()

	return fn(c.Value())
}

// Stat is a point-in-time view of pool usage.
type Stat struct {
	Capacity int
	Acquired int
	Idle     int
}

// Stat reports current usage.
func (p *Pool[T]) Stat() Stat {
	if p.inner == nil {
		return Stat{}
	}
	s := p.inner.Stat()
	return Stat{
		Capacity: p.capacity,
		Acquired: int(s.AcquiredResources()),
		Idle:     int(s.IdleResources()),
	}
}

// Close waits for checked-out handles to come back and closes all of them.
func (p *Pool[T]) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}

// Conn is a checked-out handle.
type Conn[T any] struct {
	res      *puddle.Resource[T]
	broken   func(T) bool
	released atomic.Bool
}

// Value returns the underlying handle.
func (c *Conn[T]) Value() T {
	return c.res.Value()
}

// Release returns the handle to its pool. Safe to call more than once.
func (c *Conn[T]) Release() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	if c.broken != nil && c.broken(c.res.Value()) {
		c.res.Destroy()
		return
	}
	c.res.Release()
}

// Destroy closes the handle instead of recycling it. A later Acquire opens a
// replacement. Safe to mix with Release; only the first call has effect.
func (c *Conn[T]) Destroy() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.res.Destroy()
}
