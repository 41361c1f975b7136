package trace

import (
	"context"
	"sync"
)

// Future is a deferred operation result. Writes issued inside a batch may
// resolve only when the batch is flushed; reads always wait.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a future already resolved with the given result.
func CompletedFuture[T any](val T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, err)
	return f
}

// Complete resolves the future. Later calls are ignored.
func (f *Future[T]) Complete(val T, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

// Done reports whether the future has resolved without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or the context is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
