package bridge

import "context"

// Awaitable is a unit of asynchronous work. Await blocks until the work
// completes or ctx is done.
type Awaitable[T any] interface {
	Await(ctx context.Context) (T, error)
}

// Func is a lazy awaitable: nothing runs until Await is called, and then it
// runs on the awaiting goroutine.
type Func[T any] func(ctx context.Context) (T, error)

// Await runs f.
func (f Func[T]) Await(ctx context.Context) (T, error) { return f(ctx) }

// Future is an eager awaitable whose work was started on its own goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go starts fn on a new goroutine and returns a Future for its result.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Ready returns an already-completed Future.
func Ready[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Await waits for the result or for ctx to be done. The work itself is not
// stopped when ctx ends; it owns whatever context it was started with.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }
