// Package bridge lets blocking, synchronous-style code run on top of an
// asynchronous host without coloring every function in between.
//
// Run makes the calling goroutine the host. The supplied function runs on a
// driver goroutine; whenever it needs an asynchronous result it calls
// AwaitOnly, which hands the awaitable to the host and parks until the host
// switches back with the outcome. Exactly one of the two sides executes at
// any moment.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a bridge.
type State int32

const (
	NotStarted State = iota
	RunningSync
	SuspendedAwaitingAsync
	Dead
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case RunningSync:
		return "running_sync"
	case SuspendedAwaitingAsync:
		return "suspended_awaiting_async"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNoBridge is returned by AwaitOnly when the caller is not running
	// inside Run.
	ErrNoBridge = errors.New("bridge: await called outside of a running bridge; wrap the call in bridge.Run")

	// ErrNested is returned by Run when called from inside another bridge.
	ErrNested = errors.New("bridge: cannot start a bridge from inside a running bridge")

	// ErrBridgeDead is returned when awaiting through a bridge whose Run has
	// already returned.
	ErrBridgeDead = errors.New("bridge: bridge is no longer running")
)

type request struct {
	run   func() (any, error)
	reply chan response
}

type response struct {
	val      any
	err      error
	panicked any
}

type bridge struct {
	state atomic.Int32
	// toHost carries awaitables from the driver side to the host.
	toHost chan request
	// finished carries the driver goroutine's outcome.
	finished chan response
	dead     chan struct{}
	deadOnce sync.Once
}

func (b *bridge) setState(s State) { b.state.Store(int32(s)) }

func (b *bridge) State() State { return State(b.state.Load()) }

func (b *bridge) kill() {
	b.deadOnce.Do(func() {
		b.setState(Dead)
		close(b.dead)
	})
}

type ctxKey struct{}

// marker is stored in the context. host is set for code executing on the
// host side, which awaits directly instead of switching.
type marker struct {
	b    *bridge
	host bool
}

func fromContext(ctx context.Context) (marker, bool) {
	m, ok := ctx.Value(ctxKey{}).(marker)
	if !ok || m.b == nil {
		return marker{}, false
	}
	return m, true
}

// InBridge reports whether ctx belongs to the synchronous side of a live bridge.
func InBridge(ctx context.Context) bool {
	m, ok := fromContext(ctx)
	return ok && !m.host && m.b.State() != Dead
}

// StateOf returns the state of the bridge ctx belongs to, or NotStarted.
func StateOf(ctx context.Context) State {
	m, ok := fromContext(ctx)
	if !ok {
		return NotStarted
	}
	return m.b.State()
}

// Run executes fn on the synchronous side of a new bridge and drives its
// awaits on the calling goroutine. Its result, error or panic is delivered
// back to the caller. ctx cancellation reaches fn at its next resume point.
func Run[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if m, ok := fromContext(ctx); ok && m.b.State() != Dead {
		return zero, ErrNested
	}

	b := &bridge{
		toHost:   make(chan request),
		finished: make(chan response, 1),
		dead:     make(chan struct{}),
	}
	syncCtx := context.WithValue(ctx, ctxKey{}, marker{b: b})

	b.setState(RunningSync)
	go func() {
		var out response
		defer func() {
			if r := recover(); r != nil {
				out = response{panicked: r}
			}
			b.finished <- out
		}()
		v, err := fn(syncCtx)
		out = response{val: v, err: err}
	}()

	var hostPanic any
	for {
		select {
		case req := <-b.toHost:
			if hostPanic != nil {
				req.reply <- response{err: ErrBridgeDead}
				continue
			}
			b.setState(SuspendedAwaitingAsync)
			val, err, p := runOnHost(req.run)
			if p != nil {
				hostPanic = p
				b.kill()
				req.reply <- response{err: ErrBridgeDead}
				continue
			}
			b.setState(RunningSync)
			req.reply <- response{val: val, err: err}

		case out := <-b.finished:
			b.kill()
			if hostPanic != nil {
				panic(hostPanic)
			}
			if out.panicked != nil {
				panic(out.panicked)
			}
			res, _ := out.val.(T)
			return res, out.err
		}
	}
}

func runOnHost(run func() (any, error)) (val any, err error, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	val, err = run()
	return val, err, nil
}

// AwaitOnly suspends the synchronous side, lets the host await aw, and
// returns its result. Outside of a bridge it fails immediately with
// ErrNoBridge. Code already running on the host side awaits directly.
func AwaitOnly[T any](ctx context.Context, aw Awaitable[T]) (T, error) {
	var zero T
	m, ok := fromContext(ctx)
	if !ok {
		return zero, ErrNoBridge
	}
	if m.host {
		return aw.Await(ctx)
	}
	return switchToHost(ctx, m.b, aw)
}

// AwaitFallback behaves like AwaitOnly inside a live bridge; anywhere else it
// drives aw to completion on the calling goroutine.
func AwaitFallback[T any](ctx context.Context, aw Awaitable[T]) (T, error) {
	m, ok := fromContext(ctx)
	if !ok || m.host || m.b.State() == Dead {
		return aw.Await(ctx)
	}
	return switchToHost(ctx, m.b, aw)
}

func switchToHost[T any](ctx context.Context, b *bridge, aw Awaitable[T]) (T, error) {
	var zero T
	if b.State() == Dead {
		return zero, ErrBridgeDead
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	hostCtx := context.WithValue(ctx, ctxKey{}, marker{b: b, host: true})
	req := request{
		run: func() (any, error) {
			return aw.Await(hostCtx)
		},
		reply: make(chan response, 1),
	}

	select {
	case b.toHost <- req:
	case <-b.dead:
		return zero, ErrBridgeDead
	}

	res := <-req.reply
	if res.err != nil {
		return zero, res.err
	}
	v, _ := res.val.(T)
	return v, nil
}
