package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func value[T any](v T) Func[T] {
	return func(context.Context) (T, error) { return v, nil }
}

func TestAwaitOnlyOutsideBridge(t *testing.T) {
	var ran atomic.Bool
	_, err := AwaitOnly[int](context.Background(), Func[int](func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	}))

	require.ErrorIs(t, err, ErrNoBridge)
	assert.False(t, ran.Load(), "awaitable must not run without a bridge")
	assert.False(t, InBridge(context.Background()))
	assert.Equal(t, NotStarted, StateOf(context.Background()))
}

func TestRunDrivesAwaitsOnHost(t *testing.T) {
	var hostStates []State

	got, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		assert.True(t, InBridge(ctx))
		assert.Equal(t, RunningSync, StateOf(ctx))

		total := 0
		for i := 1; i <= 3; i++ {
			n, err := AwaitOnly[int](ctx, Func[int](func(hctx context.Context) (int, error) {
				hostStates = append(hostStates, StateOf(hctx))
				assert.False(t, InBridge(hctx))
				return i * 10, nil
			}))
			if err != nil {
				return 0, err
			}
			total += n
			assert.Equal(t, RunningSync, StateOf(ctx))
		}
		return total, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 60, got)
	assert.Equal(t, []State{SuspendedAwaitingAsync, SuspendedAwaitingAsync, SuspendedAwaitingAsync}, hostStates)
}

func TestRunPropagatesAwaitableError(t *testing.T) {
	boom := errors.New("boom")

	_, err := Run(context.Background(), func(ctx context.Context) (string, error) {
		_, err := AwaitOnly[string](ctx, Func[string](func(context.Context) (string, error) {
			return "", boom
		}))
		return "unreachable", err
	})

	assert.ErrorIs(t, err, boom)
}

func TestRunRejectsNesting(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		return Run(ctx, func(context.Context) (int, error) { return 1, nil })
	})
	assert.ErrorIs(t, err, ErrNested)
}

func TestCancellationSurfacesAtResumePoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secondErr error
	_, err := Run(ctx, func(ctx context.Context) (int, error) {
		_, err := AwaitOnly[int](ctx, Func[int](func(hctx context.Context) (int, error) {
			cancel()
			<-hctx.Done()
			return 0, hctx.Err()
		}))
		_, secondErr = AwaitOnly[int](ctx, value(2))
		return 0, err
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, secondErr, context.Canceled)
}

func TestRunRepanicsOnHost(t *testing.T) {
	assert.PanicsWithValue(t, "sync side exploded", func() {
		_, _ = Run(context.Background(), func(context.Context) (int, error) {
			panic("sync side exploded")
		})
	})
}

func TestHostPanicKillsBridge(t *testing.T) {
	var afterPanic error
	assert.PanicsWithValue(t, "host exploded", func() {
		_, _ = Run(context.Background(), func(ctx context.Context) (int, error) {
			_, err := AwaitOnly[int](ctx, Func[int](func(context.Context) (int, error) {
				panic("host exploded")
			}))
			_, afterPanic = AwaitOnly[int](ctx, value(1))
			return 0, err
		})
	})
	assert.ErrorIs(t, afterPanic, ErrBridgeDead)
}

func TestDeadBridge(t *testing.T) {
	var leaked context.Context
	_, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		leaked = ctx
		return 0, nil
	})
	require.NoError(t, err)

	assert.Equal(t, Dead, StateOf(leaked))
	assert.False(t, InBridge(leaked))

	_, err = AwaitOnly[int](leaked, value(7))
	assert.ErrorIs(t, err, ErrBridgeDead)

	got, err := AwaitFallback[int](leaked, value(7))
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	_, err = Run(leaked, func(context.Context) (int, error) { return 1, nil })
	assert.NoError(t, err, "a dead bridge does not count as nesting")
}

func TestAwaitFallbackWithoutBridge(t *testing.T) {
	got, err := AwaitFallback[string](context.Background(), value("direct"))
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
}

func TestAwaitFallbackInsideBridgeSwitches(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		return AwaitFallback[int](ctx, Func[int](func(hctx context.Context) (int, error) {
			assert.Equal(t, SuspendedAwaitingAsync, StateOf(hctx))
			return 3, nil
		}))
	})
	require.NoError(t, err)
}

func TestHostSideAwaitsDirectly(t *testing.T) {
	got, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		return AwaitOnly[int](ctx, Func[int](func(hctx context.Context) (int, error) {
			inner, err := AwaitOnly[int](hctx, value(20))
			return inner + 1, err
		}))
	})
	require.NoError(t, err)
	assert.Equal(t, 21, got)
}

func TestFuture(t *testing.T) {
	release := make(chan struct{})
	f := Go(context.Background(), func(context.Context) (string, error) {
		<-release
		return "done", nil
	})

	select {
	case <-f.Done():
		t.Fatal("future completed early")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	got, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	ready, err := Ready(5, nil).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, ready)
}

func TestFutureThroughBridge(t *testing.T) {
	got, err := Run(context.Background(), func(ctx context.Context) (int, error) {
		f := Go(context.Background(), func(context.Context) (int, error) { return 42, nil })
		return AwaitOnly[int](ctx, f)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
