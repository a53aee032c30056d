package bridge

import (
	"context"
	"sync"
)

// Mutex is a context-aware mutex for code that may be running on either side
// of a bridge. When the synchronous side has to wait for it, the wait is
// handed to the host instead of blocking the driver goroutine in place.
// The zero value is unlocked.
type Mutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() { m.ch = make(chan struct{}, 1) })
}

// Lock acquires m or returns ctx.Err().
func (m *Mutex) Lock(ctx context.Context) error {
	if m.TryLock() {
		return nil
	}
	acquire := Func[struct{}](func(ctx context.Context) (struct{}, error) {
		select {
		case m.ch <- struct{}{}:
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	})
	_, err := AwaitFallback[struct{}](ctx, acquire)
	return err
}

// TryLock acquires m if it is free.
func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases m. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.ch:
	default:
		panic("bridge: unlock of unlocked Mutex")
	}
}
