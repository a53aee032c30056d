package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/sqlpool/internal/bridge"
)

var (
	errEmpty = errors.New("pool queue empty")
	errFull  = errors.New("pool queue full")
)

// waitFunc blocks until a record arrives on ch. It returns errEmpty when
// timeout elapses first.
type waitFunc func(ctx context.Context, ch <-chan *ConnectionRecord, timeout time.Duration) (*ConnectionRecord, error)

func waitBlocking(ctx context.Context, ch <-chan *ConnectionRecord, timeout time.Duration) (*ConnectionRecord, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case rec := <-ch:
		return rec, nil
	case <-expired:
		return nil, errEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitAwaitOnly parks the synchronous side and lets the bridge host do the
// waiting. Outside a bridge it fails with bridge.ErrNoBridge.
func waitAwaitOnly(ctx context.Context, ch <-chan *ConnectionRecord, timeout time.Duration) (*ConnectionRecord, error) {
	return bridge.AwaitOnly[*ConnectionRecord](ctx, waitAwaitable(ch, timeout))
}

func waitAwaitFallback(ctx context.Context, ch <-chan *ConnectionRecord, timeout time.Duration) (*ConnectionRecord, error) {
	return bridge.AwaitFallback[*ConnectionRecord](ctx, waitAwaitable(ch, timeout))
}

func waitAwaitable(ch <-chan *ConnectionRecord, timeout time.Duration) bridge.Func[*ConnectionRecord] {
	return func(ctx context.Context) (*ConnectionRecord, error) {
		return waitBlocking(ctx, ch, timeout)
	}
}

// recordQueue holds idle records. Returned records go straight to the
// longest waiting caller, if any.
type recordQueue struct {
	mu      sync.Mutex
	maxSize int
	lifo    bool
	items   []*ConnectionRecord
	waiters []chan *ConnectionRecord
	wait    waitFunc
}

func newRecordQueue(maxSize int, lifo bool, wait waitFunc) *recordQueue {
	return &recordQueue{maxSize: maxSize, lifo: lifo, wait: wait}
}

func (q *recordQueue) put(rec *ConnectionRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		ch <- rec
		return nil
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return errFull
	}
	q.items = append(q.items, rec)
	return nil
}

func (q *recordQueue) get(ctx context.Context, block bool, timeout time.Duration) (*ConnectionRecord, error) {
	q.mu.Lock()
	if rec := q.popLocked(); rec != nil {
		q.mu.Unlock()
		return rec, nil
	}
	if !block {
		q.mu.Unlock()
		return nil, errEmpty
	}
	ch := make(chan *ConnectionRecord, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	rec, err := q.wait(ctx, ch, timeout)
	if err == nil {
		return rec, nil
	}

	q.mu.Lock()
	removed := q.removeWaiterLocked(ch)
	q.mu.Unlock()
	if !removed {
		// put handed a record over while the wait was ending.
		return <-ch, nil
	}
	return nil, err
}

func (q *recordQueue) popLocked() *ConnectionRecord {
	n := len(q.items)
	if n == 0 {
		return nil
	}
	var rec *ConnectionRecord
	if q.lifo {
		rec = q.items[n-1]
		q.items[n-1] = nil
		q.items = q.items[:n-1]
	} else {
		rec = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	return rec
}

func (q *recordQueue) removeWaiterLocked(ch chan *ConnectionRecord) bool {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *recordQueue) drain() []*ConnectionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *recordQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// queueStrategy keeps up to size idle records and lets up to maxOverflow
// more exist while checked out. overflow starts at -size and counts every
// record created, so size+overflow is the number of records in existence.
type queueStrategy struct {
	pool        *Pool
	queue       *recordQueue
	size        int
	maxOverflow int
	timeout     time.Duration

	mu       sync.Mutex
	overflow int
}

func newQueueStrategy(p *Pool, wait waitFunc) *queueStrategy {
	o := p.opts
	return &queueStrategy{
		pool:        p,
		queue:       newRecordQueue(o.PoolSize, o.UseLIFO, wait),
		size:        o.PoolSize,
		maxOverflow: o.MaxOverflow,
		timeout:     o.Timeout,
		overflow:    -o.PoolSize,
	}
}

func (s *queueStrategy) doGet(ctx context.Context) (*ConnectionRecord, error) {
	useOverflow := s.maxOverflow > -1
	for {
		wait := useOverflow && s.currentOverflow() >= s.maxOverflow

		rec, err := s.queue.get(ctx, wait, s.timeout)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, errEmpty) {
			return nil, err
		}

		if useOverflow && s.currentOverflow() >= s.maxOverflow {
			if !wait {
				continue
			}
			return nil, &TimeoutError{Size: s.size, Overflow: s.maxOverflow, Timeout: s.timeout}
		}

		if !s.incOverflow() {
			continue
		}
		rec, err = newConnectionRecord(ctx, s.pool, true)
		if err != nil {
			s.decOverflow()
			return nil, err
		}
		return rec, nil
	}
}

func (s *queueStrategy) doReturnConn(ctx context.Context, rec *ConnectionRecord) {
	if err := s.queue.put(rec); err != nil {
		rec.Close(ctx)
		s.decOverflow()
	}
}

func (s *queueStrategy) dispose(ctx context.Context) {
	for _, rec := range s.queue.drain() {
		rec.Close(ctx)
	}
	s.mu.Lock()
	s.overflow = -s.size
	s.mu.Unlock()
}

func (s *queueStrategy) currentOverflow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

func (s *queueStrategy) incOverflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxOverflow == -1 || s.overflow < s.maxOverflow {
		s.overflow++
		return true
	}
	return false
}

func (s *queueStrategy) decOverflow() {
	s.mu.Lock()
	s.overflow--
	s.mu.Unlock()
}

func (s *queueStrategy) stats() Stats {
	checkedIn := s.queue.len()
	overflow := s.currentOverflow()
	return Stats{
		Size:       s.size,
		CheckedIn:  checkedIn,
		Overflow:   overflow,
		CheckedOut: s.size - checkedIn + overflow,
	}
}

func (s *queueStrategy) status() string {
	st := s.stats()
	return fmt.Sprintf("Pool size: %d  Connections in pool: %d Current Overflow: %d Current Checked out connections: %d",
		st.Size, st.CheckedIn, st.Overflow, st.CheckedOut)
}
