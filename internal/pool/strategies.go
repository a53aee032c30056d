package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// singletonStrategy keeps one record per affinity key and at most size
// records overall; the oldest idle records are closed to make room.
type singletonStrategy struct {
	pool *Pool
	size int

	mu    sync.Mutex
	all   []*ConnectionRecord
	byKey map[any]*ConnectionRecord
}

func newSingletonStrategy(p *Pool) *singletonStrategy {
	size := p.opts.PoolSize
	if size <= 0 {
		size = 1
	}
	return &singletonStrategy{pool: p, size: size, byKey: make(map[any]*ConnectionRecord)}
}

func (s *singletonStrategy) doGet(ctx context.Context) (*ConnectionRecord, error) {
	key := affinityOf(ctx)

	s.mu.Lock()
	rec, ok := s.byKey[key]
	s.mu.Unlock()
	if ok && !rec.InUse() {
		return rec, nil
	}
	// A unique checkout while the key's record is held gets a record of its own.
	bind := !ok

	rec, err := newConnectionRecord(ctx, s.pool, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var evicted []*ConnectionRecord
	if len(s.all) >= s.size {
		evicted = s.cleanupLocked()
	}
	s.all = append(s.all, rec)
	if bind {
		s.byKey[key] = rec
	}
	s.mu.Unlock()

	for _, old := range evicted {
		old.Close(ctx)
	}
	return rec, nil
}

// cleanupLocked removes idle records, oldest first, until there is room for
// one more. Records that are checked out are never closed underneath their
// holder, so the pool may briefly exceed size.
func (s *singletonStrategy) cleanupLocked() []*ConnectionRecord {
	var evicted []*ConnectionRecord
	kept := s.all[:0]
	excess := len(s.all) - s.size + 1
	for _, rec := range s.all {
		if excess > 0 && !rec.InUse() {
			evicted = append(evicted, rec)
			excess--
			continue
		}
		kept = append(kept, rec)
	}
	s.all = kept
	for k, rec := range s.byKey {
		for _, e := range evicted {
			if rec == e {
				delete(s.byKey, k)
			}
		}
	}
	return evicted
}

func (s *singletonStrategy) doReturnConn(context.Context, *ConnectionRecord) {}

func (s *singletonStrategy) dispose(ctx context.Context) {
	s.mu.Lock()
	all := s.all
	s.all = nil
	s.byKey = make(map[any]*ConnectionRecord)
	s.mu.Unlock()
	for _, rec := range all {
		rec.Close(ctx)
	}
}

func (s *singletonStrategy) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Size: s.size}
	for _, rec := range s.all {
		if rec.InUse() {
			st.CheckedOut++
		} else {
			st.CheckedIn++
		}
	}
	return st
}

func (s *singletonStrategy) status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("SingletonThreadPool id:%s size: %d", s.pool.name, len(s.all))
}

// nullStrategy opens a connection per checkout and closes it on return.
type nullStrategy struct {
	pool *Pool
}

func (s *nullStrategy) doGet(ctx context.Context) (*ConnectionRecord, error) {
	return newConnectionRecord(ctx, s.pool, true)
}

func (s *nullStrategy) doReturnConn(ctx context.Context, rec *ConnectionRecord) {
	rec.Close(ctx)
}

func (s *nullStrategy) dispose(context.Context) {}

func (s *nullStrategy) stats() Stats {
	return Stats{CheckedOut: s.pool.Outstanding()}
}

func (s *nullStrategy) status() string { return "NullPool" }

// staticStrategy owns exactly one record. Concurrent checkouts wait for it
// to come back instead of sharing it.
type staticStrategy struct {
	pool    *Pool
	timeout time.Duration
	// slot holds a token while the record is available.
	slot chan struct{}

	mu  sync.Mutex
	rec *ConnectionRecord
}

func newStaticStrategy(p *Pool) *staticStrategy {
	s := &staticStrategy{pool: p, timeout: p.opts.Timeout, slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

func (s *staticStrategy) doGet(ctx context.Context) (*ConnectionRecord, error) {
	var expired <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-s.slot:
	case <-expired:
		return nil, &TimeoutError{Size: 1, Timeout: s.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		rec, err := newConnectionRecord(ctx, s.pool, true)
		if err != nil {
			s.slot <- struct{}{}
			return nil, err
		}
		s.rec = rec
	}
	return s.rec, nil
}

func (s *staticStrategy) doReturnConn(context.Context, *ConnectionRecord) {
	select {
	case s.slot <- struct{}{}:
	default:
	}
}

func (s *staticStrategy) dispose(ctx context.Context) {
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.mu.Unlock()
	if rec != nil {
		rec.Close(ctx)
	}
}

func (s *staticStrategy) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Size: 1}
	if s.rec != nil {
		if s.rec.InUse() {
			st.CheckedOut = 1
		} else {
			st.CheckedIn = 1
		}
	}
	return st
}

func (s *staticStrategy) status() string { return "StaticPool" }

// assertionStrategy allows one checkout at a time and fails loudly on a
// second, reporting where the first one came from.
type assertionStrategy struct {
	pool *Pool

	mu         sync.Mutex
	rec        *ConnectionRecord
	checkedOut bool
	checkoutAt string
}

func (s *assertionStrategy) doGet(ctx context.Context) (*ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkedOut {
		msg := "connection is already checked out"
		if s.checkoutAt != "" {
			msg += " at:\n" + s.checkoutAt
		}
		return nil, &InvalidRequestError{Msg: msg}
	}
	if s.rec == nil {
		rec, err := newConnectionRecord(ctx, s.pool, true)
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}
	s.checkedOut = true
	if s.pool.echo >= EchoDebug {
		s.checkoutAt = string(debug.Stack())
	}
	return s.rec, nil
}

func (s *assertionStrategy) doReturnConn(context.Context, *ConnectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkedOut {
		s.pool.warn("assertion_return", "connection is not checked out")
		return
	}
	s.checkedOut = false
	s.checkoutAt = ""
}

func (s *assertionStrategy) dispose(ctx context.Context) {
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.checkedOut = false
	s.mu.Unlock()
	if rec != nil {
		rec.Close(ctx)
	}
}

func (s *assertionStrategy) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Size: 1}
	if s.checkedOut {
		st.CheckedOut = 1
	} else if s.rec != nil {
		st.CheckedIn = 1
	}
	return st
}

func (s *assertionStrategy) status() string { return "AssertionPool" }
