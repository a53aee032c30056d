package pool

import (
	"context"
	"sync"
	"weak"
)

type affinityCtxKey struct{}

type defaultAffinityKey struct{}

// WithAffinity tags ctx with the identity of a logical caller. Pools that
// bind connections to their caller (use_threadlocal, singleton-thread) key on
// it.
//
// Callers that never set a key share a single default identity, so on those
// pools concurrent unkeyed goroutines get the same fairy and the same raw
// connection. Goroutines that run concurrently against such a pool must each
// set their own key.
func WithAffinity(ctx context.Context, key any) context.Context {
	return context.WithValue(ctx, affinityCtxKey{}, key)
}

func affinityOf(ctx context.Context) any {
	if k := ctx.Value(affinityCtxKey{}); k != nil {
		return k
	}
	return defaultAffinityKey{}
}

type fairyEntry struct {
	ref weak.Pointer[ConnectionFairy]
	rec *ConnectionRecord
}

// fairyMap remembers the fairy currently checked out per affinity key. It
// holds fairies weakly so an abandoned fairy can still be collected.
type fairyMap struct {
	mu sync.Mutex
	m  map[any]fairyEntry
}

func newFairyMap() *fairyMap {
	return &fairyMap{m: make(map[any]fairyEntry)}
}

func (fm *fairyMap) get(key any) *ConnectionFairy {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e, ok := fm.m[key]
	if !ok {
		return nil
	}
	f := e.ref.Value()
	if f == nil {
		delete(fm.m, key)
	}
	return f
}

func (fm *fairyMap) set(key any, f *ConnectionFairy, rec *ConnectionRecord) {
	fm.mu.Lock()
	fm.m[key] = fairyEntry{ref: weak.Make(f), rec: rec}
	fm.mu.Unlock()
}

// release forgets key if it still points at rec.
func (fm *fairyMap) release(key any, rec *ConnectionRecord) {
	fm.mu.Lock()
	if e, ok := fm.m[key]; ok && e.rec == rec {
		delete(fm.m, key)
	}
	fm.mu.Unlock()
}

// registry tracks records that are checked out, for leak accounting.
type registry struct {
	mu sync.Mutex
	m  map[*ConnectionRecord]struct{}
}

func newRegistry() *registry {
	return &registry{m: make(map[*ConnectionRecord]struct{})}
}

func (r *registry) add(rec *ConnectionRecord) {
	r.mu.Lock()
	r.m[rec] = struct{}{}
	r.mu.Unlock()
}

func (r *registry) discard(rec *ConnectionRecord) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	delete(r.m, rec)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
