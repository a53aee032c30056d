// Package pool keeps raw database connections alive across uses.
//
// A ConnectionRecord owns one slot of a pool and the physical connection in
// it; a ConnectionFairy is the handle a caller gets while the record is
// checked out. The Pool decides when records are created, reused, recycled
// and closed, according to its strategy.
package pool

import (
	"context"
	"runtime"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// ConnectionRecord tracks one pooled connection across reconnects.
type ConnectionRecord struct {
	pool *Pool

	mu                 sync.Mutex
	conn               dbapi.Connection
	startTime          time.Time
	softInvalidateTime time.Time

	// fairyRef is the zero Pointer while the record is idle.
	fairyRef   weak.Pointer[ConnectionFairy]
	finalizers []func(dbapi.Connection)

	// info is cleared on every reconnect; recordInfo lives as long as the record.
	info       map[string]any
	recordInfo map[string]any

	// affinity is the key the current checkout was bound to, if any.
	affinity any
}

func newConnectionRecord(ctx context.Context, p *Pool, connect bool) (*ConnectionRecord, error) {
	rec := &ConnectionRecord{
		pool:       p,
		info:       make(map[string]any),
		recordInfo: make(map[string]any),
	}
	if connect {
		if err := rec.connect(ctx); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Connection returns the raw connection, or nil while disconnected.
func (r *ConnectionRecord) Connection() dbapi.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// LastConnectTime is when the current connection was opened.
func (r *ConnectionRecord) LastConnectTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime
}

// Info is scratch space tied to the current raw connection; it is emptied
// whenever the record reconnects.
func (r *ConnectionRecord) Info() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// RecordInfo is scratch space tied to the record itself.
func (r *ConnectionRecord) RecordInfo() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordInfo
}

// InUse reports whether a fairy currently holds the record.
func (r *ConnectionRecord) InUse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUseLocked()
}

func (r *ConnectionRecord) inUseLocked() bool {
	return r.fairyRef != weak.Pointer[ConnectionFairy]{}
}

// AddFinalizer registers fn to run with the raw connection on the next
// checkin. Finalizers run in reverse registration order.
func (r *ConnectionRecord) AddFinalizer(fn func(dbapi.Connection)) {
	r.mu.Lock()
	r.finalizers = append(r.finalizers, fn)
	r.mu.Unlock()
}

func (r *ConnectionRecord) currentFairyRef() weak.Pointer[ConnectionFairy] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fairyRef
}

// GetConnection returns a usable raw connection, reconnecting first when the
// record is disconnected, too old, or older than a pool or soft
// invalidation.
func (r *ConnectionRecord) GetConnection(ctx context.Context) (dbapi.Connection, error) {
	p := r.pool

	r.mu.Lock()
	conn, start, soft := r.conn, r.startTime, r.softInvalidateTime
	r.mu.Unlock()

	recycle := false
	switch {
	case conn == nil:
		r.clearInfo()
		if err := r.connect(ctx); err != nil {
			return nil, err
		}
	case p.opts.Recycle > 0 && p.now().Sub(start) > p.opts.Recycle:
		p.logInfo("Connection exceeded timeout; recycling", connField(conn))
		recycle = true
	case p.InvalidateTime().After(start):
		p.logInfo("Connection invalidated due to pool invalidation; recycling", connField(conn))
		recycle = true
	case soft.After(start):
		p.logInfo("Connection invalidated due to local soft invalidation; recycling", connField(conn))
		recycle = true
	}

	if recycle {
		r.closeConn(ctx, false)
		r.clearInfo()
		if err := r.connect(ctx); err != nil {
			return nil, err
		}
	}
	return r.Connection(), nil
}

// Invalidate marks the connection unusable. A soft invalidation only
// schedules a reconnect for the next checkout; a hard one closes the
// connection now.
func (r *ConnectionRecord) Invalidate(ctx context.Context, err error, soft bool) {
	conn := r.Connection()
	if conn == nil {
		return
	}
	p := r.pool
	p.events.fireInvalidate(conn, r, err, soft)

	fields := []zap.Field{connField(conn)}
	if err != nil {
		fields = append(fields, zap.NamedError("reason", err))
	}
	if soft {
		p.logInfo("Soft invalidate connection", fields...)
		r.mu.Lock()
		r.softInvalidateTime = p.now()
		r.mu.Unlock()
		metrics.PoolInvalidations.WithLabelValues(p.name, "soft").Inc()
		return
	}
	p.logInfo("Invalidate connection", fields...)
	r.closeConn(ctx, true)
	metrics.PoolInvalidations.WithLabelValues(p.name, "hard").Inc()
}

// Close closes the raw connection, leaving the record disconnected.
func (r *ConnectionRecord) Close(ctx context.Context) {
	r.closeConn(ctx, false)
}

func (r *ConnectionRecord) closeConn(ctx context.Context, terminate bool) {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.finalizers = nil
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.pool.events.fireClose(conn, r)
	r.pool.closeConnection(ctx, conn, terminate)
}

func (r *ConnectionRecord) clearInfo() {
	r.mu.Lock()
	clear(r.info)
	r.mu.Unlock()
}

func (r *ConnectionRecord) connect(ctx context.Context) error {
	p := r.pool

	r.mu.Lock()
	r.conn = nil
	r.startTime = p.now()
	r.mu.Unlock()

	conn, err := p.creator(ctx, r)
	if err != nil {
		p.logger.Debug("Error on connect", zap.Error(err))
		metrics.PoolConnects.WithLabelValues(p.name, "error").Inc()
		return err
	}
	metrics.PoolConnects.WithLabelValues(p.name, "ok").Inc()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	p.logDebug("Created new connection", connField(conn))

	err = p.events.fireFirstConnect(conn, r)
	if err == nil {
		err = p.events.fireConnect(conn, r)
	}
	if err != nil {
		r.closeConn(ctx, false)
		return err
	}
	return nil
}

// checkin hands the record back to the pool. noFairyRef is set when the
// checkout never produced a fairy.
func (r *ConnectionRecord) checkin(ctx context.Context, noFairyRef bool) {
	p := r.pool

	r.mu.Lock()
	if !r.inUseLocked() && !noFairyRef {
		r.mu.Unlock()
		p.warn("double_checkin", "Double checkin attempted", zap.String("record", recordID(r)))
		return
	}
	r.fairyRef = weak.Pointer[ConnectionFairy]{}
	conn := r.conn
	finalizers := r.finalizers
	r.finalizers = nil
	affinity := r.affinity
	r.affinity = nil
	r.mu.Unlock()

	p.refs.discard(r)
	for i := len(finalizers) - 1; i >= 0; i-- {
		finalizers[i](conn)
	}
	p.events.fireCheckin(conn, r)
	p.returnConn(ctx, r, affinity)
	metrics.PoolCheckins.WithLabelValues(p.name).Inc()
}

func (r *ConnectionRecord) checkinFailed(ctx context.Context, err error) {
	r.Invalidate(ctx, err, false)
	r.checkin(ctx, true)
}

// detachConn gives up the raw connection without closing it.
func (r *ConnectionRecord) detachConn() {
	r.mu.Lock()
	r.fairyRef = weak.Pointer[ConnectionFairy]{}
	r.conn = nil
	r.affinity = nil
	r.mu.Unlock()
}

// checkoutRecord takes a record from the strategy, makes sure it is
// connected and wraps it in a new fairy.
func checkoutRecord(ctx context.Context, p *Pool) (*ConnectionFairy, error) {
	rec, err := p.strategy.doGet(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := rec.GetConnection(ctx)
	if err != nil {
		rec.checkinFailed(ctx, err)
		return nil, err
	}

	echo := p.echo == EchoDebug
	fairy := &ConnectionFairy{pool: p, conn: conn, rec: rec, echo: echo}
	ref := weak.Make(fairy)

	rec.mu.Lock()
	rec.fairyRef = ref
	rec.mu.Unlock()

	fairy.cleanup = runtime.AddCleanup(fairy, finalizeFromGC, gcState{pool: p, rec: rec, ref: ref, echo: echo})
	fairy.hasCleanup = true
	p.refs.add(rec)

	if echo {
		p.logDebug("Connection checked out from pool", connField(conn))
	}
	metrics.PoolCheckouts.WithLabelValues(p.name).Inc()
	return fairy, nil
}

// gcState is everything the collector-driven checkin needs. It must not
// reference the fairy itself.
type gcState struct {
	pool *Pool
	rec  *ConnectionRecord
	ref  weak.Pointer[ConnectionFairy]
	// conn is set for detached fairies, which have no record.
	conn dbapi.Connection
	echo bool
}

func finalizeFromGC(s gcState) {
	ctx := context.Background()
	s.pool.warn("gc_checkin", "Connection was garbage collected without being closed; returning it to the pool")
	if s.rec != nil {
		ref := s.ref
		_ = finalizeFairy(ctx, s.pool, nil, s.rec, &ref, s.echo, nil)
		return
	}
	_ = finalizeFairy(ctx, s.pool, s.conn, nil, nil, s.echo, nil)
}

// finalizeFairy resets conn and returns rec to the pool. With ref set, the
// call comes from the collector: it is ignored unless rec still belongs to
// that fairy, and the connection is read from rec. A nil rec means the
// fairy was detached, so the connection is closed instead. A reset failure
// invalidates the record and is returned after the checkin.
func finalizeFairy(ctx context.Context, p *Pool, conn dbapi.Connection, rec *ConnectionRecord,
	ref *weak.Pointer[ConnectionFairy], echo bool, agent ResetAgent) error {
	p.refs.discard(rec)

	if ref != nil {
		if rec.currentFairyRef() != *ref {
			return nil
		}
		conn = rec.Connection()
	}

	var resetErr error
	if conn != nil {
		if rec != nil && echo {
			p.logDebug("Connection being returned to pool", connField(conn))
		}
		if err := p.reset(ctx, conn, rec, agent, echo); err != nil {
			p.logger.Error("Exception during reset or similar", connField(conn), zap.Error(err))
			if rec != nil {
				rec.Invalidate(ctx, err, false)
			}
			resetErr = err
		}
		if rec == nil {
			p.events.fireCloseDetached(conn)
			p.closeConnection(ctx, conn, resetErr != nil)
		}
	}

	if rec != nil && rec.InUse() {
		rec.checkin(ctx, false)
	}
	return resetErr
}
