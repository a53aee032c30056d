package pool

import (
	"context"
	"errors"
	"maps"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// ConnectionFairy is the caller's handle on a checked-out connection.
// Closing it resets the connection and returns it to the pool; a fairy that
// is never closed is returned when the garbage collector reclaims it.
//
// Repeated checkouts with the same affinity key on a thread-local pool hand
// back the same fairy; it only returns to the pool when every one of those
// checkouts has been closed.
type ConnectionFairy struct {
	pool *Pool
	echo bool

	mu         sync.Mutex
	conn       dbapi.Connection
	rec        *ConnectionRecord
	counter    int
	detached   bool
	info       map[string]any
	resetAgent ResetAgent

	cleanup    runtime.Cleanup
	hasCleanup bool
}

// Connection returns the raw connection, or nil once the fairy is closed or
// invalidated.
func (f *ConnectionFairy) Connection() dbapi.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// Record returns the underlying record; nil after Detach or Close.
func (f *ConnectionFairy) Record() *ConnectionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec
}

// IsValid reports whether the fairy still holds a usable connection.
func (f *ConnectionFairy) IsValid() bool {
	return f.Connection() != nil
}

// Info is the record's per-connection info, or the fairy's private copy
// after Detach.
func (f *ConnectionFairy) Info() map[string]any {
	f.mu.Lock()
	rec := f.rec
	if rec == nil {
		if f.info == nil {
			f.info = make(map[string]any)
		}
		info := f.info
		f.mu.Unlock()
		return info
	}
	f.mu.Unlock()
	return rec.Info()
}

// RecordInfo is the record's persistent info, or nil when detached.
func (f *ConnectionFairy) RecordInfo() map[string]any {
	rec := f.Record()
	if rec == nil {
		return nil
	}
	return rec.RecordInfo()
}

// SetResetAgent routes reset-on-return through agent.
func (f *ConnectionFairy) SetResetAgent(agent ResetAgent) {
	f.mu.Lock()
	f.resetAgent = agent
	f.mu.Unlock()
}

// Cursor opens a cursor on the raw connection.
func (f *ConnectionFairy) Cursor(ctx context.Context) (dbapi.Cursor, error) {
	conn := f.Connection()
	if conn == nil {
		return nil, ErrConnectionClosed
	}
	return conn.Cursor(ctx)
}

// ServerSideCursor opens a streaming cursor when the driver supports one.
func (f *ConnectionFairy) ServerSideCursor(ctx context.Context) (dbapi.Cursor, error) {
	conn := f.Connection()
	if conn == nil {
		return nil, ErrConnectionClosed
	}
	ss, ok := conn.(dbapi.ServerSideCursorer)
	if !ok {
		return nil, dbapi.Errorf(dbapi.KindNotSupported, nil, "%T does not support server side cursors", conn)
	}
	return ss.ServerSideCursor(ctx)
}

func (f *ConnectionFairy) Commit(ctx context.Context) error {
	conn := f.Connection()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Commit(ctx)
}

func (f *ConnectionFairy) Rollback(ctx context.Context) error {
	conn := f.Connection()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Rollback(ctx)
}

// Close releases one checkout. When the last one is released the connection
// is reset and returned to the pool; the reset error, if any, is returned
// after the record has been invalidated and checked in.
func (f *ConnectionFairy) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.counter <= 0 {
		detached := f.detached && f.conn == nil
		f.mu.Unlock()
		if detached {
			f.pool.warn("double_close", "Close called on an already closed detached connection")
		}
		return nil
	}
	f.counter--
	last := f.counter == 0
	f.mu.Unlock()
	if !last {
		return nil
	}
	return f.checkin(ctx)
}

// Invalidate marks the connection unusable. A hard invalidation also closes
// the connection and returns the record to the pool; soft only schedules a
// reconnect for the record's next checkout.
func (f *ConnectionFairy) Invalidate(ctx context.Context, err error, soft bool) {
	f.mu.Lock()
	conn, rec := f.conn, f.rec
	f.mu.Unlock()
	if conn == nil {
		f.pool.warn("invalidate_closed", "Can't invalidate an already-closed connection")
		return
	}
	if rec != nil {
		rec.Invalidate(ctx, err, soft)
	}
	if !soft {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = f.checkin(ctx)
	}
}

// Detach removes the connection from the pool. The slot goes back to the
// pool without its connection, and closing the fairy later closes the
// connection for good.
func (f *ConnectionFairy) Detach(ctx context.Context) {
	f.mu.Lock()
	rec := f.rec
	if rec == nil {
		f.mu.Unlock()
		return
	}
	conn := f.conn
	f.rec = nil
	f.detached = true
	f.info = maps.Clone(rec.Info())
	if f.hasCleanup {
		f.cleanup.Stop()
	}
	if conn != nil {
		f.cleanup = runtime.AddCleanup(f, finalizeFromGC, gcState{pool: f.pool, conn: conn, echo: f.echo})
		f.hasCleanup = true
	} else {
		f.hasCleanup = false
	}
	f.mu.Unlock()

	p := f.pool
	rec.mu.Lock()
	affinity := rec.affinity
	rec.mu.Unlock()
	if affinity != nil {
		p.threadConns.release(affinity, rec)
	}
	rec.detachConn()
	p.refs.discard(rec)
	p.strategy.doReturnConn(ctx, rec)
	p.events.fireDetach(conn, rec)
	p.updateMetrics()
}

func (f *ConnectionFairy) checkin(ctx context.Context) error {
	f.mu.Lock()
	conn, rec, agent := f.conn, f.rec, f.resetAgent
	f.conn, f.rec = nil, nil
	f.counter = 0
	if f.hasCleanup {
		f.cleanup.Stop()
		f.hasCleanup = false
	}
	f.mu.Unlock()
	return finalizeFairy(ctx, f.pool, conn, rec, nil, f.echo, agent)
}

func (f *ConnectionFairy) checkoutExisting(ctx context.Context) (*ConnectionFairy, error) {
	return checkoutFairy(ctx, f.pool, nil, f)
}

// checkoutFairy checks out a new fairy (or re-enters fairy) and, on its
// first checkout, runs pre-ping and checkout listeners, replacing the
// connection when they report a disconnect.
func checkoutFairy(ctx context.Context, p *Pool, threadConns *fairyMap, fairy *ConnectionFairy) (*ConnectionFairy, error) {
	if fairy == nil {
		var err error
		fairy, err = checkoutRecord(ctx, p)
		if err != nil {
			return nil, err
		}
		if threadConns != nil {
			key := affinityOf(ctx)
			rec := fairy.Record()
			rec.mu.Lock()
			rec.affinity = key
			rec.mu.Unlock()
			threadConns.set(key, fairy, rec)
		}
	}

	fairy.mu.Lock()
	if fairy.conn == nil {
		fairy.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	fairy.counter++
	first := fairy.counter == 1
	fairy.mu.Unlock()

	if !first || (!p.opts.PrePing && !p.events.hasCheckout()) {
		return fairy, nil
	}

	for attempts := p.opts.CheckoutRetries; attempts > 0; attempts-- {
		err := fairy.runCheckoutHooks(ctx)
		if err == nil {
			return fairy, nil
		}
		var de *DisconnectionError
		if !errors.As(err, &de) {
			_ = fairy.Close(ctx)
			return nil, err
		}

		rec := fairy.Record()
		if de.InvalidatePool {
			p.logInfo("Disconnection detected on checkout, invalidating all pooled connections prior to current timestamp",
				zap.NamedError("reason", de))
			rec.Invalidate(ctx, de, false)
			p.Invalidate(ctx, fairy, de, false)
		} else {
			p.logInfo("Disconnection detected on checkout, invalidating individual connection",
				connField(fairy.Connection()), zap.NamedError("reason", de))
			rec.Invalidate(ctx, de, false)
		}

		conn, err := rec.GetConnection(ctx)
		if err != nil {
			fairy.abandon()
			rec.checkinFailed(ctx, err)
			return nil, err
		}
		fairy.mu.Lock()
		fairy.conn = conn
		fairy.mu.Unlock()
	}

	p.logInfo("Reconnection attempts exhausted on checkout")
	fairy.Invalidate(ctx, nil, false)
	return nil, ErrConnectionClosed
}

func (f *ConnectionFairy) runCheckoutHooks(ctx context.Context) error {
	p := f.pool
	f.mu.Lock()
	conn, rec := f.conn, f.rec
	f.mu.Unlock()

	if p.opts.PrePing {
		if f.echo {
			p.logDebug("Pool pre-ping on connection", connField(conn))
		}
		ok, err := p.dialect.DoPing(ctx, conn)
		if err != nil {
			return err
		}
		if !ok {
			if f.echo {
				p.logDebug("Pool pre-ping on connection failed, will invalidate pool", connField(conn))
			}
			return &DisconnectionError{InvalidatePool: true, Err: errPrePing}
		}
	}
	return p.events.fireCheckout(conn, rec, f)
}

// abandon drops the fairy's hold on its record without checking it in.
func (f *ConnectionFairy) abandon() {
	f.mu.Lock()
	f.conn, f.rec = nil, nil
	f.counter = 0
	if f.hasCleanup {
		f.cleanup.Stop()
		f.hasCleanup = false
	}
	f.mu.Unlock()
}
