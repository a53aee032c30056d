package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/pool"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// releaseTimeout bounds the slot release run from pool close events, which
// carry no context of their own.
const releaseTimeout = 5 * time.Second

var _ pool.Guard = (*DistributedQueue)(nil)

// Wrap returns a creator that acquires a distributed slot of the bucket
// before opening a connection. The slot is released again if create fails.
func (dq *DistributedQueue) Wrap(bucketID string, create pool.CreateFunc) pool.CreateFunc {
	return func(ctx context.Context) (dbapi.Connection, error) {
		if err := dq.Acquire(ctx, bucketID); err != nil {
			return nil, err
		}
		conn, err := create(ctx)
		if err != nil {
			dq.releaseSlot(bucketID)
			return nil, err
		}
		dq.held.Store(conn, bucketID)
		return conn, nil
	}
}

// Attach releases the slot of every connection created through Wrap once
// the pool closes it, detached connections included.
func (dq *DistributedQueue) Attach(bucketID string, p *pool.Pool) {
	p.Events().OnClose(func(conn dbapi.Connection, _ *pool.ConnectionRecord) {
		dq.forget(conn)
	})
	p.Events().OnCloseDetached(func(conn dbapi.Connection) {
		dq.forget(conn)
	})
	dq.logger.Debug("Guarding pool", zap.String("bucket", bucketID), zap.String("pool", p.Name()))
}

// Held returns the number of open connections holding a slot.
func (dq *DistributedQueue) Held() int {
	n := 0
	dq.held.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// forget releases conn's slot. Connections not created through Wrap, or
// already forgotten, are ignored.
func (dq *DistributedQueue) forget(conn dbapi.Connection) {
	bucketID, ok := dq.held.LoadAndDelete(conn)
	if !ok {
		return
	}
	dq.releaseSlot(bucketID.(string))
}

func (dq *DistributedQueue) releaseSlot(bucketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := dq.Release(ctx, bucketID); err != nil {
		dq.logger.Warn("Releasing distributed slot failed", zap.String("bucket", bucketID), zap.Error(err))
	}
}
