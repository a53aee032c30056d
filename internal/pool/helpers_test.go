package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joao-brasil/sqlpool/internal/dialect"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn records what the pool did to it.
type fakeConn struct {
	id int64

	dead      atomic.Bool
	closes    atomic.Int32
	rollbacks atomic.Int32
	commits   atomic.Int32
	rollbackErr error

	mu        sync.Mutex
	pending   int
	committed int
}

func (c *fakeConn) Cursor(context.Context) (dbapi.Cursor, error) {
	return nil, dbapi.Errorf(dbapi.KindNotSupported, nil, "fake connection has no cursors")
}

func (c *fakeConn) Commit(context.Context) error {
	c.commits.Add(1)
	c.mu.Lock()
	c.committed += c.pending
	c.pending = 0
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Rollback(context.Context) error {
	c.rollbacks.Add(1)
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	c.mu.Lock()
	c.pending = 0
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.closes.Add(1)
	c.dead.Store(true)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	if c.dead.Load() {
		return dbapi.Errorf(dbapi.KindOperational, dbapi.ErrConnectionClosed, "server closed the connection")
	}
	return nil
}

func (c *fakeConn) state() (pending, committed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.committed
}

// factory is a creator handing out fakeConns.
type factory struct {
	created atomic.Int64
	fail    atomic.Bool
	// bornDead makes every new connection fail its pings.
	bornDead atomic.Bool

	mu    sync.Mutex
	conns []*fakeConn
}

var errConnectRefused = errors.New("connection refused")

func (f *factory) create(context.Context) (dbapi.Connection, error) {
	if f.fail.Load() {
		return nil, errConnectRefused
	}
	c := &fakeConn{id: f.created.Add(1)}
	c.dead.Store(f.bornDead.Load())
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *factory) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		n += int(c.closes.Load())
	}
	return n
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newPool(t *testing.T, kind Strategy, f *factory, mutate func(o *Options)) *Pool {
	t.Helper()
	opts := DefaultOptions()
	opts.Dialect = dialect.Default()
	opts.Timeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(kind, f.create, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return p
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func rawConn(t require.TestingT, f *ConnectionFairy) *fakeConn {
	c, ok := f.Connection().(*fakeConn)
	require.True(t, ok, "unexpected connection %T", f.Connection())
	return c
}
