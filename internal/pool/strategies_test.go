package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlpool/internal/dialect"
	"github.com/joao-brasil/sqlpool/internal/sqldbapi"
)

func TestSingletonPerAffinityKey(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategySingletonThread, f, func(o *Options) { o.PoolSize = 5 })

	a := WithAffinity(ctx, "a")
	b := WithAffinity(ctx, "b")

	ca1, err := p.Connect(a)
	require.NoError(t, err)
	ca2, err := p.Connect(a)
	require.NoError(t, err)
	assert.Same(t, ca1, ca2)

	cb, err := p.Connect(b)
	require.NoError(t, err)
	assert.NotSame(t, ca1.Record(), cb.Record())

	recA := ca1.Record()
	require.NoError(t, ca2.Close(ctx))
	require.NoError(t, ca1.Close(ctx))
	require.NoError(t, cb.Close(ctx))
	assert.Equal(t, 0, f.closed())

	again, err := p.Connect(a)
	require.NoError(t, err)
	assert.Same(t, recA, again.Record())
	require.NoError(t, again.Close(ctx))

	st := p.Stats()
	assert.Equal(t, 2, st.CheckedIn)
	assert.Equal(t, 0, st.CheckedOut)
	assert.Contains(t, p.Status(), "SingletonThreadPool")
}

func TestSingletonEvictsOldestIdle(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategySingletonThread, f, func(o *Options) { o.PoolSize = 2 })

	var recs []*ConnectionRecord
	for _, key := range []string{"a", "b", "c"} {
		c, err := p.Connect(WithAffinity(ctx, key))
		require.NoError(t, err)
		recs = append(recs, c.Record())
		require.NoError(t, c.Close(ctx))
	}

	assert.Nil(t, recs[0].Connection())
	assert.NotNil(t, recs[1].Connection())
	assert.NotNil(t, recs[2].Connection())
	assert.Equal(t, 1, f.closed())

	c, err := p.Connect(WithAffinity(ctx, "a"))
	require.NoError(t, err)
	assert.NotSame(t, recs[0], c.Record())
	require.NoError(t, c.Close(ctx))
}

func TestSingletonNeverEvictsCheckedOut(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategySingletonThread, f, func(o *Options) { o.PoolSize = 1 })

	held, err := p.Connect(WithAffinity(ctx, "a"))
	require.NoError(t, err)
	other, err := p.Connect(WithAffinity(ctx, "b"))
	require.NoError(t, err)

	assert.True(t, held.IsValid())
	assert.Equal(t, 0, f.closed())
	require.NoError(t, other.Close(ctx))
	require.NoError(t, held.Close(ctx))
}

func TestSingletonUniqueConnection(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategySingletonThread, f, func(o *Options) { o.PoolSize = 5 })

	shared, err := p.Connect(ctx)
	require.NoError(t, err)
	unique, err := p.UniqueConnection(ctx)
	require.NoError(t, err)
	assert.NotSame(t, shared.Record(), unique.Record())
	require.NoError(t, unique.Close(ctx))
	require.NoError(t, shared.Close(ctx))
}

func newSQLitePool(t *testing.T, kind Strategy, timeout time.Duration) *Pool {
	t.Helper()
	opts := DefaultOptions()
	opts.Dialect = dialect.SQLite()
	opts.Timeout = timeout
	p, err := New(kind, sqldbapi.Creator("sqlite", ":memory:", sqldbapi.Options{}), opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return p
}

func TestStaticPoolKeepsOneConnection(t *testing.T) {
	ctx := context.Background()
	p := newSQLitePool(t, StrategyStatic, 50*time.Millisecond)

	c, err := p.Connect(ctx)
	require.NoError(t, err)
	cur, err := c.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT)"))
	require.NoError(t, cur.Execute(ctx, "INSERT INTO events (name) VALUES (?)", "boot"))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, cur.Close(ctx))

	_, err = p.Connect(ctx)
	assert.True(t, IsTimeout(err))

	rec := c.Record()
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, Stats{Name: p.Name(), Strategy: StrategyStatic, Size: 1, CheckedIn: 1}, p.Stats())

	c, err = p.Connect(ctx)
	require.NoError(t, err)
	assert.Same(t, rec, c.Record())
	cur, err = c.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "SELECT name FROM events"))
	rows, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"boot"}}, rows)
	require.NoError(t, cur.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestStaticPoolRollsBackOnReturn(t *testing.T) {
	ctx := context.Background()
	p := newSQLitePool(t, StrategyStatic, time.Second)

	c, err := p.Connect(ctx)
	require.NoError(t, err)
	cur, err := c.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "CREATE TABLE kv (k TEXT)"))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, cur.Execute(ctx, "INSERT INTO kv (k) VALUES ('lost')"))
	require.NoError(t, cur.Close(ctx))
	require.NoError(t, c.Close(ctx))

	c, err = p.Connect(ctx)
	require.NoError(t, err)
	cur, err = c.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "SELECT count(*) FROM kv"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0)}, row)
	require.NoError(t, cur.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestStaticPoolPing(t *testing.T) {
	ctx := context.Background()
	p := newSQLitePool(t, StrategyStatic, time.Second)
	require.NoError(t, p.Ping(ctx))
	assert.Equal(t, 1, p.Stats().CheckedIn)
}

func TestAssertionPoolRejectsSecondCheckout(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategyAssertion, f, func(o *Options) { o.Echo = EchoDebug })

	c, err := p.Connect(ctx)
	require.NoError(t, err)

	_, err = p.Connect(ctx)
	var ire *InvalidRequestError
	require.ErrorAs(t, err, &ire)
	assert.Contains(t, ire.Msg, "already checked out at:")

	rec := c.Record()
	require.NoError(t, c.Close(ctx))
	c, err = p.Connect(ctx)
	require.NoError(t, err)
	assert.Same(t, rec, c.Record())
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, int64(1), f.created.Load())
}

func TestNullPoolNeverReuses(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p := newPool(t, StrategyNull, f, nil)

	c1, err := p.Connect(ctx)
	require.NoError(t, err)
	c2, err := p.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().CheckedOut)

	first := rawConn(t, c1)
	require.NoError(t, c1.Close(ctx))
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, int32(1), first.rollbacks.Load())

	c3, err := p.Connect(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, rawConn(t, c3))
	require.NoError(t, c2.Close(ctx))
	require.NoError(t, c3.Close(ctx))
	assert.Equal(t, int64(3), f.created.Load())
	assert.Equal(t, 3, f.closed())
	assert.Equal(t, "NullPool", p.Status())
}
