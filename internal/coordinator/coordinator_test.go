package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/pool"
	"github.com/joao-brasil/sqlpool/pkg/bucket"
)

func testConfig(instanceID string, maxConns int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{InstanceID: instanceID},
		Redis: config.RedisConfig{
			Enabled:           true,
			HeartbeatInterval: time.Hour,
			HeartbeatTTL:      30 * time.Second,
		},
		Fallback: config.FallbackConfig{Enabled: true, LocalLimitDivisor: 2},
		Buckets: []pool.BucketConfig{
			{Bucket: bucket.Bucket{ID: "orders", MaxConnections: maxConns}},
		},
	}
}

func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis, cfg *config.Config) *RedisCoordinator {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc, err := NewWithClient(context.Background(), client, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close(context.Background()) })
	return rc
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 2))

	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	err := rc.Acquire(ctx, "orders")
	require.ErrorIs(t, err, ErrCapacity)

	count, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	counts, err := rc.InstanceCounts(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2}, counts)

	require.NoError(t, rc.Release(ctx, "orders"))
	require.NoError(t, rc.Release(ctx, "orders"))
	require.NoError(t, rc.Release(ctx, "orders"))

	count, err = rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, count)
	counts, err = rc.InstanceCounts(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 0}, counts)
}

func TestAcquireUnconfiguredBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 2))

	err := rc.Acquire(context.Background(), "missing")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCapacity)
	assert.Contains(t, err.Error(), "max not configured")
}

func TestLimitSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, testConfig("a", 2))
	b := newTestCoordinator(t, mr, testConfig("b", 2))

	require.NoError(t, a.Acquire(ctx, "orders"))
	require.NoError(t, b.Acquire(ctx, "orders"))
	assert.ErrorIs(t, a.Acquire(ctx, "orders"), ErrCapacity)
	assert.ErrorIs(t, b.Acquire(ctx, "orders"), ErrCapacity)

	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, instances)

	require.NoError(t, b.Release(ctx, "orders"))
	assert.NoError(t, a.Acquire(ctx, "orders"))
}

func TestSubscribeReceivesRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, testConfig("a", 1))
	b := newTestCoordinator(t, mr, testConfig("b", 1))

	require.NoError(t, a.Acquire(ctx, "orders"))
	ch, cancel, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Release(ctx, "orders"))
	select {
	case id := <-ch:
		assert.Equal(t, "orders", id)
	case <-time.After(2 * time.Second):
		t.Fatal("release notification not delivered")
	}

	cancel()
	cancel()
}

func TestCloseUnregistersInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, testConfig("a", 1))
	b := newTestCoordinator(t, mr, testConfig("b", 1))

	_, _, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, instances)
	assert.False(t, mr.Exists("sqlpool:instance:b:conns"))
}

func TestStartsInFallbackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("a", 4)
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	rc, err := NewWithClient(ctx, client, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rc.Close(ctx)

	assert.True(t, rc.IsFallback())
	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.ErrorIs(t, rc.Acquire(ctx, "orders"), ErrCapacity, "local limit is max/divisor")

	count, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ch, cancel, err := rc.Subscribe(ctx, "orders")
	require.NoError(t, err)
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok)

	cfg.Fallback.Enabled = false
	client = redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	_, err = NewWithClient(ctx, client, cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "redis ping failed")
	client.Close()
}

func TestFallbackAndReconcile(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 4))

	require.NoError(t, rc.Acquire(ctx, "orders"))

	mr.Close()
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.True(t, rc.IsFallback())
	require.Error(t, rc.ExitFallback(ctx))

	require.NoError(t, mr.Restart())
	require.NoError(t, rc.ExitFallback(ctx))
	assert.False(t, rc.IsFallback())

	count, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	counts, err := rc.InstanceCounts(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["orders"])
}

func TestSemaphoreWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, testConfig("a", 1))
	b := newTestCoordinator(t, mr, testConfig("b", 1))
	sem := NewSemaphore(b)

	require.NoError(t, a.Acquire(ctx, "orders"))
	assert.ErrorIs(t, sem.TryAcquire(ctx, "orders"), ErrCapacity)

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Release(ctx, "orders")
	}()

	start := time.Now()
	require.NoError(t, sem.Wait(ctx, "orders", 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	counts, err := b.InstanceCounts(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, counts["orders"])
}

func TestSemaphorePollsWithoutNotification(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 1))
	sem := NewSemaphore(rc)
	sem.pollInterval = 20 * time.Millisecond

	require.NoError(t, rc.Acquire(ctx, "orders"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.Set("sqlpool:bucket:orders:count", "0")
	}()
	assert.NoError(t, sem.Wait(ctx, "orders", 5*time.Second))
}

func TestSemaphoreTimeout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 1))
	sem := NewSemaphore(rc)

	require.NoError(t, rc.Acquire(ctx, "orders"))
	err := sem.Wait(ctx, "orders", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrSemaphoreTimeout)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = sem.Wait(cctx, "orders", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrSemaphoreTimeout))
}

func TestSemaphoreReturnsOtherErrorsImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 1))

	start := time.Now()
	err := NewSemaphore(rc).Wait(context.Background(), "missing", time.Minute)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHeartbeatRecoversDeadInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, testConfig("a", 3))
	b := newTestCoordinator(t, mr, testConfig("b", 3))
	hbA, hbB := NewHeartbeat(a), NewHeartbeat(b)

	hbA.Beat(ctx)
	hbB.Beat(ctx)
	require.NoError(t, a.Acquire(ctx, "orders"))
	require.NoError(t, b.Acquire(ctx, "orders"))
	require.NoError(t, b.Acquire(ctx, "orders"))

	assert.Zero(t, hbA.CleanupDeadInstances(ctx))

	mr.FastForward(31 * time.Second)
	hbA.Beat(ctx)
	assert.Equal(t, 2, hbA.CleanupDeadInstances(ctx))

	count, err := a.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, instances)
}

func TestHeartbeatLoopStops(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, testConfig("a", 1))

	hb := NewHeartbeat(rc)
	hb.Start(ctx)
	require.Eventually(t, func() bool {
		return mr.Exists("sqlpool:instance:a:heartbeat")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 30*time.Second, mr.TTL("sqlpool:instance:a:heartbeat"))

	hb.Stop()
	hb.Stop()
	rc.wg.Wait()
}
