// Package coordinator limits the physical connections opened to each bucket
// across every running daemon instance, using Redis as the shared counter.
//
// It provides:
//   - atomic slot acquire/release through Lua scripts
//   - per-instance slot accounting, so a dead instance's slots can be recovered
//   - a fallback mode with local limits while Redis is unreachable
//   - Pub/Sub release notifications that wake waiters on other instances
package coordinator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/metrics"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// Redis key layout.
const (
	keyBucketCount  = "sqlpool:bucket:%s:count"
	keyBucketMax    = "sqlpool:bucket:%s:max"
	keyInstanceConn = "sqlpool:instance:%s:conns" // hash: bucket id -> slots held
	keyInstanceHB   = "sqlpool:instance:%s:heartbeat"
	keyInstanceList = "sqlpool:instances"
	channelRelease  = "sqlpool:release:%s"
)

// ErrCapacity is returned by Acquire when the bucket has no free slot.
var ErrCapacity = errors.New("at max capacity")

// RedisCoordinator manages distributed connection limits through Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string
	logger     *zap.Logger

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	subMu       sync.Mutex
	subscribers map[*redis.PubSub]struct{}

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisCoordinator connects to the configured Redis and registers this
// instance and the bucket limits.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	rc, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return rc, nil
}

// NewWithClient is NewRedisCoordinator over an existing client. The
// coordinator owns the client from now on.
func NewWithClient(ctx context.Context, client redis.UniversalClient, cfg *config.Config, logger *zap.Logger) (*RedisCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Server.InstanceID,
		logger:         logger.Named("coordinator"),
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[*redis.PubSub]struct{}),
		stopCh:         make(chan struct{}),
	}

	pingCtx := ctx
	if cfg.Redis.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		defer cancel()
	}

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if cfg.Fallback.Enabled {
			rc.logger.Warn("Redis unavailable, starting in fallback mode", zap.Error(err))
			rc.fallbackMode.Store(true)
			metrics.CoordinatorEvents.WithLabelValues("fallback_entered").Inc()
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}
	if err := rc.initBucketLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing bucket limits: %w", err)
	}
	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	rc.logger.Info("Coordinator initialized",
		zap.String("instance", rc.instanceID), zap.Int("buckets", len(cfg.Buckets)))
	return rc, nil
}

func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha

	rc.logger.Debug("Lua scripts loaded",
		zap.String("acquire", rc.acquireSHA[:8]), zap.String("release", rc.releaseSHA[:8]))
	return nil
}

// initBucketLimits publishes each bucket's max and creates missing counters.
func (rc *RedisCoordinator) initBucketLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for _, b := range rc.cfg.Buckets {
		pipe.Set(ctx, fmt.Sprintf(keyBucketMax, b.ID), b.MaxConnections, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyBucketCount, b.ID), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for _, b := range rc.cfg.Buckets {
		pipe.HSetNX(ctx, instKey, b.ID, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Acquire takes one connection slot of the bucket. It returns an error
// wrapping ErrCapacity when every slot is taken.
func (rc *RedisCoordinator) Acquire(ctx context.Context, bucketID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(bucketID)
	}

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{
			fmt.Sprintf(keyBucketCount, bucketID),
			fmt.Sprintf(keyBucketMax, bucketID),
			fmt.Sprintf(keyInstanceConn, rc.instanceID),
		},
		bucketID, rc.instanceID,
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.logger.Warn("Redis acquire failed, falling back to local limits", zap.Error(err))
			rc.enterFallback()
			return rc.acquireFallback(bucketID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch result {
	case -1:
		return fmt.Errorf("bucket %s %w", bucketID, ErrCapacity)
	case -2:
		return fmt.Errorf("bucket %s max not configured in Redis", bucketID)
	}
	return nil
}

// Release returns one slot of the bucket and notifies waiting instances.
func (rc *RedisCoordinator) Release(ctx context.Context, bucketID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(bucketID)
		return nil
	}

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{
			fmt.Sprintf(keyBucketCount, bucketID),
			fmt.Sprintf(keyInstanceConn, rc.instanceID),
		},
		bucketID, fmt.Sprintf(channelRelease, bucketID),
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(bucketID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// Subscribe delivers the bucket ID on the returned channel whenever any
// instance releases a slot of the bucket. Notifications are dropped while
// the consumer is busy. The returned func ends the subscription.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, bucketID string) (<-chan string, func(), error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, func() {}, nil
	}

	sub := rc.client.Subscribe(ctx, fmt.Sprintf(channelRelease, bucketID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s releases: %w", bucketID, err)
	}

	rc.subMu.Lock()
	if rc.subscribers == nil {
		rc.subMu.Unlock()
		sub.Close()
		return nil, nil, errors.New("coordinator closed")
	}
	rc.subscribers[sub] = struct{}{}
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			rc.subMu.Lock()
			if rc.subscribers != nil {
				delete(rc.subscribers, sub)
			}
			rc.subMu.Unlock()
			sub.Close()
		})
	}

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
				}
			}
		}
	}()

	return notifyCh, cancel, nil
}

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		rc.logger.Warn("Entering fallback mode (local limits)")
		metrics.CoordinatorEvents.WithLabelValues("fallback_entered").Inc()
	}
}

// ExitFallback reconnects to Redis, writes the local counts back and leaves
// fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	// Scripts may have been flushed while Redis was away.
	if err := rc.loadScripts(ctx); err != nil {
		return err
	}
	if err := rc.initBucketLimits(ctx); err != nil {
		return err
	}
	if err := rc.registerInstance(ctx); err != nil {
		return err
	}
	if err := rc.reconcileCounts(ctx); err != nil {
		rc.logger.Warn("Reconciliation failed", zap.Error(err))
		return err
	}

	rc.fallbackMode.Store(false)
	rc.logger.Info("Exited fallback mode, Redis reconnected")
	metrics.CoordinatorEvents.WithLabelValues("fallback_exited").Inc()
	return nil
}

// IsFallback reports whether local limits are in effect.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(bucketID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(bucketID)
	current := rc.fallbackCounts[bucketID]
	if current >= localMax {
		return fmt.Errorf("bucket %s local fallback limit (%d/%d): %w",
			bucketID, current, localMax, ErrCapacity)
	}
	rc.fallbackCounts[bucketID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(bucketID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()
	if rc.fallbackCounts[bucketID] > 0 {
		rc.fallbackCounts[bucketID]--
	}
}

// localLimit is this instance's share of the bucket while in fallback mode.
func (rc *RedisCoordinator) localLimit(bucketID string) int {
	b, ok := rc.cfg.BucketByID(bucketID)
	if !ok {
		return 1
	}
	divisor := rc.cfg.Fallback.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	return max(b.MaxConnections/divisor, 1)
}

// reconcileCounts adds the slots taken during fallback to the global
// counters and records them as held by this instance.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := maps.Clone(rc.fallbackCounts)
	clear(rc.fallbackCounts)
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for bucketID, count := range counts {
		if count == 0 {
			continue
		}
		pipe.IncrBy(ctx, fmt.Sprintf(keyBucketCount, bucketID), int64(count))
		pipe.HIncrBy(ctx, instKey, bucketID, int64(count))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rc.fallbackMu.Lock()
		for k, v := range counts {
			rc.fallbackCounts[k] += v
		}
		rc.fallbackMu.Unlock()
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	rc.logger.Info("Reconciled fallback counts to Redis", zap.Int("buckets", len(counts)))
	return nil
}

// GlobalCount returns the number of slots taken across all instances.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, bucketID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[bucketID], nil
	}

	val, err := rc.client.Get(ctx, fmt.Sprintf(keyBucketCount, bucketID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns the slots held per bucket by one instance.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	result, err := rc.client.HGetAll(ctx, fmt.Sprintf(keyInstanceConn, instanceID)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(result))
	for k, v := range result {
		n, _ := strconv.Atoi(v)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the IDs of registered instances.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// Ping checks Redis connectivity.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close stops the subscriptions, unregisters the instance and closes the
// Redis client.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	var err error
	rc.closeOnce.Do(func() {
		close(rc.stopCh)

		rc.subMu.Lock()
		subs := rc.subscribers
		rc.subscribers = nil
		rc.subMu.Unlock()
		for sub := range subs {
			sub.Close()
		}
		rc.wg.Wait()

		if !rc.fallbackMode.Load() {
			pipe := rc.client.Pipeline()
			pipe.SRem(ctx, keyInstanceList, rc.instanceID)
			pipe.Del(ctx, fmt.Sprintf(keyInstanceConn, rc.instanceID))
			pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, rc.instanceID))
			if _, perr := pipe.Exec(ctx); perr != nil {
				rc.logger.Warn("Unregistering instance failed", zap.Error(perr))
			}
		}

		rc.logger.Info("Instance unregistered", zap.String("instance", rc.instanceID))
		err = rc.client.Close()
	})
	return err
}

// Client returns the underlying Redis client.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
