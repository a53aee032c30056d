package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// Heartbeat refreshes this instance's presence key and recovers the slots
// held by instances whose presence key expired.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// cleanupEvery is the number of heartbeats between dead instance sweeps.
const cleanupEvery = 3

// NewHeartbeat creates a heartbeat worker for rc.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.Redis.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.Redis.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the heartbeat loop in the background until Stop, ctx is done
// or the coordinator is closed.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	hb.coordinator.logger.Info("Heartbeat started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl),
		zap.String("instance", hb.coordinator.instanceID))
}

// Stop ends the heartbeat loop.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.Beat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.Beat(ctx)

			beats++
			if beats%cleanupEvery == 0 {
				hb.CleanupDeadInstances(ctx)
			}
		}
	}
}

// Beat refreshes this instance's heartbeat key.
func (hb *Heartbeat) Beat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	err := hb.coordinator.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err()
	if err != nil {
		hb.coordinator.logger.Warn("Failed to send heartbeat", zap.Error(err))
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// CleanupDeadInstances recovers the slots of every registered instance
// without a live heartbeat key. It returns the number of slots recovered.
func (hb *Heartbeat) CleanupDeadInstances(ctx context.Context) int {
	if hb.coordinator.IsFallback() {
		return 0
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		hb.coordinator.logger.Warn("Failed to list instances", zap.Error(err))
		return 0
	}

	recovered := 0
	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}

		exists, err := hb.coordinator.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		hb.coordinator.logger.Warn("Instance has no heartbeat, recovering its slots",
			zap.String("instance", instID))
		recovered += hb.cleanupInstance(ctx, instID)
	}
	return recovered
}

func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) int {
	client := hb.coordinator.client
	instKey := fmt.Sprintf(keyInstanceConn, deadInstanceID)

	counts, err := client.HGetAll(ctx, instKey).Result()
	if err != nil {
		hb.coordinator.logger.Warn("Failed to read dead instance counts",
			zap.String("instance", deadInstanceID), zap.Error(err))
		return 0
	}

	pipe := client.Pipeline()
	recovered := 0
	for bucketID, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyBucketCount, bucketID), int64(count))
		recovered += count
	}
	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, deadInstanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		hb.coordinator.logger.Warn("Failed to clean up dead instance",
			zap.String("instance", deadInstanceID), zap.Error(err))
		return 0
	}

	metrics.InstanceHeartbeat.WithLabelValues(deadInstanceID).Set(0)
	if recovered > 0 {
		hb.coordinator.logger.Info("Recovered slots from dead instance",
			zap.String("instance", deadInstanceID), zap.Int("slots", recovered))
		metrics.CoordinatorEvents.WithLabelValues("dead_instance_cleanup").Inc()
	}

	// Counters never go below zero.
	for bucketID := range counts {
		countKey := fmt.Sprintf(keyBucketCount, bucketID)
		val, err := client.Get(ctx, countKey).Int64()
		if err == nil && val < 0 {
			client.Set(ctx, countKey, 0, 0)
			hb.coordinator.logger.Warn("Corrected negative count", zap.String("bucket", bucketID))
		}
	}
	return recovered
}
