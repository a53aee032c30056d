// Package queue puts callers that find a bucket at its global connection
// limit into a distributed wait, bounded by a timeout and a maximum queue
// depth. DistributedQueue also guards pool connection creation so every
// physical connection holds one distributed slot while it is open.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/coordinator"
	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// DistributedQueue manages the distributed wait queues of every bucket.
// Waiters on all instances are woken through the coordinator when any
// instance releases a slot.
type DistributedQueue struct {
	coordinator *coordinator.RedisCoordinator
	semaphore   *coordinator.Semaphore
	logger      *zap.Logger

	mu     sync.Mutex
	depths map[string]int

	timeout      time.Duration
	timeouts     map[string]time.Duration // per bucket, overrides timeout
	maxQueueSize int                      // per bucket, 0 = unlimited

	// held maps each connection created through Wrap to its bucket.
	held sync.Map
}

// NewDistributedQueue creates a distributed queue backed by rc, using the
// queue settings and per-bucket queue timeouts of cfg.
func NewDistributedQueue(rc *coordinator.RedisCoordinator, cfg *config.Config, logger *zap.Logger) *DistributedQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Queue.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timeouts := make(map[string]time.Duration, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		if b.QueueTimeout > 0 {
			timeouts[b.ID] = b.QueueTimeout
		}
	}

	return &DistributedQueue{
		coordinator:  rc,
		semaphore:    coordinator.NewSemaphore(rc),
		logger:       logger.Named("dqueue"),
		depths:       make(map[string]int),
		timeout:      timeout,
		timeouts:     timeouts,
		maxQueueSize: cfg.Queue.MaxQueueSize,
	}
}

// Acquire takes a distributed slot for the bucket, waiting for one when
// the bucket is at capacity. It returns a *QueueError when the queue is
// full or the wait times out, and the context error when ctx ends first.
func (dq *DistributedQueue) Acquire(ctx context.Context, bucketID string) error {
	err := dq.semaphore.TryAcquire(ctx, bucketID)
	if err == nil {
		metrics.SlotsTotal.WithLabelValues(bucketID, "acquired").Inc()
		return nil
	}
	if !errors.Is(err, coordinator.ErrCapacity) {
		metrics.SlotsTotal.WithLabelValues(bucketID, "error").Inc()
		return err
	}

	if dq.maxQueueSize > 0 {
		if depth := dq.Depth(bucketID); depth >= dq.maxQueueSize {
			metrics.SlotsTotal.WithLabelValues(bucketID, "rejected_queue_full").Inc()
			dq.logger.Warn("Queue full, rejecting request",
				zap.String("bucket", bucketID), zap.Int("depth", depth), zap.Int("max", dq.maxQueueSize))
			return &QueueError{
				BucketID: bucketID,
				Kind:     QueueErrorFull,
				Depth:    depth,
				MaxSize:  dq.maxQueueSize,
			}
		}
	}

	timeout := dq.timeoutFor(bucketID)
	depth := dq.incrementDepth(bucketID)
	defer dq.decrementDepth(bucketID)

	dq.logger.Debug("Entering distributed wait",
		zap.String("bucket", bucketID), zap.Int("depth", depth), zap.Duration("timeout", timeout))

	start := time.Now()
	err = dq.semaphore.Wait(ctx, bucketID, timeout)
	dur := time.Since(start)

	switch {
	case err == nil:
		metrics.SlotsTotal.WithLabelValues(bucketID, "acquired_after_wait").Inc()
		dq.logger.Debug("Acquired slot after wait", zap.String("bucket", bucketID), zap.Duration("waited", dur))
		return nil
	case ctx.Err() != nil:
		metrics.SlotsTotal.WithLabelValues(bucketID, "cancelled").Inc()
		dq.logger.Debug("Wait cancelled", zap.String("bucket", bucketID), zap.Duration("waited", dur))
		return ctx.Err()
	case errors.Is(err, coordinator.ErrSemaphoreTimeout):
		metrics.SlotsTotal.WithLabelValues(bucketID, "timeout").Inc()
		dq.logger.Warn("Wait timed out", zap.String("bucket", bucketID), zap.Duration("waited", dur))
		return &QueueError{
			BucketID: bucketID,
			Kind:     QueueErrorTimeout,
			WaitTime: dur,
			Timeout:  timeout,
		}
	default:
		metrics.SlotsTotal.WithLabelValues(bucketID, "error").Inc()
		return err
	}
}

// Release returns a slot of the bucket; waiters are notified by the
// coordinator.
func (dq *DistributedQueue) Release(ctx context.Context, bucketID string) error {
	return dq.coordinator.Release(ctx, bucketID)
}

// Depth returns the number of local callers waiting on the bucket.
func (dq *DistributedQueue) Depth(bucketID string) int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.depths[bucketID]
}

func (dq *DistributedQueue) timeoutFor(bucketID string) time.Duration {
	if t, ok := dq.timeouts[bucketID]; ok {
		return t
	}
	return dq.timeout
}

// QueueErrorKind classifies a queue failure.
type QueueErrorKind int

const (
	// QueueErrorTimeout means the caller waited the full timeout.
	QueueErrorTimeout QueueErrorKind = iota
	// QueueErrorFull means the queue was at its maximum depth.
	QueueErrorFull
)

// QueueError describes a rejected or timed out distributed wait.
type QueueError struct {
	BucketID string
	Kind     QueueErrorKind
	Depth    int           // QueueErrorFull
	MaxSize  int           // QueueErrorFull
	WaitTime time.Duration // QueueErrorTimeout
	Timeout  time.Duration // QueueErrorTimeout
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorFull:
		return fmt.Sprintf("queue full for bucket %s (depth=%d, max=%d)",
			e.BucketID, e.Depth, e.MaxSize)
	case QueueErrorTimeout:
		return fmt.Sprintf("queue timeout for bucket %s (waited=%v, timeout=%v)",
			e.BucketID, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("queue error for bucket %s", e.BucketID)
	}
}

// IsQueueFull reports whether err is a queue depth rejection.
func IsQueueFull(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe) && qe.Kind == QueueErrorFull
}

// IsQueueTimeout reports whether err is a queue wait timeout.
func IsQueueTimeout(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe) && qe.Kind == QueueErrorTimeout
}

func (dq *DistributedQueue) incrementDepth(bucketID string) int {
	dq.mu.Lock()
	dq.depths[bucketID]++
	depth := dq.depths[bucketID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(bucketID).Set(float64(depth))
	return depth
}

func (dq *DistributedQueue) decrementDepth(bucketID string) {
	dq.mu.Lock()
	dq.depths[bucketID] = max(dq.depths[bucketID]-1, 0)
	depth := dq.depths[bucketID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(bucketID).Set(float64(depth))
}
