package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// Semaphore waits for a free slot of a bucket when every slot is taken,
// then acquires it. Release notifications wake waiters immediately and a
// poll covers notifications lost in transit.
type Semaphore struct {
	coordinator  *RedisCoordinator
	pollInterval time.Duration
}

// NewSemaphore creates a semaphore over rc.
func NewSemaphore(rc *RedisCoordinator) *Semaphore {
	return &Semaphore{coordinator: rc, pollInterval: 500 * time.Millisecond}
}

// ErrSemaphoreTimeout is returned by Wait when no slot frees up in time.
var ErrSemaphoreTimeout = errors.New("semaphore timeout")

// Wait acquires a slot of the bucket, waiting up to timeout for one to be
// released. A timeout <= 0 waits until ctx is done. Failures other than a
// full bucket are returned without waiting.
func (s *Semaphore) Wait(ctx context.Context, bucketID string, timeout time.Duration) error {
	err := s.coordinator.Acquire(ctx, bucketID)
	if err == nil || !errors.Is(err, ErrCapacity) {
		return err
	}

	start := time.Now()
	s.coordinator.logger.Debug("Waiting for connection slot",
		zap.String("bucket", bucketID), zap.Duration("timeout", timeout))

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	notifyCh, unsubscribe, err := s.coordinator.Subscribe(ctx, bucketID)
	if err != nil {
		s.coordinator.logger.Debug("Subscribe failed, polling", zap.Error(err))
		notifyCh = nil
	} else {
		defer unsubscribe()
	}

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 && time.Since(start) >= timeout {
				metrics.SlotsTotal.WithLabelValues(bucketID, "timeout").Inc()
				return fmt.Errorf("%w (%v) for bucket %s", ErrSemaphoreTimeout, timeout, bucketID)
			}
			metrics.SlotsTotal.WithLabelValues(bucketID, "cancelled").Inc()
			return ctx.Err()

		case _, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}

		case <-pollTicker.C:
		}

		err := s.coordinator.Acquire(ctx, bucketID)
		switch {
		case err == nil:
			dur := time.Since(start)
			metrics.QueueWaitDuration.WithLabelValues(bucketID).Observe(dur.Seconds())
			s.coordinator.logger.Debug("Acquired slot after wait",
				zap.String("bucket", bucketID), zap.Duration("waited", dur))
			return nil
		case !errors.Is(err, ErrCapacity) && ctx.Err() == nil:
			return err
		}
	}
}

// TryAcquire attempts a single acquire without waiting.
func (s *Semaphore) TryAcquire(ctx context.Context, bucketID string) error {
	err := s.coordinator.Acquire(ctx, bucketID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}
