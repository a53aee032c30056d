// Package metrics defines Prometheus metrics for sqlpool.
// All collectors are registered upfront on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolSize is the configured base size of each pool.
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_pool_size",
		Help: "Configured pool size",
	}, []string{"pool"})

	// PoolCheckedOut tracks connections currently handed out.
	PoolCheckedOut = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_pool_checked_out",
		Help: "Number of connections checked out per pool",
	}, []string{"pool"})

	// PoolIdle tracks connections waiting in the pool.
	PoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_pool_idle",
		Help: "Number of idle connections per pool",
	}, []string{"pool"})

	// PoolOverflow is the queue pool overflow counter; negative while the
	// pool has not yet created size connections.
	PoolOverflow = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_pool_overflow",
		Help: "Current overflow per pool",
	}, []string{"pool"})

	PoolCheckouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_checkouts_total",
		Help: "Total record checkouts",
	}, []string{"pool"})

	PoolCheckins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_checkins_total",
		Help: "Total record checkins",
	}, []string{"pool"})

	// PoolConnects counts raw connection attempts by outcome.
	PoolConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_connects_total",
		Help: "Total raw connection attempts",
	}, []string{"pool", "status"})

	// PoolInvalidations counts invalidations by kind (hard, soft, pool).
	PoolInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_invalidations_total",
		Help: "Total connection invalidations",
	}, []string{"pool", "kind"})

	PoolTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_timeouts_total",
		Help: "Total checkouts that timed out waiting for a connection",
	}, []string{"pool"})

	// PoolWaitDuration tracks how long Connect takes, waiting included.
	PoolWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlpool_pool_checkout_seconds",
		Help:    "Time spent checking out a connection",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// PoolWarnings counts warning conditions such as double checkins.
	PoolWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_pool_warnings_total",
		Help: "Total pool warnings by kind",
	}, []string{"pool", "kind"})

	// SlotsTotal counts distributed slot acquire outcomes per bucket.
	SlotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_slots_total",
		Help: "Total distributed slot operations",
	}, []string{"bucket_id", "status"})

	// QueueLength tracks callers waiting for a distributed slot.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_queue_length",
		Help: "Number of callers waiting for a distributed slot per bucket",
	}, []string{"bucket_id"})

	// QueueWaitDuration tracks the time spent waiting for a distributed slot.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlpool_queue_wait_seconds",
		Help:    "Time spent waiting for a distributed slot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"bucket_id"})

	// CoordinatorEvents counts coordinator state changes.
	CoordinatorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_coordinator_events_total",
		Help: "Coordinator events (fallback entered/exited, dead instance cleanup)",
	}, []string{"event"})

	// RedisOperations counts Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
