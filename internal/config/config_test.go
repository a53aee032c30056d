package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlpool/internal/pool"
)

const serverYAML = `
server:
  instance_id: poold-1
  metrics_port: 9191
  log_level: debug
redis:
  enabled: true
  addr: localhost:6379
  heartbeat_interval: 2s
queue:
  timeout: 5s
`

const bucketsYAML = `
buckets:
  - id: orders
    driver: sqlserver
    host: mssql.local
    port: 1433
    database: orders
    username: sa
    password: secret
    max_connections: 50
    min_idle: 2
    pool:
      strategy: queue
      pool_size: 10
      max_overflow: 5
      recycle: 30m
      pre_ping: true
      reset_on_return: commit
      echo: debug
  - id: events
    driver: postgres+pgx
    host: pg.local
    port: 5432
    database: events
    max_connections: 20
    queue_timeout: 2s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(serverYAML), []byte(bucketsYAML))
	require.NoError(t, err)

	assert.Equal(t, "poold-1", cfg.Server.InstanceID)
	assert.Equal(t, 9191, cfg.Server.MetricsPort)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Redis.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Redis.HeartbeatTTL)
	assert.Equal(t, 3, cfg.Fallback.LocalLimitDivisor)
	assert.Equal(t, []string{"orders", "events"}, cfg.BucketIDs())

	orders, ok := cfg.BucketByID("orders")
	require.True(t, ok)
	assert.Equal(t, 50, orders.MaxConnections)
	assert.Equal(t, 2, orders.MinIdle)
	assert.Equal(t, 5*time.Second, orders.QueueTimeout)
	assert.Equal(t, 30*time.Second, orders.ConnectionTimeout)
	assert.Equal(t, pool.StrategyQueue, orders.Pool.Strategy)
	assert.Equal(t, 10, orders.Pool.PoolSize)
	assert.Equal(t, 5, orders.Pool.MaxOverflow)
	assert.Equal(t, 30*time.Minute, orders.Pool.Recycle)
	assert.True(t, orders.Pool.PrePing)
	assert.Equal(t, pool.ResetCommit, orders.Pool.ResetOnReturn)
	assert.Equal(t, pool.EchoDebug, orders.Pool.Echo)
	assert.Equal(t, 30*time.Second, orders.Pool.Timeout)
	assert.Equal(t, 2, orders.Pool.CheckoutRetries)
	assert.Equal(t, "orders", orders.Pool.LoggingName)

	events, ok := cfg.BucketByID("events")
	require.True(t, ok)
	assert.True(t, events.Async())
	assert.Equal(t, 2*time.Second, events.QueueTimeout)
	assert.Equal(t, pool.DefaultOptions().PoolSize, events.Pool.PoolSize)
	assert.Equal(t, 2*time.Second, events.Pool.Timeout)
	assert.Equal(t, "events", events.Pool.LoggingName)

	_, ok = cfg.BucketByID("missing")
	assert.False(t, ok)
}

func TestParseDefaultsInstanceIDToHostname(t *testing.T) {
	cfg, err := Parse([]byte("server: {}\n"), []byte("buckets:\n  - {id: lite, driver: sqlite, database: ':memory:'}\n"))
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	assert.Equal(t, hostname, cfg.Server.InstanceID)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 1000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		buckets string
		wantErr string
	}{
		{"no buckets", "", "buckets: []", "at least one bucket"},
		{"missing id", "", "buckets:\n  - {host: h, port: 1}", "bucket[0].id is required"},
		{"duplicate id", "", "buckets:\n  - {id: a, host: h, port: 1}\n  - {id: a, host: h, port: 1}", `bucket[1].id "a" is duplicated`},
		{"bad driver", "", "buckets:\n  - {id: a, driver: oracle, host: h, port: 1}", `driver "oracle" is not supported`},
		{"missing host", "", "buckets:\n  - {id: a, port: 1}", "bucket[0].host is required"},
		{"missing port", "", "buckets:\n  - {id: a, host: h}", "bucket[0].port is required"},
		{"sqlite without database", "", "buckets:\n  - {id: a, driver: sqlite}", "bucket[0].database is required"},
		{"coordinated without limit", "redis: {enabled: true}", "buckets:\n  - {id: a, host: h, port: 1}", "bucket[0].max_connections is required"},
		{"negative min idle", "", "buckets:\n  - {id: a, host: h, port: 1, min_idle: -1}", "min_idle must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.server), []byte(tt.buckets))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsURLOnlyBucket(t *testing.T) {
	_, err := Parse(nil, []byte("buckets:\n  - {id: a, driver: mysql, url: 'u:p@tcp(h:3306)/db'}"))
	assert.NoError(t, err)
}

func TestParseRejectsBadPoolOptions(t *testing.T) {
	_, err := Parse(nil, []byte("buckets:\n  - id: a\n    host: h\n    port: 1\n    pool: {reset_on_return: sometimes}"))
	assert.ErrorContains(t, err, "parsing buckets config")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "poold.yaml")
	bucketsPath := filepath.Join(dir, "buckets.yaml")
	require.NoError(t, os.WriteFile(serverPath, []byte(serverYAML), 0o600))
	require.NoError(t, os.WriteFile(bucketsPath, []byte(bucketsYAML), 0o600))

	cfg, err := Load(serverPath, bucketsPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Buckets, 2)

	_, err = Load(filepath.Join(dir, "missing.yaml"), bucketsPath)
	assert.ErrorContains(t, err, "reading server config")
}
