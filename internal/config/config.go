// Package config handles loading and validating daemon and bucket configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/sqlpool/internal/pool"
	"github.com/joao-brasil/sqlpool/pkg/bucket"
)

// ServerConfig holds the daemon settings.
type ServerConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	LogLevel            string        `yaml:"log_level"`
	Development         bool          `yaml:"development"`
}

// RedisConfig holds the Redis connection configuration. The distributed
// coordinator is only started when Enabled is set.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// QueueConfig bounds the distributed wait for a connection slot.
type QueueConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxQueueSize int           `yaml:"max_queue_size"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Redis    RedisConfig         `yaml:"redis"`
	Fallback FallbackConfig      `yaml:"fallback"`
	Queue    QueueConfig         `yaml:"queue"`
	Buckets  []pool.BucketConfig `yaml:"buckets"`
}

// serverFileConfig mirrors the YAML structure for the daemon config file.
type serverFileConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Queue    QueueConfig    `yaml:"queue"`
}

// bucketsFileConfig mirrors the YAML structure for the buckets config file.
type bucketsFileConfig struct {
	Buckets []pool.BucketConfig `yaml:"buckets"`
}

// Load reads and parses both daemon and buckets configuration files.
func Load(serverConfigPath, bucketsConfigPath string) (*Config, error) {
	serverData, err := os.ReadFile(serverConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", serverConfigPath, err)
	}
	bucketsData, err := os.ReadFile(bucketsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading buckets config %s: %w", bucketsConfigPath, err)
	}
	return Parse(serverData, bucketsData)
}

// Parse builds a Config from the contents of the two files.
func Parse(serverData, bucketsData []byte) (*Config, error) {
	var serverFile serverFileConfig
	if err := yaml.Unmarshal(serverData, &serverFile); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	var bucketsFile bucketsFileConfig
	if err := yaml.Unmarshal(bucketsData, &bucketsFile); err != nil {
		return nil, fmt.Errorf("parsing buckets config: %w", err)
	}

	cfg := &Config{
		Server:   serverFile.Server,
		Redis:    serverFile.Redis,
		Fallback: serverFile.Fallback,
		Queue:    serverFile.Queue,
		Buckets:  bucketsFile.Buckets,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

var knownDrivers = map[string]bool{
	bucket.DriverSQLServer: true,
	bucket.DriverPostgres:  true,
	bucket.DriverPgx:       true,
	bucket.DriverMySQL:     true,
	bucket.DriverSQLite:    true,
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket must be configured")
	}
	seen := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.ID == "" {
			return fmt.Errorf("bucket[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("bucket[%d].id %q is duplicated", i, b.ID)
		}
		seen[b.ID] = true

		driver := b.DriverName()
		if !knownDrivers[driver] {
			return fmt.Errorf("bucket[%d].driver %q is not supported", i, b.Driver)
		}
		switch {
		case b.URL != "":
		case driver == bucket.DriverSQLite:
			if b.Database == "" {
				return fmt.Errorf("bucket[%d].database is required", i)
			}
		default:
			if b.Host == "" {
				return fmt.Errorf("bucket[%d].host is required", i)
			}
			if b.Port == 0 {
				return fmt.Errorf("bucket[%d].port is required", i)
			}
		}
		if c.Redis.Enabled && b.MaxConnections == 0 {
			return fmt.Errorf("bucket[%d].max_connections is required", i)
		}
		if b.MinIdle < 0 {
			return fmt.Errorf("bucket[%d].min_idle must be >= 0", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HealthCheckInterval == 0 {
		c.Server.HealthCheckInterval = 15 * time.Second
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}
	if c.Queue.Timeout == 0 {
		c.Queue.Timeout = 30 * time.Second
	}
	if c.Queue.MaxQueueSize == 0 {
		c.Queue.MaxQueueSize = 1000
	}

	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.ConnectionTimeout == 0 {
			b.ConnectionTimeout = 30 * time.Second
		}
		if b.QueueTimeout == 0 {
			b.QueueTimeout = c.Queue.Timeout
		}
		if b.Pool.Strategy == "" {
			b.Pool = pool.DefaultOptions()
			b.Pool.Timeout = b.QueueTimeout
		}
		if b.Pool.LoggingName == "" {
			b.Pool.LoggingName = b.ID
		}
	}
}

// BucketByID returns the bucket configuration for a given bucket ID.
func (c *Config) BucketByID(id string) (*pool.BucketConfig, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].ID == id {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}

// BucketIDs lists the configured bucket IDs in file order.
func (c *Config) BucketIDs() []string {
	ids := make([]string, len(c.Buckets))
	for i, b := range c.Buckets {
		ids[i] = b.ID
	}
	return ids
}
