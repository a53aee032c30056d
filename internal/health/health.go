// Package health checks every bucket pool and Redis, and serves the results
// over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/pool"
)

// Status is the health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is the overall health.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pinger is a dependency that can be pinged, such as the Redis coordinator.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	redisTimeout = 5 * time.Second
	poolTimeout  = 10 * time.Second
)

// Checker runs health checks against the bucket pools and Redis.
type Checker struct {
	cfg     *config.Config
	manager *pool.Manager
	redis   Pinger
	logger  *zap.Logger

	mu   sync.RWMutex
	last *HealthReport
}

// NewChecker creates a checker. redis may be nil when the daemon runs
// without a coordinator.
func NewChecker(cfg *config.Config, manager *pool.Manager, redis Pinger, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		manager: manager,
		redis:   redis,
		logger:  logger.Named("health"),
	}
}

// Check pings every component concurrently and returns the report. The
// report is unhealthy if any component is.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Server.InstanceID,
	}

	buckets := c.manager.Buckets()
	offset := 0
	if c.redis != nil {
		offset = 1
	}
	components := make([]ComponentHealth, offset+len(buckets))

	var g errgroup.Group
	if c.redis != nil {
		g.Go(func() error {
			components[0] = c.checkRedis(ctx)
			return nil
		})
	}
	for i, id := range buckets {
		g.Go(func() error {
			components[offset+i] = c.checkBucket(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first check.
func (c *Checker) Last() *HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Status returns the one-line status of each bucket pool, keyed by bucket.
func (c *Checker) Status() map[string]string {
	out := make(map[string]string)
	for _, id := range c.manager.Buckets() {
		if p, ok := c.manager.Pool(id); ok {
			out[id] = p.Status()
		}
	}
	return out
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := c.redis.Ping(ctx); err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: time.Since(start).String(),
	}
}

func (c *Checker) checkBucket(ctx context.Context, bucketID string) ComponentHealth {
	start := time.Now()
	name := "bucket-" + bucketID
	ctx, cancel := context.WithTimeout(ctx, poolTimeout)
	defer cancel()

	if err := c.manager.Ping(ctx, bucketID); err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	msg := ""
	if p, ok := c.manager.Pool(bucketID); ok {
		msg = p.Status()
	}
	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: msg,
		Latency: time.Since(start).String(),
	}
}

// Run checks every interval until ctx is done, logging unhealthy
// components.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.Server.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := c.Check(ctx)
			for _, comp := range report.Components {
				if comp.Status == StatusUnhealthy {
					c.logger.Warn("Component unhealthy",
						zap.String("component", comp.Name), zap.String("message", comp.Message))
				}
			}
		}
	}
}

// Handler returns the health HTTP endpoints.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/health/pools", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.manager.Stats())
	})

	return mux
}

// Serve starts the health HTTP server on the configured port.
func (c *Checker) Serve() *http.Server {
	addr := fmt.Sprintf(":%d", c.cfg.Server.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("Health server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Health server error", zap.Error(err))
		}
	}()

	return server
}
