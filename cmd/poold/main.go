// Package main is the entrypoint for the connection pool daemon. It loads
// configuration, builds a pool per bucket, optionally coordinates
// connection limits across instances through Redis, and serves health and
// metrics endpoints until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/coordinator"
	"github.com/joao-brasil/sqlpool/internal/health"
	"github.com/joao-brasil/sqlpool/internal/logging"
	"github.com/joao-brasil/sqlpool/internal/metrics"
	"github.com/joao-brasil/sqlpool/internal/pool"
	"github.com/joao-brasil/sqlpool/internal/queue"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SQLPOOL")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "poold",
		Short:         "poold - pooled database connections per bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v.GetString("config"), v.GetString("buckets"))
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if lvl := v.GetString("log_level"); lvl != "" {
				cfg.Server.LogLevel = lvl
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().String("config", "configs/poold.yaml", "Path to daemon configuration file")
	root.PersistentFlags().String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
	root.Flags().String("log-level", "", "Log level override (debug, info, warn, error)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("buckets", root.PersistentFlags().Lookup("buckets"))
	_ = v.BindPFlag("log_level", root.Flags().Lookup("log-level"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "poold v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration files and list the buckets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v.GetString("config"), v.GetString("buckets"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance %s: %d buckets (redis enabled: %t)\n",
				cfg.Server.InstanceID, len(cfg.Buckets), cfg.Redis.Enabled)
			for _, b := range cfg.Buckets {
				fmt.Fprintf(out, "  %s driver=%s strategy=%s pool_size=%d max_overflow=%d max_connections=%d\n",
					b.ID, b.DriverName(), b.Pool.Strategy, b.Pool.PoolSize, b.Pool.MaxOverflow, b.MaxConnections)
			}
			return nil
		},
	})

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Server.LogLevel,
		Development: cfg.Server.Development,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting poold",
		zap.String("version", version),
		zap.String("instance", cfg.Server.InstanceID),
		zap.Int("buckets", len(cfg.Buckets)))
	for _, b := range cfg.Buckets {
		logger.Info("Bucket configured",
			zap.String("bucket", b.ID),
			zap.String("driver", b.DriverName()),
			zap.String("strategy", string(b.Pool.Strategy)),
			zap.Int("max_connections", b.MaxConnections),
			zap.Int("min_idle", b.MinIdle))
	}

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)
	for _, b := range cfg.Buckets {
		metrics.QueueLength.WithLabelValues(b.ID).Set(0)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	var (
		rc     *coordinator.RedisCoordinator
		hb     *coordinator.Heartbeat
		guard  pool.Guard
		pinger health.Pinger
	)
	if cfg.Redis.Enabled {
		rc, err = coordinator.NewRedisCoordinator(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing coordinator: %w", err)
		}
		if rc.IsFallback() {
			logger.Warn("Coordinator started in fallback mode (Redis unavailable)")
		}
		hb = coordinator.NewHeartbeat(rc)
		hb.Start(ctx)
		guard = queue.NewDistributedQueue(rc, cfg, logger)
		pinger = rc
		logger.Info("Distributed queue ready",
			zap.Duration("timeout", cfg.Queue.Timeout), zap.Int("max_queue_size", cfg.Queue.MaxQueueSize))
	}

	manager, err := pool.NewManager(ctx, cfg.Buckets, logger, guard)
	if err != nil {
		if rc != nil {
			hb.Stop()
			rc.Close(context.Background())
		}
		return fmt.Errorf("initializing pool manager: %w", err)
	}
	for _, s := range manager.Stats() {
		logger.Info("Pool ready",
			zap.String("pool", s.Name),
			zap.String("strategy", string(s.Strategy)),
			zap.Int("size", s.Size),
			zap.Int("idle", s.CheckedIn))
	}

	checker := health.NewChecker(cfg, manager, pinger, logger)
	healthServer := checker.Serve()
	report := checker.Check(ctx)
	logger.Info("Initial health check", zap.String("status", string(report.Status)))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go checker.Run(runCtx)

	logger.Info("poold is ready, waiting for shutdown signal")
	<-runCtx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown error", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Pool manager close", zap.Error(err))
	}
	if rc != nil {
		hb.Stop()
		if err := rc.Close(shutdownCtx); err != nil {
			logger.Warn("Coordinator close error", zap.Error(err))
		}
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
