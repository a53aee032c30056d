// Package main is a load generator for the bucket pools. Workers check out
// a connection, run a query, fetch its rows and return the connection, at
// a bounded rate, then report checkout latency percentiles and the final
// pool status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/internal/logging"
	"github.com/joao-brasil/sqlpool/internal/pool"
)

// Options are the load generator settings.
type Options struct {
	Bucket   string
	Workers  int
	Duration time.Duration
	Rate     float64 // checkouts per second across all workers, 0 = unlimited
	Query    string
	Hold     time.Duration // time each connection is kept before returning it
}

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

	var opts Options
	root := &cobra.Command{
		Use:           "loadgen",
		Short:         "Generate checkout load against a bucket pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v.GetString("config"), v.GetString("buckets"))
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			level := v.GetString("log_level")
			if level == "" {
				level = "warn"
			}
			logger, err := logging.New(logging.Config{Level: level, Encoding: "console"})
			if err != nil {
				return err
			}
			defer logger.Sync()

			if opts.Bucket == "" {
				opts.Bucket = cfg.Buckets[0].ID
			}
			b, ok := cfg.BucketByID(opts.Bucket)
			if !ok {
				return fmt.Errorf("unknown bucket: %s", opts.Bucket)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := pool.NewManager(ctx, []pool.BucketConfig{*b}, logger, nil)
			if err != nil {
				return err
			}
			defer m.Close(context.Background())

			report, err := Run(ctx, m, opts, logger)
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			return nil
		},
	}

	root.Flags().String("config", "configs/poold.yaml", "Path to daemon configuration file")
	root.Flags().String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
	root.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag("config", root.Flags().Lookup("config"))
	_ = v.BindPFlag("buckets", root.Flags().Lookup("buckets"))
	_ = v.BindPFlag("log_level", root.Flags().Lookup("log-level"))

	root.Flags().StringVarP(&opts.Bucket, "bucket", "b", "", "Bucket to load (default: first configured bucket)")
	root.Flags().IntVarP(&opts.Workers, "workers", "w", 10, "Number of concurrent workers")
	root.Flags().DurationVarP(&opts.Duration, "duration", "d", 10*time.Second, "How long to generate load")
	root.Flags().Float64VarP(&opts.Rate, "rate", "r", 0, "Checkouts per second across all workers (0 = unlimited)")
	root.Flags().StringVarP(&opts.Query, "query", "q", "SELECT 1", "Statement each iteration executes")
	root.Flags().DurationVar(&opts.Hold, "hold", 0, "Time to hold each connection before returning it")

	return root
}

// Run drives opts.Workers workers against the bucket until opts.Duration
// elapses or ctx ends.
func Run(ctx context.Context, m *pool.Manager, opts Options, logger *zap.Logger) (*Report, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0")
	}
	if _, ok := m.Pool(opts.Bucket); !ok {
		return nil, fmt.Errorf("unknown bucket: %s", opts.Bucket)
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID), zap.String("bucket", opts.Bucket))
	logger.Info("Load generation started",
		zap.Int("workers", opts.Workers), zap.Duration("duration", opts.Duration), zap.Float64("rate", opts.Rate))

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(1, opts.Workers))
	}

	runCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	results := make([]workerResult, opts.Workers)
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := range opts.Workers {
		g.Go(func() error {
			results[i] = worker(gctx, m, opts, limiter, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := newReport(runID, opts.Bucket, time.Since(start), results)
	if p, ok := m.Pool(opts.Bucket); ok {
		report.PoolStatus = p.Status()
	}
	logger.Info("Load generation finished",
		zap.Int("checkouts", report.Checkouts), zap.Int("timeouts", report.Timeouts), zap.Int("errors", report.Errors))
	return report, nil
}

type workerResult struct {
	latencies []time.Duration
	timeouts  int
	errors    int
}

func worker(ctx context.Context, m *pool.Manager, opts Options, limiter *rate.Limiter, logger *zap.Logger) workerResult {
	var res workerResult
	for {
		if err := limiter.Wait(ctx); err != nil {
			return res
		}
		start := time.Now()
		fairy, err := m.Connect(ctx, opts.Bucket)
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			if pool.IsTimeout(err) {
				res.timeouts++
			} else {
				res.errors++
				logger.Debug("Checkout failed", zap.Error(err))
			}
			continue
		}
		res.latencies = append(res.latencies, time.Since(start))

		if err := execute(ctx, fairy, opts); err != nil && ctx.Err() == nil {
			res.errors++
			logger.Debug("Query failed", zap.Error(err))
			fairy.Invalidate(context.Background(), err, false)
		}
		if err := fairy.Close(context.Background()); err != nil {
			logger.Debug("Returning connection failed", zap.Error(err))
		}
	}
}

func execute(ctx context.Context, fairy *pool.ConnectionFairy, opts Options) error {
	cur, err := fairy.Cursor(ctx)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	if err := cur.Execute(ctx, opts.Query); err != nil {
		return err
	}
	if _, err := cur.FetchAll(ctx); err != nil {
		return err
	}
	if opts.Hold > 0 {
		select {
		case <-time.After(opts.Hold):
		case <-ctx.Done():
		}
	}
	return nil
}
