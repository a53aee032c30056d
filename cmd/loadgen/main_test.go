package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joao-brasil/sqlpool/internal/pool"
	"github.com/joao-brasil/sqlpool/pkg/bucket"
)

func TestPercentile(t *testing.T) {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	sorted := []time.Duration{ms(1), ms(2), ms(3), ms(4), ms(5), ms(6), ms(7), ms(8), ms(9), ms(10)}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, ms(1)},
		{50, ms(5)},
		{90, ms(9)},
		{99, ms(10)},
		{100, ms(10)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percentile(sorted, tt.p), "p%v", tt.p)
	}
	assert.Zero(t, percentile(nil, 50))
}

func TestNewReportAggregatesWorkers(t *testing.T) {
	results := []workerResult{
		{latencies: []time.Duration{3 * time.Millisecond, time.Millisecond}, timeouts: 1},
		{latencies: []time.Duration{2 * time.Millisecond}, errors: 2},
		{},
	}
	r := newReport("run-1", "lite", time.Second, results)
	assert.Equal(t, 3, r.Checkouts)
	assert.Equal(t, 1, r.Timeouts)
	assert.Equal(t, 2, r.Errors)
	assert.Equal(t, 2*time.Millisecond, r.P50)
	assert.Equal(t, 3*time.Millisecond, r.Max)
	assert.InDelta(t, 3.0, r.Throughput(), 0.001)

	var out bytes.Buffer
	r.Print(&out)
	assert.Contains(t, out.String(), "run run-1 on bucket lite")
	assert.Contains(t, out.String(), "timeouts: 1  errors: 2")
}

func newLiteManager(t *testing.T, poolSize int) *pool.Manager {
	t.Helper()
	ctx := context.Background()
	opts := pool.DefaultOptions()
	opts.PoolSize = poolSize
	opts.MaxOverflow = 0
	opts.Timeout = 50 * time.Millisecond
	m, err := pool.NewManager(ctx, []pool.BucketConfig{{
		Bucket: bucket.Bucket{ID: "lite", Driver: bucket.DriverSQLite, Database: ":memory:"},
		Pool:   opts,
	}}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(ctx) })
	return m
}

func TestRun(t *testing.T) {
	m := newLiteManager(t, 2)
	report, err := Run(context.Background(), m, Options{
		Bucket:   "lite",
		Workers:  4,
		Duration: 200 * time.Millisecond,
		Rate:     200,
		Query:    "SELECT 1",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Positive(t, report.Checkouts)
	assert.Zero(t, report.Errors)
	assert.NotEmpty(t, report.RunID)
	assert.Contains(t, report.PoolStatus, "Pool size: 2")
	assert.LessOrEqual(t, report.P50, report.Max)

	p, _ := m.Pool("lite")
	assert.Zero(t, p.Outstanding())
}

func TestRunCountsTimeouts(t *testing.T) {
	m := newLiteManager(t, 1)
	report, err := Run(context.Background(), m, Options{
		Bucket:   "lite",
		Workers:  3,
		Duration: 300 * time.Millisecond,
		Query:    "SELECT 1",
		Hold:     100 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Positive(t, report.Timeouts)
	assert.Positive(t, report.Checkouts)
}

func TestRunCountsQueryErrors(t *testing.T) {
	m := newLiteManager(t, 1)
	report, err := Run(context.Background(), m, Options{
		Bucket:   "lite",
		Workers:  1,
		Duration: 100 * time.Millisecond,
		Rate:     50,
		Query:    "SELECT * FROM missing_table",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Positive(t, report.Errors)
}

func TestRunRejectsBadOptions(t *testing.T) {
	m := newLiteManager(t, 1)
	_, err := Run(context.Background(), m, Options{Bucket: "lite"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "workers must be > 0")

	_, err = Run(context.Background(), m, Options{Bucket: "other", Workers: 1}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown bucket: other")
}
