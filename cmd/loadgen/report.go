package main

import (
	"fmt"
	"io"
	"slices"
	"time"
)

// Report summarizes a load generation run.
type Report struct {
	RunID      string
	Bucket     string
	Elapsed    time.Duration
	Checkouts  int
	Timeouts   int
	Errors     int
	P50        time.Duration
	P90        time.Duration
	P99        time.Duration
	Max        time.Duration
	PoolStatus string
}

func newReport(runID, bucket string, elapsed time.Duration, results []workerResult) *Report {
	r := &Report{RunID: runID, Bucket: bucket, Elapsed: elapsed}
	var all []time.Duration
	for _, res := range results {
		all = append(all, res.latencies...)
		r.Timeouts += res.timeouts
		r.Errors += res.errors
	}
	r.Checkouts = len(all)
	slices.Sort(all)
	r.P50 = percentile(all, 50)
	r.P90 = percentile(all, 90)
	r.P99 = percentile(all, 99)
	if len(all) > 0 {
		r.Max = all[len(all)-1]
	}
	return r
}

// percentile uses the nearest-rank method on sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.999999) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

// Throughput is checkouts per second over the run.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Checkouts) / r.Elapsed.Seconds()
}

// Print writes the report in a human readable form.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "run %s on bucket %s (%s)\n", r.RunID, r.Bucket, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  checkouts: %d (%.1f/s)  timeouts: %d  errors: %d\n",
		r.Checkouts, r.Throughput(), r.Timeouts, r.Errors)
	fmt.Fprintf(w, "  checkout latency p50=%s p90=%s p99=%s max=%s\n", r.P50, r.P90, r.P99, r.Max)
	if r.PoolStatus != "" {
		fmt.Fprintf(w, "  pool: %s\n", r.PoolStatus)
	}
}
