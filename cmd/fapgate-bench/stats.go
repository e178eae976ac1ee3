package main

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"time"
)

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p95   time.Duration
	p99   time.Duration
	p999  time.Duration
}

type benchStats struct {
	label     string
	ops       int
	opsPerSec float64
	avg       time.Duration
	min       time.Duration
	max       time.Duration
	p50       time.Duration
	p90       time.Duration
	p95       time.Duration
	p99       time.Duration
	p999      time.Duration
	errs      int64
}

func buildStats(label string, elapsed time.Duration, samples []time.Duration, errs int64) benchStats {
	summary := summarize(samples)
	opsPerSec := 0.0
	if elapsed > 0 {
		opsPerSec = float64(summary.count) / elapsed.Seconds()
	}
	return benchStats{
		label:     label,
		ops:       summary.count,
		opsPerSec: opsPerSec,
		avg:       summary.avg,
		min:       summary.min,
		max:       summary.max,
		p50:       summary.p50,
		p90:       summary.p90,
		p95:       summary.p95,
		p99:       summary.p99,
		p999:      summary.p999,
		errs:      errs,
	}
}

// summarize sorts samples in place.
func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	slices.Sort(samples)
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   total / time.Duration(len(samples)),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p95:   percentile(samples, 95),
		p99:   percentile(samples, 99),
		p999:  percentile(samples, 99.9),
	}
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	idx := int(math.Round((pct / 100.0) * float64(len(samples)-1)))
	return samples[min(max(idx, 0), len(samples)-1)]
}

// medianStats folds several runs of one phase into their per-field median.
// Errors are summed.
func medianStats(label string, stats []benchStats) benchStats {
	if len(stats) == 0 {
		return benchStats{label: label}
	}
	out := benchStats{
		label:     label,
		ops:       medianOf(stats, func(s benchStats) int { return s.ops }),
		opsPerSec: medianOf(stats, func(s benchStats) float64 { return s.opsPerSec }),
		avg:       medianOf(stats, func(s benchStats) time.Duration { return s.avg }),
		min:       medianOf(stats, func(s benchStats) time.Duration { return s.min }),
		max:       medianOf(stats, func(s benchStats) time.Duration { return s.max }),
		p50:       medianOf(stats, func(s benchStats) time.Duration { return s.p50 }),
		p90:       medianOf(stats, func(s benchStats) time.Duration { return s.p90 }),
		p95:       medianOf(stats, func(s benchStats) time.Duration { return s.p95 }),
		p99:       medianOf(stats, func(s benchStats) time.Duration { return s.p99 }),
		p999:      medianOf(stats, func(s benchStats) time.Duration { return s.p999 }),
	}
	for _, s := range stats {
		out.errs += s.errs
	}
	return out
}

func medianOf[T cmp.Ordered](stats []benchStats, sel func(benchStats) T) T {
	values := make([]T, 0, len(stats))
	for _, s := range stats {
		values = append(values, sel(s))
	}
	slices.Sort(values)
	return values[len(values)/2]
}

func printStats(w io.Writer, stats benchStats) {
	fmt.Fprintf(w, "%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s p99.9=%s min=%s max=%s errors=%d\n",
		stats.label, stats.ops, stats.opsPerSec, stats.avg, stats.p50, stats.p90, stats.p95, stats.p99, stats.p999, stats.min, stats.max, stats.errs)
}

// orderedPhaseKeys puts "total" first and sorts the rest.
func orderedPhaseKeys(phases map[string]benchStats) []string {
	keys := make([]string, 0, len(phases))
	for k := range phases {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == "total":
			return -1
		case b == "total":
			return 1
		}
		return cmp.Compare(a, b)
	})
	return keys
}
