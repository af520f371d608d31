package domain

import "time"

// TimingSummary condenses a set of latency samples.
type TimingSummary struct {
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P95MS float64 `json:"p95_ms"`
	MaxMS float64 `json:"max_ms"`
}

// MetricsBucket holds counter deltas and timing summaries for one time span.
type MetricsBucket struct {
	Start    time.Time                `json:"start"`
	Span     time.Duration            `json:"-"`
	Counters map[string]int64         `json:"counters"`
	Timings  map[string]TimingSummary `json:"timings"`
	// Samples keeps a bounded reservoir per timing so buckets can be merged.
	Samples map[string][]float64 `json:"-"`
}

// MetricsSummary is the period roll-up returned alongside the bucket series.
type MetricsSummary struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
}

// MetricsSnapshot is the point-in-time view for a requested period.
type MetricsSnapshot struct {
	Period     string                   `json:"period"`
	TakenAt    time.Time                `json:"taken_at"`
	Counters   map[string]int64         `json:"counters"`
	Gauges     map[string]float64       `json:"gauges"`
	Timings    map[string]TimingSummary `json:"timings"`
	Historical []MetricsBucket          `json:"historical"`
	Summary    MetricsSummary           `json:"summary"`
}
