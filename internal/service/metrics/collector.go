package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

// Well-known metric names fed by the request instrumentation layer.
const (
	CounterRequestsTotal = "requests_total"
	CounterErrorsTotal   = "errors_total"
	TimingResponseTime   = "response_time"
)

const (
	defaultWindow          = time.Minute
	defaultFineRetention   = 6 * time.Hour
	defaultCoarseSpan      = time.Hour
	defaultCoarseRetention = 48 * time.Hour
	defaultMaxSamples      = 512
	flushTimeout           = 10 * time.Second
)

// ErrUnknownPeriod is returned by Snapshot for unsupported period selectors.
var ErrUnknownPeriod = errors.New("metrics: unknown period")

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
}

// Recorder is the write side of the collector used by instrumentation and
// event ingestion.
type Recorder interface {
	IncrementCounter(name string)
	RecordTiming(name string, durationMS float64)
}

// Config tunes window sizes and retention.
type Config struct {
	Window          time.Duration
	FineRetention   time.Duration
	CoarseSpan      time.Duration
	CoarseRetention time.Duration
	MaxSamples      int
}

// Collector accumulates counters, gauges, and timing samples for the
// process lifetime and keeps bounded rolled-up history.
type Collector struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	gauges   map[string]*atomic.Uint64
	timings  map[string]*timingSet

	histMu       sync.Mutex
	windowStart  time.Time
	lastCounters map[string]int64
	fine         []domain.MetricsBucket
	coarse       []domain.MetricsBucket
	dirty        map[time.Time]struct{}

	cfg     Config
	store   repository.MetricsHistoryRepository
	logger  *slog.Logger
	now     func() time.Time
	random  *rand.Rand // guarded by histMu
	started time.Time
}

var _ Recorder = (*Collector)(nil)

// NewCollector constructs a Collector. store may be nil, in which case
// history is kept in memory only.
func NewCollector(cfg Config, store repository.MetricsHistoryRepository, logger *slog.Logger) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.FineRetention <= 0 {
		cfg.FineRetention = defaultFineRetention
	}
	if cfg.CoarseSpan <= 0 {
		cfg.CoarseSpan = defaultCoarseSpan
	}
	if cfg.CoarseRetention <= 0 {
		cfg.CoarseRetention = defaultCoarseRetention
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = defaultMaxSamples
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newCollector(cfg, store, logger.With("component", "metrics_collector"), time.Now)
}

func newCollector(cfg Config, store repository.MetricsHistoryRepository, logger *slog.Logger, now func() time.Time) *Collector {
	started := now()
	return &Collector{
		counters:     make(map[string]*atomic.Int64),
		gauges:       make(map[string]*atomic.Uint64),
		timings:      make(map[string]*timingSet),
		windowStart:  started.Truncate(cfg.Window),
		lastCounters: make(map[string]int64),
		dirty:        make(map[time.Time]struct{}),
		cfg:          cfg,
		store:        store,
		logger:       logger,
		now:          now,
		random:       rand.New(rand.NewSource(started.UnixNano())),
		started:      started,
	}
}

// IncrementCounter atomically adds one to the named counter.
func (c *Collector) IncrementCounter(name string) {
	c.AddCounter(name, 1)
}

// AddCounter adds a non-negative delta to the named counter.
func (c *Collector) AddCounter(name string, delta int64) {
	if delta < 0 {
		return
	}
	c.counter(name).Add(delta)
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return ctr.Load()
}

// SetGauge records the latest value of a gauge.
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.RLock()
	g, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if g, ok = c.gauges[name]; !ok {
			g = new(atomic.Uint64)
			c.gauges[name] = g
		}
		c.mu.Unlock()
	}
	g.Store(math.Float64bits(value))
}

// RecordTiming appends a latency sample in milliseconds.
func (c *Collector) RecordTiming(name string, durationMS float64) {
	if math.IsNaN(durationMS) || durationMS < 0 {
		return
	}
	c.mu.RLock()
	set, ok := c.timings[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if set, ok = c.timings[name]; !ok {
			set = newTimingSet(c.cfg.MaxSamples, c.now().UnixNano())
			c.timings[name] = set
		}
		c.mu.Unlock()
	}
	set.add(durationMS)
}

// Uptime reports how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return c.now().Sub(c.started)
}

func (c *Collector) counter(name string) *atomic.Int64 {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return ctr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok = c.counters[name]; !ok {
		ctr = new(atomic.Int64)
		c.counters[name] = ctr
	}
	return ctr
}

func (c *Collector) counterValues() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counters))
	for name, ctr := range c.counters {
		out[name] = ctr.Load()
	}
	return out
}

func (c *Collector) gaugeValues() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.gauges))
	for name, g := range c.gauges {
		out[name] = math.Float64frombits(g.Load())
	}
	return out
}

func (c *Collector) timingSets() map[string]*timingSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*timingSet, len(c.timings))
	for name, set := range c.timings {
		out[name] = set
	}
	return out
}

// Snapshot returns current, historical, and summary views for period
// ("1h", "6h" or "24h").
func (c *Collector) Snapshot(period string) (domain.MetricsSnapshot, error) {
	span, ok := periods[period]
	if !ok {
		return domain.MetricsSnapshot{}, ErrUnknownPeriod
	}
	now := c.now()

	c.histMu.Lock()
	c.rotateLocked(now)
	source := c.fine
	if span > c.cfg.FineRetention {
		source = c.coarse
	}
	cutoff := now.Add(-span)
	historical := make([]domain.MetricsBucket, 0, len(source))
	for _, bucket := range source {
		if bucket.Start.Add(bucket.Span).After(cutoff) {
			historical = append(historical, cloneBucket(bucket))
		}
	}
	c.histMu.Unlock()

	current := make(map[string]domain.TimingSummary)
	currentSamples := make(map[string][]float64)
	for name, set := range c.timingSets() {
		summary, samples := set.peek()
		current[name] = summary
		currentSamples[name] = samples
	}

	snap := domain.MetricsSnapshot{
		Period:     period,
		TakenAt:    now,
		Counters:   c.counterValues(),
		Gauges:     c.gaugeValues(),
		Timings:    current,
		Historical: historical,
	}
	snap.Summary = summarize(historical, c.pendingCounterDeltas(), current[TimingResponseTime], currentSamples[TimingResponseTime])
	return snap, nil
}

// pendingCounterDeltas returns counter growth inside the still-open window.
func (c *Collector) pendingCounterDeltas() map[string]int64 {
	values := c.counterValues()
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make(map[string]int64, len(values))
	for name, v := range values {
		out[name] = v - c.lastCounters[name]
	}
	return out
}

// Run rotates windows and flushes closed coarse buckets until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Window)
	defer ticker.Stop()
	c.logger.Info("metrics collector started", "window", c.cfg.Window, "coarse_span", c.cfg.CoarseSpan)

	for {
		select {
		case <-ctx.Done():
			c.Rotate()
			c.flush(context.Background())
			c.logger.Info("metrics collector stopped")
			return
		case <-ticker.C:
			c.Rotate()
			c.flush(ctx)
		}
	}
}

// Rotate closes the current window if it has elapsed.
func (c *Collector) Rotate() {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.rotateLocked(c.now())
}

// Restore loads persisted coarse buckets so the long view survives restarts.
func (c *Collector) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	since := c.now().Add(-c.cfg.CoarseRetention)
	buckets, err := c.store.ListMetricsBuckets(ctx, c.cfg.CoarseSpan, since)
	if err != nil {
		return err
	}
	c.histMu.Lock()
	defer c.histMu.Unlock()
	for _, bucket := range buckets {
		c.mergeCoarseLocked(bucket, false)
	}
	c.logger.Info("metrics history restored", "buckets", len(buckets))
	return nil
}

func (c *Collector) flush(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.histMu.Lock()
	pending := make([]domain.MetricsBucket, 0, len(c.dirty))
	for _, bucket := range c.coarse {
		if _, ok := c.dirty[bucket.Start]; ok {
			pending = append(pending, cloneBucket(bucket))
		}
	}
	c.dirty = make(map[time.Time]struct{})
	c.histMu.Unlock()

	if len(pending) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := c.store.UpsertMetricsBuckets(flushCtx, pending); err != nil {
		c.logger.Warn("failed to persist metrics history", "error", err, "count", len(pending))
		c.histMu.Lock()
		for _, bucket := range pending {
			c.dirty[bucket.Start] = struct{}{}
		}
		c.histMu.Unlock()
	}
}

func (c *Collector) rotateLocked(now time.Time) {
	end := c.windowStart.Add(c.cfg.Window)
	if now.Before(end) {
		return
	}

	values := c.counterValues()
	bucket := domain.MetricsBucket{
		Start:    c.windowStart,
		Span:     c.cfg.Window,
		Counters: make(map[string]int64, len(values)),
		Timings:  make(map[string]domain.TimingSummary),
		Samples:  make(map[string][]float64),
	}
	for name, v := range values {
		if delta := v - c.lastCounters[name]; delta > 0 {
			bucket.Counters[name] = delta
		}
		c.lastCounters[name] = v
	}
	for name, set := range c.timingSets() {
		summary, samples := set.drain()
		if summary.Count == 0 {
			continue
		}
		bucket.Timings[name] = summary
		bucket.Samples[name] = samples
	}

	if len(bucket.Counters) > 0 || len(bucket.Timings) > 0 {
		c.fine = append(c.fine, bucket)
		c.mergeCoarseLocked(bucket, true)
	}
	c.windowStart = now.Truncate(c.cfg.Window)
	c.pruneLocked(now)
}

func (c *Collector) mergeCoarseLocked(bucket domain.MetricsBucket, markDirty bool) {
	start := bucket.Start.Truncate(c.cfg.CoarseSpan)
	idx := sort.Search(len(c.coarse), func(i int) bool { return !c.coarse[i].Start.Before(start) })
	if idx == len(c.coarse) || !c.coarse[idx].Start.Equal(start) {
		fresh := domain.MetricsBucket{
			Start:    start,
			Span:     c.cfg.CoarseSpan,
			Counters: make(map[string]int64),
			Timings:  make(map[string]domain.TimingSummary),
			Samples:  make(map[string][]float64),
		}
		c.coarse = append(c.coarse, domain.MetricsBucket{})
		copy(c.coarse[idx+1:], c.coarse[idx:])
		c.coarse[idx] = fresh
	}
	mergeInto(&c.coarse[idx], bucket, c.cfg.MaxSamples, c.random)
	if markDirty {
		c.dirty[start] = struct{}{}
	}
}

func (c *Collector) pruneLocked(now time.Time) {
	fineCutoff := now.Add(-c.cfg.FineRetention)
	i := 0
	for i < len(c.fine) && c.fine[i].Start.Add(c.fine[i].Span).Before(fineCutoff) {
		i++
	}
	c.fine = append(c.fine[:0:0], c.fine[i:]...)

	coarseCutoff := now.Add(-c.cfg.CoarseRetention)
	j := 0
	for j < len(c.coarse) && c.coarse[j].Start.Add(c.coarse[j].Span).Before(coarseCutoff) {
		delete(c.dirty, c.coarse[j].Start)
		j++
	}
	c.coarse = append(c.coarse[:0:0], c.coarse[j:]...)
}
