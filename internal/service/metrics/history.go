package metrics

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

type timingSet struct {
	mu         sync.Mutex
	maxSamples int
	random     *rand.Rand
	count      int64
	sum        float64
	max        float64
	samples    []float64
}

func newTimingSet(maxSamples int, seed int64) *timingSet {
	return &timingSet{
		maxSamples: maxSamples,
		random:     rand.New(rand.NewSource(seed)),
	}
}

func (t *timingSet) add(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.sum += ms
	if t.count == 1 || ms > t.max {
		t.max = ms
	}
	if len(t.samples) < t.maxSamples {
		t.samples = append(t.samples, ms)
		return
	}
	// reservoir: keep each sample with probability maxSamples/count
	if idx := t.random.Int63n(t.count); idx < int64(t.maxSamples) {
		t.samples[idx] = ms
	}
}

func (t *timingSet) peek() (domain.TimingSummary, []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	samples := append([]float64(nil), t.samples...)
	return t.summaryLocked(samples), samples
}

func (t *timingSet) drain() (domain.TimingSummary, []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	samples := t.samples
	summary := t.summaryLocked(samples)
	t.count, t.sum, t.max = 0, 0, 0
	t.samples = nil
	return summary, samples
}

func (t *timingSet) summaryLocked(samples []float64) domain.TimingSummary {
	if t.count == 0 {
		return domain.TimingSummary{}
	}
	return domain.TimingSummary{
		Count: t.count,
		AvgMS: t.sum / float64(t.count),
		P95MS: p95(samples),
		MaxMS: t.max,
	}
}

// mergeInto folds src into dst, downsampling merged samples to maxSamples.
func mergeInto(dst *domain.MetricsBucket, src domain.MetricsBucket, maxSamples int, random *rand.Rand) {
	for name, v := range src.Counters {
		dst.Counters[name] += v
	}
	for name, in := range src.Timings {
		cur := dst.Timings[name]
		total := cur.Count + in.Count
		if total == 0 {
			continue
		}
		merged := domain.TimingSummary{
			Count: total,
			AvgMS: (cur.AvgMS*float64(cur.Count) + in.AvgMS*float64(in.Count)) / float64(total),
			MaxMS: math.Max(cur.MaxMS, in.MaxMS),
		}
		samples := append(dst.Samples[name], src.Samples[name]...)
		if len(samples) > maxSamples {
			random.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
			samples = samples[:maxSamples]
		}
		dst.Samples[name] = samples
		merged.P95MS = p95(samples)
		if len(samples) == 0 {
			merged.P95MS = math.Max(cur.P95MS, in.P95MS)
		}
		dst.Timings[name] = merged
	}
}

func cloneBucket(b domain.MetricsBucket) domain.MetricsBucket {
	out := domain.MetricsBucket{
		Start:    b.Start,
		Span:     b.Span,
		Counters: make(map[string]int64, len(b.Counters)),
		Timings:  make(map[string]domain.TimingSummary, len(b.Timings)),
		Samples:  make(map[string][]float64, len(b.Samples)),
	}
	for k, v := range b.Counters {
		out.Counters[k] = v
	}
	for k, v := range b.Timings {
		out.Timings[k] = v
	}
	for k, v := range b.Samples {
		out.Samples[k] = append([]float64(nil), v...)
	}
	return out
}

func summarize(buckets []domain.MetricsBucket, pending map[string]int64, current domain.TimingSummary, currentSamples []float64) domain.MetricsSummary {
	var summary domain.MetricsSummary
	var latencyCount int64
	var latencySum float64
	samples := append([]float64(nil), currentSamples...)

	for _, b := range buckets {
		summary.Requests += b.Counters[CounterRequestsTotal]
		summary.Errors += b.Counters[CounterErrorsTotal]
		if t, ok := b.Timings[TimingResponseTime]; ok {
			latencyCount += t.Count
			latencySum += t.AvgMS * float64(t.Count)
		}
		samples = append(samples, b.Samples[TimingResponseTime]...)
	}
	summary.Requests += pending[CounterRequestsTotal]
	summary.Errors += pending[CounterErrorsTotal]
	latencyCount += current.Count
	latencySum += current.AvgMS * float64(current.Count)

	if summary.Requests > 0 {
		summary.ErrorRate = float64(summary.Errors) / float64(summary.Requests)
	}
	if latencyCount > 0 {
		summary.AvgLatencyMS = latencySum / float64(latencyCount)
	}
	summary.P95LatencyMS = p95(samples)
	return summary
}

func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return percentile(sorted, 0.95)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
