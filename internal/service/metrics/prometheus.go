package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	counterDesc = prometheus.NewDesc(
		prometheus.BuildFQName("embed", "collector", "counter_total"),
		"Counters accumulated by the in-process metrics collector since restart.",
		[]string{"name"}, nil,
	)
	gaugeDesc = prometheus.NewDesc(
		prometheus.BuildFQName("embed", "collector", "gauge"),
		"Latest gauge values reported to the metrics collector.",
		[]string{"name"}, nil,
	)
	timingDesc = prometheus.NewDesc(
		prometheus.BuildFQName("embed", "collector", "timing_milliseconds"),
		"Timing samples in the collector's current window.",
		[]string{"name"}, nil,
	)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- counterDesc
	ch <- gaugeDesc
	ch <- timingDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.counterValues() {
		ch <- prometheus.MustNewConstMetric(counterDesc, prometheus.CounterValue, float64(v), name)
	}
	for name, v := range c.gaugeValues() {
		ch <- prometheus.MustNewConstMetric(gaugeDesc, prometheus.GaugeValue, v, name)
	}
	for name, set := range c.timingSets() {
		summary, _ := set.peek()
		quantiles := map[float64]float64{0.95: summary.P95MS}
		metric, err := prometheus.NewConstSummary(timingDesc, uint64(summary.Count), summary.AvgMS*float64(summary.Count), quantiles, name)
		if err != nil {
			c.logger.Warn("failed to export timing", "name", name, "error", err)
			continue
		}
		ch <- metric
	}
}
