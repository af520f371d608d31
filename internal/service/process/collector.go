package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

const (
	defaultTimeout  = 3 * time.Second
	defaultInterval = 30 * time.Second
	alertTimeout    = 5 * time.Second
)

// ErrDisabled is reported when no process manager backend is configured.
var ErrDisabled = errors.New("process manager disabled")

// Poller lists the processes known to a process manager.
type Poller interface {
	Poll(ctx context.Context) ([]domain.ProcessInfo, error)
}

// AlertTrigger raises alerts on restart-count increases.
type AlertTrigger interface {
	TriggerAlert(ctx context.Context, level domain.AlertSeverity, message string, details map[string]any, key string) (domain.Alert, error)
}

// GaugeSetter receives aggregate process gauges.
type GaugeSetter interface {
	SetGauge(name string, value float64)
}

// Config names the processes of interest and bounds each poll.
type Config struct {
	Primary   string
	Secondary []string
	Timeout   time.Duration
	Interval  time.Duration
}

// Collector polls the process manager and condenses the result into a
// ProcessSnapshot. It never returns an error: failures produce a zeroed
// snapshot with Available=false.
type Collector struct {
	poller Poller
	cfg    Config
	alerts AlertTrigger
	gauges GaugeSetter
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	restarts map[string]int
}

// NewCollector constructs a Collector. poller may be nil when no process
// manager is configured; alerts and gauges are optional.
func NewCollector(poller Poller, cfg Config, alerts AlertTrigger, gauges GaugeSetter, logger *slog.Logger) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		poller:   poller,
		cfg:      cfg,
		alerts:   alerts,
		gauges:   gauges,
		logger:   logger.With("component", "process_collector"),
		now:      time.Now,
		restarts: make(map[string]int),
	}
}

type pollResult struct {
	procs []domain.ProcessInfo
	err   error
}

// Snapshot polls once, bounded by the configured timeout.
func (c *Collector) Snapshot(ctx context.Context) domain.ProcessSnapshot {
	now := c.now().UTC()
	if c.poller == nil {
		return unavailable(now, ErrDisabled)
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// the poll runs in its own goroutine so a backend that ignores ctx
	// still cannot hold the caller past the timeout
	done := make(chan pollResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- pollResult{err: fmt.Errorf("poll process manager: panic: %v", p)}
			}
		}()
		procs, err := c.poller.Poll(pollCtx)
		done <- pollResult{procs: procs, err: err}
	}()

	var res pollResult
	select {
	case res = <-done:
	case <-pollCtx.Done():
		res.err = fmt.Errorf("poll process manager: %w", pollCtx.Err())
	}
	if res.err != nil {
		c.logger.Warn("process poll failed", "error", res.err)
		return unavailable(now, res.err)
	}

	snap := c.classify(res.procs, now)
	c.detectRestarts(snap.Processes)
	c.publishGauges(snap)
	return snap
}

// Run polls on an interval so restart alerts fire without dashboard traffic.
func (c *Collector) Run(ctx context.Context) {
	if c.poller == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.logger.Info("process collector started", "interval", c.cfg.Interval, "primary", c.cfg.Primary)
	c.Snapshot(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("process collector stopped")
			return
		case <-ticker.C:
			c.Snapshot(ctx)
		}
	}
}

func (c *Collector) classify(procs []domain.ProcessInfo, now time.Time) domain.ProcessSnapshot {
	primary := strings.TrimSpace(c.cfg.Primary)
	secondary := make(map[string]struct{}, len(c.cfg.Secondary))
	for _, name := range c.cfg.Secondary {
		if name = strings.TrimSpace(name); name != "" {
			secondary[name] = struct{}{}
		}
	}
	filter := primary != "" || len(secondary) > 0

	snap := domain.ProcessSnapshot{
		Available:   true,
		Mode:        domain.DeploymentUnknown,
		Processes:   make([]domain.ProcessInfo, 0, len(procs)),
		CollectedAt: now,
	}
	var hasPrimary, hasSecondary bool
	for _, p := range procs {
		_, isSecondary := secondary[p.Name]
		isPrimary := primary != "" && p.Name == primary
		if filter && !isPrimary && !isSecondary {
			continue
		}
		hasPrimary = hasPrimary || isPrimary
		hasSecondary = hasSecondary || isSecondary

		p.UptimeSec = int64(p.Uptime / time.Second)
		snap.Processes = append(snap.Processes, p)
		snap.TotalCPU += p.CPUPercent
		snap.TotalMemoryMB += p.MemoryMB
		snap.TotalRestarts += p.Restarts
	}

	switch {
	case hasPrimary && hasSecondary:
		snap.Mode = domain.DeploymentDualProcess
	case hasPrimary:
		snap.Mode = domain.DeploymentSingleProcess
	}
	return snap
}

func (c *Collector) detectRestarts(procs []domain.ProcessInfo) {
	type restart struct {
		name          string
		before, after int
	}
	var increased []restart

	c.mu.Lock()
	for _, p := range procs {
		prev, seen := c.restarts[p.Name]
		if seen && p.Restarts > prev {
			increased = append(increased, restart{name: p.Name, before: prev, after: p.Restarts})
		}
		c.restarts[p.Name] = p.Restarts
	}
	c.mu.Unlock()

	if c.alerts == nil {
		return
	}
	for _, r := range increased {
		details := map[string]any{
			"category":          domain.AlertCategoryProcessRestart,
			"process":           r.name,
			"previous_restarts": r.before,
			"restarts":          r.after,
		}
		msg := fmt.Sprintf("process %s restarted (%d -> %d)", r.name, r.before, r.after)
		go func(key string) {
			ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
			defer cancel()
			if _, err := c.alerts.TriggerAlert(ctx, domain.SeverityWarn, msg, details, key); err != nil {
				c.logger.Warn("failed to raise restart alert", "key", key, "error", err)
			}
		}(domain.AlertCategoryProcessRestart + ":" + r.name)
	}
}

func (c *Collector) publishGauges(snap domain.ProcessSnapshot) {
	if c.gauges == nil {
		return
	}
	c.gauges.SetGauge("process_count", float64(len(snap.Processes)))
	c.gauges.SetGauge("process_cpu_percent", snap.TotalCPU)
	c.gauges.SetGauge("process_memory_mb", snap.TotalMemoryMB)
	c.gauges.SetGauge("process_restarts", float64(snap.TotalRestarts))
}

func unavailable(now time.Time, err error) domain.ProcessSnapshot {
	return domain.ProcessSnapshot{
		Available:   false,
		Mode:        domain.DeploymentUnknown,
		Processes:   []domain.ProcessInfo{},
		Error:       err.Error(),
		CollectedAt: now,
	}
}
