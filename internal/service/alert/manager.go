package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
	"github.com/956zs/discord-embed-app-sub001/internal/ws"
)

// ResolvedByAuto marks alerts closed by the quiet-period sweep or a cleared condition.
const ResolvedByAuto = "auto"

// ErrorRateKey is the dedup key of the error rate alert.
const ErrorRateKey = domain.AlertCategoryErrorRate

const (
	keyStripes    = 64
	summaryPeriod = "1h"
)

// ErrInvalidAlert is returned for triggers without a key or with an unknown level.
var ErrInvalidAlert = errors.New("alert: invalid trigger")

// Broadcaster publishes alert changes to live subscribers.
type Broadcaster interface {
	Broadcast(topic string, payload []byte) bool
}

// SummarySource provides the metrics summary used for error rate evaluation.
type SummarySource interface {
	Snapshot(period string) (domain.MetricsSnapshot, error)
}

// Config seeds the manager's thresholds and auto-resolve policy.
type Config struct {
	SlowRequest      SlowRequestConfig
	ErrorRate        ErrorRateConfig
	AutoResolveAfter time.Duration
	SweepInterval    time.Duration
}

// Manager tracks active alerts, deduplicated by key, and persists every
// change through the alert repository.
type Manager struct {
	store  repository.AlertRepository
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time

	slow      atomic.Pointer[SlowRequestConfig]
	errorRate atomic.Pointer[ErrorRateConfig]

	autoResolveAfter time.Duration
	sweepInterval    time.Duration

	keyLocks [keyStripes]sync.Mutex

	mu     sync.RWMutex
	active map[string]domain.Alert
}

// NewManager constructs a Manager. store and hub may be nil.
func NewManager(cfg Config, store repository.AlertRepository, hub Broadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	m := &Manager{
		store:            store,
		hub:              hub,
		logger:           logger.With("component", "alert_manager"),
		now:              time.Now,
		autoResolveAfter: cfg.AutoResolveAfter,
		sweepInterval:    cfg.SweepInterval,
		active:           make(map[string]domain.Alert),
	}
	slow := cfg.SlowRequest
	rate := cfg.ErrorRate
	m.slow.Store(&slow)
	m.errorRate.Store(&rate)
	return m
}

// Load restores active alerts from the store so dedup survives restarts.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	alerts, err := m.store.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		m.active[a.DedupKey] = a.Clone()
	}
	m.logger.Info("active alerts restored", "count", len(alerts))
	return nil
}

// SlowRequestConfig returns the current slow request thresholds.
func (m *Manager) SlowRequestConfig() SlowRequestConfig {
	return *m.slow.Load()
}

// SetSlowRequestConfig replaces the slow request thresholds at runtime.
func (m *Manager) SetSlowRequestConfig(cfg SlowRequestConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	m.slow.Store(&cfg)
	m.logger.Info("slow request thresholds updated", "enabled", cfg.Enabled, "warn_ms", cfg.WarnThresholdMS, "error_ms", cfg.ErrorThresholdMS)
	return nil
}

// ErrorRateConfig returns the current error rate settings.
func (m *Manager) ErrorRateConfig() ErrorRateConfig {
	return *m.errorRate.Load()
}

// SetErrorRateConfig replaces the error rate settings at runtime.
func (m *Manager) SetErrorRateConfig(cfg ErrorRateConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	m.errorRate.Store(&cfg)
	m.logger.Info("error rate thresholds updated", "enabled", cfg.Enabled, "threshold", cfg.Threshold, "min_requests", cfg.MinRequests)
	return nil
}

// Thresholds returns both runtime-configurable threshold sets.
func (m *Manager) Thresholds() Thresholds {
	return Thresholds{SlowRequest: m.SlowRequestConfig(), ErrorRate: m.ErrorRateConfig()}
}

// SetThresholds validates and applies both threshold sets.
func (m *Manager) SetThresholds(t Thresholds) error {
	if err := t.SlowRequest.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	if err := t.ErrorRate.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	_ = m.SetSlowRequestConfig(t.SlowRequest)
	_ = m.SetErrorRateConfig(t.ErrorRate)
	return nil
}

// TriggerAlert raises or refreshes the alert identified by key. A repeated
// trigger updates the existing active alert in place and only ever raises
// its severity. The in-memory state is updated even when persistence fails;
// the persistence error is returned.
func (m *Manager) TriggerAlert(ctx context.Context, level domain.AlertSeverity, message string, details map[string]any, key string) (domain.Alert, error) {
	key = strings.TrimSpace(key)
	if key == "" || !level.Valid() {
		return domain.Alert{}, ErrInvalidAlert
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.now().UTC()
	m.mu.RLock()
	current, exists := m.active[key]
	m.mu.RUnlock()

	var next domain.Alert
	event := "alert.triggered"
	if exists {
		next = current.Clone()
		if level.Rank() > next.Severity.Rank() {
			next.Severity = level
			event = "alert.escalated"
		} else {
			event = "alert.updated"
		}
		next.Message = message
		next.Details = copyDetails(details)
		next.Occurrences++
		next.LastTriggeredAt = now
	} else {
		next = domain.Alert{
			ID:               uuid.NewString(),
			DedupKey:         key,
			Category:         categoryFor(key, details),
			Severity:         level,
			Message:          message,
			Details:          copyDetails(details),
			Status:           domain.AlertStatusActive,
			Occurrences:      1,
			FirstTriggeredAt: now,
			LastTriggeredAt:  now,
		}
	}

	var persistErr error
	if m.store != nil {
		stored := next.Clone()
		if err := m.store.UpsertActiveAlert(ctx, &stored); err != nil {
			persistErr = fmt.Errorf("persist alert %s: %w", key, err)
			m.logger.Warn("failed to persist alert", "key", key, "error", err)
		} else {
			next.ID = stored.ID
			next.FirstTriggeredAt = stored.FirstTriggeredAt
		}
	}

	m.mu.Lock()
	m.active[key] = next
	m.mu.Unlock()

	logLevel := slog.LevelWarn
	if next.Severity == domain.SeverityError {
		logLevel = slog.LevelError
	} else if next.Severity == domain.SeverityInfo {
		logLevel = slog.LevelInfo
	}
	m.logger.Log(ctx, logLevel, "alert triggered",
		"key", key,
		"severity", string(next.Severity),
		"occurrences", next.Occurrences,
		"message", message,
	)
	m.publish(event, next)
	return next.Clone(), persistErr
}

// ResolveAlert marks the alert with id resolved on behalf of resolvedBy.
func (m *Manager) ResolveAlert(ctx context.Context, id, resolvedBy string) (domain.Alert, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Alert{}, repository.ErrInvalidArgument
	}
	if resolvedBy = strings.TrimSpace(resolvedBy); resolvedBy == "" {
		resolvedBy = "operator"
	}

	m.mu.RLock()
	var key string
	for k, a := range m.active {
		if a.ID == id {
			key = k
			break
		}
	}
	m.mu.RUnlock()

	if key != "" {
		lock := m.lockFor(key)
		lock.Lock()
		defer lock.Unlock()
		// the key may have been resolved and re-triggered under a new id
		// before the stripe was taken
		m.mu.RLock()
		current, ok := m.active[key]
		m.mu.RUnlock()
		if !ok || current.ID != id {
			key = ""
		}
	}
	return m.resolve(ctx, id, key, resolvedBy)
}

// ResolveByKey resolves the active alert for key, if any. It reports
// whether an alert was resolved.
func (m *Manager) ResolveByKey(ctx context.Context, key, resolvedBy string) (bool, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	current, ok := m.active[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if _, err := m.resolve(ctx, current.ID, key, resolvedBy); err != nil {
		return false, err
	}
	return true, nil
}

// resolve must be called with the key stripe held when key is known.
func (m *Manager) resolve(ctx context.Context, id, key, resolvedBy string) (domain.Alert, error) {
	now := m.now().UTC()
	var resolved domain.Alert

	if m.store != nil {
		stored, err := m.store.ResolveAlert(ctx, id, resolvedBy, now)
		if err != nil && !(errors.Is(err, repository.ErrNotFound) && key != "") {
			return domain.Alert{}, err
		}
		if stored != nil {
			resolved = stored.Clone()
		}
	}

	m.mu.Lock()
	if key != "" {
		if current, ok := m.active[key]; ok && resolved.ID == "" {
			resolved = current.Clone()
			resolved.Status = domain.AlertStatusResolved
			resolved.ResolvedAt = &now
			resolved.ResolvedBy = resolvedBy
		}
		delete(m.active, key)
	}
	m.mu.Unlock()

	if resolved.ID == "" {
		return domain.Alert{}, repository.ErrNotFound
	}
	m.logger.Info("alert resolved", "id", resolved.ID, "key", resolved.DedupKey, "resolved_by", resolvedBy)
	m.publish("alert.resolved", resolved)
	return resolved, nil
}

// ActiveAlerts returns active alerts ordered by most recent trigger.
func (m *Manager) ActiveAlerts() []domain.Alert {
	m.mu.RLock()
	out := make([]domain.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()
	sortAlerts(out)
	return out
}

// ListAlerts returns persisted alerts, falling back to the in-memory active
// set when no store is configured.
func (m *Manager) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	if m.store != nil {
		return m.store.ListAlerts(ctx, filter)
	}
	if filter.Status != "" && filter.Status != domain.AlertStatusActive {
		return []domain.Alert{}, nil
	}
	all := m.ActiveAlerts()
	out := make([]domain.Alert, 0, len(all))
	for _, a := range all {
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Evaluate raises or clears the error rate alert for summary.
func (m *Manager) Evaluate(ctx context.Context, summary domain.MetricsSummary) error {
	cfg := m.ErrorRateConfig()
	breached := cfg.Enabled && summary.Requests > 0 && summary.Requests >= cfg.MinRequests && summary.ErrorRate >= cfg.Threshold
	if breached {
		level := domain.SeverityWarn
		if summary.ErrorRate >= 2*cfg.Threshold {
			level = domain.SeverityError
		}
		details := map[string]any{
			"category":   domain.AlertCategoryErrorRate,
			"error_rate": summary.ErrorRate,
			"threshold":  cfg.Threshold,
			"requests":   summary.Requests,
			"errors":     summary.Errors,
		}
		msg := fmt.Sprintf("error rate %.1f%% over the last hour exceeds %.1f%%", summary.ErrorRate*100, cfg.Threshold*100)
		_, err := m.TriggerAlert(ctx, level, msg, details, ErrorRateKey)
		return err
	}
	if m.autoResolveAfter > 0 {
		_, err := m.ResolveByKey(ctx, ErrorRateKey, ResolvedByAuto)
		return err
	}
	return nil
}

// Run evaluates the error rate and sweeps quiet alerts until ctx ends.
// source may be nil.
func (m *Manager) Run(ctx context.Context, source SummarySource) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	m.logger.Info("alert manager started", "sweep_interval", m.sweepInterval, "auto_resolve_after", m.autoResolveAfter)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("alert manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx, source)
		}
	}
}

func (m *Manager) tick(ctx context.Context, source SummarySource) {
	if source != nil {
		if snap, err := source.Snapshot(summaryPeriod); err == nil {
			if err := m.Evaluate(ctx, snap.Summary); err != nil {
				m.logger.Warn("error rate evaluation failed", "error", err)
			}
		}
	}
	m.Sweep(ctx)
}

// Sweep resolves alerts that have not re-triggered within the quiet period.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.autoResolveAfter <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.autoResolveAfter)
	m.mu.RLock()
	var stale []string
	for key, a := range m.active {
		if a.LastTriggeredAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	m.mu.RUnlock()

	resolved := 0
	for _, key := range stale {
		ok, err := m.ResolveByKey(ctx, key, ResolvedByAuto)
		if err != nil {
			m.logger.Warn("auto resolve failed", "key", key, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved
}

func (m *Manager) publish(event string, a domain.Alert) {
	if m.hub == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Type  string       `json:"type"`
		Alert domain.Alert `json:"alert"`
	}{Type: event, Alert: a})
	if err != nil {
		m.logger.Warn("failed to encode alert event", "error", err)
		return
	}
	if !m.hub.Broadcast(ws.TopicAlerts, payload) {
		m.logger.Debug("alert broadcast dropped", "event", event, "key", a.DedupKey)
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.keyLocks[h.Sum32()%keyStripes]
}

func categoryFor(key string, details map[string]any) string {
	if v, ok := details["category"].(string); ok && v != "" {
		return v
	}
	prefix := key
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		prefix = key[:idx]
	}
	switch prefix {
	case domain.AlertCategoryErrorRate, domain.AlertCategoryRollupFailure, domain.AlertCategoryProcessRestart, domain.AlertCategorySlowRequest:
		return prefix
	case "rollup":
		return domain.AlertCategoryRollupFailure
	}
	return domain.AlertCategoryCustom
}

func copyDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

func sortAlerts(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].LastTriggeredAt.Equal(alerts[j].LastTriggeredAt) {
			return alerts[i].DedupKey < alerts[j].DedupKey
		}
		return alerts[i].LastTriggeredAt.After(alerts[j].LastTriggeredAt)
	})
}
