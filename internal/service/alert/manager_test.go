package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

type stubAlertRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.Alert // by id
	upserts int
	failing bool
}

func newStubAlertRepo() *stubAlertRepo {
	return &stubAlertRepo{rows: make(map[string]*domain.Alert)}
}

func (s *stubAlertRepo) UpsertActiveAlert(_ context.Context, alert *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	s.upserts++
	for _, row := range s.rows {
		if row.DedupKey == alert.DedupKey && row.Status == domain.AlertStatusActive {
			row.Severity = alert.Severity
			row.Message = alert.Message
			row.Details = alert.Details
			row.Occurrences = alert.Occurrences
			row.LastTriggeredAt = alert.LastTriggeredAt
			alert.ID = row.ID
			alert.FirstTriggeredAt = row.FirstTriggeredAt
			return nil
		}
	}
	row := alert.Clone()
	row.Status = domain.AlertStatusActive
	s.rows[alert.ID] = &row
	return nil
}

func (s *stubAlertRepo) ResolveAlert(_ context.Context, id, resolvedBy string, resolvedAt time.Time) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != domain.AlertStatusActive {
		return nil, repository.ErrNotFound
	}
	row.Status = domain.AlertStatusResolved
	row.ResolvedAt = &resolvedAt
	row.ResolvedBy = resolvedBy
	out := row.Clone()
	return &out, nil
}

func (s *stubAlertRepo) ListAlerts(_ context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for _, row := range s.rows {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, row.Clone())
	}
	return out, nil
}

func (s *stubAlertRepo) ListActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	return s.ListAlerts(ctx, domain.AlertFilter{Status: domain.AlertStatusActive})
}

func (s *stubAlertRepo) activeCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.DedupKey == key && row.Status == domain.AlertStatusActive {
			n++
		}
	}
	return n
}

type stubBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *stubBroadcaster) Broadcast(topic string, payload []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &msg)
	b.mu.Lock()
	b.events = append(b.events, topic+"/"+msg.Type)
	b.mu.Unlock()
	return true
}

func newTestManager(repo repository.AlertRepository, hub Broadcaster, cfg Config) *Manager {
	m := NewManager(cfg, repo, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m
}

func TestTriggerAlertDeduplicatesByKey(t *testing.T) {
	repo := newStubAlertRepo()
	m := newTestManager(repo, nil, Config{})
	ctx := context.Background()

	first, err := m.TriggerAlert(ctx, domain.SeverityWarn, "slow", map[string]any{"latency_ms": 1200}, "GET:/api/stats")
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	second, err := m.TriggerAlert(ctx, domain.SeverityWarn, "slow again", map[string]any{"latency_ms": 1500}, "GET:/api/stats")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same alert id, got %s and %s", first.ID, second.ID)
	}
	if n := repo.activeCount("GET:/api/stats"); n != 1 {
		t.Fatalf("expected exactly one active row, got %d", n)
	}
	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected one active alert, got %d", len(active))
	}
	if active[0].Details["latency_ms"] != 1500 {
		t.Fatalf("expected second trigger details, got %v", active[0].Details)
	}
	if active[0].Occurrences != 2 {
		t.Fatalf("expected 2 occurrences, got %d", active[0].Occurrences)
	}
	if !active[0].FirstTriggeredAt.Equal(first.FirstTriggeredAt) {
		t.Fatalf("first triggered timestamp must be preserved")
	}
}

func TestTriggerAlertEscalatesAndNeverDowngrades(t *testing.T) {
	m := newTestManager(newStubAlertRepo(), nil, Config{})
	ctx := context.Background()
	key := "POST:/api/rollups"

	if _, err := m.TriggerAlert(ctx, domain.SeverityWarn, "slow", nil, key); err != nil {
		t.Fatalf("warn: %v", err)
	}
	escalated, err := m.TriggerAlert(ctx, domain.SeverityError, "very slow", nil, key)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if escalated.Severity != domain.SeverityError {
		t.Fatalf("expected escalation to ERROR, got %s", escalated.Severity)
	}
	again, err := m.TriggerAlert(ctx, domain.SeverityWarn, "slow", nil, key)
	if err != nil {
		t.Fatalf("warn again: %v", err)
	}
	if again.Severity != domain.SeverityError {
		t.Fatalf("expected severity to stay ERROR, got %s", again.Severity)
	}
	if len(m.ActiveAlerts()) != 1 {
		t.Fatalf("expected one active alert")
	}
}

func TestTriggerAlertConcurrentSameKey(t *testing.T) {
	repo := newStubAlertRepo()
	m := newTestManager(repo, nil, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.TriggerAlert(ctx, domain.SeverityWarn, "slow", nil, "GET:/x")
		}()
	}
	wg.Wait()

	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Occurrences != 50 {
		t.Fatalf("expected one alert with 50 occurrences, got %+v", active)
	}
	if n := repo.activeCount("GET:/x"); n != 1 {
		t.Fatalf("expected one active row, got %d", n)
	}
}

func TestTriggerAlertRejectsInvalidInput(t *testing.T) {
	m := newTestManager(nil, nil, Config{})
	if _, err := m.TriggerAlert(context.Background(), domain.SeverityWarn, "x", nil, " "); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("expected ErrInvalidAlert for empty key, got %v", err)
	}
	if _, err := m.TriggerAlert(context.Background(), "LOUD", "x", nil, "k"); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("expected ErrInvalidAlert for unknown level, got %v", err)
	}
}

func TestTriggerAlertKeepsStateWhenPersistenceFails(t *testing.T) {
	repo := newStubAlertRepo()
	repo.failing = true
	m := newTestManager(repo, nil, Config{})

	if _, err := m.TriggerAlert(context.Background(), domain.SeverityWarn, "slow", nil, "GET:/x"); err == nil {
		t.Fatal("expected persistence error to surface")
	}
	if len(m.ActiveAlerts()) != 1 {
		t.Fatal("expected alert tracked in memory despite persistence failure")
	}
}

func TestResolveAlertClearsDedupKey(t *testing.T) {
	repo := newStubAlertRepo()
	hub := &stubBroadcaster{}
	m := newTestManager(repo, hub, Config{})
	ctx := context.Background()

	a, _ := m.TriggerAlert(ctx, domain.SeverityWarn, "slow", nil, "GET:/x")
	resolved, err := m.ResolveAlert(ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.AlertStatusResolved || resolved.ResolvedBy != "alice" {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Fatal("expected no active alerts after resolve")
	}
	next, _ := m.TriggerAlert(ctx, domain.SeverityWarn, "slow", nil, "GET:/x")
	if next.ID == a.ID {
		t.Fatal("expected a fresh alert after resolution")
	}
	if _, err := m.ResolveAlert(ctx, "missing", "alice"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	want := []string{"alerts/alert.triggered", "alerts/alert.resolved", "alerts/alert.triggered"}
	if len(hub.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, hub.events)
	}
	for i := range want {
		if hub.events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, hub.events)
		}
	}
}

func TestResolveStaleIDLeavesRetriggeredAlertActive(t *testing.T) {
	repo := newStubAlertRepo()
	m := newTestManager(repo, nil, Config{})
	ctx := context.Background()
	const key = "process_restart:bot"

	old, err := m.TriggerAlert(ctx, domain.SeverityWarn, "restarted", nil, key)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// hold the key stripe so the resolve below looks up the key and then waits
	stripe := m.lockFor(key)
	stripe.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := m.ResolveAlert(ctx, old.ID, "alice")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// meanwhile the sweep resolves the old alert and a new trigger replaces it
	if _, err := m.resolve(ctx, old.ID, key, "auto"); err != nil {
		stripe.Unlock()
		t.Fatalf("sweep resolve: %v", err)
	}
	fresh := domain.Alert{
		ID:          "fresh-id",
		DedupKey:    key,
		Severity:    domain.SeverityWarn,
		Status:      domain.AlertStatusActive,
		Message:     "restarted again",
		Occurrences: 1,
	}
	if err := repo.UpsertActiveAlert(ctx, &fresh); err != nil {
		stripe.Unlock()
		t.Fatalf("upsert: %v", err)
	}
	m.mu.Lock()
	m.active[key] = fresh
	m.mu.Unlock()
	stripe.Unlock()

	if err := <-done; !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for the stale id, got %v", err)
	}
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].ID != "fresh-id" {
		t.Fatalf("expected the re-triggered alert to stay active, got %+v", active)
	}
	if repo.activeCount(key) != 1 {
		t.Fatalf("expected one active row for %s", key)
	}
}

func TestSweepAutoResolvesQuietAlerts(t *testing.T) {
	m := newTestManager(newStubAlertRepo(), nil, Config{AutoResolveAfter: 10 * time.Minute})
	base := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	ctx := context.Background()

	_, _ = m.TriggerAlert(ctx, domain.SeverityWarn, "old", nil, "GET:/old")
	m.now = func() time.Time { return base.Add(8 * time.Minute) }
	_, _ = m.TriggerAlert(ctx, domain.SeverityWarn, "new", nil, "GET:/new")

	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("expected one alert auto-resolved, got %d", n)
	}
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].DedupKey != "GET:/new" {
		t.Fatalf("unexpected active alerts %+v", active)
	}
}

func TestSweepDisabledWithoutQuietPeriod(t *testing.T) {
	m := newTestManager(nil, nil, Config{})
	_, _ = m.TriggerAlert(context.Background(), domain.SeverityWarn, "x", nil, "k")
	m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if n := m.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected manual-only resolution, got %d resolved", n)
	}
}

func TestEvaluateErrorRate(t *testing.T) {
	m := newTestManager(newStubAlertRepo(), nil, Config{
		ErrorRate:        ErrorRateConfig{Enabled: true, Threshold: 0.1, MinRequests: 10},
		AutoResolveAfter: time.Minute,
	})
	ctx := context.Background()

	if err := m.Evaluate(ctx, domain.MetricsSummary{Requests: 5, Errors: 5, ErrorRate: 1}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Fatal("expected no alert below min requests")
	}

	if err := m.Evaluate(ctx, domain.MetricsSummary{Requests: 100, Errors: 15, ErrorRate: 0.15}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Severity != domain.SeverityWarn || active[0].Category != domain.AlertCategoryErrorRate {
		t.Fatalf("expected WARN error_rate alert, got %+v", active)
	}

	_ = m.Evaluate(ctx, domain.MetricsSummary{Requests: 100, Errors: 30, ErrorRate: 0.3})
	if got := m.ActiveAlerts()[0].Severity; got != domain.SeverityError {
		t.Fatalf("expected escalation to ERROR, got %s", got)
	}

	_ = m.Evaluate(ctx, domain.MetricsSummary{Requests: 100, Errors: 1, ErrorRate: 0.01})
	if len(m.ActiveAlerts()) != 0 {
		t.Fatal("expected error rate alert to clear once the rate recovers")
	}
}

func TestSlowRequestConfigRuntimeUpdates(t *testing.T) {
	m := newTestManager(nil, nil, Config{SlowRequest: SlowRequestConfig{Enabled: true, WarnThresholdMS: 1000, ErrorThresholdMS: 3000}})
	if err := m.SetSlowRequestConfig(SlowRequestConfig{Enabled: true, WarnThresholdMS: 500, ErrorThresholdMS: 100}); err == nil {
		t.Fatal("expected inverted thresholds to be rejected")
	}
	if err := m.SetSlowRequestConfig(SlowRequestConfig{Enabled: true, WarnThresholdMS: 0, ErrorThresholdMS: 2000}); err != nil {
		t.Fatalf("set: %v", err)
	}
	cfg := m.SlowRequestConfig()
	if _, ok := cfg.Classify(1500); ok {
		t.Fatal("warn level disabled, 1500ms must not alert")
	}
	if level, ok := cfg.Classify(2500); !ok || level != domain.SeverityError {
		t.Fatalf("expected ERROR for 2500ms, got %s %v", level, ok)
	}
}

func TestLoadRestoresActiveAlerts(t *testing.T) {
	repo := newStubAlertRepo()
	seed := newTestManager(repo, nil, Config{})
	a, _ := seed.TriggerAlert(context.Background(), domain.SeverityWarn, "slow", nil, "GET:/x")

	restarted := newTestManager(repo, nil, Config{})
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	again, _ := restarted.TriggerAlert(context.Background(), domain.SeverityWarn, "slow", nil, "GET:/x")
	if again.ID != a.ID || again.Occurrences != 2 {
		t.Fatalf("expected restored alert to be reused, got %+v", again)
	}
}
