package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

type stubPoller struct {
	mu    sync.Mutex
	procs []domain.ProcessInfo
	err   error
	delay time.Duration
}

func (s *stubPoller) Poll(ctx context.Context) ([]domain.ProcessInfo, error) {
	if s.delay > 0 {
		// deliberately ignores ctx
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProcessInfo(nil), s.procs...), s.err
}

func (s *stubPoller) set(procs []domain.ProcessInfo) {
	s.mu.Lock()
	s.procs = procs
	s.mu.Unlock()
}

type recordedAlert struct {
	level domain.AlertSeverity
	key   string
}

type stubAlerts struct {
	ch chan recordedAlert
}

func (s *stubAlerts) TriggerAlert(_ context.Context, level domain.AlertSeverity, _ string, _ map[string]any, key string) (domain.Alert, error) {
	s.ch <- recordedAlert{level: level, key: key}
	return domain.Alert{DedupKey: key, Severity: level}, nil
}

type stubGauges struct {
	mu     sync.Mutex
	values map[string]float64
}

func (s *stubGauges) SetGauge(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]float64)
	}
	s.values[name] = v
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{Primary: "discord-bot", Secondary: []string{"discord-api"}, Timeout: 100 * time.Millisecond}
}

func TestSnapshotClassifiesDeploymentMode(t *testing.T) {
	cases := []struct {
		name  string
		procs []domain.ProcessInfo
		want  string
		count int
	}{
		{
			name:  "single",
			procs: []domain.ProcessInfo{{Name: "discord-bot", CPUPercent: 5, MemoryMB: 100, Restarts: 1}},
			want:  domain.DeploymentSingleProcess,
			count: 1,
		},
		{
			name: "dual",
			procs: []domain.ProcessInfo{
				{Name: "discord-bot", CPUPercent: 5, MemoryMB: 100, Restarts: 1},
				{Name: "discord-api", CPUPercent: 2.5, MemoryMB: 50, Restarts: 2},
				{Name: "unrelated", CPUPercent: 90, MemoryMB: 900},
			},
			want:  domain.DeploymentDualProcess,
			count: 2,
		},
		{
			name:  "secondary only",
			procs: []domain.ProcessInfo{{Name: "discord-api"}},
			want:  domain.DeploymentUnknown,
			count: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCollector(&stubPoller{procs: tc.procs}, testConfig(), nil, nil, quietLogger())
			snap := c.Snapshot(context.Background())
			if !snap.Available {
				t.Fatalf("expected available snapshot, got error %q", snap.Error)
			}
			if snap.Mode != tc.want {
				t.Fatalf("expected mode %s, got %s", tc.want, snap.Mode)
			}
			if len(snap.Processes) != tc.count {
				t.Fatalf("expected %d processes, got %d", tc.count, len(snap.Processes))
			}
		})
	}
}

func TestSnapshotTotals(t *testing.T) {
	gauges := &stubGauges{}
	poller := &stubPoller{procs: []domain.ProcessInfo{
		{Name: "discord-bot", CPUPercent: 5, MemoryMB: 100, Restarts: 1, Uptime: 90 * time.Second},
		{Name: "discord-api", CPUPercent: 2.5, MemoryMB: 50, Restarts: 2},
	}}
	c := NewCollector(poller, testConfig(), nil, gauges, quietLogger())
	snap := c.Snapshot(context.Background())
	if snap.TotalCPU != 7.5 || snap.TotalMemoryMB != 150 || snap.TotalRestarts != 3 {
		t.Fatalf("unexpected totals %+v", snap)
	}
	if snap.Processes[0].UptimeSec != 90 {
		t.Fatalf("expected uptime seconds 90, got %d", snap.Processes[0].UptimeSec)
	}
	if gauges.values["process_count"] != 2 {
		t.Fatalf("expected process_count gauge 2, got %v", gauges.values)
	}
}

func TestSnapshotTimeoutYieldsUnavailable(t *testing.T) {
	poller := &stubPoller{delay: time.Second}
	c := NewCollector(poller, testConfig(), nil, nil, quietLogger())

	start := time.Now()
	snap := c.Snapshot(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected snapshot bounded by timeout, took %v", elapsed)
	}
	if snap.Available {
		t.Fatal("expected unavailable snapshot on timeout")
	}
	if snap.Error == "" || snap.Mode != domain.DeploymentUnknown || snap.TotalCPU != 0 {
		t.Fatalf("expected zeroed snapshot with error, got %+v", snap)
	}
}

func TestSnapshotPollErrorYieldsUnavailable(t *testing.T) {
	c := NewCollector(&stubPoller{err: errors.New("pm2 not installed")}, testConfig(), nil, nil, quietLogger())
	snap := c.Snapshot(context.Background())
	if snap.Available || snap.Error != "pm2 not installed" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

type panickingPoller struct{}

func (panickingPoller) Poll(context.Context) ([]domain.ProcessInfo, error) {
	panic("nil map in pm2 output")
}

func TestSnapshotRecoversPollerPanic(t *testing.T) {
	c := NewCollector(panickingPoller{}, testConfig(), nil, nil, quietLogger())
	snap := c.Snapshot(context.Background())
	if snap.Available || !strings.Contains(snap.Error, "nil map in pm2 output") {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSnapshotWithoutPoller(t *testing.T) {
	c := NewCollector(nil, testConfig(), nil, nil, quietLogger())
	snap := c.Snapshot(context.Background())
	if snap.Available || snap.Error != ErrDisabled.Error() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRestartIncreaseRaisesWarnAlert(t *testing.T) {
	alerts := &stubAlerts{ch: make(chan recordedAlert, 4)}
	poller := &stubPoller{procs: []domain.ProcessInfo{{Name: "discord-bot", Restarts: 1}}}
	c := NewCollector(poller, testConfig(), alerts, nil, quietLogger())

	c.Snapshot(context.Background())
	select {
	case a := <-alerts.ch:
		t.Fatalf("first observation must not alert, got %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	poller.set([]domain.ProcessInfo{{Name: "discord-bot", Restarts: 3}})
	c.Snapshot(context.Background())
	select {
	case a := <-alerts.ch:
		if a.level != domain.SeverityWarn || a.key != "process_restart:discord-bot" {
			t.Fatalf("unexpected alert %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("expected restart alert")
	}
}
