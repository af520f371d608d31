package system

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

func stubSampler() *Sampler {
	s := NewSampler("/")
	s.hostInfo = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "bot-1", Platform: "debian", Uptime: 3600}, nil
	}
	s.cpuPct = func(context.Context) ([]float64, error) { return []float64{12.5}, nil }
	s.cpuCount = func(context.Context) (int, error) { return 4, nil }
	s.loadAvg = func(context.Context) (*load.AvgStat, error) { return &load.AvgStat{Load1: 0.5, Load5: 0.4, Load15: 0.3}, nil }
	s.vmem = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 2048 * bytesPerMB, Used: 1024 * bytesPerMB, UsedPercent: 50}, nil
	}
	s.diskUse = func(context.Context, string) (*disk.UsageStat, error) { return &disk.UsageStat{UsedPercent: 40}, nil }
	s.selfRSS = func(context.Context) (uint64, error) { return 64 * bytesPerMB, nil }
	return s
}

func TestSampleCollectsAllProbes(t *testing.T) {
	stats := stubSampler().Sample(context.Background())
	if stats.Hostname != "bot-1" || stats.UptimeSeconds != 3600 {
		t.Fatalf("unexpected host info %+v", stats)
	}
	if stats.CPUPercent != 12.5 || stats.CPUCores != 4 || stats.Load1 != 0.5 {
		t.Fatalf("unexpected cpu figures %+v", stats)
	}
	if stats.MemoryTotalMB != 2048 || stats.MemoryUsedMB != 1024 || stats.ProcessRSSMB != 64 {
		t.Fatalf("unexpected memory figures %+v", stats)
	}
	if len(stats.Warnings) != 0 || stats.Pressure() {
		t.Fatalf("expected a clean sample, got %+v", stats)
	}
}

func TestSampleTurnsProbeFailuresIntoWarnings(t *testing.T) {
	s := stubSampler()
	s.vmem = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("no /proc") }
	s.diskUse = func(context.Context, string) (*disk.UsageStat, error) { return &disk.UsageStat{UsedPercent: 97}, nil }

	stats := s.Sample(context.Background())
	if len(stats.Warnings) != 1 || stats.Warnings[0] != "memory: no /proc" {
		t.Fatalf("unexpected warnings %v", stats.Warnings)
	}
	if stats.CPUPercent != 12.5 {
		t.Fatal("other probes must still report")
	}
	if !stats.Pressure() {
		t.Fatal("expected disk pressure to be flagged")
	}
}
