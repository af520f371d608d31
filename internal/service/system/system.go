package system

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// Stats is the host section of the health snapshot.
type Stats struct {
	Hostname      string   `json:"hostname,omitempty"`
	Platform      string   `json:"platform,omitempty"`
	UptimeSeconds uint64   `json:"uptime_seconds"`
	CPUPercent    float64  `json:"cpu_percent"`
	CPUCores      int      `json:"cpu_cores"`
	Load1         float64  `json:"load1"`
	Load5         float64  `json:"load5"`
	Load15        float64  `json:"load15"`
	MemoryTotalMB float64  `json:"memory_total_mb"`
	MemoryUsedMB  float64  `json:"memory_used_mb"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	ProcessRSSMB  float64  `json:"process_rss_mb"`
	Goroutines    int      `json:"goroutines"`
	GoVersion     string   `json:"go_version"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Sampler reads host statistics through gopsutil. Individual probe
// failures become warnings so the health endpoint always gets a section.
type Sampler struct {
	diskPath string
	hostInfo func(context.Context) (*host.InfoStat, error)
	cpuPct   func(context.Context) ([]float64, error)
	cpuCount func(context.Context) (int, error)
	loadAvg  func(context.Context) (*load.AvgStat, error)
	vmem     func(context.Context) (*mem.VirtualMemoryStat, error)
	diskUse  func(context.Context, string) (*disk.UsageStat, error)
	selfRSS  func(context.Context) (uint64, error)
}

// NewSampler returns a Sampler reporting disk usage for diskPath ("/" when empty).
func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		diskPath: diskPath,
		hostInfo: host.InfoWithContext,
		cpuPct: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		cpuCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		loadAvg: load.AvgWithContext,
		vmem:    mem.VirtualMemoryWithContext,
		diskUse: disk.UsageWithContext,
		selfRSS: processRSS,
	}
}

// Sample collects the current host statistics.
func (s *Sampler) Sample(ctx context.Context) Stats {
	stats := Stats{
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}
	warn := func(probe string, err error) {
		stats.Warnings = append(stats.Warnings, probe+": "+err.Error())
	}

	if info, err := s.hostInfo(ctx); err != nil {
		warn("host", err)
	} else {
		stats.Hostname = info.Hostname
		stats.Platform = info.Platform
		stats.UptimeSeconds = info.Uptime
	}
	if pct, err := s.cpuPct(ctx); err != nil {
		warn("cpu", err)
	} else if len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if n, err := s.cpuCount(ctx); err != nil {
		warn("cpu_count", err)
	} else {
		stats.CPUCores = n
	}
	if avg, err := s.loadAvg(ctx); err != nil {
		warn("load", err)
	} else {
		stats.Load1, stats.Load5, stats.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := s.vmem(ctx); err != nil {
		warn("memory", err)
	} else {
		stats.MemoryTotalMB = float64(vm.Total) / bytesPerMB
		stats.MemoryUsedMB = float64(vm.Used) / bytesPerMB
		stats.MemoryPercent = vm.UsedPercent
	}
	if du, err := s.diskUse(ctx, s.diskPath); err != nil {
		warn("disk", err)
	} else {
		stats.DiskPercent = du.UsedPercent
	}
	if rss, err := s.selfRSS(ctx); err != nil {
		warn("process", err)
	} else {
		stats.ProcessRSSMB = float64(rss) / bytesPerMB
	}
	return stats
}

// Pressure reports whether memory or disk usage is high enough to flag the
// service as degraded.
func (s Stats) Pressure() bool {
	return s.MemoryPercent >= 95 || s.DiskPercent >= 95
}

func processRSS(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
