package process

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

// dockerAPI is the subset of the docker client used by DockerPoller.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
	Close() error
}

// DockerPoller reports containers whose names match the configured process
// names, for deployments that run the bot under docker instead of pm2.
type DockerPoller struct {
	api   dockerAPI
	names []string
	now   func() time.Time

	// one-shot stats leave precpu_stats empty, so CPU usage is measured
	// against the sample taken by the previous poll
	mu      sync.Mutex
	lastCPU map[string]types.CPUStats
}

// NewDockerPoller connects to the docker daemon from the environment.
func NewDockerPoller(names []string) (*DockerPoller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerPoller(cli, names), nil
}

func newDockerPoller(api dockerAPI, names []string) *DockerPoller {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return &DockerPoller{api: api, names: cleaned, now: time.Now, lastCPU: make(map[string]types.CPUStats)}
}

// Poll implements Poller.
func (p *DockerPoller) Poll(ctx context.Context) ([]domain.ProcessInfo, error) {
	args := filters.NewArgs()
	for _, n := range p.names {
		args.Add("name", n)
	}
	containers, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	procs := make([]domain.ProcessInfo, 0, len(containers))
	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		name := p.match(c.Names)
		if name == "" {
			continue
		}
		seen[c.ID] = true
		info, err := p.inspect(ctx, c.ID, name)
		if err != nil {
			return nil, err
		}
		procs = append(procs, info)
	}
	p.mu.Lock()
	for id := range p.lastCPU {
		if !seen[id] {
			delete(p.lastCPU, id)
		}
	}
	p.mu.Unlock()
	return procs, nil
}

func (p *DockerPoller) inspect(ctx context.Context, id, name string) (domain.ProcessInfo, error) {
	details, err := p.api.ContainerInspect(ctx, id)
	if err != nil {
		return domain.ProcessInfo{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	info := domain.ProcessInfo{Name: name}
	if details.ContainerJSONBase != nil {
		info.Restarts = details.RestartCount
		if st := details.State; st != nil {
			info.Status = st.Status
			info.PID = st.Pid
			if st.Running {
				if started, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
					info.Uptime = p.now().Sub(started)
				}
			}
		}
	}
	if info.Status != "running" {
		return info, nil
	}

	stats, err := p.api.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return domain.ProcessInfo{}, fmt.Errorf("stats for container %s: %w", name, err)
	}
	defer stats.Body.Close()
	var sample types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&sample); err != nil {
		return domain.ProcessInfo{}, fmt.Errorf("decode stats for container %s: %w", name, err)
	}
	info.CPUPercent = p.cpuSince(id, sample)
	info.MemoryMB = float64(sample.MemoryStats.Usage) / (1024 * 1024)
	return info, nil
}

// match maps docker's "/name" entries back to a configured process name.
func (p *DockerPoller) match(names []string) string {
	for _, raw := range names {
		n := strings.TrimPrefix(raw, "/")
		if len(p.names) == 0 {
			return n
		}
		for _, want := range p.names {
			if n == want {
				return want
			}
		}
	}
	return ""
}

// Close releases the docker client.
func (p *DockerPoller) Close() error {
	return p.api.Close()
}

// cpuSince reports CPU usage between the previous poll and sample. The
// first sample of a container has no baseline and reports 0.
func (p *DockerPoller) cpuSince(id string, sample types.StatsJSON) float64 {
	p.mu.Lock()
	prev, ok := p.lastCPU[id]
	p.lastCPU[id] = sample.CPUStats
	p.mu.Unlock()
	if sample.PreCPUStats.SystemUsage == 0 {
		if !ok {
			return 0
		}
		sample.PreCPUStats = prev
	}
	return cpuPercent(sample)
}

func cpuPercent(s types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}
