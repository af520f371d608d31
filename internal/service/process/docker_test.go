package process

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

type stubDocker struct {
	containers []types.Container
	inspect    map[string]types.ContainerJSON
	stats      map[string]string
	listOpts   container.ListOptions
}

func (s *stubDocker) ContainerList(_ context.Context, options container.ListOptions) ([]types.Container, error) {
	s.listOpts = options
	return s.containers, nil
}

func (s *stubDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	return s.inspect[id], nil
}

func (s *stubDocker) ContainerStatsOneShot(_ context.Context, id string) (types.ContainerStats, error) {
	return types.ContainerStats{Body: io.NopCloser(strings.NewReader(s.stats[id]))}, nil
}

func (s *stubDocker) Close() error { return nil }

func TestDockerPollerCollectsMatchingContainers(t *testing.T) {
	started := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	api := &stubDocker{
		containers: []types.Container{
			{ID: "c1", Names: []string{"/discord-bot"}},
			{ID: "c2", Names: []string{"/discord-bot-old"}},
			{ID: "c3", Names: []string{"/discord-api"}},
		},
		inspect: map[string]types.ContainerJSON{
			"c1": {ContainerJSONBase: &types.ContainerJSONBase{
				RestartCount: 3,
				State:        &types.ContainerState{Status: "running", Running: true, Pid: 77, StartedAt: started.Format(time.RFC3339Nano)},
			}},
			"c3": {ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{Status: "exited"},
			}},
		},
		stats: map[string]string{
			"c1": `{"cpu_stats":{"cpu_usage":{"total_usage":300},"system_cpu_usage":2000,"online_cpus":2},
			        "precpu_stats":{"cpu_usage":{"total_usage":100},"system_cpu_usage":1000},
			        "memory_stats":{"usage":52428800}}`,
		},
	}
	p := newDockerPoller(api, []string{"discord-bot", "discord-api"})
	p.now = func() time.Time { return started.Add(2 * time.Minute) }

	procs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !api.listOpts.All || len(api.listOpts.Filters.Get("name")) != 2 {
		t.Fatalf("expected name-filtered list of all containers, got %+v", api.listOpts)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 matching containers, got %d", len(procs))
	}
	bot := procs[0]
	if bot.Name != "discord-bot" || bot.PID != 77 || bot.Restarts != 3 {
		t.Fatalf("unexpected bot process %+v", bot)
	}
	if bot.CPUPercent != 40 {
		t.Fatalf("expected 40%% cpu, got %v", bot.CPUPercent)
	}
	if bot.MemoryMB != 50 {
		t.Fatalf("expected 50MB memory, got %v", bot.MemoryMB)
	}
	if bot.Uptime != 2*time.Minute {
		t.Fatalf("expected 2m uptime, got %v", bot.Uptime)
	}
	if procs[1].Status != "exited" || procs[1].CPUPercent != 0 {
		t.Fatalf("unexpected api process %+v", procs[1])
	}
}

func TestDockerPollerMeasuresCPUBetweenOneShotSamples(t *testing.T) {
	api := &stubDocker{
		containers: []types.Container{{ID: "c1", Names: []string{"/discord-bot"}}},
		inspect: map[string]types.ContainerJSON{
			"c1": {ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{Status: "running", Running: true},
			}},
		},
		// one-shot stats carry an empty precpu_stats section
		stats: map[string]string{
			"c1": `{"cpu_stats":{"cpu_usage":{"total_usage":900000},"system_cpu_usage":10000000,"online_cpus":4}}`,
		},
	}
	p := newDockerPoller(api, []string{"discord-bot"})

	procs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if procs[0].CPUPercent != 0 {
		t.Fatalf("first sample has no baseline, expected 0, got %v", procs[0].CPUPercent)
	}

	api.stats["c1"] = `{"cpu_stats":{"cpu_usage":{"total_usage":1000000},"system_cpu_usage":11000000,"online_cpus":4}}`
	procs, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	// 100000 / 1000000 * 4 cpus
	if procs[0].CPUPercent != 40 {
		t.Fatalf("expected 40%% cpu since the previous poll, got %v", procs[0].CPUPercent)
	}

	api.containers = nil
	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(p.lastCPU) != 0 {
		t.Fatalf("expected baselines of vanished containers dropped, got %d", len(p.lastCPU))
	}
}
