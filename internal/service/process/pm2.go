package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PM2Poller reads process state from `pm2 jlist`.
type PM2Poller struct {
	binary string
	run    commandRunner
	now    func() time.Time
}

// NewPM2Poller returns a poller invoking binary (default "pm2").
func NewPM2Poller(binary string) *PM2Poller {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "pm2"
	}
	return &PM2Poller{binary: binary, run: execOutput, now: time.Now}
}

type pm2Process struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	Monit struct {
		CPU    float64 `json:"cpu"`
		Memory float64 `json:"memory"`
	} `json:"monit"`
	Env struct {
		Status      string `json:"status"`
		PMUptime    int64  `json:"pm_uptime"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
}

// Poll implements Poller.
func (p *PM2Poller) Poll(ctx context.Context) ([]domain.ProcessInfo, error) {
	out, err := p.run(ctx, p.binary, "jlist")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("pm2 jlist: %w", ctxErr)
		}
		return nil, fmt.Errorf("pm2 jlist: %w", err)
	}
	return parsePM2(out, p.now())
}

func parsePM2(out []byte, now time.Time) ([]domain.ProcessInfo, error) {
	// pm2 may print warnings before the JSON payload
	if idx := strings.IndexByte(string(out), '['); idx > 0 {
		out = out[idx:]
	}
	var raw []pm2Process
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode pm2 jlist: %w", err)
	}
	procs := make([]domain.ProcessInfo, 0, len(raw))
	for _, r := range raw {
		info := domain.ProcessInfo{
			Name:       r.Name,
			PID:        r.PID,
			Status:     r.Env.Status,
			CPUPercent: r.Monit.CPU,
			MemoryMB:   r.Monit.Memory / (1024 * 1024),
			Restarts:   r.Env.RestartTime,
		}
		if r.Env.Status == "online" && r.Env.PMUptime > 0 {
			started := time.UnixMilli(r.Env.PMUptime)
			if up := now.Sub(started); up > 0 {
				info.Uptime = up
			}
		}
		procs = append(procs, info)
	}
	return procs, nil
}
