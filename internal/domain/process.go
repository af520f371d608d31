package domain

import "time"

// Deployment modes derived from the discovered process set.
const (
	DeploymentSingleProcess = "single-process"
	DeploymentDualProcess   = "dual-process"
	DeploymentUnknown       = "unknown"
)

// ProcessInfo describes one process reported by the process manager.
type ProcessInfo struct {
	Name       string        `json:"name"`
	PID        int           `json:"pid"`
	Status     string        `json:"status"`
	Uptime     time.Duration `json:"-"`
	UptimeSec  int64         `json:"uptime_seconds"`
	CPUPercent float64       `json:"cpu"`
	MemoryMB   float64       `json:"memory_mb"`
	Restarts   int           `json:"restarts"`
}

// ProcessSnapshot is the aggregated result of one poll. It is never persisted.
type ProcessSnapshot struct {
	Available     bool          `json:"available"`
	Mode          string        `json:"mode"`
	Processes     []ProcessInfo `json:"processes"`
	TotalCPU      float64       `json:"total_cpu"`
	TotalMemoryMB float64       `json:"total_memory_mb"`
	TotalRestarts int           `json:"total_restarts"`
	Error         string        `json:"error,omitempty"`
	CollectedAt   time.Time     `json:"collected_at"`
}
