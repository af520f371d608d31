package domain

import (
	"strings"
	"time"
)

// AlertSeverity classifies how urgent an alert is.
type AlertSeverity string

const (
	SeverityInfo  AlertSeverity = "INFO"
	SeverityWarn  AlertSeverity = "WARN"
	SeverityError AlertSeverity = "ERROR"
)

// Rank orders severities so escalation can compare them.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s AlertSeverity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity normalises user supplied severity strings.
func ParseSeverity(value string) (AlertSeverity, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "INFO":
		return SeverityInfo, true
	case "WARN", "WARNING":
		return SeverityWarn, true
	case "ERROR", "CRITICAL":
		return SeverityError, true
	}
	return "", false
}

const (
	AlertStatusActive   = "active"
	AlertStatusResolved = "resolved"
)

// Alert categories used as dedup key prefixes and for filtering.
const (
	AlertCategorySlowRequest    = "slow_request"
	AlertCategoryErrorRate      = "error_rate"
	AlertCategoryRollupFailure  = "rollup_failure"
	AlertCategoryProcessRestart = "process_restart"
	AlertCategoryCustom         = "custom"
)

// Alert is a threshold violation tracked by its deduplication key.
type Alert struct {
	ID               string         `json:"id"`
	DedupKey         string         `json:"dedup_key"`
	Category         string         `json:"category"`
	Severity         AlertSeverity  `json:"severity"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	Status           string         `json:"status"`
	Occurrences      int64          `json:"occurrences"`
	FirstTriggeredAt time.Time      `json:"first_triggered_at"`
	LastTriggeredAt  time.Time      `json:"last_triggered_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
}

// Active reports whether the alert still counts against its dedup key.
func (a Alert) Active() bool {
	return a.Status == AlertStatusActive
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a Alert) Clone() Alert {
	out := a
	if a.Details != nil {
		out.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			out.Details[k] = v
		}
	}
	if a.ResolvedAt != nil {
		resolved := *a.ResolvedAt
		out.ResolvedAt = &resolved
	}
	return out
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status   string
	Category string
	Limit    int
}
