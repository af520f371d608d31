package alert

import (
	"errors"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

// SlowRequestConfig holds latency thresholds in milliseconds. A zero
// threshold disables that level.
type SlowRequestConfig struct {
	Enabled          bool  `json:"enabled"`
	WarnThresholdMS  int64 `json:"warn_threshold_ms"`
	ErrorThresholdMS int64 `json:"error_threshold_ms"`
}

// Validate rejects negative or inverted thresholds.
func (c SlowRequestConfig) Validate() error {
	if c.WarnThresholdMS < 0 || c.ErrorThresholdMS < 0 {
		return errors.New("thresholds must not be negative")
	}
	if c.WarnThresholdMS > 0 && c.ErrorThresholdMS > 0 && c.ErrorThresholdMS < c.WarnThresholdMS {
		return errors.New("error threshold must be greater than or equal to warn threshold")
	}
	return nil
}

// Classify returns the severity a request of latencyMS deserves, if any.
func (c SlowRequestConfig) Classify(latencyMS float64) (domain.AlertSeverity, bool) {
	if !c.Enabled {
		return "", false
	}
	if c.ErrorThresholdMS > 0 && latencyMS >= float64(c.ErrorThresholdMS) {
		return domain.SeverityError, true
	}
	if c.WarnThresholdMS > 0 && latencyMS >= float64(c.WarnThresholdMS) {
		return domain.SeverityWarn, true
	}
	return "", false
}

// ErrorRateConfig controls the error_rate alert evaluated against the
// collector summary.
type ErrorRateConfig struct {
	Enabled     bool    `json:"enabled"`
	Threshold   float64 `json:"threshold"`
	MinRequests int64   `json:"min_requests"`
}

// Validate rejects thresholds outside [0,1].
func (c ErrorRateConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.New("error rate threshold must be within [0,1]")
	}
	if c.MinRequests < 0 {
		return errors.New("min requests must not be negative")
	}
	return nil
}

// Thresholds is the operator-editable configuration surface.
type Thresholds struct {
	SlowRequest SlowRequestConfig `json:"slow_request"`
	ErrorRate   ErrorRateConfig   `json:"error_rate"`
}
