package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the telemetry API for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent on every request: the raw operator
// token or a session token obtained from IssueSession.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e APIError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	// health reports 503 with a full body when unhealthy
	if resp.StatusCode >= http.StatusBadRequest && !(resp.StatusCode == http.StatusServiceUnavailable && path == "/api/health") {
		return extractError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(resp *http.Response) error {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Reason = strings.TrimSpace(payload.Reason)
	return apiErr
}

// Session is a short-lived signed operator token.
type Session struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueSession exchanges the raw operator token for a session token.
func (c *Client) IssueSession(ctx context.Context, operatorToken string) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", nil, operatorToken, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Health is the combined service snapshot.
type Health struct {
	Status    string                     `json:"status"`
	Timestamp string                     `json:"timestamp"`
	Uptime    int64                      `json:"uptime"`
	Services  map[string]json.RawMessage `json:"services"`
	Metrics   json.RawMessage            `json:"metrics"`
	Alerts    struct {
		Active []Alert `json:"active"`
		Count  int     `json:"count"`
	} `json:"alerts"`
}

// Health fetches /api/health. An unhealthy service is not an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, "", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Alert mirrors the API alert payload.
type Alert struct {
	ID               string         `json:"id"`
	DedupKey         string         `json:"dedup_key"`
	Category         string         `json:"category"`
	Severity         string         `json:"severity"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	Status           string         `json:"status"`
	Occurrences      int64          `json:"occurrences"`
	FirstTriggeredAt time.Time      `json:"first_triggered_at"`
	LastTriggeredAt  time.Time      `json:"last_triggered_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
}

// ListAlerts returns persisted alerts filtered by status ("" for all).
func (c *Client) ListAlerts(ctx context.Context, status string, limit int) ([]Alert, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/alerts"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, c.token, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// ResolveAlert closes the alert with id.
func (c *Client) ResolveAlert(ctx context.Context, id, resolvedBy string) (Alert, error) {
	var body any
	if strings.TrimSpace(resolvedBy) != "" {
		body = map[string]string{"resolved_by": resolvedBy}
	}
	var a Alert
	path := "/api/alerts/" + url.PathEscape(id) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, body, c.token, &a); err != nil {
		return Alert{}, err
	}
	return a, nil
}

// Thresholds mirrors the alert threshold configuration.
type Thresholds struct {
	SlowRequest struct {
		Enabled          bool  `json:"enabled"`
		WarnThresholdMS  int64 `json:"warn_threshold_ms"`
		ErrorThresholdMS int64 `json:"error_threshold_ms"`
	} `json:"slow_request"`
	ErrorRate struct {
		Enabled     bool    `json:"enabled"`
		Threshold   float64 `json:"threshold"`
		MinRequests int64   `json:"min_requests"`
	} `json:"error_rate"`
}

// GetThresholds reads the live alert thresholds.
func (c *Client) GetThresholds(ctx context.Context) (Thresholds, error) {
	var t Thresholds
	if err := c.do(ctx, http.MethodGet, "/api/alerts/config", nil, c.token, &t); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// SetThresholds replaces the live alert thresholds.
func (c *Client) SetThresholds(ctx context.Context, t Thresholds) (Thresholds, error) {
	var out Thresholds
	if err := c.do(ctx, http.MethodPut, "/api/alerts/config", t, c.token, &out); err != nil {
		return Thresholds{}, err
	}
	return out, nil
}

// Breakdown is one ranked top-N entry.
type Breakdown struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

// DailyStat is one precomputed guild summary.
type DailyStat struct {
	Date        string      `json:"date"`
	GuildID     string      `json:"guild_id"`
	TotalEvents int64       `json:"total_events"`
	ActiveUsers int64       `json:"active_users"`
	TopChannels []Breakdown `json:"top_channels"`
	TopUsers    []Breakdown `json:"top_users"`
	ComputedAt  time.Time   `json:"computed_at"`
}

// Stats lists daily stats for guildID between from and to (YYYY-MM-DD,
// empty for the server defaults).
func (c *Client) Stats(ctx context.Context, guildID, from, to string) ([]DailyStat, error) {
	query := url.Values{}
	if from != "" {
		query.Set("from", from)
	}
	if to != "" {
		query.Set("to", to)
	}
	path := "/api/stats/" + url.PathEscape(guildID)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Stats []DailyStat `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// RollupReport summarises an on-demand aggregation run.
type RollupReport struct {
	Date   string `json:"date"`
	Guilds []struct {
		GuildID string     `json:"guild_id"`
		Stat    *DailyStat `json:"stat,omitempty"`
		Error   string     `json:"error,omitempty"`
	} `json:"guilds"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunRollup re-aggregates date for guilds (all configured guilds when empty).
// A partially failed run is returned without error; check Failed.
func (c *Client) RunRollup(ctx context.Context, date string, guilds []string) (RollupReport, error) {
	body := map[string]any{"date": date}
	if len(guilds) > 0 {
		body["guilds"] = guilds
	}
	var report RollupReport
	if err := c.do(ctx, http.MethodPost, "/api/rollups", body, c.token, &report); err != nil {
		return RollupReport{}, err
	}
	return report, nil
}
