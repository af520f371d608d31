package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	eventsPath       = "/api/events"
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("telemetry: unauthorized")

// ErrInvalidArgument indicates the API rejected the event payload.
var ErrInvalidArgument = errors.New("telemetry: invalid argument")

// ErrRateLimited indicates the ingest endpoint throttled the caller.
var ErrRateLimited = errors.New("telemetry: rate limited")

// Emitter sends guild events from the bot process to the API ingest endpoint.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is one community event observed by the bot.
type Event struct {
	Kind       string
	GuildID    string
	ChannelID  string
	UserID     string
	Attrs      map[string]any
	OccurredAt time.Time
}

// NewEmitter creates an emitter for the API at baseURL authenticating with
// the ingest token.
func NewEmitter(baseURL, ingestToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry: base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(ingestToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit posts event to the ingest endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("telemetry: emitter not initialised")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidArgument)
	}
	if strings.TrimSpace(event.GuildID) == "" {
		return fmt.Errorf("%w: guild_id required", ErrInvalidArgument)
	}
	body, err := json.Marshal(buildPayload(event, e.now))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+eventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Ingest-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("telemetry: request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	attrs := make(map[string]any, len(event.Attrs)+4)
	for k, v := range event.Attrs {
		attrs[k] = v
	}
	attrs["guild_id"] = strings.TrimSpace(event.GuildID)
	if ch := strings.TrimSpace(event.ChannelID); ch != "" {
		attrs["channel_id"] = ch
	}
	if user := strings.TrimSpace(event.UserID); user != "" {
		attrs["user_id"] = user
	}
	attrs["occurred_at"] = occurred.UTC().Format(time.RFC3339Nano)
	return map[string]any{
		"kind":  strings.ToLower(strings.TrimSpace(event.Kind)),
		"attrs": attrs,
	}
}
