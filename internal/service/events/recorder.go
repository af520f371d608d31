package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

// CounterEventsTotal counts every accepted event.
const CounterEventsTotal = "events_total"

const maxKindLength = 64

// Counter receives per-kind event counts.
type Counter interface {
	IncrementCounter(name string)
}

// Recorder turns bot events into guild_events rows.
type Recorder struct {
	repo    repository.EventRepository
	counter Counter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder constructs a Recorder. counter may be nil.
func NewRecorder(repo repository.EventRepository, counter Counter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, counter: counter, logger: logger.With("component", "event_recorder"), now: time.Now}
}

// RecordEvent stores an event of kind. attrs must carry "guild_id" and may
// carry "channel_id", "user_id" and "occurred_at" (RFC 3339); every other
// key is kept as free-form attributes.
func (r *Recorder) RecordEvent(ctx context.Context, kind string, attrs map[string]any) (domain.GuildEvent, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || len(kind) > maxKindLength {
		return domain.GuildEvent{}, fmt.Errorf("%w: event kind is required", repository.ErrInvalidArgument)
	}

	rest := make(map[string]any, len(attrs))
	for k, v := range attrs {
		rest[k] = v
	}
	event := domain.GuildEvent{Kind: kind}
	for _, field := range []struct {
		key string
		dst *string
	}{
		{"guild_id", &event.GuildID},
		{"channel_id", &event.ChannelID},
		{"user_id", &event.UserID},
	} {
		id, err := takeID(rest, field.key)
		if err != nil {
			return domain.GuildEvent{}, err
		}
		*field.dst = id
	}
	if event.GuildID == "" {
		return domain.GuildEvent{}, fmt.Errorf("%w: guild_id is required", repository.ErrInvalidArgument)
	}
	occurred, err := takeTime(rest, "occurred_at")
	if err != nil {
		return domain.GuildEvent{}, err
	}
	if occurred.IsZero() {
		occurred = r.now()
	}
	event.OccurredAt = occurred.UTC()
	if len(rest) > 0 {
		event.Attrs = rest
	}

	if err := r.repo.InsertEvent(ctx, &event); err != nil {
		r.logger.Warn("failed to record event", "kind", kind, "guild_id", event.GuildID, "error", err)
		return domain.GuildEvent{}, fmt.Errorf("record event: %w", err)
	}
	if r.counter != nil {
		r.counter.IncrementCounter(CounterEventsTotal)
		r.counter.IncrementCounter("events." + kind)
	}
	r.logger.Debug("event recorded", "kind", kind, "guild_id", event.GuildID, "id", event.ID)
	return event, nil
}

// takeID removes key from m and returns it as an ID string. Discord
// snowflakes arrive as strings or bare JSON integers; numbers keep their
// exact decimal text and anything non-integral is rejected.
func takeID(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	delete(m, key)
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		text := t.String()
		if !isInteger(text) {
			return "", fmt.Errorf("%w: %s must be an integer or string", repository.ErrInvalidArgument, key)
		}
		return text, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		// float64 only holds integers exactly up to 2^53
		if t != math.Trunc(t) || math.Abs(t) > 1<<53 {
			return "", fmt.Errorf("%w: %s must be an exact integer or string", repository.ErrInvalidArgument, key)
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %s must be an integer or string", repository.ErrInvalidArgument, key)
	}
}

func isInteger(text string) bool {
	digits := strings.TrimPrefix(text, "-")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func takeTime(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, nil
	}
	delete(m, key)
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: occurred_at must be RFC 3339", repository.ErrInvalidArgument)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%w: occurred_at must be RFC 3339", repository.ErrInvalidArgument)
	}
}
