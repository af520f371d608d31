package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

type stubEventRepo struct {
	mu     sync.Mutex
	events []domain.GuildEvent
	err    error
}

func (s *stubEventRepo) InsertEvent(_ context.Context, event *domain.GuildEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

func (s *stubEventRepo) ListGuildsWithEvents(context.Context, time.Time, time.Time) ([]string, error) {
	return nil, nil
}

type stubCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *stubCounter) IncrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[name]++
}

func newTestRecorder(repo *stubEventRepo, counter *stubCounter) *Recorder {
	var c Counter
	if counter != nil {
		c = counter
	}
	r := NewRecorder(repo, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRecordEventSplitsKnownAttributes(t *testing.T) {
	repo := &stubEventRepo{}
	counter := &stubCounter{}
	r := newTestRecorder(repo, counter)

	event, err := r.RecordEvent(context.Background(), " Message ", map[string]any{
		"guild_id":   "G1",
		"channel_id": "C1",
		"user_id":    "U1",
		"length":     42,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.ID != 1 || event.Kind != "message" || event.GuildID != "G1" || event.ChannelID != "C1" || event.UserID != "U1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Attrs) != 1 || event.Attrs["length"] != 42 {
		t.Fatalf("expected only free-form attrs kept, got %v", event.Attrs)
	}
	if !event.OccurredAt.Equal(r.now()) {
		t.Fatalf("expected occurred_at to default to now, got %v", event.OccurredAt)
	}
	if counter.counts[CounterEventsTotal] != 1 || counter.counts["events.message"] != 1 {
		t.Fatalf("unexpected counters %v", counter.counts)
	}
}

func TestRecordEventParsesOccurredAt(t *testing.T) {
	r := newTestRecorder(&stubEventRepo{}, nil)
	event, err := r.RecordEvent(context.Background(), "reaction", map[string]any{
		"guild_id":    "G1",
		"occurred_at": "2024-01-01T08:30:00+08:00",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if want := time.Date(2024, time.January, 1, 0, 30, 0, 0, time.UTC); !event.OccurredAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, event.OccurredAt)
	}
}

func TestRecordEventValidation(t *testing.T) {
	r := newTestRecorder(&stubEventRepo{}, nil)
	cases := []struct {
		name  string
		kind  string
		attrs map[string]any
	}{
		{"missing kind", "", map[string]any{"guild_id": "G1"}},
		{"missing guild", "message", map[string]any{"channel_id": "C1"}},
		{"bad time", "message", map[string]any{"guild_id": "G1", "occurred_at": "yesterday"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.RecordEvent(context.Background(), tc.kind, tc.attrs); !errors.Is(err, repository.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestRecordEventPropagatesStoreErrors(t *testing.T) {
	counter := &stubCounter{}
	r := newTestRecorder(&stubEventRepo{err: errors.New("db down")}, counter)
	if _, err := r.RecordEvent(context.Background(), "message", map[string]any{"guild_id": "G1"}); err == nil {
		t.Fatal("expected error")
	}
	if counter.counts[CounterEventsTotal] != 0 {
		t.Fatal("failed events must not be counted")
	}
}

func TestRecordEventKeepsNumericSnowflakes(t *testing.T) {
	repo := &stubEventRepo{}
	r := newTestRecorder(repo, nil)

	dec := json.NewDecoder(strings.NewReader(`{"guild_id":123456789012345678,"channel_id":"C1","user_id":987654321098765432,"length":3}`))
	dec.UseNumber()
	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	event, err := r.RecordEvent(context.Background(), "message", attrs)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.GuildID != "123456789012345678" || event.UserID != "987654321098765432" || event.ChannelID != "C1" {
		t.Fatalf("snowflakes not preserved: %+v", event)
	}
	if event.Attrs["length"] != json.Number("3") {
		t.Fatalf("expected free-form number kept, got %v", event.Attrs["length"])
	}
}

func TestRecordEventRejectsNonIntegralIDs(t *testing.T) {
	r := newTestRecorder(&stubEventRepo{}, nil)
	cases := map[string]any{
		"fractional number": json.Number("12.5"),
		"exponent":          json.Number("1.2345678901234568e+17"),
		"lossy float":       float64(123456789012345678),
		"fractional float":  1.5,
		"bool":              true,
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.RecordEvent(context.Background(), "message", map[string]any{"guild_id": id})
			if !errors.Is(err, repository.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if event, err := r.RecordEvent(context.Background(), "message", map[string]any{"guild_id": float64(42)}); err != nil || event.GuildID != "42" {
		t.Fatalf("expected exact small float accepted, got %+v err=%v", event, err)
	}
}
