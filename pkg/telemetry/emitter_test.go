package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if token := r.Header.Get("X-Ingest-Token"); token != "secret" {
			t.Fatalf("unexpected token header %s", token)
		}
		var payload struct {
			Kind  string         `json:"kind"`
			Attrs map[string]any `json:"attrs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Kind != "message" {
			t.Fatalf("unexpected kind %q", payload.Kind)
		}
		if payload.Attrs["guild_id"] != "G1" || payload.Attrs["channel_id"] != "C1" {
			t.Fatalf("unexpected attrs %v", payload.Attrs)
		}
		if payload.Attrs["occurred_at"] != "2024-01-01T10:00:00Z" {
			t.Fatalf("unexpected occurred_at %v", payload.Attrs["occurred_at"])
		}
		if _, ok := payload.Attrs["user_id"]; ok {
			t.Fatal("empty user_id should be omitted")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	emitter, err := NewEmitter(srv.URL+"/", " secret ", nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	event := Event{
		Kind:       "Message",
		GuildID:    "G1",
		ChannelID:  "C1",
		OccurredAt: time.Date(2024, 1, 1, 18, 0, 0, 0, time.FixedZone("UTC+8", 8*3600)),
	}
	if err := emitter.Emit(context.Background(), event); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestEmitUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	emitter, err := NewEmitter(srv.URL, "", &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	err = emitter.Emit(context.Background(), Event{Kind: "join", GuildID: "G1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestEmitRequiresGuild(t *testing.T) {
	emitter, err := NewEmitter("https://api.example.com", "", nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	if err := emitter.Emit(context.Background(), Event{Kind: "message"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
