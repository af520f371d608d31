package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthDecodesUnhealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","uptime":12,"services":{"database":{"status":"down"}},"alerts":{"active":[],"count":0}}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	health, err := cli.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "unhealthy" || health.Uptime != 12 {
		t.Fatalf("unexpected health %+v", health)
	}
	if _, ok := health.Services["database"]; !ok {
		t.Fatal("expected database section")
	}
}

func TestListAlertsSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer op-token" {
			t.Fatalf("unexpected authorization %q", got)
		}
		if r.URL.Query().Get("status") != "active" || r.URL.Query().Get("limit") != "5" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"alerts":[{"id":"a1","dedup_key":"GET:/api/health","severity":"WARN","status":"active","occurrences":3}],"active":1}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL, WithToken(" op-token "))
	alerts, err := cli.ListAlerts(context.Background(), "active", 5)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Occurrences != 3 || alerts[0].Severity != "WARN" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestAPIErrorCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication required","reason":"missing_token"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetThresholds(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Reason != "missing_token" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
