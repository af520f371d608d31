package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "")
	t.Setenv("AUTH_MODE", "")
	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":4000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeOpen {
		t.Fatalf("expected open auth without operator token, got %q", cfg.AuthMode)
	}
	if cfg.RollupTopN != 10 {
		t.Fatalf("expected default top n 10, got %d", cfg.RollupTopN)
	}
	if cfg.ProcessPollTimeout != 3*time.Second {
		t.Fatalf("unexpected poll timeout %v", cfg.ProcessPollTimeout)
	}
}

func TestLoadAPIConfigFromEnv(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "s3cret")
	t.Setenv("ROLLUP_GUILDS", "g1, g2 ,,g3")
	t.Setenv("SLOW_REQUEST_WARN_MS", "250")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("PROCESS_MANAGER", "Docker")

	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeEnforced {
		t.Fatalf("expected enforced auth, got %q", cfg.AuthMode)
	}
	if len(cfg.RollupGuilds) != 3 || cfg.RollupGuilds[1] != "g2" {
		t.Fatalf("unexpected guild list %v", cfg.RollupGuilds)
	}
	if cfg.SlowRequestWarnMS != 250 {
		t.Fatalf("expected warn threshold 250, got %d", cfg.SlowRequestWarnMS)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("expected session ttl 30m, got %v", cfg.SessionTTL)
	}
	if cfg.ProcessManager != ProcessManagerDocker {
		t.Fatalf("expected docker process manager, got %q", cfg.ProcessManager)
	}
}

func TestLoadAPIConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "api_addr: \":9090\"\nrollup_trigger_at: \"03:30\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("OPERATOR_TOKEN", "")

	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.RollupTriggerAt != "03:30" {
		t.Fatalf("expected file values, got addr=%q trigger=%q", cfg.Addr, cfg.RollupTriggerAt)
	}
}

func TestLoadAPIConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN", "")
	t.Setenv("AUTH_MODE", "enforced")
	if _, err := LoadAPIConfig(); err == nil {
		t.Fatal("expected enforced mode without token to fail")
	}

	t.Setenv("AUTH_MODE", "open")
	t.Setenv("ROLLUP_TRIGGER_AT", "25:99")
	if _, err := LoadAPIConfig(); err == nil {
		t.Fatal("expected invalid trigger time to fail")
	}
}
