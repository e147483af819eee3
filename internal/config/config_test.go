package config

import (
	"testing"
	"time"
)

func TestEnvStr(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	if v := envStr("TEST_STR", "fallback"); v != "hello" {
		t.Fatalf("expected hello, got %q", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}

	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for invalid value, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	if v := envFloat("TEST_FLOAT", 0); v != 2.5 {
		t.Fatalf("expected 2.5, got %v", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 1.5); v != 1.5 {
		t.Fatalf("expected fallback 1.5, got %v", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if v := envDuration("TEST_DUR", time.Second); v != 90*time.Second {
		t.Fatalf("expected 90s, got %v", v)
	}
	t.Setenv("TEST_DUR_BAD", "soon")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m for invalid value, got %v", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AgentTimeout != 30*time.Second {
		t.Fatalf("expected default agent timeout 30s, got %v", cfg.AgentTimeout)
	}
	if cfg.MaxConcurrentRuns != 32 {
		t.Fatalf("expected default max concurrent runs 32, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.NotifyURL != cfg.DatabaseURL {
		t.Fatal("expected NotifyURL to default to DatabaseURL")
	}
}

func TestLoadNotifyURLOverride(t *testing.T) {
	t.Setenv("NOTIFY_URL", "postgres://direct:5432/driveline")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.NotifyURL != "postgres://direct:5432/driveline" {
		t.Fatalf("unexpected NotifyURL: %s", cfg.NotifyURL)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://localhost/driveline",
		AgentServiceURL:     "http://localhost:8001",
		AgentTimeout:        time.Second,
		MaxConcurrentRuns:   1,
		MaxRequestBodyBytes: 1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := cfg
	bad.AgentServiceURL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for missing agent service URL")
	}

	bad = cfg
	bad.MaxConcurrentRuns = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for non-positive max concurrent runs")
	}
}
