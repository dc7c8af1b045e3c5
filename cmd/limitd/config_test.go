package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limitd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "namespace: prod\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %s, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.Backend != "memory" {
		t.Errorf("backend = %s, want memory", cfg.Server.Backend)
	}
	if cfg.Server.FailureMode != "block" {
		t.Errorf("failure_mode = %s, want block", cfg.Server.FailureMode)
	}
	if cacheTTL(cfg) != 0 || leaseHold(cfg) != 0 {
		t.Errorf("unset durations not zero: ttl %v hold %v", cacheTTL(cfg), leaseHold(cfg))
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
  backend: dynamodb
  failure_mode: allow
  log_level: debug
namespace: prod
limiter:
  max_attempts: 5
  retention_multiplier: 2.0
  cache_ttl_seconds: 60
  parallel_cascade: true
  lease_hold_seconds: 120
dynamodb:
  table: limitd-buckets
  resource_index: g1
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.Backend != "dynamodb" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Limiter.MaxAttempts != 5 || !cfg.Limiter.ParallelCascade {
		t.Errorf("limiter = %+v", cfg.Limiter)
	}
	if cacheTTL(cfg) != time.Minute {
		t.Errorf("ttl = %v, want 1m", cacheTTL(cfg))
	}
	if leaseHold(cfg) != 2*time.Minute {
		t.Errorf("hold = %v, want 2m", leaseHold(cfg))
	}
	if cfg.DynamoDB.Table != "limitd-buckets" {
		t.Errorf("table = %s", cfg.DynamoDB.Table)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing namespace", "server:\n  backend: memory\n"},
		{"bad failure mode", "namespace: prod\nserver:\n  failure_mode: explode\n"},
		{"dynamodb without table", "namespace: prod\nserver:\n  backend: dynamodb\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := loadConfig(path); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
