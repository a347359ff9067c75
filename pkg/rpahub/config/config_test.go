package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Timezone)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.Runs.DefaultManualTimeout != 30*time.Minute {
		t.Errorf("DefaultManualTimeout = %s", cfg.Runs.DefaultManualTimeout)
	}
	if cfg.Runs.MaxDeferrals != 3 {
		t.Errorf("MaxDeferrals = %d", cfg.Runs.MaxDeferrals)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
timezone: America/Sao_Paulo
api_addr: ":9090"
sla:
  queue_backlog_threshold: 10
runs:
  default_manual_timeout: 5m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Timezone != "America/Sao_Paulo" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.APIAddr != ":9090" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.SLA.QueueBacklogThreshold != 10 {
		t.Errorf("QueueBacklogThreshold = %d", cfg.SLA.QueueBacklogThreshold)
	}
	if cfg.Runs.DefaultManualTimeout != 5*time.Minute {
		t.Errorf("DefaultManualTimeout = %s", cfg.Runs.DefaultManualTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.DatabasePath != "./data/rpahub.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("api_addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("API_ADDR", ":7070")
	t.Setenv("DEFAULT_MANUAL_TIMEOUT_SECONDS", "120")
	t.Setenv("RUN_RETENTION_DAYS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIAddr != ":7070" {
		t.Errorf("APIAddr = %q, env must win over file", cfg.APIAddr)
	}
	if cfg.Runs.DefaultManualTimeout != 2*time.Minute {
		t.Errorf("DefaultManualTimeout = %s", cfg.Runs.DefaultManualTimeout)
	}
	if cfg.Retention.RunDays != 7 {
		t.Errorf("RunDays = %d", cfg.Retention.RunDays)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty timezone", func(c *Config) { c.Timezone = "" }},
		{"scheduler interval too small", func(c *Config) { c.Scheduler.Interval = time.Second }},
		{"sla interval too small", func(c *Config) { c.SLA.Interval = time.Second }},
		{"zero max deferrals", func(c *Config) { c.Runs.MaxDeferrals = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
