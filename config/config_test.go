package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
store:
  driver: memory
pipeline:
  max_concurrent: 8
  run_budget: 5m
recall:
  ranker: lexical
  bundle_size: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http_port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store driver = %s, want memory", cfg.Store.Driver)
	}
	if cfg.Pipeline.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d, want 8", cfg.Pipeline.MaxConcurrent)
	}
	if cfg.Pipeline.RunBudget != 5*time.Minute {
		t.Errorf("run_budget = %s, want 5m", cfg.Pipeline.RunBudget)
	}
	if cfg.Recall.Ranker != "lexical" || cfg.Recall.BundleSize != 3 {
		t.Errorf("recall config not applied: %+v", cfg.Recall)
	}
	// Untouched sections keep defaults.
	if cfg.Enhancer.Model != "tinyllama" {
		t.Errorf("enhancer default lost: %s", cfg.Enhancer.Model)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DREAMFORGE_SERVER_HTTP_PORT", "7070")
	t.Setenv("DREAMFORGE_STORE_DRIVER", "redis")
	t.Setenv("DREAMFORGE_ENHANCER_TIMEOUT", "45s")
	t.Setenv("DREAMFORGE_ENHANCER_TEMPERATURE", "0.3")
	t.Setenv("DREAMFORGE_LOG_OUTPUT_PATHS", "stdout, /var/log/dreamforge.log")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("env port override failed: %d", cfg.Server.HTTPPort)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("env driver override failed: %s", cfg.Store.Driver)
	}
	if cfg.Enhancer.Timeout != 45*time.Second {
		t.Errorf("env duration override failed: %s", cfg.Enhancer.Timeout)
	}
	if cfg.Enhancer.Temperature != 0.3 {
		t.Errorf("env float override failed: %f", cfg.Enhancer.Temperature)
	}
	if len(cfg.Log.OutputPaths) != 2 || cfg.Log.OutputPaths[1] != "/var/log/dreamforge.log" {
		t.Errorf("env slice override failed: %v", cfg.Log.OutputPaths)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = -1 }},
		{"bad driver", func(c *Config) { c.Store.Driver = "cassandra" }},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }},
		{"zero budget", func(c *Config) { c.Pipeline.RunBudget = 0 }},
		{"bad temperature", func(c *Config) { c.Enhancer.Temperature = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStoreDSN(t *testing.T) {
	s := StoreConfig{Driver: "postgres", Host: "db", Port: 5432, User: "df", Password: "pw", Name: "dreamforge", SSLMode: "disable"}
	want := "host=db port=5432 user=df password=pw dbname=dreamforge sslmode=disable"
	if got := s.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	s = StoreConfig{Driver: "sqlite", Path: "./x.db"}
	if got := s.DSN(); got != "./x.db" {
		t.Errorf("sqlite DSN = %q", got)
	}
}
