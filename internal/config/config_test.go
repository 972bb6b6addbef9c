package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
dry_run: true
exchange:
  base_url: https://open-api.example.com
  ws_host: open-api-swap.example.com
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Signal.Workers != 5 {
		t.Errorf("Workers = %d, want default 5", cfg.Signal.Workers)
	}
	if cfg.Market.MaxCacheSize != 500 {
		t.Errorf("MaxCacheSize = %d, want default 500", cfg.Market.MaxCacheSize)
	}
	if cfg.Executor.MaxConcurrentTrades != 5 {
		t.Errorf("MaxConcurrentTrades = %d, want default 5", cfg.Executor.MaxConcurrentTrades)
	}
	if cfg.Risk.RiskRewardRatio != 2.0 {
		t.Errorf("RiskRewardRatio = %v, want default 2.0", cfg.Risk.RiskRewardRatio)
	}
	if cfg.Engine.ScanInterval != 15*time.Second {
		t.Errorf("ScanInterval = %v, want default 15s", cfg.Engine.ScanInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
signal:
  workers: 12
  interval: 15m
position:
  monitor_interval: 5s
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signal.Workers != 12 {
		t.Errorf("Workers = %d, want 12", cfg.Signal.Workers)
	}
	if cfg.Signal.Interval != "15m" {
		t.Errorf("Interval = %q, want 15m", cfg.Signal.Interval)
	}
	if cfg.Position.MonitorInterval != 5*time.Second {
		t.Errorf("MonitorInterval = %v, want 5s", cfg.Position.MonitorInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FUTURESBOT_API_KEY", "env-key")
	t.Setenv("FUTURESBOT_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.Secret != "env-secret" {
		t.Errorf("env credentials not applied: %q / %q", cfg.Exchange.APIKey, cfg.Exchange.Secret)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(writeConfig(t, minimalYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing base url", func(c *Config) { c.Exchange.BaseURL = "" }, "base_url"},
		{"live needs keys", func(c *Config) { c.DryRun = false }, "api_key"},
		{"zero workers", func(c *Config) { c.Signal.Workers = 0 }, "workers"},
		{"fast ma not below slow", func(c *Config) { c.Signal.FastMA = 21 }, "fast_ma"},
		{"oversized position percent", func(c *Config) { c.Risk.MaxPositionSizePercent = 150 }, "max_position_size_percent"},
		{"zero executors", func(c *Config) { c.Executor.Executors = 0 }, "executors"},
		{"strength out of range", func(c *Config) { c.Engine.MinSignalStrength = 101 }, "min_signal_strength"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
