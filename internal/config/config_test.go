// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfigFile writes a YAML config and points the loader at it.
func writeConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Expected config write to succeed, got %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
}

const minimalConfig = `
apps:
  - id: demo
    key: demo-key
    secret: demo-secret
`

func TestLoadAppliesDefaults(t *testing.T) {
	writeConfigFile(t, minimalConfig)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}

	if cfg.Server.Port != 6001 {
		t.Errorf("Expected default port 6001, got %d", cfg.Server.Port)
	}
	if cfg.Server.ActivityTimeout != 120 {
		t.Errorf("Expected default activity timeout 120, got %d", cfg.Server.ActivityTimeout)
	}
	if cfg.Replication.Driver != "local" {
		t.Errorf("Expected default driver local, got %q", cfg.Replication.Driver)
	}
	if cfg.Stats.Interval != time.Hour {
		t.Errorf("Expected default stats interval 1h, got %v", cfg.Stats.Interval)
	}
	if len(cfg.Apps) != 1 || cfg.Apps[0].ID != "demo" {
		t.Errorf("Expected the configured app, got %+v", cfg.Apps)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	writeConfigFile(t, `
server:
  port: 9001
  activity_timeout: 30
replication:
  driver: redis
  redis:
    addr: redis.internal:6379
    key_prefix: custom
apps:
  - id: demo
    key: demo-key
    secret: demo-secret
    capacity: 500
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Expected port 9001, got %d", cfg.Server.Port)
	}
	if cfg.Server.ActivityTimeout != 30 {
		t.Errorf("Expected activity timeout 30, got %d", cfg.Server.ActivityTimeout)
	}
	if cfg.Replication.Driver != "redis" || cfg.Replication.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Expected redis driver config, got %+v", cfg.Replication)
	}
	if cfg.Apps[0].Capacity != 500 {
		t.Errorf("Expected capacity 500, got %d", cfg.Apps[0].Capacity)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	writeConfigFile(t, `
server:
  port: 9001
apps:
  - id: demo
    key: demo-key
    secret: demo-secret
`)
	t.Setenv("TIDEPOOL_SERVER_PORT", "7070")
	t.Setenv("TIDEPOOL_LOGGING_LEVEL", "debug")
	t.Setenv("TIDEPOOL_API_CORS_ORIGINS", "https://a.dev, https://b.dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected env override port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", cfg.Logging.Level)
	}
	want := []string{"https://a.dev", "https://b.dev"}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[0] != want[0] || cfg.API.CORSOrigins[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, cfg.API.CORSOrigins)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"TIDEPOOL_SERVER_PORT", "server.port"},
		{"TIDEPOOL_SERVER_ACTIVITY_TIMEOUT", "server.activity_timeout"},
		{"TIDEPOOL_REPLICATION_DRIVER", "replication.driver"},
		{"TIDEPOOL_REDIS_ADDR", "replication.redis.addr"},
		{"TIDEPOOL_REDIS_KEY_PREFIX", "replication.redis.key_prefix"},
		{"TIDEPOOL_API_RATE_LIMIT", "api.rate_limit"},
		{"TIDEPOOL_STATS_ENABLED", "stats.enabled"},
		{"TIDEPOOL_LOGGING_FORMAT", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := envTransformFunc(tt.env); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Apps = []AppConfig{{ID: "demo", Key: "demo-key", Secret: "demo-secret"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, true},
		{"bad driver", func(c *Config) { c.Replication.Driver = "nats" }, true},
		{"redis driver without addr", func(c *Config) {
			c.Replication.Driver = "redis"
			c.Replication.Redis.Addr = ""
		}, true},
		{"no apps", func(c *Config) { c.Apps = nil }, true},
		{"app missing secret", func(c *Config) { c.Apps[0].Secret = "" }, true},
		{"duplicate app ids", func(c *Config) {
			c.Apps = append(c.Apps, AppConfig{ID: "demo", Key: "other-key", Secret: "s"})
		}, true},
		{"duplicate app keys", func(c *Config) {
			c.Apps = append(c.Apps, AppConfig{ID: "other", Key: "demo-key", Secret: "s"})
		}, true},
		{"stats enabled without interval", func(c *Config) {
			c.Stats.Enabled = true
			c.Stats.Interval = 0
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	writeConfigFile(t, `
replication:
  driver: carrier-pigeon
apps:
  - id: demo
    key: demo-key
    secret: demo-secret
`)
	if _, err := Load(); err == nil {
		t.Error("Expected load to fail on an invalid driver")
	}
}
