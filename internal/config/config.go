// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package config loads the server configuration from defaults, an optional
// YAML file and TIDEPOOL_* environment variables, in that precedence order.
package config

import (
	"fmt"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Apps        []AppConfig       `koanf:"apps"`
	Replication ReplicationConfig `koanf:"replication"`
	Stats       StatsConfig       `koanf:"stats"`
	API         APIConfig         `koanf:"api"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// ActivityTimeout is advertised to clients in connection_established,
	// in seconds.
	ActivityTimeout int `koanf:"activity_timeout"`

	// SweepInterval is how often the obsolete-connection sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// AppConfig defines one registered application.
type AppConfig struct {
	ID     string `koanf:"id" validate:"required"`
	Key    string `koanf:"key" validate:"required"`
	Secret string `koanf:"secret" validate:"required"`
	Name   string `koanf:"name"`

	// Capacity caps concurrent connections cluster-wide; zero or negative
	// means unlimited.
	Capacity int `koanf:"capacity"`

	EnableClientMessages bool     `koanf:"enable_client_messages"`
	EnableStatistics     bool     `koanf:"enable_statistics"`
	AllowedOrigins       []string `koanf:"allowed_origins"`
}

// ReplicationConfig selects the replication driver.
type ReplicationConfig struct {
	// Driver is "local" or "redis".
	Driver string      `koanf:"driver" validate:"oneof=local redis"`
	Redis  RedisConfig `koanf:"redis"`
}

// RedisConfig holds Redis connection parameters for the redis driver.
type RedisConfig struct {
	Addr         string `koanf:"addr"`
	Password     string `koanf:"password"`
	DB           int    `koanf:"db"`
	PoolSize     int    `koanf:"pool_size"`
	MinIdleConns int    `koanf:"min_idle_conns"`
	MaxRetries   int    `koanf:"max_retries"`
	KeyPrefix    string `koanf:"key_prefix"`
}

// StatsConfig controls the statistics collector and flusher.
type StatsConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// APIConfig holds the trigger/query API settings.
type APIConfig struct {
	MaxRequestSize  int64         `koanf:"max_request_size"`
	MaxEventPayload int           `koanf:"max_event_payload"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            6001,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			ActivityTimeout: 120,
			SweepInterval:   10 * time.Second,
		},
		Replication: ReplicationConfig{
			Driver: "local",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				PoolSize:  10,
				KeyPrefix: "tidepool",
			},
		},
		Stats: StatsConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		API: APIConfig{
			MaxRequestSize:  100 * 1024,
			MaxEventPayload: 10 * 1024,
			RateLimit:       300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks cross-field constraints that koanf cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Replication.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("replication.driver must be local or redis, got %q", c.Replication.Driver)
	}
	if c.Replication.Driver == "redis" && c.Replication.Redis.Addr == "" {
		return fmt.Errorf("replication.redis.addr is required for the redis driver")
	}

	if len(c.Apps) == 0 {
		return fmt.Errorf("at least one app must be configured")
	}
	ids := make(map[string]struct{}, len(c.Apps))
	keys := make(map[string]struct{}, len(c.Apps))
	for i, app := range c.Apps {
		if app.ID == "" || app.Key == "" || app.Secret == "" {
			return fmt.Errorf("apps[%d]: id, key and secret are required", i)
		}
		if _, ok := ids[app.ID]; ok {
			return fmt.Errorf("apps[%d]: duplicate app id %q", i, app.ID)
		}
		if _, ok := keys[app.Key]; ok {
			return fmt.Errorf("apps[%d]: duplicate app key %q", i, app.Key)
		}
		ids[app.ID] = struct{}{}
		keys[app.Key] = struct{}{}
	}

	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive when statistics are enabled")
	}
	return nil
}
