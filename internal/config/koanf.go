// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tidepool/config.yaml",
	"/etc/tidepool/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "TIDEPOOL_CONFIG"

// envPrefix namespaces tidepool's environment variables.
const envPrefix = "TIDEPOOL_"

// sliceConfigPaths lists slice-typed settings that may arrive as a
// comma-separated string from the environment.
var sliceConfigPaths = []string{
	"api.cors_origins",
}

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. TIDEPOOL_* environment variables (highest priority)
//
// Per-app definitions nest under apps in YAML; the environment can only
// override scalar settings.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config path or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps TIDEPOOL_SERVER_PORT style variables to koanf
// paths. The first underscore separates the section; the rest stays a
// single key (sections have no nested sections except replication.redis).
//
// Examples:
//   - TIDEPOOL_SERVER_PORT            -> server.port
//   - TIDEPOOL_SERVER_ACTIVITY_TIMEOUT -> server.activity_timeout
//   - TIDEPOOL_REPLICATION_DRIVER     -> replication.driver
//   - TIDEPOOL_REDIS_ADDR             -> replication.redis.addr
//   - TIDEPOOL_API_RATE_LIMIT         -> api.rate_limit
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	if rest, ok := strings.CutPrefix(key, "redis_"); ok {
		return "replication.redis." + rest
	}

	for _, section := range []string{"server", "replication", "stats", "api", "logging"} {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// processSliceFields splits comma-separated strings into slices for
// settings typed []string.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
