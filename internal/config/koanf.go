// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

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

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"meridian.yaml",
	"meridian.yml",
	"/etc/meridian/config.yaml",
	"/etc/meridian/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "MERIDIAN_CONFIG"

// envPrefix is stripped from environment variables before mapping them
// onto config paths: MERIDIAN_WIRE_ENDPOINT -> wire.endpoint.
const envPrefix = "MERIDIAN_"

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, then validates it.
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
		return nil, err
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

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps MERIDIAN_SECTION_FIELD_NAME onto section.field_name.
// The first underscore separates the section; the rest of the key keeps
// its underscores.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, field, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + field
}

// sliceConfigPaths are parsed from comma-separated strings when set via
// environment variables.
var sliceConfigPaths = []string{
	"models.names",
	"ops.cors_origins",
}

// processSliceFields converts comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
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
