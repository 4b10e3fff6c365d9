// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the reasoner service configuration.
//
// # Description
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment overrides. Unknown YAML keys are ignored. The run
// defaults section can be hot-reloaded at runtime via the fsnotify watcher
// in watcher.go; service-level settings (port, backend) require a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

var validate = validator.New()

// ServiceConfig is the process-level configuration.
type ServiceConfig struct {
	// Port the HTTP shell listens on.
	Port string `yaml:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LLMBackend selects the gateway implementation.
	LLMBackend string `yaml:"llm_backend" validate:"oneof=openai ollama"`

	// EmbedModel overrides the embedding model tag; empty uses the
	// backend default.
	EmbedModel string `yaml:"embed_model"`

	// RateLimitRPS caps outbound gateway calls; zero disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps" validate:"gte=0"`

	// RateLimitBurst is the limiter burst; defaults to 1 when limiting.
	RateLimitBurst int `yaml:"rate_limit_burst" validate:"gte=0"`

	// LLMCallTimeoutSeconds is the hard per-call deadline.
	LLMCallTimeoutSeconds float64 `yaml:"llm_call_timeout_seconds" validate:"gte=0"`

	// TerminalRunTTL is how long finished runs stay queryable, in
	// time.ParseDuration syntax ("1h", "30m").
	TerminalRunTTL string `yaml:"terminal_run_ttl"`

	// SweepInterval is the TTL sweeper's cadence, same syntax.
	SweepInterval string `yaml:"sweep_interval"`

	// RunDefaults seeds every submission; clients override per run.
	RunDefaults datatypes.RunConfig `yaml:"run_defaults"`
}

// Default returns the built-in configuration.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Port:                  "12310",
		LogLevel:              "info",
		LLMBackend:            "openai",
		LLMCallTimeoutSeconds: 30,
		TerminalRunTTL:        "1h",
		SweepInterval:         "1m",
		RunDefaults:           datatypes.DefaultRunConfig(),
	}
}

// TerminalTTL parses TerminalRunTTL; zero when empty or unparseable.
func (c *ServiceConfig) TerminalTTL() time.Duration {
	return parseDuration(c.TerminalRunTTL)
}

// Sweep parses SweepInterval; zero when empty or unparseable.
func (c *ServiceConfig) Sweep() time.Duration {
	return parseDuration(c.SweepInterval)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Load builds the configuration from defaults, the YAML file at path (when
// it exists), and environment overrides.
//
// # Inputs
//
//   - path: YAML file location; empty or missing file is not an error.
//
// # Outputs
//
//   - *ServiceConfig: The resolved configuration.
//   - error: Parse or validation failure.
func Load(path string) (*ServiceConfig, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Run on defaults; the file is optional.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	cfg.RunDefaults.Normalize()
	if err := cfg.RunDefaults.Validate(); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// applyEnv layers recognized environment variables over cfg.
func applyEnv(cfg *ServiceConfig) {
	if v := os.Getenv("REASONER_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SITKA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REASONER_LLM_BACKEND"); v != "" {
		cfg.LLMBackend = v
	}
	if v := os.Getenv("REASONER_EMBED_MODEL"); v != "" {
		cfg.EmbedModel = v
	}
	if v := os.Getenv("REASONER_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
}
