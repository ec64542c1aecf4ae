// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration, loaded from YAML with environment
// overrides for deployment-specific values.
type Config struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	Engine struct {
		// Backend selects the inference engine: ollama or openai.
		Backend string `yaml:"backend" validate:"oneof=ollama openai"`
		// Model is the model reference every worker loads.
		Model string `yaml:"model" validate:"required"`
		// OllamaURL overrides the Ollama base URL (else OLLAMA_BASE_URL).
		OllamaURL string `yaml:"ollama_url"`
	} `yaml:"engine"`

	Pool struct {
		Workers      int      `yaml:"workers" validate:"gte=1,lte=64"`
		LeaseTimeout Duration `yaml:"lease_timeout"`
	} `yaml:"pool"`

	Queue struct {
		Capacity          int      `yaml:"capacity" validate:"gte=1"`
		ResultGracePeriod Duration `yaml:"result_grace_period"`
	} `yaml:"queue"`

	Cache struct {
		Capacity int      `yaml:"capacity" validate:"gte=1"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Admission struct {
		HourlyPerCaller int      `yaml:"hourly_per_caller" validate:"gte=1"`
		DailyGlobal     int      `yaml:"daily_global" validate:"gte=1"`
		MaxConcurrent   int      `yaml:"max_concurrent" validate:"gte=1"`
		MaxQueueDepth   int      `yaml:"max_queue_depth" validate:"gte=0"`
		AcquireTimeout  Duration `yaml:"acquire_timeout"`
	} `yaml:"admission"`

	Budget struct {
		DailyUSD         float64 `yaml:"daily_usd" validate:"gte=0"`
		InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok" validate:"gte=0"`
		OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok" validate:"gte=0"`
		// LedgerPath is the BadgerDB directory for the spend ledger.
		LedgerPath string `yaml:"ledger_path" validate:"required"`
	} `yaml:"budget"`

	Log struct {
		Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// DefaultConfig returns a runnable local-development configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.Port = 12310
	cfg.Engine.Backend = "ollama"
	cfg.Engine.Model = "qwen2.5:7b"
	cfg.Pool.Workers = 2
	cfg.Pool.LeaseTimeout = Duration(5 * time.Second)
	cfg.Queue.Capacity = 100
	cfg.Queue.ResultGracePeriod = Duration(10 * time.Minute)
	cfg.Cache.Capacity = 100
	cfg.Cache.TTL = Duration(time.Hour)
	cfg.Admission.HourlyPerCaller = 100
	cfg.Admission.DailyGlobal = 1000
	cfg.Admission.MaxConcurrent = 8
	cfg.Admission.MaxQueueDepth = 16
	cfg.Admission.AcquireTimeout = Duration(30 * time.Second)
	cfg.Budget.LedgerPath = "./data/ledger"
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides, and validates the result. An empty path skips
// the file and uses defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets container deployments override the values that
// differ per environment without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INFERENCED_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("INFERENCED_ENGINE"); v != "" {
		cfg.Engine.Backend = v
	}
	if v := os.Getenv("INFERENCED_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" && cfg.Engine.OllamaURL == "" {
		cfg.Engine.OllamaURL = v
	}
	if v := os.Getenv("INFERENCED_LEDGER_PATH"); v != "" {
		cfg.Budget.LedgerPath = v
	}
	if v := os.Getenv("INFERENCED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
