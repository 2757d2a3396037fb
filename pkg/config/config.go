// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the extractor configuration:
// language plans (alphabet ranges and estimates), store backends,
// upstream source tuning and the master/worker runtime knobs.
//
// Sources are merged in order: built-in defaults, then the YAML file,
// then environment variables (SUPABASE_URL, SUPABASE_KEY,
// AQEA_SQLITE_PATH, MASTER_HOST, MASTER_PORT, WORKER_ID).
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aqea/aqea-extractor/aqea"
)

// AlphabetRange is one weighted slice of a language's lemma space.
// Prefixes are compared lexicographically on the normalized lemma.
type AlphabetRange struct {
	Start  string  `yaml:"start" validate:"required"`
	End    string  `yaml:"end" validate:"required"`
	Weight float64 `yaml:"weight" validate:"gt=0,lte=1"`
}

// LanguagePlan describes how one language's extraction is partitioned.
type LanguagePlan struct {
	Name             string          `yaml:"name"`
	EstimatedEntries int             `yaml:"estimated_entries" validate:"gt=0"`
	AlphabetRanges   []AlphabetRange `yaml:"alphabet_ranges" validate:"min=1,dive"`
}

// SourceConfig tunes one upstream data source.
type SourceConfig struct {
	RequestDelayMS int    `yaml:"request_delay_ms"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	BaseURL        string `yaml:"base_url"`
}

// RequestDelay returns the configured delay, defaulting to 200ms.
func (s SourceConfig) RequestDelay() time.Duration {
	if s.RequestDelayMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(s.RequestDelayMS) * time.Millisecond
}

// Timeout returns the per-request timeout, defaulting to 30s.
func (s SourceConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DatabaseConfig selects and parameterizes the store backends.
type DatabaseConfig struct {
	// Backends in preference order; default supabase, sqlite, memory.
	Backends    []string `yaml:"backends"`
	SupabaseURL string   `yaml:"supabase_url"`
	SupabaseKey string   `yaml:"supabase_key"`
	SQLitePath  string   `yaml:"sqlite_path"`
}

// MasterConfig is the coordinator's runtime tuning.
type MasterConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port" validate:"gt=0,lt=65536"`
	HeartbeatTimeoutSeconds int    `yaml:"heartbeat_timeout_seconds" validate:"gt=0"`
	SweepIntervalSeconds    int    `yaml:"sweep_interval_seconds" validate:"gt=0"`
	OTLPEndpoint            string `yaml:"otlp_endpoint"`
}

// HeartbeatTimeout returns the liveness timeout (default 120s).
func (m MasterConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(m.HeartbeatTimeoutSeconds) * time.Second
}

// SweepInterval returns the reassignment sweep period (default 30s).
func (m MasterConfig) SweepInterval() time.Duration {
	return time.Duration(m.SweepIntervalSeconds) * time.Second
}

// WorkerConfig is the extraction worker's runtime tuning.
type WorkerConfig struct {
	WorkerID             string `yaml:"worker_id"`
	MasterURL            string `yaml:"master_url"`
	BatchSize            int    `yaml:"batch_size" validate:"gt=0"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds" validate:"gt=0"`
	FallbackDir          string `yaml:"fallback_dir"`
}

// FlushInterval returns the batch flush interval (default 5s).
func (w WorkerConfig) FlushInterval() time.Duration {
	return time.Duration(w.FlushIntervalSeconds) * time.Second
}

// LoggingConfig mirrors pkg/logging.Config in YAML form.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Config is the root configuration document.
type Config struct {
	Languages map[string]LanguagePlan `yaml:"languages" validate:"min=1,dive"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Database  DatabaseConfig          `yaml:"database"`
	Master    MasterConfig            `yaml:"master"`
	Worker    WorkerConfig            `yaml:"worker"`
	Logging   LoggingConfig           `yaml:"logging"`
}

var defaultRanges = []AlphabetRange{
	{Start: "A", End: "E", Weight: 0.2},
	{Start: "F", End: "J", Weight: 0.15},
	{Start: "K", End: "O", Weight: 0.175},
	{Start: "P", End: "T", Weight: 0.225},
	{Start: "U", End: "Z", Weight: 0.25},
}

// Default returns the built-in configuration used when no file is
// given: the four bootstrap languages with the standard five-way
// alphabet split.
func Default() *Config {
	return &Config{
		Languages: map[string]LanguagePlan{
			"deu": {Name: "German", EstimatedEntries: 800_000, AlphabetRanges: defaultRanges},
			"eng": {Name: "English", EstimatedEntries: 6_000_000, AlphabetRanges: defaultRanges},
			"fra": {Name: "French", EstimatedEntries: 4_000_000, AlphabetRanges: defaultRanges},
			"spa": {Name: "Spanish", EstimatedEntries: 1_000_000, AlphabetRanges: defaultRanges},
		},
		Sources: map[string]SourceConfig{
			"wiktionary": {RequestDelayMS: 200, MaxConcurrent: 5, TimeoutSeconds: 30, MaxRetries: 5},
		},
		Database: DatabaseConfig{
			Backends:   []string{"supabase", "sqlite", "memory"},
			SQLitePath: "aqea.db",
		},
		Master: MasterConfig{
			Host:                    "0.0.0.0",
			Port:                    8080,
			HeartbeatTimeoutSeconds: 120,
			SweepIntervalSeconds:    30,
		},
		Worker: WorkerConfig{
			MasterURL:            "http://localhost:8080",
			BatchSize:            100,
			FlushIntervalSeconds: 5,
			FallbackDir:          "extracted_data",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file (when path is non-empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Database.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		c.Database.SupabaseKey = v
	}
	if v := os.Getenv("AQEA_SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.WorkerID = v
	}
	if v := os.Getenv("MASTER_HOST"); v != "" {
		c.Worker.MasterURL = "http://" + v + ":" + strconv.Itoa(c.Master.Port)
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Master.Port = port
		}
	}
}

// Validate applies struct-tag validation plus the cross-field rules the
// tags cannot express: every language must have an assigned address
// domain, ranges must be ordered, and range weights must sum to 1.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	for code, plan := range c.Languages {
		if _, err := aqea.LanguageDomain(code); err != nil {
			return fmt.Errorf("language %q: %w", code, err)
		}
		sum := 0.0
		for i, r := range plan.AlphabetRanges {
			if r.End < r.Start {
				return fmt.Errorf("language %q range %d: end %q before start %q", code, i, r.End, r.Start)
			}
			sum += r.Weight
		}
		if math.Abs(sum-1.0) > 0.001 {
			return fmt.Errorf("language %q: range weights sum to %.3f, want 1.0", code, sum)
		}
	}
	return nil
}

// Plan returns the language plan for a (possibly ISO 639-1) code.
func (c *Config) Plan(language string) (LanguagePlan, bool) {
	plan, ok := c.Languages[aqea.NormalizeLanguageCode(language)]
	return plan, ok
}

// Source returns the tuning for a named source, defaulting sensibly.
func (c *Config) Source(name string) SourceConfig {
	if s, ok := c.Sources[name]; ok {
		return s
	}
	return SourceConfig{}
}
