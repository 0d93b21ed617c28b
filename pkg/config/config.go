// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Akili configuration record.
//
// # Sources
//
// Values are resolved in this order, later sources winning:
//
//  1. DefaultConfig()
//  2. The YAML file (default akili.yaml), when present
//  3. Environment variables, after .env has been loaded into the process
//     environment (variables already set are not overwritten by .env)
//
// # Environment Variables
//
//   - AKILI_PORT: server.port
//   - AKILI_DATABASE_DRIVER: database.driver (postgres|sqlite)
//   - AKILI_DATABASE_URL: database.dsn
//   - LLM_BACKEND_TYPE: llm.backend (ollama|openai|canned)
//   - OLLAMA_BASE_URL, OLLAMA_MODEL: llm.base_url, llm.model for ollama
//   - OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL: same for openai
//   - OTEL_EXPORTER_OTLP_ENDPOINT: telemetry.endpoint
//   - AKILI_LOG_LEVEL, AKILI_LOG_FORMAT: log.level, log.format
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/akili/pkg/logging"
	"github.com/AleutianAI/akili/services/llm"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/relay"
)

// DefaultPath is used when no config path is given.
const DefaultPath = "akili.yaml"

// Telemetry exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	LLM         LLMConfig         `yaml:"llm"`
	Relay       RelayConfig       `yaml:"relay"`
	Database    DatabaseConfig    `yaml:"database"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// GinMode is debug, release or test.
	GinMode       string        `yaml:"gin_mode"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LLMConfig struct {
	// Backend is ollama, openai or canned.
	Backend string `yaml:"backend"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key,omitempty"`
	// RequestTimeout bounds the wait for upstream response headers.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Options        llm.Options   `yaml:"options"`
}

type RelayConfig struct {
	SystemInstruction     string        `yaml:"system_instruction"`
	SystemInstructionFile string        `yaml:"system_instruction_file"`
	HistoryWindow         int           `yaml:"history_window"`
	UpstreamTimeout       time.Duration `yaml:"upstream_timeout"`
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
	CommitTimeout         time.Duration `yaml:"commit_timeout"`
	MaxResponseBytes      int           `yaml:"max_response_bytes"`
	// LockedBuffer keeps in-flight response text in mlocked memory.
	LockedBuffer bool `yaml:"locked_buffer"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogQueries      bool          `yaml:"log_queries"`
}

type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron is a five-field cron expression.
	Cron string `yaml:"cron"`
	// EmptyGrace protects conversations younger than this from cleanup.
	EmptyGrace time.Duration `yaml:"empty_grace"`
	RunOnStart bool          `yaml:"run_on_start"`
}

type TelemetryConfig struct {
	// Exporter is otlp, stdout or none.
	Exporter       string `yaml:"exporter"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a configuration that runs locally against Ollama
// with an on-disk SQLite database.
func DefaultConfig() Config {
	rc := relay.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:          4000,
			GinMode:       "release",
			ShutdownGrace: 15 * time.Second,
		},
		LLM: LLMConfig{
			Backend:        "ollama",
			BaseURL:        defaultOllamaURL,
			Model:          defaultOllamaModel,
			RequestTimeout: 60 * time.Second,
		},
		Relay: RelayConfig{
			HistoryWindow:    rc.HistoryWindow,
			UpstreamTimeout:  rc.UpstreamTimeout,
			DrainTimeout:     rc.DrainTimeout,
			CommitTimeout:    rc.CommitTimeout,
			MaxResponseBytes: rc.MaxResponseBytes,
		},
		Database: DatabaseConfig{
			Driver:          conversation.DriverSQLite,
			DSN:             "akili.db",
			ConnMaxLifetime: 30 * time.Minute,
		},
		Maintenance: MaintenanceConfig{
			Enabled:    true,
			Cron:       "*/30 * * * *",
			EmptyGrace: time.Hour,
		},
		Telemetry: TelemetryConfig{
			Exporter:       ExporterNone,
			Endpoint:       "localhost:4317",
			ServiceName:    "akili-orchestrator",
			MetricsEnabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
	}
}

// Load resolves the effective configuration.
//
// # Description
//
// Loads .env from the working directory if present, reads path (or
// DefaultPath when empty) over the defaults, applies environment
// overrides and validates the result. A missing config file is not an
// error.
//
// # Outputs
//
//   - Config: Effective, validated configuration.
//   - error: Non-nil on unreadable or invalid YAML, bad env values, or
//     validation failure.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	return load(path)
}

// FromEnv resolves the configuration from defaults, .env and the process
// environment only. Used by the container entry point.
func FromEnv() (Config, error) {
	return load("")
}

func load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.2"
)

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("AKILI_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AKILI_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := get("AKILI_DATABASE_DRIVER"); ok {
		cfg.Database.Driver = v
	}
	if v, ok := get("AKILI_DATABASE_URL"); ok {
		cfg.Database.DSN = v
		if _, set := get("AKILI_DATABASE_DRIVER"); !set && looksLikePostgres(v) {
			cfg.Database.Driver = conversation.DriverPostgres
		}
	}
	if v, ok := get("LLM_BACKEND_TYPE"); ok {
		cfg.LLM.Backend = v
	}

	switch strings.ToLower(cfg.LLM.Backend) {
	case "openai":
		// Ollama defaults never apply to the openai backend.
		if cfg.LLM.BaseURL == defaultOllamaURL {
			cfg.LLM.BaseURL = ""
		}
		if cfg.LLM.Model == defaultOllamaModel {
			cfg.LLM.Model = ""
		}
		if v, ok := get("OPENAI_API_KEY"); ok {
			cfg.LLM.APIKey = v
		}
		if v, ok := get("OPENAI_BASE_URL"); ok {
			cfg.LLM.BaseURL = v
		}
		if v, ok := get("OPENAI_MODEL"); ok {
			cfg.LLM.Model = v
		}
	default:
		if v, ok := get("OLLAMA_BASE_URL"); ok {
			cfg.LLM.BaseURL = v
		}
		if v, ok := get("OLLAMA_MODEL"); ok {
			cfg.LLM.Model = v
		}
	}

	if v, ok := get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Endpoint = v
		if cfg.Telemetry.Exporter == ExporterNone {
			cfg.Telemetry.Exporter = ExporterOTLP
		}
	}
	if v, ok := get("AKILI_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("AKILI_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	return nil
}

func looksLikePostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.gin_mode %q must be debug, release or test", c.Server.GinMode))
	}

	switch strings.ToLower(c.LLM.Backend) {
	case "ollama", "canned", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.backend %q must be ollama, openai or canned", c.LLM.Backend))
	}
	if c.LLM.RequestTimeout <= 0 {
		errs = append(errs, errors.New("llm.request_timeout must be positive"))
	}

	if c.Relay.HistoryWindow < 0 {
		errs = append(errs, errors.New("relay.history_window must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"relay.upstream_timeout": c.Relay.UpstreamTimeout,
		"relay.drain_timeout":    c.Relay.DrainTimeout,
		"relay.commit_timeout":   c.Relay.CommitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Relay.MaxResponseBytes <= 0 {
		errs = append(errs, errors.New("relay.max_response_bytes must be positive"))
	}

	switch strings.ToLower(c.Database.Driver) {
	case conversation.DriverPostgres, "postgresql", "pg", conversation.DriverSQLite, "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if c.Maintenance.Enabled && !gronx.IsValid(c.Maintenance.Cron) {
		errs = append(errs, fmt.Errorf("maintenance.cron %q is not a valid cron expression", c.Maintenance.Cron))
	}
	if c.Maintenance.EmptyGrace < 0 {
		errs = append(errs, errors.New("maintenance.empty_grace must not be negative"))
	}

	switch c.Telemetry.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q must be otlp, stdout or none", c.Telemetry.Exporter))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be auto, text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ProviderConfig maps the llm section onto the provider constructor input.
func (c Config) ProviderConfig() llm.Config {
	return llm.Config{
		Backend:       c.LLM.Backend,
		BaseURL:       c.LLM.BaseURL,
		Model:         c.LLM.Model,
		APIKey:        c.LLM.APIKey,
		HeaderTimeout: c.LLM.RequestTimeout,
		Options:       c.LLM.Options,
	}
}

func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		HistoryWindow:    c.Relay.HistoryWindow,
		UpstreamTimeout:  c.Relay.UpstreamTimeout,
		DrainTimeout:     c.Relay.DrainTimeout,
		CommitTimeout:    c.Relay.CommitTimeout,
		MaxResponseBytes: c.Relay.MaxResponseBytes,
		LockedBuffer:     c.Relay.LockedBuffer,
		Model:            c.LLM.Model,
	}
}

func (c Config) DBConfig() conversation.DBConfig {
	return conversation.DBConfig{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		LogQueries:      c.Database.LogQueries,
	}
}

func (c Config) LoggingConfig(service string) logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Service:    service,
	}
}
