// Package config loads livesync settings from YAML.
//
//	db: livesync.db
//	catalog: ./catalog
//	log_level: info
//	engine:
//	  drain_policy: continue
//	  idle_capacity: 64
//	  history_size: 256
//	  refresh_concurrency: 4
//	  retry:
//	    attempts: 3
//	    base_delay: 50ms
//	    max_delay: 2s
//
// Every field is optional; zero values fall back to Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livesync/internal/engine"
	"github.com/roach88/livesync/internal/queue"
)

// Config is the top-level configuration file.
type Config struct {
	// DB is the reference backend database path. ":memory:" keeps it in memory.
	DB string `yaml:"db"`

	// Catalog is an optional CUE catalog directory.
	// Relative paths are resolved against the config file's directory.
	Catalog string `yaml:"catalog,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Engine Engine `yaml:"engine"`
}

// Engine holds engine tuning knobs.
type Engine struct {
	DrainPolicy        string `yaml:"drain_policy"`
	IdleCapacity       int    `yaml:"idle_capacity"`
	HistorySize        int    `yaml:"history_size"`
	RefreshConcurrency int    `yaml:"refresh_concurrency"`
	Retry              Retry  `yaml:"retry"`
}

// Retry mirrors engine.RetryPolicy.
type Retry struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:       ":memory:",
		LogLevel: "info",
		Engine: Engine{
			DrainPolicy:        queue.ContinueOnFailure.String(),
			HistorySize:        queue.DefaultHistorySize,
			RefreshConcurrency: engine.DefaultRefreshConcurrency,
			Retry: Retry{
				Attempts:  engine.DefaultRetryPolicy.Attempts,
				BaseDelay: engine.DefaultRetryPolicy.BaseDelay,
				MaxDelay:  engine.DefaultRetryPolicy.MaxDelay,
			},
		},
	}
}

// Load reads path over Default and validates the result.
// Unknown fields are rejected so typos surface early.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Catalog != "" && !filepath.IsAbs(cfg.Catalog) {
		cfg.Catalog = filepath.Join(filepath.Dir(path), cfg.Catalog)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := queue.ParsePolicy(c.Engine.DrainPolicy); err != nil {
		return fmt.Errorf("engine.drain_policy: %w", err)
	}
	if c.Engine.IdleCapacity < 0 {
		return fmt.Errorf("engine.idle_capacity must be non-negative, got %d", c.Engine.IdleCapacity)
	}
	if c.Engine.HistorySize < 0 {
		return fmt.Errorf("engine.history_size must be non-negative, got %d", c.Engine.HistorySize)
	}
	if c.Engine.RefreshConcurrency < 0 {
		return fmt.Errorf("engine.refresh_concurrency must be non-negative, got %d", c.Engine.RefreshConcurrency)
	}
	r := c.Engine.Retry
	if r.Attempts < 0 || r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("engine.retry values must be non-negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("engine.retry.base_delay (%s) exceeds max_delay (%s)", r.BaseDelay, r.MaxDelay)
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
}

// EngineOptions translates the engine section into engine options.
// Call Validate first; an invalid drain policy falls back to the default.
func (c Config) EngineOptions() []engine.EngineOption {
	policy, _ := queue.ParsePolicy(c.Engine.DrainPolicy)
	opts := []engine.EngineOption{
		engine.WithDrainPolicy(policy),
		engine.WithIdleCapacity(c.Engine.IdleCapacity),
		engine.WithRetry(engine.RetryPolicy{
			Attempts:  c.Engine.Retry.Attempts,
			BaseDelay: c.Engine.Retry.BaseDelay,
			MaxDelay:  c.Engine.Retry.MaxDelay,
		}),
	}
	if c.Engine.HistorySize > 0 {
		opts = append(opts, engine.WithHistorySize(c.Engine.HistorySize))
	}
	if c.Engine.RefreshConcurrency > 0 {
		opts = append(opts, engine.WithRefreshConcurrency(c.Engine.RefreshConcurrency))
	}
	return opts
}
