// Package common provides shared configuration, logging, and version
// utilities for shopsim.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// SimulationMode selects the execution path for closed scenarios.
const (
	ModeDirect = "direct"
	ModeBatch  = "batch"
)

// Config holds all configuration for shopsim.
type Config struct {
	Environment string           `toml:"environment"`
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Oracle      OracleConfig     `toml:"oracle"`
	Simulation  SimulationConfig `toml:"simulation"`
	Logging     LoggingConfig    `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the data directory for the embedded store.
type StorageConfig struct {
	Path string `toml:"path"`
}

// OracleConfig holds oracle API configuration.
type OracleConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	RateLimit int    `toml:"rate_limit"` // requests per second
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the request timeout duration.
func (c *OracleConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// SimulationConfig holds the execution-core tunables. Defaults follow the
// documented environment contract.
type SimulationConfig struct {
	Mode                      string `toml:"mode"` // direct | batch
	DirectWorkerConcurrency   int    `toml:"direct_worker_concurrency"`
	BatchWorkerConcurrency    int    `toml:"batch_worker_concurrency"`
	JobMaxAttempts            int    `toml:"job_max_attempts"`
	BatchPollSeconds          int    `toml:"batch_poll_seconds"`
	BatchPollFinalizingSecs   int    `toml:"batch_poll_finalizing_seconds"`
	BatchPollMaxSeconds       int    `toml:"batch_poll_max_seconds"`
	BatchMaxAttemptsPoll      int    `toml:"batch_max_attempts_poll"`
	BatchMaxAttemptsSubmit    int    `toml:"batch_max_attempts_submit"`
	AIMaxMessageChars         int    `toml:"ai_max_message_chars"`
	AIRandomEventSampling     string `toml:"ai_random_event_sampling"` // on | off
	RetryBackoffBaseSeconds   int    `toml:"retry_backoff_base_seconds"`
	RetryBackoffJitterSeconds int    `toml:"retry_backoff_jitter_seconds"`
	RetryBackoffMaxSeconds    int    `toml:"retry_backoff_max_seconds"`
}

// RandomEventSamplingEnabled reports whether random-event directives are
// sampled at all.
func (c *SimulationConfig) RandomEventSamplingEnabled() bool {
	return !strings.EqualFold(c.AIRandomEventSampling, "off")
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path: "data/shopsim",
		},
		Oracle: OracleConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			RateLimit: 5,
			Timeout:   "120s",
		},
		Simulation: SimulationConfig{
			Mode:                      ModeDirect,
			DirectWorkerConcurrency:   4,
			BatchWorkerConcurrency:    2,
			JobMaxAttempts:            3,
			BatchPollSeconds:          120,
			BatchPollFinalizingSecs:   60,
			BatchPollMaxSeconds:       600,
			BatchMaxAttemptsPoll:      20,
			BatchMaxAttemptsSubmit:    10,
			AIMaxMessageChars:         25000,
			AIRandomEventSampling:     "on",
			RetryBackoffBaseSeconds:   60,
			RetryBackoffJitterSeconds: 15,
			RetryBackoffMaxSeconds:    600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides. The simulation
// tunables use the documented names; process-level settings use the
// SHOPSIM_ prefix.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SHOPSIM_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("SHOPSIM_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SHOPSIM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("SHOPSIM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if path := os.Getenv("SHOPSIM_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		config.Oracle.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		config.Oracle.BaseURL = v
	}

	if v := os.Getenv("MODEL"); v != "" {
		config.Oracle.Model = v
	}
	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		config.Simulation.Mode = strings.ToLower(v)
	}
	setEnvInt("BATCH_POLL_SECONDS", &config.Simulation.BatchPollSeconds)
	setEnvInt("BATCH_POLL_FINALIZING_SECONDS", &config.Simulation.BatchPollFinalizingSecs)
	setEnvInt("BATCH_POLL_MAX_SECONDS", &config.Simulation.BatchPollMaxSeconds)
	setEnvInt("BATCH_MAX_ATTEMPTS_POLL", &config.Simulation.BatchMaxAttemptsPoll)
	setEnvInt("BATCH_MAX_ATTEMPTS_SUBMIT", &config.Simulation.BatchMaxAttemptsSubmit)
	setEnvInt("DIRECT_WORKER_CONCURRENCY", &config.Simulation.DirectWorkerConcurrency)
	setEnvInt("BATCH_WORKER_CONCURRENCY", &config.Simulation.BatchWorkerConcurrency)
	setEnvInt("AI_MAX_MESSAGE_CHARS", &config.Simulation.AIMaxMessageChars)
	if v := os.Getenv("AI_RANDOM_EVENT_SAMPLING"); v != "" {
		config.Simulation.AIRandomEventSampling = strings.ToLower(v)
	}
}

func setEnvInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate rejects configuration outside the recognized option set.
func validate(config *Config) error {
	mode := strings.ToLower(config.Simulation.Mode)
	if mode != ModeDirect && mode != ModeBatch {
		return fmt.Errorf("invalid simulation mode %q: must be %q or %q", config.Simulation.Mode, ModeDirect, ModeBatch)
	}
	config.Simulation.Mode = mode

	sampling := strings.ToLower(config.Simulation.AIRandomEventSampling)
	if sampling != "on" && sampling != "off" {
		return fmt.Errorf("invalid ai_random_event_sampling %q: must be \"on\" or \"off\"", config.Simulation.AIRandomEventSampling)
	}
	config.Simulation.AIRandomEventSampling = sampling

	if config.Simulation.DirectWorkerConcurrency <= 0 {
		config.Simulation.DirectWorkerConcurrency = 1
	}
	if config.Simulation.BatchWorkerConcurrency <= 0 {
		config.Simulation.BatchWorkerConcurrency = 1
	}
	return nil
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
