// Package config provides configuration types and defaults for notifycenter.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/notifycenter/internal/affinity"
	"github.com/zjrosen/notifycenter/internal/cachemanager"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/tracing"
)

// Config holds all notifycenter configuration.
type Config struct {
	Executor ExecutorConfig `mapstructure:"executor"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	Bench    BenchConfig    `mapstructure:"bench"`
}

// ExecutorConfig configures the affinity executor.
type ExecutorConfig struct {
	// QueueCapacity bounds pending tasks. 0 = unbounded.
	QueueCapacity int `mapstructure:"queue_capacity"`

	// SlowTaskThreshold is the task duration above which a warning is logged.
	SlowTaskThreshold time.Duration `mapstructure:"slow_task_threshold"`

	// LogTasks logs every task at debug level.
	LogTasks bool `mapstructure:"log_tasks"`
}

// RegistryConfig configures the notification registry.
type RegistryConfig struct {
	// WarningWindow suppresses repeated off-loop warnings per subscriber type.
	// 0 or less logs every occurrence.
	WarningWindow time.Duration `mapstructure:"warning_window"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty = stderr
}

// BenchConfig holds the defaults for the bench command.
type BenchConfig struct {
	Subscribers int `mapstructure:"subscribers"`
	Events      int `mapstructure:"events"`
	Producers   int `mapstructure:"producers"`
}

// DefaultTracesFilePath returns ~/.config/notifycenter/traces/traces.jsonl,
// or "" if the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "notifycenter", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	traces := tracing.DefaultConfig()
	traces.FilePath = DefaultTracesFilePath()

	return Config{
		Executor: ExecutorConfig{
			QueueCapacity:     0,
			SlowTaskThreshold: affinity.DefaultSlowTaskThreshold,
			LogTasks:          false,
		},
		Registry: RegistryConfig{
			WarningWindow: cachemanager.DefaultThrottleWindow,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: traces,
		Bench: BenchConfig{
			Subscribers: 100,
			Events:      10000,
			Producers:   4,
		},
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateExecutor(c.Executor); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return ValidateBench(c.Bench)
}

// ValidateExecutor checks executor configuration for errors.
func ValidateExecutor(e ExecutorConfig) error {
	if e.QueueCapacity < 0 {
		return fmt.Errorf("executor.queue_capacity must be >= 0, got %d", e.QueueCapacity)
	}
	if e.SlowTaskThreshold < 0 {
		return fmt.Errorf("executor.slow_task_threshold must be >= 0, got %s", e.SlowTaskThreshold)
	}
	return nil
}

// ValidateLog checks log configuration for errors. An empty level means info.
func ValidateLog(l LogConfig) error {
	if l.Level == "" {
		return nil
	}
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ValidateBench checks bench configuration for errors.
func ValidateBench(b BenchConfig) error {
	if b.Subscribers < 1 {
		return fmt.Errorf("bench.subscribers must be at least 1, got %d", b.Subscribers)
	}
	if b.Events < 1 {
		return fmt.Errorf("bench.events must be at least 1, got %d", b.Events)
	}
	if b.Producers < 1 {
		return fmt.Errorf("bench.producers must be at least 1, got %d", b.Producers)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as YAML with comments.
func DefaultConfigTemplate() string {
	return `# notifycenter configuration

# Affinity executor: the single goroutine that owns registry state
executor:
  queue_capacity: 0          # Max pending tasks, 0 = unbounded
  slow_task_threshold: 100ms # Warn when a task holds the loop longer than this
  log_tasks: false           # Log every task at debug level

# Notification registry
registry:
  warning_window: 30s # Repeat off-loop warnings per subscriber type at most this often

# Logging
log:
  level: info # debug, info, warn, error
  # file: /tmp/notifycenter.log  # Defaults to stderr

# Tracing (OpenTelemetry)
tracing:
  enabled: false
  exporter: file # none, file, stdout, otlp
  # file_path: ~/.config/notifycenter/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Defaults for "notifycenter bench"
bench:
  subscribers: 100
  events: 10000
  producers: 4
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
