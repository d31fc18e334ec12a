// Package config provides configuration management for taskloop.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// Config holds all configuration sections for the taskloop daemon.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Workspace WorkspaceConfig      `mapstructure:"workspace"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Executor  ExecutorConfig       `mapstructure:"executor"`
	Agent     AgentConfig          `mapstructure:"agent"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the status/ingress HTTP server configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ShutdownTimeoutMs int    `mapstructure:"shutdownTimeoutMs"`
}

// WorkspaceConfig holds filesystem locations.
type WorkspaceConfig struct {
	// Root is the default working directory for agent sessions.
	// Per-task project paths override it.
	Root string `mapstructure:"root"`
	// DataDir holds the SQLite database and the pid lock file.
	DataDir string `mapstructure:"dataDir"`
}

// SchedulerConfig holds queue polling configuration.
type SchedulerConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
}

// ExecutorConfig holds per-task execution limits.
type ExecutorConfig struct {
	TaskTimeoutMs      int `mapstructure:"taskTimeoutMs"`
	IterationTimeoutMs int `mapstructure:"iterationTimeoutMs"`
}

// AgentConfig holds external agent runner configuration.
type AgentConfig struct {
	// Name is the logical agent name passed to the runner on every prompt.
	Name string `mapstructure:"name"`
	// Mode selects the runner implementation: "client" (HTTP) or "subprocess".
	Mode string `mapstructure:"mode"`
	// ServerURL is the base URL of the agent server (client mode).
	ServerURL string `mapstructure:"serverUrl"`
	// BinaryPath is the agent CLI binary (subprocess mode; looked up on PATH if empty).
	BinaryPath string `mapstructure:"binaryPath"`
	// Specialists are optional specialist agent names advertised in the initial prompt.
	Specialists []string `mapstructure:"specialists"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PollInterval returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// TaskTimeout returns the task timeout as a time.Duration.
func (e *ExecutorConfig) TaskTimeout() time.Duration {
	return time.Duration(e.TaskTimeoutMs) * time.Millisecond
}

// IterationTimeout returns the iteration timeout as a time.Duration.
func (e *ExecutorConfig) IterationTimeout() time.Duration {
	return time.Duration(e.IterationTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful-shutdown window as a time.Duration.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8177)
	v.SetDefault("server.shutdownTimeoutMs", 60000)

	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.dataDir", "./data")

	v.SetDefault("scheduler.pollIntervalMs", 5000)

	v.SetDefault("executor.taskTimeoutMs", 1800000)
	v.SetDefault("executor.iterationTimeoutMs", 600000)

	v.SetDefault("agent.name", "build")
	v.SetDefault("agent.mode", "client")
	v.SetDefault("agent.serverUrl", "http://localhost:4096")
	v.SetDefault("agent.binaryPath", "")
	v.SetDefault("agent.specialists", []string{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskloopd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKLOOP_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/taskloop/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy un-prefixed env vars kept for compatibility with existing deployments.
	_ = v.BindEnv("scheduler.pollIntervalMs", "POLL_INTERVAL_MS", "TASKLOOP_SCHEDULER_POLL_INTERVAL_MS")
	_ = v.BindEnv("executor.taskTimeoutMs", "TASK_TIMEOUT_MS", "TASKLOOP_EXECUTOR_TASK_TIMEOUT_MS")
	_ = v.BindEnv("executor.iterationTimeoutMs", "ITERATION_TIMEOUT_MS", "TASKLOOP_EXECUTOR_ITERATION_TIMEOUT_MS")
	_ = v.BindEnv("server.shutdownTimeoutMs", "SHUTDOWN_TIMEOUT_MS", "TASKLOOP_SERVER_SHUTDOWN_TIMEOUT_MS")
	_ = v.BindEnv("workspace.root", "WORKSPACE", "TASKLOOP_WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.dataDir", "DATA_DIR", "TASKLOOP_WORKSPACE_DATA_DIR")
	_ = v.BindEnv("agent.name", "AGENT", "TASKLOOP_AGENT_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskloop/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ShutdownTimeoutMs <= 0 {
		errs = append(errs, "server.shutdownTimeoutMs must be positive")
	}
	if cfg.Workspace.DataDir == "" {
		errs = append(errs, "workspace.dataDir is required")
	}
	if cfg.Scheduler.PollIntervalMs <= 0 {
		errs = append(errs, "scheduler.pollIntervalMs must be positive")
	}
	if cfg.Executor.TaskTimeoutMs <= 0 {
		errs = append(errs, "executor.taskTimeoutMs must be positive")
	}
	if cfg.Executor.IterationTimeoutMs <= 0 {
		errs = append(errs, "executor.iterationTimeoutMs must be positive")
	}

	switch cfg.Agent.Mode {
	case "client", "subprocess":
	default:
		errs = append(errs, "agent.mode must be one of: client, subprocess")
	}
	if cfg.Agent.Mode == "client" && cfg.Agent.ServerURL == "" {
		errs = append(errs, "agent.serverUrl is required when agent.mode is client")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
