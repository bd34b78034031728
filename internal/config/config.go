// Package config handles configuration loading and management for Marketloop.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Marketloop engine.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Engine    EngineConfig    `mapstructure:"engine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means the XDG data default.
	Path string `mapstructure:"path"`
}

// QueueConfig holds dispatch queue settings.
type QueueConfig struct {
	// Concurrency is the worker count per agent-type queue.
	Concurrency int `mapstructure:"concurrency"`
	// MaxAttempts is how many times a job runs before the queue gives up.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// EngineConfig holds workflow engine settings.
type EngineConfig struct {
	// StepTimeout bounds a step's task when the step declares no timeout.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// HTTPConfig holds HTTP API settings.
type HTTPConfig struct {
	// Addr is the listen address for the API server.
	Addr string `mapstructure:"addr"`
}

// WorkflowsConfig holds workflow definition settings.
type WorkflowsConfig struct {
	// Dir is the directory of YAML definitions. Empty disables loading.
	Dir string `mapstructure:"dir"`
	// Watch enables hot reload of the definitions directory.
	Watch bool `mapstructure:"watch"`
}

// LoggingConfig holds debug logging settings.
type LoggingConfig struct {
	// DebugLog is the debug log file path. Empty disables debug logging.
	DebugLog string `mapstructure:"debug_log"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (MARKETLOOP_*)
// 2. Project config (.marketloop.yaml in current directory or parent)
// 3. User config (~/.config/marketloop/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()

	v.BindEnv("store.path", "MARKETLOOP_STORE_PATH")
	v.BindEnv("http.addr", "MARKETLOOP_HTTP_ADDR")
	v.BindEnv("workflows.dir", "MARKETLOOP_WORKFLOWS_DIR")
	v.BindEnv("logging.debug_log", "MARKETLOOP_DEBUG_LOG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Workflows.Dir = expandEnv(cfg.Workflows.Dir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Workflows.Dir = expandEnv(cfg.Workflows.Dir)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("store.path", cfg.Store.Path)
	v.Set("queue.concurrency", cfg.Queue.Concurrency)
	v.Set("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.Set("queue.backoff_base", cfg.Queue.BackoffBase.String())
	v.Set("engine.step_timeout", cfg.Engine.StepTimeout.String())
	v.Set("http.addr", cfg.HTTP.Addr)
	v.Set("workflows.dir", cfg.Workflows.Dir)
	v.Set("workflows.watch", cfg.Workflows.Watch)
	v.Set("logging.debug_log", cfg.Logging.DebugLog)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "")

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")

	v.SetDefault("engine.step_timeout", "10m")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("workflows.dir", "")
	v.SetDefault("workflows.watch", true)

	v.SetDefault("logging.debug_log", "")
}

// getUserConfigDir returns the XDG config directory for Marketloop.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "marketloop")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "marketloop")
	}
	return filepath.Join(home, ".config", "marketloop")
}

// findProjectConfig searches for .marketloop.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".marketloop.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: ""},
		Queue: QueueConfig{
			Concurrency: 4,
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
		},
		Engine: EngineConfig{StepTimeout: 10 * time.Minute},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Workflows: WorkflowsConfig{
			Dir:   "",
			Watch: true,
		},
		Logging: LoggingConfig{DebugLog: ""},
	}
}
