package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketloop/marketloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Marketloop configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/marketloop/config.yaml
Project-specific overrides can be placed in .marketloop.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = "(default)"
	}
	workflowsDir := cfg.Workflows.Dir
	if workflowsDir == "" {
		workflowsDir = "(not set)"
	}
	debugLog := cfg.Logging.DebugLog
	if debugLog == "" {
		debugLog = "(disabled)"
	}

	fmt.Printf("store.path: %s\n", storePath)
	fmt.Printf("queue.concurrency: %d\n", cfg.Queue.Concurrency)
	fmt.Printf("queue.max_attempts: %d\n", cfg.Queue.MaxAttempts)
	fmt.Printf("queue.backoff_base: %s\n", cfg.Queue.BackoffBase)
	fmt.Printf("engine.step_timeout: %s\n", cfg.Engine.StepTimeout)
	fmt.Printf("http.addr: %s\n", cfg.HTTP.Addr)
	fmt.Printf("workflows.dir: %s\n", workflowsDir)
	fmt.Printf("workflows.watch: %t\n", cfg.Workflows.Watch)
	fmt.Printf("logging.debug_log: %s\n", debugLog)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "store.path":
		if cfg.Store.Path == "" {
			return "(default)", nil
		}
		return cfg.Store.Path, nil
	case "queue.concurrency":
		return strconv.Itoa(cfg.Queue.Concurrency), nil
	case "queue.max_attempts":
		return strconv.Itoa(cfg.Queue.MaxAttempts), nil
	case "queue.backoff_base":
		return cfg.Queue.BackoffBase.String(), nil
	case "engine.step_timeout":
		return cfg.Engine.StepTimeout.String(), nil
	case "http.addr":
		return cfg.HTTP.Addr, nil
	case "workflows.dir":
		if cfg.Workflows.Dir == "" {
			return "(not set)", nil
		}
		return cfg.Workflows.Dir, nil
	case "workflows.watch":
		return strconv.FormatBool(cfg.Workflows.Watch), nil
	case "logging.debug_log":
		if cfg.Logging.DebugLog == "" {
			return "(disabled)", nil
		}
		return cfg.Logging.DebugLog, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "store.path":
		cfg.Store.Path = value
	case "queue.concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for queue.concurrency: %w", err)
		}
		cfg.Queue.Concurrency = n
	case "queue.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for queue.max_attempts: %w", err)
		}
		cfg.Queue.MaxAttempts = n
	case "queue.backoff_base":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for queue.backoff_base: %w", err)
		}
		cfg.Queue.BackoffBase = d
	case "engine.step_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for engine.step_timeout: %w", err)
		}
		cfg.Engine.StepTimeout = d
	case "http.addr":
		cfg.HTTP.Addr = value
	case "workflows.dir":
		cfg.Workflows.Dir = value
	case "workflows.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for workflows.watch: %w", err)
		}
		cfg.Workflows.Watch = b
	case "logging.debug_log":
		cfg.Logging.DebugLog = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
