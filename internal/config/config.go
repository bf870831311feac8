// Package config handles configuration loading and management for the
// orchestration engine. It supports XDG config paths, project-level
// overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-wide settings: adapter backend credentials, and the
// Scheduler's concurrency and workspace-lifecycle defaults. PolicyProfiles
// and AdapterDescriptors are loaded separately (see policy_store.go) since
// spec.md §3/§6 treats them as versioned, hot-reloadable configuration
// rather than static process settings.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// AnthropicConfig holds credentials for an in-process or http_api adapter
// backed by the Anthropic API.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// AWSConfig holds settings for an http_api adapter backed by a Bedrock
// endpoint via aws-sdk-go-v2.
type AWSConfig struct {
	Region string `mapstructure:"region"`
}

// SchedulerConfig holds the Scheduler's admission defaults.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
}

// WorkspaceConfig holds per-task workspace lifecycle defaults.
type WorkspaceConfig struct {
	BaseDir string        `mapstructure:"base_dir"`
	Grace   time.Duration `mapstructure:"grace"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AWS_REGION)
// 2. Project config (.taskforge.yaml in current directory or a parent)
// 3. User config (~/.config/taskforge/config.yaml)
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

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("")
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("aws.region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

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

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

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

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("aws.region", cfg.AWS.Region)
	v.Set("scheduler.max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks)
	v.Set("scheduler.cancel_grace", cfg.Scheduler.CancelGrace.String())
	v.Set("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace.String())
	v.Set("workspace.base_dir", cfg.Workspace.BaseDir)
	v.Set("workspace.grace", cfg.Workspace.Grace.String())

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
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("aws.region", "us-east-1")

	v.SetDefault("scheduler.max_concurrent_tasks", 4)
	v.SetDefault("scheduler.cancel_grace", "10s")
	v.SetDefault("scheduler.shutdown_grace", "30s")

	v.SetDefault("workspace.base_dir", filepath.Join(os.TempDir(), "taskforge-workspaces"))
	v.SetDefault("workspace.grace", "15m")
}

// getUserConfigDir returns the XDG config directory for the engine.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskforge")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskforge")
	}
	return filepath.Join(home, ".config", "taskforge")
}

// findProjectConfig searches for .taskforge.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".taskforge.yaml")
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
		Anthropic: AnthropicConfig{APIKey: ""},
		AWS:       AWSConfig{Region: "us-east-1"},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 4,
			CancelGrace:        10 * time.Second,
			ShutdownGrace:      30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			BaseDir: filepath.Join(os.TempDir(), "taskforge-workspaces"),
			Grace:   15 * time.Minute,
		},
	}
}
