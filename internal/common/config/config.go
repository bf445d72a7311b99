// Package config provides configuration management for coc.
// It supports loading configuration from environment variables, the YAML
// config file under ~/.coc, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for coc.
type Config struct {
	// Model is the default AI model used when a task does not set one.
	Model string `mapstructure:"model"`

	// Parallel is the default map parallelism for pipeline runs.
	Parallel int `mapstructure:"parallel"`

	// Output is the default CLI output format: table, json, csv, markdown.
	Output string `mapstructure:"output"`

	// ApprovePermissions auto-approves AI permission requests.
	ApprovePermissions bool `mapstructure:"approvePermissions"`

	// Timeout is the global execution timeout in seconds (0 = provider default).
	Timeout int `mapstructure:"timeout"`

	// Persist saves CLI runs to the process store.
	Persist bool `mapstructure:"persist"`

	Serve   ServeConfig   `mapstructure:"serve"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Copilot CopilotConfig `mapstructure:"copilot"`
}

// ServeConfig holds the dashboard server configuration.
type ServeConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"dataDir"`
	Theme   string `mapstructure:"theme"` // auto, light, dark

	// Store selects the process store backend: memory, file, sqlite, postgres.
	Store string `mapstructure:"store"`

	// DSN is the PostgreSQL connection string, used when store is postgres.
	DSN string `mapstructure:"dsn"`

	ReadTimeout  int `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds; 0 keeps SSE/WebSocket streams open
}

// QueueConfig holds task queue and executor configuration.
type QueueConfig struct {
	// MaxSize caps the number of queued tasks (0 = unlimited).
	MaxSize int `mapstructure:"maxSize"`

	// MaxConcurrency is the number of tasks executed in parallel.
	MaxConcurrency int `mapstructure:"maxConcurrency"`

	// MaxHistory bounds the terminal-task history ring.
	MaxHistory int `mapstructure:"maxHistory"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-process event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CopilotConfig holds Copilot SDK client configuration.
type CopilotConfig struct {
	// CLIURL points at a running copilot CLI server; empty uses the SDK default.
	CLIURL string `mapstructure:"cliUrl"`
}

// Addr returns the host:port address the server listens on.
func (s *ServeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServeConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServeConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the global execution timeout as a time.Duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// DefaultConfigDir returns ~/.coc, falling back to the working directory when
// the home directory cannot be resolved.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coc"
	}
	return filepath.Join(home, ".coc")
}

// legacyConfigPath returns the pre-directory config location ~/.coc.yaml.
func legacyConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".coc.yaml")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("COC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("model", "")
	v.SetDefault("parallel", 4)
	v.SetDefault("output", "table")
	v.SetDefault("approvePermissions", false)
	v.SetDefault("timeout", 0)
	v.SetDefault("persist", false)

	// Serve defaults
	v.SetDefault("serve.host", "localhost")
	v.SetDefault("serve.port", 4000)
	v.SetDefault("serve.dataDir", configDir)
	v.SetDefault("serve.theme", "auto")
	v.SetDefault("serve.store", "file")
	v.SetDefault("serve.dsn", "")
	v.SetDefault("serve.readTimeout", 15)
	v.SetDefault("serve.writeTimeout", 0)

	// Queue defaults
	v.SetDefault("queue.maxSize", 0)
	v.SetDefault("queue.maxConcurrency", 1)
	v.SetDefault("queue.maxHistory", 100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use the in-process event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Copilot defaults
	v.SetDefault("copilot.cliUrl", "")
}

// Load reads configuration from environment variables, the config file under
// ~/.coc, and defaults. Environment variables use the prefix COC_.
func Load() (*Config, error) {
	return LoadWithDir("")
}

// LoadWithDir reads configuration from the specified directory, or the default
// ~/.coc when dir is empty. A legacy ~/.coc.yaml is migrated by copy before
// the first read; a commented default file is written when none exists.
func LoadWithDir(dir string) (*Config, error) {
	configDir := dir
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	configFile := filepath.Join(configDir, "config.yaml")

	if err := migrateLegacyConfig(configFile); err != nil {
		return nil, err
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		// Best effort: a read-only home directory still yields defaults.
		_ = WriteDefaultConfig(configFile)
	}

	v := viper.New()
	setDefaults(v, configDir)

	v.SetEnvPrefix("COC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Serve.DataDir = ExpandHome(cfg.Serve.DataDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// migrateLegacyConfig copies ~/.coc.yaml to the new location on first load.
// The legacy file is left in place; copying is skipped when the target exists
// or the legacy content is not valid YAML.
func migrateLegacyConfig(target string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	legacy := legacyConfigPath()
	if legacy == "" {
		return nil
	}
	data, err := os.ReadFile(legacy)
	if err != nil {
		return nil
	}
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("legacy config %s is not valid YAML: %w", legacy, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("migrating legacy config: %w", err)
	}
	return nil
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0o644)
}

const defaultConfigTemplate = `# coc configuration
# Flags override these values; environment variables use the COC_ prefix
# (for example COC_SERVE_PORT).

# Default AI model (empty = provider default)
model: ""

# Default map parallelism for pipeline runs
parallel: 4

# Output format: table, json, csv, markdown
output: table

# Auto-approve AI permission requests
approvePermissions: false

# Global execution timeout in seconds (0 = provider default)
timeout: 0

# Save CLI runs to the process store
persist: false

serve:
  host: localhost
  port: 4000
  # Data directory for the process store
  # dataDir: ~/.coc
  theme: auto
  # Process store backend: memory, file, sqlite, postgres
  store: file

queue:
  # Maximum queued tasks (0 = unlimited)
  maxSize: 0
  maxConcurrency: 1
  maxHistory: 100

logging:
  level: info
  format: console
`

// ExpandHome resolves a leading ~ in a path against the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// validate checks that all configuration fields hold usable values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Parallel <= 0 {
		errs = append(errs, "parallel must be positive")
	}
	validOutputs := map[string]bool{"table": true, "json": true, "csv": true, "markdown": true}
	if !validOutputs[cfg.Output] {
		errs = append(errs, "output must be one of: table, json, csv, markdown")
	}
	if cfg.Timeout < 0 {
		errs = append(errs, "timeout must not be negative")
	}

	if cfg.Serve.Port <= 0 || cfg.Serve.Port > 65535 {
		errs = append(errs, "serve.port must be between 1 and 65535")
	}
	validThemes := map[string]bool{"auto": true, "light": true, "dark": true}
	if !validThemes[cfg.Serve.Theme] {
		errs = append(errs, "serve.theme must be one of: auto, light, dark")
	}
	validStores := map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}
	if !validStores[cfg.Serve.Store] {
		errs = append(errs, "serve.store must be one of: memory, file, sqlite, postgres")
	}
	if cfg.Serve.Store == "postgres" && cfg.Serve.DSN == "" {
		errs = append(errs, "serve.dsn is required when serve.store is postgres")
	}

	if cfg.Queue.MaxSize < 0 {
		errs = append(errs, "queue.maxSize must not be negative")
	}
	if cfg.Queue.MaxConcurrency <= 0 {
		errs = append(errs, "queue.maxConcurrency must be positive")
	}
	if cfg.Queue.MaxHistory <= 0 {
		errs = append(errs, "queue.maxHistory must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
