// Package config provides configuration management for fleet-plex.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration structure
type Config struct {
	BatchSize    int           `mapstructure:"batch-size"`    // Hosts dispatched concurrently per batch
	CmdTimeout   time.Duration `mapstructure:"cmd-timeout"`   // Per-host command timeout
	DispatchRate float64       `mapstructure:"dispatch-rate"` // Host attempts started per second (0 for unlimited)
	Output       string        `mapstructure:"output"`        // Output format (streamed, buffered, json)
	Quiet        bool          `mapstructure:"quiet"`         // Suppress non-error output
	LogLevel     string        `mapstructure:"log-level"`     // Log level (info, error)
	LogFormat    string        `mapstructure:"log-format"`    // Log format (json, text)
	ShowProgress bool          `mapstructure:"progress"`      // Show progress bar
	ShowStats    bool          `mapstructure:"stats"`         // Show real-time statistics
	Inventory    string        `mapstructure:"inventory"`     // Seed file loaded into the memory store
	Listen       string        `mapstructure:"listen"`        // HTTP listen address for serve

	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Windows WindowsConfig `mapstructure:"windows"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory or postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables the distributed sync lock and event publishing when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SSHConfig configures the Unix transport
type SSHConfig struct {
	KnownHosts            string        `mapstructure:"known-hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure-ignore-host-key"`
	ConnectTimeout        time.Duration `mapstructure:"connect-timeout"`
}

// WindowsConfig configures the PowerShell remoting transport
type WindowsConfig struct {
	Shell string `mapstructure:"shell"`
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v          *viper.Viper
	configFile string
}

// NewManager creates a new configuration manager
func NewManager() *ViperManager {
	return &ViperManager{
		v: viper.New(),
	}
}

// SetConfigFile makes Load read exactly this file instead of searching
func (m *ViperManager) SetConfigFile(path string) {
	m.configFile = path
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("batch-size", 10)
	m.v.SetDefault("cmd-timeout", 5*time.Minute)
	m.v.SetDefault("dispatch-rate", 0.0)
	m.v.SetDefault("output", "streamed")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("stats", false)
	m.v.SetDefault("inventory", "")
	m.v.SetDefault("listen", ":8080")

	m.v.SetDefault("store.driver", "memory")
	m.v.SetDefault("store.dsn", "")

	m.v.SetDefault("redis.addr", "")
	m.v.SetDefault("redis.password", "")
	m.v.SetDefault("redis.db", 0)

	m.v.SetDefault("ssh.known-hosts", "")
	m.v.SetDefault("ssh.insecure-ignore-host-key", false)
	m.v.SetDefault("ssh.connect-timeout", 10*time.Second)

	m.v.SetDefault("windows.shell", "pwsh")
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	// Set up environment variable handling: FLEET_PLEX_STORE_DSN -> store.dsn
	m.v.SetEnvPrefix("FLEET_PLEX")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	m.v.AutomaticEnv()

	if m.configFile != "" {
		m.v.SetConfigFile(m.configFile)
		if err := m.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", m.configFile, err)
		}
	} else if err := m.searchConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// searchConfig looks for config.{yaml,yml,json,toml} in the current
// directory, then the user config dir, then /etc/fleet-plex.
func (m *ViperManager) searchConfig() error {
	m.v.SetConfigName("config")
	m.v.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		m.v.AddConfigPath(filepath.Join(homeDir, ".config", "fleet-plex"))
	}
	m.v.AddConfigPath("/etc/fleet-plex/")

	for _, format := range []string{"yaml", "yml", "json", "toml"} {
		m.v.SetConfigType(format)
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading %s config file: %w", format, err)
			}
		} else {
			return nil
		}
	}
	return nil
}

// ConfigFileUsed reports the file Load read, if any
func (m *ViperManager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1, got %d", config.BatchSize)
	}
	if config.BatchSize > 1000 {
		return fmt.Errorf("batch-size too high: %d (maximum 1000)", config.BatchSize)
	}

	if config.CmdTimeout <= 0 {
		return fmt.Errorf("cmd-timeout must be positive, got %v", config.CmdTimeout)
	}
	if config.DispatchRate < 0 {
		return fmt.Errorf("dispatch-rate must be non-negative, got %v", config.DispatchRate)
	}

	validOutputs := map[string]bool{
		"streamed": true,
		"buffered": true,
		"json":     true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be one of 'streamed', 'buffered', or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"info":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'info' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	switch config.Store.Driver {
	case "memory":
	case "postgres":
		if config.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store driver '%s': must be 'memory' or 'postgres'", config.Store.Driver)
	}

	if config.SSH.ConnectTimeout <= 0 {
		return fmt.Errorf("ssh.connect-timeout must be positive, got %v", config.SSH.ConnectTimeout)
	}

	switch config.Windows.Shell {
	case "pwsh", "powershell", "powershell.exe", "pwsh.exe":
	default:
		return fmt.Errorf("invalid windows.shell '%s': must be pwsh or powershell", config.Windows.Shell)
	}

	return nil
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	return []string{
		"FLEET_PLEX_BATCH_SIZE",
		"FLEET_PLEX_CMD_TIMEOUT",
		"FLEET_PLEX_DISPATCH_RATE",
		"FLEET_PLEX_OUTPUT",
		"FLEET_PLEX_QUIET",
		"FLEET_PLEX_LOG_LEVEL",
		"FLEET_PLEX_LOG_FORMAT",
		"FLEET_PLEX_PROGRESS",
		"FLEET_PLEX_STATS",
		"FLEET_PLEX_INVENTORY",
		"FLEET_PLEX_LISTEN",
		"FLEET_PLEX_STORE_DRIVER",
		"FLEET_PLEX_STORE_DSN",
		"FLEET_PLEX_REDIS_ADDR",
		"FLEET_PLEX_REDIS_PASSWORD",
		"FLEET_PLEX_REDIS_DB",
		"FLEET_PLEX_SSH_KNOWN_HOSTS",
		"FLEET_PLEX_SSH_INSECURE_IGNORE_HOST_KEY",
		"FLEET_PLEX_SSH_CONNECT_TIMEOUT",
		"FLEET_PLEX_WINDOWS_SHELL",
	}
}
