// Package config loads codemoded's configuration via spf13/viper, following
// the same config-name/config-path/defaults-then-unmarshal shape as
// sam-saffron-jarvis-term-llm's internal/config package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KernelConfig holds the upstream Jupyter kernel gateway settings.
// codemoded serve does not read them: each daemon.StartRequest carries its
// own base URL and credentials.
type KernelConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Token    string `mapstructure:"token"`
	Password string `mapstructure:"password"`
}

// ServerConfig configures the fiber HTTP surface (tool proxy + daemon
// management).
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// QuotaConfig holds per-user daemon limit settings. codemoded serve does not
// apply them: the supervisor's cap is the daemon.MaxDaemonsPerUser constant,
// and a run without an explicit MaxRuntime uses daemon.DefaultMaxRuntime.
type QuotaConfig struct {
	MaxDaemonsPerUser int           `mapstructure:"max_daemons_per_user"`
	MaxRuntime        time.Duration `mapstructure:"max_runtime"`
}

// RunlogConfig configures the optional Mongo-backed output archive.
type RunlogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	MongoURI string `mapstructure:"mongo_uri"`
	Database string `mapstructure:"database"`
}

// EventBusConfig configures the optional Redis-backed distributed event
// sink.
type EventBusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Stream  string `mapstructure:"stream"`
}

// Config is the root configuration for the codemoded daemon.
type Config struct {
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Server   ServerConfig   `mapstructure:"server"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Runlog   RunlogConfig   `mapstructure:"runlog"`
	EventBus EventBusConfig `mapstructure:"eventbus"`
}

// GetDefaults returns the default configuration values, the single source
// of truth consulted by Load before a config file or environment overrides
// are applied.
func GetDefaults() map[string]any {
	return map[string]any{
		"kernel.base_url":            "http://localhost:8888/",
		"kernel.token":               "",
		"kernel.password":            "",
		"server.listen_addr":         ":8090",
		"quota.max_daemons_per_user": 3,
		"quota.max_runtime":          "1h",
		"runlog.enabled":             false,
		"runlog.mongo_uri":           "mongodb://localhost:27017",
		"runlog.database":            "codemode",
		"eventbus.enabled":           false,
		"eventbus.addr":              "localhost:6379",
		"eventbus.stream":            "codemode:daemon-events",
	}
}

// GetConfigDir returns the XDG config directory for codemoded.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config.
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "codemoded"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "codemoded"), nil
}

// ConfigFilePath returns the path codemoded reads/writes its config file at.
func ConfigFilePath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads config.yaml from the codemoded config directory (and the
// current directory, as a convenience for local runs), falling back to
// defaults and CODEMODED_* environment variables when no file is present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPath, err := GetConfigDir()
	if err == nil {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("CODEMODED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range GetDefaults() {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
