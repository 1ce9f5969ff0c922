package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/offlinekit/offline-core/internal/monitoring"
)

// EnvPrefix is the prefix for environment overrides, e.g. OFFLINE_DOWNLOADS_CONCURRENCY
const EnvPrefix = "OFFLINE"

// Config represents the application configuration
type Config struct {
	Downloads DownloadsConfig `json:"downloads" mapstructure:"downloads"`
	Network   NetworkConfig   `json:"network" mapstructure:"network"`
	Sync      SyncConfig      `json:"sync" mapstructure:"sync"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	User      UserConfig      `json:"user" mapstructure:"user"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// DownloadsConfig contains download queue and content store settings
type DownloadsConfig struct {
	RootDir           string `json:"root_dir" mapstructure:"root_dir"`
	Concurrency       int    `json:"concurrency" mapstructure:"concurrency"`
	Attempts          int    `json:"attempts" mapstructure:"attempts"`
	JobTimeoutSeconds int    `json:"job_timeout_seconds" mapstructure:"job_timeout_seconds"`
	RetryBackoffMS    int    `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	ThumbnailSize     int    `json:"thumbnail_size" mapstructure:"thumbnail_size"`
}

// JobTimeout returns the per-attempt deadline
func (d DownloadsConfig) JobTimeout() time.Duration {
	return time.Duration(d.JobTimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial delay between attempts
func (d DownloadsConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMS) * time.Millisecond
}

// NetworkConfig contains metadata API and content mirror settings
type NetworkConfig struct {
	APIBaseURL        string   `json:"api_base_url" mapstructure:"api_base_url"`
	Timeout           int      `json:"timeout" mapstructure:"timeout"`
	Gateways          []string `json:"gateways" mapstructure:"gateways"`
	RequestsPerSecond float64  `json:"requests_per_second" mapstructure:"requests_per_second"`
	ProxyURL          string   `json:"proxy_url" mapstructure:"proxy_url"`
}

// SyncConfig contains reconciliation scheduling settings
type SyncConfig struct {
	Enabled         bool `json:"enabled" mapstructure:"enabled"`
	IntervalMinutes int  `json:"interval_minutes" mapstructure:"interval_minutes"`
}

// ServerConfig contains the control API settings
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// DatabaseConfig contains journal database settings
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// UserConfig identifies the signed-in account whose favorites are synced
type UserConfig struct {
	ID int64 `json:"id" mapstructure:"id"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// LogConfig converts the logging section for monitoring.NewLogger
func (l LoggingConfig) LogConfig() *monitoring.LogConfig {
	return &monitoring.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile bypasses the search path, so a missing file surfaces
		// as a plain os error rather than ConfigFileNotFoundError.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := v.WriteConfigAs(configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Downloads.RootDir == "" {
		return fmt.Errorf("downloads root directory cannot be empty")
	}

	if c.Downloads.Concurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1")
	}

	if c.Downloads.Concurrency > 32 {
		return fmt.Errorf("download concurrency cannot exceed 32")
	}

	if c.Downloads.Attempts < 1 {
		return fmt.Errorf("download attempts must be at least 1")
	}

	if c.Downloads.JobTimeoutSeconds < 1 {
		return fmt.Errorf("job timeout must be at least 1 second")
	}

	if c.Downloads.RetryBackoffMS < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}

	if c.Downloads.ThumbnailSize < 0 || c.Downloads.ThumbnailSize > 2000 {
		return fmt.Errorf("thumbnail size must be between 0 and 2000 pixels")
	}

	if c.Network.Timeout < 1 {
		return fmt.Errorf("network timeout must be at least 1 second")
	}

	if c.Network.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}

	if c.Network.APIBaseURL != "" {
		if _, err := url.ParseRequestURI(c.Network.APIBaseURL); err != nil {
			return fmt.Errorf("invalid api base url: %w", err)
		}
	}

	for _, g := range c.Network.Gateways {
		if _, err := url.ParseRequestURI(g); err != nil {
			return fmt.Errorf("invalid gateway %q: %w", g, err)
		}
	}

	if c.Sync.Enabled && c.Sync.IntervalMinutes < 1 {
		return fmt.Errorf("sync interval must be at least 1 minute")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("downloads", c.Downloads)
	v.Set("network", c.Network)
	v.Set("sync", c.Sync)
	v.Set("server", c.Server)
	v.Set("database", c.Database)
	v.Set("user", c.User)
	v.Set("logging", c.Logging)

	return v.WriteConfigAs(path)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	dataDir := GetDataDir()

	v.SetDefault("downloads.root_dir", filepath.Join(dataDir, "downloads"))
	v.SetDefault("downloads.concurrency", 5)
	v.SetDefault("downloads.attempts", 3)
	v.SetDefault("downloads.job_timeout_seconds", 10)
	v.SetDefault("downloads.retry_backoff_ms", 500)
	v.SetDefault("downloads.thumbnail_size", 150)

	v.SetDefault("network.api_base_url", "http://localhost:8080/v1")
	v.SetDefault("network.timeout", 30)
	v.SetDefault("network.gateways", []string{})
	v.SetDefault("network.requests_per_second", 10.0)
	v.SetDefault("network.proxy_url", "")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_minutes", 60)

	v.SetDefault("server.listen_addr", "127.0.0.1:7070")

	v.SetDefault("database.path", filepath.Join(dataDir, "offline.db"))

	v.SetDefault("user.id", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(dataDir, "logs", "offline.log"))
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)
}

// DefaultConfigPath returns the default configuration file path
func DefaultConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// Reload reloads the configuration from file
func (c *Config) Reload(configPath string) error {
	newConfig, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	*c = *newConfig
	return nil
}

// GetDataDir returns the application data directory.
// OFFLINE_HOME overrides the per-user cache location.
func GetDataDir() string {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.Getenv("HOME")
	}
	return filepath.Join(base, "offline-core")
}
