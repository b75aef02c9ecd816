package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Backend     BackendConfig     `mapstructure:"backend"`
	Align       AlignConfig       `mapstructure:"align"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Server      ServerConfig      `mapstructure:"server"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// BackendConfig holds forecast backend API configuration
type BackendConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CollectDelay   time.Duration `mapstructure:"collect_delay"` // fixed wait between a collect request and the refresh
}

// AlignConfig holds chart alignment configuration
type AlignConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// LeaderboardConfig holds accuracy ranking configuration
type LeaderboardConfig struct {
	AssertOrdering bool `mapstructure:"assert_ordering"` // fail refreshes whose accuracy data is not sorted by mae
}

// ServerConfig holds dashboard HTTP API configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds snapshot history configuration
type StorageConfig struct {
	DBPath       string `mapstructure:"db_path"`
	MaxSnapshots int    `mapstructure:"max_snapshots"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// POLYTRACKER_BACKEND_API_URL overrides backend.api_url
	v.SetEnvPrefix("POLYTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.api_url", "http://localhost:3000")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.retry_delay_base", "1s")
	v.SetDefault("backend.poll_interval", "5m")
	v.SetDefault("backend.collect_delay", "3s")

	v.SetDefault("align.timezone", "UTC")

	v.SetDefault("leaderboard.assert_ordering", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/polytracker.db")
	v.SetDefault("storage.max_snapshots", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Backend
	if c.Backend.APIURL == "" {
		return fmt.Errorf("backend.api_url is required")
	}
	if !strings.HasPrefix(c.Backend.APIURL, "http://") && !strings.HasPrefix(c.Backend.APIURL, "https://") {
		return fmt.Errorf("backend.api_url must be an http(s) URL")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Backend.MaxRetries < 1 {
		return fmt.Errorf("backend.max_retries must be at least 1")
	}
	if c.Backend.RetryDelayBase < 0 {
		return fmt.Errorf("backend.retry_delay_base must not be negative")
	}
	if c.Backend.PollInterval < 10*time.Second {
		return fmt.Errorf("backend.poll_interval must be at least 10 seconds")
	}
	if c.Backend.CollectDelay <= 0 {
		return fmt.Errorf("backend.collect_delay must be positive")
	}

	// Align
	if _, err := time.LoadLocation(c.Align.Timezone); err != nil {
		return fmt.Errorf("align.timezone is not a valid IANA zone: %w", err)
	}

	// Server
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Storage
	if c.Storage.MaxSnapshots < 1 {
		return fmt.Errorf("storage.max_snapshots must be at least 1")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Location returns the zone used to group forecast dates into calendar days.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Align.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
