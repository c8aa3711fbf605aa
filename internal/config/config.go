package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Refresh       RefreshConfig       `mapstructure:"refresh"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Watchlist     WatchlistConfig     `mapstructure:"watchlist"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// APIConfig holds backend REST configuration
type APIConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// StreamConfig holds the streaming channel and reconnect policy
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           float64       `mapstructure:"jitter"`
	StableAfter      time.Duration `mapstructure:"stable_after"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// RefreshConfig holds REST polling intervals
type RefreshConfig struct {
	QuotesInterval time.Duration `mapstructure:"quotes_interval"`
	AlertsInterval time.Duration `mapstructure:"alerts_interval"`
}

// AlertsConfig holds alert and signal feed behavior
type AlertsConfig struct {
	SignalFeedSize int `mapstructure:"signal_feed_size"`
}

// WatchlistConfig holds the symbols used when no persisted watchlist exists
type WatchlistConfig struct {
	DefaultSymbols []string `mapstructure:"default_symbols"`
}

// NotificationsConfig holds the async delivery queue settings
type NotificationsConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds local persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file next to the config file is loaded into the environment first.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}
	return nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.max_idle_conns", 10)
	v.SetDefault("api.max_idle_conns_per_host", 5)
	v.SetDefault("api.idle_conn_timeout", "90s")

	v.SetDefault("stream.url", "ws://localhost:8000/ws/stream")
	v.SetDefault("stream.base_delay", "1s")
	v.SetDefault("stream.max_delay", "30s")
	v.SetDefault("stream.jitter", 0.2)
	v.SetDefault("stream.stable_after", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.pong_wait", "60s")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.handshake_timeout", "10s")

	v.SetDefault("refresh.quotes_interval", "30s")
	v.SetDefault("refresh.alerts_interval", "30s")

	v.SetDefault("alerts.signal_feed_size", 50)

	v.SetDefault("watchlist.default_symbols", []string{"^GDAXI", "^GSPC", "BTC-USD", "ETH-USD", "EURUSD=X"})

	v.SetDefault("notifications.queue_size", 64)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.Timeout < 2*time.Second {
		return fmt.Errorf("api.timeout must be at least 2 seconds")
	}

	if err := validateURL(c.Stream.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("stream.url: %w", err)
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("stream.base_delay must be positive")
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream.max_delay must be >= stream.base_delay")
	}
	if c.Stream.Jitter < 0 || c.Stream.Jitter >= 1 {
		return fmt.Errorf("stream.jitter must be in [0, 1)")
	}
	if c.Stream.StableAfter <= 0 {
		return fmt.Errorf("stream.stable_after must be positive")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be positive")
	}
	if c.Stream.PongWait <= c.Stream.PingInterval {
		return fmt.Errorf("stream.pong_wait must be greater than stream.ping_interval")
	}

	if c.Refresh.QuotesInterval < time.Second {
		return fmt.Errorf("refresh.quotes_interval must be at least 1 second")
	}
	if c.Refresh.AlertsInterval < time.Second {
		return fmt.Errorf("refresh.alerts_interval must be at least 1 second")
	}

	if c.Alerts.SignalFeedSize < 1 {
		return fmt.Errorf("alerts.signal_feed_size must be at least 1")
	}
	if c.Notifications.QueueSize < 1 {
		return fmt.Errorf("notifications.queue_size must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

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

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v", schemes)
}
