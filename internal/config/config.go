// Package config loads and exposes application configuration (TOML).
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath         = "config.toml"
	DefaultEnvFile            = ".env"
	DefaultHistoryLimit       = 50
	DefaultMaxHistoryChannels = 20
	DefaultLookupsPerMinute   = 50
	DefaultLiveBuffer         = 256
	DefaultReconnectAttempts  = 6
	DefaultReconnectInitial   = time.Second
	DefaultReconnectMax       = 30 * time.Second
	DefaultTelegramHistory    = 100
	DefaultLoadTimeout        = 30 * time.Second
)

// Environment variables that override credentials from the file.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvSlackBot      = "SLACK_BOT_TOKEN"
	EnvSlackApp      = "SLACK_APP_TOKEN"
	EnvDiscordBot    = "DISCORD_BOT_TOKEN"
	EnvTelegramBot   = "TELEGRAM_BOT_TOKEN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
	EnvSlackAPIURL   = "SLACK_API_URL"
	EnvTelegramAPIEP = "TELEGRAM_API_ENDPOINT"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Feed     FeedConfig     `toml:"feed"`
	Slack    SlackConfig    `toml:"slack"`
	Discord  DiscordConfig  `toml:"discord"`
	Telegram TelegramConfig `toml:"telegram"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// FeedConfig holds session-wide settings.
type FeedConfig struct {
	LoadTimeout time.Duration `toml:"load_timeout"`
}

// SlackConfig holds the Slack tokens and tuning knobs.
type SlackConfig struct {
	BotToken           string          `toml:"bot_token"`
	AppToken           string          `toml:"app_token"`
	APIURL             string          `toml:"api_url"`
	HistoryLimit       int             `toml:"history_limit"`
	MaxHistoryChannels int             `toml:"max_history_channels"`
	LookupsPerMinute   int             `toml:"lookups_per_minute"`
	LiveBuffer         int             `toml:"live_buffer"`
	Reconnect          ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig bounds the automatic reconnect after a lost connection.
type ReconnectConfig struct {
	Enabled         bool          `toml:"enabled"`
	MaxAttempts     int           `toml:"max_attempts"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
}

// DiscordConfig holds the Discord bot token and the channels to poll.
type DiscordConfig struct {
	BotToken           string   `toml:"bot_token"`
	ChannelIDs         []string `toml:"channel_ids"`
	GuildIDs           []string `toml:"guild_ids"`
	HistoryLimit       int      `toml:"history_limit"`
	MaxHistoryChannels int      `toml:"max_history_channels"`
}

// TelegramConfig holds the Telegram bot token.
type TelegramConfig struct {
	BotToken     string `toml:"bot_token"`
	APIEndpoint  string `toml:"api_endpoint"`
	HistoryLimit int    `toml:"history_limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Feed: FeedConfig{
			LoadTimeout: DefaultLoadTimeout,
		},
		Slack: SlackConfig{
			HistoryLimit:       DefaultHistoryLimit,
			MaxHistoryChannels: DefaultMaxHistoryChannels,
			LookupsPerMinute:   DefaultLookupsPerMinute,
			LiveBuffer:         DefaultLiveBuffer,
			Reconnect: ReconnectConfig{
				Enabled:         true,
				MaxAttempts:     DefaultReconnectAttempts,
				InitialInterval: DefaultReconnectInitial,
				MaxInterval:     DefaultReconnectMax,
			},
		},
		Discord: DiscordConfig{
			HistoryLimit:       DefaultHistoryLimit,
			MaxHistoryChannels: DefaultMaxHistoryChannels,
		},
		Telegram: TelegramConfig{
			HistoryLimit: DefaultTelegramHistory,
		},
	}
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
// A missing file yields the defaults. Credentials from the environment win over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadEnvFile loads variables from a dotenv file without overriding the
// existing environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ResolvePath returns the config path from the flag value or CONFIG_PATH.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return DefaultConfigPath
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Log.Level, EnvLogLevel)
	override(&cfg.Log.Format, EnvLogFormat)
	override(&cfg.Slack.BotToken, EnvSlackBot)
	override(&cfg.Slack.AppToken, EnvSlackApp)
	override(&cfg.Slack.APIURL, EnvSlackAPIURL)
	override(&cfg.Discord.BotToken, EnvDiscordBot)
	override(&cfg.Telegram.BotToken, EnvTelegramBot)
	override(&cfg.Telegram.APIEndpoint, EnvTelegramAPIEP)
}
