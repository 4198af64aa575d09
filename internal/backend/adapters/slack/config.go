package slack

import (
	"strings"
	"time"
)

const (
	defaultHistoryLimit       = 50
	defaultMaxHistoryChannels = 20
	defaultLookupsPerMinute   = 50
	defaultLiveBuffer         = 256
	defaultReconnectAttempts  = 6
	defaultReconnectInitial   = time.Second
	defaultReconnectMax       = 30 * time.Second
	defaultWriteTimeout       = 5 * time.Second
)

// Config holds the Slack credentials and tuning knobs.
type Config struct {
	// BotToken authenticates Web API calls (xoxb-...).
	BotToken string
	// AppToken authenticates apps.connections.open (xapp-...).
	AppToken string
	// APIURL overrides the Web API base URL; it must end with a slash.
	APIURL             string
	HistoryLimit       int
	MaxHistoryChannels int
	LookupsPerMinute   int
	LiveBuffer         int
	Reconnect          ReconnectConfig
}

// ReconnectConfig bounds the automatic reconnect after a lost connection.
type ReconnectConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) configured() bool {
	return strings.TrimSpace(c.BotToken) != ""
}

func (c Config) withDefaults() Config {
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.AppToken = strings.TrimSpace(c.AppToken)
	c.APIURL = strings.TrimSpace(c.APIURL)
	if c.APIURL != "" && !strings.HasSuffix(c.APIURL, "/") {
		c.APIURL += "/"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.MaxHistoryChannels <= 0 {
		c.MaxHistoryChannels = defaultMaxHistoryChannels
	}
	if c.LookupsPerMinute <= 0 {
		c.LookupsPerMinute = defaultLookupsPerMinute
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = defaultLiveBuffer
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = defaultReconnectInitial
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = defaultReconnectMax
	}
	return c
}
