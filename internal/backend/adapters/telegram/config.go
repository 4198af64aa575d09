package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 100
)

// Config holds the Telegram bot token.
type Config struct {
	BotToken string
	// APIEndpoint is a format string taking the token and method, as tgbotapi.APIEndpoint.
	APIEndpoint  string
	HistoryLimit int
}

func (c Config) configured() bool {
	return strings.TrimSpace(c.BotToken) != ""
}

func (c Config) withDefaults() Config {
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.APIEndpoint = strings.TrimSpace(c.APIEndpoint)
	if c.APIEndpoint == "" {
		c.APIEndpoint = tgbotapi.APIEndpoint
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > maxHistoryLimit {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}
