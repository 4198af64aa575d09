package discord

import (
	"slices"
	"strings"
)

const (
	defaultHistoryLimit       = 50
	maxHistoryLimit           = 100
	defaultMaxHistoryChannels = 20
	maxGuilds                 = 200
	maxContentLength          = 2000
)

// Config holds the Discord bot token and the channels to poll.
type Config struct {
	BotToken string
	// ChannelIDs are polled in addition to the text channels of GuildIDs.
	ChannelIDs []string
	// GuildIDs limits discovery to these guilds; empty means every guild the bot joined.
	GuildIDs           []string
	HistoryLimit       int
	MaxHistoryChannels int
}

func (c Config) configured() bool {
	return strings.TrimSpace(c.BotToken) != ""
}

func (c Config) withDefaults() Config {
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.ChannelIDs = normalizeIDs(c.ChannelIDs)
	c.GuildIDs = normalizeIDs(c.GuildIDs)
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.HistoryLimit > maxHistoryLimit {
		c.HistoryLimit = maxHistoryLimit
	}
	if c.MaxHistoryChannels <= 0 {
		c.MaxHistoryChannels = defaultMaxHistoryChannels
	}
	return c
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// truncateContent keeps text within Discord's message length limit.
func truncateContent(text string) string {
	runes := []rune(text)
	if len(runes) <= maxContentLength {
		return text
	}
	return string(runes[:maxContentLength-3]) + "..."
}
