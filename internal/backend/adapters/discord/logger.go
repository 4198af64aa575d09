package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

var installLoggerOnce sync.Once

// installLogger routes discordgo's package-level logging through slog.
func installLogger(log *slog.Logger) {
	installLoggerOnce.Do(func() {
		discordgo.Logger = func(msgL, _ int, format string, a ...any) {
			log.Log(context.Background(), discordLevel(msgL), "discord sdk", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, a...))))
		}
	})
}

func discordLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogInformational:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
