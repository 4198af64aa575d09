package telegram

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// slogBotLogger adapts slog.Logger to tgbotapi.BotLogger so library logs go through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (s *slogBotLogger) Println(v ...any) {
	s.log.Warn("telegram sdk", slog.String("detail", strings.TrimSpace(fmt.Sprintln(v...))))
}

func (s *slogBotLogger) Printf(format string, v ...any) {
	s.log.Warn("telegram sdk", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

var installLoggerOnce sync.Once

func installLogger(log *slog.Logger) {
	installLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: log})
	})
}
