// Package adapterutil provides shared utilities for backend adapters.
package adapterutil

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/memohai/unifeed/internal/backend"
)

const previewLimit = 120

// SummarizeText returns a single-line preview of text for log output.
func SummarizeText(text string) string {
	value := strings.Join(strings.Fields(text), " ")
	if value == "" {
		return ""
	}
	if utf8.RuneCountInString(value) <= previewLimit {
		return value
	}
	runes := []rune(value)
	return string(runes[:previewLimit]) + "..."
}

// MessageAttrs returns the log attributes describing an inbound message.
func MessageAttrs(msg backend.Message) []any {
	return []any{
		slog.String("backend", msg.Backend.String()),
		slog.String("message_id", msg.ID),
		slog.String("channel_id", msg.ChannelID),
		slog.String("user_id", msg.Sender.ID),
		slog.Int("attachments", len(msg.Attachments)),
		slog.String("text", SummarizeText(msg.Text)),
	}
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
