// Package telegram implements the Telegram backend over the Bot API. It has
// no live stream; pending updates are read without confirming them.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/adapterutil"
)

const chatTypePrivate = "private"

// Adapter is the Telegram backend.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client tgbotapi.HTTPClient
	live   <-chan backend.Message

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets the HTTP client used for Bot API calls.
func WithHTTPClient(client tgbotapi.HTTPClient) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// New builds a Telegram adapter. The bot is created on first use because
// creating it validates the token with getMe.
func New(log *slog.Logger, cfg Config, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", backend.Telegram.String()))
	installLogger(logger)
	a := &Adapter{
		cfg:    cfg.withDefaults(),
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		live:   backend.NeverYield(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() backend.Type {
	return backend.Telegram
}

func (a *Adapter) LiveEvents() <-chan backend.Message {
	return a.live
}

func (a *Adapter) getOrCreateBot() (*tgbotapi.BotAPI, error) {
	if !a.cfg.configured() {
		return nil, backend.ErrNotConfigured
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(a.cfg.BotToken, a.cfg.APIEndpoint, a.client)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("create bot failed", slog.Any("error", err))
		}
		return nil, fmt.Errorf("telegram create bot: %w", err)
	}
	a.bot = bot
	return bot, nil
}

// pendingUpdates returns the updates the Bot API still holds. Offset 0 does
// not confirm anything, so repeated calls see the same window.
func (a *Adapter) pendingUpdates(ctx context.Context) (*tgbotapi.BotAPI, []tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return nil, nil, err
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Limit = a.cfg.HistoryLimit
	updates, err := bot.GetUpdates(cfg)
	if err != nil {
		return bot, nil, fmt.Errorf("telegram get updates: %w", err)
	}
	return bot, updates, nil
}

func updateMessage(u tgbotapi.Update) *tgbotapi.Message {
	if u.Message != nil {
		return u.Message
	}
	return u.ChannelPost
}

func (a *Adapter) FetchHistory(ctx context.Context) ([]backend.Message, error) {
	bot, updates, err := a.pendingUpdates(ctx)
	if err != nil {
		return nil, err
	}
	messages := make([]backend.Message, 0, len(updates))
	for _, u := range updates {
		m := updateMessage(u)
		if m == nil || m.Chat == nil {
			continue
		}
		msg := a.messageFromTelegram(bot, m)
		if msg.IsEmpty() {
			continue
		}
		messages = append(messages, msg)
	}
	if a.logger != nil {
		a.logger.Info("history fetched", slog.Int("updates", len(updates)), slog.Int("messages", len(messages)))
	}
	return messages, nil
}

// FetchChannels returns the chats seen in pending updates. The Bot API has no
// way to list the chats a bot belongs to.
func (a *Adapter) FetchChannels(ctx context.Context) ([]backend.Channel, error) {
	_, updates, err := a.pendingUpdates(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[int64]struct{}{}
	channels := make([]backend.Channel, 0)
	for _, u := range updates {
		m := updateMessage(u)
		if m == nil || m.Chat == nil {
			continue
		}
		if _, ok := seen[m.Chat.ID]; ok {
			continue
		}
		seen[m.Chat.ID] = struct{}{}
		channels = append(channels, channelFromChat(*m.Chat))
	}
	return channels, nil
}

func channelFromChat(chat tgbotapi.Chat) backend.Channel {
	id := strconv.FormatInt(chat.ID, 10)
	return backend.Channel{
		ID:       id,
		Name:     adapterutil.FirstNonEmpty(chatTitle(chat), id),
		Backend:  backend.Telegram,
		IsDirect: chat.Type == chatTypePrivate,
	}
}

func chatTitle(chat tgbotapi.Chat) string {
	return adapterutil.FirstNonEmpty(
		chat.Title,
		strings.TrimSpace(chat.FirstName+" "+chat.LastName),
		chat.UserName,
	)
}

// messageID scopes Telegram's per-chat message ids by chat so that they are
// unique within the backend.
func messageID(chatID int64, id int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

func (a *Adapter) messageFromTelegram(bot *tgbotapi.BotAPI, m *tgbotapi.Message) backend.Message {
	text := adapterutil.FirstNonEmpty(m.Text, m.Caption)
	return backend.Message{
		ID:          messageID(m.Chat.ID, m.MessageID),
		Text:        text,
		Sender:      resolveSender(m),
		Timestamp:   time.Unix(int64(m.Date), 0).UTC(),
		Backend:     backend.Telegram,
		ChannelID:   strconv.FormatInt(m.Chat.ID, 10),
		Attachments: a.collectAttachments(bot, m),
	}
}

func resolveSender(m *tgbotapi.Message) backend.Participant {
	p := backend.Participant{Backend: backend.Telegram}
	switch {
	case m.From != nil:
		p.ID = strconv.FormatInt(m.From.ID, 10)
		p.Name = adapterutil.FirstNonEmpty(strings.TrimSpace(m.From.FirstName+" "+m.From.LastName), m.From.UserName)
	case m.SenderChat != nil:
		p.ID = strconv.FormatInt(m.SenderChat.ID, 10)
		p.Name = chatTitle(*m.SenderChat)
	case m.Chat != nil:
		p.ID = strconv.FormatInt(m.Chat.ID, 10)
		p.Name = chatTitle(*m.Chat)
	}
	return p
}

func (a *Adapter) collectAttachments(bot *tgbotapi.BotAPI, m *tgbotapi.Message) []backend.Attachment {
	files := make([]backend.RawFile, 0, 1)
	if len(m.Photo) > 0 {
		photo := pickPhoto(m.Photo)
		files = append(files, backend.RawFile{
			ID:       photo.FileID,
			Name:     photo.FileUniqueID,
			MimeType: "image/jpeg",
			URL:      a.fileURL(bot, photo.FileID),
		})
	}
	if m.Document != nil {
		files = append(files, backend.RawFile{
			ID:       m.Document.FileID,
			Name:     m.Document.FileName,
			MimeType: m.Document.MimeType,
			URL:      a.fileURL(bot, m.Document.FileID),
		})
	}
	return backend.NormalizeAttachments(files)
}

func (a *Adapter) fileURL(bot *tgbotapi.BotAPI, fileID string) string {
	if bot == nil || strings.TrimSpace(fileID) == "" {
		return ""
	}
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("resolve file url failed", slog.String("file_id", fileID), slog.Any("error", err))
		}
		return ""
	}
	return url
}

func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// ResolveChannelName asks getChat for the chat title. Any failure yields the id.
func (a *Adapter) ResolveChannelName(ctx context.Context, id string) string {
	return a.lookupChat(ctx, id)
}

// ResolveUserName resolves a user through getChat; private chat ids equal user ids.
func (a *Adapter) ResolveUserName(ctx context.Context, id string) string {
	return a.lookupChat(ctx, id)
}

func (a *Adapter) lookupChat(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || ctx.Err() != nil {
		return id
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return id
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("get chat failed", slog.String("chat_id", id), slog.Any("error", err))
		}
		return id
	}
	return adapterutil.FirstNonEmpty(chatTitle(chat), id)
}

func parseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", raw)
	}
	return id, nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		if a.logger != nil {
			a.logger.Error("send failed", slog.String("chat_id", channelID), slog.Any("error", err))
		}
		return deliveryError("send", err)
	}
	return nil
}

func (a *Adapter) UploadFile(ctx context.Context, file backend.FileUpload) error {
	chatID, err := parseChatID(file.ChannelID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return err
	}
	data := tgbotapi.FileBytes{Name: adapterutil.FirstNonEmpty(file.Filename, "upload"), Bytes: file.Data}
	var msg tgbotapi.Chattable
	if backend.ClassifyAttachment(file.MimeType) == backend.AttachmentImage {
		msg = tgbotapi.NewPhoto(chatID, data)
	} else {
		msg = tgbotapi.NewDocument(chatID, data)
	}
	if _, err := bot.Send(msg); err != nil {
		if a.logger != nil {
			a.logger.Error("upload failed", slog.String("chat_id", file.ChannelID), slog.String("filename", data.Name), slog.Any("error", err))
		}
		return deliveryError("upload", err)
	}
	return nil
}

// deliveryError maps an ok=false Bot API response onto backend.ErrDeliveryFailed.
func deliveryError(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &backend.DeliveryError{Backend: backend.Telegram, Reason: apiErr.Message}
	}
	return fmt.Errorf("telegram %s: %w", op, err)
}
