// Package slack implements the realtime Slack backend: Web API reads and
// writes through slack-go and a socket-mode client for live events.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/adapterutil"
)

const conversationsPageSize = 200

var conversationTypes = []string{"public_channel", "private_channel", "mpim", "im"}

// Adapter is the Slack backend.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	api     *slack.Client
	socket  *socketClient
	limiter *rate.Limiter
}

// Option customizes an Adapter.
type Option func(*options)

type options struct {
	httpClient *http.Client
	dial       dialFunc
}

// WithHTTPClient sets the HTTP client used for Web API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// New builds a Slack adapter. It does not connect; see Connect.
func New(log *slog.Logger, cfg Config, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	logger := log.With(slog.String("adapter", backend.Slack.String()))

	clientOpts := []slack.Option{
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionLog(sdkLogger{logger: logger}),
	}
	if cfg.APIURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(cfg.APIURL))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, slack.OptionHTTPClient(o.httpClient))
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  logger,
		api:     slack.New(cfg.BotToken, clientOpts...),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.LookupsPerMinute)), cfg.LookupsPerMinute),
	}
	a.socket = newSocketClient(logger.With(slog.String("component", "socket")), a.openConnection, o.dial, cfg.Reconnect, cfg.LiveBuffer)
	return a
}

func (a *Adapter) Type() backend.Type {
	return backend.Slack
}

func (a *Adapter) openConnection(ctx context.Context) (string, error) {
	if a.cfg.AppToken == "" {
		return "", errors.New("app token is required for socket mode")
	}
	_, url, err := a.api.StartSocketModeContext(ctx)
	if err != nil {
		return "", err
	}
	return url, nil
}

// Connect opens the socket-mode session. It is idempotent while connected.
func (a *Adapter) Connect(ctx context.Context) error {
	if !a.cfg.configured() {
		return backend.ErrNotConfigured
	}
	return a.socket.Connect(ctx)
}

// State reports the socket-mode connection state.
func (a *Adapter) State() State {
	return a.socket.State()
}

func (a *Adapter) LiveEvents() <-chan backend.Message {
	return a.socket.Messages()
}

// Err returns why the live stream ended, or nil.
func (a *Adapter) Err() error {
	return a.socket.Err()
}

func (a *Adapter) Close(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("stop")
	}
	return a.socket.Close()
}

// FetchHistory connects if needed, then reads recent messages from the first
// conversations the bot can see. Channels that fail are skipped and reported
// in the returned error.
func (a *Adapter) FetchHistory(ctx context.Context) ([]backend.Message, error) {
	if !a.cfg.configured() {
		return nil, backend.ErrNotConfigured
	}
	if err := a.socket.Connect(ctx); err != nil {
		return nil, err
	}
	channels, err := a.listConversations(ctx, a.cfg.MaxHistoryChannels)
	if err != nil && len(channels) == 0 {
		return nil, fmt.Errorf("slack list conversations: %w", err)
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	messages := make([]backend.Message, 0, len(channels)*a.cfg.HistoryLimit)
	for _, ch := range channels {
		resp, err := a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: ch.ID,
			Limit:     a.cfg.HistoryLimit,
		})
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("fetch history failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
			}
			errs = append(errs, fmt.Errorf("slack history %s: %w", ch.ID, err))
			continue
		}
		for _, m := range resp.Messages {
			messages = append(messages, historyMessage(ch.ID, m, time.Now()))
		}
	}
	if a.logger != nil {
		a.logger.Info("history fetched", slog.Int("channels", len(channels)), slog.Int("messages", len(messages)))
	}
	return messages, errors.Join(errs...)
}

func historyMessage(channelID string, m slack.Message, receivedAt time.Time) backend.Message {
	files := make([]fileEntry, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, fileEntry{
			ID:                 f.ID,
			Name:               f.Name,
			Mimetype:           f.Mimetype,
			URLPrivate:         f.URLPrivate,
			URLPrivateDownload: f.URLPrivateDownload,
		})
	}
	return buildMessage(messageEvent{
		Type:     eventMessage,
		Subtype:  m.SubType,
		Text:     m.Text,
		User:     m.User,
		BotID:    m.BotID,
		Username: m.Username,
		Channel:  channelID,
		TS:       m.Timestamp,
		Files:    files,
	}, receivedAt)
}

func (a *Adapter) FetchChannels(ctx context.Context) ([]backend.Channel, error) {
	if !a.cfg.configured() {
		return nil, backend.ErrNotConfigured
	}
	convs, err := a.listConversations(ctx, 0)
	channels := make([]backend.Channel, 0, len(convs))
	for _, c := range convs {
		channels = append(channels, channelFromConversation(c))
	}
	if err != nil {
		return channels, fmt.Errorf("slack list conversations: %w", err)
	}
	return channels, nil
}

func channelFromConversation(c slack.Channel) backend.Channel {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.ID
	}
	return backend.Channel{
		ID:       c.ID,
		Name:     name,
		Backend:  backend.Slack,
		IsDirect: c.IsIM || c.IsMpIM,
	}
}

// listConversations pages through conversations.list. limit <= 0 means all.
func (a *Adapter) listConversations(ctx context.Context, limit int) ([]slack.Channel, error) {
	var (
		out    []slack.Channel
		cursor string
	)
	for {
		page, next, err := a.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           conversationsPageSize,
			Types:           conversationTypes,
		})
		if err != nil {
			return out, err
		}
		out = append(out, page...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// ResolveChannelName looks a channel up via conversations.info. Direct
// conversations are named after the peer. Any failure yields the id.
func (a *Adapter) ResolveChannelName(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !a.cfg.configured() {
		return id
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return id
	}
	ch, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("resolve channel failed", slog.String("channel_id", id), slog.Any("error", err))
		}
		return id
	}
	if ch.IsIM && ch.User != "" {
		return a.ResolveUserName(ctx, ch.User)
	}
	return adapterutil.FirstNonEmpty(ch.Name, id)
}

// ResolveUserName returns the user's display name, or the id on failure.
func (a *Adapter) ResolveUserName(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !a.cfg.configured() {
		return id
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return id
	}
	user, err := a.api.GetUserInfoContext(ctx, id)
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("resolve user failed", slog.String("user_id", id), slog.Any("error", err))
		}
		return id
	}
	return adapterutil.FirstNonEmpty(user.Profile.DisplayName, user.Profile.RealName, user.RealName, user.Name, id)
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	if !a.cfg.configured() {
		return backend.ErrNotConfigured
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("slack send: channel id is required")
	}
	if _, _, err := a.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		if a.logger != nil {
			a.logger.Error("send failed", slog.String("channel_id", channelID), slog.Any("error", err))
		}
		return deliveryError("send", err)
	}
	if a.logger != nil {
		a.logger.Info("sent", slog.String("channel_id", channelID), slog.String("text", adapterutil.SummarizeText(text)))
	}
	return nil
}

func (a *Adapter) UploadFile(ctx context.Context, file backend.FileUpload) error {
	if !a.cfg.configured() {
		return backend.ErrNotConfigured
	}
	channelID := strings.TrimSpace(file.ChannelID)
	if channelID == "" {
		return errors.New("slack upload: channel id is required")
	}
	if len(file.Data) == 0 {
		return errors.New("slack upload: file is empty")
	}
	_, err := a.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:   bytes.NewReader(file.Data),
		FileSize: len(file.Data),
		Filename: file.Filename,
		Title:    file.Filename,
		Channel:  channelID,
	})
	if err != nil {
		if a.logger != nil {
			a.logger.Error("upload failed", slog.String("channel_id", channelID), slog.String("filename", file.Filename), slog.Any("error", err))
		}
		return deliveryError("upload", err)
	}
	return nil
}

// deliveryError maps an ok=false Web API response onto backend.ErrDeliveryFailed.
func deliveryError(op string, err error) error {
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return &backend.DeliveryError{Backend: backend.Slack, Reason: apiErr.Err}
	}
	return fmt.Errorf("slack %s: %w", op, err)
}

// sdkLogger routes slack-go's internal logging through slog.
type sdkLogger struct {
	logger *slog.Logger
}

func (l sdkLogger) Output(_ int, s string) error {
	if l.logger != nil {
		l.logger.Debug("slack sdk", slog.String("detail", strings.TrimSpace(s)))
	}
	return nil
}
