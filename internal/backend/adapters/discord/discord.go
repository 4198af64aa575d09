// Package discord implements the Discord backend over the REST API. It has no
// live stream; history is polled on demand.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/singleflight"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/adapterutil"
)

// restSession is the subset of *discordgo.Session the adapter calls.
type restSession interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSendWithMessage(channelID, content string, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// channelListTTL bounds how long a discovered channel list is reused.
const channelListTTL = time.Minute

// Adapter is the Discord backend.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	session restSession
	live    <-chan backend.Message
	now     func() time.Time

	discovery singleflight.Group
	mu        sync.Mutex
	listed    []backend.Channel
	listErr   error
	listedAt  time.Time
}

// New builds a Discord adapter. No request is made until the first call.
func New(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger := log.With(slog.String("adapter", backend.Discord.String()))
	installLogger(logger)
	a := &Adapter{
		cfg:    cfg,
		logger: logger,
		live:   backend.NeverYield(),
		now:    time.Now,
	}
	if cfg.configured() {
		session, err := discordgo.New("Bot " + cfg.BotToken)
		if err != nil {
			logger.Error("create session failed", slog.Any("error", err))
		} else {
			a.session = session
		}
	}
	return a
}

func (a *Adapter) Type() backend.Type {
	return backend.Discord
}

func (a *Adapter) LiveEvents() <-chan backend.Message {
	return a.live
}

func (a *Adapter) ready() error {
	if a.session == nil {
		return backend.ErrNotConfigured
	}
	return nil
}

// FetchChannels lists the configured channels plus the text channels of the
// bot's guilds. Concurrent callers share one discovery and its result is
// reused for channelListTTL.
func (a *Adapter) FetchChannels(ctx context.Context) ([]backend.Channel, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if l, ok := a.cachedChannels(); ok {
		return l.channels, l.err
	}
	v, _, _ := a.discovery.Do("channels", func() (any, error) {
		// A caller that lost the race may arrive after the winner stored.
		if l, ok := a.cachedChannels(); ok {
			return l, nil
		}
		channels, err := a.discoverChannels(ctx)
		if ctx.Err() == nil {
			a.mu.Lock()
			a.listed, a.listErr, a.listedAt = channels, err, a.now()
			a.mu.Unlock()
		}
		return listing{channels: channels, err: err}, nil
	})
	l := v.(listing)
	return slices.Clone(l.channels), l.err
}

type listing struct {
	channels []backend.Channel
	err      error
}

func (a *Adapter) cachedChannels() (listing, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listedAt.IsZero() || a.now().Sub(a.listedAt) >= channelListTTL {
		return listing{}, false
	}
	return listing{channels: slices.Clone(a.listed), err: a.listErr}, true
}

func (a *Adapter) discoverChannels(ctx context.Context) ([]backend.Channel, error) {
	var (
		errs     []error
		channels []backend.Channel
		seen     = map[string]struct{}{}
	)
	add := func(ch *discordgo.Channel) {
		if ch == nil || !isTextChannel(ch.Type) {
			return
		}
		if _, ok := seen[ch.ID]; ok {
			return
		}
		seen[ch.ID] = struct{}{}
		channels = append(channels, channelFromDiscord(ch))
	}

	for _, id := range a.cfg.ChannelIDs {
		ch, err := a.session.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("discord channel %s: %w", id, err))
			continue
		}
		add(ch)
	}

	guildIDs := a.cfg.GuildIDs
	if len(guildIDs) == 0 {
		guilds, err := a.session.UserGuilds(maxGuilds, "", "", false, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("discord list guilds: %w", err))
		}
		for _, g := range guilds {
			guildIDs = append(guildIDs, g.ID)
		}
	}
	for _, gid := range guildIDs {
		list, err := a.session.GuildChannels(gid, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("discord guild %s channels: %w", gid, err))
			continue
		}
		for _, ch := range list {
			add(ch)
		}
	}
	return channels, errors.Join(errs...)
}

func isTextChannel(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews, discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return true
	default:
		return false
	}
}

func isDirect(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeDM || t == discordgo.ChannelTypeGroupDM
}

func channelFromDiscord(ch *discordgo.Channel) backend.Channel {
	return backend.Channel{
		ID:       ch.ID,
		Name:     channelName(ch),
		Backend:  backend.Discord,
		IsDirect: isDirect(ch.Type),
	}
}

func channelName(ch *discordgo.Channel) string {
	if name := strings.TrimSpace(ch.Name); name != "" {
		return name
	}
	if isDirect(ch.Type) {
		names := make([]string, 0, len(ch.Recipients))
		for _, u := range ch.Recipients {
			if u == nil {
				continue
			}
			names = append(names, u.DisplayName())
		}
		if len(names) > 0 {
			return strings.Join(names, ", ")
		}
	}
	return ch.ID
}

// FetchHistory reads the latest messages of every channel FetchChannels
// returns, up to MaxHistoryChannels channels.
func (a *Adapter) FetchHistory(ctx context.Context) ([]backend.Message, error) {
	channels, err := a.FetchChannels(ctx)
	if err != nil && len(channels) == 0 {
		return nil, err
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if len(channels) > a.cfg.MaxHistoryChannels {
		channels = channels[:a.cfg.MaxHistoryChannels]
	}
	var messages []backend.Message
	for _, ch := range channels {
		list, err := a.session.ChannelMessages(ch.ID, a.cfg.HistoryLimit, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("fetch history failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
			}
			errs = append(errs, fmt.Errorf("discord history %s: %w", ch.ID, err))
			continue
		}
		for _, m := range list {
			if m == nil {
				continue
			}
			messages = append(messages, messageFromDiscord(m))
		}
	}
	if a.logger != nil {
		a.logger.Info("history fetched", slog.Int("channels", len(channels)), slog.Int("messages", len(messages)))
	}
	return messages, errors.Join(errs...)
}

func messageFromDiscord(m *discordgo.Message) backend.Message {
	sender := backend.Participant{Backend: backend.Discord}
	if m.Author != nil {
		sender.ID = m.Author.ID
		sender.Name = m.Author.DisplayName()
		sender.AvatarURL = m.Author.AvatarURL("64")
	}
	files := make([]backend.RawFile, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		files = append(files, backend.RawFile{
			ID:          att.ID,
			Name:        att.Filename,
			MimeType:    att.ContentType,
			URL:         att.URL,
			DownloadURL: att.ProxyURL,
		})
	}
	return backend.Message{
		ID:          m.ID,
		Text:        m.Content,
		Sender:      sender,
		Timestamp:   m.Timestamp.UTC(),
		Backend:     backend.Discord,
		ChannelID:   m.ChannelID,
		Attachments: backend.NormalizeAttachments(files),
	}
}

// ResolveChannelName returns the channel name, the DM recipients, or the id.
func (a *Adapter) ResolveChannelName(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || a.ready() != nil {
		return id
	}
	ch, err := a.session.Channel(id, discordgo.WithContext(ctx))
	if err != nil || ch == nil {
		if a.logger != nil {
			a.logger.Debug("resolve channel failed", slog.String("channel_id", id), slog.Any("error", err))
		}
		return id
	}
	return channelName(ch)
}

func (a *Adapter) ResolveUserName(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || a.ready() != nil {
		return id
	}
	user, err := a.session.User(id, discordgo.WithContext(ctx))
	if err != nil || user == nil {
		return id
	}
	return adapterutil.FirstNonEmpty(user.DisplayName(), id)
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("discord send: channel id is required")
	}
	if _, err := a.session.ChannelMessageSend(channelID, truncateContent(text), discordgo.WithContext(ctx)); err != nil {
		if a.logger != nil {
			a.logger.Error("send failed", slog.String("channel_id", channelID), slog.Any("error", err))
		}
		return deliveryError("send", err)
	}
	return nil
}

func (a *Adapter) UploadFile(ctx context.Context, file backend.FileUpload) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID := strings.TrimSpace(file.ChannelID)
	if channelID == "" {
		return errors.New("discord upload: channel id is required")
	}
	name := adapterutil.FirstNonEmpty(file.Filename, "upload")
	if _, err := a.session.ChannelFileSendWithMessage(channelID, "", name, bytes.NewReader(file.Data), discordgo.WithContext(ctx)); err != nil {
		if a.logger != nil {
			a.logger.Error("upload failed", slog.String("channel_id", channelID), slog.String("filename", name), slog.Any("error", err))
		}
		return deliveryError("upload", err)
	}
	return nil
}

// deliveryError maps a REST rejection onto backend.ErrDeliveryFailed.
func deliveryError(op string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		reason := ""
		if restErr.Message != nil {
			reason = restErr.Message.Message
		}
		if reason == "" && restErr.Response != nil {
			reason = http.StatusText(restErr.Response.StatusCode)
		}
		return &backend.DeliveryError{Backend: backend.Discord, Reason: reason}
	}
	return fmt.Errorf("discord %s: %w", op, err)
}
