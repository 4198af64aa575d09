// Package feed merges history and live messages from every registered backend
// into one ordered, deduplicated feed and keeps the channel directory.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/feed/event"
	"github.com/memohai/unifeed/internal/resolver"
)

const resolveConcurrency = 4

var (
	ErrNoBackend      = errors.New("no backend selected")
	ErrNoChannel      = errors.New("no channel selected")
	ErrEmptyDraft     = errors.New("draft is empty")
	ErrEmptyFile      = errors.New("file is empty")
	ErrUnknownBackend = errors.New("backend not registered")
)

// Filter narrows a message view. Zero values match everything.
type Filter struct {
	Backend   backend.Type
	ChannelID string
}

// Match reports whether m passes the filter.
func (f Filter) Match(m backend.Message) bool {
	if f.Backend != "" && m.Backend != f.Backend {
		return false
	}
	if f.ChannelID != "" && m.ChannelID != f.ChannelID {
		return false
	}
	return true
}

// Directory is the channel list of one backend split for display.
type Directory struct {
	Rooms  []backend.Channel
	Direct []backend.Channel
}

// Session owns the merged feed. Feed, directory, selection and draft share one
// mutex; name lookups happen outside of it.
type Session struct {
	id       string
	registry *backend.Registry
	resolver *resolver.Resolver
	events   event.Publisher
	logger   *slog.Logger

	mu         sync.Mutex
	messages   []backend.Message
	seen       map[backend.MessageKey]struct{}
	channels   map[backend.Key]backend.Channel
	order      []backend.Key
	selBackend backend.Type
	selChannel string
	draft      string

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewSession creates an empty session over the adapters in registry.
func NewSession(log *slog.Logger, registry *backend.Registry, names *resolver.Resolver, events event.Publisher) *Session {
	if log == nil {
		log = slog.Default()
	}
	if names == nil {
		names = resolver.New(log, registry)
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		registry: registry,
		resolver: names,
		events:   events,
		logger:   log.With(slog.String("session", id)),
		seen:     map[backend.MessageKey]struct{}{},
		channels: map[backend.Key]backend.Channel{},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) publish(ev event.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

// Connect opens the long-lived connection of every backend that has one.
func (s *Session) Connect(ctx context.Context) error {
	var errs []error
	for _, bt := range s.registry.Types() {
		connector, ok := s.registry.GetConnector(bt)
		if !ok {
			continue
		}
		if err := connector.Connect(ctx); err != nil {
			s.logger.Error("connect failed", slog.String("backend", bt.String()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", bt, err))
		}
	}
	return errors.Join(errs...)
}

type fetchResult struct {
	index    int
	messages []backend.Message
	channels []backend.Channel
}

type loadResult struct {
	messages []backend.Message
	channels []backend.Channel
}

// LoadAll fetches history and channels from every backend concurrently.
// A failing backend contributes whatever it returned; its error is only logged.
// When ctx ends first, backends that have not answered contribute nothing and
// the results that did arrive are merged anyway. Only an explicit cancellation
// of ctx is reported, after merging.
func (s *Session) LoadAll(ctx context.Context) error {
	adapters := s.registry.List()
	fetched := make(chan fetchResult, 2*len(adapters))
	for i, adapter := range adapters {
		log := s.logger.With(slog.String("backend", adapter.Type().String()))
		go func() {
			msgs, err := adapter.FetchHistory(ctx)
			if err != nil {
				log.Warn("fetch history failed", slog.Int("partial", len(msgs)), slog.Any("error", err))
			}
			fetched <- fetchResult{index: i, messages: msgs}
		}()
		go func() {
			chs, err := adapter.FetchChannels(ctx)
			if err != nil {
				log.Warn("fetch channels failed", slog.Int("partial", len(chs)), slog.Any("error", err))
			}
			fetched <- fetchResult{index: i, channels: chs}
		}()
	}

	results := make([]loadResult, len(adapters))
	pending := 2 * len(adapters)
	add := func(r fetchResult) {
		pending--
		results[r.index].messages = append(results[r.index].messages, r.messages...)
		results[r.index].channels = append(results[r.index].channels, r.channels...)
	}
collect:
	for pending > 0 {
		select {
		case r := <-fetched:
			add(r)
		case <-ctx.Done():
			// Keep whatever is already queued.
			for drained := false; !drained && pending > 0; {
				select {
				case r := <-fetched:
					add(r)
				default:
					drained = true
				}
			}
			if pending > 0 {
				s.logger.Warn("load ended before every backend answered", slog.Int("pending", pending), slog.Any("error", ctx.Err()))
			}
			break collect
		}
	}

	var loaded []backend.Message
	var channels []backend.Channel
	for _, r := range results {
		loaded = append(loaded, r.messages...)
		channels = append(channels, r.channels...)
	}

	s.mu.Lock()
	merged := append(slices.Clip(s.messages), loaded...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	deduped := make([]backend.Message, 0, len(merged))
	s.seen = make(map[backend.MessageKey]struct{}, len(merged))
	for _, m := range merged {
		if _, dup := s.seen[m.Key()]; dup {
			continue
		}
		s.seen[m.Key()] = struct{}{}
		deduped = append(deduped, m)
	}
	s.messages = deduped
	for _, ch := range channels {
		s.upsertChannelLocked(ch)
	}
	count := len(s.messages)
	placeholders := s.placeholdersLocked()
	s.mu.Unlock()

	s.logger.Info("feed loaded", slog.Int("messages", count), slog.Int("channels", len(channels)))
	if ctx.Err() == nil {
		s.resolvePlaceholders(ctx, placeholders)
	}
	s.publish(event.Event{Type: event.TypeLoaded, Count: count})
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return nil
}

func (s *Session) placeholdersLocked() []backend.Key {
	var keys []backend.Key
	for _, key := range s.order {
		if s.channels[key].HasPlaceholderName() {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Session) resolvePlaceholders(ctx context.Context, keys []backend.Key) {
	var g errgroup.Group
	g.SetLimit(resolveConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			s.applyName(key, s.resolver.ChannelName(ctx, key.Backend, key.ID))
			return nil
		})
	}
	_ = g.Wait()
}

// upsertChannelLocked adds ch or improves the name of an existing entry.
// It reports whether the directory changed.
func (s *Session) upsertChannelLocked(ch backend.Channel) bool {
	ch.Name = strings.TrimSpace(ch.Name)
	if ch.Name == "" {
		ch.Name = ch.ID
	}
	key := ch.Key()
	current, ok := s.channels[key]
	if !ok {
		s.channels[key] = ch
		s.order = append(s.order, key)
		return true
	}
	if ch.HasPlaceholderName() || current.Name == ch.Name {
		return false
	}
	current.Name = ch.Name
	current.IsDirect = current.IsDirect || ch.IsDirect
	s.channels[key] = current
	return true
}

// applyName renames a directory entry unless the name is still a placeholder.
func (s *Session) applyName(key backend.Key, name string) {
	s.mu.Lock()
	current, ok := s.channels[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := s.upsertChannelLocked(backend.Channel{ID: key.ID, Name: name, Backend: key.Backend, IsDirect: current.IsDirect})
	updated := s.channels[key]
	s.mu.Unlock()
	if changed {
		s.publish(event.Event{Type: event.TypeChannelUpdated, Backend: key.Backend, Channel: &updated})
	}
}

// Start runs one live consumer per backend until ctx ends or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, adapter := range s.registry.List() {
		s.running.Add(1)
		go s.consume(ctx, adapter)
	}
}

func (s *Session) consume(ctx context.Context, adapter backend.Adapter) {
	defer s.running.Done()
	bt := adapter.Type()
	live := adapter.LiveEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-live:
			if !ok {
				s.streamClosed(ctx, adapter)
				return
			}
			s.handleLive(ctx, bt, msg)
		}
	}
}

func (s *Session) streamClosed(ctx context.Context, adapter backend.Adapter) {
	if ctx.Err() != nil {
		return
	}
	ev := event.Event{Type: event.TypeStreamClosed, Backend: adapter.Type()}
	log := s.logger.With(slog.String("backend", adapter.Type().String()))
	if se, ok := adapter.(backend.StreamErr); ok && se.Err() != nil {
		ev.Error = se.Err().Error()
		log.Error("live stream closed", slog.Any("error", se.Err()))
	} else {
		log.Warn("live stream closed")
	}
	s.publish(ev)
}

func (s *Session) handleLive(ctx context.Context, bt backend.Type, msg backend.Message) {
	if msg.Backend == "" {
		msg.Backend = bt
	}
	if !s.insert(msg) {
		s.logger.Debug("drop duplicate", slog.String("backend", bt.String()), slog.String("message_id", msg.ID))
		return
	}
	s.publish(event.Event{Type: event.TypeMessageInserted, Backend: bt, Message: &msg})

	if msg.ChannelID != "" {
		key := backend.Key{Backend: bt, ID: msg.ChannelID}
		if placeholder, created := s.ensureChannel(key); created {
			s.publish(event.Event{Type: event.TypeChannelUpdated, Backend: bt, Channel: &placeholder})
		}
		s.applyName(key, s.resolver.ChannelName(ctx, bt, msg.ChannelID))
	}
	if _, ok := s.registry.GetUserResolver(bt); ok && msg.Sender.ID != "" {
		s.resolver.UserName(ctx, bt, msg.Sender.ID)
	}
}

// insert places msg after every message with an equal or earlier timestamp.
func (s *Session) insert(msg backend.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(msg.Timestamp)
	})
	s.messages = slices.Insert(s.messages, idx, msg)
	s.seen[key] = struct{}{}
	return true
}

func (s *Session) ensureChannel(key backend.Key) (backend.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[key]; ok {
		return ch, false
	}
	ch := backend.Channel{ID: key.ID, Name: key.ID, Backend: key.Backend}
	s.upsertChannelLocked(ch)
	return ch, true
}

// Messages returns the messages matching f in feed order.
func (s *Session) Messages(f Filter) []backend.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}

// Channels returns the directory of bt in discovery order.
func (s *Session) Channels(bt backend.Type) Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dir Directory
	for _, key := range s.order {
		if key.Backend != bt {
			continue
		}
		ch := s.channels[key]
		if ch.IsDirect {
			dir.Direct = append(dir.Direct, ch)
		} else {
			dir.Rooms = append(dir.Rooms, ch)
		}
	}
	return dir
}

// Channel returns one directory entry.
func (s *Session) Channel(bt backend.Type, id string) (backend.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[backend.Key{Backend: bt, ID: id}]
	return ch, ok
}

// SenderName returns the cached display name of the sender, falling back to
// the name carried by the message and then the id.
func (s *Session) SenderName(msg backend.Message) string {
	if name, ok := s.resolver.Cached(msg.Backend, resolver.KindUser, msg.Sender.ID); ok && name != "" {
		return name
	}
	return msg.Sender.DisplayName()
}

// SelectBackend switches the backend and clears the channel selection.
func (s *Session) SelectBackend(bt backend.Type) error {
	if _, ok := s.registry.Get(bt); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, bt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selBackend = bt
	s.selChannel = ""
	return nil
}

func (s *Session) SelectChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selChannel = strings.TrimSpace(id)
}

// Selection returns the selected backend and channel.
func (s *Session) Selection() (backend.Type, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selBackend, s.selChannel
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) target() (backend.Adapter, string, error) {
	if s.selBackend == "" {
		return nil, "", ErrNoBackend
	}
	if s.selChannel == "" {
		return nil, "", ErrNoChannel
	}
	adapter, ok := s.registry.Get(s.selBackend)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownBackend, s.selBackend)
	}
	return adapter, s.selChannel, nil
}

// Send delivers the draft to the selected channel. The draft is cleared before
// delivery and the message is not added to the feed; it shows up when the
// backend echoes it back.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	adapter, channelID, err := s.target()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	text := s.draft
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return ErrEmptyDraft
	}
	s.draft = ""
	s.mu.Unlock()

	if err := adapter.SendMessage(ctx, channelID, text); err != nil {
		return fmt.Errorf("send to %s/%s: %w", adapter.Type(), channelID, err)
	}
	return nil
}

// UploadFile delivers a file to the selected channel. A blank MIME type is
// detected from the content.
func (s *Session) UploadFile(ctx context.Context, filename, mime string, data []byte) error {
	s.mu.Lock()
	adapter, channelID, err := s.target()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmptyFile
	}
	if strings.TrimSpace(mime) == "" {
		mime = mimetype.Detect(data).String()
	}
	file := backend.FileUpload{ChannelID: channelID, Filename: filename, MimeType: mime, Data: data}
	if err := adapter.UploadFile(ctx, file); err != nil {
		return fmt.Errorf("upload to %s/%s: %w", adapter.Type(), channelID, err)
	}
	return nil
}

// Close stops the live consumers and releases adapter resources. In-flight
// sends are not awaited.
func (s *Session) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.lifeMu.Unlock()

	var errs []error
	for _, adapter := range s.registry.List() {
		closer, ok := adapter.(backend.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", adapter.Type(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
