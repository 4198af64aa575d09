package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/feed/event"
	"github.com/memohai/unifeed/internal/resolver"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func msg(bt backend.Type, id string, sec int, channelID string) backend.Message {
	return backend.Message{
		ID:        id,
		Text:      "text " + id,
		Sender:    backend.Participant{ID: "u-" + id, Backend: bt},
		Timestamp: at(sec),
		Backend:   bt,
		ChannelID: channelID,
	}
}

type fakeAdapter struct {
	kind        backend.Type
	history     []backend.Message
	historyErr  error
	channels    []backend.Channel
	channelsErr error
	names       map[string]string
	live        chan backend.Message
	sendErr     error

	mu      sync.Mutex
	sent    []string
	uploads []backend.FileUpload
}

func (a *fakeAdapter) Type() backend.Type { return a.kind }

func (a *fakeAdapter) FetchHistory(context.Context) ([]backend.Message, error) {
	return a.history, a.historyErr
}

func (a *fakeAdapter) FetchChannels(context.Context) ([]backend.Channel, error) {
	return a.channels, a.channelsErr
}

func (a *fakeAdapter) ResolveChannelName(_ context.Context, id string) string {
	if name, ok := a.names[id]; ok {
		return name
	}
	return id
}

func (a *fakeAdapter) SendMessage(_ context.Context, channelID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, channelID+":"+text)
	return a.sendErr
}

func (a *fakeAdapter) UploadFile(_ context.Context, file backend.FileUpload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, file)
	return a.sendErr
}

func (a *fakeAdapter) LiveEvents() <-chan backend.Message {
	if a.live == nil {
		return backend.NeverYield()
	}
	return a.live
}

// stuckAdapter never answers a fetch until the test ends, whatever its context.
type stuckAdapter struct {
	fakeAdapter
	release chan struct{}
}

func newStuckAdapter(t *testing.T, kind backend.Type) *stuckAdapter {
	a := &stuckAdapter{fakeAdapter: fakeAdapter{kind: kind}, release: make(chan struct{})}
	t.Cleanup(func() { close(a.release) })
	return a
}

func (a *stuckAdapter) FetchHistory(context.Context) ([]backend.Message, error) {
	<-a.release
	return nil, errors.New("released")
}

func (a *stuckAdapter) FetchChannels(context.Context) ([]backend.Channel, error) {
	<-a.release
	return nil, errors.New("released")
}

type pushAdapter struct {
	fakeAdapter
	streamErr error
	closed    bool
	connects  int
}

func (a *pushAdapter) ResolveUserName(_ context.Context, id string) string { return "name-" + id }

func (a *pushAdapter) Err() error { return a.streamErr }

func (a *pushAdapter) Connect(context.Context) error {
	a.connects++
	return nil
}

func (a *pushAdapter) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func newSession(t *testing.T, adapters ...backend.Adapter) (*Session, <-chan event.Event) {
	t.Helper()
	reg := backend.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe(256)
	t.Cleanup(cancel)
	return NewSession(slog.Default(), reg, resolver.New(slog.Default(), reg), hub), stream
}

func ids(msgs []backend.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Backend)+"/"+m.ID)
	}
	return out
}

func waitFor(t *testing.T, stream <-chan event.Event, match func(event.Event) bool) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-stream:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return event.Event{}
		}
	}
}

func TestLoadAllMergesInTimestampOrder(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{kind: backend.Slack, history: []backend.Message{
		msg(backend.Slack, "s2", 20, "C1"),
		msg(backend.Slack, "s1", 10, "C1"),
		msg(backend.Slack, "s1", 10, "C1"),
	}}
	discord := &fakeAdapter{kind: backend.Discord, history: []backend.Message{
		msg(backend.Discord, "d1", 15, "100"),
		msg(backend.Discord, "s1", 10, "100"),
	}}
	s, stream := newSession(t, slack, discord)

	require.NoError(t, s.LoadAll(context.Background()))
	assert.Equal(t, []string{"discord/s1", "slack/s1", "discord/d1", "slack/s2"}, ids(s.Messages(Filter{})))

	ev := waitFor(t, stream, func(ev event.Event) bool { return ev.Type == event.TypeLoaded })
	assert.Equal(t, 4, ev.Count)
}

func TestLoadAllIsolatesFailingBackend(t *testing.T) {
	t.Parallel()

	failing := &fakeAdapter{kind: backend.Telegram, historyErr: errors.New("boom"), channelsErr: errors.New("boom")}
	partial := &fakeAdapter{kind: backend.Discord, history: []backend.Message{msg(backend.Discord, "d1", 1, "100")}, historyErr: errors.New("one channel failed")}
	healthy := &fakeAdapter{kind: backend.Slack, history: []backend.Message{msg(backend.Slack, "s1", 2, "C1")}}
	s, _ := newSession(t, failing, partial, healthy)

	require.NoError(t, s.LoadAll(context.Background()))
	assert.Equal(t, []string{"discord/d1", "slack/s1"}, ids(s.Messages(Filter{})))
	assert.Empty(t, s.Messages(Filter{Backend: backend.Telegram}))
}

func TestLoadAllKeepsAnswersWhenABackendHangs(t *testing.T) {
	t.Parallel()

	discord := &fakeAdapter{
		kind:     backend.Discord,
		history:  []backend.Message{msg(backend.Discord, "d1", 1, "100")},
		channels: []backend.Channel{{ID: "100", Name: "general", Backend: backend.Discord}},
	}
	telegram := newStuckAdapter(t, backend.Telegram)
	s, stream := newSession(t, discord, telegram)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.LoadAll(ctx))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"discord/d1"}, ids(s.Messages(Filter{})))
	assert.Len(t, s.Channels(backend.Discord).Rooms, 1)
	assert.Empty(t, s.Channels(backend.Telegram).Rooms)
	ev := waitFor(t, stream, func(ev event.Event) bool { return ev.Type == event.TypeLoaded })
	assert.Equal(t, 1, ev.Count)
}

func TestLoadAllReportsCancellation(t *testing.T) {
	t.Parallel()

	discord := &fakeAdapter{kind: backend.Discord, history: []backend.Message{msg(backend.Discord, "d1", 1, "100")}}
	s, _ := newSession(t, discord, newStuckAdapter(t, backend.Telegram))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	assert.ErrorIs(t, s.LoadAll(ctx), context.Canceled)
	assert.Equal(t, []string{"discord/d1"}, ids(s.Messages(Filter{})))
}

func TestLoadAllKeysSlackMessagesByChannel(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{kind: backend.Slack, history: []backend.Message{
		msg(backend.Slack, "1714564800.000100", 1, "C1"),
		msg(backend.Slack, "1714564800.000100", 1, "C2"),
		msg(backend.Slack, "1714564800.000100", 1, "C1"),
	}}
	s, _ := newSession(t, slack)

	require.NoError(t, s.LoadAll(context.Background()))
	assert.Len(t, s.Messages(Filter{Backend: backend.Slack, ChannelID: "C1"}), 1)
	assert.Len(t, s.Messages(Filter{Backend: backend.Slack, ChannelID: "C2"}), 1)
}

func TestLoadAllBuildsDirectory(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{
		kind: backend.Slack,
		channels: []backend.Channel{
			{ID: "C1", Name: "general", Backend: backend.Slack},
			{ID: "D1", Name: "D1", Backend: backend.Slack, IsDirect: true},
			{ID: "C1", Name: "C1", Backend: backend.Slack},
		},
		names: map[string]string{"D1": "Bobby"},
	}
	s, _ := newSession(t, slack)

	require.NoError(t, s.LoadAll(context.Background()))
	dir := s.Channels(backend.Slack)
	require.Len(t, dir.Rooms, 1)
	require.Len(t, dir.Direct, 1)
	assert.Equal(t, "general", dir.Rooms[0].Name, "placeholder must not overwrite a real name")
	assert.Equal(t, "Bobby", dir.Direct[0].Name)
	assert.Empty(t, s.Channels(backend.Discord).Rooms)
}

func TestMessagesFilterPreservesOrder(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{kind: backend.Slack, history: []backend.Message{
		msg(backend.Slack, "a", 1, "C1"),
		msg(backend.Slack, "b", 3, "C2"),
		msg(backend.Slack, "c", 5, "C1"),
	}}
	discord := &fakeAdapter{kind: backend.Discord, history: []backend.Message{
		msg(backend.Discord, "x", 2, "C1"),
		msg(backend.Discord, "y", 4, ""),
	}}
	s, _ := newSession(t, slack, discord)
	require.NoError(t, s.LoadAll(context.Background()))

	assert.Equal(t, []string{"slack/a", "slack/b", "slack/c"}, ids(s.Messages(Filter{Backend: backend.Slack})))
	assert.Equal(t, []string{"slack/a", "slack/c"}, ids(s.Messages(Filter{Backend: backend.Slack, ChannelID: "C1"})))
	assert.Equal(t, []string{"discord/x", "discord/y"}, ids(s.Messages(Filter{Backend: backend.Discord})))
	assert.Len(t, s.Messages(Filter{}), 5)
}

func TestSelectBackendClearsChannel(t *testing.T) {
	t.Parallel()

	s, _ := newSession(t, &fakeAdapter{kind: backend.Slack}, &fakeAdapter{kind: backend.Discord})
	require.NoError(t, s.SelectBackend(backend.Slack))
	s.SelectChannel("C1")
	bt, ch := s.Selection()
	assert.Equal(t, backend.Slack, bt)
	assert.Equal(t, "C1", ch)

	require.NoError(t, s.SelectBackend(backend.Discord))
	bt, ch = s.Selection()
	assert.Equal(t, backend.Discord, bt)
	assert.Empty(t, ch)

	assert.ErrorIs(t, s.SelectBackend(backend.Telegram), ErrUnknownBackend)
}

func TestSendPreconditions(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{kind: backend.Slack}
	s, _ := newSession(t, slack)
	ctx := context.Background()

	s.SetDraft("hello")
	assert.ErrorIs(t, s.Send(ctx), ErrNoBackend)
	require.NoError(t, s.SelectBackend(backend.Slack))
	assert.ErrorIs(t, s.Send(ctx), ErrNoChannel)
	s.SelectChannel("C1")
	s.SetDraft("   ")
	assert.ErrorIs(t, s.Send(ctx), ErrEmptyDraft)
	assert.Empty(t, slack.sent)
}

func TestSendClearsDraftWithoutLocalInsert(t *testing.T) {
	t.Parallel()

	slack := &fakeAdapter{kind: backend.Slack}
	s, _ := newSession(t, slack)
	ctx := context.Background()
	require.NoError(t, s.SelectBackend(backend.Slack))
	s.SelectChannel("C1")

	s.SetDraft("hello")
	require.NoError(t, s.Send(ctx))
	assert.Equal(t, []string{"C1:hello"}, slack.sent)
	assert.Empty(t, s.Draft())
	assert.Empty(t, s.Messages(Filter{}))

	slack.sendErr = &backend.DeliveryError{Backend: backend.Slack, Reason: "channel_not_found"}
	s.SetDraft("again")
	err := s.Send(ctx)
	assert.ErrorIs(t, err, backend.ErrDeliveryFailed)
	assert.Empty(t, s.Draft(), "draft is cleared even when delivery fails")
}

func TestUploadFileDetectsMimeType(t *testing.T) {
	t.Parallel()

	discord := &fakeAdapter{kind: backend.Discord}
	s, _ := newSession(t, discord)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.ErrorIs(t, s.UploadFile(ctx, "pic.png", "", png), ErrNoBackend)
	require.NoError(t, s.SelectBackend(backend.Discord))
	s.SelectChannel("100")
	assert.ErrorIs(t, s.UploadFile(ctx, "empty.bin", "", nil), ErrEmptyFile)

	require.NoError(t, s.UploadFile(ctx, "pic.png", "", png))
	require.NoError(t, s.UploadFile(ctx, "doc.txt", "text/plain", []byte("hi")))
	require.Len(t, discord.uploads, 2)
	assert.Equal(t, "image/png", discord.uploads[0].MimeType)
	assert.Equal(t, "100", discord.uploads[0].ChannelID)
	assert.Equal(t, "text/plain", discord.uploads[1].MimeType)
}

func TestLiveMessagesInsertInOrder(t *testing.T) {
	t.Parallel()

	slack := &pushAdapter{fakeAdapter: fakeAdapter{
		kind:    backend.Slack,
		history: []backend.Message{msg(backend.Slack, "h1", 10, "C1"), msg(backend.Slack, "h2", 30, "C1")},
		names:   map[string]string{"C9": "random"},
		live:    make(chan backend.Message, 8),
	}}
	s, stream := newSession(t, slack)
	ctx := context.Background()
	require.NoError(t, s.LoadAll(ctx))
	s.Start(ctx)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	slack.live <- msg(backend.Slack, "l1", 20, "C9")
	slack.live <- msg(backend.Slack, "l2", 30, "C9")
	slack.live <- msg(backend.Slack, "h1", 10, "C1")
	slack.live <- msg(backend.Slack, "l3", 40, "C9")

	waitFor(t, stream, func(ev event.Event) bool {
		return ev.Type == event.TypeMessageInserted && ev.Message.ID == "l3"
	})
	assert.Equal(t, []string{"slack/h1", "slack/l1", "slack/h2", "slack/l2", "slack/l3"}, ids(s.Messages(Filter{})))

	ch, ok := s.Channel(backend.Slack, "C9")
	require.True(t, ok)
	assert.Equal(t, "random", ch.Name)

	live := msg(backend.Slack, "l1", 20, "C9")
	assert.Equal(t, "name-u-l1", s.SenderName(live))
}

func TestLiveMessagesFromConcurrentBackends(t *testing.T) {
	t.Parallel()

	const perBackend = 200
	slack := &pushAdapter{fakeAdapter: fakeAdapter{kind: backend.Slack, live: make(chan backend.Message)}}
	discord := &pushAdapter{fakeAdapter: fakeAdapter{kind: backend.Discord, live: make(chan backend.Message)}}
	s, _ := newSession(t, slack, discord)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	feedLive := func(a *pushAdapter, offset int) {
		for i := perBackend - 1; i >= 0; i-- {
			m := msg(a.kind, fmt.Sprintf("m%d", i), 2*i+offset, fmt.Sprintf("C%d", i%3))
			a.live <- m
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); feedLive(slack, 0) }()
	go func() { defer wg.Done(); feedLive(discord, 1) }()
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(s.Messages(Filter{})) == 2*perBackend
	}, 2*time.Second, 10*time.Millisecond)

	all := s.Messages(Filter{})
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	}))
	for _, bt := range []backend.Type{backend.Slack, backend.Discord} {
		rooms := s.Channels(bt).Rooms
		require.Len(t, rooms, 3, bt)
		seen := map[string]bool{}
		for _, ch := range rooms {
			assert.False(t, seen[ch.ID], "duplicate directory entry %s/%s", bt, ch.ID)
			seen[ch.ID] = true
		}
	}
}

func TestLivePlaceholderChannelIsAnnounced(t *testing.T) {
	t.Parallel()

	slack := &pushAdapter{fakeAdapter: fakeAdapter{
		kind:  backend.Slack,
		names: map[string]string{"C5": "ops"},
		live:  make(chan backend.Message, 1),
	}}
	s, stream := newSession(t, slack)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	slack.live <- msg(backend.Slack, "m1", 1, "C5")
	first := waitFor(t, stream, func(ev event.Event) bool { return ev.Type == event.TypeChannelUpdated })
	assert.Equal(t, "C5", first.Channel.Name)
	second := waitFor(t, stream, func(ev event.Event) bool { return ev.Type == event.TypeChannelUpdated })
	assert.Equal(t, "ops", second.Channel.Name)
}

func TestStreamClosedIsPublished(t *testing.T) {
	t.Parallel()

	slack := &pushAdapter{
		fakeAdapter: fakeAdapter{kind: backend.Slack, live: make(chan backend.Message)},
		streamErr:   errors.New("slack connection lost: eof"),
	}
	s, stream := newSession(t, slack)
	s.Start(context.Background())
	close(slack.live)

	ev := waitFor(t, stream, func(ev event.Event) bool { return ev.Type == event.TypeStreamClosed })
	assert.Equal(t, backend.Slack, ev.Backend)
	assert.Contains(t, ev.Error, "connection lost")
	require.NoError(t, s.Close(context.Background()))
}

func TestConnectAndClose(t *testing.T) {
	t.Parallel()

	slack := &pushAdapter{fakeAdapter: fakeAdapter{kind: backend.Slack, live: make(chan backend.Message)}}
	discord := &fakeAdapter{kind: backend.Discord}
	s, _ := newSession(t, slack, discord)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, slack.connects)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.True(t, slack.closed)
	assert.NotEmpty(t, s.ID())
}
