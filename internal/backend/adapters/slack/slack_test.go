package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memohai/unifeed/internal/backend"
)

type fakeSlack struct {
	srv           *httptest.Server
	acks          chan string
	frames        []string
	postReply     atomic.Value
	completeReply atomic.Value
	uploaded      chan string
	completed     chan url.Values
}

func newFakeSlack(t *testing.T, frames ...string) *fakeSlack {
	t.Helper()
	fs := &fakeSlack{
		acks:   make(chan string, 8),
		frames: frames,
	}
	fs.postReply.Store(`{"ok":true,"channel":"C1","ts":"1700000100.000100"}`)
	fs.completeReply.Store(`{"ok":true,"files":[{"id":"F1","title":"notes.txt"}]}`)
	fs.uploaded = make(chan string, 4)
	fs.completed = make(chan url.Values, 4)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/apps.connections.open", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer xapp-test" {
			http.Error(w, "bad token "+got, http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
		fmt.Fprintf(w, `{"ok":true,"url":%q}`, wsURL)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range fs.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.acks <- string(data)
		}
	})
	mux.HandleFunc("/api/conversations.list", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":true,"channels":[{"id":"C1","name":"general","is_channel":true},{"id":"D1","is_im":true,"user":"U7"}],"response_metadata":{"next_cursor":""}}`)
	})
	mux.HandleFunc("/api/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Form.Get("channel") {
		case "C1":
			fmt.Fprint(w, `{"ok":true,"messages":[{"type":"message","user":"U1","text":"old","ts":"1699999999.000100"}]}`)
		default:
			fmt.Fprint(w, `{"ok":false,"error":"not_in_channel"}`)
		}
	})
	mux.HandleFunc("/api/conversations.info", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Form.Get("channel") {
		case "C1":
			fmt.Fprint(w, `{"ok":true,"channel":{"id":"C1","name":"general"}}`)
		case "D1":
			fmt.Fprint(w, `{"ok":true,"channel":{"id":"D1","is_im":true,"user":"U7"}}`)
		default:
			fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
		}
	})
	mux.HandleFunc("/api/users.info", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("user") != "U7" {
			fmt.Fprint(w, `{"ok":false,"error":"user_not_found"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"user":{"id":"U7","name":"bob","profile":{"display_name":"Bobby"}}}`)
	})
	mux.HandleFunc("/api/chat.postMessage", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, fs.postReply.Load().(string))
	})
	mux.HandleFunc("/api/files.getUploadURLExternal", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("filename") == "" || r.Form.Get("length") == "0" {
			fmt.Fprint(w, `{"ok":false,"error":"invalid_arguments"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"upload_url":%q,"file_id":"F1"}`, fs.srv.URL+"/upload/F1")
	})
	mux.HandleFunc("/upload/F1", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		fs.uploaded <- string(data)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/api/files.completeUploadExternal", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fs.completed <- r.Form
		fmt.Fprint(w, fs.completeReply.Load().(string))
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeSlack) adapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.BotToken == "" {
		cfg.BotToken = "xoxb-test"
	}
	if cfg.AppToken == "" {
		cfg.AppToken = "xapp-test"
	}
	cfg.APIURL = fs.srv.URL + "/api/"
	a := New(slog.Default(), cfg, WithHTTPClient(fs.srv.Client()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestAdapterLiveEventEndToEnd(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t,
		`{"type":"hello"}`,
		`{"envelope_id":"E1","type":"events_api","payload":{"event":{"type":"message","user":"U42","ts":"1700000000.001","text":"hi","channel":"C1"}}}`,
	)
	a := fs.adapter(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.State() != StateConnected {
		t.Fatalf("expected connected, got %s", a.State())
	}

	select {
	case msg := <-a.LiveEvents():
		if msg.ID != "1700000000.001" || msg.Text != "hi" || msg.Sender.ID != "U42" || msg.Backend != backend.Slack {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if !msg.Timestamp.Equal(time.Unix(1700000000, 1_000_000)) {
			t.Fatalf("unexpected timestamp: %v", msg.Timestamp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live message")
	}

	select {
	case ack := <-fs.acks:
		if ack != `{"envelope_id":"E1"}` {
			t.Fatalf("unexpected ack: %s", ack)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for ack")
	}
	select {
	case extra := <-fs.acks:
		t.Fatalf("unexpected extra frame: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapterFetchHistoryPartial(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{})

	msgs, err := a.FetchHistory(context.Background())
	if err == nil || !strings.Contains(err.Error(), "D1") {
		t.Fatalf("expected error for failed channel, got %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0].ChannelID != "C1" || msgs[0].ID != "1699999999.000100" || msgs[0].Text != "old" {
		t.Fatalf("unexpected history message: %+v", msgs[0])
	}
}

func TestAdapterFetchHistoryRequiresConnection(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{AppToken: "xapp-wrong"})
	if _, err := a.FetchHistory(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestAdapterFetchChannels(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{})
	channels, err := a.FetchChannels(context.Background())
	if err != nil {
		t.Fatalf("fetch channels: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}
	if channels[0].Name != "general" || channels[0].IsDirect {
		t.Fatalf("unexpected room: %+v", channels[0])
	}
	if channels[1].Name != "D1" || !channels[1].IsDirect || !channels[1].HasPlaceholderName() {
		t.Fatalf("unexpected direct: %+v", channels[1])
	}
}

func TestAdapterResolveChannelName(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{})
	ctx := context.Background()

	if got := a.ResolveChannelName(ctx, "C1"); got != "general" {
		t.Fatalf("expected general, got %q", got)
	}
	if got := a.ResolveChannelName(ctx, "D1"); got != "Bobby" {
		t.Fatalf("expected peer name, got %q", got)
	}
	if got := a.ResolveChannelName(ctx, "CX"); got != "CX" {
		t.Fatalf("expected id fallback, got %q", got)
	}
	if got := a.ResolveUserName(ctx, "U404"); got != "U404" {
		t.Fatalf("expected id fallback, got %q", got)
	}
}

func TestAdapterSendMessage(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{})
	if err := a.SendMessage(context.Background(), "C1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	fs.postReply.Store(`{"ok":false,"error":"channel_not_found"}`)
	err := a.SendMessage(context.Background(), "C1", "hello")
	if !errors.Is(err, backend.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	var de *backend.DeliveryError
	if !errors.As(err, &de) || de.Reason != "channel_not_found" {
		t.Fatalf("unexpected delivery error: %#v", err)
	}
}

func TestAdapterUploadFile(t *testing.T) {
	t.Parallel()

	fs := newFakeSlack(t)
	a := fs.adapter(t, Config{})
	err := a.UploadFile(context.Background(), backend.FileUpload{
		ChannelID: "C1",
		Filename:  "notes.txt",
		MimeType:  "text/plain",
		Data:      []byte("meeting notes"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := <-fs.uploaded; got != "meeting notes" {
		t.Fatalf("unexpected upload body %q", got)
	}
	form := <-fs.completed
	if form.Get("channel_id") != "C1" || !strings.Contains(form.Get("files"), `"F1"`) {
		t.Fatalf("unexpected completion form: %v", form)
	}

	fs.completeReply.Store(`{"ok":false,"error":"not_in_channel"}`)
	err = a.UploadFile(context.Background(), backend.FileUpload{ChannelID: "C1", Filename: "notes.txt", Data: []byte("again")})
	if !errors.Is(err, backend.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	var de *backend.DeliveryError
	if !errors.As(err, &de) || de.Reason != "not_in_channel" {
		t.Fatalf("unexpected delivery error: %#v", err)
	}

	if err := a.UploadFile(context.Background(), backend.FileUpload{ChannelID: "C1", Filename: "empty.txt"}); err == nil {
		t.Fatal("expected an error for an empty file")
	}
}

func TestAdapterNotConfigured(t *testing.T) {
	t.Parallel()

	a := New(slog.Default(), Config{})
	ctx := context.Background()
	if _, err := a.FetchHistory(ctx); !errors.Is(err, backend.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if err := a.SendMessage(ctx, "C1", "x"); !errors.Is(err, backend.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if got := a.ResolveChannelName(ctx, "C1"); got != "C1" {
		t.Fatalf("expected id, got %q", got)
	}
	_ = a.Close(ctx)
}
