package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/adapterutil"
)

const (
	envelopeHello      = "hello"
	envelopeEventsAPI  = "events_api"
	envelopeDisconnect = "disconnect"

	eventMessage = "message"
)

// envelope is one socket-mode frame.
type envelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ackFrame struct {
	EnvelopeID string `json:"envelope_id"`
}

type eventsAPIPayload struct {
	Event messageEvent `json:"event"`
}

type messageEvent struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype,omitempty"`
	Text     string      `json:"text,omitempty"`
	User     string      `json:"user,omitempty"`
	BotID    string      `json:"bot_id,omitempty"`
	Username string      `json:"username,omitempty"`
	Channel  string      `json:"channel,omitempty"`
	TS       string      `json:"ts,omitempty"`
	EventTS  string      `json:"event_ts,omitempty"`
	Files    []fileEntry `json:"files,omitempty"`
}

type fileEntry struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	Mimetype           string `json:"mimetype,omitempty"`
	URLPrivate         string `json:"url_private,omitempty"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// messageFromEnvelope extracts the message carried by an events_api envelope.
// ok is false for envelopes that carry no message event.
func messageFromEnvelope(env envelope, receivedAt time.Time) (backend.Message, bool, error) {
	if env.Type != envelopeEventsAPI || len(env.Payload) == 0 {
		return backend.Message{}, false, nil
	}
	var payload eventsAPIPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return backend.Message{}, false, fmt.Errorf("decode events_api payload: %w", err)
	}
	if payload.Event.Type != eventMessage || !postsMessage(payload.Event) {
		return backend.Message{}, false, nil
	}
	return buildMessage(payload.Event, receivedAt), true, nil
}

// Subtypes that edit, remove or annotate an earlier message rather than post one.
var skippedSubtypes = map[string]struct{}{
	"message_changed": {},
	"message_deleted": {},
	"message_replied": {},
}

// postsMessage reports whether ev is a new message with an author or content.
func postsMessage(ev messageEvent) bool {
	if _, skip := skippedSubtypes[ev.Subtype]; skip {
		return false
	}
	hasAuthor := strings.TrimSpace(ev.User) != "" || strings.TrimSpace(ev.BotID) != ""
	hasContent := strings.TrimSpace(ev.Text) != "" || len(ev.Files) > 0
	return hasAuthor || hasContent
}

func buildMessage(ev messageEvent, receivedAt time.Time) backend.Message {
	id := adapterutil.FirstNonEmpty(ev.TS, ev.EventTS)
	ts, err := parseTimestamp(id)
	if err != nil {
		ts = receivedAt
		if id == "" {
			id = formatTimestamp(receivedAt)
		}
	}
	files := make([]backend.RawFile, 0, len(ev.Files))
	for _, f := range ev.Files {
		files = append(files, backend.RawFile{
			ID:          f.ID,
			Name:        f.Name,
			MimeType:    f.Mimetype,
			URL:         f.URLPrivate,
			DownloadURL: f.URLPrivateDownload,
		})
	}
	return backend.Message{
		ID:   id,
		Text: ev.Text,
		Sender: backend.Participant{
			ID:      adapterutil.FirstNonEmpty(ev.User, ev.BotID),
			Name:    strings.TrimSpace(ev.Username),
			Backend: backend.Slack,
		},
		Timestamp:   ts,
		Backend:     backend.Slack,
		ChannelID:   strings.TrimSpace(ev.Channel),
		Attachments: backend.NormalizeAttachments(files),
	}
}

// parseTimestamp converts a Slack ts token ("1700000000.001") to a time.
// The fractional part is read digit by digit so the token round-trips exactly.
func parseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(ts, 64)
		if ferr != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, ferr)
		}
		whole := int64(f)
		return time.Unix(whole, int64((f-float64(whole))*1e9)).UTC(), nil
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		n, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		for i := len(fracPart); i < 9; i++ {
			n *= 10
		}
		nsec = n
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
