package backend

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the chat backend a value originated from.
type Type string

const (
	Slack    Type = "slack"
	Discord  Type = "discord"
	Telegram Type = "telegram"
)

// Types lists every supported backend in display order.
func Types() []Type {
	return []Type{Slack, Discord, Telegram}
}

func (t Type) String() string {
	return string(t)
}

// ParseType validates and normalizes a raw backend name.
func ParseType(raw string) (Type, error) {
	normalized := normalizeType(raw)
	for _, t := range Types() {
		if t == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported backend: %s", raw)
}

func normalizeType(raw string) Type {
	return Type(strings.TrimSpace(strings.ToLower(raw)))
}

// Key is the identity of a backend-scoped object.
type Key struct {
	Backend Type
	ID      string
}

func (k Key) String() string {
	return string(k.Backend) + ":" + k.ID
}

type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Backend   Type   `json:"backend"`
}

// DisplayName falls back to the id when no name was observed.
func (p Participant) DisplayName() string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	return p.ID
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

type Attachment struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Kind        AttachmentKind `json:"kind"`
	Name        string         `json:"name,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`
}

// Message is an immutable, normalized chat message.
type Message struct {
	ID          string       `json:"id"`
	Text        string       `json:"text,omitempty"`
	Sender      Participant  `json:"sender"`
	Timestamp   time.Time    `json:"timestamp"`
	Backend     Type         `json:"backend"`
	ChannelID   string       `json:"channel_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageKey identifies a message. Slack ts tokens are only unique within a
// conversation, so the channel is part of the identity.
type MessageKey struct {
	Backend   Type
	ChannelID string
	ID        string
}

func (m Message) Key() MessageKey {
	return MessageKey{Backend: m.Backend, ChannelID: m.ChannelID, ID: m.ID}
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Backend  Type   `json:"backend"`
	IsDirect bool   `json:"is_direct"`
}

func (c Channel) Key() Key {
	return Key{Backend: c.Backend, ID: c.ID}
}

// HasPlaceholderName reports whether the name is still the raw id.
func (c Channel) HasPlaceholderName() bool {
	name := strings.TrimSpace(c.Name)
	return name == "" || name == c.ID
}

// FileUpload describes a file to deliver to a channel.
type FileUpload struct {
	ChannelID string
	Filename  string
	MimeType  string
	Data      []byte
}
