// Package event provides the in-memory hub that announces feed changes.
package event

import (
	"sync"

	"github.com/google/uuid"

	"github.com/memohai/unifeed/internal/backend"
)

const (
	// DefaultBufferSize is the default per-subscriber channel buffer.
	DefaultBufferSize = 64
)

// Type identifies the event category published by the feed hub.
type Type string

const (
	// TypeLoaded is emitted once the initial history load has been merged.
	TypeLoaded Type = "loaded"
	// TypeMessageInserted is emitted after a live message entered the feed.
	TypeMessageInserted Type = "message_inserted"
	// TypeChannelUpdated is emitted when a directory entry was created or renamed.
	TypeChannelUpdated Type = "channel_updated"
	// TypeStreamClosed is emitted when a backend's live stream ended.
	TypeStreamClosed Type = "stream_closed"
)

// Event is one feed change. Only the fields relevant to Type are set.
type Event struct {
	Type    Type             `json:"type"`
	Backend backend.Type     `json:"backend,omitempty"`
	Message *backend.Message `json:"message,omitempty"`
	Channel *backend.Channel `json:"channel,omitempty"`
	Count   int              `json:"count,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber subscribes to feed events.
type Subscriber interface {
	Subscribe(buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher for feed events.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]chan Event
}

// NewHub creates an empty feed event hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]chan Event{},
	}
}

// Publish broadcasts one event to every subscriber.
// Slow subscribers miss events instead of blocking the feed.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers one subscriber.
// It returns a stream ID, read-only event channel, and a cancel function.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if current, ok := h.streams[streamID]; ok {
				delete(h.streams, streamID)
				close(current)
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}

// Close cancels every subscription.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.streams {
		delete(h.streams, id)
		close(ch)
	}
}
