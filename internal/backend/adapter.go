package backend

import (
	"context"
	"errors"
)

var (
	// ErrDeliveryFailed marks a send or upload the backend answered with a not-ok response.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNotConfigured is returned by adapters that have no credentials.
	ErrNotConfigured = errors.New("backend not configured")
)

// Adapter is the uniform contract every backend implements.
//
// FetchHistory and FetchChannels are best effort: they may return a partial
// result together with an error, and callers must treat the error as local to
// the backend. ResolveChannelName never fails; on any error it returns the id.
// LiveEvents is consumed by exactly one reader; adapters without push support
// return a channel that never yields.
type Adapter interface {
	Type() Type
	FetchHistory(ctx context.Context) ([]Message, error)
	FetchChannels(ctx context.Context) ([]Channel, error)
	ResolveChannelName(ctx context.Context, id string) string
	SendMessage(ctx context.Context, channelID, text string) error
	UploadFile(ctx context.Context, file FileUpload) error
	LiveEvents() <-chan Message
}

// Connector is implemented by adapters that hold a long-lived connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// UserResolver is implemented by adapters that can look up user display names.
type UserResolver interface {
	ResolveUserName(ctx context.Context, id string) string
}

// StreamErr is implemented by adapters whose live stream can end with an error.
type StreamErr interface {
	Err() error
}

// Closer is implemented by adapters that own resources to release at teardown.
type Closer interface {
	Close(ctx context.Context) error
}

// DeliveryError wraps a wire-level rejection so that errors.Is(err, ErrDeliveryFailed) holds.
type DeliveryError struct {
	Backend Type
	Reason  string
}

func (e *DeliveryError) Error() string {
	return string(e.Backend) + " delivery failed: " + e.Reason
}

func (e *DeliveryError) Unwrap() error {
	return ErrDeliveryFailed
}

// NeverYield returns a live stream that never produces a message.
func NeverYield() <-chan Message {
	return make(chan Message)
}
