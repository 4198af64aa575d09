package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/memohai/unifeed/internal/backend"
	"github.com/memohai/unifeed/internal/backend/adapters/adapterutil"
)

var (
	// ErrConnect wraps every failure to establish the socket-mode session.
	ErrConnect = errors.New("slack connect failed")
	// ErrConnectionLost is the terminal error of a live stream that dropped.
	ErrConnectionLost = errors.New("slack connection lost")
	// ErrClosed is returned after the client was closed or its stream ended.
	ErrClosed = errors.New("slack client closed")
)

// State is the socket-mode connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// endpointOpener obtains the short-lived socket URL (apps.connections.open).
type endpointOpener func(ctx context.Context) (string, error)

// wsConn is the subset of *websocket.Conn the read loop uses.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// socketClient runs the socket-mode protocol: it opens a session, keeps one
// read loop per connection, acknowledges envelopes and pushes decoded
// messages into sink.
type socketClient struct {
	open      endpointOpener
	dial      dialFunc
	logger    *slog.Logger
	reconnect ReconnectConfig
	now       func() time.Time

	sink      chan backend.Message
	sinkOnce  sync.Once
	lifetime  context.Context
	cancel    context.CancelFunc
	state     atomic.Int32
	writeMu   sync.Mutex
	connectMu sync.Mutex
	mu        sync.Mutex
	conn      wsConn
	running   bool
	closed    bool
	streamErr error
}

func newSocketClient(log *slog.Logger, open endpointOpener, dial dialFunc, reconnect ReconnectConfig, buffer int) *socketClient {
	if log == nil {
		log = slog.Default()
	}
	if dial == nil {
		dial = gorillaDial
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &socketClient{
		open:      open,
		dial:      dial,
		logger:    log,
		reconnect: reconnect,
		now:       time.Now,
		sink:      make(chan backend.Message, buffer),
		lifetime:  lifetime,
		cancel:    cancel,
	}
}

func (c *socketClient) State() State {
	return State(c.state.Load())
}

func (c *socketClient) Messages() <-chan backend.Message {
	return c.sink
}

// Err returns the terminal error of the live stream, if it ended.
func (c *socketClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamErr
}

// Connect opens a socket-mode session unless one is already up. Failures
// leave the client disconnected and are not retried here. The handshake runs
// without holding the client lock, so Close can abort it.
func (c *socketClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if err := c.closedErrLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateConnecting))
	c.mu.Unlock()
	c.logger.Info("connecting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	conn, err := c.handshake(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if closedErr := c.closedErrLocked(); closedErr != nil {
		if conn != nil {
			_ = conn.Close()
		}
		c.state.Store(int32(StateDisconnected))
		return closedErr
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	c.conn = conn
	c.running = true
	c.state.Store(int32(StateConnected))
	c.logger.Info("connected")
	go c.readLoop(conn)
	return nil
}

func (c *socketClient) handshake(ctx context.Context) (wsConn, error) {
	url, err := c.open(ctx)
	if err == nil && strings.TrimSpace(url) == "" {
		err = errors.New("apps.connections.open returned no url")
	}
	if err != nil {
		c.logger.Error("open connection failed", slog.Any("error", err))
		return nil, err
	}
	conn, err := c.dial(ctx, url)
	if err != nil {
		c.logger.Error("dial failed", slog.Any("error", err))
		return nil, err
	}
	return conn, nil
}

func (c *socketClient) closedErrLocked() error {
	if !c.closed {
		return nil
	}
	if c.streamErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, c.streamErr)
	}
	return ErrClosed
}

// Close tears the client down. In-flight acks are not awaited.
func (c *socketClient) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	running := c.running
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !running {
		c.closeSink()
	}
	return err
}

func (c *socketClient) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleLoss(conn, err)
			return
		}
		c.handleFrame(conn, data)
	}
}

// handleFrame processes one frame inline: the ack goes out before the payload
// is handed to the sink, and before the next frame is read.
func (c *socketClient) handleFrame(conn wsConn, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		c.logger.Warn("drop malformed frame", slog.Any("error", err), slog.String("frame", adapterutil.SummarizeText(string(data))))
		return
	}
	if id := strings.TrimSpace(env.EnvelopeID); id != "" {
		c.ack(conn, id)
	}
	switch env.Type {
	case envelopeHello:
		c.logger.Debug("hello received")
	case envelopeDisconnect:
		c.logger.Info("server requested disconnect", slog.String("reason", env.Reason))
		_ = conn.Close()
	case envelopeEventsAPI:
		msg, ok, err := messageFromEnvelope(env, c.now())
		if err != nil {
			c.logger.Warn("drop malformed event", slog.String("envelope_id", env.EnvelopeID), slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		c.logger.Info("inbound received", adapterutil.MessageAttrs(msg)...)
		select {
		case c.sink <- msg:
		case <-c.lifetime.Done():
		}
	default:
		c.logger.Debug("ignore envelope", slog.String("type", env.Type))
	}
}

func (c *socketClient) ack(conn wsConn, envelopeID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(defaultWriteTimeout))
	if err := conn.WriteJSON(ackFrame{EnvelopeID: envelopeID}); err != nil {
		c.logger.Warn("ack failed", slog.String("envelope_id", envelopeID), slog.Any("error", err))
	}
}

func (c *socketClient) handleLoss(conn wsConn, cause error) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state.Store(int32(StateDisconnected))
	}
	closing := c.closed
	c.mu.Unlock()

	if closing || c.lifetime.Err() != nil {
		c.finish(nil)
		return
	}
	c.logger.Error("connection lost", slog.Any("error", cause))
	if !c.reconnect.Enabled {
		c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
		return
	}
	if err := c.reconnectWithBackoff(); err != nil {
		if c.lifetime.Err() != nil {
			c.finish(nil)
			return
		}
		c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
}

// reconnectWithBackoff resumes live events going forward; missed history is not replayed.
func (c *socketClient) reconnectWithBackoff() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.reconnect.InitialInterval
	policy.MaxInterval = c.reconnect.MaxInterval
	_, err := backoff.Retry(c.lifetime, func() (struct{}, error) {
		err := c.Connect(c.lifetime)
		if errors.Is(err, ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.reconnect.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("reconnect retry", slog.Duration("next", next), slog.Any("error", err))
		}),
	)
	if err != nil {
		return err
	}
	c.logger.Info("reconnected")
	return nil
}

// finish ends the live stream. It runs on the last read loop only.
func (c *socketClient) finish(err error) {
	c.mu.Lock()
	c.running = false
	if err != nil && c.streamErr == nil {
		c.streamErr = err
	}
	c.closed = true
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("live stream ended", slog.Any("error", err))
	}
	c.closeSink()
}

func (c *socketClient) closeSink() {
	c.sinkOnce.Do(func() {
		close(c.sink)
	})
}
