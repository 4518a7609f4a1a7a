package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/transport"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

const maxBackoff = 30 * time.Second

var (
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
	errDialExhausted = errors.New("dial attempts exhausted")
)

// ClientConfig configures a relay connection.
type ClientConfig struct {
	URL            string
	Key            string
	Name           string
	ReconnectDelay time.Duration
	MaxAttempts    int
	WriteTimeout   time.Duration
	// PingInterval and DisconnectTimeout detect a relay that stopped
	// answering. Zero values use the relay defaults.
	PingInterval      time.Duration
	DisconnectTimeout time.Duration
}

// Client is a peer's connection to the relay. A single write goroutine owns
// writes; the read goroutine pushes everything it receives into the inbox.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan frame
	done   chan struct{}
	closed bool

	inbox *transport.Inbox
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to the relay, retrying with exponential backoff starting at
// cfg.ReconnectDelay for up to cfg.MaxAttempts attempts.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeWait
	}
	cfg.PingInterval, cfg.DisconnectTimeout = liveness(cfg.PingInterval, cfg.DisconnectTimeout)

	c := &Client{
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan frame, sendChSize),
		done:   make(chan struct{}),
		inbox:  transport.NewInbox(),
	}

	backoff := cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.conn = conn
			go c.writeLoop()
			go c.readLoop()
			logger.Info("Connected to relay", "url", cfg.URL, "attempt", attempt)
			return c, nil
		}
		lastErr = err
		logger.Warn("Relay dial failed", "attempt", attempt, "maxAttempts", cfg.MaxAttempts, "error", err)

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %w", errDialExhausted, lastErr)
}

// dialOnce performs a single WebSocket dial with the key and name query params.
func (c *Client) dialOnce(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	if c.cfg.Key != "" {
		q.Set("key", c.cfg.Key)
	}
	if c.cfg.Name != "" {
		q.Set("name", c.cfg.Name)
	}
	u.RawQuery = q.Encode()

	conn, _, err := ws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// Broadcast queues a turn packet for the relay.
func (c *Client) Broadcast(data []byte) error {
	f := frame{kind: ws.BinaryMessage, data: append([]byte(nil), data...)}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Poll drains the events received since the last call.
func (c *Client) Poll() []dispatcher.Event {
	return c.inbox.Drain()
}

// Ready is signalled when new events arrive.
func (c *Client) Ready() <-chan struct{} {
	return c.inbox.Ready()
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			conn := c.current()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.lost(fmt.Errorf("ping: %w", err))
				return
			}
		case f := <-c.sendCh:
			conn := c.current()
			if conn == nil {
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.lost(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := conn.WriteMessage(f.kind, f.data); err != nil {
				c.lost(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Client) current() *ws.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) readLoop() {
	conn := c.current()
	if conn == nil {
		return
	}

	keepAlive(conn, c.cfg.DisconnectTimeout)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DisconnectTimeout))

		now := time.Now()
		if kind == ws.BinaryMessage {
			sender, err := protocol.PeekSender(data)
			if err != nil {
				c.logger.Warn("Dropping short turn packet", "bytes", len(data))
				continue
			}
			c.inbox.Push(dispatcher.Event{Type: transport.TypeTurn, Slot: sender, Payload: data, Received: now})
			continue
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logger.Debug("Non-envelope message received", "raw", string(data))
			continue
		}
		c.inbox.Push(dispatcher.Event{Type: env.Type, Slot: slotOf(env), Payload: env.Payload, Received: now})
	}
}

// lost reports an unexpected end of the connection to the inbox once.
// Lockstep sessions do not survive a reconnect, the relay has already
// released the slot.
func (c *Client) lost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	reason := err.Error()
	var ce *ws.CloseError
	if errors.As(err, &ce) && ce.Text != "" {
		reason = ce.Text
	}
	c.logger.Warn("Relay connection lost", "error", err)
	c.inbox.Push(dispatcher.Event{Type: transport.TypeDisconnected, Payload: []byte(reason), Received: time.Now()})
}

// Close sends a WebSocket close frame and shuts down all goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		return conn.Close()
	}
	return nil
}

func slotOf(env protocol.Envelope) int32 {
	var s struct {
		Slot int32 `json:"slot"`
	}
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return 0
	}
	return s.Slot
}
