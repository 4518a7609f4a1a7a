// Package websocket carries lockstep traffic over WebSocket connections: a
// relay that assigns slots and forwards turn packets, and the peer client.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/OCAP2/lockstep/pkg/protocol"
)

const (
	sendChSize = 4096
	writeWait  = 10 * time.Second

	defaultPingInterval      = time.Second
	defaultDisconnectTimeout = 5 * time.Second
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Players      int
	Key          string
	WriteTimeout time.Duration
	// PingInterval is how often peers are pinged. A peer that sends nothing,
	// not even a pong, for DisconnectTimeout is dropped.
	PingInterval      time.Duration
	DisconnectTimeout time.Duration
}

type frame struct {
	kind int
	data []byte
}

type member struct {
	slot   int32
	name   string
	conn   *ws.Conn
	sendCh chan frame
	done   chan struct{}
	once   sync.Once
}

func (m *member) stop() {
	m.once.Do(func() {
		close(m.done)
		_ = m.conn.Close()
	})
}

// Relay hosts one session at a time. Peers get the first free slot, turn
// packets are forwarded to everybody but the sender, and the session starts
// once every slot is taken.
type Relay struct {
	cfg      RelayConfig
	upgrader ws.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	members []*member
	started bool
	session string
}

// NewRelay creates a relay for cfg.Players peers.
func NewRelay(cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeWait
	}
	cfg.PingInterval, cfg.DisconnectTimeout = liveness(cfg.PingInterval, cfg.DisconnectTimeout)
	return &Relay{
		cfg: cfg,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		members: make([]*member, cfg.Players),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if r.cfg.Key != "" && q.Get("key") != r.cfg.Key {
		http.Error(w, "invalid connection key", http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	m, reason := r.join(conn, q.Get("name"))
	if m == nil {
		r.logger.Info("Refused peer", "remote", req.RemoteAddr, "reason", reason)
		_ = conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.ClosePolicyViolation, reason),
			time.Now().Add(r.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	go r.writeLoop(m)
	r.readLoop(m)
	r.leave(m)
}

func (r *Relay) join(conn *ws.Conn, name string) (*member, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil, "session in progress"
	}
	idx := -1
	for i, m := range r.members {
		if m == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, "lobby full"
	}

	m := &member{
		slot:   int32(idx + 1),
		name:   name,
		conn:   conn,
		sendCh: make(chan frame, sendChSize),
		done:   make(chan struct{}),
	}
	r.members[idx] = m
	r.logger.Info("Peer joined", "slot", m.slot, "name", name, "remote", conn.RemoteAddr().String())

	r.sendControlLocked(m, protocol.TypeWelcome, protocol.WelcomePayload{Slot: m.slot, Players: int32(r.cfg.Players)})
	for _, other := range r.members {
		if other == nil || other == m {
			continue
		}
		r.sendControlLocked(m, protocol.TypePlayerEnter, protocol.PlayerEnterPayload{Slot: other.slot, Name: other.name})
		r.sendControlLocked(other, protocol.TypePlayerEnter, protocol.PlayerEnterPayload{Slot: m.slot, Name: m.name})
	}

	if r.countLocked() == r.cfg.Players {
		r.started = true
		r.session = uuid.NewString()
		r.logger.Info("Session started", "session", r.session, "players", r.cfg.Players)
		for _, other := range r.members {
			r.sendControlLocked(other, protocol.TypeStart, protocol.StartPayload{Players: int32(r.cfg.Players), Session: r.session})
		}
	}
	return m, ""
}

func (r *Relay) leave(m *member) {
	m.stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(m.slot) - 1
	if r.members[idx] != m {
		return
	}
	r.members[idx] = nil
	r.logger.Info("Peer left", "slot", m.slot, "session", r.session)

	for _, other := range r.members {
		if other != nil {
			r.sendControlLocked(other, protocol.TypePlayerLeave, protocol.PlayerLeavePayload{Slot: m.slot})
		}
	}

	if r.countLocked() == 0 && r.started {
		r.logger.Info("Session ended", "session", r.session)
		r.started = false
		r.session = ""
	}
}

func (r *Relay) readLoop(m *member) {
	keepAlive(m.conn, r.cfg.DisconnectTimeout)
	for {
		kind, data, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
			default:
				r.logger.Info("WebSocket read ended", "slot", m.slot, "error", err)
			}
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(r.cfg.DisconnectTimeout))

		if kind != ws.BinaryMessage {
			r.logger.Debug("Ignoring text frame from peer", "slot", m.slot)
			continue
		}
		sender, err := protocol.PeekSender(data)
		if err != nil || sender != m.slot {
			r.logger.Warn("Dropping turn packet with foreign sender", "slot", m.slot, "sender", sender)
			continue
		}
		r.forward(m, frame{kind: ws.BinaryMessage, data: data})
	}
}

func (r *Relay) forward(from *member, f frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.members {
		if other != nil && other != from {
			r.enqueueLocked(other, f)
		}
	}
}

func (r *Relay) writeLoop(m *member) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
				r.logger.Warn("WebSocket ping error", "slot", m.slot, "error", err)
				m.stop()
				return
			}
		case f := <-m.sendCh:
			if err := m.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
				r.logger.Warn("WebSocket SetWriteDeadline error", "slot", m.slot, "error", err)
				m.stop()
				return
			}
			if err := m.conn.WriteMessage(f.kind, f.data); err != nil {
				r.logger.Warn("WebSocket write error", "slot", m.slot, "error", err)
				m.stop()
				return
			}
		}
	}
}

func (r *Relay) sendControlLocked(m *member, msgType string, payload any) {
	data, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		r.logger.Error("Failed to encode control message", "type", msgType, "error", err)
		return
	}
	r.enqueueLocked(m, frame{kind: ws.TextMessage, data: data})
}

// enqueueLocked hands f to the member's write loop. A member that cannot keep
// up is disconnected rather than silently missing a turn.
func (r *Relay) enqueueLocked(m *member, f frame) {
	select {
	case m.sendCh <- f:
	default:
		r.logger.Warn("Send queue full, disconnecting peer", "slot", m.slot)
		m.stop()
	}
}

func (r *Relay) countLocked() int {
	n := 0
	for _, m := range r.members {
		if m != nil {
			n++
		}
	}
	return n
}

// Peers returns the number of connected peers.
func (r *Relay) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Started reports whether a session is running.
func (r *Relay) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Session returns the id of the running session, empty in the lobby.
func (r *Relay) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Close disconnects every peer.
func (r *Relay) Close() {
	r.mu.Lock()
	members := append([]*member(nil), r.members...)
	r.mu.Unlock()
	for _, m := range members {
		if m != nil {
			m.stop()
		}
	}
}

// Serve listens on addr until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", r)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"peers":   r.Peers(),
			"players": r.cfg.Players,
			"started": r.Started(),
			"session": r.Session(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		r.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	r.logger.Info("Relay listening", "addr", addr, "players", r.cfg.Players)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// liveness fills in default ping and timeout values. The timeout is kept
// above the ping interval so a healthy peer always answers in time.
func liveness(ping, timeout time.Duration) (time.Duration, time.Duration) {
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if timeout <= 0 {
		timeout = defaultDisconnectTimeout
	}
	if timeout <= ping {
		timeout = 2 * ping
	}
	return ping, timeout
}

// keepAlive arms the read deadline and pushes it forward on every pong.
// Callers extend it after every message they read.
func keepAlive(conn *ws.Conn, timeout time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
}
