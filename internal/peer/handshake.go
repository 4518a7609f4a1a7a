package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/transport"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

// ErrStartBeforeWelcome is returned when the relay starts a session the
// peer was never assigned a slot in.
var ErrStartBeforeWelcome = errors.New("session started before welcome")

// Handshake is what the relay told the peer before the session started.
type Handshake struct {
	Slot    int32
	Players int
	Session string
}

// Waitable is a transport that signals when events arrive.
type Waitable interface {
	transport.Transport
	Ready() <-chan struct{}
}

// AwaitStart reads lobby messages until the relay starts the session. It
// returns the handshake and any events that arrived after the start message
// in the same poll; those belong to the session and must be dispatched first.
func AwaitStart(ctx context.Context, tr Waitable, logger *slog.Logger) (Handshake, []dispatcher.Event, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var hs Handshake
	welcomed := false
	lobby := time.NewTicker(time.Second)
	defer lobby.Stop()

	for {
		events := tr.Poll()
		for i, e := range events {
			switch e.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomePayload
				if err := (protocol.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&w); err != nil {
					return Handshake{}, nil, err
				}
				hs.Slot = w.Slot
				hs.Players = int(w.Players)
				welcomed = true
				logger.Info("joined lobby", "slot", w.Slot, "players", w.Players)

			case protocol.TypePlayerEnter:
				logger.Info("player joined lobby", "slot", e.Slot)

			case protocol.TypePlayerLeave:
				logger.Info("player left lobby", "slot", e.Slot)

			case protocol.TypeStart:
				if !welcomed {
					return Handshake{}, nil, ErrStartBeforeWelcome
				}
				var s protocol.StartPayload
				if err := (protocol.Envelope{Type: e.Type, Payload: e.Payload}).Decode(&s); err != nil {
					return Handshake{}, nil, err
				}
				hs.Session = s.Session
				if s.Players > 0 {
					hs.Players = int(s.Players)
				}
				logger.Info("session started", "session", hs.Session, "players", hs.Players)
				return hs, events[i+1:], nil

			case transport.TypeDisconnected:
				return Handshake{}, nil, fmt.Errorf("%w: %s", ErrDisconnected, e.Payload)

			default:
				logger.Debug("ignoring message before start", "type", e.Type, "from", e.Slot)
			}
		}

		select {
		case <-ctx.Done():
			return Handshake{}, nil, ctx.Err()
		case <-tr.Ready():
		case <-lobby.C:
			if welcomed {
				logger.Debug("waiting for players", "slot", hs.Slot, "players", hs.Players)
			}
		}
	}
}

// Replay dispatches events left over from the handshake.
func (p *Peer) Replay(events []dispatcher.Event) {
	p.dispatcher.DispatchAll(events)
}
