// Package loopback is an in-process transport connecting peers through shared
// inboxes. It is used by tests and the local demo session.
package loopback

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/transport"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

// ErrClosed is returned when broadcasting from a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Network links endpoints by slot.
type Network struct {
	mu    sync.Mutex
	peers map[int32]*Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[int32]*Endpoint)}
}

// Join attaches an endpoint for slot. Joining an occupied slot returns the
// existing endpoint.
func (n *Network) Join(slot int32) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.peers[slot]; ok {
		return ep
	}
	ep := &Endpoint{slot: slot, network: n, inbox: transport.NewInbox()}
	n.peers[slot] = ep
	return ep
}

// Peers returns the number of attached endpoints.
func (n *Network) Peers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *Network) deliver(from int32, e dispatcher.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for slot, ep := range n.peers {
		if slot == from {
			continue
		}
		ep.inbox.Push(e)
	}
}

func (n *Network) leave(slot int32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[slot]; !ok {
		return false
	}
	delete(n.peers, slot)
	return true
}

// Endpoint is one peer's attachment to the network.
type Endpoint struct {
	slot    int32
	network *Network
	inbox   *transport.Inbox
}

var _ transport.Transport = (*Endpoint)(nil)

// Slot returns the slot the endpoint joined with.
func (e *Endpoint) Slot() int32 { return e.slot }

// Broadcast delivers data to every other endpoint.
func (e *Endpoint) Broadcast(data []byte) error {
	e.network.mu.Lock()
	_, attached := e.network.peers[e.slot]
	e.network.mu.Unlock()
	if !attached {
		return ErrClosed
	}

	payload := append([]byte(nil), data...)
	e.network.deliver(e.slot, dispatcher.Event{
		Type:     transport.TypeTurn,
		Slot:     e.slot,
		Payload:  payload,
		Received: time.Now(),
	})
	return nil
}

// Poll drains the events received since the last call.
func (e *Endpoint) Poll() []dispatcher.Event {
	return e.inbox.Drain()
}

// Ready is signalled when new events arrive.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.inbox.Ready()
}

// Close detaches the endpoint and notifies the remaining peers.
func (e *Endpoint) Close() error {
	if !e.network.leave(e.slot) {
		return nil
	}
	payload, err := json.Marshal(protocol.PlayerLeavePayload{Slot: e.slot})
	if err != nil {
		return err
	}
	e.network.deliver(e.slot, dispatcher.Event{
		Type:     protocol.TypePlayerLeave,
		Slot:     e.slot,
		Payload:  payload,
		Received: time.Now(),
	})
	return nil
}
