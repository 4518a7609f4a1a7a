// Package transport defines what the lockstep peer needs from a network link.
package transport

import (
	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/queue"
)

// Event types produced by transports in addition to the protocol control
// message types.
const (
	TypeTurn         = "turn"
	TypeDisconnected = "disconnected"
)

// Transport delivers turn packets to every other peer and buffers inbound
// events until the network goroutine polls them.
type Transport interface {
	Broadcast(data []byte) error
	Poll() []dispatcher.Event
	Close() error
}

// Inbox is an unbounded FIFO of received events. Turn packets are never
// dropped, a lost batch would stall every peer.
type Inbox struct {
	events *queue.Queue[dispatcher.Event]
	notify chan struct{}
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{
		events: queue.New[dispatcher.Event](),
		notify: make(chan struct{}, 1),
	}
}

// Push appends an event.
func (i *Inbox) Push(e dispatcher.Event) {
	i.events.Push(e)

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// Drain returns every queued event and empties the inbox.
func (i *Inbox) Drain() []dispatcher.Event {
	return i.events.Take(0)
}

// Len returns the number of queued events.
func (i *Inbox) Len() int {
	return i.events.Len()
}

// Ready is signalled after a push. It may fire once for several events.
func (i *Inbox) Ready() <-chan struct{} {
	return i.notify
}
