// Package command defines the gameplay commands exchanged between lockstep peers.
//
// The set of variants is closed: Command carries an unexported method, so only this
// package can add new kinds. Every variant is identified on the wire by a stable Tag
// and decoded through a Registry.
package command

import "fmt"

// Tag identifies a command variant on the wire.
type Tag uint16

// Registered command tags. Values are part of the wire format and must never be reused.
const (
	TagTest  Tag = 1
	TagSpawn Tag = 2
	TagMove  Tag = 3
	TagSay   Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagTest:
		return "test"
	case TagSpawn:
		return "spawn"
	case TagMove:
		return "move"
	case TagSay:
		return "say"
	default:
		return fmt.Sprintf("tag(%d)", uint16(t))
	}
}

// State is the deterministic simulation state commands mutate.
// Implementations must not consult wall-clock time, randomness or peer-local data.
type State interface {
	SpawnUnit(owner int32, unit uint32, x, y int32)
	MoveUnit(owner int32, unit uint32, x, y int32)
	Say(owner int32, text string)
	Touch(owner int32)
}

// Command is a single serializable unit of gameplay mutation.
type Command interface {
	Tag() Tag
	Source() int32
	Execute(s State)

	appendPayload(buf []byte) []byte
	withSource(slot int32) Command
}

// Header carries the fields shared by every variant.
type Header struct {
	Src int32 `json:"source"`
}

// Source returns the peer slot that issued the command.
func (h Header) Source() int32 { return h.Src }

// WithSource returns a copy of cmd stamped with the given peer slot.
func WithSource(cmd Command, slot int32) Command {
	return cmd.withSource(slot)
}
