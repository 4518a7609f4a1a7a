// Package protocol defines the frames exchanged between lockstep peers and the relay.
//
// Turn packets travel as binary frames:
//
//	senderSlot int32 | scheduledTurn int64 | commandCount int32 | (tag uint16, payload)*
//
// All integers are big endian. Control messages travel as JSON envelopes, see messages.go.
package protocol

import (
	"errors"
	"fmt"

	"github.com/OCAP2/lockstep/pkg/command"
)

// MaxCommandsPerBatch bounds the command count a single turn packet may declare.
const MaxCommandsPerBatch = 1024

// HeaderSize is the fixed prefix of every turn packet.
const HeaderSize = 4 + 8 + 4

var (
	ErrBadCount      = errors.New("invalid command count")
	ErrTrailingBytes = errors.New("trailing bytes after last command")
)

// TurnPacket is one peer's command batch for one scheduled turn.
type TurnPacket struct {
	Sender   int32
	Turn     int64
	Commands []command.Command
}

// MarshalBinary encodes the packet in wire order.
func (p TurnPacket) MarshalBinary() ([]byte, error) {
	if len(p.Commands) > MaxCommandsPerBatch {
		return nil, fmt.Errorf("%w: %d commands", ErrBadCount, len(p.Commands))
	}
	buf := make([]byte, 0, HeaderSize+len(p.Commands)*16)
	buf = command.AppendInt32(buf, p.Sender)
	buf = command.AppendInt64(buf, p.Turn)
	buf = command.AppendInt32(buf, int32(len(p.Commands)))
	for _, cmd := range p.Commands {
		buf = command.Append(buf, cmd)
	}
	return buf, nil
}

// DecodeTurnPacket parses a binary frame. Every decoded command is stamped
// with the sender slot carried in the header.
func DecodeTurnPacket(data []byte, reg *command.Registry) (TurnPacket, error) {
	r := command.NewReader(data)

	sender, err := r.Int32()
	if err != nil {
		return TurnPacket{}, fmt.Errorf("read sender: %w", err)
	}
	turn, err := r.Int64()
	if err != nil {
		return TurnPacket{}, fmt.Errorf("read turn: %w", err)
	}
	count, err := r.Int32()
	if err != nil {
		return TurnPacket{}, fmt.Errorf("read count: %w", err)
	}
	if count < 0 || count > MaxCommandsPerBatch {
		return TurnPacket{}, fmt.Errorf("%w: %d", ErrBadCount, count)
	}

	cmds := make([]command.Command, 0, count)
	for i := int32(0); i < count; i++ {
		cmd, err := reg.Decode(r, sender)
		if err != nil {
			return TurnPacket{}, fmt.Errorf("command %d of %d: %w", i+1, count, err)
		}
		cmds = append(cmds, cmd)
	}
	if r.Len() != 0 {
		return TurnPacket{}, fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())
	}

	return TurnPacket{Sender: sender, Turn: turn, Commands: cmds}, nil
}

// PeekSender returns the sender slot of a turn packet without decoding the commands.
// The relay uses it to reject frames forged for another slot.
func PeekSender(data []byte) (int32, error) {
	return command.NewReader(data).Int32()
}
