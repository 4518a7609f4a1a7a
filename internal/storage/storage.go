// Package storage defines the turn journal: every executed turn of a session
// with its commands and resulting world checksum.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/OCAP2/lockstep/pkg/command"
)

// ErrSessionNotFound is returned by Reader implementations for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Session describes one peer's view of a lockstep session.
type Session struct {
	ID            string    `json:"id"`
	Slot          int32     `json:"slot"`
	Players       int       `json:"players"`
	Window        int       `json:"window"`
	Offset        int       `json:"offset"`
	FramesPerTurn int       `json:"framesPerTurn"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt,omitzero"`
}

// TurnRecord is one executed turn.
type TurnRecord struct {
	Turn         int64     `json:"turn"`
	CommandCount int       `json:"commandCount"`
	Commands     []byte    `json:"commands"`
	Tags         []string  `json:"tags,omitempty"`
	Checksum     uint64    `json:"checksum"`
	ExecutedAt   time.Time `json:"executedAt"`
}

// Backend is the interface all journal implementations must satisfy.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management
	StartSession(s *Session) error
	EndSession() error

	RecordTurn(r *TurnRecord) error
}

// Reader is implemented by backends that can load a stored session for replay.
type Reader interface {
	LoadSession(id string) (*Session, []TurnRecord, error)
}

// Exportable is implemented by backends that write the journal to a file.
type Exportable interface {
	ExportedFilePath() string
}

// EncodeCommands serializes a turn's commands. Unlike a turn packet, each
// command carries its own source slot.
//
//	count int32 | (source int32, tag uint16, payload)*
func EncodeCommands(cmds []command.Command) []byte {
	buf := command.AppendInt32(nil, int32(len(cmds)))
	for _, cmd := range cmds {
		buf = command.AppendInt32(buf, cmd.Source())
		buf = command.Append(buf, cmd)
	}
	return buf
}

// DecodeCommands reverses EncodeCommands.
func DecodeCommands(data []byte, reg *command.Registry) ([]command.Command, error) {
	r := command.NewReader(data)
	count, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative command count %d", count)
	}

	cmds := make([]command.Command, 0, count)
	for i := int32(0); i < count; i++ {
		source, err := r.Int32()
		if err != nil {
			return nil, fmt.Errorf("command %d source: %w", i+1, err)
		}
		cmd, err := reg.Decode(r, source)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i+1, err)
		}
		cmds = append(cmds, cmd)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return cmds, nil
}

// NewTurnRecord builds the journal entry for an executed turn.
func NewTurnRecord(turn int64, cmds []command.Command, checksum uint64, at time.Time) *TurnRecord {
	var tags []string
	for _, cmd := range cmds {
		tags = append(tags, cmd.Tag().String())
	}
	return &TurnRecord{
		Turn:         turn,
		CommandCount: len(cmds),
		Commands:     EncodeCommands(cmds),
		Tags:         tags,
		Checksum:     checksum,
		ExecutedAt:   at,
	}
}
