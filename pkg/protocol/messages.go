package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message types sent as text frames.
const (
	TypeWelcome     = "welcome"
	TypePlayerEnter = "player_enter"
	TypePlayerLeave = "player_leave"
	TypeStart       = "start"
)

// Envelope wraps all control messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WelcomePayload tells a newly connected peer which slot it owns.
type WelcomePayload struct {
	Slot    int32 `json:"slot"`
	Players int32 `json:"players"`
}

// PlayerEnterPayload announces a peer joining the lobby.
type PlayerEnterPayload struct {
	Slot int32  `json:"slot"`
	Name string `json:"name,omitempty"`
}

// PlayerLeavePayload announces a peer disconnect.
type PlayerLeavePayload struct {
	Slot int32 `json:"slot"`
}

// StartPayload is broadcast once every slot is filled.
type StartPayload struct {
	Players int32  `json:"players"`
	Session string `json:"session"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// ParseEnvelope reads the envelope header. The payload is decoded by the caller.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
