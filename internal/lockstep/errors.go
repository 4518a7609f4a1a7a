package lockstep

import "errors"

var (
	// ErrStaleTurn is returned for commands scheduled before the buffer's base turn.
	ErrStaleTurn = errors.New("stale turn")
	// ErrOutOfWindow is returned for commands scheduled past the end of the ring.
	ErrOutOfWindow = errors.New("turn outside buffer window")
	// ErrDuplicateInsert is returned when a slot already holds commands for a turn.
	ErrDuplicateInsert = errors.New("slot already filled for turn")
	ErrUnknownSlot     = errors.New("unknown peer slot")
	ErrDepartedSlot    = errors.New("peer slot has departed")
	// ErrInvalidConfig aborts engine construction.
	ErrInvalidConfig = errors.New("invalid lockstep configuration")
)
