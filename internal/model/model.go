package model

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&Turn{},
}

// Session is one peer's journal of a lockstep session
type Session struct {
	gorm.Model
	UID           string         `json:"uid" gorm:"size:64;uniqueIndex"`
	Slot          int32          `json:"slot"`
	Players       int            `json:"players"`
	Window        int            `json:"window"`
	Offset        int            `json:"offset"`
	FramesPerTurn int            `json:"framesPerTurn"`
	StartedAt     time.Time      `json:"startedAt"`
	EndedAt       sql.NullTime   `json:"endedAt"`
	Settings      datatypes.JSON `json:"settings"` // engine settings snapshot
	Turns         []Turn         `json:"turns"`
}

func (*Session) TableName() string {
	return "sessions"
}

// Turn is one executed turn. Checksum holds the uint64 world hash bit-cast to
// int64 so it fits a signed bigint column.
type Turn struct {
	ID           uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	SessionID    uint           `json:"sessionId" gorm:"index:idx_turn_session_turn,unique,priority:1"`
	Session      Session        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:SessionID;"`
	Turn         int64          `json:"turn" gorm:"index:idx_turn_session_turn,unique,priority:2"`
	CommandCount int            `json:"commandCount"`
	Commands     []byte         `json:"commands"`
	Tags         datatypes.JSON `json:"tags"` // command tag names in execution order
	Checksum     int64          `json:"checksum"`
	ExecutedAt   time.Time      `json:"executedAt" gorm:"index:idx_turn_executed_at"`
}

func (*Turn) TableName() string {
	return "turns"
}
