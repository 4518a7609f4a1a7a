// Package world is the deterministic game state commands are executed against.
package world

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/OCAP2/lockstep/pkg/command"
)

// maxChatLines bounds the retained chat history.
const maxChatLines = 100

// Unit is a single owned entity on the integer grid.
type Unit struct {
	ID    uint32 `json:"id"`
	Owner int32  `json:"owner"`
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
}

// ChatLine is a Say command as recorded by the world.
type ChatLine struct {
	Turn  int64  `json:"turn"`
	Owner int32  `json:"owner"`
	Text  string `json:"text"`
}

// World holds the simulation state. ExecuteTurn is the only mutator; the
// query methods may be called from any goroutine.
type World struct {
	mu       sync.RWMutex
	turn     int64
	units    map[uint32]*Unit
	chat     []ChatLine
	lastSeen map[int32]int64
	logger   *slog.Logger
}

// New creates an empty world.
func New(logger *slog.Logger) *World {
	if logger == nil {
		logger = slog.Default()
	}
	return &World{
		turn:     -1,
		units:    make(map[uint32]*Unit),
		lastSeen: make(map[int32]int64),
		logger:   logger,
	}
}

// ExecuteTurn applies cmds in order as turn.
func (w *World) ExecuteTurn(turn int64, cmds []command.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turn = turn
	s := (*applier)(w)
	for _, cmd := range cmds {
		cmd.Execute(s)
	}
}

// Turn returns the last executed turn, -1 before the first.
func (w *World) Turn() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.turn
}

// Units returns a copy of every unit ordered by id.
func (w *World) Units() []Unit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Unit, 0, len(w.units))
	for _, u := range w.units {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chat returns the retained chat history, oldest first.
func (w *World) Chat() []ChatLine {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]ChatLine(nil), w.chat...)
}

// LastSeen returns the last turn a Test command from owner executed.
func (w *World) LastSeen(owner int32) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	turn, ok := w.lastSeen[owner]
	return turn, ok
}

// Checksum hashes the turn, units in id order and chat history. Peers that
// executed the same commands produce the same value.
func (w *World) Checksum() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]uint32, 0, len(w.units))
	for id := range w.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	d := xxhash.New()
	buf := make([]byte, 0, 16)
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.turn))
	_, _ = d.Write(buf)
	for _, id := range ids {
		u := w.units[id]
		buf = buf[:0]
		buf = binary.BigEndian.AppendUint32(buf, u.ID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.Owner))
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.X))
		buf = binary.BigEndian.AppendUint32(buf, uint32(u.Y))
		_, _ = d.Write(buf)
	}
	for _, line := range w.chat {
		buf = buf[:0]
		buf = binary.BigEndian.AppendUint64(buf, uint64(line.Turn))
		buf = binary.BigEndian.AppendUint32(buf, uint32(line.Owner))
		_, _ = d.Write(buf)
		_, _ = d.WriteString(line.Text)
	}
	return d.Sum64()
}

// applier mutates the world while ExecuteTurn holds the lock.
type applier World

var _ command.State = (*applier)(nil)

func (a *applier) SpawnUnit(owner int32, unit uint32, x, y int32) {
	if _, exists := a.units[unit]; exists {
		a.logger.Debug("spawn of existing unit ignored", "unit", unit, "owner", owner)
		return
	}
	a.units[unit] = &Unit{ID: unit, Owner: owner, X: x, Y: y}
}

func (a *applier) MoveUnit(owner int32, unit uint32, x, y int32) {
	u, ok := a.units[unit]
	if !ok || u.Owner != owner {
		a.logger.Debug("move of foreign or unknown unit ignored", "unit", unit, "owner", owner)
		return
	}
	u.X, u.Y = x, y
}

func (a *applier) Say(owner int32, text string) {
	a.chat = append(a.chat, ChatLine{Turn: a.turn, Owner: owner, Text: text})
	if len(a.chat) > maxChatLines {
		a.chat = append(a.chat[:0:0], a.chat[len(a.chat)-maxChatLines:]...)
	}
}

func (a *applier) Touch(owner int32) {
	a.lastSeen[owner] = a.turn
	a.logger.Debug("test command executed", "source", owner, "turn", a.turn)
}
