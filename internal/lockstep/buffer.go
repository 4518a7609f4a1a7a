package lockstep

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OCAP2/lockstep/pkg/command"
)

// CommandBuffer is a ring of TurnData covering the turns
// [baseTurn, baseTurn+window). Ring position p holds turn
// baseTurn + ((p - readPos) mod window).
type CommandBuffer struct {
	mu       sync.Mutex
	ring     []*TurnData
	readPos  int
	baseTurn int64
	players  int
	active   int
	departed map[int32]struct{}
}

// NewCommandBuffer creates a buffer of window turns for players slots, all active.
func NewCommandBuffer(window, players int) *CommandBuffer {
	b := &CommandBuffer{
		ring:     make([]*TurnData, window),
		players:  players,
		active:   players,
		departed: make(map[int32]struct{}),
	}
	for i := range b.ring {
		b.ring[i] = newTurnData(players)
	}
	return b
}

// Insert stores the commands slot scheduled for turn.
func (b *CommandBuffer) Insert(turn int64, slot int32, cmds []command.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot < 1 || int(slot) > b.players {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if _, gone := b.departed[slot]; gone {
		return fmt.Errorf("%w: %d", ErrDepartedSlot, slot)
	}
	if turn < b.baseTurn {
		return fmt.Errorf("%w: turn %d, base %d", ErrStaleTurn, turn, b.baseTurn)
	}
	window := int64(len(b.ring))
	if turn >= b.baseTurn+window {
		return fmt.Errorf("%w: turn %d, window [%d, %d)", ErrOutOfWindow, turn, b.baseTurn, b.baseTurn+window)
	}

	pos := (b.readPos + int(turn-b.baseTurn)) % len(b.ring)
	if err := b.ring[pos].Insert(slot, cmds); err != nil {
		return fmt.Errorf("turn %d: %w", turn, err)
	}
	return nil
}

// IsReadyToAdvance reports whether the base turn has a command list from every active peer.
func (b *CommandBuffer) IsReadyToAdvance() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring[b.readPos].IsComplete(b.active)
}

// Advance hands out the base turn and recycles its ring position for
// baseTurn+window. Callers check IsReadyToAdvance first.
func (b *CommandBuffer) Advance() (int64, *TurnData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advanceLocked()
}

// TryAdvance advances only when the base turn is complete, under a single lock.
func (b *CommandBuffer) TryAdvance() (int64, *TurnData, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ring[b.readPos].IsComplete(b.active) {
		return b.baseTurn, nil, false
	}
	turn, td := b.advanceLocked()
	return turn, td, true
}

func (b *CommandBuffer) advanceLocked() (int64, *TurnData) {
	td := b.ring[b.readPos]
	turn := b.baseTurn

	fresh := newTurnData(b.players)
	for slot := range b.departed {
		fresh.BackfillAbsent(slot)
	}
	b.ring[b.readPos] = fresh
	b.readPos = (b.readPos + 1) % len(b.ring)
	b.baseTurn++

	return turn, td
}

// SetActivePlayerCount sets the number of peers completion waits for. When
// departed names a slot, every buffered turn stops waiting for it.
func (b *CommandBuffer) SetActivePlayerCount(n int, departed int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.departLocked(departed)
	b.active = n
}

// Depart removes slot from the session and decrements the active count.
// It returns false if the slot was unknown or already gone.
func (b *CommandBuffer) Depart(slot int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.departLocked(slot) {
		return false
	}
	b.active--
	return true
}

func (b *CommandBuffer) departLocked(slot int32) bool {
	if slot < 1 || int(slot) > b.players {
		return false
	}
	if _, gone := b.departed[slot]; gone {
		return false
	}
	b.departed[slot] = struct{}{}
	for _, td := range b.ring {
		td.depart(slot)
	}
	return true
}

// Missing lists the active slots the base turn is still waiting for.
func (b *CommandBuffer) Missing() []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	td := b.ring[b.readPos]
	var out []int32
	for slot := int32(1); int(slot) <= b.players; slot++ {
		if !td.Filled(slot) {
			out = append(out, slot)
		}
	}
	return out
}

// Departed returns the departed slots in ascending order.
func (b *CommandBuffer) Departed() []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int32, 0, len(b.departed))
	for slot := range b.departed {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *CommandBuffer) BaseTurn() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseTurn
}

func (b *CommandBuffer) ActivePlayers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *CommandBuffer) Window() int { return len(b.ring) }

// Fill returns the completion count of every buffered turn, starting at the base turn.
func (b *CommandBuffer) Fill() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.ring))
	for i := range out {
		out[i] = b.ring[(b.readPos+i)%len(b.ring)].Count()
	}
	return out
}
