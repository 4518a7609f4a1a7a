package lockstep

import (
	"fmt"

	"github.com/OCAP2/lockstep/pkg/command"
)

// TurnData collects the command lists every peer scheduled for one turn.
// Slot p is stored at index p-1. It is not safe for concurrent use; the
// owning CommandBuffer serializes access.
type TurnData struct {
	lists  [][]command.Command
	filled []bool
	count  int
}

func newTurnData(players int) *TurnData {
	return &TurnData{
		lists:  make([][]command.Command, players),
		filled: make([]bool, players),
	}
}

// Insert stores the command list of slot. The first write wins.
func (td *TurnData) Insert(slot int32, cmds []command.Command) error {
	i, err := td.index(slot)
	if err != nil {
		return err
	}
	if td.filled[i] {
		return fmt.Errorf("%w: slot %d", ErrDuplicateInsert, slot)
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	td.lists[i] = cmds
	td.filled[i] = true
	td.count++
	return nil
}

// IsComplete reports whether every active peer has been heard from.
func (td *TurnData) IsComplete(active int) bool {
	return td.count == active
}

// BackfillAbsent marks an unfilled slot as holding an empty list without
// counting it towards completion.
func (td *TurnData) BackfillAbsent(slot int32) {
	i, err := td.index(slot)
	if err != nil || td.filled[i] {
		return
	}
	td.lists[i] = []command.Command{}
	td.filled[i] = true
}

// depart removes slot from the completion count. Commands it already
// delivered for this turn stay and are still executed.
func (td *TurnData) depart(slot int32) {
	i, err := td.index(slot)
	if err != nil {
		return
	}
	if td.filled[i] {
		td.count--
		return
	}
	td.BackfillAbsent(slot)
}

// Filled reports whether slot holds a command list.
func (td *TurnData) Filled(slot int32) bool {
	i, err := td.index(slot)
	return err == nil && td.filled[i]
}

// Count is the number of slots that count towards completion.
func (td *TurnData) Count() int { return td.count }

// Commands returns every command of the turn, flattened in ascending slot order.
func (td *TurnData) Commands() []command.Command {
	n := 0
	for _, l := range td.lists {
		n += len(l)
	}
	out := make([]command.Command, 0, n)
	for _, l := range td.lists {
		out = append(out, l...)
	}
	return out
}

func (td *TurnData) index(slot int32) (int, error) {
	if slot < 1 || int(slot) > len(td.lists) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return int(slot) - 1, nil
}
