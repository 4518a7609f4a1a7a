package lockstep

import (
	"errors"
	"log/slog"

	"github.com/OCAP2/lockstep/pkg/command"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

// Broadcaster sends an encoded turn packet to every other peer.
type Broadcaster interface {
	Broadcast(data []byte) error
}

// Scheduler batches local commands once per turn, schedules them offset turns
// ahead and feeds remote batches into the CommandBuffer.
type Scheduler struct {
	slot     int32
	offset   int64
	buffer   *CommandBuffer
	registry *command.Registry
	out      Broadcaster
	pending  *pendingQueue
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for the local slot. out may be nil for a
// single peer session.
func NewScheduler(slot int32, offset int, buffer *CommandBuffer, reg *command.Registry, out Broadcaster, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = command.NewRegistry()
	}
	return &Scheduler{
		slot:     slot,
		offset:   int64(offset),
		buffer:   buffer,
		registry: reg,
		out:      out,
		pending:  newPendingQueue(),
		logger:   logger,
	}
}

// IssueLocal queues cmd for the next flush. Safe from any goroutine.
func (s *Scheduler) IssueLocal(cmd command.Command) {
	s.pending.Push(command.WithSource(cmd, s.slot))
}

// Flush sends the local batch for currentTurn+offset. Calling it again for the
// same turn is a no-op.
func (s *Scheduler) Flush(currentTurn int64) error {
	cmds, ok := s.pending.takeForTurn(currentTurn, protocol.MaxCommandsPerBatch)
	if !ok {
		return nil
	}
	target := currentTurn + s.offset

	data, err := protocol.TurnPacket{Sender: s.slot, Turn: target, Commands: cmds}.MarshalBinary()
	if err != nil {
		s.logger.Error("failed to encode turn packet", "turn", target, "error", err)
		return err
	}

	// Execute what the other peers will decode, not what was issued. Encoding
	// may normalize a command, e.g. clip an overlong Say.
	local, err := protocol.DecodeTurnPacket(data, s.registry)
	if err != nil {
		s.logger.Error("failed to decode own turn packet", "turn", target, "error", err)
		return err
	}

	if err := s.buffer.Insert(target, s.slot, local.Commands); err != nil {
		s.logger.Error("failed to schedule local commands", "turn", target, "error", err)
		return err
	}

	if s.out == nil {
		return nil
	}
	if err := s.out.Broadcast(data); err != nil {
		s.logger.Error("failed to broadcast turn packet", "turn", target, "error", err)
		return err
	}
	return nil
}

// OnReceive decodes a remote turn packet and buffers its commands. Failures
// are logged and returned, never fatal.
func (s *Scheduler) OnReceive(data []byte) error {
	pkt, err := protocol.DecodeTurnPacket(data, s.registry)
	if err != nil {
		s.logger.Warn("dropping undecodable turn packet", "bytes", len(data), "error", err)
		return err
	}
	if pkt.Sender == s.slot {
		return nil
	}

	if err := s.buffer.Insert(pkt.Turn, pkt.Sender, pkt.Commands); err != nil {
		if errors.Is(err, ErrDuplicateInsert) {
			s.logger.Debug("ignoring duplicate turn packet", "turn", pkt.Turn, "sender", pkt.Sender)
		} else {
			s.logger.Warn("rejected turn packet", "turn", pkt.Turn, "sender", pkt.Sender, "error", err)
		}
		return err
	}
	return nil
}

// OnPeerDisconnected stops waiting for slot on every buffered turn.
func (s *Scheduler) OnPeerDisconnected(slot int32) {
	if slot == s.slot {
		return
	}
	if !s.buffer.Depart(slot) {
		s.logger.Debug("ignoring disconnect of inactive slot", "slot", slot)
		return
	}
	s.logger.Info("peer left", "slot", slot, "active", s.buffer.ActivePlayers())
}

// ClearPending drops local commands that have not been flushed yet.
func (s *Scheduler) ClearPending() int {
	return s.pending.Clear()
}

// Pending returns the number of queued local commands.
func (s *Scheduler) Pending() int {
	return s.pending.Len()
}
