// Package lockstep keeps every peer executing the same commands at the same turn.
//
// Local commands are batched once per turn and scheduled offset turns ahead.
// A turn executes only when every active peer's batch for it has arrived;
// until then the engine holds in the Delay state.
package lockstep

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/OCAP2/lockstep/pkg/command"
)

// State of the turn state machine.
type State int32

const (
	Priming State = iota
	Playing
	Delay
)

func (s State) String() string {
	switch s {
	case Priming:
		return "priming"
	case Playing:
		return "playing"
	case Delay:
		return "delay"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Executor receives the commands of each executed turn in slot order.
type Executor interface {
	ExecuteTurn(turn int64, cmds []command.Command)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(turn int64, cmds []command.Command)

func (f ExecutorFunc) ExecuteTurn(turn int64, cmds []command.Command) { f(turn, cmds) }

// Config sizes the engine.
type Config struct {
	Slot          int32
	Players       int
	Window        int
	Offset        int
	FramesPerTurn int
}

// Validate reports configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Players < 1:
		return fmt.Errorf("%w: players must be >= 1, got %d", ErrInvalidConfig, c.Players)
	case c.Slot < 1 || int(c.Slot) > c.Players:
		return fmt.Errorf("%w: slot %d outside 1..%d", ErrInvalidConfig, c.Slot, c.Players)
	case c.Offset < 1:
		return fmt.Errorf("%w: schedule offset must be >= 1, got %d", ErrInvalidConfig, c.Offset)
	case c.Offset >= c.Window:
		return fmt.Errorf("%w: schedule offset %d must be smaller than window %d", ErrInvalidConfig, c.Offset, c.Window)
	case c.FramesPerTurn < 1:
		return fmt.Errorf("%w: frames per turn must be >= 1, got %d", ErrInvalidConfig, c.FramesPerTurn)
	}
	return nil
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	Turn             int64
	State            State
	BaseTurn         int64
	ActivePlayers    int
	PendingCommands  int
	TurnsExecuted    uint64
	Stalls           uint64
	CommandsExecuted uint64
}

// Engine drives the turn state machine. Update must be called from a single
// goroutine; the query methods are safe from any goroutine.
type Engine struct {
	cfg       Config
	buffer    *CommandBuffer
	scheduler *Scheduler
	exec      Executor
	logger    *slog.Logger
	metrics   *engineMetrics

	frame int

	turn             atomic.Int64
	state            atomic.Int32
	turnsExecuted    atomic.Uint64
	stalls           atomic.Uint64
	commandsExecuted atomic.Uint64
}

// New validates cfg and wires a buffer and scheduler for it.
func New(cfg Config, reg *command.Registry, out Broadcaster, exec Executor, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = command.NewRegistry()
	}

	metrics, err := newEngineMetrics()
	if err != nil {
		return nil, err
	}

	buffer := NewCommandBuffer(cfg.Window, cfg.Players)
	e := &Engine{
		cfg:       cfg,
		buffer:    buffer,
		scheduler: NewScheduler(cfg.Slot, cfg.Offset, buffer, reg, out, logger),
		exec:      exec,
		logger:    logger,
		metrics:   metrics,
	}
	e.turn.Store(-int64(cfg.Offset))
	e.state.Store(int32(Priming))
	return e, nil
}

// Buffer exposes the command buffer for monitoring and tests.
func (e *Engine) Buffer() *CommandBuffer { return e.buffer }

// Scheduler exposes the scheduler so the transport can deliver packets and
// disconnect notifications.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// IssueLocal queues a local command for the next turn batch.
func (e *Engine) IssueLocal(cmd command.Command) { e.scheduler.IssueLocal(cmd) }

// CurrentTurn returns the next turn to execute. Negative while priming.
func (e *Engine) CurrentTurn() int64 { return e.turn.Load() }

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Stats() Stats {
	return Stats{
		Turn:             e.turn.Load(),
		State:            e.State(),
		BaseTurn:         e.buffer.BaseTurn(),
		ActivePlayers:    e.buffer.ActivePlayers(),
		PendingCommands:  e.scheduler.Pending(),
		TurnsExecuted:    e.turnsExecuted.Load(),
		Stalls:           e.stalls.Load(),
		CommandsExecuted: e.commandsExecuted.Load(),
	}
}

// Init logs the engine layout.
func (e *Engine) Init() {
	e.logger.Info("lockstep engine started",
		"slot", e.cfg.Slot,
		"players", e.cfg.Players,
		"window", e.cfg.Window,
		"offset", e.cfg.Offset,
		"framesPerTurn", e.cfg.FramesPerTurn)
}

// Update runs one fixed tick.
func (e *Engine) Update() {
	if e.frame == 0 {
		_ = e.scheduler.Flush(e.turn.Load())
		e.step()
	}
	e.frame = (e.frame + 1) % e.cfg.FramesPerTurn
}

func (e *Engine) step() {
	turn := e.turn.Load()
	if turn < 0 {
		e.turn.Add(1)
		if turn+1 == 0 {
			e.state.Store(int32(Playing))
		}
		return
	}

	executed, td, ok := e.buffer.TryAdvance()
	if !ok {
		if e.State() != Delay {
			e.state.Store(int32(Delay))
			e.stalls.Add(1)
			e.metrics.stalls.Add(context.Background(), 1)
			e.logger.Warn("stall detected, waiting for peers", "turn", turn, "missing", e.buffer.Missing())
		}
		return
	}

	if e.State() == Delay {
		dropped := e.scheduler.ClearPending()
		e.state.Store(int32(Playing))
		e.logger.Info("stall recovered", "turn", turn, "droppedCommands", dropped)
	}

	cmds := td.Commands()
	if e.exec != nil {
		e.exec.ExecuteTurn(executed, cmds)
	}
	e.turn.Store(executed + 1)

	e.turnsExecuted.Add(1)
	e.commandsExecuted.Add(uint64(len(cmds)))
	e.metrics.turns.Add(context.Background(), 1)
	e.metrics.commands.Add(context.Background(), int64(len(cmds)))
}

// Quit logs the final counters.
func (e *Engine) Quit() {
	s := e.Stats()
	e.logger.Info("lockstep engine stopped",
		"turn", s.Turn,
		"turnsExecuted", s.TurnsExecuted,
		"stalls", s.Stalls,
		"commandsExecuted", s.CommandsExecuted)
}
