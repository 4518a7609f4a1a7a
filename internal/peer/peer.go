// Package peer wires one lockstep participant: transport, event dispatch,
// engine, world and turn journal, driven by the fixed-step loop.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/lockstep/internal/dispatcher"
	"github.com/OCAP2/lockstep/internal/lockstep"
	"github.com/OCAP2/lockstep/internal/simulation"
	"github.com/OCAP2/lockstep/internal/storage"
	"github.com/OCAP2/lockstep/internal/transport"
	"github.com/OCAP2/lockstep/internal/world"
	"github.com/OCAP2/lockstep/pkg/command"
	"github.com/OCAP2/lockstep/pkg/protocol"
)

// ErrDisconnected is returned by Run when the transport reports a lost link.
var ErrDisconnected = errors.New("disconnected from session")

const defaultUpdateRate = 15 * time.Millisecond

// TurnFunc observes every executed turn with the resulting world checksum.
type TurnFunc func(turn int64, cmds []command.Command, checksum uint64)

// Options configures a Peer.
type Options struct {
	Engine     lockstep.Config
	Tick       time.Duration
	MaxElapsed time.Duration
	// UpdateRate is the network poll interval. Transports with a Ready
	// channel are also polled as soon as events arrive.
	UpdateRate time.Duration
	SessionID  string
	Registry   *command.Registry
	Journal    storage.Backend
	Logger     *slog.Logger
	OnTurn     TurnFunc
}

// Peer is one running session participant.
type Peer struct {
	opts   Options
	tr     transport.Transport
	logger *slog.Logger

	engine     *lockstep.Engine
	world      *world.World
	loop       *simulation.Loop
	dispatcher *dispatcher.Dispatcher

	journalErrors int

	mu       sync.Mutex
	stopErr  error
	stopped  chan struct{}
	stopOnce sync.Once
	shutOnce sync.Once
}

// New builds a peer on tr. When a journal is configured the session is
// started on it immediately.
func New(tr transport.Transport, opts Options) (*Peer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = command.NewRegistry()
	}
	if opts.UpdateRate <= 0 {
		opts.UpdateRate = defaultUpdateRate
	}
	if opts.Tick <= 0 {
		return nil, fmt.Errorf("tick must be positive, got %s", opts.Tick)
	}

	logger := opts.Logger.With("slot", opts.Engine.Slot)
	p := &Peer{
		opts:    opts,
		tr:      tr,
		logger:  logger,
		world:   world.New(logger.With("component", "world")),
		stopped: make(chan struct{}),
	}

	engine, err := lockstep.New(opts.Engine, opts.Registry, tr, p, logger.With("component", "lockstep"))
	if err != nil {
		return nil, err
	}
	p.engine = engine

	d, err := dispatcher.New(logger.With("component", "dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	p.dispatcher = d
	p.registerHandlers()

	p.loop = simulation.NewLoop(opts.Tick, opts.MaxElapsed, simulation.WithLogger(logger.With("component", "simulation")))
	p.loop.Register(engine)

	if opts.Journal != nil {
		err := opts.Journal.StartSession(&storage.Session{
			ID:            opts.SessionID,
			Slot:          opts.Engine.Slot,
			Players:       opts.Engine.Players,
			Window:        opts.Engine.Window,
			Offset:        opts.Engine.Offset,
			FramesPerTurn: opts.Engine.FramesPerTurn,
			StartedAt:     time.Now(),
		})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("start journal session: %w", err)
		}
	}
	return p, nil
}

func (p *Peer) registerHandlers() {
	sched := p.engine.Scheduler()

	p.dispatcher.Register(transport.TypeTurn, func(e dispatcher.Event) error {
		return sched.OnReceive(e.Payload)
	})
	p.dispatcher.Register(protocol.TypePlayerLeave, func(e dispatcher.Event) error {
		sched.OnPeerDisconnected(e.Slot)
		return nil
	}, dispatcher.Logged())
	p.dispatcher.Register(transport.TypeDisconnected, func(e dispatcher.Event) error {
		p.fail(fmt.Errorf("%w: %s", ErrDisconnected, e.Payload))
		return nil
	})

	// Lobby messages can still arrive after the session started.
	for _, typ := range []string{protocol.TypeWelcome, protocol.TypePlayerEnter, protocol.TypeStart} {
		p.dispatcher.Register(typ, func(e dispatcher.Event) error {
			p.logger.Debug("ignoring lobby message", "type", e.Type, "from", e.Slot)
			return nil
		}, dispatcher.Buffered(16))
	}
}

// ExecuteTurn applies an executed turn to the world and records it.
func (p *Peer) ExecuteTurn(turn int64, cmds []command.Command) {
	p.world.ExecuteTurn(turn, cmds)
	sum := p.world.Checksum()

	if p.opts.Journal != nil {
		if err := p.opts.Journal.RecordTurn(storage.NewTurnRecord(turn, cmds, sum, time.Now())); err != nil {
			p.journalErrors++
			if p.journalErrors == 1 || p.journalErrors%100 == 0 {
				p.logger.Error("failed to journal turn", "turn", turn, "failures", p.journalErrors, "error", err)
			}
		}
	}
	if p.opts.OnTurn != nil {
		p.opts.OnTurn(turn, cmds, sum)
	}
}

// AddBehaviour registers b on the loop after the engine.
func (p *Peer) AddBehaviour(b simulation.Behaviour) {
	p.loop.Register(b)
}

// Issue queues a local command for the next turn batch.
func (p *Peer) Issue(cmd command.Command) {
	p.engine.IssueLocal(cmd)
}

func (p *Peer) Engine() *lockstep.Engine { return p.engine }

func (p *Peer) World() *world.World { return p.world }

func (p *Peer) Loop() *simulation.Loop { return p.loop }

// Pump polls the transport and dispatches what arrived. It returns the number
// of events handled.
func (p *Peer) Pump() int {
	events := p.tr.Poll()
	p.dispatcher.DispatchAll(events)
	return len(events)
}

// Stop ends Run with no error.
func (p *Peer) Stop() {
	p.fail(nil)
}

func (p *Peer) fail(err error) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopErr = err
		p.mu.Unlock()
		close(p.stopped)
	})
}

// Err returns the reason the peer stopped, nil while running or after a
// clean stop.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr
}

// Run drives the simulation loop and the network poll until ctx is done,
// Stop is called or the transport disconnects. The session is closed on the
// journal and the transport before Run returns.
func (p *Peer) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	go p.loop.Run(loopCtx)

	var ready <-chan struct{}
	if w, ok := p.tr.(interface{ Ready() <-chan struct{} }); ok {
		ready = w.Ready()
	}

	ticker := time.NewTicker(p.opts.UpdateRate)
	defer ticker.Stop()

	p.logger.Info("peer running", "session", p.opts.SessionID, "players", p.opts.Engine.Players)

run:
	for {
		select {
		case <-ctx.Done():
			break run
		case <-p.stopped:
			break run
		case <-p.loop.Done():
			break run
		case <-ticker.C:
			p.Pump()
		case <-ready:
			p.Pump()
		}
	}

	cancel()
	p.loop.Stop()
	<-p.loop.Done()
	p.Shutdown()

	err := p.Err()
	if err != nil {
		p.logger.Warn("peer stopped", "turn", p.engine.CurrentTurn(), "error", err)
	} else {
		p.logger.Info("peer stopped", "turn", p.engine.CurrentTurn())
	}
	return err
}

// Shutdown drains the dispatcher, ends the journal session and closes the
// transport. Run calls it on exit; it is a no-op after the first call.
func (p *Peer) Shutdown() {
	p.shutOnce.Do(func() {
		p.dispatcher.Close()
		if p.opts.Journal != nil {
			if err := p.opts.Journal.EndSession(); err != nil {
				p.logger.Error("failed to end journal session", "error", err)
			}
		}
		if err := p.tr.Close(); err != nil {
			p.logger.Warn("failed to close transport", "error", err)
		}
	})
}
