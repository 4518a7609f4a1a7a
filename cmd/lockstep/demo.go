package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/OCAP2/lockstep/internal/peer"
	"github.com/OCAP2/lockstep/internal/storage"
	"github.com/OCAP2/lockstep/internal/transport/loopback"
	"github.com/OCAP2/lockstep/pkg/command"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Players  int
	Duration time.Duration
	BotEvery int
}

// DemoPeer is one peer's outcome.
type DemoPeer struct {
	Slot          int32  `json:"slot"`
	Turn          int64  `json:"turn"`
	TurnsExecuted uint64 `json:"turns_executed"`
	Stalls        uint64 `json:"stalls"`
	Checksum      string `json:"checksum"`
}

// DemoResult holds the outcome of an in-process session.
type DemoResult struct {
	Session     string     `json:"session"`
	Peers       []DemoPeer `json:"peers"`
	CommonTurns int        `json:"common_turns"`
	Diverged    []int64    `json:"diverged,omitempty"`
	Journal     string     `json:"journal,omitempty"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run bot peers in-process and compare their checksums",
		Long: `Run a session of bot-driven peers connected through an in-process network.
When the duration elapses the per-turn world checksums of all peers are
compared. Slot 1 journals its turns to the configured storage backend.

Examples:
  lockstep demo
  lockstep demo --players 4 --duration 30s --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Players, "players", 0, "number of peers (default lockstep.players)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 5*time.Second, "how long the session runs")
	cmd.Flags().IntVar(&opts.BotEvery, "bot-every", 4, "updates between bot commands")

	return cmd
}

// turnLog records the checksum of every executed turn per slot.
type turnLog struct {
	mu     sync.Mutex
	bySlot map[int32]map[int64]uint64
}

func (l *turnLog) observer(slot int32) peer.TurnFunc {
	l.mu.Lock()
	l.bySlot[slot] = make(map[int64]uint64)
	l.mu.Unlock()

	return func(turn int64, _ []command.Command, sum uint64) {
		l.mu.Lock()
		l.bySlot[slot][turn] = sum
		l.mu.Unlock()
	}
}

// compare returns the number of turns every slot executed and the turns
// whose checksums disagree.
func (l *turnLog) compare() (int, []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	common := 0
	var diverged []int64
	for turn, want := range l.bySlot[1] {
		shared, agree := true, true
		for _, sums := range l.bySlot {
			got, ok := sums[turn]
			if !ok {
				shared = false
				break
			}
			if got != want {
				agree = false
			}
		}
		if !shared {
			continue
		}
		common++
		if !agree {
			diverged = append(diverged, turn)
		}
	}
	sort.Slice(diverged, func(i, j int) bool { return diverged[i] < diverged[j] })
	return common, diverged
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, "demo")
	if err != nil {
		return err
	}
	defer a.close()

	players := a.cfg.Lockstep.Players
	if opts.Players > 0 {
		players = opts.Players
	}

	journal, err := createStorageBackend(a, a.cfg.Storage)
	if err != nil {
		return err
	}
	if err := journal.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			a.logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	session := uuid.NewString()
	network := loopback.NewNetwork()
	log := &turnLog{bySlot: make(map[int32]map[int64]uint64)}

	peers := make([]*peer.Peer, 0, players)
	for slot := int32(1); int(slot) <= players; slot++ {
		hs := peer.Handshake{Slot: slot, Players: players, Session: session}
		var j storage.Backend
		if slot == 1 {
			j = journal
		}
		po := peerOptions(a.cfg, hs, j, a.logger.With("role", "peer"))
		po.OnTurn = log.observer(slot)

		p, err := peer.New(network.Join(slot), po)
		if err != nil {
			for _, started := range peers {
				started.Shutdown()
			}
			return err
		}
		p.AddBehaviour(peer.NewBot(p, slot, opts.BotEvery, 0))
		peers = append(peers, p)
	}

	a.logger.Info("Demo session starting", "session", session, "players", players, "duration", opts.Duration)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer.Peer) {
			defer wg.Done()
			_ = p.Run(ctx)
		}(p)
	}
	wg.Wait()

	res := DemoResult{Session: session}
	for i, p := range peers {
		stats := p.Engine().Stats()
		res.Peers = append(res.Peers, DemoPeer{
			Slot:          int32(i + 1),
			Turn:          stats.Turn,
			TurnsExecuted: stats.TurnsExecuted,
			Stalls:        stats.Stalls,
			Checksum:      fmt.Sprintf("%016x", p.World().Checksum()),
		})
	}
	res.CommonTurns, res.Diverged = log.compare()
	if exp, ok := journal.(storage.Exportable); ok {
		res.Journal = exp.ExportedFilePath()
	}

	if err := printResult(cmd, opts.Format, res, func() string { return demoText(res) }); err != nil {
		return err
	}
	if len(res.Diverged) > 0 {
		return fmt.Errorf("%w: %d turns", ErrDiverged, len(res.Diverged))
	}
	return nil
}

func demoText(res DemoResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", res.Session)
	for _, p := range res.Peers {
		fmt.Fprintf(&b, "  slot %d: turn %d, %d turns executed, %d stalls, checksum %s\n",
			p.Slot, p.Turn, p.TurnsExecuted, p.Stalls, p.Checksum)
	}
	if len(res.Diverged) == 0 {
		fmt.Fprintf(&b, "checksums agree on %d common turns", res.CommonTurns)
	} else {
		fmt.Fprintf(&b, "%d of %d common turns diverged", len(res.Diverged), res.CommonTurns)
	}
	if res.Journal != "" {
		fmt.Fprintf(&b, "\njournal written to %s", res.Journal)
	}
	return b.String()
}
