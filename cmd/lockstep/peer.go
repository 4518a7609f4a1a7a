package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/OCAP2/lockstep/internal/config"
	"github.com/OCAP2/lockstep/internal/lockstep"
	"github.com/OCAP2/lockstep/internal/monitor"
	"github.com/OCAP2/lockstep/internal/peer"
	"github.com/OCAP2/lockstep/internal/storage"
	"github.com/OCAP2/lockstep/internal/transport/websocket"
)

// PeerOptions holds flags for the peer command.
type PeerOptions struct {
	*RootOptions
	Relay    string
	Name     string
	Bot      bool
	BotEvery int
	Duration time.Duration
}

// PeerResult is printed when the peer stops.
type PeerResult struct {
	Session       string `json:"session"`
	Slot          int32  `json:"slot"`
	Turn          int64  `json:"turn"`
	TurnsExecuted uint64 `json:"turns_executed"`
	Stalls        uint64 `json:"stalls"`
	Checksum      string `json:"checksum"`
	Journal       string `json:"journal,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewPeerCommand creates the peer command.
func NewPeerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PeerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a session through the relay",
		Long: `Connect to the relay, wait for the session to start and run the lockstep
engine until interrupted, the duration elapses or the relay goes away.
Every executed turn is journaled to the configured storage backend.

Examples:
  lockstep peer --bot
  lockstep peer --relay ws://10.0.0.5:7777/ --name alice --duration 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay websocket URL (default net.relayAddress)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name announced to the lobby")
	cmd.Flags().BoolVar(&opts.Bot, "bot", false, "issue generated commands")
	cmd.Flags().IntVar(&opts.BotEvery, "bot-every", 8, "updates between bot commands")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

func runPeer(opts *PeerOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, "peer")
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	url := a.cfg.Net.RelayAddress
	if opts.Relay != "" {
		url = opts.Relay
	}

	client, err := websocket.Dial(ctx, websocket.ClientConfig{
		URL:            url,
		Key:            a.cfg.Net.ConnectionKey,
		Name:           opts.Name,
		ReconnectDelay: a.cfg.Net.ReconnectDelay(),
		MaxAttempts:    a.cfg.Net.MaxConnectAttempts,
		WriteTimeout:   a.cfg.Net.WriteTimeout(),

		PingInterval:      a.cfg.Net.PingInterval(),
		DisconnectTimeout: a.cfg.Net.DisconnectTimeout(),
	}, a.logger.With("component", "transport"))
	if err != nil {
		return err
	}

	hs, early, err := peer.AwaitStart(ctx, client, a.logger)
	if err != nil {
		_ = client.Close()
		return err
	}

	journal, err := createStorageBackend(a, a.cfg.Storage)
	if err != nil {
		_ = client.Close()
		return err
	}
	if err := journal.Init(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			a.logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	var running atomic.Pointer[peer.Peer]
	logger := a.logs.WithContext(func() []slog.Attr {
		if p := running.Load(); p != nil {
			return []slog.Attr{slog.Int64("turn", p.Engine().CurrentTurn())}
		}
		return nil
	}).With("role", "peer")

	p, err := peer.New(client, peerOptions(a.cfg, hs, journal, logger))
	if err != nil {
		_ = client.Close()
		return err
	}
	running.Store(p)
	if opts.Bot {
		p.AddBehaviour(peer.NewBot(p, hs.Slot, opts.BotEvery, 0))
	}
	p.Replay(early)

	stopMonitor := startMonitor(ctx, a, p.Engine(), hs)
	defer stopMonitor()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	runErr := p.Run(ctx)
	res := peerResult(hs, p, journal)
	if runErr != nil {
		res.Error = runErr.Error()
	}
	if err := printResult(cmd, opts.Format, res, func() string {
		line := fmt.Sprintf("session %s slot %d: turn %d, %d turns executed, %d stalls, checksum %s",
			res.Session, res.Slot, res.Turn, res.TurnsExecuted, res.Stalls, res.Checksum)
		if res.Journal != "" {
			line += "\njournal written to " + res.Journal
		}
		return line
	}); err != nil {
		return err
	}

	if errors.Is(runErr, peer.ErrDisconnected) {
		return runErr
	}
	return nil
}

func engineConfig(cfg config.Config, slot int32, players int) lockstep.Config {
	return lockstep.Config{
		Slot:          slot,
		Players:       players,
		Window:        cfg.Lockstep.WindowSize,
		Offset:        cfg.Lockstep.ScheduleOffset,
		FramesPerTurn: cfg.Lockstep.FramesPerTurn,
	}
}

func peerOptions(cfg config.Config, hs peer.Handshake, journal storage.Backend, logger *slog.Logger) peer.Options {
	return peer.Options{
		Engine:     engineConfig(cfg, hs.Slot, hs.Players),
		Tick:       cfg.Lockstep.Tick(),
		MaxElapsed: cfg.Lockstep.MaxElapsed(),
		UpdateRate: cfg.Net.UpdateRate(),
		SessionID:  hs.Session,
		Journal:    journal,
		Logger:     logger,
	}
}

// startMonitor starts the status monitor when enabled. Points go to influx
// when it is enabled and reachable. The returned func stops both.
func startMonitor(ctx context.Context, a *app, source monitor.StatsSource, hs peer.Handshake) func() {
	if !a.cfg.Monitor.Enabled {
		return func() {}
	}

	deps := monitor.Dependencies{
		Source:     source,
		Logger:     a.logger.With("component", "monitor"),
		StatusFile: a.cfg.Monitor.StatusFile,
		Interval:   a.cfg.Monitor.Interval,
		SessionID:  hs.Session,
		Slot:       hs.Slot,
	}
	m := a.connectInflux(ctx)
	if m != nil {
		deps.Influx = m
	}
	closeInflux := func() {
		if m != nil {
			if err := m.Close(); err != nil {
				a.logger.Warn("Failed to close InfluxDB client", "error", err)
			}
		}
	}

	mon := monitor.NewService(deps)
	if err := mon.Start(); err != nil {
		a.logger.Warn("Failed to start status monitor", "error", err)
		return closeInflux
	}
	return func() {
		mon.Stop()
		closeInflux()
	}
}

func peerResult(hs peer.Handshake, p *peer.Peer, journal storage.Backend) PeerResult {
	stats := p.Engine().Stats()
	res := PeerResult{
		Session:       hs.Session,
		Slot:          hs.Slot,
		Turn:          stats.Turn,
		TurnsExecuted: stats.TurnsExecuted,
		Stalls:        stats.Stalls,
		Checksum:      fmt.Sprintf("%016x", p.World().Checksum()),
	}
	if exp, ok := journal.(storage.Exportable); ok {
		res.Journal = exp.ExportedFilePath()
	}
	return res
}
