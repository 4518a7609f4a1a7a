package main

import (
	"github.com/spf13/cobra"

	"github.com/OCAP2/lockstep/internal/transport/websocket"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen  string
	Players int
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay peers connect to",
		Long: `Run the relay. Peers are given the first free slot, turn packets are
forwarded to every other peer and the session starts once all slots are taken.

Examples:
  lockstep relay
  lockstep relay --listen :9000 --players 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default net.listenAddress)")
	cmd.Flags().IntVar(&opts.Players, "players", 0, "players per session (default lockstep.players)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, "relay")
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.Net.ListenAddress
	if opts.Listen != "" {
		addr = opts.Listen
	}
	players := a.cfg.Lockstep.Players
	if opts.Players > 0 {
		players = opts.Players
	}

	relay := websocket.NewRelay(websocket.RelayConfig{
		Players:      players,
		Key:          a.cfg.Net.ConnectionKey,
		WriteTimeout: a.cfg.Net.WriteTimeout(),

		PingInterval:      a.cfg.Net.PingInterval(),
		DisconnectTimeout: a.cfg.Net.DisconnectTimeout(),
	}, a.logger.With("component", "relay"))

	return relay.Serve(cmd.Context(), addr)
}
