package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OCAP2/lockstep/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	LogLevel  string
	LogToFile bool
	Format    string // "json" | "text"

	cfg      config.Config
	loadErr  error
	warnings []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lockstep CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "lockstep",
		Short:   "Deterministic lockstep peers and relay",
		Long:    "Runs the websocket relay, lockstep peers, an in-process demo session and journal replay.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory containing "+config.FileName)
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logLevel (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.LogToFile, "log-file", false, "write logs to a file under logsDir instead of stdout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewPeerCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

// load reads the config file, applies flag overrides and validates the
// result. A missing config file is not an error, defaults apply.
func (o *RootOptions) load() error {
	viper.Reset()
	o.loadErr = config.Load(o.ConfigDir)
	if o.LogLevel != "" {
		viper.Set("logLevel", o.LogLevel)
	}

	cfg, err := config.Get()
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.warnings = warnings
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
