// Package cli assembles the maestro command tree. The root command runs the
// local IPC transport; `serve` runs the remote transport; `setup` persists
// the Agent binary override.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/maestroio/cli/cmd/maestro/cli/coordinator"
	"github.com/maestroio/cli/cmd/maestro/cli/local"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/paths"
	"github.com/maestroio/cli/cmd/maestro/cli/settings"
	"github.com/maestroio/cli/cmd/maestro/cli/telemetry"
)

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// SilentError signals that the command already reported its failure and the
// caller should only set the exit code.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string { return e.Err.Error() }
func (e *SilentError) Unwrap() error { return e.Err }

// NewRootCmd builds the maestro command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro session orchestrator runtime",
		Long: "Maestro supervises interactive Agent CLI sessions against project\n" +
			"directories: it spawns and streams sessions, checkpoints project files\n" +
			"and transcripts, and restores any prior point in a session's timeline.\n\n" +
			"Without a subcommand it speaks the local JSON transport on stdio;\n" +
			"use 'maestro serve' for the HTTP transport.",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			s, err := settings.Load()
			if err != nil {
				return
			}
			client := telemetry.NewClient(Version, s.Telemetry)
			defer client.Close()
			client.TrackCommand(cmd, s.CheckpointStrategy)
		},
		RunE: runLocal,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// bootstrap loads settings, initialises logging, and builds the runtime
// context shared by both transports.
func bootstrap() (*coordinator.Coordinator, *settings.Settings, error) {
	s, err := settings.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading settings: %w", err)
	}

	logging.SetLogLevelGetter(func() string { return s.LogLevel })
	if err := logging.Init(); err != nil {
		return nil, nil, fmt.Errorf("initialising logging: %w", err)
	}

	dataRoot, err := paths.DataRoot()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving data root: %w", err)
	}

	return coordinator.New(dataRoot, s), s, nil
}

// runLocal speaks the local JSON transport on stdin/stdout.
func runLocal(cmd *cobra.Command, _ []string) error {
	coord, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer coord.Close()
	defer logging.Close()

	// A human at a terminal almost certainly wanted a subcommand; say so on
	// stderr without disturbing the protocol stream.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(cmd.ErrOrStderr(), "maestro: local transport ready (line-delimited JSON on stdio; ctrl-d to exit)")
	}

	t := local.New(coord, cmd.InOrStdin(), cmd.OutOrStdout())
	return t.Run(cmd.Context())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maestro %s (%s)\n", Version, Commit)
		},
	}
}
