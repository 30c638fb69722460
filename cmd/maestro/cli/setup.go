package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/maestroio/cli/cmd/maestro/cli/resolver"
	"github.com/maestroio/cli/cmd/maestro/cli/settings"
)

func newSetupCmd() *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Choose which Agent installation to use",
		Long: "Discovers Agent CLI installations on this machine and persists the\n" +
			"chosen one as the preferred binary. The AGENT_BIN environment\n" +
			"variable overrides this choice.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.Load()
			if err != nil {
				return fmt.Errorf("loading settings: %w", err)
			}
			res := resolver.New(s)

			if clear {
				if err := res.ClearOverride(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared the Agent binary override.")
				return nil
			}

			installations, err := res.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(installations) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No Agent installation found. Install the Agent CLI, or set AGENT_BIN.")
				return &SilentError{Err: errors.New("no agent installation found")}
			}

			if !term.IsTerminal(int(os.Stdin.Fd())) {
				// Non-interactive: persist the best candidate directly.
				if err := res.PersistUserOverride(installations[0].Path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", installations[0].Path)
				return nil
			}

			options := make([]huh.Option[string], 0, len(installations))
			for _, inst := range installations {
				label := inst.Path
				if inst.Version != "" {
					label = fmt.Sprintf("%s (v%s)", inst.Path, inst.Version)
				}
				options = append(options, huh.NewOption(label, inst.Path))
			}

			var chosen string
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title("Agent installation").
					Description("Discovered installations, best first").
					Options(options...).
					Value(&chosen),
			))
			if err := form.Run(); err != nil {
				return fmt.Errorf("selection aborted: %w", err)
			}

			if err := res.PersistUserOverride(chosen); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", chosen)
			return nil
		},
	}

	cmd.Flags().BoolVar(&clear, "clear", false, "clear the persisted override")
	return cmd
}
