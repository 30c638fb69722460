package cli

import (
	"github.com/spf13/cobra"

	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/server"
)

// Remote transport defaults. The bind address stays loopback-only unless the
// user says otherwise; the runtime carries no authentication.
const (
	defaultBindAddr = "127.0.0.1"
	defaultPort     = 7465
)

func newServeCmd() *cobra.Command {
	var bind string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote HTTP transport",
		Long: "Serves the command surface over HTTP with a WebSocket streaming\n" +
			"upgrade at /api/sessions/{session_id}/stream.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer coord.Close()
			defer logging.Close()

			srv := server.New(coord, bind, port)
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&bind, "bind", defaultBindAddr, "address to bind")
	cmd.Flags().IntVar(&port, "port", defaultPort, "port to listen on")
	return cmd
}
