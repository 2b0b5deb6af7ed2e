package cmd

import (
	"os/signal"
	"syscall"

	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/server"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the modules from the config file over MCP on stdio",
	Long: `Runs the scheduler for the modules listed in the config file and exposes
them to an MCP client over stdin/stdout. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(ctx, conf)
		if err != nil {
			return err
		}
		defer d.Close()

		d.registerStatic(ctx)
		d.orch.Start()
		go d.persist(ctx)

		logging.Logger.Info().Int("modules", len(conf.Modules)).Msg("MCP server running via stdio")
		return server.New(d.orch, d.hub).Run(ctx)
	},
}
