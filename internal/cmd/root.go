package cmd

import (
	"fmt"
	"os"

	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/spf13/cobra"
)

var (
	verbosity  int
	configPath string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "strava-mirror",
	Short: "Strava data backend for smart mirror widgets",
	Long: `strava-mirror fetches Strava statistics and activities for the widgets
of a smart mirror, aggregates them into totals, chart intervals and goal
progress, and publishes the results to the display.

Each widget registers with its own Strava application credentials. Open
<baseURL>/auth/ in a browser to authorize a widget the first time.

Configuration is read from the file given with --config, from .env, and
from STRAVA_MIRROR_* environment variables.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logging.Level(verbosity))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase verbosity (-v for debug, -vv for trace with HTTP headers)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "HTTP port, overrides server.port")

	rootCmd.AddCommand(serveCmd, authCmd, tokensCmd, mcpCmd)
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if port > 0 {
		conf.Server.Port = port
	}
	return conf, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
