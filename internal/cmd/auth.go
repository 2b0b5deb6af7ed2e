package cmd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/workers"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize mirror modules with Strava",
}

var authURLCmd = &cobra.Command{
	Use:   "url <identifier>",
	Short: "Print the Strava authorization URL of a module from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		cfg, err := staticModule(conf, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), auth.NewFlow(conf.API.OAuthBaseURL).AuthorizationURL(auth.AuthorizeArgs{
			ClientID:       cfg.ClientID,
			RedirectURI:    conf.RedirectURI(),
			Scope:          auth.DefaultScope,
			State:          args[0],
			ApprovalPrompt: workers.ApprovalPrompt,
		}))
		return nil
	},
}

var authOpenCmd = &cobra.Command{
	Use:   "open [identifier]",
	Short: "Open the authorization page of the running server in a browser",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}

		target := conf.AuthPage()
		if len(args) == 1 {
			target = strings.TrimRight(conf.Server.BaseURL, "/") + "/auth/request?" +
				url.Values{"module_identifier": {args[0]}}.Encode()
		}

		logging.Logger.Info().Str("url", target).Msg("opening browser")
		if err := browser.OpenURL(target); err != nil {
			logging.Logger.Warn().Err(err).Msg("could not open browser")
			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize:\n\n%s\n\n", target)
		}
		return nil
	},
}

func init() {
	authCmd.AddCommand(authURLCmd, authOpenCmd)
}

// staticModule returns the normalized config of a module listed in the config file.
func staticModule(conf *config.Config, identifier string) (config.ModuleConfig, error) {
	for _, m := range conf.Modules {
		if m.Identifier != identifier {
			continue
		}
		cfg, err := m.ModuleConfig(time.Now())
		if err != nil {
			return config.ModuleConfig{}, err
		}
		cfg.Normalize(time.Now())
		if err := cfg.Validate(); err != nil {
			return config.ModuleConfig{}, err
		}
		return cfg, nil
	}
	return config.ModuleConfig{}, fmt.Errorf("module %q is not listed in the config file", identifier)
}
