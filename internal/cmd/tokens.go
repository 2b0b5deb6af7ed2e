package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/spf13/cobra"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect and revoke stored Strava tokens",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens by client id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), conf)
		if err != nil {
			return err
		}
		defer closeStore()

		tokens := store.Read(cmd.Context())
		if len(tokens) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tokens stored.")
			return nil
		}

		ids := make([]string, 0, len(tokens))
		for id := range tokens {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT ID\tATHLETE\tEXPIRES\tSTATUS")
		for _, id := range ids {
			token, ok := tokens.Get(id)
			if !ok {
				continue
			}
			status := "valid"
			switch {
			case token.ExpiresWithin(now, 0):
				status = "expired (refreshed on next cycle)"
			case auth.IsTokenExpired(token.ExpiresAt):
				status = "expiring (refreshed on next cycle)"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, token.AthleteID(),
				time.Unix(token.ExpiresAt, 0).Format(time.RFC3339), status)
		}
		return w.Flush()
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <client_id>",
	Short: "Delete the stored token of a client id, forcing re-authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), conf)
		if err != nil {
			return err
		}
		defer closeStore()

		if _, err := auth.Load(cmd.Context(), store, args[0]); err != nil {
			return fmt.Errorf("client %s: %w", args[0], err)
		}
		if _, err := store.Save(cmd.Context(), args[0], nil); err != nil {
			return fmt.Errorf("deleting token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token for client %s deleted.\n", args[0])
		return nil
	},
}

func init() {
	tokensCmd.AddCommand(tokensListCmd, tokensRevokeCmd)
}
