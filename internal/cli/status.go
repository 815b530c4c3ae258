package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()
		st, err := client.Status(ctx)
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, st)
		}
		return writeKeyValues(out, [][2]string{
			{"version", st.Version},
			{"host", st.Hostname},
			{"uptime", formatDuration(time.Since(st.StartedAt))},
			{"accounts", fmt.Sprint(st.Accounts)},
			{"active turns", fmt.Sprint(st.ActiveSessions)},
			{"unsaved accounts", fmt.Sprint(st.DirtyAccounts)},
		})
	},
}
