package cli

import (
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/spf13/cobra"
)

var alertsAll bool

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.Flags().BoolVar(&alertsAll, "all", false, "include acknowledged alerts")
}

var alertsCmd = &cobra.Command{
	Use:   "alerts <user>",
	Short: "List a user's alerts",
	Long:  "List threshold alerts raised for a user. Only unacknowledged alerts are shown unless --all is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()
		alerts, err := client.ListAlerts(ctx, args[0], !alertsAll)
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return writeList(out, alerts)
		}
		if len(alerts) == 0 {
			fmt.Fprintln(out, "No alerts.")
			return nil
		}
		return writeTable(out, []string{"ID", "SEVERITY", "TYPE", "STATE", "CREATED", "MESSAGE"}, alertRows(alerts))
	},
}

func alertRows(alerts []models.Alert) [][]string {
	rows := make([][]string, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []string{
			a.ID,
			formatSeverity(a.Severity),
			string(a.Type),
			formatAcked(a),
			a.CreatedAt.Format(time.RFC3339),
			truncate(a.Message, maxMessageCell),
		})
	}
	return rows
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <user> <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, alertID := args[0], args[1]

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()

		// Acknowledge through the owner only, like the HTTP route does.
		owned, err := client.ListAlerts(ctx, userID, false)
		if err != nil {
			return daemonError(err)
		}
		found := false
		for _, a := range owned {
			if a.ID == alertID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("alert %s not found for user %s", alertID, userID)
		}

		alert, err := client.AckAlert(ctx, alertID)
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, alert)
		}
		fmt.Fprintf(out, "Acknowledged %s (%s)\n", alert.ID, alert.Message)
		return nil
	},
}
