package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/spf13/cobra"
)

var (
	historySince string
	historyLimit int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historySince, "since", "", "only records completed after this time (RFC3339 or a duration like 24h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records to show (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Show committed usage records",
	Long:  "Show a user's committed turns, newest first. Requires the daemon to run with the sqlite store.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := parseSince(historySince, time.Now())
		if err != nil {
			return err
		}
		if historyLimit < 0 {
			return fmt.Errorf("--limit must be non-negative")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()
		resp, err := client.History(ctx, args[0], since, historyLimit)
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONLOutput() {
			return writeList(out, resp.Records)
		}
		if IsJSONOutput() {
			return WriteOutput(out, resp)
		}
		if len(resp.Records) == 0 {
			fmt.Fprintln(out, "No usage recorded.")
			return nil
		}
		if err := writeTable(out, []string{"COMPLETED", "TURN", "MODEL", "TOKENS", "COST", "REQUESTS", "RECLAIMED"}, historyRows(resp.Records)); err != nil {
			return err
		}
		if s := resp.Summary; s != nil {
			fmt.Fprintf(out, "\nTotal: %d tokens, %s cost\n", s.TotalTokens, formatCost(s.TotalCost))
		}
		return nil
	},
}

// parseSince accepts an RFC3339 timestamp or a duration back from now.
func parseSince(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if d, ok := parseEnvDuration(value); ok && d > 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid --since %q: use RFC3339 or a duration such as 24h", value)
}

func historyRows(records []*models.UsageRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		model := r.ModelID
		if model == "" {
			model = "-"
		}
		rows = append(rows, []string{
			r.CompletedAt.Format(time.RFC3339),
			r.TurnID,
			model,
			strconv.FormatInt(r.TotalTokens, 10),
			formatCost(r.Cost),
			strconv.FormatInt(r.RequestCount, 10),
			formatYesNo(r.Reclaimed),
		})
	}
	return rows
}
