package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cubent/usagemeter/internal/daemon"
	"github.com/spf13/cobra"
)

var admitModel string

func init() {
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(admitCmd)
	admitCmd.Flags().StringVar(&admitModel, "model", "", "model the request would use")
}

var usageCmd = &cobra.Command{
	Use:   "usage <user>",
	Short: "Show a user's usage",
	Long:  "Show a user's current period counters against their tier limits, with the per-model breakdown.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()
		resp, err := client.GetUsage(ctx, args[0])
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, resp)
		}
		return writeUsage(cmd, resp)
	},
}

func writeUsage(cmd *cobra.Command, resp *daemon.UsageResponse) error {
	out := cmd.OutOrStdout()
	l, q := resp.Ledger, resp.Quota

	fmt.Fprintf(out, "User: %s  Tier: %s\n\n", l.UserID, q.Tier)
	rows := [][]string{
		{"monthly tokens", formatUsed(l.Current.MonthTokens, q.MonthlyTokenLimit)},
		{"monthly cost", formatCostUsed(l.Current.MonthCost, q.MonthlyCostLimit)},
		{"hourly requests", formatUsed(l.Current.HourRequests, q.HourlyRequestLimit)},
		{"daily requests", formatUsed(l.Current.DayRequests, q.DailyRequestLimit)},
	}
	if err := writeTable(out, []string{"LIMIT", "USED"}, rows); err != nil {
		return err
	}

	if len(l.Models) > 0 {
		names := make([]string, 0, len(l.Models))
		for name := range l.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		rows = rows[:0]
		for _, name := range names {
			m := l.Models[name]
			rows = append(rows, []string{
				name,
				strconv.FormatInt(m.Tokens, 10),
				formatCost(m.Cost),
				strconv.FormatInt(m.Requests, 10),
			})
		}
		fmt.Fprintln(out)
		if err := writeTable(out, []string{"MODEL", "TOKENS", "COST", "REQUESTS"}, rows); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\nLifetime: %d tokens, %s cost, %d requests\n",
		l.Lifetime.TotalTokens, formatCost(l.Lifetime.TotalCost), l.Lifetime.TotalRequests)
	if n := len(resp.ActiveSessions); n > 0 {
		fmt.Fprintf(out, "Active turns: %d\n", n)
	}
	return nil
}

var admitCmd = &cobra.Command{
	Use:   "admit <user>",
	Short: "Check whether a request would be admitted",
	Long:  "Ask the daemon whether a provider request for the user would pass quota and model checks.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := callContext(cmd.Context())
		defer cancel()
		d, err := client.Admit(ctx, args[0], admitModel)
		if err != nil {
			return daemonError(err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, d)
		}

		fmt.Fprintln(out, formatDecision(d))
		fmt.Fprintf(out, "Remaining: %s tokens, %s cost\n", formatLimit(d.RemainingTokens), formatCostLimit(d.RemainingCost))
		if d.Message != "" {
			fmt.Fprintf(out, "Message: %s\n", d.Message)
		}
		if d.ResetAt != nil {
			fmt.Fprintf(out, "Resets: %s\n", d.ResetAt.Format(time.RFC3339))
		}
		return nil
	},
}
