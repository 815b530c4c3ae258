// Package cli provides TUI launch commands.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/tui"
	"github.com/cubent/usagemeter/internal/tui/styles"
	"github.com/spf13/cobra"
)

var (
	topInterval time.Duration
	topTheme    string
)

func init() {
	rootCmd.AddCommand(topCmd)
	topCmd.Flags().DurationVar(&topInterval, "interval", 0, "refresh interval (default 2s, or USAGEMETER_TOP_INTERVAL)")
	topCmd.Flags().StringVar(&topTheme, "theme", "", "color theme ("+strings.Join(styles.ThemeNames(), ", ")+")")
}

var topCmd = &cobra.Command{
	Use:   "top <user>",
	Short: "Live usage dashboard",
	Long:  "Open a terminal dashboard with a user's quota gauges, model breakdown and alerts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if IsNonInteractive() {
			return &PreflightError{
				Message:  "top requires an interactive terminal",
				Hint:     "Run without --non-interactive and with a TTY, or use meterd usage",
				NextStep: "meterd usage " + args[0],
			}
		}

		opts, err := topOptions()
		if err != nil {
			return err
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		return tui.Run(cmd.Context(), client, args[0], opts)
	},
}

func topOptions() (tui.Options, error) {
	opts := tui.DefaultOptions()
	if threshold := GetConfig().Alerts.WarningThreshold; threshold > 0 {
		opts.WarnAt = threshold
	}
	if value := strings.TrimSpace(os.Getenv("USAGEMETER_TOP_INTERVAL")); value != "" {
		if parsed, ok := parseEnvDuration(value); ok && parsed > 0 {
			opts.Interval = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("USAGEMETER_TOP_THEME")); value != "" {
		opts.Theme = value
	}
	if topInterval > 0 {
		opts.Interval = topInterval
	}
	if topTheme != "" {
		opts.Theme = topTheme
	}
	if _, ok := styles.Themes[opts.Theme]; !ok {
		return opts, fmt.Errorf("unknown theme %q (available: %s)", opts.Theme, strings.Join(styles.ThemeNames(), ", "))
	}
	return opts, nil
}

func parseEnvDuration(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed, true
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
