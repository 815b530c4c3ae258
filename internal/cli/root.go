// Package cli implements the meterd command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cubent/usagemeter/internal/config"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	logLevel       string
	daemonAddr     string
	jsonOutput     bool
	jsonlOutput    bool
	noColor        bool
	noProgress     bool
	nonInteractive bool

	appConfig  *config.Config
	appVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "meterd",
	Short:         "Usage metering and quota admission",
	Long:          "meterd tracks per-user model usage, enforces tier quotas and raises threshold alerts.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput && jsonlOutput {
			return errors.New("--json and --jsonl are mutually exclusive")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if strings.TrimSpace(logLevel) != "" {
			cfg.Logging.Level = logLevel
		}
		logging.Init(cfg.Logging)
		appConfig = cfg
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/usagemeter/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	flags.StringVar(&daemonAddr, "addr", "", "daemon gRPC address (default from config)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt or open the TUI")
}

// Execute runs the root command and returns the process exit code.
func Execute(version string) int {
	if strings.TrimSpace(version) != "" {
		appVersion = version
		rootCmd.Version = version
	}
	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	var preflight *PreflightError
	if errors.As(err, &preflight) {
		fmt.Fprintf(w, "Error: %s\n", preflight.Message)
		if preflight.Hint != "" {
			fmt.Fprintf(w, "Hint: %s\n", preflight.Hint)
		}
		if preflight.NextStep != "" {
			fmt.Fprintf(w, "Next: %s\n", preflight.NextStep)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// GetConfig returns the configuration loaded for the running command.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// WriteOutput encodes v as indented JSON, or as a single compact line in
// JSON lines mode.
func WriteOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !IsJSONLOutput() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// writeList is WriteOutput for slices: JSON lines mode emits one line per item.
func writeList[T any](w io.Writer, items []T) error {
	if !IsJSONLOutput() {
		if items == nil {
			items = []T{}
		}
		return WriteOutput(w, items)
	}
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// PreflightError is a user-facing failure with a suggested fix.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	if e.Hint == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
}
