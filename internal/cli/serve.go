package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cubent/usagemeter/internal/daemon"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metering daemon",
	Long:  "Serve the gRPC and HTTP APIs and run the stale session sweeper until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd.ErrOrStderr())
	},
}

func runServe(ctx context.Context, progress io.Writer) error {
	cfg := GetConfig()
	logger := logging.Component("meterd")

	step := startProgress(progress, "Opening stores")
	rt, err := daemon.Build(ctx, cfg)
	if err != nil {
		step.Fail(err)
		return err
	}
	step.Done()
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close runtime")
		}
	}()

	d, err := daemon.New(rt, logger, daemon.Options{Version: appVersion})
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", appVersion).
		Str("grpc", cfg.GRPCAddr()).
		Str("http", cfg.HTTPAddr()).
		Str("store", cfg.Store.Driver).
		Msg("meterd starting")
	return d.Run(ctx)
}
