package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/daemon"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const callTimeout = 10 * time.Second

func resolveAddr() string {
	if daemonAddr != "" {
		return daemonAddr
	}
	return GetConfig().GRPCAddr()
}

func dialDaemon() (*daemon.Client, error) {
	addr := resolveAddr()
	client, err := daemon.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to meterd at %s: %w", addr, err)
	}
	return client, nil
}

func callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, callTimeout)
}

// daemonError turns transport failures into actionable messages.
func daemonError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &PreflightError{
			Message:  fmt.Sprintf("meterd is not reachable at %s", resolveAddr()),
			Hint:     "Start the daemon or pass --addr",
			NextStep: "meterd serve",
		}
	case codes.Unimplemented:
		return &PreflightError{
			Message: st.Message(),
			Hint:    "Usage history requires the sqlite store driver",
		}
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
