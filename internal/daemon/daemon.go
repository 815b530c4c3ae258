// Package daemon runs the meter as a long-lived service with a gRPC API, an
// HTTP API and a background sweeper.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Options configure the daemon runtime.
type Options struct {
	Version string

	// GRPCListener and HTTPListener replace the configured addresses when set.
	GRPCListener net.Listener
	HTTPListener net.Listener
}

// Daemon is the long-running meter process.
type Daemon struct {
	rt     *Runtime
	logger zerolog.Logger
	opts   Options

	server     *Server
	limiter    *RateLimiter
	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
}

// New constructs a daemon over an already built runtime.
func New(rt *Runtime, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	dc := rt.Config.Daemon

	server := rt.NewServer(WithVersion(opts.Version))

	limiter := NewRateLimiter(
		WithLimiterClock(rt.clock),
		WithEnabled(dc.RateLimit > 0),
		WithGlobalLimit(RateLimitConfig{RequestsPerSecond: dc.RateLimit, BurstSize: dc.RateBurst}),
	)

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(limiter.UnaryServerInterceptor()))
	RegisterMeterServer(grpcServer, server)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	httpServer := &http.Server{
		Handler:           NewHTTPHandler(server, rt.Metrics.Handler(), limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		rt:         rt,
		logger:     logger,
		opts:       opts,
		server:     server,
		limiter:    limiter,
		health:     healthServer,
		grpcServer: grpcServer,
		httpServer: httpServer,
	}, nil
}

// Run starts the listeners and the sweeper and blocks until ctx is canceled
// or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	grpcLis, err := d.listen(d.opts.GRPCListener, d.rt.Config.GRPCAddr())
	if err != nil {
		return err
	}
	httpLis, err := d.listen(d.opts.HTTPListener, d.rt.Config.HTTPAddr())
	if err != nil {
		grpcLis.Close()
		return err
	}

	if err := d.rt.Sweeper.Start(ctx); err != nil {
		grpcLis.Close()
		httpLis.Close()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	d.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	d.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	d.logger.Info().
		Str("grpc", grpcLis.Addr().String()).
		Str("http", httpLis.Addr().String()).
		Str("version", d.opts.Version).
		Msg("meterd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := d.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.shutdown()
		return nil
	})

	err = g.Wait()
	d.logger.Info().Msg("meterd shutdown complete")
	return err
}

func (d *Daemon) shutdown() {
	d.logger.Info().Msg("meterd shutting down...")
	d.health.Shutdown()

	timeout := d.rt.Config.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	stopped := make(chan struct{})
	go func() {
		d.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		d.grpcServer.Stop()
	}

	// Stop flushes dirty ledgers once in-flight calls have drained.
	if err := d.rt.Sweeper.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("sweeper stop failed")
	}
}

func (d *Daemon) listen(lis net.Listener, addr string) (net.Listener, error) {
	if lis != nil {
		return lis, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, nil
}

// Server returns the underlying gRPC service implementation.
// Useful for testing.
func (d *Daemon) Server() *Server {
	return d.server
}

// Limiter returns the rate limiter shared by gRPC and HTTP.
func (d *Daemon) Limiter() *RateLimiter {
	return d.limiter
}
