package meter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/rs/zerolog"
)

// Sweeper errors.
var (
	ErrSweeperAlreadyRunning = errors.New("sweeper already running")
	ErrSweeperNotRunning     = errors.New("sweeper not running")
)

// SweeperStats contains sweeper statistics.
type SweeperStats struct {
	// Running indicates if the sweeper is active.
	Running bool

	// StartedAt is when the sweeper was started.
	StartedAt *time.Time

	// Ticks is the number of completed sweeps.
	Ticks int64

	// Reclaimed is the total number of reclaimed turns.
	Reclaimed int64

	// Failures counts sweeps that returned an error.
	Failures int64

	// LastSweepAt is when the last sweep finished.
	LastSweepAt *time.Time

	// Service is the service summary taken after the last sweep.
	Service ServiceStats
}

// Sweeper periodically reclaims stale turns and retries pending saves.
type Sweeper struct {
	service  *Service
	interval time.Duration
	clock    clock.Clock
	onTick   func(SweeperStats)
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sweepNow chan struct{}

	statsMu sync.RWMutex
	stats   SweeperStats
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock sets the time source passed to Reclaim.
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

// WithTickHook calls fn with fresh stats after every sweep.
func WithTickHook(fn func(SweeperStats)) SweeperOption {
	return func(s *Sweeper) { s.onTick = fn }
}

// NewSweeper creates a sweeper over service using its SweepInterval.
func NewSweeper(service *Service, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:  service,
		interval: service.Config().SweepInterval,
		logger:   logging.Component("sweeper"),
		sweepNow: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSweeperAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	now := s.clock.Now().UTC()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper starting")

	s.wg.Add(1)
	go s.runLoop(ctx)
	return nil
}

// Stop halts the loop, waits for an in-flight sweep and flushes pending saves.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSweeperNotRunning
	}
	s.logger.Info().Msg("sweeper stopping")
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.service.Flush(flushCtx); err != nil {
		s.logger.Error().Err(err).Msg("final flush failed")
	}

	s.logger.Info().Msg("sweeper stopped")
	return nil
}

// SweepNow triggers a sweep without waiting for the next tick.
func (s *Sweeper) SweepNow() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrSweeperNotRunning
	}
	select {
	case s.sweepNow <- struct{}{}:
	default:
		// A sweep is already pending.
	}
	return nil
}

// Stats returns current sweeper statistics.
func (s *Sweeper) Stats() SweeperStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Sweeper) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sweepNow:
			s.Sweep(ctx)
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reclamation pass and retries pending saves.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now()
	n, err := s.service.Reclaim(ctx, now)
	if ferr := s.service.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweep finished with errors")
	}
	if n > 0 {
		s.logger.Info().Int("reclaimed", n).Msg("reclaimed stale turns")
	}

	finished := now.UTC()
	s.statsMu.Lock()
	s.stats.Ticks++
	s.stats.Reclaimed += int64(n)
	if err != nil {
		s.stats.Failures++
	}
	s.stats.LastSweepAt = &finished
	s.stats.Service = s.service.Stats()
	stats := s.stats
	s.statsMu.Unlock()

	if s.onTick != nil {
		s.onTick(stats)
	}
}
