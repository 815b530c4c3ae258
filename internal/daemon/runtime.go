package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/alerts"
	"github.com/cubent/usagemeter/internal/catalog"
	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/config"
	"github.com/cubent/usagemeter/internal/db"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/meter"
	"github.com/cubent/usagemeter/internal/metrics"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/notify"
	"github.com/cubent/usagemeter/internal/redisstore"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/rs/zerolog"
)

// pruneTimeout bounds retention deletes run from the sweep hook.
const pruneTimeout = 5 * time.Second

// Runtime holds the wired components of a meter process.
type Runtime struct {
	Config  *config.Config
	Service *meter.Service
	Sweeper *meter.Sweeper
	Bus     *events.Bus
	Metrics *metrics.Collector
	Alerts  *alerts.Engine

	// Set only by the sqlite driver.
	History    HistoryStore
	AlertStore AlertStore

	clock   clock.Clock
	logger  zerolog.Logger
	pruners []pruner
	closers []func() error
}

type pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RuntimeOption configures Build.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	clock     clock.Clock
	natsPub   notify.Publisher
	redisConn *redisstore.Store
}

// WithRuntimeClock sets the clock shared by the service and sweeper.
func WithRuntimeClock(c clock.Clock) RuntimeOption {
	return func(o *runtimeOptions) { o.clock = c }
}

// WithNATSPublisher uses pub for alert delivery instead of dialing nats.url.
func WithNATSPublisher(pub notify.Publisher) RuntimeOption {
	return func(o *runtimeOptions) { o.natsPub = pub }
}

// WithRedisStore uses s instead of dialing store.redis_url.
func WithRedisStore(s *redisstore.Store) RuntimeOption {
	return func(o *runtimeOptions) { o.redisConn = s }
}

// Build opens the configured stores and wires the meter service, alert
// engine, event bus and metrics together.
func Build(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	meterCfg, err := cfg.MeterConfig()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Bus:     events.NewBus(),
		Metrics: metrics.New(),
		clock:   clock.OrReal(o.clock),
		logger:  logging.Component("runtime"),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	cat := catalog.Default()
	if cfg.Catalog.File != "" {
		if cat, err = catalog.LoadFile(cfg.Catalog.File); err != nil {
			return nil, err
		}
	}

	if err := rt.Bus.Subscribe("metrics", rt.Metrics); err != nil {
		return nil, err
	}

	serviceOpts := []meter.ServiceOption{
		meter.WithEventRepository(rt.Bus),
		meter.WithClock(rt.clock),
	}
	alertOpts := []alerts.Option{
		alerts.WithWarningThreshold(cfg.Alerts.WarningThreshold),
		alerts.WithRaisedHook(rt.publishAlert),
	}

	var (
		ledgers  store.Ledgers
		profiles store.Profiles
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := store.NewMemory()
		ledgers, profiles = mem, mem

	case config.DriverFile:
		files, ferr := store.NewFileLedgers(cfg.Store.Path)
		if ferr != nil {
			return nil, ferr
		}
		ledgers, profiles = files, store.NewMemory()

	case config.DriverSQLite:
		database, derr := db.Open(db.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
		if derr != nil {
			return nil, derr
		}
		rt.closers = append(rt.closers, database.Close)
		if _, derr := database.MigrateUp(ctx); derr != nil {
			return nil, derr
		}

		profileRepo := db.NewProfileRepository(database)
		usageRepo := db.NewUsageRepository(database)
		alertRepo := db.NewAlertRepository(database)
		ledgers, profiles = db.NewLedgerRepository(database), profileRepo
		rt.History, rt.AlertStore = usageRepo, alertRepo
		eventRepo := db.NewEventRepository(database)
		rt.pruners = append(rt.pruners, alertRepo, eventRepo)

		if err := rt.Bus.Subscribe("recorder", events.NewRecorder(eventRepo)); err != nil {
			return nil, err
		}
		serviceOpts = append(serviceOpts, meter.WithUsageHistory(usageRepo), meter.WithTrials(profileRepo))
		alertOpts = append(alertOpts, alerts.WithRepository(alertRepo))

	case config.DriverRedis:
		rs := o.redisConn
		if rs == nil {
			var rerr error
			rs, rerr = redisstore.Dial(ctx, cfg.Store.RedisURL, redisstore.WithPrefix(cfg.Store.RedisPrefix))
			if rerr != nil {
				return nil, rerr
			}
			rt.closers = append(rt.closers, rs.Close)
		}
		ledgers, profiles = rs, rs

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	cached, err := store.NewCachedProfiles(profiles, cfg.Cache.TierEntries, cfg.Cache.TierTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create tier cache: %w", err)
	}
	rt.closers = append(rt.closers, func() error { cached.Close(); return nil })
	serviceOpts = append(serviceOpts, meter.WithProfiles(cached))

	sinks := notify.Multi{notify.NewLogSink()}
	switch {
	case o.natsPub != nil:
		sinks = append(sinks, notify.NewNATSSink(o.natsPub, cfg.NATS.SubjectPrefix))
	case cfg.NATS.URL != "":
		ns, nerr := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if nerr != nil {
			return nil, nerr
		}
		rt.closers = append(rt.closers, ns.Close)
		sinks = append(sinks, ns)
	}
	alertOpts = append(alertOpts, alerts.WithSink(sinks))

	rt.Alerts = alerts.NewEngine(alertOpts...)
	serviceOpts = append(serviceOpts, meter.WithAlertEngine(rt.Alerts))

	rt.Service = meter.NewService(meterCfg, cat, ledgers, serviceOpts...)
	rt.Sweeper = meter.NewSweeper(rt.Service,
		meter.WithSweepClock(rt.clock),
		meter.WithTickHook(rt.afterSweep),
	)

	rt.logger.Info().
		Str("driver", cfg.Store.Driver).
		Str("reset_timezone", meterCfg.Location.String()).
		Str("reclaim_policy", string(meterCfg.ReclaimPolicy)).
		Int("tiers", len(cat.Tiers())).
		Bool("nats", len(sinks) > 1).
		Msg("runtime ready")
	return rt, nil
}

// NewServer creates the Meter service implementation over this runtime.
func (rt *Runtime) NewServer(opts ...ServerOption) *Server {
	base := []ServerOption{WithClock(rt.clock), WithEventSink(rt.Bus)}
	if rt.History != nil {
		base = append(base, WithHistoryStore(rt.History))
	}
	if rt.AlertStore != nil {
		base = append(base, WithAlertStore(rt.AlertStore))
	}
	return NewServer(rt.Service, logging.Component("server"), append(base, opts...)...)
}

// Close releases stores and connections in reverse order of opening.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) publishAlert(alert models.Alert) {
	if err := events.LogAlertRaised(context.Background(), rt.Bus, alert); err != nil {
		rt.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert event")
	}
}

// afterSweep refreshes gauges and applies alert retention to the alert
// engine, the stored alerts and the event log.
func (rt *Runtime) afterSweep(stats meter.SweeperStats) {
	rt.Metrics.Accounts.Set(float64(stats.Service.Accounts))
	rt.Metrics.ActiveSessions.Set(float64(stats.Service.ActiveSessions))

	retention := rt.Config.Alerts.Retention
	if retention <= 0 {
		return
	}
	cutoff := rt.clock.Now().Add(-retention)
	pruned := int64(rt.Alerts.Prune(cutoff))

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	for _, p := range rt.pruners {
		n, err := p.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			rt.logger.Warn().Err(err).Msg("failed to apply retention")
			continue
		}
		pruned += n
	}
	if pruned > 0 {
		rt.logger.Debug().Int64("pruned", pruned).Time("before", cutoff).Msg("retention applied")
	}
}
