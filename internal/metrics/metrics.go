// Package metrics exposes meter activity as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "usagemeter"

// Collector owns the meter's Prometheus metrics. It subscribes to the event
// bus and updates counters from published events.
type Collector struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	TurnsCommitted   *prometheus.CounterVec
	TokensCommitted  *prometheus.CounterVec
	CostCommitted    *prometheus.CounterVec
	AdmissionBlocked *prometheus.CounterVec
	AlertsRaised     *prometheus.CounterVec
	Rollovers        *prometheus.CounterVec
	Reclaimed        prometheus.Counter
	PersistFailures  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	Accounts         prometheus.Gauge
}

// New creates a collector registered on a private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logging.Component("metrics"),
		TurnsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_committed_total",
			Help:      "Turns folded into a ledger.",
		}, []string{"model"}),
		TokensCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_committed_total",
			Help:      "Tokens folded into ledgers.",
		}, []string{"model"}),
		CostCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_committed_total",
			Help:      "Cost units folded into ledgers.",
		}, []string{"model"}),
		AdmissionBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_blocked_total",
			Help:      "Requests rejected by admission control.",
		}, []string{"tier", "limit"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Quota alerts raised.",
		}, []string{"type", "severity"}),
		Rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_rollovers_total",
			Help:      "Ledger period resets.",
		}, []string{"period"}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reclaimed_total",
			Help:      "Stale turns removed by the sweep.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Ledger writes that exhausted their retries.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Turns currently accumulating usage.",
		}),
		Accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts_loaded",
			Help:      "User accounts held in memory.",
		}),
	}

	c.registry.MustRegister(
		c.TurnsCommitted,
		c.TokensCommitted,
		c.CostCommitted,
		c.AdmissionBlocked,
		c.AlertsRaised,
		c.Rollovers,
		c.Reclaimed,
		c.PersistFailures,
		c.ActiveSessions,
		c.Accounts,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OnEvent implements events.Subscriber.
func (c *Collector) OnEvent(_ context.Context, event models.Event) {
	switch event.Type {
	case models.EventTypeUsageCommitted:
		var p models.UsageCommittedPayload
		if c.decode(event, &p) {
			model := p.Record.ModelID
			if model == "" {
				model = models.UnknownModel
			}
			c.TurnsCommitted.WithLabelValues(model).Inc()
			c.TokensCommitted.WithLabelValues(model).Add(float64(p.Record.TotalTokens))
			c.CostCommitted.WithLabelValues(model).Add(p.Record.Cost)
		}
	case models.EventTypeAdmissionBlocked:
		var p models.AdmissionBlockedPayload
		if c.decode(event, &p) {
			limit := ""
			if p.Decision != nil {
				limit = string(p.Decision.Limit)
			}
			c.AdmissionBlocked.WithLabelValues(string(p.Tier), limit).Inc()
		}
	case models.EventTypeAlertRaised:
		var p models.AlertPayload
		if c.decode(event, &p) {
			c.AlertsRaised.WithLabelValues(string(p.Alert.Type), string(p.Alert.Severity)).Inc()
		}
	case models.EventTypeLedgerRolledOver:
		var p models.RolledOverPayload
		if c.decode(event, &p) {
			if p.Monthly {
				c.Rollovers.WithLabelValues("monthly").Inc()
			}
			if p.Daily {
				c.Rollovers.WithLabelValues("daily").Inc()
			}
			if p.Hourly {
				c.Rollovers.WithLabelValues("hourly").Inc()
			}
		}
	case models.EventTypeSessionReclaimed:
		c.Reclaimed.Inc()
	case models.EventTypePersistFailed:
		c.PersistFailures.Inc()
	}
}

func (c *Collector) decode(event models.Event, v any) bool {
	if err := events.Decode(event, v); err != nil {
		c.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("skipping undecodable event")
		return false
	}
	return true
}
