package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func TestCollectorCountsEvents(t *testing.T) {
	c := New()
	bus := events.NewBus()
	require.NoError(t, bus.Subscribe("metrics", c))
	ctx := context.Background()

	require.NoError(t, events.LogUsageCommitted(ctx, bus, at, models.UsageRecord{
		UserID: "u1", TurnID: "t1", ModelID: "claude", TotalTokens: 150, Cost: 0.5,
	}))
	require.NoError(t, events.LogUsageCommitted(ctx, bus, at, models.UsageRecord{
		UserID: "u1", TurnID: "t2", TotalTokens: 50,
	}))
	require.NoError(t, events.LogAdmissionBlocked(ctx, bus, at, models.AdmissionBlockedPayload{
		UserID: "u1", Tier: models.TierTrial, Decision: &models.Decision{Limit: models.LimitHourlyRequests},
	}))
	require.NoError(t, events.LogAlertRaised(ctx, bus, models.Alert{
		ID: "a1", UserID: "u1", Type: models.AlertTokenLimit, Severity: models.SeverityWarning, CreatedAt: at,
	}))
	require.NoError(t, events.LogRolledOver(ctx, bus, at, models.RolledOverPayload{UserID: "u1", Hourly: true, Daily: true}))
	require.NoError(t, events.LogSessionReclaimed(ctx, bus, at, models.SessionReclaimedPayload{UserID: "u1", TurnID: "t3"}))
	require.NoError(t, events.LogPersistFailed(ctx, bus, at, models.PersistFailedPayload{UserID: "u1", Attempts: 3}))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.TurnsCommitted.WithLabelValues("claude")))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.TokensCommitted.WithLabelValues("claude")))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.TokensCommitted.WithLabelValues(models.UnknownModel)))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.CostCommitted.WithLabelValues("claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AdmissionBlocked.WithLabelValues("trial", "hourly_requests")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AlertsRaised.WithLabelValues("token_limit", "warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Rollovers.WithLabelValues("hourly")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Rollovers.WithLabelValues("monthly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Reclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PersistFailures))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.ActiveSessions.Set(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "usagemeter_active_sessions 3")
}
