package daemon

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/config"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *fakePublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type eventLog struct {
	mu    sync.Mutex
	types []models.EventType
}

func (l *eventLog) OnEvent(_ context.Context, e models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
}

func (l *eventLog) Types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.EventType(nil), l.types...)
}

type testEnv struct {
	rt    *Runtime
	clock *clock.Manual
	pub   *fakePublisher
	log   *eventLog
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Meter.PersistBackoff = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	env := &testEnv{clock: clock.NewManual(t0), pub: &fakePublisher{}, log: &eventLog{}}
	rt, err := Build(context.Background(), cfg, WithRuntimeClock(env.clock), WithNATSPublisher(env.pub))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	require.NoError(t, rt.Bus.Subscribe("test-log", env.log))
	env.rt = rt
	return env
}

func sqliteConfig(t *testing.T) func(*config.Config) {
	path := filepath.Join(t.TempDir(), "meter.db")
	return func(cfg *config.Config) {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = path
	}
}

// startGRPC serves srv over an in-memory listener and returns a client.
func startGRPC(t *testing.T, srv MeterServer, opts ...grpc.ServerOption) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	gs := grpc.NewServer(opts...)
	RegisterMeterServer(gs, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func runTurn(t *testing.T, c *Client, userID, turnID string, u models.PartialUsage) *CompleteTurnResponse {
	t.Helper()
	ctx := context.Background()
	_, err := c.StartTurn(ctx, userID, turnID, u.ModelID, u.Provider)
	require.NoError(t, err)
	ok, err := c.ReportUsage(ctx, userID, turnID, u)
	require.NoError(t, err)
	require.True(t, ok)
	resp, err := c.CompleteTurn(ctx, userID, turnID, "c-"+turnID)
	require.NoError(t, err)
	return resp
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status error, got %v", err)
	}
	if st.Code() != want {
		t.Fatalf("code = %v, want %v (%s)", st.Code(), want, st.Message())
	}
}

func TestGRPCTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	client := startGRPC(t, env.rt.NewServer())

	restarted, err := client.StartTurn(ctx, "u1", "t1", "claude-3-5-haiku", "anthropic")
	require.NoError(t, err)
	assert.False(t, restarted)

	ok, err := client.ReportUsage(ctx, "u1", "t1", models.PartialUsage{InputTokens: 100, OutputTokens: 50, ModelID: "claude-3-5-haiku"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.RecordToolInvocation(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	resp, err := client.CompleteTurn(ctx, "u1", "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, resp.Record)
	assert.Empty(t, resp.PersistError)
	assert.Equal(t, int64(150), resp.Record.TotalTokens)
	assert.Equal(t, int64(1), resp.Record.ToolCalls)
	assert.Equal(t, int64(1), resp.Record.RequestCount)

	again, err := client.CompleteTurn(ctx, "u1", "t1", "c1")
	require.NoError(t, err)
	assert.Nil(t, again.Record, "second completion is a no-op")

	usage, err := client.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), usage.Ledger.Current.MonthTokens)
	assert.Equal(t, int64(1), usage.Ledger.Lifetime.TotalRequests)
	assert.Equal(t, models.TierTrial, usage.Quota.Tier)
	assert.Empty(t, usage.ActiveSessions)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.rt.Metrics.TurnsCommitted.WithLabelValues("claude-3-5-haiku")))
	assert.Contains(t, env.log.Types(), models.EventTypeTurnStarted)
	assert.Contains(t, env.log.Types(), models.EventTypeUsageCommitted)
}

func TestGRPCOrphanReportIsIgnored(t *testing.T) {
	client := startGRPC(t, newTestEnv(t, nil).rt.NewServer())

	ok, err := client.ReportUsage(context.Background(), "u1", "missing", models.PartialUsage{InputTokens: 10})
	require.NoError(t, err)
	assert.False(t, ok)

	resp, err := client.CompleteTurn(context.Background(), "u1", "missing", "")
	require.NoError(t, err)
	assert.Nil(t, resp.Record)
}

func TestGRPCAdmitModelRestriction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	client := startGRPC(t, env.rt.NewServer())

	d, err := client.Admit(ctx, "u1", "claude-3-5-haiku")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(100_000), d.RemainingTokens)

	d, err = client.Admit(ctx, "u1", "gpt-4o")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.LimitModel, d.Limit)
	assert.NotEmpty(t, d.Message)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.rt.Metrics.AdmissionBlocked.WithLabelValues("trial", "model")))
}

func TestGRPCValidationAndErrors(t *testing.T) {
	ctx := context.Background()
	client := startGRPC(t, newTestEnv(t, nil).rt.NewServer())

	_, err := client.StartTurn(ctx, "", "t1", "", "")
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.StartTurn(ctx, "u1", "", "", "")
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Admit(ctx, "  ", "")
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.AckAlert(ctx, "")
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.AckAlert(ctx, "nope")
	requireCode(t, err, codes.NotFound)

	_, err = client.History(ctx, "u1", nil, 0)
	requireCode(t, err, codes.Unimplemented)
}

func TestGRPCAlertsAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	client := startGRPC(t, env.rt.NewServer())

	runTurn(t, client, "u1", "t1", models.PartialUsage{InputTokens: 60_000, OutputTokens: 30_000, ModelID: "gpt-4o-mini"})

	list, err := client.ListAlerts(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.AlertTokenLimit, list[0].Type)
	assert.Equal(t, models.SeverityWarning, list[0].Severity)
	assert.Equal(t, []string{"usagemeter.alerts.u1"}, env.pub.Subjects())

	env.clock.Advance(time.Minute)
	acked, err := client.AckAlert(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)
	first := *acked.AcknowledgedAt

	env.clock.Advance(time.Minute)
	acked, err = client.AckAlert(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*acked.AcknowledgedAt), "second acknowledgement keeps the first timestamp")

	open, err := client.ListAlerts(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.rt.Metrics.AlertsRaised.WithLabelValues("token_limit", "warning")))
	assert.Contains(t, env.log.Types(), models.EventTypeAlertRaised)
	assert.Contains(t, env.log.Types(), models.EventTypeAlertAcked)
}

func TestGRPCHistoryWithSQLite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, sqliteConfig(t))
	client := startGRPC(t, env.rt.NewServer())

	runTurn(t, client, "u1", "t1", models.PartialUsage{InputTokens: 100, OutputTokens: 50, ModelID: "gpt-4o-mini"})
	env.clock.Advance(time.Minute)
	runTurn(t, client, "u1", "t2", models.PartialUsage{InputTokens: 10, OutputTokens: 5, ModelID: "gpt-4o-mini"})

	hist, err := client.History(ctx, "u1", nil, 0)
	require.NoError(t, err)
	require.Len(t, hist.Records, 2)
	assert.Equal(t, "t2", hist.Records[0].TurnID, "newest first")
	require.NotNil(t, hist.Summary)
	assert.Equal(t, int64(165), hist.Summary.TotalTokens)
	assert.Equal(t, int64(2), hist.Summary.RecordCount)

	limited, err := client.History(ctx, "u1", nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited.Records, 1)

	since := t0.Add(30 * time.Second)
	recent, err := client.History(ctx, "u1", &since, 0)
	require.NoError(t, err)
	require.Len(t, recent.Records, 1)
	assert.Equal(t, "t2", recent.Records[0].TurnID)
}

func TestGRPCStoredAlertsSurviveEngineLoss(t *testing.T) {
	ctx := context.Background()
	withSQLite := sqliteConfig(t)
	env := newTestEnv(t, withSQLite)
	client := startGRPC(t, env.rt.NewServer())
	runTurn(t, client, "u1", "t1", models.PartialUsage{InputTokens: 95_000, ModelID: "gpt-4o-mini"})
	require.NoError(t, env.rt.Close())

	// A fresh runtime has an empty engine but reads alerts from sqlite.
	restarted := newTestEnv(t, withSQLite)
	client = startGRPC(t, restarted.rt.NewServer())

	list, err := client.ListAlerts(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, list, 1)

	acked, err := client.AckAlert(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	usage, err := client.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95_000), usage.Ledger.Current.MonthTokens, "ledger reloaded from sqlite")
}

func TestGRPCTiersStatusAndHealth(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	client := startGRPC(t, env.rt.NewServer(WithVersion("test-version")))

	tiers, err := client.ListTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 4)
	assert.Equal(t, models.TierTrial, tiers[0].Tier)

	_, err = client.GetUsage(ctx, "u1")
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-version", st.Version)
	assert.Equal(t, 1, st.Accounts)
	assert.True(t, t0.Equal(st.StartedAt))

	healthy, err := client.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestGRPCRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	limiter := NewRateLimiter(
		WithLimiterClock(env.clock),
		WithMethodLimits(map[string]RateLimitConfig{methodPath("Admit"): {RequestsPerSecond: 1, BurstSize: 1}}),
	)
	client := startGRPC(t, env.rt.NewServer(), grpc.UnaryInterceptor(limiter.UnaryServerInterceptor()))

	_, err := client.Admit(context.Background(), "u1", "")
	require.NoError(t, err)
	_, err = client.Admit(context.Background(), "u1", "")
	requireCode(t, err, codes.ResourceExhausted)

	// Other methods keep their own buckets.
	_, err = client.GetUsage(context.Background(), "u1")
	require.NoError(t, err)
}

func TestToStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Aborted, "x"), codes.Aborted},
		{events.ErrSubscriberNotFound, codes.Internal},
	}
	for _, tc := range cases {
		st, _ := status.FromError(toStatus(tc.err))
		assert.Equal(t, tc.want, st.Code(), tc.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}
