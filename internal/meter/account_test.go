package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/alerts"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/session"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func unlimitedQuota() models.QuotaSet {
	return models.QuotaSet{
		Tier:               "test",
		MonthlyTokenLimit:  models.Unlimited,
		MonthlyCostLimit:   models.Unlimited,
		HourlyRequestLimit: models.Unlimited,
		DailyRequestLimit:  models.Unlimited,
		MaxContextWindow:   models.Unlimited,
	}
}

// flakyStore fails the first failures saves, then delegates to Memory.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, l *models.Ledger) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Memory.Save(ctx, l)
}

func (f *flakyStore) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type recordingHistory struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (h *recordingHistory) Create(_ context.Context, r *models.UsageRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *r)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestAccount(t *testing.T, q models.QuotaSet, cfg Config, opts ...AccountOption) (*Account, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]AccountOption{WithLedgerStore(mem), WithSleep(noSleep)}, opts...)
	return NewAccount("u1", models.NewLedger("u1", t0), q, cfg, opts...), mem
}

func runTurn(t *testing.T, a *Account, turnID string, at time.Time, in, out int64, cost float64) *models.UsageRecord {
	t.Helper()
	ctx := context.Background()
	_, err := a.StartTurn(ctx, turnID, "claude-3-5-sonnet", "anthropic", at)
	require.NoError(t, err)
	require.True(t, a.ReportPartialUsage(turnID, models.PartialUsage{InputTokens: in, OutputTokens: out, Cost: cost}))
	rec, err := a.CompleteTurn(ctx, turnID, "c-"+turnID, at.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestSimpleTurnCommitsOnce(t *testing.T) {
	ctx := context.Background()
	a, mem := newTestAccount(t, unlimitedQuota(), DefaultConfig())

	rec := runTurn(t, a, "t1", t0, 100, 50, 0.01)
	assert.Equal(t, int64(150), rec.TotalTokens)
	assert.Equal(t, int64(1), rec.RequestCount)
	assert.Equal(t, "c-t1", rec.CompletionID)
	assert.NotEmpty(t, rec.ID)

	snap := a.Snapshot()
	assert.Equal(t, int64(150), snap.Current.MonthTokens)
	assert.InDelta(t, 0.01, snap.Current.MonthCost, 1e-9)
	assert.Equal(t, int64(1), snap.Current.HourRequests)
	assert.Equal(t, int64(1), snap.Current.DayRequests)
	assert.Equal(t, int64(150), snap.Lifetime.TotalTokens)
	assert.Equal(t, int64(150), snap.Models["claude-3-5-sonnet"].Tokens)
	require.NoError(t, snap.Validate())

	again, err := a.CompleteTurn(ctx, "t1", "c-t1", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, int64(150), a.Snapshot().Current.MonthTokens)
	assert.Equal(t, session.StatusCommitted, a.TurnStatus("t1"))

	stored, err := mem.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stored.Current.MonthTokens)
	assert.False(t, a.Dirty())
}

func TestRequestsCountProviderCalls(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())

	_, err := a.StartTurn(ctx, "t1", "m", "p", t0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		a.ReportPartialUsage("t1", models.PartialUsage{InputTokens: 10})
	}
	a.RecordToolInvocation("t1")
	rec, err := a.CompleteTurn(ctx, "t1", "", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.RequestCount)
	assert.Equal(t, int64(1), rec.ToolCalls)

	_, err = a.StartTurn(ctx, "t2", "m", "p", t0)
	require.NoError(t, err)
	rec, err = a.CompleteTurn(ctx, "t2", "", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RequestCount, "a turn without partial reports still counts one request")
	assert.Equal(t, int64(4), a.Snapshot().Current.HourRequests)
}

func TestBlockThenReset(t *testing.T) {
	ctx := context.Background()
	q := unlimitedQuota()
	q.HourlyRequestLimit = 2
	a, _ := newTestAccount(t, q, DefaultConfig())

	runTurn(t, a, "t1", t0, 10, 10, 0)
	runTurn(t, a, "t2", t0.Add(time.Minute), 10, 10, 0)

	for _, at := range []time.Time{t0.Add(10 * time.Minute), t0.Add(30 * time.Minute), t0.Add(59 * time.Minute)} {
		d := a.Admit(ctx, "", at)
		require.False(t, d.Allowed, "blocked at %s", at)
		assert.Equal(t, models.LimitHourlyRequests, d.Limit)
		require.NotNil(t, d.ResetAt)
		assert.Equal(t, t0.Add(time.Hour), *d.ResetAt)
		assert.Contains(t, d.Message, "Resets at")
	}

	d := a.Admit(ctx, "", t0.Add(61*time.Minute))
	require.True(t, d.Allowed)
	snap := a.Snapshot()
	assert.Zero(t, snap.Current.HourRequests)
	assert.Equal(t, int64(2), snap.Current.DayRequests, "hourly rollover leaves daily counters alone")
	assert.Equal(t, int64(40), snap.Current.MonthTokens)
}

func TestMonthlyTokenBlockUntilNextMonth(t *testing.T) {
	ctx := context.Background()
	q := unlimitedQuota()
	q.MonthlyTokenLimit = 100
	a, _ := newTestAccount(t, q, DefaultConfig())

	runTurn(t, a, "t1", t0, 100, 50, 0)

	d := a.Admit(ctx, "", t0.Add(48*time.Hour))
	require.False(t, d.Allowed)
	assert.Equal(t, models.LimitMonthlyTokens, d.Limit)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), *d.ResetAt)

	d = a.Admit(ctx, "", time.Date(2025, 7, 1, 0, 5, 0, 0, time.UTC))
	require.True(t, d.Allowed)
	assert.Equal(t, int64(100), d.RemainingTokens)
	snap := a.Snapshot()
	assert.Zero(t, snap.Current.MonthTokens)
	assert.Empty(t, snap.Models)
	assert.Equal(t, int64(150), snap.Lifetime.TotalTokens)
}

func TestOutOfOrderCompletionsAcrossMonthBoundary(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())

	start := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	midnight := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		_, err := a.StartTurn(ctx, id, "claude-3-5-sonnet", "anthropic", start)
		require.NoError(t, err)
	}
	require.True(t, a.ReportPartialUsage("a", models.PartialUsage{InputTokens: 400}))
	require.True(t, a.ReportPartialUsage("b", models.PartialUsage{InputTokens: 600}))

	// b takes the lock first even though a read the clock earlier.
	_, err := a.CompleteTurn(ctx, "b", "", midnight.Add(200*time.Nanosecond))
	require.NoError(t, err)
	_, err = a.CompleteTurn(ctx, "a", "", midnight.Add(100*time.Nanosecond))
	require.NoError(t, err)

	snap := a.Snapshot()
	if snap.Current.MonthTokens != 1000 {
		t.Fatalf("month tokens = %d, want 1000", snap.Current.MonthTokens)
	}
	assert.Equal(t, int64(1000), snap.Lifetime.TotalTokens)
	assert.Equal(t, int64(2), snap.Current.DayRequests)
	assert.Equal(t, midnight.Add(200*time.Nanosecond), snap.Resets.LastMonthlyReset)

	d := a.Admit(ctx, "", midnight.Add(50*time.Nanosecond))
	require.True(t, d.Allowed)
	assert.Equal(t, int64(1000), a.Snapshot().Current.MonthTokens, "a stale admission clock does not reset again")
}

func TestAdmitRejectsDisallowedModel(t *testing.T) {
	q := unlimitedQuota()
	q.AllowedModels = []string{"small-model"}
	a, _ := newTestAccount(t, q, DefaultConfig())

	d := a.Admit(context.Background(), "big-model", t0)
	require.False(t, d.Allowed)
	assert.Equal(t, models.LimitModel, d.Limit)
	assert.Nil(t, d.ResetAt)

	assert.True(t, a.Admit(context.Background(), "small-model", t0).Allowed)
}

func TestOrphanReportLeavesLedgerUntouched(t *testing.T) {
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())
	assert.False(t, a.ReportPartialUsage("ghost", models.PartialUsage{InputTokens: 500}))
	assert.False(t, a.RecordToolInvocation("ghost"))

	rec, err := a.CompleteTurn(context.Background(), "ghost", "", t0)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, a.Snapshot().Current.MonthTokens)
}

func TestStaleReclamationDropsUsage(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())

	_, err := a.StartTurn(ctx, "t1", "m", "p", t0)
	require.NoError(t, err)
	a.ReportPartialUsage("t1", models.PartialUsage{InputTokens: 70})

	n, err := a.Reclaim(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.Reclaim(ctx, t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, a.ActiveSessions())

	rec, err := a.CompleteTurn(ctx, "t1", "", t0.Add(32*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, rec, "reclaimed turns never commit")
	assert.Zero(t, a.Snapshot().Current.MonthTokens)
	assert.Equal(t, session.StatusReclaimed, a.TurnStatus("t1"))
}

func TestStaleReclamationCommitPolicy(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ReclaimPolicy = ReclaimCommit
	hist := &recordingHistory{}
	a, _ := newTestAccount(t, unlimitedQuota(), cfg, WithHistory(hist))

	_, _ = a.StartTurn(ctx, "t1", "m", "p", t0)
	a.ReportPartialUsage("t1", models.PartialUsage{InputTokens: 70, OutputTokens: 5})
	_, _ = a.StartTurn(ctx, "empty", "m", "p", t0)

	n, err := a.Reclaim(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := a.Snapshot()
	assert.Equal(t, int64(75), snap.Current.MonthTokens)
	assert.Equal(t, int64(1), snap.Current.DayRequests)
	require.Len(t, hist.records, 1)
	assert.True(t, hist.records[0].Reclaimed)
	assert.Equal(t, "t1", hist.records[0].TurnID)
}

func TestPersistFailureRetainsUsageAndRetries(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Memory: store.NewMemory()}
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	a := NewAccount("u1", models.NewLedger("u1", t0), unlimitedQuota(), DefaultConfig(),
		WithLedgerStore(fs), WithSleep(sleep))

	fs.setFailures(3)
	_, err := a.StartTurn(ctx, "t1", "m", "p", t0)
	require.NoError(t, err)
	a.ReportPartialUsage("t1", models.PartialUsage{InputTokens: 100, OutputTokens: 50})
	rec, err := a.CompleteTurn(ctx, "t1", "", t0.Add(time.Second))
	require.ErrorIs(t, err, ErrPersist)
	require.NotNil(t, rec)
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, slept)

	assert.True(t, a.Dirty())
	assert.Equal(t, int64(150), a.Snapshot().Current.MonthTokens, "usage stays counted in memory")
	_, err = fs.Load(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, a.Flush(ctx))
	assert.False(t, a.Dirty())
	stored, err := fs.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stored.Current.MonthTokens)

	calls := fs.calls
	require.NoError(t, a.Flush(ctx))
	assert.Equal(t, calls, fs.calls, "clean flush does not write")
}

func TestPersistFailureRetriedOnNextMutation(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Memory: store.NewMemory()}
	a := NewAccount("u1", models.NewLedger("u1", t0), unlimitedQuota(), DefaultConfig(),
		WithLedgerStore(fs), WithSleep(noSleep))

	fs.setFailures(3)
	_, _ = a.StartTurn(ctx, "t1", "m", "p", t0)
	a.ReportPartialUsage("t1", models.PartialUsage{InputTokens: 10})
	_, err := a.CompleteTurn(ctx, "t1", "", t0)
	require.ErrorIs(t, err, ErrPersist)

	runTurn(t, a, "t2", t0, 20, 0, 0)
	assert.False(t, a.Dirty())
	stored, err := fs.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), stored.Current.MonthTokens)
}

func TestPersistStopsOnCancelledContext(t *testing.T) {
	fs := &flakyStore{Memory: store.NewMemory(), failures: 10}
	a := NewAccount("u1", models.NewLedger("u1", t0), unlimitedQuota(), DefaultConfig(), WithLedgerStore(fs))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = a.StartTurn(ctx, "t1", "m", "p", t0)
	_, err := a.CompleteTurn(ctx, "t1", "", t0)
	require.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 1, fs.calls)
}

func TestEventsAndAlertsFollowCommit(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	var (
		mu   sync.Mutex
		seen []models.EventType
	)
	require.NoError(t, bus.Subscribe("test", events.SubscriberFunc(func(_ context.Context, e models.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})))

	q := unlimitedQuota()
	q.MonthlyTokenLimit = 180
	engine := alerts.NewEngine(alerts.WithRaisedHook(func(a models.Alert) {
		_ = events.LogAlertRaised(ctx, bus, a)
	}))
	a, _ := newTestAccount(t, q, DefaultConfig(), WithEvents(bus), WithAlerts(engine))

	runTurn(t, a, "t1", t0, 100, 50, 0)
	runTurn(t, a, "t2", t0, 30, 0, 0)
	d := a.Admit(ctx, "", t0.Add(time.Minute))
	require.False(t, d.Allowed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.EventType{
		models.EventTypeTurnStarted,
		models.EventTypeUsageCommitted,
		models.EventTypeAlertRaised,
		models.EventTypeTurnStarted,
		models.EventTypeUsageCommitted,
		models.EventTypeAlertRaised,
		models.EventTypeAdmissionBlocked,
	}, seen)

	list := engine.List("u1")
	require.Len(t, list, 2)
	assert.Equal(t, models.SeverityWarning, list[0].Severity)
	assert.Equal(t, models.SeverityCritical, list[1].Severity)
}

func TestConcurrentTurnsKeepBreakdownConsistent(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn := fmt.Sprintf("t%d", i)
			_, _ = a.StartTurn(ctx, turn, fmt.Sprintf("model-%d", i%3), "p", t0)
			a.ReportPartialUsage(turn, models.PartialUsage{InputTokens: 10, OutputTokens: 5})
			_, _ = a.CompleteTurn(ctx, turn, "", t0.Add(time.Second))
			_ = a.Snapshot()
		}(i)
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, int64(300), snap.Current.MonthTokens)
	assert.Equal(t, int64(20), snap.Current.DayRequests)
	assert.Len(t, snap.Models, 3)
	require.NoError(t, snap.Validate())
}

func TestSnapshotIsACopy(t *testing.T) {
	a, _ := newTestAccount(t, unlimitedQuota(), DefaultConfig())
	runTurn(t, a, "t1", t0, 1, 1, 0)

	snap := a.Snapshot()
	snap.Current.MonthTokens = 9999
	delete(snap.Models, "claude-3-5-sonnet")

	again := a.Snapshot()
	assert.Equal(t, int64(2), again.Current.MonthTokens)
	assert.Contains(t, again.Models, "claude-3-5-sonnet")
}

func TestParseReclaimPolicy(t *testing.T) {
	p, err := ParseReclaimPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ReclaimDrop, p)

	p, err = ParseReclaimPolicy(" Commit ")
	require.NoError(t, err)
	assert.Equal(t, ReclaimCommit, p)

	_, err = ParseReclaimPolicy("keep")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}
