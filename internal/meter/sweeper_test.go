package meter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperStartStop(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, store.NewMemory())
	sw := NewSweeper(svc)

	require.NoError(t, sw.Start(context.Background()))
	require.ErrorIs(t, sw.Start(context.Background()), ErrSweeperAlreadyRunning)
	assert.True(t, sw.Stats().Running)
	assert.NotNil(t, sw.Stats().StartedAt)

	require.NoError(t, sw.Stop())
	require.ErrorIs(t, sw.Stop(), ErrSweeperNotRunning)
	require.ErrorIs(t, sw.SweepNow(), ErrSweeperNotRunning)
	assert.False(t, sw.Stats().Running)
}

func TestSweeperReclaimsStaleTurns(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	svc := NewService(DefaultConfig(), nil, store.NewMemory(), WithClock(clk))
	_, err := svc.StartTurn(ctx, "u1", "t1", "m", "p", t0)
	require.NoError(t, err)

	var ticks atomic.Int64
	sw := NewSweeper(svc, WithSweepClock(clk), WithTickHook(func(SweeperStats) { ticks.Add(1) }))
	require.NoError(t, sw.Start(ctx))
	defer sw.Stop()

	clk.Advance(45 * time.Minute)
	require.NoError(t, sw.SweepNow())
	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	stats := sw.Stats()
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, 1, stats.Service.Accounts)
	assert.Zero(t, stats.Service.ActiveSessions)
	assert.Zero(t, stats.Failures)
}

func TestSweepDirect(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	svc := NewService(DefaultConfig(), nil, nil, WithClock(clk))
	_, _ = svc.StartTurn(ctx, "u1", "t1", "m", "p", t0)

	sw := NewSweeper(svc, WithSweepClock(clk))
	sw.Sweep(ctx)
	assert.Zero(t, sw.Stats().Reclaimed)

	clk.Advance(time.Hour)
	sw.Sweep(ctx)
	assert.Equal(t, int64(1), sw.Stats().Reclaimed)
	assert.Equal(t, int64(2), sw.Stats().Ticks)
}
