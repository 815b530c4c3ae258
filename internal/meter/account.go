package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubent/usagemeter/internal/admission"
	"github.com/cubent/usagemeter/internal/alerts"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/ledger"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/session"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// History stores committed usage records.
type History interface {
	Create(ctx context.Context, record *models.UsageRecord) error
}

// Account is the meter of a single user. All ledger mutations go through one
// writer lock; Snapshot readers never take it.
type Account struct {
	userID  string
	cfg     Config
	tracker *session.Tracker
	ledgers store.Ledgers
	history History
	alerts  *alerts.Engine
	events  events.Repository
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger

	mu     sync.Mutex
	ledger *models.Ledger
	quota  models.QuotaSet
	dirty  bool

	snap atomic.Pointer[models.Ledger]
}

// AccountOption configures an Account.
type AccountOption func(*Account)

// WithLedgerStore persists the ledger after every mutation.
func WithLedgerStore(s store.Ledgers) AccountOption {
	return func(a *Account) { a.ledgers = s }
}

// WithHistory records every committed turn.
func WithHistory(h History) AccountOption {
	return func(a *Account) { a.history = h }
}

// WithAlerts evaluates alerts after every commit.
func WithAlerts(e *alerts.Engine) AccountOption {
	return func(a *Account) { a.alerts = e }
}

// WithEvents publishes meter events to repo.
func WithEvents(repo events.Repository) AccountOption {
	return func(a *Account) { a.events = repo }
}

// WithSleep replaces the backoff sleep between save attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) AccountOption {
	return func(a *Account) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// NewAccount creates the meter for userID around an existing ledger. A nil
// ledger starts from zero with every reset due.
func NewAccount(userID string, l *models.Ledger, quota models.QuotaSet, cfg Config, opts ...AccountOption) *Account {
	cfg = cfg.withDefaults()
	if l == nil {
		l = models.NewLedger(userID, time.Time{})
	} else {
		l = l.Clone()
	}
	if l.UserID == "" {
		l.UserID = userID
	}

	a := &Account{
		userID:  userID,
		cfg:     cfg,
		tracker: session.NewTracker(userID, session.WithStaleAfter(cfg.StaleAfter)),
		sleep:   sleepContext,
		logger:  logging.Component("meter").With().Str("user_id", userID).Logger(),
		ledger:  l,
		quota:   quota,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.snap.Store(l.Clone())
	return a
}

// UserID returns the account owner.
func (a *Account) UserID() string {
	return a.userID
}

// Quota returns the quota set the account is checked against.
func (a *Account) Quota() models.QuotaSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quota
}

// SetQuota replaces the quota set, for example after a tier change.
func (a *Account) SetQuota(q models.QuotaSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota = q
}

// Snapshot returns a copy of the last published ledger.
func (a *Account) Snapshot() *models.Ledger {
	return a.snap.Load().Clone()
}

// Dirty reports whether the in-memory ledger has unsaved changes.
func (a *Account) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// ActiveSessions returns copies of the open turns.
func (a *Account) ActiveSessions() []models.Session {
	return a.tracker.Active()
}

// TurnStatus reports where turnID is in its lifecycle.
func (a *Account) TurnStatus(turnID string) session.Status {
	return a.tracker.Status(turnID)
}

// StartTurn opens or restarts a turn.
func (a *Account) StartTurn(ctx context.Context, turnID, modelID, provider string, now time.Time) (bool, error) {
	restarted, err := a.tracker.StartTurn(turnID, modelID, provider, now)
	if err != nil {
		return false, err
	}
	a.emit(func() error {
		return events.LogTurnStarted(ctx, a.events, now, models.TurnStartedPayload{
			UserID:   a.userID,
			TurnID:   turnID,
			ModelID:  modelID,
			Provider: provider,
			Restart:  restarted,
		})
	})
	return restarted, nil
}

// ReportPartialUsage adds one provider call's usage to an open turn. Usage for
// unknown turns is logged and dropped.
func (a *Account) ReportPartialUsage(turnID string, u models.PartialUsage) bool {
	return a.tracker.ReportPartialUsage(turnID, u)
}

// RecordToolInvocation counts a tool call within an open turn.
func (a *Account) RecordToolInvocation(turnID string) bool {
	return a.tracker.RecordToolInvocation(turnID)
}

// CompleteTurn folds the turn's accumulated usage into the ledger exactly
// once. It returns a nil record when the turn is not open (already committed,
// reclaimed or never started).
//
// When persistence fails the usage stays counted in memory, the account is
// marked dirty and the returned error wraps ErrPersist.
func (a *Account) CompleteTurn(ctx context.Context, turnID, completionID string, now time.Time) (*models.UsageRecord, error) {
	s := a.tracker.Take(turnID, now)
	if s == nil {
		return nil, nil
	}
	record := a.newRecord(s, completionID, now, false)
	return record, a.commit(ctx, record, now)
}

// Admit rolls the ledger over for now and decides whether a request for
// modelID may proceed. An empty modelID skips the model check.
func (a *Account) Admit(ctx context.Context, modelID string, now time.Time) models.Decision {
	a.mu.Lock()
	quota := a.quota
	work := a.ledger.Clone()
	at := ledger.Latest(work, now)
	rolled := ledger.CheckAndRollover(work, at, a.cfg.Location)
	if rolled.Any() || a.dirty {
		// Failures are logged and retried on the next mutation.
		_ = a.persistLocked(ctx, work)
		a.publishLocked(work)
	}

	var d models.Decision
	if modelID != "" {
		if err := admission.CanUseModel(quota, modelID); err != nil {
			d = models.Decision{Limit: models.LimitModel, Message: err.Error()}
		}
	}
	if d.Limit == "" {
		d = admission.CanAdmit(work, quota, at, a.cfg.Location)
		d.Message = admission.Message(d, a.cfg.Location)
	}
	a.mu.Unlock()

	a.rolledOver(ctx, rolled, now)
	if !d.Allowed {
		a.logger.Info().
			Str("limit", string(d.Limit)).
			Str("model_id", modelID).
			Str("tier", string(quota.Tier)).
			Msg("request blocked")
		a.emit(func() error {
			return events.LogAdmissionBlocked(ctx, a.events, now, models.AdmissionBlockedPayload{
				UserID:   a.userID,
				Tier:     quota.Tier,
				ModelID:  modelID,
				Decision: &d,
			})
		})
	}
	return d
}

// Reclaim removes turns that outlived the stale threshold. Under
// ReclaimCommit their partial usage is folded into the ledger; under
// ReclaimDrop it is discarded. It returns the number of reclaimed turns.
func (a *Account) Reclaim(ctx context.Context, now time.Time) (int, error) {
	stale := a.tracker.Sweep(now)
	var errs []error
	for _, s := range stale {
		committed := false
		if a.cfg.ReclaimPolicy == ReclaimCommit && (s.ProviderCalls > 0 || s.Tokens() > 0) {
			record := a.newRecord(s, "", now, true)
			if err := a.commit(ctx, record, now); err != nil {
				errs = append(errs, err)
			}
			committed = true
		} else if s.Tokens() > 0 {
			a.logger.Warn().
				Str("turn_id", s.TurnID).
				Int64("tokens", s.Tokens()).
				Msg("dropped partial usage of abandoned turn")
		}

		payload := models.SessionReclaimedPayload{
			UserID:    a.userID,
			TurnID:    s.TurnID,
			Tokens:    s.Tokens(),
			Committed: committed,
			Age:       now.Sub(s.StartTime).String(),
		}
		a.emit(func() error {
			return events.LogSessionReclaimed(ctx, a.events, now, payload)
		})
	}
	return len(stale), errors.Join(errs...)
}

// Flush retries a pending save. It is a no-op when the ledger is clean.
func (a *Account) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return nil
	}
	return a.persistLocked(ctx, a.ledger)
}

func (a *Account) newRecord(s *models.Session, completionID string, now time.Time, reclaimed bool) *models.UsageRecord {
	requests := s.ProviderCalls
	if !reclaimed && requests < 1 {
		requests = 1
	}
	record := &models.UsageRecord{
		ID:           uuid.NewString(),
		UserID:       a.userID,
		TurnID:       s.TurnID,
		CompletionID: completionID,
		Provider:     s.Provider,
		ModelID:      s.ModelID,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CacheWrites:  s.CacheWrites,
		CacheReads:   s.CacheReads,
		Cost:         s.TotalCost,
		ToolCalls:    s.ToolCalls,
		RequestCount: requests,
		Reclaimed:    reclaimed,
		StartedAt:    s.StartTime,
		CompletedAt:  now,
	}
	record.CalculateTotalTokens()
	return record
}

func (a *Account) commit(ctx context.Context, record *models.UsageRecord, now time.Time) error {
	a.mu.Lock()
	quota := a.quota
	work := a.ledger.Clone()
	at := ledger.Latest(work, now)
	rolled := ledger.CheckAndRollover(work, at, a.cfg.Location)
	ledger.Apply(work, record.Delta(), at)
	err := a.persistLocked(ctx, work)
	a.publishLocked(work)
	snapshot := work.Clone()
	a.mu.Unlock()

	a.logger.Debug().
		Str("turn_id", record.TurnID).
		Int64("tokens", record.TotalTokens).
		Float64("cost", record.Cost).
		Int64("requests", record.RequestCount).
		Msg("usage committed")

	a.rolledOver(ctx, rolled, now)
	if a.history != nil {
		if herr := a.history.Create(ctx, record); herr != nil {
			a.logger.Warn().Err(herr).Str("turn_id", record.TurnID).Msg("failed to record usage history")
		}
	}
	a.emit(func() error {
		return events.LogUsageCommitted(ctx, a.events, now, *record)
	})
	if a.alerts != nil {
		a.alerts.Evaluate(ctx, a.userID, snapshot, quota, now)
	}
	return err
}

// publishLocked installs work as the current ledger and its snapshot.
func (a *Account) publishLocked(work *models.Ledger) {
	a.ledger = work
	a.snap.Store(work.Clone())
}

func (a *Account) persistLocked(ctx context.Context, l *models.Ledger) error {
	if a.ledgers == nil {
		a.dirty = false
		return nil
	}

	var err error
	attempts := 0
	backoff := a.cfg.PersistBackoff
	for attempts < a.cfg.PersistRetries {
		attempts++
		if err = a.ledgers.Save(ctx, l); err == nil {
			if a.dirty {
				a.logger.Info().Int("attempts", attempts).Msg("pending ledger saved")
			}
			a.dirty = false
			return nil
		}
		a.logger.Warn().Err(err).Int("attempt", attempts).Msg("ledger save failed")
		if attempts == a.cfg.PersistRetries {
			break
		}
		if serr := a.sleep(ctx, backoff); serr != nil {
			break
		}
		backoff *= 2
	}

	a.dirty = true
	a.logger.Error().Err(err).Int("attempts", attempts).Msg("ledger kept in memory, save will be retried")
	a.emit(func() error {
		return events.LogPersistFailed(ctx, a.events, time.Now().UTC(), models.PersistFailedPayload{
			UserID:   a.userID,
			Error:    err.Error(),
			Attempts: attempts,
		})
	})
	return fmt.Errorf("%w: %w", ErrPersist, err)
}

func (a *Account) rolledOver(ctx context.Context, r ledger.Rollover, now time.Time) {
	if !r.Any() {
		return
	}
	a.logger.Debug().
		Bool("monthly", r.Monthly).
		Bool("daily", r.Daily).
		Bool("hourly", r.Hourly).
		Msg("ledger rolled over")
	a.emit(func() error {
		return events.LogRolledOver(ctx, a.events, now, models.RolledOverPayload{
			UserID:  a.userID,
			Monthly: r.Monthly,
			Daily:   r.Daily,
			Hourly:  r.Hourly,
		})
	})
}

func (a *Account) emit(write func() error) {
	if a.events == nil {
		return
	}
	if err := write(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish event")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
