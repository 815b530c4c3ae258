package meter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubent/usagemeter/internal/alerts"
	"github.com/cubent/usagemeter/internal/catalog"
	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/rs/zerolog"
)

// TrialSource reports when a user's trial ends. A zero time means no trial.
type TrialSource interface {
	TrialEnd(ctx context.Context, userID string) (time.Time, error)
}

// Service owns the accounts of every user seen by this process.
type Service struct {
	cfg      Config
	catalog  *catalog.Catalog
	ledgers  store.Ledgers
	profiles store.Profiles
	history  History
	trials   TrialSource
	alerts   *alerts.Engine
	events   events.Repository
	clock    clock.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithProfiles resolves tiers through p. Without it every user gets the most
// restrictive tier.
func WithProfiles(p store.Profiles) ServiceOption {
	return func(s *Service) { s.profiles = p }
}

// WithUsageHistory records committed turns in h.
func WithUsageHistory(h History) ServiceOption {
	return func(s *Service) { s.history = h }
}

// WithTrials enables trial expiry checks.
func WithTrials(t TrialSource) ServiceOption {
	return func(s *Service) { s.trials = t }
}

// WithAlertEngine evaluates alerts after every commit.
func WithAlertEngine(e *alerts.Engine) ServiceOption {
	return func(s *Service) { s.alerts = e }
}

// WithEventRepository publishes meter events to repo.
func WithEventRepository(repo events.Repository) ServiceOption {
	return func(s *Service) { s.events = repo }
}

// WithClock sets the time source used for new ledgers.
func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// NewService creates a meter service. A nil catalog uses catalog.Default and
// a nil ledger store keeps ledgers in memory only.
func NewService(cfg Config, cat *catalog.Catalog, ledgers store.Ledgers, opts ...ServiceOption) *Service {
	if cat == nil {
		cat = catalog.Default()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		catalog:  cat,
		ledgers:  ledgers,
		logger:   logging.Component("meter"),
		accounts: make(map[string]*Account),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Catalog returns the quota catalog.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Alerts returns the alert engine, or nil if alerts are disabled.
func (s *Service) Alerts() *alerts.Engine {
	return s.alerts
}

// Account returns the account of userID, loading its ledger on first use.
// A user without a stored ledger starts with a zeroed one.
func (s *Service) Account(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		return a, nil
	}

	l, created, err := s.loadLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	opts := []AccountOption{
		WithLedgerStore(s.ledgers),
		WithHistory(s.history),
		WithEvents(s.events),
	}
	if s.alerts != nil {
		opts = append(opts, WithAlerts(s.alerts))
	}
	a := NewAccount(userID, l, s.resolveQuota(ctx, userID), s.cfg, opts...)
	if created {
		if err := a.persistNew(ctx); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to save new ledger")
		}
	}
	s.accounts[userID] = a

	s.logger.Debug().
		Str("user_id", userID).
		Str("tier", string(a.Quota().Tier)).
		Bool("created", created).
		Msg("account loaded")
	return a, nil
}

// Users returns the IDs of loaded accounts, sorted.
func (s *Service) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RefreshTier re-resolves the user's tier and applies the new quota set.
func (s *Service) RefreshTier(ctx context.Context, userID string) (models.QuotaSet, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return models.QuotaSet{}, err
	}
	q := s.resolveQuota(ctx, userID)
	a.SetQuota(q)
	return q, nil
}

// StartTurn opens or restarts a turn for userID.
func (s *Service) StartTurn(ctx context.Context, userID, turnID, modelID, provider string, now time.Time) (bool, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return a.StartTurn(ctx, turnID, modelID, provider, now)
}

// ReportPartialUsage adds usage to an open turn of userID.
func (s *Service) ReportPartialUsage(ctx context.Context, userID, turnID string, u models.PartialUsage) (bool, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return a.ReportPartialUsage(turnID, u), nil
}

// RecordToolInvocation counts a tool call of an open turn of userID.
func (s *Service) RecordToolInvocation(ctx context.Context, userID, turnID string) (bool, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return a.RecordToolInvocation(turnID), nil
}

// CompleteTurn commits a turn of userID.
func (s *Service) CompleteTurn(ctx context.Context, userID, turnID, completionID string, now time.Time) (*models.UsageRecord, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.CompleteTurn(ctx, turnID, completionID, now)
}

// Admit decides whether userID may issue a request for modelID.
func (s *Service) Admit(ctx context.Context, userID, modelID string, now time.Time) (models.Decision, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return models.Decision{}, err
	}
	return a.Admit(ctx, modelID, now), nil
}

// Snapshot returns the last published ledger of userID.
func (s *Service) Snapshot(ctx context.Context, userID string) (*models.Ledger, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.Snapshot(), nil
}

// ActiveSessions returns the open turns of userID.
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.ActiveSessions(), nil
}

// CheckTrial raises a trial expiry alert for userID when one is due.
func (s *Service) CheckTrial(ctx context.Context, userID string, now time.Time) (*models.Alert, error) {
	if s.trials == nil || s.alerts == nil {
		return nil, nil
	}
	endsAt, err := s.trials.TrialEnd(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("trial lookup: %w", err)
	}
	return s.alerts.EvaluateTrial(ctx, userID, endsAt, now), nil
}

// Reclaim sweeps stale turns of every loaded account.
func (s *Service) Reclaim(ctx context.Context, now time.Time) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, a := range s.snapshotAccounts() {
		n, err := a.Reclaim(ctx, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim %s: %w", a.UserID(), err))
		}
	}
	return total, errors.Join(errs...)
}

// Flush retries pending saves of every loaded account.
func (s *Service) Flush(ctx context.Context) error {
	var errs []error
	for _, a := range s.snapshotAccounts() {
		if err := a.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", a.UserID(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes the loaded accounts.
func (s *Service) Stats() ServiceStats {
	var st ServiceStats
	for _, a := range s.snapshotAccounts() {
		st.Accounts++
		st.ActiveSessions += a.tracker.Len()
		if a.Dirty() {
			st.DirtyAccounts++
		}
	}
	return st
}

// ServiceStats contains service statistics.
type ServiceStats struct {
	Accounts       int
	ActiveSessions int
	DirtyAccounts  int
}

func (s *Service) snapshotAccounts() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

func (s *Service) loadLedger(ctx context.Context, userID string) (*models.Ledger, bool, error) {
	if s.ledgers == nil {
		return models.NewLedger(userID, s.clock.Now()), true, nil
	}
	l, err := s.ledgers.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.NewLedger(userID, s.clock.Now()), true, nil
		}
		return nil, false, fmt.Errorf("load ledger %s: %w", userID, err)
	}
	if verr := l.Validate(); verr != nil {
		s.logger.Warn().Err(verr).Str("user_id", userID).Msg("stored ledger failed validation")
	}
	return l, false, nil
}

// resolveQuota never fails open: lookup errors yield the most restrictive tier.
func (s *Service) resolveQuota(ctx context.Context, userID string) models.QuotaSet {
	if s.profiles == nil {
		return s.catalog.MostRestrictive()
	}
	tier, err := s.profiles.Tier(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("tier lookup failed")
		}
		return s.catalog.MostRestrictive()
	}
	q, _ := s.catalog.Lookup(tier)
	return q
}

// persistNew saves a freshly created ledger.
func (a *Account) persistNew(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistLocked(ctx, a.ledger)
}
