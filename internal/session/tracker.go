// Package session correlates provider calls with user turns and accumulates
// their usage until the turn is committed or reclaimed.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how long an uncommitted turn may stay active.
const DefaultStaleAfter = 30 * time.Minute

// DefaultHistorySize bounds how many finished turn IDs are remembered.
const DefaultHistorySize = 1024

var ErrInvalidTurn = errors.New("turn id is required")

// Status describes where a turn is in its lifecycle.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusReclaimed Status = "reclaimed"
)

// Tracker holds the active sessions of one user.
type Tracker struct {
	mu         sync.Mutex
	userID     string
	staleAfter time.Duration
	active     map[string]*models.Session

	finished     map[string]Status
	finishedRing []string
	ringNext     int

	logger zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleAfter sets the reclamation threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithHistorySize sets how many finished turn IDs are remembered.
func WithHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.finishedRing = make([]string, n)
		}
	}
}

// NewTracker creates a tracker for userID.
func NewTracker(userID string, opts ...Option) *Tracker {
	t := &Tracker{
		userID:       userID,
		staleAfter:   DefaultStaleAfter,
		active:       make(map[string]*models.Session),
		finished:     make(map[string]Status),
		finishedRing: make([]string, DefaultHistorySize),
		logger:       logging.Component("session").With().Str("user_id", userID).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StaleAfter returns the reclamation threshold.
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// StartTurn opens a session for turnID. Starting a turn that is already
// active refreshes its model and provider, keeps accumulated usage and
// reports restarted=true.
func (t *Tracker) StartTurn(turnID, modelID, provider string, now time.Time) (restarted bool, err error) {
	if turnID == "" {
		return false, ErrInvalidTurn
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.active[turnID]; ok {
		if modelID != "" {
			s.ModelID = modelID
		}
		if provider != "" {
			s.Provider = provider
		}
		t.logger.Debug().
			Str("turn_id", turnID).
			Str("model_id", s.ModelID).
			Msg("turn restarted")
		return true, nil
	}

	if status, ok := t.finished[turnID]; ok {
		t.logger.Debug().
			Str("turn_id", turnID).
			Str("previous", string(status)).
			Msg("reopening finished turn id")
		t.forget(turnID)
	}

	t.active[turnID] = &models.Session{
		TurnID:    turnID,
		UserID:    t.userID,
		StartTime: now,
		ModelID:   modelID,
		Provider:  provider,
	}
	t.logger.Debug().
		Str("turn_id", turnID).
		Str("model_id", modelID).
		Str("provider", provider).
		Msg("turn started")
	return false, nil
}

// ReportPartialUsage adds one provider call's usage to the turn. It returns
// false when no active session exists; the usage is then discarded.
func (t *Tracker) ReportPartialUsage(turnID string, u models.PartialUsage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.active[turnID]
	if !ok {
		t.logOrphan(turnID, "usage")
		return false
	}

	s.InputTokens += nonNegative(u.InputTokens)
	s.OutputTokens += nonNegative(u.OutputTokens)
	s.CacheWrites += nonNegative(u.CacheWrites)
	s.CacheReads += nonNegative(u.CacheReads)
	if u.Cost > 0 {
		s.TotalCost += u.Cost
	}
	s.ProviderCalls++
	if u.ModelID != "" {
		s.ModelID = u.ModelID
	}
	if u.Provider != "" {
		s.Provider = u.Provider
	}
	return true
}

// RecordToolInvocation increments the tool counter of an active turn.
func (t *Tracker) RecordToolInvocation(turnID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.active[turnID]
	if !ok {
		t.logOrphan(turnID, "tool invocation")
		return false
	}
	s.ToolCalls++
	return true
}

// Take removes the session from the active set and marks it committed. Only
// the first call for a turn returns a session; later calls return nil.
func (t *Tracker) Take(turnID string, now time.Time) *models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.active[turnID]
	if !ok {
		switch t.finished[turnID] {
		case StatusCommitted:
			t.logger.Debug().Str("turn_id", turnID).Msg("turn already committed")
		case StatusReclaimed:
			t.logger.Debug().Str("turn_id", turnID).Msg("turn was reclaimed, ignoring completion")
		default:
			t.logger.Debug().Str("turn_id", turnID).Msg("completion for unknown turn")
		}
		return nil
	}

	delete(t.active, turnID)
	completed := now
	s.CompletionTime = &completed
	s.Committed = true
	t.remember(turnID, StatusCommitted)
	return s
}

// Sweep removes and returns sessions started more than the stale threshold
// before now. Swept turns can no longer be committed.
func (t *Tracker) Sweep(now time.Time) []*models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []*models.Session
	for id, s := range t.active {
		if now.Sub(s.StartTime) > t.staleAfter {
			delete(t.active, id)
			t.remember(id, StatusReclaimed)
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartTime.Before(stale[j].StartTime)
	})

	for _, s := range stale {
		t.logger.Warn().
			Str("turn_id", s.TurnID).
			Int64("tokens", s.Tokens()).
			Dur("age", now.Sub(s.StartTime)).
			Msg("reclaimed stale turn")
	}
	return stale
}

// Get returns a copy of an active session.
func (t *Tracker) Get(turnID string) (models.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.active[turnID]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

// Status reports the lifecycle state of turnID.
func (t *Tracker) Status(turnID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[turnID]; ok {
		return StatusActive
	}
	if status, ok := t.finished[turnID]; ok {
		return status
	}
	return StatusUnknown
}

// Active returns copies of all active sessions, oldest first.
func (t *Tracker) Active() []models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Session, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Len returns the number of active sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// remember records a finished turn, evicting the oldest entry once the ring
// is full. Caller holds t.mu.
func (t *Tracker) remember(turnID string, status Status) {
	if old := t.finishedRing[t.ringNext]; old != "" {
		delete(t.finished, old)
	}
	t.finishedRing[t.ringNext] = turnID
	t.ringNext = (t.ringNext + 1) % len(t.finishedRing)
	t.finished[turnID] = status
}

// forget drops a finished turn and frees its ring slot so a later eviction
// cannot remove a newer entry for the same ID. Caller holds t.mu.
func (t *Tracker) forget(turnID string) {
	delete(t.finished, turnID)
	for i, id := range t.finishedRing {
		if id == turnID {
			t.finishedRing[i] = ""
		}
	}
}

// Caller holds t.mu.
func (t *Tracker) logOrphan(turnID, what string) {
	event := t.logger.Warn()
	if status, ok := t.finished[turnID]; ok {
		event = t.logger.Debug().Str("status", string(status))
	}
	event.Str("turn_id", turnID).Msgf("%s reported without active session", what)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
