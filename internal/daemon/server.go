package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/alerts"
	"github.com/cubent/usagemeter/internal/clock"
	"github.com/cubent/usagemeter/internal/db"
	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/meter"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/session"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultHistoryLimit caps History responses without an explicit limit.
const DefaultHistoryLimit = 100

// HistoryStore queries committed usage records.
type HistoryStore interface {
	Query(ctx context.Context, q models.UsageQuery) ([]*models.UsageRecord, error)
	Summarize(ctx context.Context, userID string, since *time.Time) (*models.UsageSummary, error)
}

// AlertStore reads persisted alerts, including those raised before a restart.
type AlertStore interface {
	Get(ctx context.Context, id string) (*models.Alert, error)
	ListByUser(ctx context.Context, userID string, unacknowledgedOnly bool, limit int) ([]*models.Alert, error)
	Acknowledge(ctx context.Context, id string, at time.Time) error
}

// Server implements MeterServer on top of a meter.Service.
type Server struct {
	service  *meter.Service
	history  HistoryStore
	alerts   AlertStore
	events   events.Repository
	clock    clock.Clock
	logger   zerolog.Logger
	hostname string
	version  string

	startedAt time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithVersion sets the daemon version.
func WithVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

// WithHistoryStore enables the History call.
func WithHistoryStore(h HistoryStore) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithAlertStore serves alerts from persistent storage.
func WithAlertStore(a AlertStore) ServerOption {
	return func(s *Server) { s.alerts = a }
}

// WithEventSink publishes acknowledgement events.
func WithEventSink(repo events.Repository) ServerOption {
	return func(s *Server) { s.events = repo }
}

// WithClock sets the time source for turn and admission timestamps.
func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// NewServer creates the Meter service implementation.
func NewServer(service *meter.Service, logger zerolog.Logger, opts ...ServerOption) *Server {
	hostname, _ := os.Hostname()
	s := &Server{
		service:  service,
		logger:   logger,
		hostname: hostname,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.startedAt = s.clock.Now().UTC()
	return s
}

// StartTurn opens or restarts a turn.
func (s *Server) StartTurn(ctx context.Context, req *StartTurnRequest) (*StartTurnResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	restarted, err := s.service.StartTurn(ctx, req.UserID, req.TurnID, req.ModelID, req.Provider, s.clock.Now())
	if err != nil {
		return nil, toStatus(err)
	}
	return &StartTurnResponse{Restarted: restarted}, nil
}

// ReportUsage adds usage to an open turn.
func (s *Server) ReportUsage(ctx context.Context, req *ReportUsageRequest) (*AcceptedResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	ok, err := s.service.ReportPartialUsage(ctx, req.UserID, req.TurnID, req.Usage)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AcceptedResponse{Accepted: ok}, nil
}

// RecordToolInvocation counts a tool call.
func (s *Server) RecordToolInvocation(ctx context.Context, req *ToolInvocationRequest) (*AcceptedResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	ok, err := s.service.RecordToolInvocation(ctx, req.UserID, req.TurnID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AcceptedResponse{Accepted: ok}, nil
}

// CompleteTurn commits a turn. A failed save is reported in the response
// rather than as an error because the usage is already counted.
func (s *Server) CompleteTurn(ctx context.Context, req *CompleteTurnRequest) (*CompleteTurnResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	record, err := s.service.CompleteTurn(ctx, req.UserID, req.TurnID, req.CompletionID, s.clock.Now())
	resp := &CompleteTurnResponse{Record: record}
	if err != nil {
		if !errors.Is(err, meter.ErrPersist) {
			return nil, toStatus(err)
		}
		resp.PersistError = err.Error()
	}
	return resp, nil
}

// Admit decides whether a provider request may proceed.
func (s *Server) Admit(ctx context.Context, req *AdmitRequest) (*models.Decision, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	d, err := s.service.Admit(ctx, req.UserID, req.ModelID, s.clock.Now())
	if err != nil {
		return nil, toStatus(err)
	}
	return &d, nil
}

// GetUsage returns the user's ledger snapshot.
func (s *Server) GetUsage(ctx context.Context, req *UserRequest) (*UsageResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	a, err := s.service.Account(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	active := a.ActiveSessions()
	if active == nil {
		active = []models.Session{}
	}
	return &UsageResponse{
		Ledger:         a.Snapshot(),
		Quota:          a.Quota(),
		ActiveSessions: active,
	}, nil
}

// ListAlerts returns the user's alerts, oldest first.
func (s *Server) ListAlerts(ctx context.Context, req *ListAlertsRequest) (*AlertsResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}

	if s.alerts != nil {
		list, err := s.alerts.ListByUser(ctx, req.UserID, req.UnacknowledgedOnly, 0)
		if err != nil {
			return nil, toStatus(err)
		}
		out := make([]models.Alert, 0, len(list))
		for _, a := range list {
			out = append(out, *a)
		}
		return &AlertsResponse{Alerts: out}, nil
	}

	engine := s.service.Alerts()
	if engine == nil {
		return &AlertsResponse{Alerts: []models.Alert{}}, nil
	}
	if req.UnacknowledgedOnly {
		return &AlertsResponse{Alerts: engine.Unacknowledged(req.UserID)}, nil
	}
	return &AlertsResponse{Alerts: engine.List(req.UserID)}, nil
}

// AckAlert dismisses an alert. Acknowledging twice keeps the first timestamp.
func (s *Server) AckAlert(ctx context.Context, req *AckAlertRequest) (*AlertResponse, error) {
	if strings.TrimSpace(req.AlertID) == "" {
		return nil, status.Error(codes.InvalidArgument, "alert_id is required")
	}
	now := s.clock.Now()

	var (
		alert models.Alert
		err   = alerts.ErrAlertNotFound
	)
	if engine := s.service.Alerts(); engine != nil {
		alert, err = engine.Acknowledge(ctx, req.AlertID, now)
	}
	if errors.Is(err, alerts.ErrAlertNotFound) && s.alerts != nil {
		alert, err = s.ackStored(ctx, req.AlertID, now)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	if s.events != nil {
		if lerr := events.LogAlertAcknowledged(ctx, s.events, now, alert); lerr != nil {
			s.logger.Warn().Err(lerr).Str("alert_id", alert.ID).Msg("failed to publish acknowledgement")
		}
	}
	return &AlertResponse{Alert: alert}, nil
}

func (s *Server) ackStored(ctx context.Context, id string, now time.Time) (models.Alert, error) {
	if err := s.alerts.Acknowledge(ctx, id, now); err != nil {
		return models.Alert{}, err
	}
	stored, err := s.alerts.Get(ctx, id)
	if err != nil {
		return models.Alert{}, err
	}
	return *stored, nil
}

// ListTiers returns the quota catalog.
func (s *Server) ListTiers(context.Context, *Empty) (*TiersResponse, error) {
	return &TiersResponse{Tiers: s.service.Catalog().Tiers()}, nil
}

// History returns committed usage records, newest first.
func (s *Server) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "usage history requires the sqlite store")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	userID := req.UserID
	records, err := s.history.Query(ctx, models.UsageQuery{UserID: &userID, Since: req.Since, Limit: limit})
	if err != nil {
		return nil, toStatus(err)
	}
	summary, err := s.history.Summarize(ctx, userID, req.Since)
	if err != nil {
		return nil, toStatus(err)
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	return &HistoryResponse{Records: records, Summary: summary}, nil
}

// Status describes the daemon.
func (s *Server) Status(context.Context, *Empty) (*StatusResponse, error) {
	st := s.service.Stats()
	return &StatusResponse{
		Version:        s.version,
		Hostname:       s.hostname,
		StartedAt:      s.startedAt,
		Accounts:       st.Accounts,
		ActiveSessions: st.ActiveSessions,
		DirtyAccounts:  st.DirtyAccounts,
	}, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return status.Error(codes.InvalidArgument, "user_id is required")
	}
	return nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, meter.ErrUserIDRequired), errors.Is(err, session.ErrInvalidTurn):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, alerts.ErrAlertNotFound), errors.Is(err, db.ErrAlertNotFound), errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, meter.ErrPersist):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
