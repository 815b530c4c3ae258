package daemon

import (
	"context"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "usagemeter.v1.Meter"

func methodPath(method string) string {
	return "/" + ServiceName + "/" + method
}

// StartTurnRequest opens a user turn.
type StartTurnRequest struct {
	UserID   string `json:"user_id"`
	TurnID   string `json:"turn_id"`
	ModelID  string `json:"model_id,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// StartTurnResponse reports whether an open turn was restarted.
type StartTurnResponse struct {
	Restarted bool `json:"restarted"`
}

// ReportUsageRequest carries one provider call's usage.
type ReportUsageRequest struct {
	UserID string              `json:"user_id"`
	TurnID string              `json:"turn_id"`
	Usage  models.PartialUsage `json:"usage"`
}

// ToolInvocationRequest counts one tool call.
type ToolInvocationRequest struct {
	UserID string `json:"user_id"`
	TurnID string `json:"turn_id"`
}

// AcceptedResponse reports whether the turn was open.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

// CompleteTurnRequest commits a turn.
type CompleteTurnRequest struct {
	UserID       string `json:"user_id"`
	TurnID       string `json:"turn_id"`
	CompletionID string `json:"completion_id,omitempty"`
}

// CompleteTurnResponse holds the committed record. Record is nil when the
// turn was not open. PersistError is set when the usage is counted in memory
// but could not be saved yet.
type CompleteTurnResponse struct {
	Record       *models.UsageRecord `json:"record,omitempty"`
	PersistError string              `json:"persist_error,omitempty"`
}

// AdmitRequest asks whether a provider request may proceed.
type AdmitRequest struct {
	UserID  string `json:"user_id"`
	ModelID string `json:"model_id,omitempty"`
}

// UserRequest addresses a single user.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// UsageResponse is a user's ledger snapshot with its quota.
type UsageResponse struct {
	Ledger         *models.Ledger   `json:"ledger"`
	Quota          models.QuotaSet  `json:"quota"`
	ActiveSessions []models.Session `json:"active_sessions"`
}

// ListAlertsRequest lists a user's alerts.
type ListAlertsRequest struct {
	UserID             string `json:"user_id"`
	UnacknowledgedOnly bool   `json:"unacknowledged_only,omitempty"`
}

// AlertsResponse holds alerts, oldest first.
type AlertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
}

// AckAlertRequest dismisses an alert.
type AckAlertRequest struct {
	AlertID string `json:"alert_id"`
}

// AlertResponse holds a single alert.
type AlertResponse struct {
	Alert models.Alert `json:"alert"`
}

// Empty is used for calls without parameters.
type Empty struct{}

// TiersResponse lists the catalog, least capable tier first.
type TiersResponse struct {
	Tiers []models.QuotaSet `json:"tiers"`
}

// HistoryRequest queries committed usage records.
type HistoryRequest struct {
	UserID string     `json:"user_id"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// HistoryResponse holds usage records, newest first, and their summary.
type HistoryResponse struct {
	Records []*models.UsageRecord `json:"records"`
	Summary *models.UsageSummary  `json:"summary,omitempty"`
}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Version        string    `json:"version"`
	Hostname       string    `json:"hostname"`
	StartedAt      time.Time `json:"started_at"`
	Accounts       int       `json:"accounts"`
	ActiveSessions int       `json:"active_sessions"`
	DirtyAccounts  int       `json:"dirty_accounts"`
}

// MeterServer is the server API of the Meter service.
type MeterServer interface {
	StartTurn(context.Context, *StartTurnRequest) (*StartTurnResponse, error)
	ReportUsage(context.Context, *ReportUsageRequest) (*AcceptedResponse, error)
	RecordToolInvocation(context.Context, *ToolInvocationRequest) (*AcceptedResponse, error)
	CompleteTurn(context.Context, *CompleteTurnRequest) (*CompleteTurnResponse, error)
	Admit(context.Context, *AdmitRequest) (*models.Decision, error)
	GetUsage(context.Context, *UserRequest) (*UsageResponse, error)
	ListAlerts(context.Context, *ListAlertsRequest) (*AlertsResponse, error)
	AckAlert(context.Context, *AckAlertRequest) (*AlertResponse, error)
	ListTiers(context.Context, *Empty) (*TiersResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
}

// RegisterMeterServer registers srv on s.
func RegisterMeterServer(s grpc.ServiceRegistrar, srv MeterServer) {
	s.RegisterService(&meterServiceDesc, srv)
}

var meterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTurn", Handler: unaryHandler("StartTurn", MeterServer.StartTurn)},
		{MethodName: "ReportUsage", Handler: unaryHandler("ReportUsage", MeterServer.ReportUsage)},
		{MethodName: "RecordToolInvocation", Handler: unaryHandler("RecordToolInvocation", MeterServer.RecordToolInvocation)},
		{MethodName: "CompleteTurn", Handler: unaryHandler("CompleteTurn", MeterServer.CompleteTurn)},
		{MethodName: "Admit", Handler: unaryHandler("Admit", MeterServer.Admit)},
		{MethodName: "GetUsage", Handler: unaryHandler("GetUsage", MeterServer.GetUsage)},
		{MethodName: "ListAlerts", Handler: unaryHandler("ListAlerts", MeterServer.ListAlerts)},
		{MethodName: "AckAlert", Handler: unaryHandler("AckAlert", MeterServer.AckAlert)},
		{MethodName: "ListTiers", Handler: unaryHandler("ListTiers", MeterServer.ListTiers)},
		{MethodName: "History", Handler: unaryHandler("History", MeterServer.History)},
		{MethodName: "Status", Handler: unaryHandler("Status", MeterServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "usagemeter/v1/meter",
}

// unaryHandler adapts a typed MeterServer method to a grpc method handler.
func unaryHandler[Req, Resp any](method string, call func(MeterServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := methodPath(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MeterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MeterServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
