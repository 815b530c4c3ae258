package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a running meterd over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. The connection is established lazily on first use.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, methodPath(method), req, resp)
}

// Healthy reports whether the Meter service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// StartTurn opens or restarts a turn.
func (c *Client) StartTurn(ctx context.Context, userID, turnID, modelID, provider string) (bool, error) {
	var resp StartTurnResponse
	err := c.invoke(ctx, "StartTurn", &StartTurnRequest{UserID: userID, TurnID: turnID, ModelID: modelID, Provider: provider}, &resp)
	return resp.Restarted, err
}

// ReportUsage adds one provider call's usage to a turn.
func (c *Client) ReportUsage(ctx context.Context, userID, turnID string, u models.PartialUsage) (bool, error) {
	var resp AcceptedResponse
	err := c.invoke(ctx, "ReportUsage", &ReportUsageRequest{UserID: userID, TurnID: turnID, Usage: u}, &resp)
	return resp.Accepted, err
}

// RecordToolInvocation counts a tool call.
func (c *Client) RecordToolInvocation(ctx context.Context, userID, turnID string) (bool, error) {
	var resp AcceptedResponse
	err := c.invoke(ctx, "RecordToolInvocation", &ToolInvocationRequest{UserID: userID, TurnID: turnID}, &resp)
	return resp.Accepted, err
}

// CompleteTurn commits a turn.
func (c *Client) CompleteTurn(ctx context.Context, userID, turnID, completionID string) (*CompleteTurnResponse, error) {
	var resp CompleteTurnResponse
	if err := c.invoke(ctx, "CompleteTurn", &CompleteTurnRequest{UserID: userID, TurnID: turnID, CompletionID: completionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Admit asks whether a request for modelID may proceed.
func (c *Client) Admit(ctx context.Context, userID, modelID string) (models.Decision, error) {
	var d models.Decision
	err := c.invoke(ctx, "Admit", &AdmitRequest{UserID: userID, ModelID: modelID}, &d)
	return d, err
}

// GetUsage returns the user's ledger snapshot.
func (c *Client) GetUsage(ctx context.Context, userID string) (*UsageResponse, error) {
	var resp UsageResponse
	if err := c.invoke(ctx, "GetUsage", &UserRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAlerts returns the user's alerts.
func (c *Client) ListAlerts(ctx context.Context, userID string, unacknowledgedOnly bool) ([]models.Alert, error) {
	var resp AlertsResponse
	err := c.invoke(ctx, "ListAlerts", &ListAlertsRequest{UserID: userID, UnacknowledgedOnly: unacknowledgedOnly}, &resp)
	return resp.Alerts, err
}

// AckAlert dismisses an alert.
func (c *Client) AckAlert(ctx context.Context, alertID string) (models.Alert, error) {
	var resp AlertResponse
	err := c.invoke(ctx, "AckAlert", &AckAlertRequest{AlertID: alertID}, &resp)
	return resp.Alert, err
}

// ListTiers returns the quota catalog.
func (c *Client) ListTiers(ctx context.Context) ([]models.QuotaSet, error) {
	var resp TiersResponse
	err := c.invoke(ctx, "ListTiers", &Empty{}, &resp)
	return resp.Tiers, err
}

// History returns committed usage records.
func (c *Client) History(ctx context.Context, userID string, since *time.Time, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.invoke(ctx, "History", &HistoryRequest{UserID: userID, Since: since, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status describes the daemon.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.invoke(ctx, "Status", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
