package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bodyLimit caps JSON request bodies.
const bodyLimit = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPHandler exposes the read side of the Meter service, health and
// metrics over HTTP. metrics and limiter may be nil.
func NewHTTPHandler(srv *Server, metrics http.Handler, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	h := &httpHandlers{srv: srv}
	r.Route("/v1", func(r chi.Router) {
		// Group so the limiter sees the matched route pattern.
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Get("/status", h.status)
			r.Get("/tiers", h.tiers)
			r.Get("/users/{userID}/usage", h.usage)
			r.Post("/users/{userID}/admit", h.admit)
			r.Get("/users/{userID}/alerts", h.listAlerts)
			r.Post("/users/{userID}/alerts/{alertID}/ack", h.ackAlert)
			r.Get("/users/{userID}/history", h.history)
		})
	})
	return r
}

type httpHandlers struct {
	srv *Server
}

// status handles GET /v1/status
func (h *httpHandlers) status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.srv.Status(r.Context(), &Empty{})
	writeResult(w, resp, err)
}

// tiers handles GET /v1/tiers
func (h *httpHandlers) tiers(w http.ResponseWriter, r *http.Request) {
	resp, err := h.srv.ListTiers(r.Context(), &Empty{})
	writeResult(w, resp, err)
}

// usage handles GET /v1/users/{userID}/usage
func (h *httpHandlers) usage(w http.ResponseWriter, r *http.Request) {
	resp, err := h.srv.GetUsage(r.Context(), &UserRequest{UserID: chi.URLParam(r, "userID")})
	writeResult(w, resp, err)
}

// admit handles POST /v1/users/{userID}/admit with an optional {"model_id"} body.
func (h *httpHandlers) admit(w http.ResponseWriter, r *http.Request) {
	req := AdmitRequest{}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	req.UserID = chi.URLParam(r, "userID")
	resp, err := h.srv.Admit(r.Context(), &req)
	writeResult(w, resp, err)
}

// listAlerts handles GET /v1/users/{userID}/alerts?unacknowledged=true
func (h *httpHandlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	unack, _ := strconv.ParseBool(r.URL.Query().Get("unacknowledged"))
	resp, err := h.srv.ListAlerts(r.Context(), &ListAlertsRequest{
		UserID:             chi.URLParam(r, "userID"),
		UnacknowledgedOnly: unack,
	})
	writeResult(w, resp, err)
}

// ackAlert handles POST /v1/users/{userID}/alerts/{alertID}/ack
func (h *httpHandlers) ackAlert(w http.ResponseWriter, r *http.Request) {
	resp, err := h.srv.AckAlert(r.Context(), &AckAlertRequest{AlertID: chi.URLParam(r, "alertID")})
	if err == nil && resp.Alert.UserID != chi.URLParam(r, "userID") {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeResult(w, resp, err)
}

// history handles GET /v1/users/{userID}/history?since=RFC3339&limit=N
func (h *httpHandlers) history(w http.ResponseWriter, r *http.Request) {
	req := &HistoryRequest{UserID: chi.URLParam(r, "userID")}
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		req.Since = &since
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = limit
	}
	resp, err := h.srv.History(r.Context(), req)
	writeResult(w, resp, err)
}

func writeResult(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeStatusError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(toStatus(err))
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.Unimplemented:
		code = http.StatusNotImplemented
	case codes.DeadlineExceeded, codes.Canceled:
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		logger := logging.Component("http")
		logger.Error().Err(err).Msg("request failed")
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, st.Message())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger := logging.Component("http")
		logger.Warn().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
