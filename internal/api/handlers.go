// Package api exposes the reliability engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/relay/internal/dashboard"
	"github.com/nadmax/relay/internal/delivery"
	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/engine"
	"github.com/nadmax/relay/internal/health"
	"github.com/nadmax/relay/internal/httputil"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Engine interface {
	dashboard.Source
	GetOptimalStrategy(ctx context.Context, forceRefresh bool) strategy.ExecutionStrategy
	ExecutionStrategy(ctx context.Context) strategy.ExecutionStrategy
	RecordExecutionResult(rec strategy.AttemptRecord) error
	GetStrategyStatistics(s strategy.ExecutionStrategy) (strategy.StrategyStatistics, error)
	PerformAutoRecovery(ctx context.Context) health.RecoveryResult
	ResetAllData(ctx context.Context) error
	SetPreferredStrategy(ctx context.Context, s strategy.ExecutionStrategy) (*strategy.StrategySwitch, error)
	AnalyzeFailurePattern() health.FailureAnalysis
	SuggestOptimization() health.Suggestion
	SwitchHistory(ctx context.Context, limit int) ([]strategy.StrategySwitch, error)
	DeviceState(ctx context.Context, forceRefresh bool) device.DeviceState
	PermissionStatus(ctx context.Context) device.PermissionStatus
	InvalidateDeviceState()
}

// TelemetryStore accepts snapshots pushed by the handset agent.
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, state device.DeviceState) error
	SavePermissions(ctx context.Context, status device.PermissionStatus) error
}

type Forwarder interface {
	Forward(ctx context.Context, msg delivery.Message) (strategy.AttemptRecord, error)
}

type API struct {
	engine    Engine
	telemetry TelemetryStore
	forwarder Forwarder
	logger    *zap.Logger
	mux       *http.ServeMux
}

type AttemptRequest struct {
	Strategy        string `json:"strategy"`
	Success         bool   `json:"success"`
	DurationMs      uint64 `json:"duration_ms"`
	FailureReason   string `json:"failure_reason,omitempty"`
	MessageType     string `json:"message_type,omitempty"`
	MessagePriority string `json:"message_priority,omitempty"`
}

type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

type StrategyResponse struct {
	Strategy strategy.ExecutionStrategy `json:"strategy"`
	Info     strategy.Info              `json:"info"`
}

// ActiveStrategyResponse describes the configured strategy and the concrete
// one work currently runs under. They differ only in hybrid mode.
type ActiveStrategyResponse struct {
	Strategy          strategy.ExecutionStrategy `json:"strategy"`
	Info              strategy.Info              `json:"info"`
	ExecutionStrategy strategy.ExecutionStrategy `json:"execution_strategy"`
}

type AnalysisResponse struct {
	Analysis   health.FailureAnalysis `json:"analysis"`
	Suggestion health.Suggestion      `json:"suggestion"`
}

type DeviceResponse struct {
	DeviceState      device.DeviceState      `json:"device_state"`
	PermissionStatus device.PermissionStatus `json:"permission_status"`
}

// NewAPI builds the HTTP surface. telemetry and forwarder may be nil; the
// corresponding routes then answer 503.
func NewAPI(e Engine, telemetry TelemetryStore, forwarder Forwarder, logger *zap.Logger) *API {
	api := &API{
		engine:    e,
		telemetry: telemetry,
		forwarder: forwarder,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/report", a.handleReport)
	a.mux.HandleFunc("/api/strategy/optimal", a.handleOptimalStrategy)
	a.mux.HandleFunc("/api/strategy/active", a.handleActiveStrategy)
	a.mux.HandleFunc("/api/statistics", a.handleStatistics)
	a.mux.HandleFunc("/api/statistics/", a.handleStatisticsByStrategy)
	a.mux.HandleFunc("/api/attempts", a.handleAttempts)
	a.mux.HandleFunc("/api/recovery", a.handleRecovery)
	a.mux.HandleFunc("/api/health", a.handleHealth)
	a.mux.HandleFunc("/api/health/analysis", a.handleAnalysis)
	a.mux.HandleFunc("/api/switches", a.handleSwitches)
	a.mux.HandleFunc("/api/reset", a.handleReset)
	a.mux.HandleFunc("/api/device", a.handleDevice)
	a.mux.HandleFunc("/api/device/telemetry", a.handleTelemetry)
	a.mux.HandleFunc("/api/device/permissions", a.handlePermissions)
	a.mux.HandleFunc("/api/messages", a.handleMessages)

	dash := dashboard.NewDashboard(a.engine)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetHistory)

	a.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	httputil.WriteJSON(w, a.engine.GenerateReliabilityReport(r.Context(), refresh), http.StatusOK)
}

func (a *API) handleOptimalStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	s := a.engine.GetOptimalStrategy(r.Context(), refresh)
	httputil.WriteJSON(w, StrategyResponse{Strategy: s, Info: s.Info()}, http.StatusOK)
}

func (a *API) handleActiveStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s := a.engine.ActiveStrategy()
		httputil.WriteJSON(w, ActiveStrategyResponse{
			Strategy:          s,
			Info:              s.Info(),
			ExecutionStrategy: a.engine.ExecutionStrategy(r.Context()),
		}, http.StatusOK)
	case http.MethodPut:
		a.setPreferredStrategy(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) setPreferredStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if !a.decode(w, r, &req) {
		return
	}

	s, err := strategy.Parse(req.Strategy)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sw, err := a.engine.SetPreferredStrategy(r.Context(), s)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if sw == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, sw, http.StatusOK)
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, a.engine.GetAllStrategyStatistics(), http.StatusOK)
}

func (a *API) handleStatisticsByStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/statistics/")
	if name == "" {
		httputil.WriteJSONError(w, "Strategy is required", http.StatusBadRequest)
		return
	}

	st, err := a.engine.GetStrategyStatistics(strategy.ExecutionStrategy(strings.ToUpper(name)))
	if errors.Is(err, strategy.ErrUnknownStrategy) {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, st, http.StatusOK)
}

func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AttemptRequest
	if !a.decode(w, r, &req) {
		return
	}

	s, err := strategy.Parse(req.Strategy)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := strategy.NewAttemptRecord(s, req.Success, time.Duration(req.DurationMs)*time.Millisecond, req.FailureReason)
	rec.MessageType = req.MessageType
	rec.MessagePriority = req.MessagePriority

	if err := a.engine.RecordExecutionResult(rec); err != nil {
		if errors.Is(err, engine.ErrAttemptDropped) {
			httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	httputil.WriteJSON(w, map[string]string{"id": rec.ID}, http.StatusAccepted)
}

func (a *API) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := a.engine.PerformAutoRecovery(r.Context())
	a.logger.Info("manual recovery requested",
		zap.Bool("success", result.Success),
		zap.Bool("strategy_changed", result.StrategyChanged))

	httputil.WriteJSON(w, result, http.StatusOK)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, a.engine.HealthState(), http.StatusOK)
}

func (a *API) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, AnalysisResponse{
		Analysis:   a.engine.AnalyzeFailurePattern(),
		Suggestion: a.engine.SuggestOptimization(),
	}, http.StatusOK)
}

func (a *API) handleSwitches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, ok := httputil.QueryInt(r, "limit", 20, 500)
	if !ok {
		httputil.WriteJSONError(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	switches, err := a.engine.SwitchHistory(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if switches == nil {
		switches = []strategy.StrategySwitch{}
	}

	httputil.WriteJSON(w, switches, http.StatusOK)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := a.engine.ResetAllData(r.Context()); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	httputil.WriteJSON(w, DeviceResponse{
		DeviceState:      a.engine.DeviceState(r.Context(), refresh),
		PermissionStatus: a.engine.PermissionStatus(r.Context()),
	}, http.StatusOK)
}

func (a *API) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.telemetry == nil {
		httputil.WriteJSONError(w, "Telemetry ingestion is not configured", http.StatusServiceUnavailable)
		return
	}

	var state device.DeviceState
	if !a.decode(w, r, &state) {
		return
	}

	if err := a.telemetry.SaveTelemetry(r.Context(), state.Normalize()); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.engine.InvalidateDeviceState()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.telemetry == nil {
		httputil.WriteJSONError(w, "Telemetry ingestion is not configured", http.StatusServiceUnavailable)
		return
	}

	var status device.PermissionStatus
	if !a.decode(w, r, &status) {
		return
	}

	if err := a.telemetry.SavePermissions(r.Context(), status.Normalize()); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.engine.InvalidateDeviceState()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.forwarder == nil {
		httputil.WriteJSONError(w, "Message forwarding is not configured", http.StatusServiceUnavailable)
		return
	}

	var msg delivery.Message
	if !a.decode(w, r, &msg) {
		return
	}

	rec, err := a.forwarder.Forward(r.Context(), msg)
	switch {
	case errors.Is(err, delivery.ErrInvalidMessage):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		httputil.WriteJSON(w, rec, http.StatusBadGateway)
	default:
		httputil.WriteJSON(w, rec, http.StatusOK)
	}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}

	return true
}
