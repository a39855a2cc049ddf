// Package controlplane is the operator HTTP surface: health and
// readiness probes, state inspection, and the pause / resume / flatten
// / mode controls. It is the only way to change the session mode, and
// going LIVE requires the confirmation phrase in the request body.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intraday_trader/internal/core"
	"intraday_trader/internal/orchestrator"
	"intraday_trader/internal/scan"
	"intraday_trader/pkg/telemetry"
)

// readyStaleSecs is the heartbeat age beyond which /ready reports 503.
const readyStaleSecs = 5.0

// Deps carries everything the HTTP surface reads or drives.
type Deps struct {
	Orch       *orchestrator.Orchestrator
	Store      core.IStore
	Health     core.IHealthMonitor
	Supervisor *scan.Supervisor
	IsLeader   func() bool
	Logger     core.ILogger
}

// Server is the control plane HTTP server.
type Server struct {
	port   string
	deps   Deps
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port string, deps Deps) *Server {
	return &Server{
		port:   port,
		deps:   deps,
		logger: deps.Logger.WithField("component", "control_plane"),
	}
}

// Handler builds the route mux. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/risk", s.handleRisk)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/flatten", s.handleFlatten)
	mux.HandleFunc("/mode", s.handleMode)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/supervisor/status", s.handleSupervisorStatus)
	mux.HandleFunc("/debug/supervisor/start", s.handleSupervisorStart)
	return mux
}

func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("Starting control plane", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control plane failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

// actor identifies who issued a control action for the audit trail.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	code := http.StatusOK
	if s.deps.Health != nil {
		resp["components"] = s.deps.Health.GetStatus()
		if !s.deps.Health.IsHealthy() {
			resp["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, resp)
}

// handleReady reports readiness to trade: this instance holds the
// leader lock and every stream heartbeat is fresh. Heartbeats that were
// never marked read stale, so /ready fails closed on startup.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()
	var failing []string

	if s.deps.IsLeader != nil && !s.deps.IsLeader() {
		failing = append(failing, "leader_lock")
	}
	for name, hb := range map[string]string{
		"market_data":  telemetry.MetricMarketDataHeartbeat,
		"order_stream": telemetry.MetricOrderStreamHeartbeat,
		"scan":         telemetry.MetricScanHeartbeat,
	} {
		if metrics.HeartbeatAge(hb) > readyStaleSecs {
			failing = append(failing, name)
		}
	}

	if len(failing) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":   false,
			"failing": failing,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"session": s.deps.Orch.Snapshot(),
	}
	if s.deps.IsLeader != nil {
		resp["leader"] = s.deps.IsLeader()
	}
	if s.deps.Supervisor != nil {
		resp["supervisor"] = s.deps.Supervisor.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Store.OpenPositions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Store.OpenOrders(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.RiskEvents(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Store.Trades(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

type controlRequest struct {
	Reason  string `json:"reason"`
	Mode    string `json:"mode"`
	Confirm string `json:"confirm"`
}

func decodeControl(r *http.Request) (controlRequest, error) {
	var req controlRequest
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	req, err := decodeControl(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.deps.Orch.Pause(r.Context(), req.Reason, actor(r)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	if err := s.deps.Orch.Resume(r.Context(), actor(r)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	req, err := decodeControl(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	outcomes, err := s.deps.Orch.Flatten(r.Context(), req.Reason, actor(r))
	resp := map[string]interface{}{"flattened": err == nil, "positions": outcomes}
	if err != nil {
		resp["error"] = err.Error()
		s.writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	req, err := decodeControl(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Orch.SetMode(r.Context(), core.Mode(req.Mode), req.Confirm, actor(r)); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no supervisor"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Supervisor.Snapshot())
}

func (s *Server) handleSupervisorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	if s.deps.Supervisor == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no supervisor"))
		return
	}
	if err := s.deps.Supervisor.Start(context.Background()); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Supervisor.Snapshot())
}
