// Package api provides the HTTP and WebSocket server for the risk core.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/quantdesk/risk-core/internal/stops"
	"github.com/quantdesk/risk-core/internal/supervisor"
	"github.com/quantdesk/risk-core/internal/telemetry"
	"github.com/quantdesk/risk-core/pkg/types"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	engine      *risk.Engine
	stopManager *stops.Manager
	sizer       *sizing.Manager
	monitor     *metrics.Monitor
	acct        account.AccountSource
	positions   account.PositionSource
	super       *supervisor.Supervisor
}

// NewServer creates a new API server. super may be nil when no background
// supervisor is running.
func NewServer(
	logger *zap.Logger,
	config ServerConfig,
	engine *risk.Engine,
	stopManager *stops.Manager,
	sizer *sizing.Manager,
	monitor *metrics.Monitor,
	acct account.AccountSource,
	positions account.PositionSource,
	super *supervisor.Supervisor,
) *Server {
	server := &Server{
		logger:      logger.Named("api"),
		config:      config,
		router:      mux.NewRouter(),
		hub:         NewHub(logger),
		engine:      engine,
		stopManager: stopManager,
		sizer:       sizer,
		monitor:     monitor,
		acct:        acct,
		positions:   positions,
		super:       super,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

// Hub exposes the WebSocket hub so callers can wire it as an alert sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetSupervisor attaches the background supervisor. Call before Start; the
// price-update endpoint requires one.
func (s *Server) SetSupervisor(super *supervisor.Supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.super = super
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Risk engine
	s.router.HandleFunc("/api/v1/risk/check", s.handleRiskCheck).Methods("POST")
	s.router.HandleFunc("/api/v1/risk/stats", s.handleRiskStats).Methods("GET")
	s.router.HandleFunc("/api/v1/risk/killswitch", s.handleKillSwitchTrigger).Methods("POST")
	s.router.HandleFunc("/api/v1/risk/killswitch", s.handleKillSwitchReset).Methods("DELETE")

	// Account
	s.router.HandleFunc("/api/v1/account", s.handleAccount).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/prices", s.handlePriceUpdate).Methods("POST")

	// Stops. The literal stats route must precede the {positionId} routes:
	// mux matches in registration order, so the variable route would
	// otherwise capture "stats" as a position id.
	s.router.HandleFunc("/api/v1/stops", s.handleSetStops).Methods("POST")
	s.router.HandleFunc("/api/v1/stops", s.handleListStops).Methods("GET")
	s.router.HandleFunc("/api/v1/stops/stats", s.handleStopStats).Methods("GET")
	s.router.HandleFunc("/api/v1/stops/{positionId}", s.handleGetStops).Methods("GET")
	s.router.HandleFunc("/api/v1/stops/{positionId}", s.handleClearStops).Methods("DELETE")

	// Sizing
	s.router.HandleFunc("/api/v1/sizing/calculate", s.handleSizingCalculate).Methods("POST")
	s.router.HandleFunc("/api/v1/sizing/trades", s.handleRecordTrade).Methods("POST")
	s.router.HandleFunc("/api/v1/sizing/stats", s.handleSizingStats).Methods("GET")

	// Risk metrics
	s.router.HandleFunc("/api/v1/metrics/report", s.handleMetricsReport).Methods("GET")

	// Prometheus
	s.router.Handle("/metrics", telemetry.Handler())

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start starts the HTTP server and the WebSocket hub. Blocks until the
// listener fails or is shut down.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("Starting API server", zap.String("addr", s.config.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"killSwitchActive": s.engine.IsKillSwitchActive(),
		"wsClients":        s.hub.ClientCount(),
		"time":             time.Now().Unix(),
	})
}

// handleRiskCheck runs the full pre-trade check sequence against an order.
func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result := s.engine.CheckOrder(&req)
	s.hub.Broadcast(MsgTypeRiskCheck, result)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRiskStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetStats())
}

// killSwitchRequest carries the operator-supplied reason.
type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitchTrigger(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual trigger"
	}

	s.engine.TriggerKillSwitch(req.Reason)
	s.hub.Broadcast(MsgTypeKillSwitch, map[string]any{"active": true, "reason": req.Reason})
	s.writeJSON(w, http.StatusOK, map[string]any{"killSwitchActive": true})
}

func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetKillSwitch()
	s.hub.Broadcast(MsgTypeKillSwitch, map[string]any{"active": false})
	s.writeJSON(w, http.StatusOK, map[string]any{"killSwitchActive": false})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"equity":          s.acct.GetAccountValue(),
		"availableMargin": s.acct.GetAvailableMargin(),
		"totalNotional":   s.acct.GetTotalNotional(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.positions.GetAllPositions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// handlePriceUpdate feeds a mark price through the supervisor: revaluation,
// trailing-stop advance, and stop execution.
func (s *Server) handlePriceUpdate(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	super := s.super
	s.mu.RUnlock()
	if super == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no supervisor attached"})
		return
	}

	var update types.PriceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	super.HandlePrice(r.Context(), update)
	s.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// stopRequest arms any combination of exit conditions for one position.
type stopRequest struct {
	PositionID       string             `json:"positionId"`
	EntryPrice       decimal.Decimal    `json:"entryPrice"`
	Side             types.PositionSide `json:"side"`
	StopLoss         *stops.PriceTarget `json:"stopLoss,omitempty"`
	TakeProfit       *stops.PriceTarget `json:"takeProfit,omitempty"`
	TrailingPct      decimal.Decimal    `json:"trailingPct,omitempty"`
	TrailingDistance decimal.Decimal    `json:"trailingDistance,omitempty"`
	TimeStop         *stops.TimeStop    `json:"timeStop,omitempty"`
	PartialClosePct  decimal.Decimal    `json:"partialClosePct,omitempty"`
}

func (s *Server) handleSetStops(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.StopLoss != nil {
		style := req.StopLoss.Style
		if style == "" {
			style = stops.StyleMarket
		}
		if err := s.stopManager.SetStopLoss(req.PositionID, req.EntryPrice, req.Side, req.StopLoss.Price, style); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.TakeProfit != nil {
		style := req.TakeProfit.Style
		if style == "" {
			style = stops.StyleMarket
		}
		if err := s.stopManager.SetTakeProfit(req.PositionID, req.EntryPrice, req.Side, req.TakeProfit.Price, style); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if !req.TrailingPct.IsZero() {
		if err := s.stopManager.SetTrailingStopPct(req.PositionID, req.EntryPrice, req.Side, req.TrailingPct); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if !req.TrailingDistance.IsZero() {
		if err := s.stopManager.SetTrailingStopDistance(req.PositionID, req.EntryPrice, req.Side, req.TrailingDistance); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.TimeStop != nil {
		s.stopManager.SetTimeStop(req.PositionID, req.TimeStop.ExpiresAt, req.TimeStop.Action)
	}
	if !req.PartialClosePct.IsZero() {
		if err := s.stopManager.SetPartialClose(req.PositionID, req.PartialClosePct); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	config := s.stopManager.GetConfig(req.PositionID)
	if config == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no stop conditions supplied"})
		return
	}
	s.writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleListStops(w http.ResponseWriter, r *http.Request) {
	ids := s.stopManager.ActivePositions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": ids,
		"count":     len(ids),
	})
}

func (s *Server) handleGetStops(w http.ResponseWriter, r *http.Request) {
	positionID := mux.Vars(r)["positionId"]
	config := s.stopManager.GetConfig(positionID)
	if config == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "no stops for position"})
		return
	}
	s.writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleClearStops(w http.ResponseWriter, r *http.Request) {
	positionID := mux.Vars(r)["positionId"]
	s.stopManager.ClearStops(positionID)
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": positionID})
}

func (s *Server) handleStopStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stopManager.GetStats())
}

func (s *Server) handleSizingCalculate(w http.ResponseWriter, r *http.Request) {
	var ctx sizing.PositionContext
	if err := json.NewDecoder(r.Body).Decode(&ctx); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.sizer.CalculatePosition(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordTrade(w http.ResponseWriter, r *http.Request) {
	var result types.TradeResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	s.sizer.RecordTrade(result)
	s.writeJSON(w, http.StatusOK, s.sizer.GetStats())
}

func (s *Server) handleSizingStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sizer.GetStats())
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.GetFullMetrics())
}

// handleWebSocket upgrades the connection and registers the client with the
// hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
