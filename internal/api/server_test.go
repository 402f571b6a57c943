package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/execution"
	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/quantdesk/risk-core/internal/stops"
	"github.com/quantdesk/risk-core/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := zap.NewNop()
	acct := account.NewPaperAccount(logger, decimal.NewFromInt(100000))
	executor := execution.NewPaperExecutor(logger, acct)

	engine := risk.NewEngine(logger, risk.DefaultRiskConfig(), acct, acct)
	stopManager := stops.NewManager(logger, executor, nil)
	sizer := sizing.NewManager(logger, sizing.DefaultConfig(), acct)
	monitor := metrics.NewMonitor(logger, metrics.DefaultConfig())

	return NewServer(logger, ServerConfig{Addr: "127.0.0.1:0"},
		engine, stopManager, sizer, monitor, acct, acct, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestHandleRiskCheck(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/risk/check", types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Type:   types.OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1),
		Price:  decimal.NewFromInt(50000),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var result risk.RiskCheckResult
	decodeBody(t, rec, &result)
	if !result.Passed {
		t.Errorf("Order rejected: %s (%s)", result.Reason, result.Message)
	}

	// An oversized order comes back as a structured rejection, still 200.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/risk/check", types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Type:   types.OrderTypeMarket,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(50000),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &result)
	if result.Passed {
		t.Error("Oversized order admitted")
	}
	if result.Reason != risk.ReasonPositionSizeExceeded {
		t.Errorf("Expected reason %s, got %s", risk.ReasonPositionSizeExceeded, result.Reason)
	}
}

func TestHandleRiskCheckBadBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/check", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestKillSwitchEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/risk/killswitch", map[string]string{"reason": "operator halt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !s.engine.IsKillSwitchActive() {
		t.Fatal("Kill switch not active after trigger")
	}

	var stats risk.RiskStats
	rec = doRequest(t, s, http.MethodGet, "/api/v1/risk/stats", nil)
	decodeBody(t, rec, &stats)
	if !stats.KillSwitchActive {
		t.Error("Stats do not report the active kill switch")
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/risk/killswitch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if s.engine.IsKillSwitchActive() {
		t.Error("Kill switch still active after reset")
	}
}

func TestStopsLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/stops", map[string]any{
		"positionId": "BTC-PERP",
		"entryPrice": "50000",
		"side":       "long",
		"stopLoss":   map[string]any{"price": "48000"},
		"takeProfit": map[string]any{"price": "55000", "style": "limit"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 arming stops, got %d: %s", rec.Code, rec.Body.String())
	}

	var config stops.StopConfig
	decodeBody(t, rec, &config)
	if config.StopLoss == nil || !config.StopLoss.Price.Equal(decimal.NewFromInt(48000)) {
		t.Fatal("Stop loss not armed at 48000")
	}
	// Omitted style defaults to market execution.
	if config.StopLoss.Style != stops.StyleMarket {
		t.Errorf("Expected market style, got %s", config.StopLoss.Style)
	}
	if config.TakeProfit == nil || config.TakeProfit.Style != stops.StyleLimit {
		t.Error("Take profit limit style not preserved")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/stops", nil)
	var list struct {
		Positions []string `json:"positions"`
		Count     int      `json:"count"`
	}
	decodeBody(t, rec, &list)
	if list.Count != 1 || list.Positions[0] != "BTC-PERP" {
		t.Errorf("Expected one armed position, got %+v", list)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/stops/BTC-PERP", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching stops, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/stops/BTC-PERP", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 clearing stops, got %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/stops/BTC-PERP", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after clearing, got %d", rec.Code)
	}
}

func TestHandleSetStopsRejectsInvalidLevel(t *testing.T) {
	s := newTestServer(t)

	// A long's stop above entry is a caller mistake.
	rec := doRequest(t, s, http.MethodPost, "/api/v1/stops", map[string]any{
		"positionId": "BTC/USDT",
		"entryPrice": "50000",
		"side":       "long",
		"stopLoss":   map[string]any{"price": "51000"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid stop level, got %d", rec.Code)
	}
}

// TestStopStatsRouteNotShadowed guards the route ordering: the literal
// /stops/stats path must win over /stops/{positionId}.
func TestStopStatsRouteNotShadowed(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stops/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stats stops.Stats
	decodeBody(t, rec, &stats)
	if stats.ActiveConfigs != 0 {
		t.Errorf("Expected zero active configs, got %d", stats.ActiveConfigs)
	}
}

func TestSizingEndpoints(t *testing.T) {
	s := newTestServer(t)

	// Default config is Kelly with no history: zero size with a message.
	rec := doRequest(t, s, http.MethodPost, "/api/v1/sizing/calculate", sizing.PositionContext{
		Symbol: "BTC/USDT",
		Side:   types.PositionSideLong,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var recommendation sizing.Recommendation
	decodeBody(t, rec, &recommendation)
	if !recommendation.Size.IsZero() || recommendation.Message == "" {
		t.Errorf("Expected zero size with message, got %s (%q)", recommendation.Size, recommendation.Message)
	}

	resp := doRequest(t, s, http.MethodPost, "/api/v1/sizing/trades", types.TradeResult{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		EntryPrice: decimal.NewFromInt(50000),
		ExitPrice:  decimal.NewFromInt(51000),
		Quantity:   decimal.NewFromFloat(0.1),
		PnL:        decimal.NewFromInt(100),
		Timestamp:  time.Now(),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 recording trade, got %d", resp.Code)
	}

	resp = doRequest(t, s, http.MethodGet, "/api/v1/sizing/stats", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var stats sizing.Stats
	decodeBody(t, resp, &stats)
	if stats.TotalTrades != 1 || stats.Wins != 1 {
		t.Errorf("Expected one recorded win, got %+v", stats)
	}
}

func TestHandleAccountAndPositions(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/account", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var acct struct {
		Equity decimal.Decimal `json:"equity"`
	}
	decodeBody(t, rec, &acct)
	if !acct.Equity.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected equity 100000, got %s", acct.Equity)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/positions", nil)
	var positions struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &positions)
	if positions.Count != 0 {
		t.Errorf("Expected no open positions, got %d", positions.Count)
	}
}

func TestHandlePriceUpdateWithoutSupervisor(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/prices", types.PriceUpdate{
		Symbol: "BTC/USDT",
		Price:  decimal.NewFromInt(50000),
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a supervisor, got %d", rec.Code)
	}
}

func TestHandleMetricsReport(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	// With no history every entry carries its own error; the report itself
	// still succeeds.
	var report metrics.Report
	decodeBody(t, rec, &report)
	if report.VaR.Err == "" {
		t.Error("Expected insufficient-history VaR error in empty report")
	}
}
