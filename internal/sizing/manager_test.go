// Package sizing_test provides tests for the position-sizing algorithms.
package sizing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stubAccount returns a fixed equity figure.
type stubAccount struct {
	equity decimal.Decimal
}

func (s *stubAccount) GetAccountValue() decimal.Decimal    { return s.equity }
func (s *stubAccount) GetAvailableMargin() decimal.Decimal { return s.equity }
func (s *stubAccount) GetTotalNotional() decimal.Decimal   { return decimal.Zero }

func newManager(t *testing.T, config sizing.Config, equity int64) *sizing.Manager {
	t.Helper()
	return sizing.NewManager(zap.NewNop(), config, &stubAccount{equity: decimal.NewFromInt(equity)})
}

func trade(pnl int64) types.TradeResult {
	return types.TradeResult{
		Symbol:    "BTC/USDT",
		Side:      types.PositionSideLong,
		PnL:       decimal.NewFromInt(pnl),
		Timestamp: time.Now(),
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Enabled = false
	manager := newManager(t, config, 100000)

	requested := decimal.NewFromInt(7500)
	rec, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT", RequestedSize: requested})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !rec.Size.Equal(requested) {
		t.Errorf("Expected passthrough size %s, got %s", requested, rec.Size)
	}
	if rec.Method != sizing.MethodDisabled {
		t.Errorf("Expected method %s, got %s", sizing.MethodDisabled, rec.Method)
	}
}

func TestKellyInsufficientHistory(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodKelly
	manager := newManager(t, config, 100000)

	for i := 0; i < 5; i++ {
		manager.RecordTrade(trade(100))
	}

	rec, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !rec.Size.IsZero() {
		t.Errorf("Expected zero size with thin history, got %s", rec.Size)
	}
	if rec.Message == "" {
		t.Error("Expected an explanatory message")
	}
}

func TestKellyNoLossesUsesCappedMaximum(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodKelly
	config.KellyMaxPosition = decimal.NewFromFloat(0.25)
	manager := newManager(t, config, 100000)

	for i := 0; i < 12; i++ {
		manager.RecordTrade(trade(100))
	}

	rec, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(25000) // 100000 * 0.25
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected capped maximum %s, got %s", expected, rec.Size)
	}
}

func TestKellyWithEdge(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodKelly
	config.KellyFraction = decimal.NewFromFloat(0.5)
	config.KellyMaxPosition = decimal.NewFromFloat(0.25)
	manager := newManager(t, config, 100000)

	// 6 wins of 200 and 4 losses of 100: winRate 0.6, P/L ratio 2,
	// kelly = 0.6 - 0.4/2 = 0.4, half kelly 0.2 -> 20000.
	for i := 0; i < 6; i++ {
		manager.RecordTrade(trade(200))
	}
	for i := 0; i < 4; i++ {
		manager.RecordTrade(trade(-100))
	}

	rec, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(20000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected half-kelly size %s, got %s", expected, rec.Size)
	}
}

func TestKellyNegativeEdge(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodKelly
	manager := newManager(t, config, 100000)

	// 3 wins of 100 against 9 losses of 100: kelly is negative.
	for i := 0; i < 3; i++ {
		manager.RecordTrade(trade(100))
	}
	for i := 0; i < 9; i++ {
		manager.RecordTrade(trade(-100))
	}

	rec, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !rec.Size.IsZero() {
		t.Errorf("Expected zero size with no edge, got %s", rec.Size)
	}
}

func TestFixedFraction(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodFixedFraction
	config.RiskPerTrade = decimal.NewFromFloat(0.02)
	config.MaxPositionPct = decimal.NewFromFloat(0.5)
	manager := newManager(t, config, 100000)

	// 100000 * 0.02 / 0.05 = 40000
	rec, err := manager.CalculatePosition(sizing.PositionContext{
		Symbol:      "BTC/USDT",
		StopLossPct: decimal.NewFromFloat(0.05),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(40000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected size %s, got %s", expected, rec.Size)
	}
}

func TestFixedFractionClampedToMax(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodFixedFraction
	config.RiskPerTrade = decimal.NewFromFloat(0.02)
	config.MaxPositionPct = decimal.NewFromFloat(0.5)
	manager := newManager(t, config, 100000)

	// Tight stop would size 200000; clamp to 50% of equity.
	rec, err := manager.CalculatePosition(sizing.PositionContext{
		Symbol:      "BTC/USDT",
		StopLossPct: decimal.NewFromFloat(0.01),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(50000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected clamped size %s, got %s", expected, rec.Size)
	}
}

func TestFixedFractionInvalidStop(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodFixedFraction
	manager := newManager(t, config, 100000)

	for _, pct := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(1), decimal.NewFromInt(-1)} {
		_, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT", StopLossPct: pct})
		if !errors.Is(err, sizing.ErrInvalidStopLossPct) {
			t.Errorf("Stop pct %s: expected ErrInvalidStopLossPct, got %v", pct, err)
		}
	}
}

func TestRiskParity(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodRiskParity
	config.TargetVolatility = decimal.NewFromFloat(0.15)
	config.MaxPositionPct = decimal.NewFromFloat(0.5)
	manager := newManager(t, config, 100000)

	// weight = 0.15 / 0.60 = 0.25 -> 25000
	rec, err := manager.CalculatePosition(sizing.PositionContext{
		Symbol:          "BTC/USDT",
		AssetVolatility: decimal.NewFromFloat(0.60),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(25000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected size %s, got %s", expected, rec.Size)
	}

	// Low-volatility asset caps at the max position percentage.
	rec, err = manager.CalculatePosition(sizing.PositionContext{
		Symbol:          "BTC/USDT",
		AssetVolatility: decimal.NewFromFloat(0.10),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected = decimal.NewFromInt(50000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected capped size %s, got %s", expected, rec.Size)
	}

	if _, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"}); !errors.Is(err, sizing.ErrInvalidVolatility) {
		t.Errorf("Expected ErrInvalidVolatility, got %v", err)
	}
}

func TestAntiMartingaleWinStreak(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodAntiMartingale
	config.AntiMartingaleFactor = decimal.NewFromFloat(1.5)
	config.MaxPositionPct = decimal.NewFromInt(1)
	manager := newManager(t, config, 100000)

	manager.RecordTrade(trade(-50))
	manager.RecordTrade(trade(100))
	manager.RecordTrade(trade(100))

	// Two-win streak: 1000 * 1.5^2 = 2250
	rec, err := manager.CalculatePosition(sizing.PositionContext{
		Symbol:        "BTC/USDT",
		RequestedSize: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(2250)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected size %s, got %s", expected, rec.Size)
	}
}

func TestAntiMartingaleLossStreakReducesAndResets(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.MethodAntiMartingale
	config.AntiMartingaleFactor = decimal.NewFromInt(2)
	config.LossStreakReset = 3
	config.MaxPositionPct = decimal.NewFromInt(1)
	manager := newManager(t, config, 100000)

	manager.RecordTrade(trade(100))
	manager.RecordTrade(trade(-50))
	manager.RecordTrade(trade(-50))

	// Two-loss streak: 1000 * (1/2)^2 = 250
	rec, err := manager.CalculatePosition(sizing.PositionContext{
		Symbol:        "BTC/USDT",
		RequestedSize: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := decimal.NewFromInt(250)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected reduced size %s, got %s", expected, rec.Size)
	}

	// A third loss reaches the reset count and returns to the base size.
	manager.RecordTrade(trade(-50))
	rec, err = manager.CalculatePosition(sizing.PositionContext{
		Symbol:        "BTC/USDT",
		RequestedSize: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected = decimal.NewFromInt(1000)
	if !rec.Size.Equal(expected) {
		t.Errorf("Expected reset size %s, got %s", expected, rec.Size)
	}
}

func TestUnknownMethod(t *testing.T) {
	config := sizing.DefaultConfig()
	config.Method = sizing.Method("martingale")
	manager := newManager(t, config, 100000)

	if _, err := manager.CalculatePosition(sizing.PositionContext{Symbol: "BTC/USDT"}); err == nil {
		t.Fatal("Unknown method accepted")
	}
}

func TestStatsDerivedFromHistory(t *testing.T) {
	manager := newManager(t, sizing.DefaultConfig(), 100000)

	manager.RecordTrade(trade(200))
	manager.RecordTrade(trade(100))
	manager.RecordTrade(trade(-100))

	stats := manager.GetStats()
	if stats.TotalTrades != 3 {
		t.Errorf("Expected 3 trades, got %d", stats.TotalTrades)
	}
	if stats.Wins != 2 || stats.Losses != 1 {
		t.Errorf("Expected 2 wins and 1 loss, got %d and %d", stats.Wins, stats.Losses)
	}
	if !stats.AvgWin.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Expected avg win 150, got %s", stats.AvgWin)
	}
	if !stats.AvgLoss.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected avg loss 100, got %s", stats.AvgLoss)
	}
	if !stats.NetPnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected net pnl 200, got %s", stats.NetPnL)
	}
	if !stats.ProfitFactor.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Expected profit factor 3, got %s", stats.ProfitFactor)
	}
}

func TestHistoryCap(t *testing.T) {
	config := sizing.DefaultConfig()
	config.MaxHistory = 5
	manager := newManager(t, config, 100000)

	for i := 0; i < 8; i++ {
		manager.RecordTrade(trade(100))
	}

	stats := manager.GetStats()
	if stats.TotalTrades != 5 {
		t.Errorf("Expected history capped at 5, got %d", stats.TotalTrades)
	}
}
