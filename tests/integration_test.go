// Package integration_test provides end-to-end tests across the risk
// components: paper fills, pre-trade checks, stop execution and metrics.
package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/execution"
	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/quantdesk/risk-core/internal/stops"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TestTradeLifecycle walks an order through the full path: risk check, paper
// fill, armed stop, adverse move, stop execution, recorded outcome.
func TestTradeLifecycle(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	acct := account.NewPaperAccount(logger, decimal.NewFromInt(100000))
	executor := execution.NewPaperExecutor(logger, acct)
	engine := risk.NewEngine(logger, risk.DefaultRiskConfig(), acct, acct)
	stopManager := stops.NewManager(logger, executor, nil)
	sizer := sizing.NewManager(logger, sizing.DefaultConfig(), acct)

	// 1. Pre-trade check admits a modest order.
	req := &types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Type:   types.OrderTypeMarket,
		Amount: decimal.NewFromFloat(0.1),
		Price:  decimal.NewFromInt(50000),
	}
	if result := engine.CheckOrder(req); !result.Passed {
		t.Fatalf("Order rejected: %s (%s)", result.Reason, result.Message)
	}

	// 2. Fill it and arm a stop below entry.
	if _, err := executor.CreateOrder(ctx, req); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	pos := acct.GetPosition("BTC/USDT")
	if pos == nil {
		t.Fatal("Position not opened")
	}

	entry := decimal.NewFromInt(50000)
	if err := stopManager.SetStopLoss("BTC/USDT", entry, types.PositionSideLong,
		decimal.NewFromInt(48000), stops.StyleMarket); err != nil {
		t.Fatal(err)
	}

	// 3. Price drops through the stop: the manager closes the position.
	acct.MarkPrice("BTC/USDT", decimal.NewFromInt(47500))
	result, err := stopManager.CheckAndExecute(ctx, "BTC/USDT", "BTC/USDT",
		types.PositionSideLong, pos.Quantity, decimal.NewFromInt(47500))
	if err != nil {
		t.Fatalf("Stop execution failed: %v", err)
	}
	if result == nil || !result.Executed {
		t.Fatal("Stop did not execute")
	}
	if acct.GetPosition("BTC/USDT") != nil {
		t.Fatal("Position survived stop execution")
	}

	// 4. The realized loss lands in equity: 2500 * 0.1 = 250 down.
	expected := decimal.NewFromInt(99750)
	if !acct.GetAccountValue().Equal(expected) {
		t.Errorf("Expected equity %s, got %s", expected, acct.GetAccountValue())
	}

	// 5. Record the outcome so sizing sees the loss.
	sizer.RecordTrade(types.TradeResult{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		EntryPrice: entry,
		ExitPrice:  decimal.NewFromInt(47500),
		Quantity:   decimal.NewFromFloat(0.1),
		PnL:        decimal.NewFromInt(-250),
		Timestamp:  time.Now(),
	})
	if stats := sizer.GetStats(); stats.Losses != 1 {
		t.Errorf("Expected 1 recorded loss, got %d", stats.Losses)
	}
}

// TestKillSwitchHaltsTrading verifies the daily-loss escalation path.
func TestKillSwitchHaltsTrading(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	acct := account.NewPaperAccount(logger, decimal.NewFromInt(100000))
	executor := execution.NewPaperExecutor(logger, acct)

	config := risk.DefaultRiskConfig()
	config.KillSwitchThreshold = decimal.NewFromInt(1000)
	config.MaxDailyLoss = decimal.NewFromInt(100000)
	config.MaxDailyLossPct = decimal.NewFromInt(1)
	engine := risk.NewEngine(logger, config, acct, acct)

	// Open a position and mark it well underwater.
	req := &types.OrderRequest{
		Symbol: "ETH/USDT",
		Side:   types.OrderSideBuy,
		Type:   types.OrderTypeMarket,
		Amount: decimal.NewFromInt(2),
		Price:  decimal.NewFromInt(3000),
	}
	if _, err := executor.CreateOrder(ctx, req); err != nil {
		t.Fatal(err)
	}
	acct.MarkPrice("ETH/USDT", decimal.NewFromInt(2000)) // 2000 loss

	if !engine.CheckKillSwitchConditions() {
		t.Fatal("Loss over threshold not detected")
	}
	engine.TriggerKillSwitch("daily loss breached kill-switch threshold")

	result := engine.CheckOrder(&types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.OrderSideBuy,
		Type:   types.OrderTypeMarket,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(100),
	})
	if result.Passed {
		t.Fatal("Order admitted with kill switch active")
	}
	if result.Reason != risk.ReasonKillSwitchActive {
		t.Errorf("Expected reason %s, got %s", risk.ReasonKillSwitchActive, result.Reason)
	}
}

// TestEquityFeedsRiskMetrics runs equity snapshots through the monitor the
// way the supervisor does.
func TestEquityFeedsRiskMetrics(t *testing.T) {
	logger := zap.NewNop()
	monitor := metrics.NewMonitor(logger, metrics.DefaultConfig())

	equity := 100000.0
	for i := 0; i < 60; i++ {
		if i%3 == 2 {
			equity *= 0.99
		} else {
			equity *= 1.005
		}
		monitor.RecordEquity(types.EquitySnapshot{
			Equity:    decimal.NewFromFloat(equity),
			Timestamp: time.Now(),
		})
	}

	report := monitor.GetFullMetrics()
	if report.VaR.Err != "" {
		t.Errorf("VaR failed: %s", report.VaR.Err)
	}
	if report.Drawdown.Err != "" {
		t.Errorf("Drawdown failed: %s", report.Drawdown.Err)
	}
	if report.VaR.Pct <= 0 {
		t.Errorf("Expected positive VaR, got %f", report.VaR.Pct)
	}
	if report.Drawdown.MaxDrawdownPct <= 0 {
		t.Errorf("Expected nonzero drawdown, got %f", report.Drawdown.MaxDrawdownPct)
	}
}
