// Package risk provides the pre-trade risk gate and kill switch.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/alerts"
	"github.com/quantdesk/risk-core/internal/telemetry"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons returned in RiskCheckResult. Callers branch on these,
// so they are part of the public contract.
const (
	ReasonKillSwitchActive       = "kill_switch_active"
	ReasonPositionSizeExceeded   = "position_size_exceeded"
	ReasonSymbolPositionExceeded = "symbol_position_exceeded"
	ReasonLeverageExceeded       = "leverage_exceeded"
	ReasonDailyLossExceeded      = "daily_loss_exceeded"
	ReasonOrderRateExceeded      = "order_rate_exceeded"
	ReasonInsufficientMargin     = "insufficient_margin"
)

// RiskConfig contains the limits enforced by the engine. Immutable per instance.
type RiskConfig struct {
	MaxPositionSize      decimal.Decimal `json:"maxPositionSize"`      // Max notional per single order
	MaxPositionPerSymbol decimal.Decimal `json:"maxPositionPerSymbol"` // Max absolute position notional per symbol
	MaxLeverage          decimal.Decimal `json:"maxLeverage"`          // Max total exposure / equity
	MaxDailyLoss         decimal.Decimal `json:"maxDailyLoss"`         // Max daily loss, absolute
	MaxDailyLossPct      decimal.Decimal `json:"maxDailyLossPct"`      // Max daily loss, fraction of day-start equity
	MaxOrdersPerMinute   int             `json:"maxOrdersPerMinute"`   // Max checks per rolling minute
	KillSwitchThreshold  decimal.Decimal `json:"killSwitchThreshold"`  // Daily loss that warrants the kill switch
	CloseOnKillSwitch    bool            `json:"closeOnKillSwitch"`    // Force-close positions when triggered
}

// DefaultRiskConfig returns conservative defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSize:      decimal.NewFromInt(10000),
		MaxPositionPerSymbol: decimal.NewFromInt(25000),
		MaxLeverage:          decimal.NewFromInt(3),
		MaxDailyLoss:         decimal.NewFromInt(500),
		MaxDailyLossPct:      decimal.NewFromFloat(0.05),
		MaxOrdersPerMinute:   30,
		KillSwitchThreshold:  decimal.NewFromInt(1000),
		CloseOnKillSwitch:    true,
	}
}

// Validate checks config invariants: limits non-negative, leverage >= 1.
func (c RiskConfig) Validate() error {
	for name, limit := range map[string]decimal.Decimal{
		"maxPositionSize":      c.MaxPositionSize,
		"maxPositionPerSymbol": c.MaxPositionPerSymbol,
		"maxDailyLoss":         c.MaxDailyLoss,
		"maxDailyLossPct":      c.MaxDailyLossPct,
		"killSwitchThreshold":  c.KillSwitchThreshold,
	} {
		if limit.LessThan(decimal.Zero) {
			return fmt.Errorf("risk config: %s must be non-negative", name)
		}
	}
	if c.MaxOrdersPerMinute < 0 {
		return fmt.Errorf("risk config: maxOrdersPerMinute must be non-negative")
	}
	if c.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk config: maxLeverage must be >= 1")
	}
	return nil
}

// RiskCheckResult is the structured outcome of a pre-trade check.
// A rejection is a routine result, not an error.
type RiskCheckResult struct {
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RiskStats is a point-in-time view of engine state, recomputed on request.
type RiskStats struct {
	TotalChecks      uint64          `json:"totalChecks"`
	Rejections       uint64          `json:"rejections"`
	RejectionRate    float64         `json:"rejectionRate"`
	DailyPnL         decimal.Decimal `json:"dailyPnL"`
	CurrentLeverage  decimal.Decimal `json:"currentLeverage"`
	KillSwitchActive bool            `json:"killSwitchActive"`
}

// Engine is the top-level pre-trade gate. One instance per trading session.
type Engine struct {
	logger    *zap.Logger
	config    RiskConfig
	account   account.AccountSource
	positions account.PositionSource
	alerts    alerts.Sink

	// killSwitch is read lock-free so any thread doing pre-trade checks
	// observes a trigger immediately.
	killSwitch atomic.Bool

	mu             sync.Mutex
	dayStart       time.Time
	dayStartEquity decimal.Decimal
	windowStart    time.Time
	windowCount    int
	totalChecks    uint64
	rejections     uint64
}

// NewEngine creates a risk engine bound to an account source. The position
// source may be nil, in which case leverage falls back to the account's
// aggregate notional figure.
func NewEngine(logger *zap.Logger, config RiskConfig, acct account.AccountSource, positions account.PositionSource) *Engine {
	now := time.Now()
	return &Engine{
		logger:         logger.Named("risk-engine"),
		config:         config,
		account:        acct,
		positions:      positions,
		dayStart:       now,
		dayStartEquity: acct.GetAccountValue(),
		windowStart:    now,
	}
}

// SetAlertSink attaches an optional alert sink. Alert failures never affect
// risk decisions.
func (e *Engine) SetAlertSink(sink alerts.Sink) {
	e.alerts = sink
}

// CheckOrder runs the ordered pre-trade checks against a candidate order and
// returns the first failure, or a pass. The full sequence runs under the
// engine lock so two concurrent calls cannot both consume the same rate slot.
func (e *Engine) CheckOrder(req *types.OrderRequest) RiskCheckResult {
	result := e.evaluate(req)

	telemetry.RecordRiskCheck(result.Passed, result.Reason)
	if !result.Passed {
		e.logger.Warn("Order rejected",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("reason", result.Reason),
			zap.String("message", result.Message))
		if e.alerts != nil {
			e.alerts.RiskAlert("order_rejected", map[string]any{
				"symbol": req.Symbol,
				"side":   string(req.Side),
				"reason": result.Reason,
			})
		}
	}

	return result
}

func (e *Engine) evaluate(req *types.OrderRequest) RiskCheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalChecks++
	e.rollDay()

	// The rate counter consumes a slot for every check call, rejected or not:
	// the limit bounds check pressure, not accepted orders.
	e.rollWindow()
	e.windowCount++

	// 1. Kill switch has absolute priority.
	if e.killSwitch.Load() {
		return e.reject(ReasonKillSwitchActive, "kill switch is active, all orders rejected", nil)
	}

	notional := req.Notional()
	equity := e.account.GetAccountValue()

	// 2. Single-order and per-symbol position limits.
	if notional.GreaterThan(e.config.MaxPositionSize) {
		return e.reject(ReasonPositionSizeExceeded,
			fmt.Sprintf("order notional %s exceeds limit %s", notional, e.config.MaxPositionSize),
			map[string]any{"notional": notional, "limit": e.config.MaxPositionSize})
	}

	projected := e.signedPosition(req.Symbol)
	if req.Side == types.OrderSideBuy {
		projected = projected.Add(notional)
	} else {
		projected = projected.Sub(notional)
	}
	if projected.Abs().GreaterThan(e.config.MaxPositionPerSymbol) {
		return e.reject(ReasonSymbolPositionExceeded,
			fmt.Sprintf("projected %s position %s exceeds limit %s",
				req.Symbol, projected.Abs(), e.config.MaxPositionPerSymbol),
			map[string]any{"projected": projected.Abs(), "limit": e.config.MaxPositionPerSymbol})
	}

	// 3. Leverage across all symbols.
	exposure := e.totalExposure()
	if equity.LessThanOrEqual(decimal.Zero) {
		return e.reject(ReasonLeverageExceeded, "account equity is not positive", nil)
	}
	leverage := exposure.Add(notional).Div(equity)
	if leverage.GreaterThan(e.config.MaxLeverage) {
		return e.reject(ReasonLeverageExceeded,
			fmt.Sprintf("leverage %s exceeds limit %s", leverage.Round(4), e.config.MaxLeverage),
			map[string]any{"leverage": leverage, "limit": e.config.MaxLeverage})
	}

	// 4. Daily loss, recomputed from live equity.
	dailyPnL := equity.Sub(e.dayStartEquity)
	if dailyPnL.LessThan(decimal.Zero) {
		loss := dailyPnL.Neg()
		if e.config.MaxDailyLoss.GreaterThan(decimal.Zero) && loss.GreaterThan(e.config.MaxDailyLoss) {
			return e.reject(ReasonDailyLossExceeded,
				fmt.Sprintf("daily loss %s exceeds limit %s", loss, e.config.MaxDailyLoss),
				map[string]any{"loss": loss, "limit": e.config.MaxDailyLoss})
		}
		if e.config.MaxDailyLossPct.GreaterThan(decimal.Zero) && e.dayStartEquity.GreaterThan(decimal.Zero) {
			lossPct := loss.Div(e.dayStartEquity)
			if lossPct.GreaterThan(e.config.MaxDailyLossPct) {
				return e.reject(ReasonDailyLossExceeded,
					fmt.Sprintf("daily loss %s%% exceeds limit %s%%",
						lossPct.Mul(decimal.NewFromInt(100)).Round(2),
						e.config.MaxDailyLossPct.Mul(decimal.NewFromInt(100))),
					map[string]any{"lossPct": lossPct, "limit": e.config.MaxDailyLossPct})
			}
		}
	}

	// 5. Order rate within the rolling minute.
	if e.config.MaxOrdersPerMinute > 0 && e.windowCount > e.config.MaxOrdersPerMinute {
		return e.reject(ReasonOrderRateExceeded,
			fmt.Sprintf("order rate %d exceeds %d per minute", e.windowCount, e.config.MaxOrdersPerMinute),
			map[string]any{"count": e.windowCount, "limit": e.config.MaxOrdersPerMinute})
	}

	// 6. Margin requirement at maximum leverage.
	required := notional.Div(e.config.MaxLeverage)
	available := e.account.GetAvailableMargin()
	if required.GreaterThan(available) {
		return e.reject(ReasonInsufficientMargin,
			fmt.Sprintf("required margin %s exceeds available %s", required, available),
			map[string]any{"required": required, "available": available})
	}

	return RiskCheckResult{Passed: true}
}

// reject increments the rejection counter and builds the result.
// Caller must hold e.mu.
func (e *Engine) reject(reason, message string, details map[string]any) RiskCheckResult {
	e.rejections++
	return RiskCheckResult{Passed: false, Reason: reason, Message: message, Details: details}
}

// rollDay lazily resets daily counters 24h after the last day start.
// Caller must hold e.mu.
func (e *Engine) rollDay() {
	now := time.Now()
	if now.Sub(e.dayStart) >= 24*time.Hour {
		e.dayStart = now
		e.dayStartEquity = e.account.GetAccountValue()
		e.logger.Info("Daily counters reset",
			zap.String("dayStartEquity", e.dayStartEquity.String()))
	}
}

// rollWindow restarts the one-minute order window when it has elapsed.
// Caller must hold e.mu.
func (e *Engine) rollWindow() {
	now := time.Now()
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.windowCount = 0
	}
}

// signedPosition returns the symbol's current position notional, positive for
// longs and negative for shorts. Caller must hold e.mu.
func (e *Engine) signedPosition(symbol string) decimal.Decimal {
	if e.positions == nil {
		return decimal.Zero
	}
	pos := e.positions.GetPosition(symbol)
	if pos == nil {
		return decimal.Zero
	}
	if pos.Side == types.PositionSideShort {
		return pos.NotionalValue.Abs().Neg()
	}
	return pos.NotionalValue.Abs()
}

// totalExposure sums absolute position values across all symbols, falling
// back to the account's aggregate notional when no position source is
// attached. Caller must hold e.mu.
func (e *Engine) totalExposure() decimal.Decimal {
	if e.positions == nil {
		return e.account.GetTotalNotional()
	}
	total := decimal.Zero
	for _, pos := range e.positions.GetAllPositions() {
		total = total.Add(pos.NotionalValue.Abs())
	}
	return total
}

// TriggerKillSwitch sets the kill-switch flag. Subsequent checks on any
// goroutine reject immediately.
func (e *Engine) TriggerKillSwitch(reason string) {
	e.killSwitch.Store(true)
	telemetry.UpdateKillSwitch(true)
	e.logger.Error("Kill switch triggered", zap.String("reason", reason))
	if e.alerts != nil {
		e.alerts.RiskAlert("kill_switch_triggered", map[string]any{"reason": reason})
	}
}

// ResetKillSwitch clears the kill-switch flag.
func (e *Engine) ResetKillSwitch() {
	e.killSwitch.Store(false)
	telemetry.UpdateKillSwitch(false)
	e.logger.Info("Kill switch reset")
}

// IsKillSwitchActive reports the kill-switch state without locking.
func (e *Engine) IsKillSwitchActive() bool {
	return e.killSwitch.Load()
}

// CheckKillSwitchConditions recomputes the daily P&L and reports whether the
// loss exceeds the kill-switch threshold. It does not trigger the switch;
// that escalation belongs to the supervising caller.
func (e *Engine) CheckKillSwitchConditions() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollDay()
	if e.config.KillSwitchThreshold.LessThanOrEqual(decimal.Zero) {
		return false
	}

	dailyPnL := e.account.GetAccountValue().Sub(e.dayStartEquity)
	return dailyPnL.Neg().GreaterThan(e.config.KillSwitchThreshold)
}

// ShouldClosePositions reports whether a kill-switch trigger is configured to
// force-close open positions.
func (e *Engine) ShouldClosePositions() bool {
	return e.config.CloseOnKillSwitch
}

// GetStats returns engine statistics recomputed from live state.
func (e *Engine) GetStats() RiskStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity := e.account.GetAccountValue()
	stats := RiskStats{
		TotalChecks:      e.totalChecks,
		Rejections:       e.rejections,
		DailyPnL:         equity.Sub(e.dayStartEquity),
		KillSwitchActive: e.killSwitch.Load(),
	}
	if e.totalChecks > 0 {
		stats.RejectionRate = float64(e.rejections) / float64(e.totalChecks)
	}
	if equity.GreaterThan(decimal.Zero) {
		stats.CurrentLeverage = e.totalExposure().Div(equity)
	}

	pnl, _ := stats.DailyPnL.Float64()
	lev, _ := stats.CurrentLeverage.Float64()
	eq, _ := equity.Float64()
	telemetry.UpdateDailyPnL(pnl)
	telemetry.UpdateLeverage(lev)
	telemetry.UpdateEquity(eq)

	return stats
}
