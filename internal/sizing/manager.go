// Package sizing provides the capital-allocation engine: interchangeable
// position-sizing algorithms driven by account equity and trade history.
package sizing

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/telemetry"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Configuration errors, signalled distinctly from insufficient-data outcomes.
var (
	ErrInvalidStopLossPct = errors.New("stop loss percentage must be strictly between 0 and 1")
	ErrInvalidVolatility  = errors.New("asset volatility must be positive")
)

// Method selects the sizing algorithm.
type Method string

const (
	MethodKelly          Method = "kelly"
	MethodFixedFraction  Method = "fixed_fraction"
	MethodRiskParity     Method = "risk_parity"
	MethodAntiMartingale Method = "anti_martingale"
	MethodFixedSize      Method = "fixed_size"
	MethodDisabled       Method = "disabled"
)

// Kelly needs a minimum sample before its edge estimate means anything.
const minKellyTrades = 10

// antiMartingaleLookback bounds the streak scan.
const antiMartingaleLookback = 10

// Config selects and parameterizes the sizing method.
type Config struct {
	Enabled              bool            `json:"enabled"`
	Method               Method          `json:"method"`
	KellyFraction        decimal.Decimal `json:"kellyFraction"`        // fraction of full Kelly (0.5 = half Kelly)
	KellyMaxPosition     decimal.Decimal `json:"kellyMaxPosition"`     // cap as fraction of equity
	RiskPerTrade         decimal.Decimal `json:"riskPerTrade"`         // fraction of equity risked per trade
	MaxPositionPct       decimal.Decimal `json:"maxPositionPct"`       // max position as fraction of equity
	TargetVolatility     decimal.Decimal `json:"targetVolatility"`     // risk-parity volatility target
	AntiMartingaleFactor decimal.Decimal `json:"antiMartingaleFactor"` // per-win multiplier
	LossStreakReset      int             `json:"lossStreakReset"`      // losses that reset the multiplier
	MinPositionSize      decimal.Decimal `json:"minPositionSize"`
	MaxHistory           int             `json:"maxHistory"`
}

// DefaultConfig returns half-Kelly defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Method:               MethodKelly,
		KellyFraction:        decimal.NewFromFloat(0.5),
		KellyMaxPosition:     decimal.NewFromFloat(0.25),
		RiskPerTrade:         decimal.NewFromFloat(0.02),
		MaxPositionPct:       decimal.NewFromFloat(0.5),
		TargetVolatility:     decimal.NewFromFloat(0.15),
		AntiMartingaleFactor: decimal.NewFromFloat(1.5),
		LossStreakReset:      3,
		MinPositionSize:      decimal.NewFromInt(10),
		MaxHistory:           1000,
	}
}

// PositionContext carries the per-trade inputs to a sizing calculation.
type PositionContext struct {
	Symbol          string             `json:"symbol"`
	Side            types.PositionSide `json:"side"`
	Price           decimal.Decimal    `json:"price,omitempty"`
	RequestedSize   decimal.Decimal    `json:"requestedSize,omitempty"`   // base/fallback notional
	StopLossPct     decimal.Decimal    `json:"stopLossPct,omitempty"`     // fixed-fraction input
	AssetVolatility decimal.Decimal    `json:"assetVolatility,omitempty"` // risk-parity input
}

// Recommendation is the sizing outcome. A zero size with a message is an
// expected insufficient-data result, not a failure.
type Recommendation struct {
	Size    decimal.Decimal `json:"size"`
	Method  Method          `json:"method"`
	Message string          `json:"message,omitempty"`
}

// Stats summarizes the capped trade history. Always derived from the history
// itself so it cannot drift from the records.
type Stats struct {
	TotalTrades  int             `json:"totalTrades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      decimal.Decimal `json:"winRate"`
	AvgWin       decimal.Decimal `json:"avgWin"`
	AvgLoss      decimal.Decimal `json:"avgLoss"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
	NetPnL       decimal.Decimal `json:"netPnl"`
}

// Manager dispatches to the configured sizing algorithm.
type Manager struct {
	logger  *zap.Logger
	config  Config
	account account.AccountSource

	mu      sync.Mutex
	history []types.TradeResult
}

// NewManager creates a money manager bound to an account source.
func NewManager(logger *zap.Logger, config Config, acct account.AccountSource) *Manager {
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultConfig().MaxHistory
	}
	return &Manager{
		logger:  logger.Named("money-manager"),
		config:  config,
		account: acct,
		history: make([]types.TradeResult, 0, config.MaxHistory),
	}
}

// CalculatePosition returns a recommended position size for the requested
// trade. Config misuse (bad percentage, bad volatility) returns an error;
// insufficient history returns a zero size with an explanatory message.
func (m *Manager) CalculatePosition(ctx PositionContext) (Recommendation, error) {
	if !m.config.Enabled {
		return Recommendation{Size: ctx.RequestedSize, Method: MethodDisabled}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	equity := m.account.GetAccountValue()

	var rec Recommendation
	var err error
	switch m.config.Method {
	case MethodKelly:
		rec = m.kellySize(equity)
	case MethodFixedFraction:
		rec, err = m.fixedFractionSize(equity, ctx.StopLossPct)
	case MethodRiskParity:
		rec, err = m.riskParitySize(equity, ctx.AssetVolatility)
	case MethodAntiMartingale:
		rec = m.antiMartingaleSize(equity, ctx.RequestedSize)
	case MethodFixedSize:
		rec = Recommendation{Size: ctx.RequestedSize, Method: MethodFixedSize}
	default:
		return Recommendation{}, fmt.Errorf("sizing: unknown method %q", m.config.Method)
	}
	if err != nil {
		return Recommendation{Method: m.config.Method}, err
	}

	telemetry.RecordSizing(string(rec.Method))
	m.logger.Debug("Position sized",
		zap.String("symbol", ctx.Symbol),
		zap.String("method", string(rec.Method)),
		zap.String("size", rec.Size.String()),
		zap.String("message", rec.Message))

	return rec, nil
}

// kellySize applies the Kelly criterion over the recorded history:
// f = winRate - (1-winRate)/profitLossRatio, scaled by the configured
// fraction and capped. Caller must hold m.mu.
func (m *Manager) kellySize(equity decimal.Decimal) Recommendation {
	rec := Recommendation{Method: MethodKelly}

	n := len(m.history)
	if n < minKellyTrades {
		rec.Message = fmt.Sprintf("insufficient trade history: %d of %d trades", n, minKellyTrades)
		return rec
	}

	stats := m.deriveStats()
	if stats.Wins == 0 {
		rec.Message = "no winning trades recorded"
		return rec
	}
	if stats.Losses == 0 {
		// A flawless record gives no loss estimate; take the capped maximum.
		rec.Size = equity.Mul(m.config.KellyMaxPosition)
		rec.Message = "no losing trades, using capped maximum"
		return rec
	}
	if stats.AvgLoss.LessThanOrEqual(decimal.Zero) {
		rec.Message = "invalid loss data in history"
		return rec
	}

	winRate := stats.WinRate
	plRatio := stats.AvgWin.Div(stats.AvgLoss)
	one := decimal.NewFromInt(1)
	kelly := winRate.Sub(one.Sub(winRate).Div(plRatio))

	if kelly.LessThanOrEqual(decimal.Zero) {
		rec.Message = "insufficient edge, kelly is non-positive"
		return rec
	}

	fraction := kelly.Mul(m.config.KellyFraction)
	if fraction.GreaterThan(m.config.KellyMaxPosition) {
		fraction = m.config.KellyMaxPosition
	}
	rec.Size = equity.Mul(fraction)
	return rec
}

// fixedFractionSize risks a fixed fraction of equity against the stop
// distance: size = equity * riskPerTrade / stopLossPct.
func (m *Manager) fixedFractionSize(equity, stopLossPct decimal.Decimal) (Recommendation, error) {
	rec := Recommendation{Method: MethodFixedFraction}

	if stopLossPct.LessThanOrEqual(decimal.Zero) || stopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return rec, ErrInvalidStopLossPct
	}

	size := equity.Mul(m.config.RiskPerTrade).Div(stopLossPct)

	maxSize := equity.Mul(m.config.MaxPositionPct)
	if size.GreaterThan(maxSize) {
		size = maxSize
		rec.Message = "clamped to maximum position percentage"
	}
	if size.LessThan(m.config.MinPositionSize) {
		size = m.config.MinPositionSize
		rec.Message = "floored at minimum position size"
	}

	rec.Size = size
	return rec, nil
}

// riskParitySize weights the position by target over asset volatility,
// capped at full weight and the maximum position percentage.
func (m *Manager) riskParitySize(equity, assetVol decimal.Decimal) (Recommendation, error) {
	rec := Recommendation{Method: MethodRiskParity}

	if assetVol.LessThanOrEqual(decimal.Zero) {
		return rec, ErrInvalidVolatility
	}

	weight := m.config.TargetVolatility.Div(assetVol)
	if weight.GreaterThan(decimal.NewFromInt(1)) {
		weight = decimal.NewFromInt(1)
	}
	if weight.GreaterThan(m.config.MaxPositionPct) {
		weight = m.config.MaxPositionPct
	}

	rec.Size = equity.Mul(weight)
	return rec, nil
}

// antiMartingaleSize scales the base size up on win streaks and down on loss
// streaks. Multiplier is capped at 4x and floored at 0.25x; a loss streak
// reaching the configured reset count returns the multiplier to 1x.
// Caller must hold m.mu.
func (m *Manager) antiMartingaleSize(equity, baseSize decimal.Decimal) Recommendation {
	rec := Recommendation{Method: MethodAntiMartingale}

	if baseSize.IsZero() {
		baseSize = equity.Mul(m.config.RiskPerTrade)
	}

	winStreak, lossStreak := m.currentStreak()
	factor, _ := m.config.AntiMartingaleFactor.Float64()

	multiplier := 1.0
	switch {
	case winStreak > 0:
		multiplier = math.Pow(factor, float64(winStreak))
		if multiplier > 4.0 {
			multiplier = 4.0
		}
		rec.Message = fmt.Sprintf("win streak of %d", winStreak)
	case lossStreak >= m.config.LossStreakReset && m.config.LossStreakReset > 0:
		multiplier = 1.0
		rec.Message = fmt.Sprintf("loss streak of %d reached reset count", lossStreak)
	case lossStreak > 0:
		multiplier = math.Pow(1.0/factor, float64(lossStreak))
		if multiplier < 0.25 {
			multiplier = 0.25
		}
		rec.Message = fmt.Sprintf("loss streak of %d", lossStreak)
	}

	size := baseSize.Mul(decimal.NewFromFloat(multiplier))
	maxSize := equity.Mul(m.config.MaxPositionPct)
	if size.GreaterThan(maxSize) {
		size = maxSize
	}

	rec.Size = size
	return rec
}

// currentStreak walks the recent history backward and counts consecutive
// wins or losses, breaking at the first opposite-sign trade.
// Caller must hold m.mu.
func (m *Manager) currentStreak() (wins, losses int) {
	start := len(m.history) - antiMartingaleLookback
	if start < 0 {
		start = 0
	}
	recent := m.history[start:]
	if len(recent) == 0 {
		return 0, 0
	}

	lastWin := recent[len(recent)-1].PnL.GreaterThan(decimal.Zero)
	for i := len(recent) - 1; i >= 0; i-- {
		win := recent[i].PnL.GreaterThan(decimal.Zero)
		if win != lastWin {
			break
		}
		if win {
			wins++
		} else {
			losses++
		}
	}
	return wins, losses
}

// RecordTrade appends a trade outcome to the history, dropping the oldest
// entry once the cap is reached.
func (m *Manager) RecordTrade(result types.TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, result)
	if len(m.history) > m.config.MaxHistory {
		m.history = m.history[1:]
	}

	m.logger.Info("Trade recorded",
		zap.String("symbol", result.Symbol),
		zap.String("pnl", result.PnL.String()),
		zap.Int("historyLen", len(m.history)))
}

// GetStats derives statistics from the capped history.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deriveStats()
}

// deriveStats recomputes win/loss aggregates from the history.
// Caller must hold m.mu.
func (m *Manager) deriveStats() Stats {
	stats := Stats{TotalTrades: len(m.history)}
	if stats.TotalTrades == 0 {
		return stats
	}

	var grossProfit, grossLoss decimal.Decimal
	for _, trade := range m.history {
		stats.NetPnL = stats.NetPnL.Add(trade.PnL)
		if trade.PnL.GreaterThan(decimal.Zero) {
			stats.Wins++
			grossProfit = grossProfit.Add(trade.PnL)
		} else {
			stats.Losses++
			grossLoss = grossLoss.Add(trade.PnL.Abs())
		}
	}

	total := decimal.NewFromInt(int64(stats.TotalTrades))
	stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).Div(total)
	if stats.Wins > 0 {
		stats.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(stats.Wins)))
	}
	if stats.Losses > 0 {
		stats.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(stats.Losses)))
	}
	if !grossLoss.IsZero() {
		stats.ProfitFactor = grossProfit.Div(grossLoss)
	}

	return stats
}
