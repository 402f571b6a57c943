// Package metrics provides the risk-metrics monitor: point-in-time risk
// statistics computed from a capped equity and return history.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Minimum observations before the tail estimates mean anything.
const (
	minVaRObservations    = 30
	minCalmarObservations = 20
)

// Config parameterizes the monitor.
type Config struct {
	VaRConfidence       float64 `json:"varConfidence"`       // e.g. 0.95
	VaRHorizonDays      int     `json:"varHorizonDays"`      // reporting horizon
	VolatilityWindow    int     `json:"volatilityWindow"`    // trailing observations
	AnnualizationFactor float64 `json:"annualizationFactor"` // e.g. 252 daily, 365 crypto
	SharpeWindow        int     `json:"sharpeWindow"`
	RiskFreeRate        float64 `json:"riskFreeRate"` // annualized
	MaxDrawdownAlert    float64 `json:"maxDrawdownAlert"`
	RetentionLength     int     `json:"retentionLength"` // history cap
}

// DefaultConfig returns daily-frequency defaults.
func DefaultConfig() Config {
	return Config{
		VaRConfidence:       0.95,
		VaRHorizonDays:      1,
		VolatilityWindow:    30,
		AnnualizationFactor: 365,
		SharpeWindow:        30,
		RiskFreeRate:        0.02,
		MaxDrawdownAlert:    0.2,
		RetentionLength:     1000,
	}
}

// VaRResult is a historical-simulation Value at Risk estimate. Err is set
// instead of failing when the history is too short.
type VaRResult struct {
	Confidence float64         `json:"confidence"`
	Pct        float64         `json:"pct"`
	Amount     decimal.Decimal `json:"amount"`
	Err        string          `json:"error,omitempty"`
}

// CVaRResult is the mean loss beyond the VaR percentile.
type CVaRResult struct {
	Confidence float64         `json:"confidence"`
	Pct        float64         `json:"pct"`
	Amount     decimal.Decimal `json:"amount"`
	Err        string          `json:"error,omitempty"`
}

// DrawdownResult describes the largest peak-to-trough decline.
type DrawdownResult struct {
	MaxDrawdownPct     float64         `json:"maxDrawdownPct"`
	CurrentDrawdownPct float64         `json:"currentDrawdownPct"`
	PeakIndex          int             `json:"peakIndex"`
	TroughIndex        int             `json:"troughIndex"`
	PeakEquity         decimal.Decimal `json:"peakEquity"`
	TroughEquity       decimal.Decimal `json:"troughEquity"`
	IsRecovering       bool            `json:"isRecovering"`
	Err                string          `json:"error,omitempty"`
}

// RatioResult is a risk-adjusted return ratio (Sharpe or Sortino).
type RatioResult struct {
	Ratio                float64 `json:"ratio"`
	AnnualizedReturn     float64 `json:"annualizedReturn"`
	AnnualizedVolatility float64 `json:"annualizedVolatility"`
	Err                  string  `json:"error,omitempty"`
}

// CalmarResult is annualized return over max drawdown.
type CalmarResult struct {
	Ratio float64 `json:"ratio"`
	Err   string  `json:"error,omitempty"`
}

// VolatilityResult is the annualized sample standard deviation of returns.
type VolatilityResult struct {
	Annualized float64 `json:"annualized"`
	Window     int     `json:"window"`
	Err        string  `json:"error,omitempty"`
}

// Report assembles all metrics; individual entries may carry errors so a
// caller can present partial results.
type Report struct {
	Equity     decimal.Decimal  `json:"equity"`
	VaR        VaRResult        `json:"var"`
	CVaR       CVaRResult       `json:"cvar"`
	Drawdown   DrawdownResult   `json:"drawdown"`
	Sharpe     RatioResult      `json:"sharpe"`
	Sortino    RatioResult      `json:"sortino"`
	Calmar     CalmarResult     `json:"calmar"`
	Volatility VolatilityResult `json:"volatility"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Monitor consumes a time-ordered equity history and produces risk
// statistics. It has no dependency on the other risk components.
type Monitor struct {
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	equities []types.EquitySnapshot
	returns  []float64 // pct return between consecutive snapshots
}

// NewMonitor creates a risk-metrics monitor.
func NewMonitor(logger *zap.Logger, config Config) *Monitor {
	if config.RetentionLength <= 0 {
		config.RetentionLength = DefaultConfig().RetentionLength
	}
	return &Monitor{
		logger:   logger.Named("risk-metrics"),
		config:   config,
		equities: make([]types.EquitySnapshot, 0, config.RetentionLength),
		returns:  make([]float64, 0, config.RetentionLength),
	}
}

// RecordEquity appends a snapshot and, when a prior one exists, the derived
// percentage return. Both histories are capped at the retention length.
func (m *Monitor) RecordEquity(snapshot types.EquitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.equities); n > 0 {
		prev := m.equities[n-1].Equity
		if !prev.IsZero() {
			ret, _ := snapshot.Equity.Sub(prev).Div(prev).Float64()
			m.returns = append(m.returns, ret)
			if len(m.returns) > m.config.RetentionLength {
				m.returns = m.returns[1:]
			}
		}
	}

	m.equities = append(m.equities, snapshot)
	if len(m.equities) > m.config.RetentionLength {
		m.equities = m.equities[1:]
	}
}

// varIndex returns the percentile index into the ascending-sorted returns.
func varIndex(n int, confidence float64) int {
	return int(math.Floor((1 - confidence) * float64(n)))
}

// VaR computes historical-simulation Value at Risk at the given confidence.
func (m *Monitor) VaR(confidence float64) VaRResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := VaRResult{Confidence: confidence}
	n := len(m.returns)
	if n < minVaRObservations {
		result.Err = fmt.Sprintf("insufficient return history: %d of %d observations", n, minVaRObservations)
		return result
	}

	sorted := make([]float64, n)
	copy(sorted, m.returns)
	sort.Float64s(sorted)

	idx := varIndex(n, confidence)
	if idx >= n {
		idx = n - 1
	}
	result.Pct = -sorted[idx]
	result.Amount = m.currentEquity().Mul(decimal.NewFromFloat(result.Pct))
	return result
}

// CVaR computes the mean of the returns strictly below the VaR percentile,
// which makes it at least as large as VaR by construction.
func (m *Monitor) CVaR(confidence float64) CVaRResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := CVaRResult{Confidence: confidence}
	n := len(m.returns)
	if n < minVaRObservations {
		result.Err = fmt.Sprintf("insufficient return history: %d of %d observations", n, minVaRObservations)
		return result
	}

	sorted := make([]float64, n)
	copy(sorted, m.returns)
	sort.Float64s(sorted)

	idx := varIndex(n, confidence)
	if idx >= n {
		idx = n - 1
	}

	if idx == 0 {
		result.Pct = -sorted[0]
	} else {
		var sum float64
		for i := 0; i < idx; i++ {
			sum += sorted[i]
		}
		result.Pct = -sum / float64(idx)
	}
	result.Amount = m.currentEquity().Mul(decimal.NewFromFloat(result.Pct))
	return result
}

// MaxDrawdown walks the equity history once, tracking the running peak and
// the largest percentage decline from any peak to a subsequent trough.
func (m *Monitor) MaxDrawdown() DrawdownResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := DrawdownResult{}
	if len(m.equities) < 2 {
		result.Err = "insufficient equity history"
		return result
	}

	peak := m.equities[0].Equity
	peakIdx := 0
	var maxDD float64
	var currentDD float64

	for i, snap := range m.equities {
		if snap.Equity.GreaterThan(peak) {
			peak = snap.Equity
			peakIdx = i
		}
		if peak.IsZero() {
			continue
		}
		dd, _ := peak.Sub(snap.Equity).Div(peak).Float64()
		currentDD = dd
		if dd > maxDD {
			maxDD = dd
			result.PeakIndex = peakIdx
			result.TroughIndex = i
			result.PeakEquity = peak
			result.TroughEquity = snap.Equity
		}
	}

	result.MaxDrawdownPct = maxDD
	result.CurrentDrawdownPct = currentDD
	result.IsRecovering = maxDD > 0 && currentDD < maxDD
	return result
}

// Sharpe computes the annualized Sharpe ratio over the trailing window.
func (m *Monitor) Sharpe() RatioResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ratio(m.config.SharpeWindow, false)
}

// Sortino computes the annualized Sortino ratio, using only negative returns
// for the deviation denominator.
func (m *Monitor) Sortino() RatioResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ratio(m.config.SharpeWindow, true)
}

// ratio computes an annualized risk-adjusted ratio over the trailing window.
// Caller must hold m.mu.
func (m *Monitor) ratio(window int, downsideOnly bool) RatioResult {
	result := RatioResult{}
	n := len(m.returns)
	if window < 2 || n < window {
		result.Err = fmt.Sprintf("insufficient return history: %d of %d observations", n, window)
		return result
	}

	trailing := m.returns[n-window:]
	mean := meanOf(trailing)

	deviationInput := trailing
	if downsideOnly {
		var negative []float64
		for _, r := range trailing {
			if r < 0 {
				negative = append(negative, r)
			}
		}
		if len(negative) < 2 {
			result.Err = "insufficient negative returns for downside deviation"
			return result
		}
		deviationInput = negative
	}

	std := stdDevOf(deviationInput)
	if std == 0 {
		result.Err = "zero volatility over window"
		return result
	}

	result.AnnualizedReturn = mean * m.config.AnnualizationFactor
	result.AnnualizedVolatility = std * math.Sqrt(m.config.AnnualizationFactor)
	result.Ratio = (result.AnnualizedReturn - m.config.RiskFreeRate) / result.AnnualizedVolatility
	return result
}

// Calmar computes annualized mean return over the full history divided by
// the maximum drawdown percentage.
func (m *Monitor) Calmar() CalmarResult {
	drawdown := m.MaxDrawdown()

	m.mu.Lock()
	defer m.mu.Unlock()

	result := CalmarResult{}
	n := len(m.returns)
	if n < minCalmarObservations {
		result.Err = fmt.Sprintf("insufficient return history: %d of %d observations", n, minCalmarObservations)
		return result
	}
	if drawdown.Err != "" || drawdown.MaxDrawdownPct == 0 {
		result.Err = "no drawdown to measure against"
		return result
	}

	annualized := meanOf(m.returns) * m.config.AnnualizationFactor
	result.Ratio = annualized / drawdown.MaxDrawdownPct
	return result
}

// Volatility computes the annualized sample standard deviation over the
// configured trailing window.
func (m *Monitor) Volatility() VolatilityResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.config.VolatilityWindow
	result := VolatilityResult{Window: window}
	n := len(m.returns)
	if window < 2 || n < window {
		result.Err = fmt.Sprintf("insufficient return history: %d of %d observations", n, window)
		return result
	}

	std := stdDevOf(m.returns[n-window:])
	result.Annualized = std * math.Sqrt(m.config.AnnualizationFactor)
	return result
}

// GetFullMetrics assembles a combined report. Entries with too little data
// carry their own error message rather than failing the whole report.
func (m *Monitor) GetFullMetrics() Report {
	report := Report{
		VaR:        m.VaR(m.config.VaRConfidence),
		CVaR:       m.CVaR(m.config.VaRConfidence),
		Drawdown:   m.MaxDrawdown(),
		Sharpe:     m.Sharpe(),
		Sortino:    m.Sortino(),
		Calmar:     m.Calmar(),
		Volatility: m.Volatility(),
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	report.Equity = m.currentEquity()
	m.mu.Unlock()

	return report
}

// currentEquity returns the latest snapshot's equity. Caller must hold m.mu.
func (m *Monitor) currentEquity() decimal.Decimal {
	if len(m.equities) == 0 {
		return decimal.Zero
	}
	return m.equities[len(m.equities)-1].Equity
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDevOf computes the sample standard deviation.
func stdDevOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
