// Package stops provides the per-position exit-condition engine: fixed
// stop-loss and take-profit levels, trailing stops and time stops, with
// optional execution through an order executor.
package stops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantdesk/risk-core/internal/alerts"
	"github.com/quantdesk/risk-core/internal/execution"
	"github.com/quantdesk/risk-core/internal/telemetry"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Configuration errors. These signal caller mistakes and never corrupt
// existing stop state.
var (
	ErrInvalidStopPrice        = errors.New("stop price must be on the loss side of entry")
	ErrInvalidTakeProfitPrice  = errors.New("take profit price must be on the profit side of entry")
	ErrInvalidTrailingPct      = errors.New("trailing percentage must be strictly between 0 and 1")
	ErrInvalidTrailingDistance = errors.New("trailing distance must be positive")
	ErrInvalidPartialClose     = errors.New("partial close fraction must be in (0, 1]")
)

// ExecStyle selects how a fixed stop or take-profit is executed.
type ExecStyle string

const (
	StyleMarket ExecStyle = "market"
	StyleLimit  ExecStyle = "limit"
)

// TimeStopAction selects what happens when a time stop expires.
type TimeStopAction string

const (
	TimeStopClose  TimeStopAction = "close"
	TimeStopReduce TimeStopAction = "reduce"
	TimeStopAlert  TimeStopAction = "alert"
)

// TriggerKind identifies which exit condition fired.
type TriggerKind string

const (
	TriggerStopLoss     TriggerKind = "stop_loss"
	TriggerTakeProfit   TriggerKind = "take_profit"
	TriggerTrailingStop TriggerKind = "trailing_stop"
	TriggerTimeStop     TriggerKind = "time_stop"
)

// PriceTarget is a fixed exit level with its execution style.
type PriceTarget struct {
	Price decimal.Decimal `json:"price"`
	Style ExecStyle       `json:"style"`
}

// TrailingStop tracks a trailing exit. Exactly one of Pct or Distance is set;
// Watermark is the running favorable extreme, seeded at entry.
type TrailingStop struct {
	Pct       decimal.Decimal `json:"pct,omitempty"`
	Distance  decimal.Decimal `json:"distance,omitempty"`
	Watermark decimal.Decimal `json:"watermark"`
}

// TimeStop expires a position at a wall-clock deadline.
type TimeStop struct {
	ExpiresAt time.Time      `json:"expiresAt"`
	Action    TimeStopAction `json:"action"`
}

// StopConfig holds every armed exit condition for one position. All
// conditions are evaluated independently; whichever fires first wins.
type StopConfig struct {
	PositionID      string             `json:"positionId"`
	EntryPrice      decimal.Decimal    `json:"entryPrice"`
	Side            types.PositionSide `json:"side"`
	StopLoss        *PriceTarget       `json:"stopLoss,omitempty"`
	TakeProfit      *PriceTarget       `json:"takeProfit,omitempty"`
	Trailing        *TrailingStop      `json:"trailing,omitempty"`
	TimeStop        *TimeStop          `json:"timeStop,omitempty"`
	PartialClosePct decimal.Decimal    `json:"partialClosePct,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Trigger describes a fired exit condition.
type Trigger struct {
	PositionID string          `json:"positionId"`
	Kind       TriggerKind     `json:"kind"`
	Price      decimal.Decimal `json:"price"`     // price that satisfied the condition
	StopPrice  decimal.Decimal `json:"stopPrice"` // the armed level
	At         time.Time       `json:"at"`
}

// ExecutionResult reports the outcome of acting on a trigger.
type ExecutionResult struct {
	Trigger       Trigger         `json:"trigger"`
	CloseQuantity decimal.Decimal `json:"closeQuantity"`
	Order         *types.Order    `json:"order,omitempty"`
	Executed      bool            `json:"executed"` // false in manual-execution mode
}

// Stats counts triggers and execution failures.
type Stats struct {
	StopsTriggered     uint64 `json:"stopsTriggered"`
	TakesTriggered     uint64 `json:"takesTriggered"`
	TrailingTriggered  uint64 `json:"trailingTriggered"`
	TimeStopsTriggered uint64 `json:"timeStopsTriggered"`
	ExecutionErrors    uint64 `json:"executionErrors"`
	ActiveConfigs      int    `json:"activeConfigs"`
}

// Manager owns one StopConfig per open position, keyed by position id.
// An executor is optional: without one, triggers are reported but execution
// is left to the caller.
type Manager struct {
	logger   *zap.Logger
	executor execution.OrderExecutor
	alerts   alerts.Sink

	mu      sync.Mutex
	configs map[string]*StopConfig

	stopsTriggered     uint64
	takesTriggered     uint64
	trailingTriggered  uint64
	timeStopsTriggered uint64
	executionErrors    uint64

	// OnTrigger, if set, is invoked after every fired condition.
	OnTrigger func(Trigger)
}

// NewManager creates a stop manager. executor and sink may be nil.
func NewManager(logger *zap.Logger, executor execution.OrderExecutor, sink alerts.Sink) *Manager {
	return &Manager{
		logger:   logger.Named("stop-manager"),
		executor: executor,
		alerts:   sink,
		configs:  make(map[string]*StopConfig),
	}
}

// SetAlertSink replaces the alert sink. Call before the manager is shared
// across goroutines.
func (m *Manager) SetAlertSink(sink alerts.Sink) {
	m.alerts = sink
}

// ensureConfig returns the config for a position id, creating it on first
// registration. Caller must hold m.mu.
func (m *Manager) ensureConfig(positionID string, entry decimal.Decimal, side types.PositionSide) *StopConfig {
	cfg, ok := m.configs[positionID]
	if !ok {
		cfg = &StopConfig{
			PositionID: positionID,
			EntryPrice: entry,
			Side:       side,
		}
		m.configs[positionID] = cfg
	}
	cfg.UpdatedAt = time.Now()
	return cfg
}

// SetStopLoss arms a fixed stop-loss. A long's stop must sit below entry,
// a short's above.
func (m *Manager) SetStopLoss(positionID string, entry decimal.Decimal, side types.PositionSide, price decimal.Decimal, style ExecStyle) error {
	if side == types.PositionSideLong && price.GreaterThanOrEqual(entry) {
		return ErrInvalidStopPrice
	}
	if side == types.PositionSideShort && price.LessThanOrEqual(entry) {
		return ErrInvalidStopPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensureConfig(positionID, entry, side)
	cfg.StopLoss = &PriceTarget{Price: price, Style: style}

	m.logger.Info("Stop loss set",
		zap.String("positionId", positionID),
		zap.String("side", string(side)),
		zap.String("price", price.String()))
	return nil
}

// SetTakeProfit arms a fixed take-profit. A long's target must sit above
// entry, a short's below.
func (m *Manager) SetTakeProfit(positionID string, entry decimal.Decimal, side types.PositionSide, price decimal.Decimal, style ExecStyle) error {
	if side == types.PositionSideLong && price.LessThanOrEqual(entry) {
		return ErrInvalidTakeProfitPrice
	}
	if side == types.PositionSideShort && price.GreaterThanOrEqual(entry) {
		return ErrInvalidTakeProfitPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensureConfig(positionID, entry, side)
	cfg.TakeProfit = &PriceTarget{Price: price, Style: style}

	m.logger.Info("Take profit set",
		zap.String("positionId", positionID),
		zap.String("side", string(side)),
		zap.String("price", price.String()))
	return nil
}

// SetTrailingStopPct arms a percentage trailing stop. The watermark is seeded
// at the entry price.
func (m *Manager) SetTrailingStopPct(positionID string, entry decimal.Decimal, side types.PositionSide, pct decimal.Decimal) error {
	if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidTrailingPct
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensureConfig(positionID, entry, side)
	cfg.Trailing = &TrailingStop{Pct: pct, Watermark: entry}
	return nil
}

// SetTrailingStopDistance arms a fixed-distance trailing stop.
func (m *Manager) SetTrailingStopDistance(positionID string, entry decimal.Decimal, side types.PositionSide, distance decimal.Decimal) error {
	if distance.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidTrailingDistance
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensureConfig(positionID, entry, side)
	cfg.Trailing = &TrailingStop{Distance: distance, Watermark: entry}
	return nil
}

// SetTimeStop arms a wall-clock expiry for a position.
func (m *Manager) SetTimeStop(positionID string, expiresAt time.Time, action TimeStopAction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[positionID]
	if !ok {
		cfg = &StopConfig{PositionID: positionID}
		m.configs[positionID] = cfg
	}
	cfg.TimeStop = &TimeStop{ExpiresAt: expiresAt, Action: action}
	cfg.UpdatedAt = time.Now()
}

// SetPartialClose sets the fraction of the position closed on a trigger.
func (m *Manager) SetPartialClose(positionID string, pct decimal.Decimal) error {
	if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidPartialClose
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[positionID]
	if !ok {
		cfg = &StopConfig{PositionID: positionID}
		m.configs[positionID] = cfg
	}
	cfg.PartialClosePct = pct
	cfg.UpdatedAt = time.Now()
	return nil
}

// UpdateTrailingStop advances the trailing watermark in the favorable
// direction only: new highs for longs, new lows for shorts. It never
// retreats, so repeated calls with non-improving prices are no-ops.
func (m *Manager) UpdateTrailingStop(positionID string, side types.PositionSide, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[positionID]
	if !ok || cfg.Trailing == nil {
		return
	}

	if side == types.PositionSideLong {
		if price.GreaterThan(cfg.Trailing.Watermark) {
			cfg.Trailing.Watermark = price
			cfg.UpdatedAt = time.Now()
		}
		return
	}
	if price.LessThan(cfg.Trailing.Watermark) {
		cfg.Trailing.Watermark = price
		cfg.UpdatedAt = time.Now()
	}
}

// trailingStopPrice computes the current trailing level from the watermark.
func trailingStopPrice(t *TrailingStop, side types.PositionSide) decimal.Decimal {
	if !t.Pct.IsZero() {
		if side == types.PositionSideLong {
			return t.Watermark.Mul(decimal.NewFromInt(1).Sub(t.Pct))
		}
		return t.Watermark.Mul(decimal.NewFromInt(1).Add(t.Pct))
	}
	if side == types.PositionSideLong {
		return t.Watermark.Sub(t.Distance)
	}
	return t.Watermark.Add(t.Distance)
}

// evaluate returns the first satisfied trigger for a config, in fixed order:
// stop-loss, take-profit, trailing stop, time stop. Caller must hold m.mu.
func (m *Manager) evaluate(cfg *StopConfig, side types.PositionSide, price decimal.Decimal, now time.Time) *Trigger {
	long := side == types.PositionSideLong

	if sl := cfg.StopLoss; sl != nil {
		if (long && price.LessThanOrEqual(sl.Price)) || (!long && price.GreaterThanOrEqual(sl.Price)) {
			return &Trigger{PositionID: cfg.PositionID, Kind: TriggerStopLoss, Price: price, StopPrice: sl.Price, At: now}
		}
	}
	if tp := cfg.TakeProfit; tp != nil {
		if (long && price.GreaterThanOrEqual(tp.Price)) || (!long && price.LessThanOrEqual(tp.Price)) {
			return &Trigger{PositionID: cfg.PositionID, Kind: TriggerTakeProfit, Price: price, StopPrice: tp.Price, At: now}
		}
	}
	if tr := cfg.Trailing; tr != nil {
		level := trailingStopPrice(tr, side)
		if (long && price.LessThanOrEqual(level)) || (!long && price.GreaterThanOrEqual(level)) {
			return &Trigger{PositionID: cfg.PositionID, Kind: TriggerTrailingStop, Price: price, StopPrice: level, At: now}
		}
	}
	if ts := cfg.TimeStop; ts != nil && !now.Before(ts.ExpiresAt) {
		return &Trigger{PositionID: cfg.PositionID, Kind: TriggerTimeStop, Price: price, At: now}
	}
	return nil
}

// CheckStopLoss evaluates the position's armed conditions against the current
// price and returns the first satisfied trigger, or nil. It is a pure query;
// configuration removal happens in CheckAndExecute.
func (m *Manager) CheckStopLoss(positionID string, side types.PositionSide, price decimal.Decimal) *Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[positionID]
	if !ok {
		return nil
	}
	return m.evaluate(cfg, side, price, time.Now())
}

// CheckAndExecute evaluates the position's conditions and, on a trigger,
// closes the position through the attached executor. The submission happens
// outside the manager lock so a slow exchange call never blocks other price
// updates. On submission failure the configuration is retained so the
// condition fires again on the next update; on success it is removed (any
// trigger is treated as a full exit decision; a partial-close fraction only
// scales the submitted quantity and the remainder is left unmanaged).
// Without an executor the trigger is reported and the configuration removed,
// leaving execution to the caller.
func (m *Manager) CheckAndExecute(ctx context.Context, positionID, symbol string, side types.PositionSide, quantity, price decimal.Decimal) (*ExecutionResult, error) {
	m.mu.Lock()
	cfg, ok := m.configs[positionID]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	now := time.Now()
	trigger := m.evaluate(cfg, side, price, now)
	if trigger == nil {
		m.mu.Unlock()
		return nil, nil
	}

	closeQty := quantity
	fraction := cfg.PartialClosePct
	if trigger.Kind == TriggerTimeStop && cfg.TimeStop.Action == TimeStopReduce && fraction.IsZero() {
		fraction = decimal.NewFromFloat(0.5)
	}
	if !fraction.IsZero() {
		closeQty = quantity.Mul(fraction)
	}

	orderType := types.OrderTypeMarket
	limitPrice := price
	switch trigger.Kind {
	case TriggerStopLoss:
		if cfg.StopLoss.Style == StyleLimit {
			orderType = types.OrderTypeLimit
			limitPrice = cfg.StopLoss.Price
		}
	case TriggerTakeProfit:
		if cfg.TakeProfit.Style == StyleLimit {
			orderType = types.OrderTypeLimit
			limitPrice = cfg.TakeProfit.Price
		}
	}

	alertOnly := trigger.Kind == TriggerTimeStop && cfg.TimeStop.Action == TimeStopAlert
	m.mu.Unlock()

	result := &ExecutionResult{Trigger: *trigger, CloseQuantity: closeQty}

	if alertOnly {
		m.finishTrigger(positionID, trigger)
		result.CloseQuantity = decimal.Zero
		return result, nil
	}

	if m.executor == nil {
		// Manual-execution mode: the decision stands, the order is the
		// caller's responsibility.
		m.finishTrigger(positionID, trigger)
		return result, nil
	}

	req := &types.OrderRequest{
		Symbol:      symbol,
		Side:        side.CloseSide(),
		Type:        orderType,
		Amount:      closeQty,
		Price:       limitPrice,
		ReduceOnly:  true,
		TimeInForce: types.TimeInForceGTC,
	}

	order, err := m.executor.CreateOrder(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.executionErrors++
		m.mu.Unlock()
		telemetry.RecordStopExecutionError()

		m.logger.Error("Stop execution failed, condition retained for retry",
			zap.String("positionId", positionID),
			zap.String("kind", string(trigger.Kind)),
			zap.Error(err))
		return result, err
	}

	result.Order = order
	result.Executed = true
	m.finishTrigger(positionID, trigger)

	if m.alerts != nil {
		m.alerts.TradeAlert("stop_executed", map[string]any{
			"positionId": positionID,
			"symbol":     symbol,
			"kind":       string(trigger.Kind),
			"quantity":   closeQty.String(),
			"orderId":    order.ID,
		})
	}

	return result, nil
}

// finishTrigger removes the configuration, updates statistics and notifies
// observers.
func (m *Manager) finishTrigger(positionID string, trigger *Trigger) {
	m.mu.Lock()
	delete(m.configs, positionID)
	switch trigger.Kind {
	case TriggerStopLoss:
		m.stopsTriggered++
	case TriggerTakeProfit:
		m.takesTriggered++
	case TriggerTrailingStop:
		m.trailingTriggered++
	case TriggerTimeStop:
		m.timeStopsTriggered++
	}
	m.mu.Unlock()

	telemetry.RecordStopTrigger(string(trigger.Kind))

	m.logger.Info("Exit condition triggered",
		zap.String("positionId", positionID),
		zap.String("kind", string(trigger.Kind)),
		zap.String("price", trigger.Price.String()),
		zap.String("level", trigger.StopPrice.String()))

	if m.OnTrigger != nil {
		m.OnTrigger(*trigger)
	}
}

// ClearStops removes every exit condition for a position.
func (m *Manager) ClearStops(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.configs, positionID)
}

// GetConfig returns a copy of the position's stop configuration, or nil.
func (m *Manager) GetConfig(positionID string) *StopConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[positionID]
	if !ok {
		return nil
	}
	cfgCopy := *cfg
	if cfg.StopLoss != nil {
		sl := *cfg.StopLoss
		cfgCopy.StopLoss = &sl
	}
	if cfg.TakeProfit != nil {
		tp := *cfg.TakeProfit
		cfgCopy.TakeProfit = &tp
	}
	if cfg.Trailing != nil {
		tr := *cfg.Trailing
		cfgCopy.Trailing = &tr
	}
	if cfg.TimeStop != nil {
		ts := *cfg.TimeStop
		cfgCopy.TimeStop = &ts
	}
	return &cfgCopy
}

// ActivePositions returns the ids of positions with armed conditions.
func (m *Manager) ActivePositions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids
}

// GetStats returns trigger statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		StopsTriggered:     m.stopsTriggered,
		TakesTriggered:     m.takesTriggered,
		TrailingTriggered:  m.trailingTriggered,
		TimeStopsTriggered: m.timeStopsTriggered,
		ExecutionErrors:    m.executionErrors,
		ActiveConfigs:      len(m.configs),
	}
}
