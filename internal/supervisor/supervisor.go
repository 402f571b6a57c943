// Package supervisor runs the background monitoring loops that tie the risk
// components together: equity snapshots, kill-switch surveillance, and stop
// evaluation against live prices.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/alerts"
	"github.com/quantdesk/risk-core/internal/execution"
	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/stops"
	"github.com/quantdesk/risk-core/internal/telemetry"
	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceMarker revalues a symbol at a new mark price.
type PriceMarker interface {
	MarkPrice(symbol string, price decimal.Decimal)
}

// Config controls the loop cadence and the drawdown circuit breaker.
type Config struct {
	SnapshotInterval time.Duration `json:"snapshotInterval"`
	StopInterval     time.Duration `json:"stopInterval"`
	MaxDrawdownKill  float64       `json:"maxDrawdownKill"` // 0 disables
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: time.Minute,
		StopInterval:     5 * time.Second,
		MaxDrawdownKill:  0.2,
	}
}

// Supervisor owns the periodic risk loops. It never takes positions itself;
// it only snapshots equity, escalates to the kill switch, and drives the stop
// engine from position marks.
type Supervisor struct {
	logger      *zap.Logger
	config      Config
	engine      *risk.Engine
	stopManager *stops.Manager
	monitor     *metrics.Monitor
	acct        account.AccountSource
	positions   account.PositionSource
	marker      PriceMarker
	executor    execution.OrderExecutor
	sink        alerts.Sink

	mu          sync.Mutex
	forceClosed bool // positions already flattened for the current kill-switch activation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor wires the loops to the risk components. marker and sink may
// be nil.
func NewSupervisor(
	logger *zap.Logger,
	config Config,
	engine *risk.Engine,
	stopManager *stops.Manager,
	monitor *metrics.Monitor,
	acct account.AccountSource,
	positions account.PositionSource,
	marker PriceMarker,
	executor execution.OrderExecutor,
	sink alerts.Sink,
) *Supervisor {
	return &Supervisor{
		logger:      logger.Named("supervisor"),
		config:      config,
		engine:      engine,
		stopManager: stopManager,
		monitor:     monitor,
		acct:        acct,
		positions:   positions,
		marker:      marker,
		executor:    executor,
		sink:        sink,
	}
}

// Start launches the snapshot and stop loops.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.snapshotLoop(ctx)
	go s.stopLoop(ctx)

	s.logger.Info("Supervisor started",
		zap.Duration("snapshotInterval", s.config.SnapshotInterval),
		zap.Duration("stopInterval", s.config.StopInterval))
}

// Stop halts both loops and waits for them to drain.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

// HandlePrice applies a price update: revalues the position, advances any
// trailing stop, and executes a triggered stop.
func (s *Supervisor) HandlePrice(ctx context.Context, update types.PriceUpdate) {
	if s.marker != nil {
		s.marker.MarkPrice(update.Symbol, update.Price)
	}

	pos := s.positions.GetPosition(update.Symbol)
	if pos == nil {
		return
	}

	s.stopManager.UpdateTrailingStop(pos.Symbol, pos.Side, update.Price)
	if _, err := s.stopManager.CheckAndExecute(ctx, pos.Symbol, pos.Symbol, pos.Side, pos.Quantity, update.Price); err != nil {
		s.logger.Error("Stop execution failed",
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
	}
}

func (s *Supervisor) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.takeSnapshot()
			s.checkCircuitBreakers(ctx)
		}
	}
}

func (s *Supervisor) stopLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStops(ctx)
		}
	}
}

// takeSnapshot records the current equity with the metrics monitor.
func (s *Supervisor) takeSnapshot() {
	equity := s.acct.GetAccountValue()

	var positionsValue decimal.Decimal
	for _, pos := range s.positions.GetAllPositions() {
		positionsValue = positionsValue.Add(pos.NotionalValue)
	}

	s.monitor.RecordEquity(types.EquitySnapshot{
		Equity:         equity,
		Cash:           equity.Sub(positionsValue),
		PositionsValue: positionsValue,
		Timestamp:      time.Now(),
	})
	eq, _ := equity.Float64()
	telemetry.UpdateEquity(eq)
}

// checkCircuitBreakers escalates daily-loss and drawdown breaches to the kill
// switch, then flattens positions once if configured to.
func (s *Supervisor) checkCircuitBreakers(ctx context.Context) {
	if !s.engine.IsKillSwitchActive() {
		if s.engine.CheckKillSwitchConditions() {
			s.engine.TriggerKillSwitch("daily loss breached kill-switch threshold")
		} else if s.config.MaxDrawdownKill > 0 {
			dd := s.monitor.MaxDrawdown()
			if dd.Err == "" && dd.CurrentDrawdownPct >= s.config.MaxDrawdownKill {
				s.engine.TriggerKillSwitch("drawdown breached kill-switch threshold")
				if s.sink != nil {
					s.sink.RiskAlert("drawdown_kill", map[string]any{
						"currentDrawdownPct": dd.CurrentDrawdownPct,
						"threshold":          s.config.MaxDrawdownKill,
					})
				}
			}
		}
	}

	s.mu.Lock()
	if !s.engine.IsKillSwitchActive() {
		s.forceClosed = false
		s.mu.Unlock()
		return
	}
	shouldClose := s.engine.ShouldClosePositions() && !s.forceClosed
	if shouldClose {
		s.forceClosed = true
	}
	s.mu.Unlock()

	if shouldClose {
		s.closeAllPositions(ctx)
	}
}

// sweepStops advances and evaluates stops for every open position at its
// current mark.
func (s *Supervisor) sweepStops(ctx context.Context) {
	for _, pos := range s.positions.GetAllPositions() {
		s.stopManager.UpdateTrailingStop(pos.Symbol, pos.Side, pos.CurrentPrice)
		if _, err := s.stopManager.CheckAndExecute(ctx, pos.Symbol, pos.Symbol, pos.Side, pos.Quantity, pos.CurrentPrice); err != nil {
			s.logger.Error("Stop execution failed",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}
}

// closeAllPositions submits reduce-only market orders for every open
// position. Failures are logged and left for the next sweep.
func (s *Supervisor) closeAllPositions(ctx context.Context) {
	positions := s.positions.GetAllPositions()
	s.logger.Warn("Force-closing all positions", zap.Int("count", len(positions)))

	for _, pos := range positions {
		req := &types.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.CloseSide(),
			Type:       types.OrderTypeMarket,
			Amount:     pos.Quantity,
			Price:      pos.CurrentPrice,
			ReduceOnly: true,
		}
		if _, err := s.executor.CreateOrder(ctx, req); err != nil {
			s.logger.Error("Force close failed",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			s.mu.Lock()
			s.forceClosed = false
			s.mu.Unlock()
			continue
		}
		s.stopManager.ClearStops(pos.Symbol)
	}
}
