// Package account provides the account and position state consumed by the risk gate.
package account

import (
	"sync"
	"time"

	"github.com/quantdesk/risk-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountSource exposes account-level figures to the risk engine.
type AccountSource interface {
	GetAccountValue() decimal.Decimal
	GetAvailableMargin() decimal.Decimal
	GetTotalNotional() decimal.Decimal
}

// PositionSource exposes per-symbol position state.
type PositionSource interface {
	GetPosition(symbol string) *types.Position
	GetAllPositions() []*types.Position
}

// PaperAccount is an in-memory account and position book. It implements both
// AccountSource and PositionSource and is updated by the paper executor on fills.
type PaperAccount struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]*types.Position
}

// NewPaperAccount creates a paper account seeded with initial cash.
func NewPaperAccount(logger *zap.Logger, initialCash decimal.Decimal) *PaperAccount {
	return &PaperAccount{
		logger:    logger.Named("paper-account"),
		cash:      initialCash,
		positions: make(map[string]*types.Position),
	}
}

// GetAccountValue returns cash plus the marked value of all open positions.
// Fills move the entry value out of cash, so each position contributes its
// cost basis plus unrealized P&L.
func (a *PaperAccount) GetAccountValue() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	equity := a.cash
	for _, pos := range a.positions {
		equity = equity.Add(pos.EntryPrice.Mul(pos.Quantity)).Add(pos.UnrealizedPnL)
	}
	return equity
}

// GetAvailableMargin returns the cash not tied up in open positions. Position
// cost is deducted from cash at fill time, so free margin is simply cash.
func (a *PaperAccount) GetAvailableMargin() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.cash.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return a.cash
}

// GetTotalNotional returns the sum of absolute position values.
func (a *PaperAccount) GetTotalNotional() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range a.positions {
		total = total.Add(pos.NotionalValue.Abs())
	}
	return total
}

// GetPosition returns a copy of the position for a symbol, or nil.
func (a *PaperAccount) GetPosition(symbol string) *types.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if pos, ok := a.positions[symbol]; ok {
		posCopy := *pos
		return &posCopy
	}
	return nil
}

// GetAllPositions returns copies of all open positions.
func (a *PaperAccount) GetAllPositions() []*types.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()

	positions := make([]*types.Position, 0, len(a.positions))
	for _, pos := range a.positions {
		posCopy := *pos
		positions = append(positions, &posCopy)
	}
	return positions
}

// GetCash returns the current cash balance.
func (a *PaperAccount) GetCash() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.cash
}

// ApplyFill updates cash and the position book for a filled order.
// Buys extend or open long positions and reduce shorts; sells mirror.
// Returns realized P&L for the reduced portion, zero otherwise.
func (a *PaperAccount) ApplyFill(symbol string, side types.OrderSide, quantity, price decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	value := quantity.Mul(price)
	position, exists := a.positions[symbol]

	if !exists {
		posSide := types.PositionSideLong
		if side == types.OrderSideSell {
			posSide = types.PositionSideShort
		}
		a.positions[symbol] = &types.Position{
			Symbol:        symbol,
			Side:          posSide,
			Quantity:      quantity,
			EntryPrice:    price,
			CurrentPrice:  price,
			NotionalValue: value,
			OpenedAt:      time.Now(),
		}
		a.cash = a.cash.Sub(value)
		return decimal.Zero
	}

	increasing := (position.Side == types.PositionSideLong && side == types.OrderSideBuy) ||
		(position.Side == types.PositionSideShort && side == types.OrderSideSell)

	if increasing {
		totalValue := position.EntryPrice.Mul(position.Quantity).Add(value)
		position.Quantity = position.Quantity.Add(quantity)
		position.EntryPrice = totalValue.Div(position.Quantity)
		position.CurrentPrice = price
		position.NotionalValue = position.Quantity.Mul(price)
		a.cash = a.cash.Sub(value)
		return decimal.Zero
	}

	// Reducing or closing
	closeQty := quantity
	if closeQty.GreaterThan(position.Quantity) {
		closeQty = position.Quantity
	}

	var pnl decimal.Decimal
	if position.Side == types.PositionSideLong {
		pnl = price.Sub(position.EntryPrice).Mul(closeQty)
	} else {
		pnl = position.EntryPrice.Sub(price).Mul(closeQty)
	}

	a.cash = a.cash.Add(position.EntryPrice.Mul(closeQty)).Add(pnl)
	position.Quantity = position.Quantity.Sub(closeQty)
	if position.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(a.positions, symbol)
	} else {
		position.CurrentPrice = price
		position.NotionalValue = position.Quantity.Mul(price)
		position.UnrealizedPnL = a.unrealized(position)
	}

	a.logger.Info("Fill applied",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity.String()),
		zap.String("pnl", pnl.String()))

	return pnl
}

// MarkPrice updates the mark price for a symbol and recomputes
// notional value and unrealized P&L.
func (a *PaperAccount) MarkPrice(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	position, ok := a.positions[symbol]
	if !ok {
		return
	}

	position.CurrentPrice = price
	position.NotionalValue = position.Quantity.Mul(price)
	position.UnrealizedPnL = a.unrealized(position)
}

func (a *PaperAccount) unrealized(pos *types.Position) decimal.Decimal {
	if pos.Side == types.PositionSideLong {
		return pos.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	}
	return pos.EntryPrice.Sub(pos.CurrentPrice).Mul(pos.Quantity)
}
