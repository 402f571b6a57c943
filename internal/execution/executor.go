// Package execution provides the order submission seam between the risk core
// and an exchange.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/pkg/types"
	"go.uber.org/zap"
)

// OrderExecutor submits orders to an exchange. The stop engine and the
// supervisor depend only on this interface; the wire protocol behind it is
// out of scope for the core.
type OrderExecutor interface {
	CreateOrder(ctx context.Context, req *types.OrderRequest) (*types.Order, error)
}

// PaperExecutor fills orders instantly against a paper account at the request
// price. It is the in-process stand-in used for paper trading and tests.
type PaperExecutor struct {
	logger  *zap.Logger
	account *account.PaperAccount
}

// NewPaperExecutor creates a paper executor bound to a paper account.
func NewPaperExecutor(logger *zap.Logger, acct *account.PaperAccount) *PaperExecutor {
	return &PaperExecutor{
		logger:  logger.Named("paper-executor"),
		account: acct,
	}
}

// CreateOrder fills the order immediately at the request price.
func (p *PaperExecutor) CreateOrder(ctx context.Context, req *types.OrderRequest) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: uuid.New().String(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        types.OrderStatusFilled,
		FilledQty:     req.Amount,
		AvgFillPrice:  req.Price,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	pnl := p.account.ApplyFill(req.Symbol, req.Side, req.Amount, req.Price)

	p.logger.Info("Paper order filled",
		zap.String("orderId", order.ID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("amount", req.Amount.String()),
		zap.String("price", req.Price.String()),
		zap.Bool("reduceOnly", req.ReduceOnly),
		zap.String("realizedPnl", pnl.String()))

	return order, nil
}
