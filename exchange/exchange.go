package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
)

// BalanceSnapshot is the per-symbol account position at read time.
type BalanceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
	Borrowed  decimal.Decimal `json:"borrowed"`
}

// Equity returns available + hold − borrowed.
func (b BalanceSnapshot) Equity() decimal.Decimal {
	return b.Available.Add(b.Hold).Sub(b.Borrowed)
}

// BarHandler consumes bar events delivered through a façade subscription.
type BarHandler func(ctx context.Context, b *bar.Bar) error

// Exchange is the uniform surface strategies consume. All order methods
// return before any matching occurs; executions arrive later as OrderEvents.
// Errors carry the canonical codes shared by every implementation:
// insufficient_balance, invalid_order, order_not_found, rate_limited,
// connectivity.
type Exchange interface {
	// SubscribeToBarEvents routes bars for pair at period to h, in event
	// order, on the dispatcher task.
	SubscribeToBarEvents(pair Pair, period bar.Period, h BarHandler) error
	CreateMarketOrder(ctx context.Context, side Side, pair Pair, amount decimal.Decimal) (OrderInfo, error)
	CreateLimitOrder(ctx context.Context, side Side, pair Pair, amount, limit decimal.Decimal) (OrderInfo, error)
	CreateStopLimitOrder(ctx context.Context, side Side, pair Pair, amount, stop, limit decimal.Decimal) (OrderInfo, error)
	CancelOrder(ctx context.Context, id string) error
	GetOrderInfo(ctx context.Context, id string) (OrderInfo, error)
	GetOpenOrders(ctx context.Context, pair Pair) ([]OrderInfo, error)
	GetBalance(ctx context.Context, symbol string) (BalanceSnapshot, error)
}
