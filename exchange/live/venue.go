// Package live provides the transport machinery concrete venue adapters are
// built from: a reconnecting websocket stream client, a rate-limited REST
// transport, an incremental order book, and a façade that routes the trading
// contract to a Venue while feeding its streams through a dispatcher.
package live

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/exchange"
)

// OrderSpec describes one order submission forwarded to a venue adapter. The
// ClientOrderID is assigned by the façade so retries stay idempotent on the
// venue side.
type OrderSpec struct {
	ClientOrderID string
	Pair          exchange.Pair
	Side          exchange.Side
	Type          exchange.OrderType
	Amount        decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
}

// Venue is the surface a concrete adapter exposes to the live façade.
// Subscription methods return dispatcher sources; the adapter's producers
// populate them from its transports. Start and Stop are idempotent.
type Venue interface {
	// Name identifies the venue in error envelopes and logs.
	Name() string
	// Start brings up the adapter's transports.
	Start(ctx context.Context) error
	// Stop tears them down. Safe to call repeatedly and before Start.
	Stop()

	// SubscribeBars returns a source yielding *bar.Bar events for pair at
	// period.
	SubscribeBars(pair exchange.Pair, period bar.Period) (event.Source, error)
	// SubscribeOrderBook returns a source of book updates for pair and the
	// book the adapter maintains from them.
	SubscribeOrderBook(pair exchange.Pair) (event.Source, *OrderBook, error)
	// OrderEvents returns the source carrying *exchange.OrderEvent updates
	// for orders submitted through this venue.
	OrderEvents() event.Source

	SubmitOrder(ctx context.Context, spec OrderSpec) (exchange.OrderInfo, error)
	CancelOrder(ctx context.Context, id string) error
	Order(ctx context.Context, id string) (exchange.OrderInfo, error)
	OpenOrders(ctx context.Context, pair exchange.Pair) ([]exchange.OrderInfo, error)
	Balance(ctx context.Context, symbol string) (exchange.BalanceSnapshot, error)
}
