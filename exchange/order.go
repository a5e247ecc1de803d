package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/event"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType enumerates the supported order flavors.
type OrderType string

const (
	OrderTypeMarket    OrderType = "Market"
	OrderTypeLimit     OrderType = "Limit"
	OrderTypeStopLimit OrderType = "StopLimit"
)

// OrderState is the lifecycle position of an order. The machine is
// NEW → OPEN → PARTIALLY_FILLED* → FILLED | CANCELED | REJECTED, with
// PENDING_TRIGGER preceding OPEN for stop-limits. Terminal states absorb.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePendingTrigger  OrderState = "PENDING_TRIGGER"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
)

// Terminal reports whether the state absorbs all further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Working reports whether the order still participates in matching or
// triggering.
func (s OrderState) Working() bool {
	switch s {
	case OrderStateOpen, OrderStatePartiallyFilled, OrderStatePendingTrigger:
		return true
	default:
		return false
	}
}

// OrderInfo is a point-in-time snapshot of one order. Zero decimal prices
// mean "not applicable" for the order type.
type OrderInfo struct {
	ID           string                     `json:"id"`
	Pair         Pair                       `json:"pair"`
	Side         Side                       `json:"side"`
	Type         OrderType                  `json:"type"`
	State        OrderState                 `json:"state"`
	Amount       decimal.Decimal            `json:"amount"`
	LimitPrice   decimal.Decimal            `json:"limit_price"`
	StopPrice    decimal.Decimal            `json:"stop_price"`
	Filled       decimal.Decimal            `json:"filled"`
	AvgFillPrice decimal.Decimal            `json:"avg_fill_price"`
	Fees         map[string]decimal.Decimal `json:"fees"`
	SubmittedAt  time.Time                  `json:"submitted_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Remaining returns the unfilled amount.
func (o OrderInfo) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Fill is one matching step against an order. Immutable once emitted.
type Fill struct {
	OrderID string                     `json:"order_id"`
	Pair    Pair                       `json:"pair"`
	Side    Side                       `json:"side"`
	Amount  decimal.Decimal            `json:"amount"`
	Price   decimal.Decimal            `json:"price"`
	Fees    map[string]decimal.Decimal `json:"fees"`
	Maker   bool                       `json:"maker"`
	At      time.Time                  `json:"at"`
}

// Notional returns amount × price in the quote symbol.
func (f Fill) Notional() decimal.Decimal {
	return f.Amount.Mul(f.Price)
}

// KindOrder tags order lifecycle events emitted by a façade.
const KindOrder event.Kind = "order"

// OrderEvent reports an order state change through the dispatcher. Fill is
// non-nil when a matching step produced the change.
type OrderEvent struct {
	event.Base
	Order OrderInfo
	Fill  *Fill
}

// NewOrderEvent snapshots an order change at the given instant.
func NewOrderEvent(at time.Time, order OrderInfo, fill *Fill) *OrderEvent {
	return &OrderEvent{Base: event.NewBase(KindOrder, at), Order: order, Fill: fill}
}
