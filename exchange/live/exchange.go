package live

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
)

// Exchange adapts a Venue to the exchange.Exchange contract and wires the
// venue's streams into a dispatcher. Order submissions carry façade-assigned
// uuid client-order IDs; venue errors pass through when already canonical and
// are wrapped in an exchange envelope otherwise.
type Exchange struct {
	d     dispatcher.Dispatcher
	venue Venue
	newID func() string

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once

	mu      sync.Mutex
	barSrcs map[string]event.Source
	books   map[string]*OrderBook
}

var _ exchange.Exchange = (*Exchange)(nil)

// NewExchange builds the façade over venue and registers the venue's order
// event stream with the dispatcher.
func NewExchange(d dispatcher.Dispatcher, venue Venue) (*Exchange, error) {
	if d == nil {
		return nil, errs.New("live", errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	}
	if venue == nil {
		return nil, errs.New("live", errs.CodeInvalid, errs.WithMessage("venue required"))
	}
	e := &Exchange{
		d:       d,
		venue:   venue,
		newID:   uuid.NewString,
		barSrcs: make(map[string]event.Source),
		books:   make(map[string]*OrderBook),
	}
	if src := venue.OrderEvents(); src != nil {
		if err := d.AddSource(src); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start brings up the venue transports. Later calls return the first
// outcome.
func (e *Exchange) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.startErr = e.translate(e.venue.Start(ctx))
	})
	return e.startErr
}

// Stop tears the venue down. Idempotent.
func (e *Exchange) Stop() {
	e.stopOnce.Do(func() {
		e.venue.Stop()
	})
}

// SubscribeToBarEvents routes bars for pair at period to h on the dispatcher
// task. Live venues need a concrete period; zero is rejected. Repeat
// subscriptions for the same pair and period share one upstream stream.
func (e *Exchange) SubscribeToBarEvents(pair exchange.Pair, period bar.Period, h exchange.BarHandler) error {
	name := e.venue.Name()
	if pair.Zero() {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("pair required"))
	}
	if period <= 0 {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("period required"))
	}
	if h == nil {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("handler required"))
	}

	key := pair.Symbol() + "@" + period.String()
	e.mu.Lock()
	src, ok := e.barSrcs[key]
	e.mu.Unlock()
	if !ok {
		venueSrc, err := e.venue.SubscribeBars(pair, period)
		if err != nil {
			return e.translate(err)
		}
		if err := e.d.AddSource(venueSrc); err != nil {
			return err
		}
		e.mu.Lock()
		src = venueSrc
		e.barSrcs[key] = venueSrc
		e.mu.Unlock()
	}

	symbol := pair.Symbol()
	e.d.SubscribeToSource(src, func(ctx context.Context, ev event.Event) error {
		b, ok := ev.(*bar.Bar)
		if !ok || b.Symbol != symbol || b.Period != period {
			return nil
		}
		return h(ctx, b)
	})
	return nil
}

// SubscribeOrderBook wires the venue's book stream into the dispatcher and
// returns the book the venue maintains from it. Strategies read snapshots on
// the dispatcher task.
func (e *Exchange) SubscribeOrderBook(pair exchange.Pair) (*OrderBook, error) {
	name := e.venue.Name()
	if pair.Zero() {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("pair required"))
	}

	symbol := pair.Symbol()
	e.mu.Lock()
	if book, ok := e.books[symbol]; ok {
		e.mu.Unlock()
		return book, nil
	}
	e.mu.Unlock()

	src, book, err := e.venue.SubscribeOrderBook(pair)
	if err != nil {
		return nil, e.translate(err)
	}
	if src != nil {
		if err := e.d.AddSource(src); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	e.books[symbol] = book
	e.mu.Unlock()
	return book, nil
}

// Book returns the maintained book for pair, nil before SubscribeOrderBook.
func (e *Exchange) Book(pair exchange.Pair) *OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.books[pair.Symbol()]
}

// CreateMarketOrder submits a market order to the venue.
func (e *Exchange) CreateMarketOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount decimal.Decimal) (exchange.OrderInfo, error) {
	return e.submit(ctx, OrderSpec{
		Pair:   pair,
		Side:   side,
		Type:   exchange.OrderTypeMarket,
		Amount: amount,
	})
}

// CreateLimitOrder submits a limit order to the venue.
func (e *Exchange) CreateLimitOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount, limit decimal.Decimal) (exchange.OrderInfo, error) {
	return e.submit(ctx, OrderSpec{
		Pair:       pair,
		Side:       side,
		Type:       exchange.OrderTypeLimit,
		Amount:     amount,
		LimitPrice: limit,
	})
}

// CreateStopLimitOrder submits a stop-limit order to the venue.
func (e *Exchange) CreateStopLimitOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount, stop, limit decimal.Decimal) (exchange.OrderInfo, error) {
	return e.submit(ctx, OrderSpec{
		Pair:       pair,
		Side:       side,
		Type:       exchange.OrderTypeStopLimit,
		Amount:     amount,
		StopPrice:  stop,
		LimitPrice: limit,
	})
}

func (e *Exchange) submit(ctx context.Context, spec OrderSpec) (exchange.OrderInfo, error) {
	name := e.venue.Name()
	if spec.Side != exchange.SideBuy && spec.Side != exchange.SideSell {
		return exchange.OrderInfo{}, errs.InvalidOrder(name, "side must be Buy or Sell")
	}
	if spec.Pair.Zero() {
		return exchange.OrderInfo{}, errs.InvalidOrder(name, "pair required")
	}
	if !spec.Amount.IsPositive() {
		return exchange.OrderInfo{}, errs.InvalidOrder(name, "amount must be positive")
	}

	spec.ClientOrderID = e.newID()
	info, err := e.venue.SubmitOrder(ctx, spec)
	if err != nil {
		return exchange.OrderInfo{}, e.translate(err)
	}
	return info, nil
}

// CancelOrder cancels the venue order with the given id.
func (e *Exchange) CancelOrder(ctx context.Context, id string) error {
	return e.translate(e.venue.CancelOrder(ctx, id))
}

// GetOrderInfo fetches the current snapshot of one order.
func (e *Exchange) GetOrderInfo(ctx context.Context, id string) (exchange.OrderInfo, error) {
	info, err := e.venue.Order(ctx, id)
	if err != nil {
		return exchange.OrderInfo{}, e.translate(err)
	}
	return info, nil
}

// GetOpenOrders lists working orders, optionally filtered by pair.
func (e *Exchange) GetOpenOrders(ctx context.Context, pair exchange.Pair) ([]exchange.OrderInfo, error) {
	orders, err := e.venue.OpenOrders(ctx, pair)
	if err != nil {
		return nil, e.translate(err)
	}
	return orders, nil
}

// GetBalance fetches the venue balance snapshot for symbol.
func (e *Exchange) GetBalance(ctx context.Context, symbol string) (exchange.BalanceSnapshot, error) {
	snap, err := e.venue.Balance(ctx, symbol)
	if err != nil {
		return exchange.BalanceSnapshot{}, e.translate(err)
	}
	return snap, nil
}

// translate passes canonical envelopes through and wraps anything else as a
// venue exchange error.
func (e *Exchange) translate(err error) error {
	if err == nil {
		return nil
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	return errs.New(e.venue.Name(), errs.CodeExchange, errs.WithCause(err))
}
