package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/internal/observability"
)

type config struct {
	initial     map[string]decimal.Decimal
	fees        Fees
	liquidity   Liquidity
	lending     bool
	lendingRate decimal.Decimal
	accrueEvery time.Duration
}

// Option configures the simulated exchange.
type Option func(*config)

// WithInitialBalance seeds the account with amount of symbol.
func WithInitialBalance(symbol string, amount decimal.Decimal) Option {
	return func(c *config) {
		if c.initial == nil {
			c.initial = make(map[string]decimal.Decimal)
		}
		c.initial[symbol] = amount
	}
}

// WithFees replaces the default proportional fee model.
func WithFees(f Fees) Option {
	return func(c *config) {
		if f != nil {
			c.fees = f
		}
	}
}

// WithLiquidity replaces the default volume-share liquidity model.
func WithLiquidity(l Liquidity) Option {
	return func(c *config) {
		if l != nil {
			c.liquidity = l
		}
	}
}

// WithLending enables margin: funding shortfalls borrow from a pool charging
// hourlyRate, with interest accrued on the given cadence (defaults to one
// hour).
func WithLending(hourlyRate decimal.Decimal, accrueEvery time.Duration) Option {
	return func(c *config) {
		c.lending = true
		c.lendingRate = hourlyRate
		if accrueEvery > 0 {
			c.accrueEvery = accrueEvery
		}
	}
}

// Exchange is the simulated venue. Construction subscribes its matcher to
// bar events, so matching always runs before strategy handlers registered
// afterwards, and same-bar submissions never fill retroactively. Order
// transitions are re-emitted as KindOrder events through the exchange's own
// source.
type Exchange struct {
	d        dispatcher.Dispatcher
	balances *AccountBalances
	manager  *OrderManager
	pool     *LendingPool
	events   *event.Queue
	metrics  *venueMetrics

	accrueEvery time.Duration

	mu    sync.Mutex
	armed bool
}

var _ exchange.Exchange = (*Exchange)(nil)

// NewExchange builds a simulated exchange wired to the dispatcher.
func NewExchange(d dispatcher.Dispatcher, opts ...Option) (*Exchange, error) {
	if d == nil {
		return nil, errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage("exchange requires a dispatcher"))
	}
	cfg := config{accrueEvery: time.Hour}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Exchange{
		d:           d,
		balances:    NewAccountBalances(cfg.initial),
		events:      event.NewQueue(),
		metrics:     newVenueMetrics(),
		accrueEvery: cfg.accrueEvery,
	}
	e.manager = NewOrderManager(e.balances, cfg.fees, cfg.liquidity, d.Now, e.publish)
	if cfg.lending {
		pool, err := NewLendingPool(e.balances, cfg.lendingRate)
		if err != nil {
			return nil, err
		}
		e.pool = pool
		e.manager.EnableMargin(pool)
	}
	if err := d.AddSource(e.events); err != nil {
		return nil, err
	}
	d.Subscribe(bar.KindBar, e.onBar)
	return e, nil
}

// SubscribeToBarEvents routes bars matching pair and period to h. A zero
// period matches every period for the pair.
func (e *Exchange) SubscribeToBarEvents(pair exchange.Pair, period bar.Period, h exchange.BarHandler) error {
	if pair.Zero() {
		return errs.InvalidOrder(venueBacktest, "pair required")
	}
	if h == nil {
		return errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage("bar handler required"))
	}
	symbol := pair.Symbol()
	e.d.Subscribe(bar.KindBar, func(ctx context.Context, ev event.Event) error {
		b, ok := ev.(*bar.Bar)
		if !ok || b.Symbol != symbol {
			return nil
		}
		if period > 0 && b.Period != period {
			return nil
		}
		return h(ctx, b)
	})
	return nil
}

// CreateMarketOrder submits a market order. The snapshot reflects the
// submission outcome; executions arrive later as order events.
func (e *Exchange) CreateMarketOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount decimal.Decimal) (exchange.OrderInfo, error) {
	info, err := e.manager.CreateMarketOrder(side, pair, amount)
	if err == nil {
		e.metrics.orderSubmitted(ctx, info)
	}
	e.armAccrual()
	return info, err
}

// CreateLimitOrder submits a limit order.
func (e *Exchange) CreateLimitOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount, limit decimal.Decimal) (exchange.OrderInfo, error) {
	info, err := e.manager.CreateLimitOrder(side, pair, amount, limit)
	if err == nil {
		e.metrics.orderSubmitted(ctx, info)
	}
	e.armAccrual()
	return info, err
}

// CreateStopLimitOrder submits a stop-limit order.
func (e *Exchange) CreateStopLimitOrder(ctx context.Context, side exchange.Side, pair exchange.Pair, amount, stop, limit decimal.Decimal) (exchange.OrderInfo, error) {
	info, err := e.manager.CreateStopLimitOrder(side, pair, amount, stop, limit)
	if err == nil {
		e.metrics.orderSubmitted(ctx, info)
	}
	e.armAccrual()
	return info, err
}

// CancelOrder retires a working order and releases its hold.
func (e *Exchange) CancelOrder(_ context.Context, id string) error {
	return e.manager.CancelOrder(id)
}

// GetOrderInfo returns a snapshot of the order.
func (e *Exchange) GetOrderInfo(_ context.Context, id string) (exchange.OrderInfo, error) {
	return e.manager.Order(id)
}

// GetOpenOrders returns snapshots of working orders for the pair, in
// creation order.
func (e *Exchange) GetOpenOrders(_ context.Context, pair exchange.Pair) ([]exchange.OrderInfo, error) {
	return e.manager.OpenOrders(pair), nil
}

// GetBalance returns the account position for symbol.
func (e *Exchange) GetBalance(_ context.Context, symbol string) (exchange.BalanceSnapshot, error) {
	return e.balances.Snapshot(symbol), nil
}

// Balances exposes the account book for reporting.
func (e *Exchange) Balances() *AccountBalances { return e.balances }

// Lending returns the margin pool, or nil when margin is disabled.
func (e *Exchange) Lending() *LendingPool { return e.pool }

// Close settles the venue at the end of a run: interest is brought current
// and every loan still open is closed out and reported.
func (e *Exchange) Close() ([]Loan, error) {
	if e.pool == nil {
		return nil, nil
	}
	return e.pool.CloseAllLoans(e.d.Now())
}

func (e *Exchange) onBar(_ context.Context, ev event.Event) error {
	b, ok := ev.(*bar.Bar)
	if !ok {
		return nil
	}
	if err := e.manager.ProcessBar(b); err != nil {
		return err
	}
	e.armAccrual()
	return nil
}

// publish forwards an order transition into the dispatcher stream.
// Transitions made before the clock runs (strategy setup) have no instant
// yet and are not replayable; those orders stay queryable through the order
// API.
func (e *Exchange) publish(ev *exchange.OrderEvent) {
	if ev == nil || ev.When().IsZero() {
		return
	}
	if ev.Fill != nil {
		e.metrics.fillExecuted(context.Background(), ev.Fill)
	}
	if err := e.events.Push(ev); err != nil {
		observability.Log().Error("publishing order event failed",
			observability.F("order_id", ev.Order.ID),
			observability.F("error", err.Error()))
	}
}

// armAccrual schedules the interest callback once open loans exist. The
// callback reschedules itself while debt remains and disarms when everything
// is repaid; the next borrow arms it again.
func (e *Exchange) armAccrual() {
	if e.pool == nil || !e.pool.HasOpenLoans() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armed {
		return
	}
	now := e.d.Now()
	if now.IsZero() {
		// Clock not running yet; the first bar arms it.
		return
	}
	if err := e.d.Schedule(now.Add(e.accrueEvery), e.accrueTick); err != nil {
		observability.Log().Error("scheduling interest accrual failed",
			observability.F("error", err.Error()))
		return
	}
	e.armed = true
}

func (e *Exchange) accrueTick(_ context.Context, tick dispatcher.Tick) error {
	if err := e.pool.Accrue(tick.Due); err != nil {
		return fmt.Errorf("%w: interest accrual: %w", dispatcher.ErrFatal, err)
	}
	if !e.pool.HasOpenLoans() {
		e.mu.Lock()
		e.armed = false
		e.mu.Unlock()
		return nil
	}
	return tick.Schedule(tick.Due.Add(e.accrueEvery), e.accrueTick)
}
