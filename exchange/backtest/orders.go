package backtest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/internal/observability"
)

// managedOrder pairs the public order snapshot with the matcher's private
// bookkeeping: the funds held for it, the creation sequence used for FIFO
// ties, and per-bar trigger state.
type managedOrder struct {
	info      exchange.OrderInfo
	seq       int64
	holdSym   string
	holdLeft  decimal.Decimal
	notional  decimal.Decimal
	deferred  bool // market buy waiting for a first price to budget against
	triggered bool // stop crossed during the bar being processed
}

// OrderManager owns every order the simulated exchange has accepted and
// matches the working ones against incoming bars. All mutation happens on
// the dispatcher task; the mutex guards read access from elsewhere.
//
// Funds back every accepted order: buys hold quote (estimated cost plus the
// larger maker/taker fee), sells hold base. An order that cannot be funded
// is rejected at submission and never opens. Fills spend from the order's
// hold, so concurrent orders can never overdraw the book.
type OrderManager struct {
	mu        sync.Mutex
	balances  *AccountBalances
	fees      Fees
	liquidity Liquidity
	lending   *LendingPool
	now       func() time.Time
	emit      func(*exchange.OrderEvent)

	seq       int64
	orders    map[string]*managedOrder
	sequence  []*managedOrder
	lastPrice map[string]decimal.Decimal
}

// NewOrderManager returns a manager matching against the given balance book.
// Nil fees or liquidity fall back to the defaults. now supplies timestamps
// (the dispatcher clock in backtests); emit receives every order transition.
func NewOrderManager(balances *AccountBalances, fees Fees, liquidity Liquidity, now func() time.Time, emit func(*exchange.OrderEvent)) *OrderManager {
	if balances == nil {
		balances = NewAccountBalances(nil)
	}
	if fees == nil {
		fees = DefaultFees()
	}
	if liquidity == nil {
		liquidity = DefaultLiquidity()
	}
	if now == nil {
		now = func() time.Time { return time.Time{} }
	}
	if emit == nil {
		emit = func(*exchange.OrderEvent) {}
	}
	return &OrderManager{
		balances:  balances,
		fees:      fees,
		liquidity: liquidity,
		now:       now,
		emit:      emit,
		orders:    make(map[string]*managedOrder),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// EnableMargin lets funding shortfalls draw on the pool instead of rejecting
// the order.
func (m *OrderManager) EnableMargin(pool *LendingPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lending = pool
}

// CreateMarketOrder submits an order that fills at the liquidity model's
// representative price. A buy placed before any bar has been seen cannot be
// priced yet; it is accepted and budgeted against the first bar instead.
func (m *OrderManager) CreateMarketOrder(side exchange.Side, pair exchange.Pair, amount decimal.Decimal) (exchange.OrderInfo, error) {
	return m.submit(side, exchange.OrderTypeMarket, pair, amount, decimal.Zero, decimal.Zero)
}

// CreateLimitOrder submits an order that fills only at limit or better.
func (m *OrderManager) CreateLimitOrder(side exchange.Side, pair exchange.Pair, amount, limit decimal.Decimal) (exchange.OrderInfo, error) {
	return m.submit(side, exchange.OrderTypeLimit, pair, amount, decimal.Zero, limit)
}

// CreateStopLimitOrder submits a limit order held dormant until the stop
// price trades.
func (m *OrderManager) CreateStopLimitOrder(side exchange.Side, pair exchange.Pair, amount, stop, limit decimal.Decimal) (exchange.OrderInfo, error) {
	return m.submit(side, exchange.OrderTypeStopLimit, pair, amount, stop, limit)
}

func (m *OrderManager) submit(side exchange.Side, typ exchange.OrderType, pair exchange.Pair, amount, stop, limit decimal.Decimal) (exchange.OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateSubmission(side, typ, pair, amount, stop, limit); err != nil {
		return exchange.OrderInfo{}, err
	}
	if typ == exchange.OrderTypeStopLimit {
		if last, ok := m.lastPrice[pair.Symbol()]; ok {
			if side == exchange.SideBuy && stop.LessThanOrEqual(last) {
				return exchange.OrderInfo{}, errs.InvalidOrder(venueBacktest,
					fmt.Sprintf("buy stop %s at or below last price %s would trigger immediately", stop, last))
			}
			if side == exchange.SideSell && stop.GreaterThanOrEqual(last) {
				return exchange.OrderInfo{}, errs.InvalidOrder(venueBacktest,
					fmt.Sprintf("sell stop %s at or above last price %s would trigger immediately", stop, last))
			}
		}
	}

	at := m.now()
	m.seq++
	o := &managedOrder{
		seq: m.seq,
		info: exchange.OrderInfo{
			ID:          fmt.Sprintf("ord-%d", m.seq),
			Pair:        pair,
			Side:        side,
			Type:        typ,
			State:       exchange.OrderStateNew,
			Amount:      amount,
			LimitPrice:  limit,
			StopPrice:   stop,
			SubmittedAt: at,
			UpdatedAt:   at,
		},
	}

	var holdSym string
	var required decimal.Decimal
	switch {
	case side == exchange.SideSell:
		holdSym, required = pair.Base, amount
	case typ == exchange.OrderTypeMarket:
		last, ok := m.lastPrice[pair.Symbol()]
		if !ok {
			o.deferred = true
		} else {
			holdSym = pair.Quote
			required = last.Mul(amount).RoundUp(pair.QuotePrecision).
				Add(m.estimateFee(pair, side, last, amount))
		}
	default:
		holdSym = pair.Quote
		required = limit.Mul(amount).RoundUp(pair.QuotePrecision).
			Add(m.estimateFee(pair, side, limit, amount))
	}
	if !o.deferred {
		if err := m.holdWithMargin(holdSym, required, at); err != nil {
			m.orders[o.info.ID] = o
			m.sequence = append(m.sequence, o)
			m.reject(o, at, err)
			return cloneInfo(o.info), err
		}
		o.holdSym = holdSym
		o.holdLeft = required
	}

	if typ == exchange.OrderTypeStopLimit {
		o.info.State = exchange.OrderStatePendingTrigger
	} else {
		o.info.State = exchange.OrderStateOpen
	}
	m.orders[o.info.ID] = o
	m.sequence = append(m.sequence, o)
	m.emit(exchange.NewOrderEvent(at, cloneInfo(o.info), nil))
	return cloneInfo(o.info), nil
}

func validateSubmission(side exchange.Side, typ exchange.OrderType, pair exchange.Pair, amount, stop, limit decimal.Decimal) error {
	if side != exchange.SideBuy && side != exchange.SideSell {
		return errs.InvalidOrder(venueBacktest, fmt.Sprintf("unknown side %q", side))
	}
	if pair.Zero() {
		return errs.InvalidOrder(venueBacktest, "pair required")
	}
	if !amount.IsPositive() {
		return errs.InvalidOrder(venueBacktest, fmt.Sprintf("amount %s must be positive", amount))
	}
	if !amount.Equal(amount.Truncate(pair.BasePrecision)) {
		return errs.InvalidOrder(venueBacktest,
			fmt.Sprintf("amount %s finer than base precision %d", amount, pair.BasePrecision))
	}
	if typ != exchange.OrderTypeMarket {
		if !limit.IsPositive() {
			return errs.InvalidOrder(venueBacktest, fmt.Sprintf("limit price %s must be positive", limit))
		}
		if !limit.Equal(limit.Truncate(pair.QuotePrecision)) {
			return errs.InvalidOrder(venueBacktest,
				fmt.Sprintf("limit price %s finer than quote precision %d", limit, pair.QuotePrecision))
		}
	}
	if typ == exchange.OrderTypeStopLimit {
		if !stop.IsPositive() {
			return errs.InvalidOrder(venueBacktest, fmt.Sprintf("stop price %s must be positive", stop))
		}
		if !stop.Equal(stop.Truncate(pair.QuotePrecision)) {
			return errs.InvalidOrder(venueBacktest,
				fmt.Sprintf("stop price %s finer than quote precision %d", stop, pair.QuotePrecision))
		}
	}
	return nil
}

// holdWithMargin places the hold, borrowing any shortfall from the lending
// pool first when margin is enabled.
func (m *OrderManager) holdWithMargin(symbol string, amount decimal.Decimal, at time.Time) error {
	err := m.balances.Hold(symbol, amount)
	if err == nil || m.lending == nil || !errs.IsInsufficientBalance(err) {
		return err
	}
	short := amount.Sub(m.balances.Snapshot(symbol).Available)
	if !short.IsPositive() {
		return err
	}
	if _, berr := m.lending.Borrow(symbol, short, at); berr != nil {
		return err
	}
	return m.balances.Hold(symbol, amount)
}

func (m *OrderManager) reject(o *managedOrder, at time.Time, cause error) {
	o.info.State = exchange.OrderStateRejected
	o.info.UpdatedAt = at
	m.emit(exchange.NewOrderEvent(at, cloneInfo(o.info), nil))
	observability.Log().Warn("order rejected",
		observability.F("order_id", o.info.ID),
		observability.F("pair", o.info.Pair.Symbol()),
		observability.F("error", cause.Error()))
}

// CancelOrder releases the order's remaining hold and retires it. Terminal
// orders cannot be canceled.
func (m *OrderManager) CancelOrder(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return errs.OrderNotFound(venueBacktest, id)
	}
	if o.info.State.Terminal() {
		return errs.InvalidOrder(venueBacktest, fmt.Sprintf("order %s already %s", id, o.info.State))
	}
	if o.holdLeft.IsPositive() {
		if err := m.balances.Release(o.holdSym, o.holdLeft); err != nil {
			return fmt.Errorf("%w: releasing hold for canceled order %s: %w", dispatcher.ErrFatal, id, err)
		}
		o.holdLeft = decimal.Zero
	}
	at := m.now()
	o.info.State = exchange.OrderStateCanceled
	o.info.UpdatedAt = at
	m.emit(exchange.NewOrderEvent(at, cloneInfo(o.info), nil))
	return nil
}

// Order returns a snapshot of the order with the given id.
func (m *OrderManager) Order(id string) (exchange.OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return exchange.OrderInfo{}, errs.OrderNotFound(venueBacktest, id)
	}
	return cloneInfo(o.info), nil
}

// OpenOrders returns snapshots of every working order in creation order. A
// zero pair matches all pairs.
func (m *OrderManager) OpenOrders(pair exchange.Pair) []exchange.OrderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []exchange.OrderInfo
	for _, o := range m.sequence {
		if !o.info.State.Working() {
			continue
		}
		if !pair.Zero() && o.info.Pair.Symbol() != pair.Symbol() {
			continue
		}
		out = append(out, cloneInfo(o.info))
	}
	return out
}

// LastPrice reports the close of the latest bar seen for the symbol.
func (m *OrderManager) LastPrice(symbol string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastPrice[symbol]
	return last, ok
}

// ProcessBar matches working orders against one bar. Stops whose price
// traded within the bar's range trigger first, then orders fill in priority
// order until the bar's liquidity bucket runs out. Errors wrapping
// dispatcher.ErrFatal mean the balance book and the order book disagree and
// the run must stop.
func (m *OrderManager) ProcessBar(b *bar.Bar) error {
	if b == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	symbol := b.Symbol
	at := b.When()

	for _, o := range m.sequence {
		if o.info.State != exchange.OrderStatePendingTrigger || o.info.Pair.Symbol() != symbol {
			continue
		}
		stop := o.info.StopPrice
		crossed := (o.info.Side == exchange.SideBuy && b.High.GreaterThanOrEqual(stop)) ||
			(o.info.Side == exchange.SideSell && b.Low.LessThanOrEqual(stop))
		if !crossed {
			continue
		}
		o.info.State = exchange.OrderStateOpen
		o.info.UpdatedAt = at
		o.triggered = true
		m.emit(exchange.NewOrderEvent(at, cloneInfo(o.info), nil))
	}

	// Market buys accepted before any price was known get budgeted against
	// this bar, or rejected if the account cannot fund them.
	for _, o := range m.sequence {
		if !o.deferred || o.info.State != exchange.OrderStateOpen || o.info.Pair.Symbol() != symbol {
			continue
		}
		o.deferred = false
		pair := o.info.Pair
		basis := m.liquidity.Price(b, o.info.Side, decimal.Zero).Round(pair.QuotePrecision)
		required := basis.Mul(o.info.Remaining()).RoundUp(pair.QuotePrecision).
			Add(m.estimateFee(pair, o.info.Side, basis, o.info.Remaining()))
		if err := m.holdWithMargin(pair.Quote, required, at); err != nil {
			m.reject(o, at, err)
			continue
		}
		o.holdSym = pair.Quote
		o.holdLeft = required
	}

	working := make([]*managedOrder, 0, len(m.sequence))
	for _, o := range m.sequence {
		if o.info.Pair.Symbol() != symbol {
			continue
		}
		if st := o.info.State; st == exchange.OrderStateOpen || st == exchange.OrderStatePartiallyFilled {
			working = append(working, o)
		}
	}

	open := b.Open
	sort.SliceStable(working, func(i, j int) bool {
		a, c := working[i], working[j]
		if a.triggered != c.triggered {
			return a.triggered
		}
		am := a.info.Type == exchange.OrderTypeMarket
		cm := c.info.Type == exchange.OrderTypeMarket
		if am != cm {
			return am
		}
		if !am {
			ae, ce := priceEdge(a.info, open), priceEdge(c.info, open)
			if !ae.Equal(ce) {
				return ae.GreaterThan(ce)
			}
		}
		return a.seq < c.seq
	})

	bucket := m.liquidity.Available(b)
	consumed := decimal.Zero
	for _, o := range working {
		if consumed.GreaterThanOrEqual(bucket) {
			break
		}
		qty, err := m.fill(o, b, consumed, bucket)
		if err != nil {
			return err
		}
		consumed = consumed.Add(qty)
	}

	for _, o := range working {
		o.triggered = false
	}
	m.lastPrice[symbol] = b.Close
	return nil
}

// priceEdge ranks limit prices across both sides by how far they cross the
// bar open. Higher buys and lower sells rank first.
func priceEdge(info exchange.OrderInfo, open decimal.Decimal) decimal.Decimal {
	if info.Side == exchange.SideBuy {
		return info.LimitPrice.Sub(open)
	}
	return open.Sub(info.LimitPrice)
}

// fill executes at most one fill for the order against the bar. consumed is
// the base volume earlier orders already took from this bar and prices the
// slippage; bucket caps the bar's total fillable volume. It returns the base
// quantity filled.
func (m *OrderManager) fill(o *managedOrder, b *bar.Bar, consumed, bucket decimal.Decimal) (decimal.Decimal, error) {
	pair := o.info.Pair
	rep := m.liquidity.Price(b, o.info.Side, consumed).Round(pair.QuotePrecision)

	var price decimal.Decimal
	switch o.info.Type {
	case exchange.OrderTypeMarket:
		price = rep
	default:
		limit := o.info.LimitPrice
		if o.info.Side == exchange.SideBuy {
			if b.Low.GreaterThan(limit) {
				return decimal.Zero, nil
			}
			price = decimal.Min(limit, rep)
		} else {
			if b.High.LessThan(limit) {
				return decimal.Zero, nil
			}
			price = decimal.Max(limit, rep)
		}
	}
	if !price.IsPositive() {
		return decimal.Zero, nil
	}

	qty := decimal.Min(o.info.Remaining(), bucket.Sub(consumed)).Truncate(pair.BasePrecision)
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}
	maker := o.info.Type != exchange.OrderTypeMarket && !o.triggered

	// Shrink the fill until the paid leg fits what is still held for the
	// order. Fee rounding can make a split fill cost slightly more than the
	// single-fill estimate the hold was sized from.
	var fill exchange.Fill
	var feeMap map[string]decimal.Decimal
	var spend, receive decimal.Decimal
	var paidSym, recvSym string
	for {
		fill = exchange.Fill{
			OrderID: o.info.ID,
			Pair:    pair,
			Side:    o.info.Side,
			Amount:  qty,
			Price:   price,
			Maker:   maker,
			At:      b.When(),
		}
		feeMap = m.fees.Fee(fill)
		cost := price.Mul(qty)
		if o.info.Side == exchange.SideBuy {
			paidSym, recvSym = pair.Quote, pair.Base
			spend = cost.Add(feeMap[paidSym])
			receive = qty.Sub(feeMap[recvSym])
		} else {
			paidSym, recvSym = pair.Base, pair.Quote
			spend = qty.Add(feeMap[paidSym])
			receive = cost.Sub(feeMap[recvSym])
		}
		if spend.LessThanOrEqual(o.holdLeft) {
			break
		}
		scaled := qty.Mul(o.holdLeft).Div(spend).Truncate(pair.BasePrecision)
		if scaled.GreaterThanOrEqual(qty) {
			scaled = qty.Sub(decimal.New(1, -pair.BasePrecision))
		}
		qty = scaled
		if !qty.IsPositive() {
			return decimal.Zero, nil
		}
	}
	fill.Fees = feeMap

	completing := qty.Equal(o.info.Remaining())
	lines := []balanceLine{
		{op: opSpendHold, symbol: paidSym, amount: spend},
		{op: opCredit, symbol: recvSym, amount: receive},
	}
	if completing {
		if residual := o.holdLeft.Sub(spend); residual.IsPositive() {
			lines = append(lines, balanceLine{op: opRelease, symbol: o.holdSym, amount: residual})
		}
	}
	for _, sym := range sortedFeeSymbols(feeMap) {
		if sym == paidSym || sym == recvSym {
			continue
		}
		if amt := feeMap[sym]; amt.IsPositive() {
			lines = append(lines, balanceLine{op: opDebit, symbol: sym, amount: amt})
		}
	}
	if err := m.balances.apply(lines...); err != nil {
		return decimal.Zero, fmt.Errorf("%w: committing %s fill of %s at %s: %w",
			dispatcher.ErrFatal, o.info.ID, qty, price, err)
	}

	o.holdLeft = o.holdLeft.Sub(spend)
	if completing {
		o.holdLeft = decimal.Zero
	}
	o.notional = o.notional.Add(price.Mul(qty))
	o.info.Filled = o.info.Filled.Add(qty)
	o.info.AvgFillPrice = o.notional.Div(o.info.Filled).Round(pair.QuotePrecision)
	if o.info.Fees == nil {
		o.info.Fees = make(map[string]decimal.Decimal, len(feeMap))
	}
	for _, sym := range sortedFeeSymbols(feeMap) {
		if amt := feeMap[sym]; amt.IsPositive() {
			o.info.Fees[sym] = o.info.Fees[sym].Add(amt)
		}
	}
	o.info.UpdatedAt = b.When()
	if completing {
		o.info.State = exchange.OrderStateFilled
	} else {
		o.info.State = exchange.OrderStatePartiallyFilled
	}
	m.emit(exchange.NewOrderEvent(b.When(), cloneInfo(o.info), &fill))
	return qty, nil
}

// estimateFee returns the larger quote-denominated fee either liquidity role
// could charge for the probe fill, for sizing holds.
func (m *OrderManager) estimateFee(pair exchange.Pair, side exchange.Side, price, amount decimal.Decimal) decimal.Decimal {
	probe := exchange.Fill{Pair: pair, Side: side, Amount: amount, Price: price}
	est := m.fees.Fee(probe)[pair.Quote]
	probe.Maker = true
	if maker := m.fees.Fee(probe)[pair.Quote]; maker.GreaterThan(est) {
		est = maker
	}
	return est
}

func cloneInfo(in exchange.OrderInfo) exchange.OrderInfo {
	out := in
	if in.Fees != nil {
		out.Fees = make(map[string]decimal.Decimal, len(in.Fees))
		for sym, amt := range in.Fees {
			out.Fees[sym] = amt
		}
	}
	return out
}

func sortedFeeSymbols(fees map[string]decimal.Decimal) []string {
	syms := make([]string, 0, len(fees))
	for sym := range fees {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}
