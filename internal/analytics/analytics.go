// Package analytics folds order events and price marks into cumulative run
// statistics: cash flow, open positions at average cost, realized and
// unrealized PnL, fees, peak equity and max drawdown.
package analytics

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/exchange"
)

// Tracker accumulates statistics for one run. All mutating methods run on
// the dispatcher task; Clone snapshots are safe to keep after the run.
// Equity is relative to the run start: it begins at zero and moves with
// realized and unrealized PnL net of fees.
type Tracker struct {
	orders map[string]struct{}
	fills  int
	volume decimal.Decimal

	cash      decimal.Decimal
	fees      map[string]decimal.Decimal
	positions map[string]position
	lastPrice map[string]decimal.Decimal

	realized    decimal.Decimal
	peakEquity  decimal.Decimal
	maxDrawdown decimal.Decimal
}

type position struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Position is one open holding in a Summary. Amount is signed: negative is
// short. Unrealized is zero until a price mark for the symbol arrives.
type Position struct {
	Amount     decimal.Decimal
	AvgEntry   decimal.Decimal
	LastPrice  decimal.Decimal
	Unrealized decimal.Decimal
}

// Summary is a point-in-time copy of a Tracker.
type Summary struct {
	Orders      int
	Fills       int
	Volume      decimal.Decimal
	Cash        decimal.Decimal
	Realized    decimal.Decimal
	Unrealized  decimal.Decimal
	Equity      decimal.Decimal
	PeakEquity  decimal.Decimal
	MaxDrawdown decimal.Decimal
	Fees        map[string]decimal.Decimal
	Positions   map[string]Position
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		orders:    make(map[string]struct{}),
		volume:    decimal.Zero,
		cash:      decimal.Zero,
		fees:      make(map[string]decimal.Decimal),
		positions: make(map[string]position),
		lastPrice: make(map[string]decimal.Decimal),
		realized:  decimal.Zero,
	}
}

// Observe folds one order event in. Every distinct order id counts once;
// events carrying a fill move cash, positions, and PnL.
func (t *Tracker) Observe(ev *exchange.OrderEvent) {
	if ev == nil {
		return
	}
	if id := ev.Order.ID; id != "" {
		t.orders[id] = struct{}{}
	}
	if ev.Fill != nil {
		t.applyFill(*ev.Fill)
	}
}

// ObserveBar marks the bar's close as the symbol's last price.
func (t *Tracker) ObserveBar(b *bar.Bar) {
	if b == nil {
		return
	}
	t.Mark(b.Symbol, b.Close)
}

// Mark records a fresh price for symbol and re-marks equity.
func (t *Tracker) Mark(symbol string, price decimal.Decimal) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	t.lastPrice[symbol] = price
	t.remark()
}

func (t *Tracker) applyFill(f exchange.Fill) {
	if !f.Amount.IsPositive() || !f.Price.IsPositive() {
		return
	}
	symbol := f.Pair.Symbol()
	notional := f.Notional()
	signed := f.Amount
	if f.Side == exchange.SideSell {
		signed = signed.Neg()
		t.cash = t.cash.Add(notional)
	} else {
		t.cash = t.cash.Sub(notional)
	}

	pos := t.positions[symbol]
	qty, avg := pos.qty, pos.avg
	if qty.IsZero() || qty.Sign() == signed.Sign() {
		total := qty.Abs().Add(f.Amount)
		avg = qty.Abs().Mul(avg).Add(f.Amount.Mul(f.Price)).Div(total)
		qty = qty.Add(signed)
	} else {
		closing := decimal.Min(f.Amount, qty.Abs())
		pnl := f.Price.Sub(avg).Mul(closing)
		if qty.Sign() < 0 {
			pnl = pnl.Neg()
		}
		t.realized = t.realized.Add(pnl)
		qty = qty.Add(signed)
		switch {
		case qty.IsZero():
			avg = decimal.Zero
		case qty.Sign() == signed.Sign():
			// Crossed through flat; the residue opened at the fill price.
			avg = f.Price
		}
	}

	for sym, amt := range f.Fees {
		if !amt.IsPositive() {
			continue
		}
		t.fees[sym] = t.fees[sym].Add(amt)
		switch sym {
		case f.Pair.Quote:
			t.cash = t.cash.Sub(amt)
		case f.Pair.Base:
			// Base-leg fees shrink the holding at unchanged average cost.
			qty = qty.Sub(amt)
		}
	}

	if qty.IsZero() {
		delete(t.positions, symbol)
	} else {
		t.positions[symbol] = position{qty: qty, avg: avg}
	}
	t.fills++
	t.volume = t.volume.Add(f.Amount)
	t.lastPrice[symbol] = f.Price
	t.remark()
}

// remark recomputes equity against the latest prices and pushes the peak and
// drawdown watermarks.
func (t *Tracker) remark() {
	equity := t.cash
	for symbol, pos := range t.positions {
		price, ok := t.lastPrice[symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		equity = equity.Add(pos.qty.Mul(price))
	}
	if equity.GreaterThan(t.peakEquity) {
		t.peakEquity = equity
	}
	if dd := t.peakEquity.Sub(equity); dd.GreaterThan(t.maxDrawdown) {
		t.maxDrawdown = dd
	}
}

// Clone snapshots the tracker.
func (t *Tracker) Clone() Summary {
	s := Summary{
		Orders:      len(t.orders),
		Fills:       t.fills,
		Volume:      t.volume,
		Cash:        t.cash,
		Realized:    t.realized,
		Unrealized:  decimal.Zero,
		PeakEquity:  t.peakEquity,
		MaxDrawdown: t.maxDrawdown,
		Fees:        make(map[string]decimal.Decimal, len(t.fees)),
		Positions:   make(map[string]Position, len(t.positions)),
	}
	equity := t.cash
	for symbol, pos := range t.positions {
		p := Position{Amount: pos.qty, AvgEntry: pos.avg}
		if price, ok := t.lastPrice[symbol]; ok && price.IsPositive() {
			p.LastPrice = price
			p.Unrealized = price.Sub(pos.avg).Mul(pos.qty)
			equity = equity.Add(pos.qty.Mul(price))
		}
		s.Unrealized = s.Unrealized.Add(p.Unrealized)
		s.Positions[symbol] = p
	}
	for sym, amt := range t.fees {
		s.Fees[sym] = amt
	}
	s.Equity = equity
	return s
}
