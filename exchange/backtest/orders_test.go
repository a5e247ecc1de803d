package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
)

func btcusdt(t *testing.T) exchange.Pair {
	t.Helper()
	p, err := exchange.NewPair("BTC", "USDT", 4, 2)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return p
}

func hourBar(t *testing.T, symbol string, hour int, o, h, l, c, v string) *bar.Bar {
	t.Helper()
	b, err := bar.New(symbol, bar.Hour, time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC),
		dec(t, o), dec(t, h), dec(t, l), dec(t, c), dec(t, v))
	if err != nil {
		t.Fatalf("bar: %v", err)
	}
	return b
}

// orderRecorder captures every emitted order event for assertions.
type orderRecorder struct {
	events []*exchange.OrderEvent
}

func (r *orderRecorder) emit(ev *exchange.OrderEvent) { r.events = append(r.events, ev) }

func (r *orderRecorder) states(id string) []exchange.OrderState {
	var out []exchange.OrderState
	for _, ev := range r.events {
		if ev.Order.ID == id {
			out = append(out, ev.Order.State)
		}
	}
	return out
}

func (r *orderRecorder) fillIDs() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Fill != nil {
			out = append(out, ev.Order.ID)
		}
	}
	return out
}

func newTestManager(t *testing.T, usdt, btc string) (*OrderManager, *AccountBalances, *orderRecorder) {
	t.Helper()
	initial := make(map[string]decimal.Decimal)
	if usdt != "" {
		initial["USDT"] = dec(t, usdt)
	}
	if btc != "" {
		initial["BTC"] = dec(t, btc)
	}
	bals := NewAccountBalances(initial)
	rec := &orderRecorder{}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewOrderManager(bals, nil, nil, func() time.Time { return now }, rec.emit)
	return m, bals, rec
}

func wantStates(t *testing.T, got, want []exchange.OrderState) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("state sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state[%d] = %s, want %s (full %v)", i, got[i], want[i], got)
		}
	}
}

func TestMarketBuyFillsAtFirstBarOpenWithTakerFee(t *testing.T) {
	m, bals, rec := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	info, err := m.CreateMarketOrder(exchange.SideBuy, pair, dec(t, "1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.State != exchange.OrderStateOpen {
		t.Fatalf("state = %s, want OPEN", info.State)
	}

	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "110", "90", "105", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := m.Order(info.ID)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if got.State != exchange.OrderStateFilled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
	if !got.Filled.Equal(dec(t, "1")) || !got.AvgFillPrice.Equal(dec(t, "100")) {
		t.Fatalf("filled %s at %s, want 1 at 100", got.Filled, got.AvgFillPrice)
	}
	if !got.Fees["USDT"].Equal(dec(t, "0.2")) {
		t.Fatalf("fee = %s USDT, want 0.2", got.Fees["USDT"])
	}
	checkBalance(t, bals, "USDT", "9899.8", "0", "0")
	checkBalance(t, bals, "BTC", "1", "0", "0")

	fills := rec.fillIDs()
	if len(fills) != 1 || fills[0] != info.ID {
		t.Fatalf("fill events = %v, want one for %s", fills, info.ID)
	}
	last := rec.events[len(rec.events)-1]
	if last.Fill.Maker {
		t.Fatalf("market fill must be taker")
	}
	if !last.Fill.Price.Equal(dec(t, "100")) {
		t.Fatalf("fill price = %s, want bar open 100", last.Fill.Price)
	}
}

func TestLimitBuyWaitsForPriceThenFillsAtLimit(t *testing.T) {
	m, bals, rec := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "95"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	checkBalance(t, bals, "USDT", "9904.81", "95.19", "0")

	// Low 96 never reaches the limit.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "97", "98", "96", "97", "40")); err != nil {
		t.Fatalf("process bar 1: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateOpen || !got.Filled.IsZero() {
		t.Fatalf("after bar 1: state %s filled %s, want OPEN 0", got.State, got.Filled)
	}

	// Low 94 crosses; representative open 96 is worse than limit, so pay 95.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "96", "97", "94", "95", "40")); err != nil {
		t.Fatalf("process bar 2: %v", err)
	}
	got, _ = m.Order(info.ID)
	if got.State != exchange.OrderStateFilled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
	if !got.AvgFillPrice.Equal(dec(t, "95")) {
		t.Fatalf("avg price = %s, want 95", got.AvgFillPrice)
	}
	if !got.Fees["USDT"].Equal(dec(t, "0.10")) {
		t.Fatalf("maker fee = %s, want 0.10", got.Fees["USDT"])
	}
	checkBalance(t, bals, "USDT", "9904.90", "0", "0")
	checkBalance(t, bals, "BTC", "1", "0", "0")
	wantStates(t, rec.states(info.ID), []exchange.OrderState{exchange.OrderStateOpen, exchange.OrderStateFilled})
}

func TestLimitBuyAtExactBarLowFills(t *testing.T) {
	m, _, _ := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "95"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "97", "98", "95", "96", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateFilled || !got.AvgFillPrice.Equal(dec(t, "95")) {
		t.Fatalf("state %s at %s, want FILLED at 95", got.State, got.AvgFillPrice)
	}
}

func TestLimitSellHoldsBaseAndReceivesBetterOfLimitAndOpen(t *testing.T) {
	m, bals, _ := newTestManager(t, "", "2")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideSell, pair, dec(t, "1"), dec(t, "105"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	checkBalance(t, bals, "BTC", "1", "1", "0")

	// High 103 never reaches the limit.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "102", "103", "101", "102", "40")); err != nil {
		t.Fatalf("process bar 1: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateOpen {
		t.Fatalf("after bar 1: state %s, want OPEN", got.State)
	}

	// Open 106 beats the limit; the sell receives the representative price.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "106", "107", "104", "105", "40")); err != nil {
		t.Fatalf("process bar 2: %v", err)
	}
	got, _ = m.Order(info.ID)
	if got.State != exchange.OrderStateFilled || !got.AvgFillPrice.Equal(dec(t, "106")) {
		t.Fatalf("state %s at %s, want FILLED at 106", got.State, got.AvgFillPrice)
	}
	// Maker fee 106 × 0.001 rounded up at quote precision.
	checkBalance(t, bals, "BTC", "1", "0", "0")
	checkBalance(t, bals, "USDT", "105.89", "0", "0")
}

func TestStopLimitTriggersThenFillsAsTaker(t *testing.T) {
	m, bals, rec := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	// Seed the last price so the immediate-trigger guard has a reference.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "100", "100", "100", "10")); err != nil {
		t.Fatalf("seed bar: %v", err)
	}

	info, err := m.CreateStopLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "105"), dec(t, "106"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.State != exchange.OrderStatePendingTrigger {
		t.Fatalf("state = %s, want PENDING_TRIGGER", info.State)
	}

	// Stop untouched: high stays below 105.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "101", "104", "100", "103", "40")); err != nil {
		t.Fatalf("process bar 1: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStatePendingTrigger {
		t.Fatalf("state = %s, want PENDING_TRIGGER", got.State)
	}

	// High crosses the stop; the order opens and fills within the same bar.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 12, "104", "107", "103", "106", "40")); err != nil {
		t.Fatalf("process bar 2: %v", err)
	}
	got, _ = m.Order(info.ID)
	if got.State != exchange.OrderStateFilled || !got.AvgFillPrice.Equal(dec(t, "104")) {
		t.Fatalf("state %s at %s, want FILLED at 104", got.State, got.AvgFillPrice)
	}
	wantStates(t, rec.states(info.ID), []exchange.OrderState{
		exchange.OrderStatePendingTrigger,
		exchange.OrderStateOpen,
		exchange.OrderStateFilled,
	})
	last := rec.events[len(rec.events)-1]
	if last.Fill == nil || last.Fill.Maker {
		t.Fatalf("triggered stop must fill as taker")
	}
	// Taker fee 104 × 0.002 = 0.21 rounded up; residual hold released.
	checkBalance(t, bals, "USDT", "9895.79", "0", "0")
	checkBalance(t, bals, "BTC", "1", "0", "0")
}

func TestStopLimitRejectedWhenAlreadyTriggered(t *testing.T) {
	m, _, _ := newTestManager(t, "10000", "2")
	pair := btcusdt(t)
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "100", "100", "100", "10")); err != nil {
		t.Fatalf("seed bar: %v", err)
	}

	if _, err := m.CreateStopLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "99"), dec(t, "101")); !errs.IsInvalidOrder(err) {
		t.Fatalf("buy stop below last: expected invalid_order, got %v", err)
	}
	if _, err := m.CreateStopLimitOrder(exchange.SideSell, pair, dec(t, "1"), dec(t, "101"), dec(t, "99")); !errs.IsInvalidOrder(err) {
		t.Fatalf("sell stop above last: expected invalid_order, got %v", err)
	}
}

func TestMarketBuyWithExactBalanceDrainsToZero(t *testing.T) {
	m, bals, _ := newTestManager(t, "100.2", "")
	pair := btcusdt(t)
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "100", "100", "100", "40")); err != nil {
		t.Fatalf("seed bar: %v", err)
	}

	info, err := m.CreateMarketOrder(exchange.SideBuy, pair, dec(t, "1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	checkBalance(t, bals, "USDT", "0", "100.2", "0")

	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "100", "100", "100", "100", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateFilled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
	checkBalance(t, bals, "USDT", "0", "0", "0")
	checkBalance(t, bals, "BTC", "1", "0", "0")
}

func TestLimitBuyOnePrecisionUnitShortRejects(t *testing.T) {
	m, bals, rec := newTestManager(t, "100.19", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100"))
	if !errs.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	if info.State != exchange.OrderStateRejected {
		t.Fatalf("state = %s, want REJECTED", info.State)
	}
	checkBalance(t, bals, "USDT", "100.19", "0", "0")

	stored, err := m.Order(info.ID)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if stored.State != exchange.OrderStateRejected {
		t.Fatalf("stored state = %s, want REJECTED", stored.State)
	}
	if open := m.OpenOrders(exchange.Pair{}); len(open) != 0 {
		t.Fatalf("open orders = %v, want none", open)
	}
	wantStates(t, rec.states(info.ID), []exchange.OrderState{exchange.OrderStateRejected})
}

func TestLiquidityCapSplitsFillAcrossBars(t *testing.T) {
	m, bals, rec := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "2"), dec(t, "100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Volume 4 caps the fillable bucket at 1 base unit.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "101", "99", "100", "4")); err != nil {
		t.Fatalf("process bar 1: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStatePartiallyFilled || !got.Filled.Equal(dec(t, "1")) {
		t.Fatalf("after bar 1: state %s filled %s, want PARTIALLY_FILLED 1", got.State, got.Filled)
	}
	if open := m.OpenOrders(pair); len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "99", "100", "98", "99", "40")); err != nil {
		t.Fatalf("process bar 2: %v", err)
	}
	got, _ = m.Order(info.ID)
	if got.State != exchange.OrderStateFilled || !got.Filled.Equal(dec(t, "2")) {
		t.Fatalf("after bar 2: state %s filled %s, want FILLED 2", got.State, got.Filled)
	}
	if !got.AvgFillPrice.Equal(dec(t, "99.5")) {
		t.Fatalf("avg price = %s, want 99.5", got.AvgFillPrice)
	}
	if open := m.OpenOrders(pair); len(open) != 0 {
		t.Fatalf("open orders = %d, want 0", len(open))
	}
	// Fees: 100×0.001 = 0.1 then 99×0.001 rounded up to 0.10.
	if !got.Fees["USDT"].Equal(dec(t, "0.20")) {
		t.Fatalf("fees = %s, want 0.20", got.Fees["USDT"])
	}
	checkBalance(t, bals, "USDT", "9800.80", "0", "0")
	checkBalance(t, bals, "BTC", "2", "0", "0")
	if fills := rec.fillIDs(); len(fills) != 2 {
		t.Fatalf("fill events = %d, want 2", len(fills))
	}
}

func TestFillPriorityTriggeredMarketPriceThenFIFO(t *testing.T) {
	m, _, rec := newTestManager(t, "1000", "")
	pair := btcusdt(t)
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "100", "100", "100", "0")); err != nil {
		t.Fatalf("seed bar: %v", err)
	}

	worse, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "99"))
	if err != nil {
		t.Fatalf("worse limit: %v", err)
	}
	better, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100"))
	if err != nil {
		t.Fatalf("better limit: %v", err)
	}
	market, err := m.CreateMarketOrder(exchange.SideBuy, pair, dec(t, "1"))
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	stopped, err := m.CreateStopLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "101"), dec(t, "102"))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 11, "100", "102", "98", "100", "16")); err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []string{stopped.ID, market.ID, better.ID, worse.ID}
	got := rec.fillIDs()
	if len(got) != len(want) {
		t.Fatalf("fills = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fill order[%d] = %s, want %s (full %v)", i, got[i], want[i], got)
		}
	}
}

func TestCancelReleasesHoldAndBarNeverMatches(t *testing.T) {
	m, bals, _ := newTestManager(t, "1000", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	checkBalance(t, bals, "USDT", "899.80", "100.20", "0")

	if err := m.CancelOrder(info.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	checkBalance(t, bals, "USDT", "1000", "0", "0")

	// A bar that would have crossed the limit must not touch the order.
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "95", "96", "90", "92", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateCanceled || !got.Filled.IsZero() {
		t.Fatalf("state %s filled %s, want CANCELED 0", got.State, got.Filled)
	}
	checkBalance(t, bals, "USDT", "1000", "0", "0")
}

func TestCancelErrors(t *testing.T) {
	m, _, _ := newTestManager(t, "1000", "")
	pair := btcusdt(t)

	if err := m.CancelOrder("ord-404"); !errs.IsOrderNotFound(err) {
		t.Fatalf("unknown id: expected order_not_found, got %v", err)
	}

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CancelOrder(info.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.CancelOrder(info.ID); !errs.IsInvalidOrder(err) {
		t.Fatalf("cancel canceled: expected invalid_order, got %v", err)
	}
}

func TestSubmissionValidation(t *testing.T) {
	m, _, rec := newTestManager(t, "1000", "1")
	pair := btcusdt(t)

	cases := []struct {
		name string
		run  func() error
	}{
		{"zero amount", func() error {
			_, err := m.CreateMarketOrder(exchange.SideBuy, pair, decimal.Zero)
			return err
		}},
		{"amount finer than base precision", func() error {
			_, err := m.CreateMarketOrder(exchange.SideBuy, pair, dec(t, "0.00001"))
			return err
		}},
		{"zero limit", func() error {
			_, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), decimal.Zero)
			return err
		}},
		{"limit finer than quote precision", func() error {
			_, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100.001"))
			return err
		}},
		{"zero stop", func() error {
			_, err := m.CreateStopLimitOrder(exchange.SideSell, pair, dec(t, "1"), decimal.Zero, dec(t, "90"))
			return err
		}},
		{"unknown side", func() error {
			_, err := m.CreateMarketOrder(exchange.Side("hold"), pair, dec(t, "1"))
			return err
		}},
		{"zero pair", func() error {
			_, err := m.CreateMarketOrder(exchange.SideBuy, exchange.Pair{}, dec(t, "1"))
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.run(); !errs.IsInvalidOrder(err) {
			t.Fatalf("%s: expected invalid_order, got %v", tc.name, err)
		}
	}
	if len(rec.events) != 0 {
		t.Fatalf("validation failures must not emit events, got %d", len(rec.events))
	}
	if open := m.OpenOrders(exchange.Pair{}); len(open) != 0 {
		t.Fatalf("validation failures must not register orders, got %d", len(open))
	}
}

func TestDeferredMarketBuyRejectedWhenUnfundable(t *testing.T) {
	m, bals, rec := newTestManager(t, "10", "")
	pair := btcusdt(t)

	info, err := m.CreateMarketOrder(exchange.SideBuy, pair, dec(t, "1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "110", "90", "105", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateRejected {
		t.Fatalf("state = %s, want REJECTED", got.State)
	}
	checkBalance(t, bals, "USDT", "10", "0", "0")
	wantStates(t, rec.states(info.ID), []exchange.OrderState{exchange.OrderStateOpen, exchange.OrderStateRejected})
}

func TestOpenOrdersFiltersByPairInCreationOrder(t *testing.T) {
	m, _, _ := newTestManager(t, "10000", "")
	btc := btcusdt(t)
	eth, err := exchange.NewPair("ETH", "USDT", 4, 2)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}

	first, _ := m.CreateLimitOrder(exchange.SideBuy, btc, dec(t, "1"), dec(t, "100"))
	second, _ := m.CreateLimitOrder(exchange.SideBuy, eth, dec(t, "1"), dec(t, "50"))
	third, _ := m.CreateLimitOrder(exchange.SideBuy, btc, dec(t, "1"), dec(t, "99"))
	if err := m.CancelOrder(second.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	all := m.OpenOrders(exchange.Pair{})
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != third.ID {
		t.Fatalf("all open = %v, want [%s %s]", all, first.ID, third.ID)
	}
	btcOnly := m.OpenOrders(btc)
	if len(btcOnly) != 2 {
		t.Fatalf("btc open = %d, want 2", len(btcOnly))
	}
}

func TestLastPriceTracksBarClose(t *testing.T) {
	m, _, _ := newTestManager(t, "1000", "")
	pair := btcusdt(t)

	if _, ok := m.LastPrice(pair.Symbol()); ok {
		t.Fatalf("expected no last price before any bar")
	}
	if err := m.ProcessBar(hourBar(t, pair.Symbol(), 10, "100", "110", "90", "105", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	last, ok := m.LastPrice(pair.Symbol())
	if !ok || !last.Equal(dec(t, "105")) {
		t.Fatalf("last price = %s ok=%v, want 105", last, ok)
	}
}

func TestIdenticalRunsProduceIdenticalOutputs(t *testing.T) {
	run := func() []string {
		m, _, rec := newTestManager(t, "10000", "5")
		pair := btcusdt(t)

		if _, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "2"), dec(t, "100")); err != nil {
			t.Fatalf("limit buy: %v", err)
		}
		if _, err := m.CreateMarketOrder(exchange.SideSell, pair, dec(t, "1")); err != nil {
			t.Fatalf("market sell: %v", err)
		}
		bars := []*bar.Bar{
			hourBar(t, pair.Symbol(), 10, "100", "101", "99", "100", "6"),
			hourBar(t, pair.Symbol(), 11, "99", "100", "98", "99", "6"),
			hourBar(t, pair.Symbol(), 12, "98", "99", "97", "98", "6"),
		}
		for _, b := range bars {
			if err := m.ProcessBar(b); err != nil {
				t.Fatalf("process: %v", err)
			}
		}

		var out []string
		for _, ev := range rec.events {
			line := ev.Order.ID + "|" + string(ev.Order.State) + "|" + ev.Order.Filled.String() +
				"|" + ev.Order.AvgFillPrice.String() + "|" + ev.Order.Fees["USDT"].String()
			if ev.Fill != nil {
				line += "|fill=" + ev.Fill.Amount.String() + "@" + ev.Fill.Price.String()
			}
			out = append(out, line)
		}
		return out
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("output[%d] differs:\n  %s\n  %s", i, first[i], second[i])
		}
	}
}

func TestProcessBarIgnoresOtherSymbols(t *testing.T) {
	m, bals, _ := newTestManager(t, "10000", "")
	pair := btcusdt(t)

	info, err := m.CreateLimitOrder(exchange.SideBuy, pair, dec(t, "1"), dec(t, "100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.ProcessBar(hourBar(t, "ETH-USDT", 10, "90", "95", "85", "90", "40")); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := m.Order(info.ID)
	if got.State != exchange.OrderStateOpen || !got.Filled.IsZero() {
		t.Fatalf("state %s filled %s, want untouched OPEN", got.State, got.Filled)
	}
	checkBalance(t, bals, "USDT", "9899.80", "100.20", "0")
}
