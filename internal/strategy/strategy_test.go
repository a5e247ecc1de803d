package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/exchange/backtest"
)

var sessionStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcPair(t *testing.T) exchange.Pair {
	t.Helper()
	pair, err := exchange.NewPair("BTC", "USDT", 8, 2)
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}
	return pair
}

// flatBar builds an hourly bar with one price for every leg.
func flatBar(t *testing.T, i int, px, vol string) *bar.Bar {
	t.Helper()
	p := dec(px)
	b, err := bar.New("BTC-USDT", bar.Hour, sessionStart.Add(time.Duration(i)*time.Hour), p, p, p, p, dec(vol))
	if err != nil {
		t.Fatalf("bar.New() error = %v", err)
	}
	return b
}

func ohlcBar(t *testing.T, i int, o, h, l, c, vol string) *bar.Bar {
	t.Helper()
	b, err := bar.New("BTC-USDT", bar.Hour, sessionStart.Add(time.Duration(i)*time.Hour),
		dec(o), dec(h), dec(l), dec(c), dec(vol))
	if err != nil {
		t.Fatalf("bar.New() error = %v", err)
	}
	return b
}

type sessionRig struct {
	d  *dispatcher.Backtesting
	ex *backtest.Exchange

	filled   int
	canceled int
}

// newSessionRig wires a funded simulator, the strategy, and the bar replay,
// counting terminal order events for assertions.
func newSessionRig(t *testing.T, strat Strategy, bars []event.Event, funds string) *sessionRig {
	t.Helper()
	d := dispatcher.NewBacktesting(dispatcher.WithStrictHandlers())
	ex, err := backtest.NewExchange(d, backtest.WithInitialBalance("USDT", dec(funds)))
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	src, err := event.NewReplaySource(bars...)
	if err != nil {
		t.Fatalf("NewReplaySource() error = %v", err)
	}
	if err := d.AddSource(src); err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}

	sess, err := NewSession(d, ex, btcPair(t), bar.Hour)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := Attach(context.Background(), sess, strat); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	rig := &sessionRig{d: d, ex: ex}
	d.Subscribe(exchange.KindOrder, func(_ context.Context, ev event.Event) error {
		oe, ok := ev.(*exchange.OrderEvent)
		if !ok {
			return nil
		}
		switch oe.Order.State {
		case exchange.OrderStateFilled:
			rig.filled++
		case exchange.OrderStateCanceled:
			rig.canceled++
		}
		return nil
	})
	return rig
}

func (r *sessionRig) run(t *testing.T, strat Strategy) {
	t.Helper()
	ctx := context.Background()
	if err := r.d.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := strat.OnStop(ctx); err != nil {
		t.Fatalf("OnStop() error = %v", err)
	}
}

func (r *sessionRig) checkBalance(t *testing.T, symbol, available string) {
	t.Helper()
	snap, err := r.ex.GetBalance(context.Background(), symbol)
	if err != nil {
		t.Fatalf("GetBalance(%s) error = %v", symbol, err)
	}
	if !snap.Available.Equal(dec(available)) {
		t.Fatalf("%s available = %s, want %s", symbol, snap.Available, available)
	}
	if !snap.Hold.IsZero() {
		t.Fatalf("%s hold = %s, want 0", symbol, snap.Hold)
	}
}

func TestSMACrossTradesGoldenAndDeathCross(t *testing.T) {
	strat, err := NewSMACross(2, 3, dec("1"))
	if err != nil {
		t.Fatalf("NewSMACross() error = %v", err)
	}

	// Downtrend to arm, rally to cross up, slump to cross back down. The
	// bar after each cross carries the same price, so market fills land at
	// the submission-time estimate.
	bars := []event.Event{
		flatBar(t, 1, "100", "100"),
		flatBar(t, 2, "90", "100"),
		flatBar(t, 3, "80", "100"),
		flatBar(t, 4, "120", "100"),
		flatBar(t, 5, "120", "100"),
		flatBar(t, 6, "60", "100"),
		flatBar(t, 7, "50", "100"),
	}
	rig := newSessionRig(t, strat, bars, "10000")
	rig.run(t, strat)

	if rig.filled != 2 || rig.canceled != 0 {
		t.Fatalf("filled/canceled = %d/%d, want 2/0", rig.filled, rig.canceled)
	}
	// Buy 1 at 120 (+0.24 taker), sell 1 at 50 (-0.10 taker).
	rig.checkBalance(t, "USDT", "9929.66")
	rig.checkBalance(t, "BTC", "0")

	open, err := rig.ex.GetOpenOrders(context.Background(), btcPair(t))
	if err != nil {
		t.Fatalf("GetOpenOrders() error = %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open orders = %d, want 0", len(open))
	}
}

func TestSMACrossHoldsThroughNoise(t *testing.T) {
	strat, err := NewSMACross(2, 3, dec("1"))
	if err != nil {
		t.Fatalf("NewSMACross() error = %v", err)
	}

	// Steady uptrend: the averages never cross back, so the single entry is
	// held to the end.
	bars := []event.Event{
		flatBar(t, 1, "100", "100"),
		flatBar(t, 2, "90", "100"),
		flatBar(t, 3, "80", "100"),
		flatBar(t, 4, "110", "100"),
		flatBar(t, 5, "110", "100"),
		flatBar(t, 6, "115", "100"),
		flatBar(t, 7, "120", "100"),
	}
	rig := newSessionRig(t, strat, bars, "10000")
	rig.run(t, strat)

	if rig.filled != 1 {
		t.Fatalf("filled = %d, want 1", rig.filled)
	}
	rig.checkBalance(t, "BTC", "1")
}

func TestVWAPDipBuysTheDipAndExitsOnReversion(t *testing.T) {
	strat, err := NewVWAPDip(2, dec("0.01"), dec("1"))
	if err != nil {
		t.Fatalf("NewVWAPDip() error = %v", err)
	}

	// Two flat bars arm the first bid at 99, a drift requotes it to 99.99,
	// the dip bar fills it at the 99.5 open, and the recovery bar triggers
	// the market exit at 101.
	bars := []event.Event{
		flatBar(t, 1, "100", "10"),
		flatBar(t, 2, "100", "10"),
		flatBar(t, 3, "102", "10"),
		ohlcBar(t, 4, "99.5", "99.5", "98", "98.5", "10"),
		flatBar(t, 5, "101", "10"),
		flatBar(t, 6, "101", "10"),
	}
	rig := newSessionRig(t, strat, bars, "10000")
	rig.run(t, strat)

	if rig.canceled != 1 {
		t.Fatalf("canceled = %d, want 1 requote", rig.canceled)
	}
	if rig.filled != 2 {
		t.Fatalf("filled = %d, want entry and exit", rig.filled)
	}
	// Buy 1 at 99.5 (+0.10 maker), sell 1 at 101 (-0.21 taker).
	rig.checkBalance(t, "USDT", "10001.19")
	rig.checkBalance(t, "BTC", "0")
}

func TestVWAPDipKeepsRestingBidWhileLevelHolds(t *testing.T) {
	strat, err := NewVWAPDip(2, dec("0.01"), dec("1"))
	if err != nil {
		t.Fatalf("NewVWAPDip() error = %v", err)
	}

	// VWAP never moves, so the initial bid stays put and never fills.
	bars := []event.Event{
		flatBar(t, 1, "100", "10"),
		flatBar(t, 2, "100", "10"),
		flatBar(t, 3, "100", "10"),
		flatBar(t, 4, "100", "10"),
	}
	rig := newSessionRig(t, strat, bars, "10000")
	rig.run(t, strat)

	if rig.canceled != 0 || rig.filled != 0 {
		t.Fatalf("canceled/filled = %d/%d, want 0/0", rig.canceled, rig.filled)
	}
	open, err := rig.ex.GetOpenOrders(context.Background(), btcPair(t))
	if err != nil {
		t.Fatalf("GetOpenOrders() error = %v", err)
	}
	if len(open) != 1 || !open[0].LimitPrice.Equal(dec("99")) {
		t.Fatalf("open orders = %+v, want one bid at 99", open)
	}
}

func TestStrategyConstructorsValidate(t *testing.T) {
	if _, err := NewSMACross(0, 3, dec("1")); err == nil {
		t.Fatal("NewSMACross accepted a zero fast window")
	}
	if _, err := NewSMACross(3, 3, dec("1")); err == nil {
		t.Fatal("NewSMACross accepted fast == slow")
	}
	if _, err := NewSMACross(2, 3, decimal.Zero); err == nil {
		t.Fatal("NewSMACross accepted zero size")
	}
	if _, err := NewVWAPDip(0, dec("0.01"), dec("1")); err == nil {
		t.Fatal("NewVWAPDip accepted a zero window")
	}
	if _, err := NewVWAPDip(2, dec("1"), dec("1")); err == nil {
		t.Fatal("NewVWAPDip accepted dip of 1")
	}
	if _, err := NewVWAPDip(2, dec("0.01"), decimal.Zero); err == nil {
		t.Fatal("NewVWAPDip accepted zero size")
	}
}

func TestNewSessionValidates(t *testing.T) {
	d := dispatcher.NewBacktesting()
	ex, err := backtest.NewExchange(d)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if _, err := NewSession(nil, ex, btcPair(t), bar.Hour); err == nil {
		t.Fatal("NewSession accepted a nil dispatcher")
	}
	if _, err := NewSession(d, nil, btcPair(t), bar.Hour); err == nil {
		t.Fatal("NewSession accepted a nil exchange")
	}
	if _, err := NewSession(d, ex, exchange.Pair{}, bar.Hour); err == nil {
		t.Fatal("NewSession accepted a zero pair")
	}
	if _, err := NewSession(d, ex, btcPair(t), 0); err == nil {
		t.Fatal("NewSession accepted a zero period")
	}
}
