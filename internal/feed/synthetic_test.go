package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
)

func drain(t *testing.T, src event.Source, minEvents int, timeout time.Duration) []event.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var evs []event.Event
	for time.Now().Before(deadline) {
		if ev := src.Pop(); ev != nil {
			evs = append(evs, ev)
			if len(evs) >= minEvents {
				return evs
			}
			continue
		}
		if src.Terminated() {
			return evs
		}
		time.Sleep(time.Millisecond)
	}
	return evs
}

func TestWalkReplaysDeterministically(t *testing.T) {
	start := decimal.NewFromInt(100)
	a := newWalk(42, start, 0.01)
	b := newWalk(42, start, 0.01)
	other := newWalk(43, start, 0.01)

	diverged := false
	for i := 0; i < 100; i++ {
		ap, as := a.next()
		bp, bs := b.next()
		if !ap.Equal(bp) || !as.Equal(bs) {
			t.Fatalf("step %d: seed 42 diverged: (%s,%s) vs (%s,%s)", i, ap, as, bp, bs)
		}
		op, _ := other.next()
		if !ap.Equal(op) {
			diverged = true
		}
	}
	if !diverged {
		t.Fatal("seeds 42 and 43 produced identical walks")
	}
}

func TestWalkPricesStayPositive(t *testing.T) {
	w := newWalk(7, decimal.NewFromInt(50), 0.02)
	for i := 0; i < 5000; i++ {
		price, size := w.next()
		if !price.IsPositive() {
			t.Fatalf("step %d: price %s not positive", i, price)
		}
		if !size.IsPositive() || size.GreaterThan(decimal.NewFromInt(1)) {
			t.Fatalf("step %d: size %s outside (0, 1]", i, size)
		}
	}
}

func TestSyntheticEmitsOrderedTradesAndBars(t *testing.T) {
	s, err := New(Config{
		Symbol:     "BTC-USDT",
		Period:     bar.Period(5 * time.Millisecond),
		Interval:   time.Millisecond,
		Seed:       1,
		StartPrice: decimal.NewFromInt(100),
		Volatility: 0.01,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	evs := drain(t, s.Source(), 30, 5*time.Second)
	s.Stop()
	evs = append(evs, drain(t, s.Source(), 1<<20, time.Second)...)

	if len(evs) < 30 {
		t.Fatalf("collected %d events, want at least 30", len(evs))
	}
	var trades, bars int
	last := time.Time{}
	for i, ev := range evs {
		if ev.When().Before(last) {
			t.Fatalf("event %d at %s precedes %s", i, ev.When(), last)
		}
		last = ev.When()
		switch v := ev.(type) {
		case *bar.Trade:
			trades++
			if v.Symbol != "BTC-USDT" || !v.Price.IsPositive() {
				t.Fatalf("trade %d malformed: %+v", i, v)
			}
		case *bar.Bar:
			bars++
			if v.Symbol != "BTC-USDT" || v.Low.GreaterThan(v.High) {
				t.Fatalf("bar %d malformed: %+v", i, v)
			}
		default:
			t.Fatalf("event %d has unexpected type %T", i, ev)
		}
	}
	if trades == 0 || bars == 0 {
		t.Fatalf("stream carried %d trades and %d bars, want both kinds", trades, bars)
	}
	if !s.Source().Terminated() {
		t.Fatal("source not terminated after Stop and drain")
	}
}

func TestSyntheticStopIsSafeBeforeStartAndIdempotent(t *testing.T) {
	s, err := New(Config{Seed: 9})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Stop()
	s.Stop()
	if !s.Source().Terminated() {
		t.Fatal("stopped stream still live")
	}
	if s.Source().Producer() == nil {
		t.Fatal("buffer lost its producer")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{StartPrice: decimal.NewFromInt(-1)}); !isInvalid(err) {
		t.Fatalf("negative start price error = %v, want invalid", err)
	}
	if _, err := New(Config{Volatility: 1.5}); !isInvalid(err) {
		t.Fatalf("oversized volatility error = %v, want invalid", err)
	}
}

func isInvalid(err error) bool {
	var envelope *errs.E
	return errors.As(err, &envelope) && envelope.Code == errs.CodeInvalid
}
