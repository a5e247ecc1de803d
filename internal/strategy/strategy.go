// Package strategy defines the contract trading strategies program against
// and two reference implementations. A strategy is written once against a
// Session and runs unchanged under the backtesting and realtime dispatchers.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
)

const venueStrategy = "strategy"

// Strategy reacts to one session's market stream. Hooks run on the
// dispatcher task, so they must not block; errors are fatal to the run when
// the dispatcher uses strict handlers.
type Strategy interface {
	Name() string
	OnStart(ctx context.Context, s *Session) error
	OnBar(ctx context.Context, b *bar.Bar) error
	OnOrderEvent(ctx context.Context, ev *exchange.OrderEvent) error
	OnStop(ctx context.Context) error
}

// Base provides no-op defaults so strategies implement only the hooks they
// need.
type Base struct{}

// OnStart implements Strategy.
func (Base) OnStart(context.Context, *Session) error { return nil }

// OnBar implements Strategy.
func (Base) OnBar(context.Context, *bar.Bar) error { return nil }

// OnOrderEvent implements Strategy.
func (Base) OnOrderEvent(context.Context, *exchange.OrderEvent) error { return nil }

// OnStop implements Strategy.
func (Base) OnStop(context.Context) error { return nil }

// Session is the runtime a strategy trades through: one instrument on one
// exchange façade, plus dispatcher time and scheduling.
type Session struct {
	d      dispatcher.Dispatcher
	ex     exchange.Exchange
	pair   exchange.Pair
	period bar.Period
}

// NewSession binds an instrument to a dispatcher and façade.
func NewSession(d dispatcher.Dispatcher, ex exchange.Exchange, pair exchange.Pair, period bar.Period) (*Session, error) {
	switch {
	case d == nil:
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	case ex == nil:
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("exchange required"))
	case pair.Zero():
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("pair required"))
	case period <= 0:
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("period required"))
	}
	return &Session{d: d, ex: ex, pair: pair, period: period}, nil
}

// Exchange returns the façade orders go through.
func (s *Session) Exchange() exchange.Exchange { return s.ex }

// Pair returns the session instrument.
func (s *Session) Pair() exchange.Pair { return s.pair }

// Period returns the bar period the session trades on.
func (s *Session) Period() bar.Period { return s.period }

// Now returns the dispatcher's current time.
func (s *Session) Now() time.Time { return s.d.Now() }

// Schedule enqueues cb on the session dispatcher.
func (s *Session) Schedule(when time.Time, cb dispatcher.Callback) error {
	return s.d.Schedule(when, cb)
}

// Attach runs strat's OnStart and subscribes its bar and order-event hooks.
// The caller runs OnStop after the dispatcher returns.
func Attach(ctx context.Context, s *Session, strat Strategy) error {
	if s == nil {
		return errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("session required"))
	}
	if strat == nil {
		return errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("strategy required"))
	}
	if err := strat.OnStart(ctx, s); err != nil {
		return fmt.Errorf("start %s: %w", strat.Name(), err)
	}
	if err := s.ex.SubscribeToBarEvents(s.pair, s.period, strat.OnBar); err != nil {
		return err
	}
	s.d.Subscribe(exchange.KindOrder, func(ctx context.Context, ev event.Event) error {
		oe, ok := ev.(*exchange.OrderEvent)
		if !ok {
			return nil
		}
		return strat.OnOrderEvent(ctx, oe)
	})
	return nil
}
