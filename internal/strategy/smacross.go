package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/internal/observability"
)

// SMACross trades crosses of two simple moving averages of the close: when
// the fast average crosses above the slow it buys size at market, when it
// crosses back below it sells the position. At most one unit of exposure is
// held; a rejected entry restores the prior stance.
type SMACross struct {
	Base
	fast int
	slow int
	size decimal.Decimal

	session  *Session
	closes   []decimal.Decimal
	prevDiff decimal.Decimal
	havePrev bool
	long     bool
	pending  map[string]exchange.Side
}

// NewSMACross builds the strategy; fast must be shorter than slow.
func NewSMACross(fast, slow int, size decimal.Decimal) (*SMACross, error) {
	if fast < 1 || slow <= fast {
		return nil, errs.New(venueStrategy, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("windows %d/%d: fast must be at least 1 and shorter than slow", fast, slow)))
	}
	if !size.IsPositive() {
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("size must be positive"))
	}
	return &SMACross{
		fast:    fast,
		slow:    slow,
		size:    size,
		pending: make(map[string]exchange.Side),
	}, nil
}

// Name implements Strategy.
func (s *SMACross) Name() string { return "sma-cross" }

// OnStart implements Strategy.
func (s *SMACross) OnStart(_ context.Context, sess *Session) error {
	s.session = sess
	return nil
}

// OnBar implements Strategy.
func (s *SMACross) OnBar(ctx context.Context, b *bar.Bar) error {
	s.closes = append(s.closes, b.Close)
	if len(s.closes) > s.slow {
		s.closes = s.closes[1:]
	}
	if len(s.closes) < s.slow {
		return nil
	}

	diff := sma(s.closes[len(s.closes)-s.fast:]).Sub(sma(s.closes))
	crossUp := s.havePrev && !s.prevDiff.IsPositive() && diff.IsPositive()
	crossDown := s.havePrev && !s.prevDiff.IsNegative() && diff.IsNegative()
	s.prevDiff, s.havePrev = diff, true

	switch {
	case crossUp && !s.long:
		return s.flip(ctx, exchange.SideBuy)
	case crossDown && s.long:
		return s.flip(ctx, exchange.SideSell)
	}
	return nil
}

func (s *SMACross) flip(ctx context.Context, side exchange.Side) error {
	info, err := s.session.Exchange().CreateMarketOrder(ctx, side, s.session.Pair(), s.size)
	if err != nil {
		if errs.IsInsufficientBalance(err) {
			observability.Log().Warn("entry skipped",
				observability.F("strategy", s.Name()),
				observability.F("side", string(side)),
				observability.F("error", err.Error()))
			return nil
		}
		return err
	}
	s.pending[info.ID] = side
	s.long = side == exchange.SideBuy
	return nil
}

// OnOrderEvent implements Strategy. Only rejections of this strategy's own
// orders change state: the flip never landed, so the stance rolls back.
func (s *SMACross) OnOrderEvent(_ context.Context, ev *exchange.OrderEvent) error {
	side, ok := s.pending[ev.Order.ID]
	if !ok || !ev.Order.State.Terminal() {
		return nil
	}
	delete(s.pending, ev.Order.ID)
	if ev.Order.State == exchange.OrderStateRejected {
		s.long = side == exchange.SideSell
	}
	return nil
}

func sma(window []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}
