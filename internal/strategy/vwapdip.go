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

var one = decimal.NewFromInt(1)

// VWAPDip bids dip below the rolling volume-weighted average price and
// requotes as the average drifts. Once the bid fills it holds until the
// close reverts to dip above VWAP, then exits at market.
type VWAPDip struct {
	Base
	window int
	dip    decimal.Decimal
	size   decimal.Decimal

	session   *Session
	pv        []decimal.Decimal
	vols      []decimal.Decimal
	openID    string
	lastQuote decimal.Decimal
	holding   bool
}

// NewVWAPDip builds the strategy; dip is a fraction of VWAP in (0, 1).
func NewVWAPDip(window int, dip, size decimal.Decimal) (*VWAPDip, error) {
	if window < 1 {
		return nil, errs.New(venueStrategy, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("window %d must be at least 1", window)))
	}
	if !dip.IsPositive() || dip.GreaterThanOrEqual(one) {
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("dip must be in (0, 1)"))
	}
	if !size.IsPositive() {
		return nil, errs.New(venueStrategy, errs.CodeInvalid, errs.WithMessage("size must be positive"))
	}
	return &VWAPDip{window: window, dip: dip, size: size}, nil
}

// Name implements Strategy.
func (v *VWAPDip) Name() string { return "vwap-dip" }

// OnStart implements Strategy.
func (v *VWAPDip) OnStart(_ context.Context, sess *Session) error {
	v.session = sess
	return nil
}

// OnBar implements Strategy.
func (v *VWAPDip) OnBar(ctx context.Context, b *bar.Bar) error {
	v.pv = append(v.pv, b.Close.Mul(b.Volume))
	v.vols = append(v.vols, b.Volume)
	if len(v.vols) > v.window {
		v.pv = v.pv[1:]
		v.vols = v.vols[1:]
	}
	if len(v.vols) < v.window {
		return nil
	}
	volume := decimal.Sum(decimal.Zero, v.vols...)
	if !volume.IsPositive() {
		return nil
	}
	vwap := decimal.Sum(decimal.Zero, v.pv...).Div(volume)

	if v.holding {
		if v.openID != "" {
			return nil
		}
		if b.Close.GreaterThanOrEqual(vwap.Mul(one.Add(v.dip))) {
			return v.exit(ctx)
		}
		return nil
	}

	level := vwap.Mul(one.Sub(v.dip)).Round(v.session.Pair().QuotePrecision)
	if !level.IsPositive() {
		return nil
	}
	if v.openID == "" {
		return v.quote(ctx, level)
	}
	if level.Equal(v.lastQuote) {
		return nil
	}
	// A terminal order rejects the cancel; its lifecycle event reconciles
	// state, so the requote just waits for the next bar.
	if err := v.session.Exchange().CancelOrder(ctx, v.openID); err != nil {
		return nil
	}
	v.openID = ""
	return v.quote(ctx, level)
}

func (v *VWAPDip) quote(ctx context.Context, level decimal.Decimal) error {
	info, err := v.session.Exchange().CreateLimitOrder(ctx, exchange.SideBuy, v.session.Pair(), v.size, level)
	if err != nil {
		if errs.IsInsufficientBalance(err) {
			observability.Log().Warn("bid skipped",
				observability.F("strategy", v.Name()),
				observability.F("level", level.String()),
				observability.F("error", err.Error()))
			return nil
		}
		return err
	}
	v.openID, v.lastQuote = info.ID, level
	return nil
}

func (v *VWAPDip) exit(ctx context.Context) error {
	info, err := v.session.Exchange().CreateMarketOrder(ctx, exchange.SideSell, v.session.Pair(), v.size)
	if err != nil {
		if errs.IsInsufficientBalance(err) {
			observability.Log().Warn("exit skipped",
				observability.F("strategy", v.Name()),
				observability.F("error", err.Error()))
			return nil
		}
		return err
	}
	v.openID = info.ID
	return nil
}

// OnOrderEvent implements Strategy.
func (v *VWAPDip) OnOrderEvent(_ context.Context, ev *exchange.OrderEvent) error {
	if ev.Order.ID != v.openID || !ev.Order.State.Terminal() {
		return nil
	}
	v.openID = ""
	if ev.Order.State == exchange.OrderStateFilled {
		v.holding = ev.Order.Side == exchange.SideBuy
	}
	return nil
}
