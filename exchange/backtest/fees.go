package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/exchange"
)

// Fees prices one fill. The returned map is per-symbol so models may charge
// the quote leg, the base leg, or any mix; amounts must be non-negative.
type Fees interface {
	Fee(fill exchange.Fill) map[string]decimal.Decimal
}

// ProportionalFees charges a percentage of the fill notional on the quote
// symbol. Maker applies to orders that rested on the book before the bar,
// taker to everything else. Fees round up at quote precision, favoring the
// exchange.
type ProportionalFees struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// DefaultFees returns the standard 10/20 bps maker/taker schedule.
func DefaultFees() ProportionalFees {
	return ProportionalFees{
		MakerRate: decimal.RequireFromString("0.001"),
		TakerRate: decimal.RequireFromString("0.002"),
	}
}

// Fee implements Fees.
func (p ProportionalFees) Fee(fill exchange.Fill) map[string]decimal.Decimal {
	rate := p.TakerRate
	if fill.Maker {
		rate = p.MakerRate
	}
	if !rate.IsPositive() {
		return nil
	}
	fee := fill.Notional().Mul(rate).RoundUp(fill.Pair.QuotePrecision)
	if !fee.IsPositive() {
		return nil
	}
	return map[string]decimal.Decimal{fill.Pair.Quote: fee}
}
