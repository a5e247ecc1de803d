package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/exchange"
)

// Liquidity bounds how much of a bar is fillable and derives the
// representative execution price as the bucket is consumed.
type Liquidity interface {
	// Available returns the per-bar fillable volume in base units.
	Available(b *bar.Bar) decimal.Decimal
	// Price returns the representative price after consumed base units have
	// already filled within this bar. Buys pay up, sells receive down.
	Price(b *bar.Bar, side exchange.Side, consumed decimal.Decimal) decimal.Decimal
}

// VolumeShare caps fills at a fraction of bar volume and charges slippage
// proportional to the share of the bar already consumed:
//
//	price = open × (1 ± SlippageFactor × consumed/volume)
//
// The zero SlippageFactor default makes the representative price the bar
// open.
type VolumeShare struct {
	Fraction       decimal.Decimal
	SlippageFactor decimal.Decimal
}

// DefaultLiquidity returns the quarter-volume, zero-slippage model.
func DefaultLiquidity() VolumeShare {
	return VolumeShare{Fraction: decimal.RequireFromString("0.25")}
}

// Available implements Liquidity.
func (v VolumeShare) Available(b *bar.Bar) decimal.Decimal {
	if v.Fraction.IsPositive() {
		return b.Volume.Mul(v.Fraction)
	}
	return decimal.Zero
}

// Price implements Liquidity.
func (v VolumeShare) Price(b *bar.Bar, side exchange.Side, consumed decimal.Decimal) decimal.Decimal {
	price := b.Open
	if !v.SlippageFactor.IsPositive() || !consumed.IsPositive() || !b.Volume.IsPositive() {
		return price
	}
	impact := v.SlippageFactor.Mul(consumed.Div(b.Volume))
	if side == exchange.SideSell {
		impact = impact.Neg()
	}
	return price.Mul(decimal.NewFromInt(1).Add(impact))
}
