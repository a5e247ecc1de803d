// Package exchange defines the trading vocabulary shared by every venue
// implementation: pairs, orders, balances, fills, and the façade interface
// strategies program against. Backtesting and live façades are
// interchangeable by this contract.
package exchange

import (
	"fmt"
	"strings"

	"github.com/coachpo/tempora/errs"
)

// Pair identifies a tradable instrument and its decimal precision.
// Quantities are expressed in Base at BasePrecision; prices and notionals in
// Quote at QuotePrecision.
type Pair struct {
	Base           string
	Quote          string
	BasePrecision  int32
	QuotePrecision int32
}

// NewPair validates and normalizes a pair definition. Symbols are
// upper-cased; precisions must be non-negative.
func NewPair(base, quote string, basePrecision, quotePrecision int32) (Pair, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	switch {
	case base == "" || quote == "":
		return Pair{}, errs.InvalidOrder("exchange", "pair requires base and quote symbols")
	case base == quote:
		return Pair{}, errs.InvalidOrder("exchange", fmt.Sprintf("pair %s-%s has identical legs", base, quote))
	case basePrecision < 0 || quotePrecision < 0:
		return Pair{}, errs.InvalidOrder("exchange", "pair precision cannot be negative")
	}
	return Pair{
		Base:           base,
		Quote:          quote,
		BasePrecision:  basePrecision,
		QuotePrecision: quotePrecision,
	}, nil
}

// Symbol returns the canonical dash form, e.g. "BTC-USDT".
func (p Pair) Symbol() string { return p.Base + "-" + p.Quote }

// String implements fmt.Stringer.
func (p Pair) String() string { return p.Symbol() }

// Zero reports whether the pair is unset.
func (p Pair) Zero() bool { return p.Base == "" && p.Quote == "" }
