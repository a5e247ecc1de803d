// Package bar defines OHLCV bars, the CSV format used for historical data,
// and the sources that feed bars into a dispatcher.
package bar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
)

const venueBar = "bar"

// Event kinds emitted by this package.
const (
	KindBar   event.Kind = "bar"
	KindTrade event.Kind = "trade"
)

// Period is the duration one bar aggregates over.
type Period time.Duration

// Common periods.
const (
	Minute = Period(time.Minute)
	Hour   = Period(time.Hour)
	Day    = Period(24 * time.Hour)
	Week   = Period(7 * 24 * time.Hour)
)

// Duration returns the period as a time.Duration.
func (p Period) Duration() time.Duration { return time.Duration(p) }

// String renders the compact form used in config files and subscriptions.
func (p Period) String() string {
	d := time.Duration(p)
	switch {
	case d <= 0:
		return d.String()
	case d%(7*24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(7*24*time.Hour)), 10) + "w"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return d.String()
	}
}

// ParsePeriod reads the compact form ("1m", "4h", "1d", "2w"). Forms without
// a day or week suffix fall through to time.ParseDuration.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("empty period"))
	}
	unit := time.Duration(0)
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	if unit > 0 {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, errs.New(venueBar, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("invalid period %q", s)))
		}
		return Period(time.Duration(n) * unit), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("invalid period %q", s)))
	}
	return Period(d), nil
}

// Bar is one OHLCV aggregate. Its event instant is the bar close.
type Bar struct {
	event.Base
	Symbol string
	Period Period
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// New validates and builds a bar timestamped at close.
func New(symbol string, period Period, closeAt time.Time, o, h, l, c, v decimal.Decimal) (*Bar, error) {
	switch {
	case symbol == "":
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("bar requires a symbol"))
	case period <= 0:
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("bar requires a positive period"))
	case closeAt.IsZero():
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("bar requires a close instant"))
	case l.GreaterThan(h):
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("low %s above high %s", l, h)))
	case o.LessThan(l) || o.GreaterThan(h):
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("open %s outside [%s, %s]", o, l, h)))
	case c.LessThan(l) || c.GreaterThan(h):
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("close %s outside [%s, %s]", c, l, h)))
	case v.IsNegative():
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("negative volume %s", v)))
	}
	return &Bar{
		Base:   event.NewBase(KindBar, closeAt),
		Symbol: symbol,
		Period: period,
		Open:   o,
		High:   h,
		Low:    l,
		Close:  c,
		Volume: v,
	}, nil
}

// Typical returns (high + low + close) / 3, the usual VWAP building block.
func (b *Bar) Typical() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// Trade is a single execution on a venue. Its event instant is the trade time.
type Trade struct {
	event.Base
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
}

// NewTrade validates and builds a trade event.
func NewTrade(symbol string, at time.Time, price, size decimal.Decimal) (*Trade, error) {
	switch {
	case symbol == "":
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("trade requires a symbol"))
	case at.IsZero():
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("trade requires an instant"))
	case !price.IsPositive():
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("non-positive price %s", price)))
	case !size.IsPositive():
		return nil, errs.New(venueBar, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("non-positive size %s", size)))
	}
	return &Trade{
		Base:   event.NewBase(KindTrade, at),
		Symbol: symbol,
		Price:  price,
		Size:   size,
	}, nil
}
