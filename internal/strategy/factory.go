package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/config"
)

// FromConfig builds the named strategy with its configured parameters. An
// empty name selects the SMA cross; parameters absent from the config keep
// their defaults.
func FromConfig(sc config.StrategyConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Name)) {
	case "", "sma-cross":
		fast, err := intParam(sc, "fast", 10)
		if err != nil {
			return nil, err
		}
		slow, err := intParam(sc, "slow", 30)
		if err != nil {
			return nil, err
		}
		size, err := decimalParam(sc, "size", "1")
		if err != nil {
			return nil, err
		}
		return NewSMACross(fast, slow, size)
	case "vwap-dip":
		window, err := intParam(sc, "window", 20)
		if err != nil {
			return nil, err
		}
		dip, err := decimalParam(sc, "dip", "0.01")
		if err != nil {
			return nil, err
		}
		size, err := decimalParam(sc, "size", "1")
		if err != nil {
			return nil, err
		}
		return NewVWAPDip(window, dip, size)
	default:
		return nil, fmt.Errorf("unknown strategy %q (expected sma-cross or vwap-dip)", sc.Name)
	}
}

func intParam(sc config.StrategyConfig, name string, fallback int) (int, error) {
	raw := sc.Param(name, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("strategy param %s: invalid integer %q", name, raw)
	}
	return n, nil
}

func decimalParam(sc config.StrategyConfig, name, fallback string) (decimal.Decimal, error) {
	raw := sc.Param(name, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("strategy param %s: invalid decimal %q", name, raw)
	}
	return d, nil
}
