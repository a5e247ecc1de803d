package main

import (
	"testing"

	"github.com/coachpo/tempora/config"
)

func TestResolvePairDefaultsToFeedSymbol(t *testing.T) {
	pair, err := resolvePair(config.Default())
	if err != nil {
		t.Fatalf("resolvePair() error = %v", err)
	}
	if pair.Symbol() != "BTC-USDT" {
		t.Fatalf("pair = %s, want BTC-USDT", pair.Symbol())
	}
}

func TestResolvePairUsesDeclaredPairs(t *testing.T) {
	cfg := config.Default()
	cfg.Pairs = []config.PairConfig{
		{Base: "ETH", Quote: "USDT", BasePrecision: 8, QuotePrecision: 2},
	}

	pair, err := resolvePair(cfg)
	if err != nil {
		t.Fatalf("sole pair: %v", err)
	}
	if pair.Symbol() != "ETH-USDT" {
		t.Fatalf("pair = %s, want ETH-USDT", pair.Symbol())
	}

	cfg.Pairs = append(cfg.Pairs, config.PairConfig{
		Base: "SOL", Quote: "USDT", BasePrecision: 8, QuotePrecision: 2,
	})
	if _, err := resolvePair(cfg); err == nil {
		t.Fatal("ambiguous pair selection accepted")
	}

	cfg.Strategy.Pair = "SOL-USDT"
	pair, err = resolvePair(cfg)
	if err != nil {
		t.Fatalf("selected pair: %v", err)
	}
	if pair.Symbol() != "SOL-USDT" {
		t.Fatalf("pair = %s, want SOL-USDT", pair.Symbol())
	}
}
