package backtest

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/errs"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func checkBalance(t *testing.T, b *AccountBalances, symbol, available, hold, borrowed string) {
	t.Helper()
	snap := b.Snapshot(symbol)
	if !snap.Available.Equal(dec(t, available)) {
		t.Fatalf("%s available = %s, want %s", symbol, snap.Available, available)
	}
	if !snap.Hold.Equal(dec(t, hold)) {
		t.Fatalf("%s hold = %s, want %s", symbol, snap.Hold, hold)
	}
	if !snap.Borrowed.Equal(dec(t, borrowed)) {
		t.Fatalf("%s borrowed = %s, want %s", symbol, snap.Borrowed, borrowed)
	}
}

func TestBalancesHoldReleaseRestoresExactly(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "100.37")})

	if err := b.Hold("USDT", dec(t, "40.12")); err != nil {
		t.Fatalf("hold: %v", err)
	}
	checkBalance(t, b, "USDT", "60.25", "40.12", "0")

	if err := b.Release("USDT", dec(t, "40.12")); err != nil {
		t.Fatalf("release: %v", err)
	}
	checkBalance(t, b, "USDT", "100.37", "0", "0")
}

func TestBalancesHoldBeyondAvailableFails(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "10")})

	err := b.Hold("USDT", dec(t, "10.01"))
	if !errs.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	checkBalance(t, b, "USDT", "10", "0", "0")
}

func TestBalancesReleaseBeyondHoldFails(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "10")})
	if err := b.Hold("USDT", dec(t, "4")); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := b.Release("USDT", dec(t, "5")); !errs.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	checkBalance(t, b, "USDT", "6", "4", "0")
}

func TestBalancesTransferSpendsHoldAndCredits(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "1000")})
	if err := b.Hold("USDT", dec(t, "100.2")); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := b.Transfer("USDT", dec(t, "100.2"), "BTC", dec(t, "1")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	checkBalance(t, b, "USDT", "899.8", "0", "0")
	checkBalance(t, b, "BTC", "1", "0", "0")
}

func TestBalancesFailedTransferLeavesNothingApplied(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "1000")})
	if err := b.Hold("USDT", dec(t, "50")); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Spend exceeds the hold: the credit line must not land either.
	err := b.Transfer("USDT", dec(t, "60"), "BTC", dec(t, "1"))
	if !errs.IsInsufficientBalance(err) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	checkBalance(t, b, "USDT", "950", "50", "0")
	checkBalance(t, b, "BTC", "0", "0", "0")
}

func TestBalancesRejectNegativeAmounts(t *testing.T) {
	b := NewAccountBalances(nil)
	var e *errs.E
	if err := b.Deposit("USDT", dec(t, "-1")); !errors.As(err, &e) || e.Code != errs.CodeInvalid {
		t.Fatalf("expected invalid_request envelope, got %v", err)
	}
}

func TestBalancesRejectEmptySymbol(t *testing.T) {
	b := NewAccountBalances(nil)
	if err := b.Deposit("", dec(t, "1")); err == nil {
		t.Fatalf("expected error for empty symbol")
	}
}

func TestBalancesBorrowRepayRoundTrip(t *testing.T) {
	b := NewAccountBalances(nil)

	if err := b.Borrow("USDT", dec(t, "100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	checkBalance(t, b, "USDT", "100", "0", "100")

	if err := b.Repay("USDT", dec(t, "100")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	checkBalance(t, b, "USDT", "0", "0", "0")
}

func TestBalancesRepayBeyondBorrowedFails(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "50")})
	if err := b.Borrow("USDT", dec(t, "10")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := b.Repay("USDT", dec(t, "11")); err == nil {
		t.Fatalf("expected repay beyond borrowed to fail")
	}
	checkBalance(t, b, "USDT", "60", "0", "10")
}

func TestBalancesAccrueInterestGrowsDebtOnly(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{"USDT": dec(t, "25")})
	if err := b.Borrow("USDT", dec(t, "100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := b.AccrueInterest("USDT", dec(t, "0.5")); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	checkBalance(t, b, "USDT", "125", "0", "100.5")

	snap := b.Snapshot("USDT")
	if !snap.Equity().Equal(dec(t, "24.5")) {
		t.Fatalf("equity = %s, want 24.5", snap.Equity())
	}
}

func TestBalancesSymbolsSortedAndNonZeroOnly(t *testing.T) {
	b := NewAccountBalances(map[string]decimal.Decimal{
		"USDT": dec(t, "1"),
		"BTC":  dec(t, "2"),
		"ETH":  dec(t, "0"),
	})
	got := b.Symbols()
	if len(got) != 2 || got[0] != "BTC" || got[1] != "USDT" {
		t.Fatalf("symbols = %v, want [BTC USDT]", got)
	}
}
