// Package backtest implements the simulated exchange: order matching over
// bars, transactional balances, fee and liquidity models, and an optional
// lending pool for margin. Everything runs on the dispatcher task;
// determinism is part of the contract.
package backtest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/exchange"
)

const venueBacktest = "backtest"

// balanceOp is one line of a balance transaction.
type balanceOp int

const (
	opDeposit balanceOp = iota
	opHold
	opRelease
	opSpendHold
	opCredit
	opDebit
	opBorrow
	opRepay
)

type balanceLine struct {
	op     balanceOp
	symbol string
	amount decimal.Decimal
}

type balance struct {
	available decimal.Decimal
	hold      decimal.Decimal
	borrowed  decimal.Decimal
}

// AccountBalances tracks per-symbol (available, hold, borrowed). Every
// mutation is transactional: a multi-line update commits fully or not at all,
// and no line may drive any column negative.
type AccountBalances struct {
	mu       sync.RWMutex
	balances map[string]balance
}

// NewAccountBalances builds a balance book funded with the initial deposits.
func NewAccountBalances(initial map[string]decimal.Decimal) *AccountBalances {
	b := &AccountBalances{balances: make(map[string]balance)}
	for symbol, amount := range initial {
		if amount.IsPositive() {
			b.balances[symbol] = balance{available: amount}
		}
	}
	return b
}

// Deposit adds funds to a symbol's available column.
func (b *AccountBalances) Deposit(symbol string, amount decimal.Decimal) error {
	return b.apply(balanceLine{op: opDeposit, symbol: symbol, amount: amount})
}

// Hold reserves amount of symbol against a live order.
func (b *AccountBalances) Hold(symbol string, amount decimal.Decimal) error {
	return b.apply(balanceLine{op: opHold, symbol: symbol, amount: amount})
}

// Release returns held funds to available. Exact inverse of Hold.
func (b *AccountBalances) Release(symbol string, amount decimal.Decimal) error {
	return b.apply(balanceLine{op: opRelease, symbol: symbol, amount: amount})
}

// Transfer consumes fromAmount from the hold column of fromSymbol and credits
// toAmount to the available column of toSymbol, atomically. Used on fills.
func (b *AccountBalances) Transfer(fromSymbol string, fromAmount decimal.Decimal, toSymbol string, toAmount decimal.Decimal) error {
	return b.apply(
		balanceLine{op: opSpendHold, symbol: fromSymbol, amount: fromAmount},
		balanceLine{op: opCredit, symbol: toSymbol, amount: toAmount},
	)
}

// Borrow credits amount to available and records it as borrowed.
func (b *AccountBalances) Borrow(symbol string, amount decimal.Decimal) error {
	return b.apply(balanceLine{op: opBorrow, symbol: symbol, amount: amount})
}

// Repay debits amount from available and reduces borrowed.
func (b *AccountBalances) Repay(symbol string, amount decimal.Decimal) error {
	return b.apply(balanceLine{op: opRepay, symbol: symbol, amount: amount})
}

// AccrueInterest grows the borrowed column without crediting funds, so owed
// interest is reflected in equity as it accrues.
func (b *AccountBalances) AccrueInterest(symbol string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	return b.apply(balanceLine{op: opBorrow, symbol: symbol, amount: amount},
		balanceLine{op: opDebit, symbol: symbol, amount: amount})
}

// Snapshot returns the current position for one symbol.
func (b *AccountBalances) Snapshot(symbol string) exchange.BalanceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal := b.balances[symbol]
	return exchange.BalanceSnapshot{
		Symbol:    symbol,
		Available: bal.available,
		Hold:      bal.hold,
		Borrowed:  bal.borrowed,
	}
}

// Symbols lists every symbol with any non-zero column, sorted.
func (b *AccountBalances) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.balances))
	for symbol, bal := range b.balances {
		if bal.available.IsZero() && bal.hold.IsZero() && bal.borrowed.IsZero() {
			continue
		}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// apply validates every line against a working copy, then commits. Either
// all lines land or none do.
func (b *AccountBalances) apply(lines ...balanceLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[string]balance, len(lines))
	get := func(symbol string) balance {
		if bal, ok := staged[symbol]; ok {
			return bal
		}
		return b.balances[symbol]
	}

	for _, line := range lines {
		if line.symbol == "" {
			return errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage("balance line requires a symbol"))
		}
		if line.amount.IsNegative() {
			return errs.New(venueBacktest, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("negative %s amount %s", line.symbol, line.amount)))
		}
		bal := get(line.symbol)
		switch line.op {
		case opDeposit, opCredit:
			bal.available = bal.available.Add(line.amount)
		case opHold:
			if bal.available.LessThan(line.amount) {
				return errs.InsufficientBalance(venueBacktest,
					fmt.Sprintf("hold %s %s exceeds available %s", line.amount, line.symbol, bal.available))
			}
			bal.available = bal.available.Sub(line.amount)
			bal.hold = bal.hold.Add(line.amount)
		case opRelease:
			if bal.hold.LessThan(line.amount) {
				return errs.InsufficientBalance(venueBacktest,
					fmt.Sprintf("release %s %s exceeds hold %s", line.amount, line.symbol, bal.hold))
			}
			bal.hold = bal.hold.Sub(line.amount)
			bal.available = bal.available.Add(line.amount)
		case opSpendHold:
			if bal.hold.LessThan(line.amount) {
				return errs.InsufficientBalance(venueBacktest,
					fmt.Sprintf("spend %s %s exceeds hold %s", line.amount, line.symbol, bal.hold))
			}
			bal.hold = bal.hold.Sub(line.amount)
		case opDebit:
			if bal.available.LessThan(line.amount) {
				return errs.InsufficientBalance(venueBacktest,
					fmt.Sprintf("debit %s %s exceeds available %s", line.amount, line.symbol, bal.available))
			}
			bal.available = bal.available.Sub(line.amount)
		case opBorrow:
			bal.available = bal.available.Add(line.amount)
			bal.borrowed = bal.borrowed.Add(line.amount)
		case opRepay:
			if bal.available.LessThan(line.amount) {
				return errs.InsufficientBalance(venueBacktest,
					fmt.Sprintf("repay %s %s exceeds available %s", line.amount, line.symbol, bal.available))
			}
			if bal.borrowed.LessThan(line.amount) {
				return errs.New(venueBacktest, errs.CodeInvalid,
					errs.WithMessage(fmt.Sprintf("repay %s %s exceeds borrowed %s", line.amount, line.symbol, bal.borrowed)))
			}
			bal.available = bal.available.Sub(line.amount)
			bal.borrowed = bal.borrowed.Sub(line.amount)
		}
		staged[line.symbol] = bal
	}

	for symbol, bal := range staged {
		b.balances[symbol] = bal
	}
	return nil
}
