package backtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/internal/observability"
)

// interestPrecision is the scale interest amounts are rounded up to.
const interestPrecision = 8

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// Loan is borrowed balance accruing interest. Outstanding debt is principal
// plus accrued; repayments retire accrued interest first.
type Loan struct {
	ID        string
	Symbol    string
	Principal decimal.Decimal
	Accrued   decimal.Decimal
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// Outstanding returns principal + accrued.
func (l Loan) Outstanding() decimal.Decimal {
	return l.Principal.Add(l.Accrued)
}

// Closed reports whether the loan is fully repaid.
func (l Loan) Closed() bool { return !l.ClosedAt.IsZero() }

type loan struct {
	Loan
	accruedAt time.Time
}

// LendingPool enables margin by crediting borrowed funds against the balance
// book and accruing interest over simulated time. Loan IDs are sequential so
// identical runs produce identical ledgers.
type LendingPool struct {
	mu       sync.Mutex
	balances *AccountBalances
	rate     decimal.Decimal
	seq      int
	loans    []*loan
	byID     map[string]*loan
}

// NewLendingPool builds a pool charging hourlyRate interest per hour on open
// principal.
func NewLendingPool(balances *AccountBalances, hourlyRate decimal.Decimal) (*LendingPool, error) {
	if balances == nil {
		return nil, errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage("lending pool requires balances"))
	}
	if hourlyRate.IsNegative() {
		return nil, errs.New(venueBacktest, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("negative interest rate %s", hourlyRate)))
	}
	return &LendingPool{
		balances: balances,
		rate:     hourlyRate,
		byID:     make(map[string]*loan),
	}, nil
}

// Borrow credits amount of symbol and opens a loan at the given instant.
func (p *LendingPool) Borrow(symbol string, amount decimal.Decimal, at time.Time) (Loan, error) {
	if symbol == "" {
		return Loan{}, errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage("borrow requires a symbol"))
	}
	if !amount.IsPositive() {
		return Loan{}, errs.New(venueBacktest, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("borrow amount %s must be positive", amount)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.balances.Borrow(symbol, amount); err != nil {
		return Loan{}, err
	}
	p.seq++
	l := &loan{
		Loan: Loan{
			ID:        fmt.Sprintf("loan-%d", p.seq),
			Symbol:    symbol,
			Principal: amount,
			OpenedAt:  at.UTC(),
		},
		accruedAt: at.UTC(),
	}
	p.loans = append(p.loans, l)
	p.byID[l.ID] = l
	return l.Loan, nil
}

// Repay retires amount of the loan's outstanding debt at the given instant,
// accrued interest first. Paying more than outstanding is rejected.
func (p *LendingPool) Repay(id string, amount decimal.Decimal, at time.Time) error {
	if !amount.IsPositive() {
		return errs.New(venueBacktest, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("repay amount %s must be positive", amount)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.byID[id]
	if !ok {
		return errs.New(venueBacktest, errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("loan %s not found", id)))
	}
	if l.Closed() {
		return errs.New(venueBacktest, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("loan %s already closed", id)))
	}
	if err := p.accrueLoan(l, at); err != nil {
		return err
	}
	if amount.GreaterThan(l.Outstanding()) {
		return errs.New(venueBacktest, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("repay %s exceeds outstanding %s on loan %s", amount, l.Outstanding(), id)))
	}
	if err := p.balances.Repay(l.Symbol, amount); err != nil {
		return err
	}
	fromAccrued := decimal.Min(amount, l.Accrued)
	l.Accrued = l.Accrued.Sub(fromAccrued)
	l.Principal = l.Principal.Sub(amount.Sub(fromAccrued))
	if l.Outstanding().IsZero() {
		l.ClosedAt = at.UTC()
	}
	return nil
}

// Accrue advances interest on every open loan to the given instant.
func (p *LendingPool) Accrue(until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.loans {
		if l.Closed() {
			continue
		}
		if err := p.accrueLoan(l, until); err != nil {
			return err
		}
	}
	return nil
}

// accrueLoan charges principal × rate × elapsed-hours, rounded up. Caller
// holds the lock. A loan opened before the clock was set anchors at the
// first accrual instant instead of charging for unset time.
func (p *LendingPool) accrueLoan(l *loan, until time.Time) error {
	until = until.UTC()
	if l.accruedAt.IsZero() {
		l.accruedAt = until
		return nil
	}
	if !until.After(l.accruedAt) {
		return nil
	}
	elapsed := decimal.NewFromInt(int64(until.Sub(l.accruedAt)))
	interest := l.Principal.Mul(p.rate).Mul(elapsed.Div(nanosPerHour)).RoundUp(interestPrecision)
	l.accruedAt = until
	if !interest.IsPositive() {
		return nil
	}
	if err := p.balances.AccrueInterest(l.Symbol, interest); err != nil {
		return err
	}
	l.Accrued = l.Accrued.Add(interest)
	return nil
}

// HasOpenLoans reports whether any loan still carries outstanding debt.
func (p *LendingPool) HasOpenLoans() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.loans {
		if !l.Closed() {
			return true
		}
	}
	return false
}

// CloseAllLoans settles interest to the given instant and closes every loan
// still carrying debt, logging each one. It returns the closed loans so the
// caller can report positions that were never repaid. Run at shutdown.
func (p *LendingPool) CloseAllLoans(at time.Time) ([]Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Loan
	for _, l := range p.loans {
		if l.Closed() {
			continue
		}
		if err := p.accrueLoan(l, at); err != nil {
			return out, err
		}
		l.ClosedAt = at.UTC()
		observability.Log().Warn("loan still open at shutdown",
			observability.F("loan_id", l.ID),
			observability.F("symbol", l.Symbol),
			observability.F("outstanding", l.Outstanding().String()))
		out = append(out, l.Loan)
	}
	return out, nil
}

// OpenLoans snapshots every loan with outstanding debt, in open order. Run
// at shutdown to surface positions that were never closed.
func (p *LendingPool) OpenLoans() []Loan {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Loan
	for _, l := range p.loans {
		if !l.Closed() {
			out = append(out, l.Loan)
		}
	}
	return out
}

// Loans snapshots every loan ever opened, in open order.
func (p *LendingPool) Loans() []Loan {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Loan, 0, len(p.loans))
	for _, l := range p.loans {
		out = append(out, l.Loan)
	}
	return out
}
