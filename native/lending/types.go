package lending

import (
	"math/big"

	"crosslend/crypto"
)

// Pool captures the global accounting state for the lending ledger. Amounts
// are denominated in the ledger's 6-decimal accounting unit and expressed as
// big integers.
type Pool struct {
	// TotalShares is the aggregate share supply held by lenders. The sum of
	// all lender positions always equals this value.
	TotalShares *big.Int
	// TotalDeposits is the liquid principal currently held by the pool.
	TotalDeposits *big.Int
	// TotalBorrowed tracks the outstanding borrowed principal across all
	// loans.
	TotalBorrowed *big.Int
	// Reserves accumulates liquidation surpluses routed to the pool.
	Reserves *big.Int
}

// Value returns the pool value: liquid deposits plus outstanding receivables.
func (p *Pool) Value() *big.Int {
	value := new(big.Int)
	if p == nil {
		return value
	}
	if p.TotalDeposits != nil {
		value.Add(value, p.TotalDeposits)
	}
	if p.TotalBorrowed != nil {
		value.Add(value, p.TotalBorrowed)
	}
	return value
}

// CollateralRef identifies one collateral balance held for a user.
type CollateralRef struct {
	Asset  string
	Origin uint64
}

// Position maintains the lender and collateral bookkeeping for an individual
// participant.
type Position struct {
	// Address is the unique account identifier within the hub ledger.
	Address crypto.Address
	// Shares records the participant's proportional ownership of the pool.
	Shares *big.Int
	// CollateralRefs lists the (asset, origin chain) balances held for the
	// participant so they can be revalued against fresh prices.
	CollateralRefs []CollateralRef
}

// Loan records a borrower's outstanding debt. One loan per borrower at a
// time; created on borrow, mutated on repay and accrual, deactivated on full
// repayment or a successful liquidation.
type Loan struct {
	Borrower crypto.Address
	// Principal is the outstanding borrowed amount.
	Principal *big.Int
	// AccruedInterest is interest accumulated since the last payment.
	AccruedInterest *big.Int
	// InterestPaidTotal is the cumulative interest paid over the loan's
	// life, reported to the credit scorer when the loan settles.
	InterestPaidTotal *big.Int
	// RateBps is the annualized interest rate fixed at origination, in
	// basis points.
	RateBps uint64
	// LastAccrual is the unix timestamp of the latest interest accrual.
	LastAccrual uint64
	// DueDate is the unix timestamp the loan must be repaid by to count as
	// on-time.
	DueDate uint64
	// CollateralValueUSD snapshots the borrower's collateral value at
	// origination.
	CollateralValueUSD *big.Int
	// Active reports whether the loan is outstanding.
	Active bool
}

// Debt returns principal plus accrued interest.
func (l *Loan) Debt() *big.Int {
	debt := new(big.Int)
	if l == nil {
		return debt
	}
	if l.Principal != nil {
		debt.Add(debt, l.Principal)
	}
	if l.AccruedInterest != nil {
		debt.Add(debt, l.AccruedInterest)
	}
	return debt
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		Borrower:    l.Borrower,
		RateBps:     l.RateBps,
		LastAccrual: l.LastAccrual,
		DueDate:     l.DueDate,
		Active:      l.Active,
	}
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.AccruedInterest != nil {
		clone.AccruedInterest = new(big.Int).Set(l.AccruedInterest)
	}
	if l.InterestPaidTotal != nil {
		clone.InterestPaidTotal = new(big.Int).Set(l.InterestPaidTotal)
	}
	if l.CollateralValueUSD != nil {
		clone.CollateralValueUSD = new(big.Int).Set(l.CollateralValueUSD)
	}
	return clone
}

// PoolView is the read-only snapshot served to clients.
type PoolView struct {
	TotalShares   *big.Int `json:"totalShares"`
	TotalDeposits *big.Int `json:"totalDeposits"`
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	Reserves      *big.Int `json:"reserves"`
	UtilizationBps uint64  `json:"utilizationBps"`
}

// LoanView is the read-only loan snapshot served to clients.
type LoanView struct {
	Borrower           string   `json:"borrower"`
	Principal          *big.Int `json:"principal"`
	AccruedInterest    *big.Int `json:"accruedInterest"`
	RateBps            uint64   `json:"rateBps"`
	DueDate            uint64   `json:"dueDate"`
	CollateralValueUSD *big.Int `json:"collateralValueUsd"`
	Active             bool     `json:"active"`
}
