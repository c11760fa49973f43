package lending

import (
	"math/big"

	"crosslend/crypto"
)

// PoolSnapshot returns the read-only pool view served to clients.
func (e *Engine) PoolSnapshot() (*PoolView, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	return &PoolView{
		TotalShares:    pool.TotalShares,
		TotalDeposits:  pool.TotalDeposits,
		TotalBorrowed:  pool.TotalBorrowed,
		Reserves:       pool.Reserves,
		UtilizationBps: UtilizationBps(pool.TotalBorrowed, pool.Value()),
	}, nil
}

// LoanOf returns a copy of the borrower's loan record, or nil when the
// borrower has never borrowed.
func (e *Engine) LoanOf(borrower crypto.Address) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(borrower)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// OutstandingLoan returns the borrower's loan with interest accrued to now.
// The stored record is left untouched; callers needing a debt figure that
// moves with time (liquidation triggers) read through here instead of LoanOf.
func (e *Engine) OutstandingLoan(borrower crypto.Address) (*Loan, error) {
	loan, err := e.LoanOf(borrower)
	if err != nil || loan == nil {
		return nil, err
	}
	if loan.Active {
		e.accrue(loan, e.nowFn())
	}
	return loan, nil
}

// LoanViewOf returns the client-facing loan snapshot.
func (e *Engine) LoanViewOf(borrower crypto.Address) (*LoanView, error) {
	loan, err := e.LoanOf(borrower)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, nil
	}
	return &LoanView{
		Borrower:           loan.Borrower.String(),
		Principal:          loan.Principal,
		AccruedInterest:    loan.AccruedInterest,
		RateBps:            loan.RateBps,
		DueDate:            loan.DueDate,
		CollateralValueUSD: loan.CollateralValueUSD,
		Active:             loan.Active,
	}, nil
}

// SharesOf returns the lender's share balance.
func (e *Engine) SharesOf(lender crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.ensurePosition(lender)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(position.Shares), nil
}

// CollateralValueOf returns the user's current USD collateral mirror.
func (e *Engine) CollateralValueOf(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.collateralValue(user)
}

// CollateralOf returns one collateral balance for the user.
func (e *Engine) CollateralOf(user crypto.Address, asset string, origin uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance, err := e.state.GetCollateral(user, asset, origin)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}
