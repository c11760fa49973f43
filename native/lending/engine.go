package lending

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"crosslend/crosschain"
	"crosslend/crypto"
	nativecommon "crosslend/native/common"
	"crosslend/native/risk"
)

var (
	errNilState        = errors.New("lending: state not configured")
	errNilScorer       = errors.New("lending: credit scorer not configured")
	errNilOutbox       = errors.New("lending: outbox not configured")
	errNilPriceSource  = errors.New("lending: price source not configured")
	errUnknownAsset    = errors.New("lending: asset decimals not registered")
	errInboundMessage  = errors.New("lending: message type not accepted by hub")
	errBadSenderParams = errors.New("lending: malformed message payload")

	// ErrInvalidAmount marks zero or negative amounts.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrInsufficientShares marks withdrawals above the caller's position.
	ErrInsufficientShares = errors.New("lending: insufficient shares")
	// ErrInsufficientLiquidity marks operations the unborrowed balance
	// cannot cover.
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	// ErrLoanTooSmall marks borrows below the configured floor.
	ErrLoanTooSmall = errors.New("lending: loan below minimum")
	// ErrExceedsBorrowLimit marks borrows beyond the risk-capped maximum.
	ErrExceedsBorrowLimit = errors.New("lending: exceeds borrow limit")
	// ErrLoanNotActive marks operations against missing or settled loans.
	ErrLoanNotActive = errors.New("lending: loan not active")
	// ErrUnauthorizedVault marks messages from unregistered
	// (origin site, sender) pairs.
	ErrUnauthorizedVault = errors.New("lending: unauthorized vault")
	// ErrCollateralInUse marks withdrawal approvals while a loan is open.
	ErrCollateralInUse = errors.New("lending: collateral locked by active loan")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "lending"

type engineState interface {
	GetPool() (*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(addr crypto.Address) (*Position, error)
	PutPosition(position *Position) error
	GetLoan(addr crypto.Address) (*Loan, error)
	PutLoan(loan *Loan) error
	GetCollateral(addr crypto.Address, asset string, origin uint64) (*big.Int, error)
	PutCollateral(addr crypto.Address, asset string, origin uint64, amount *big.Int) error
	GetCollateralValue(addr crypto.Address) (*big.Int, error)
	PutCollateralValue(addr crypto.Address, value *big.Int) error
	OperationProcessed(correlationID string) (bool, error)
	MarkOperationProcessed(correlationID string) error
}

// CreditScorer is the reputation surface the ledger consults and notifies.
type CreditScorer interface {
	Score(addr crypto.Address) (uint64, error)
	TotalInterestPaid(addr crypto.Address) (*big.Int, error)
	RecordLoanTaken(addr crypto.Address) error
	RecordRepayment(addr crypto.Address, interestPaid *big.Int, onTime bool) error
	RecordLiquidation(addr crypto.Address) error
}

// PriceSource values collateral amounts in the ledger accounting unit.
type PriceSource interface {
	AssetValueUSD(asset string, amount *big.Int, decimals uint8) (*big.Int, error)
}

// Outbox dispatches outbound messages and principal bridging after state
// mutations are finalized.
type Outbox interface {
	Dispatch(env crosschain.Envelope) error
	BridgeAsset(dest uint64, to crypto.Address, amount, minReceived *big.Int) error
}

// Params groups the governance controlled limits for the ledger.
type Params struct {
	// MinLoan is the smallest principal a loan may open with.
	MinLoan *big.Int
	// LoanTermSeconds sets the repayment horizon used for due dates.
	LoanTermSeconds uint64
}

type vaultKey struct {
	origin uint64
	sender string
}

// Engine orchestrates the primary state transitions for the lending ledger.
// All mutating entrypoints are expected to run under the hub's critical
// section; the engine itself performs no locking.
type Engine struct {
	state      engineState
	scorer     CreditScorer
	prices     PriceSource
	outbox     Outbox
	model      InterestModel
	params     Params
	pauses     nativecommon.PauseView
	vaults     map[vaultKey]struct{}
	decimals   map[string]uint8
	hubSite    uint64
	moduleAddr crypto.Address
	nowFn      func() uint64
}

// NewEngine constructs a lending engine for the given hub site identifier and
// module address.
func NewEngine(hubSite uint64, moduleAddr crypto.Address, params Params) *Engine {
	if params.MinLoan == nil {
		params.MinLoan = big.NewInt(0)
	}
	return &Engine{
		model:      DefaultInterestModel,
		params:     params,
		vaults:     make(map[vaultKey]struct{}),
		decimals:   make(map[string]uint8),
		hubSite:    hubSite,
		moduleAddr: moduleAddr,
		nowFn:      func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCreditScorer wires the reputation engine.
func (e *Engine) SetCreditScorer(scorer CreditScorer) {
	if e == nil {
		return
	}
	e.scorer = scorer
}

// SetPriceSource wires the oracle adapter used for collateral revaluation.
func (e *Engine) SetPriceSource(prices PriceSource) {
	if e == nil {
		return
	}
	e.prices = prices
}

// SetOutbox wires the cross-chain dispatch surface.
func (e *Engine) SetOutbox(outbox Outbox) {
	if e == nil {
		return
	}
	e.outbox = outbox
}

// SetInterestModel replaces the utilization curve.
func (e *Engine) SetInterestModel(model InterestModel) {
	if e == nil {
		return
	}
	e.model = model
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// RegisterVault authorizes an (origin site, sender) pair for inbound
// messages. The registry is provisioned at deployment time.
func (e *Engine) RegisterVault(origin uint64, sender crypto.Address) {
	if e == nil {
		return
	}
	e.vaults[vaultKey{origin: origin, sender: string(sender.Bytes())}] = struct{}{}
}

// RegisterAssetDecimals records the token decimals used when revaluing a
// collateral asset.
func (e *Engine) RegisterAssetDecimals(asset string, decimals uint8) {
	if e == nil {
		return
	}
	e.decimals[asset] = decimals
}

func (e *Engine) vaultAuthorized(origin uint64, sender crypto.Address) bool {
	_, ok := e.vaults[vaultKey{origin: origin, sender: string(sender.Bytes())}]
	return ok
}

// Deposit mints pool shares for the lender proportional to the pool value.
// The minted share amount is returned.
func (e *Engine) Deposit(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}

	shares := sharesForDeposit(pool, amount)
	if shares.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	position, err := e.ensurePosition(lender)
	if err != nil {
		return nil, err
	}

	position.Shares = new(big.Int).Add(position.Shares, shares)
	pool.TotalShares = new(big.Int).Add(pool.TotalShares, shares)
	pool.TotalDeposits = new(big.Int).Add(pool.TotalDeposits, amount)

	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return shares, nil
}

// Withdraw redeems shares against the pool value and releases the underlying
// principal. The redeemed amount is returned.
func (e *Engine) Withdraw(lender crypto.Address, shareAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	if pool.TotalShares.Sign() == 0 {
		return nil, ErrInsufficientShares
	}

	position, err := e.ensurePosition(lender)
	if err != nil {
		return nil, err
	}
	if position.Shares.Cmp(shareAmount) < 0 {
		return nil, ErrInsufficientShares
	}

	amount := new(big.Int).Mul(shareAmount, pool.Value())
	amount.Quo(amount, pool.TotalShares)

	// Only the unborrowed balance can be paid out.
	if pool.TotalDeposits.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	position.Shares = new(big.Int).Sub(position.Shares, shareAmount)
	pool.TotalShares = new(big.Int).Sub(pool.TotalShares, shareAmount)
	pool.TotalDeposits = new(big.Int).Sub(pool.TotalDeposits, amount)

	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return amount, nil
}

// Borrow opens or extends the borrower's loan against their collateral.
func (e *Engine) Borrow(borrower crypto.Address, amount *big.Int) (*Loan, error) {
	loan, err := e.borrow(borrower, amount)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// BorrowCrossChain opens the loan and hands principal delivery to the
// bridging transport. The bridge hand-off happens strictly after all ledger
// state is persisted; a bridge failure leaves the loan recorded and is
// surfaced to the caller for operator recovery.
func (e *Engine) BorrowCrossChain(borrower crypto.Address, amount *big.Int, destSite uint64, minReceived *big.Int) (*Loan, error) {
	if e == nil || e.outbox == nil {
		return nil, errNilOutbox
	}
	loan, err := e.borrow(borrower, amount)
	if err != nil {
		return nil, err
	}
	if err := e.outbox.BridgeAsset(destSite, borrower, amount, minReceived); err != nil {
		return nil, fmt.Errorf("lending: bridge principal: %w", err)
	}
	return loan.Clone(), nil
}

func (e *Engine) borrow(borrower crypto.Address, amount *big.Int) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.scorer == nil {
		return nil, errNilScorer
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.params.MinLoan != nil && amount.Cmp(e.params.MinLoan) < 0 {
		return nil, ErrLoanTooSmall
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	if pool.TotalDeposits.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	collateralUSD, err := e.collateralValue(borrower)
	if err != nil {
		return nil, err
	}
	score, err := e.scorer.Score(borrower)
	if err != nil {
		return nil, err
	}
	interestPaid, err := e.scorer.TotalInterestPaid(borrower)
	if err != nil {
		return nil, err
	}
	maxBorrow := risk.MaxBorrow(collateralUSD, score, interestPaid)

	now := e.nowFn()
	loan, err := e.ensureLoan(borrower)
	if err != nil {
		return nil, err
	}
	if loan.Active {
		e.accrue(loan, now)
	} else {
		// A fresh origination: the prior loan's interest is already in the
		// credit profile and must not be reported again at settlement.
		loan.Principal = big.NewInt(0)
		loan.AccruedInterest = big.NewInt(0)
		loan.InterestPaidTotal = big.NewInt(0)
	}

	projected := new(big.Int).Add(loan.Debt(), amount)
	if projected.Cmp(maxBorrow) > 0 {
		return nil, ErrExceedsBorrowLimit
	}

	pool.TotalDeposits = new(big.Int).Sub(pool.TotalDeposits, amount)
	pool.TotalBorrowed = new(big.Int).Add(pool.TotalBorrowed, amount)

	loan.Principal = new(big.Int).Add(loan.Principal, amount)
	loan.RateBps = e.model.BorrowRateBps(UtilizationBps(pool.TotalBorrowed, pool.Value()))
	loan.LastAccrual = now
	loan.DueDate = now + e.params.LoanTermSeconds
	loan.CollateralValueUSD = collateralUSD
	loan.Active = true

	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.scorer.RecordLoanTaken(borrower); err != nil {
		return nil, err
	}
	return loan, nil
}

// Repay applies amount against accrued interest first, then principal.
// Repaying the full debt deactivates the loan and reports the outcome to the
// credit scorer. The principal and interest portions actually applied are
// returned.
func (e *Engine) Repay(borrower crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if e.scorer == nil {
		return nil, nil, errNilScorer
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	loan, err := e.ensureLoan(borrower)
	if err != nil {
		return nil, nil, err
	}
	if !loan.Active {
		return nil, nil, ErrLoanNotActive
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, nil, err
	}

	now := e.nowFn()
	e.accrue(loan, now)

	remaining := new(big.Int).Set(amount)

	interestPayment := new(big.Int).Set(loan.AccruedInterest)
	if interestPayment.Cmp(remaining) > 0 {
		interestPayment.Set(remaining)
	}
	remaining.Sub(remaining, interestPayment)
	loan.AccruedInterest = new(big.Int).Sub(loan.AccruedInterest, interestPayment)
	loan.InterestPaidTotal = new(big.Int).Add(loan.InterestPaidTotal, interestPayment)

	principalPayment := new(big.Int).Set(loan.Principal)
	if principalPayment.Cmp(remaining) > 0 {
		principalPayment.Set(remaining)
	}
	loan.Principal = new(big.Int).Sub(loan.Principal, principalPayment)

	// Interest receipts raise the pool value; principal returns to the
	// liquid balance.
	pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, principalPayment)
	pool.TotalDeposits = new(big.Int).Add(pool.TotalDeposits, new(big.Int).Add(principalPayment, interestPayment))

	settled := loan.Debt().Sign() == 0
	if settled {
		loan.Active = false
	}

	if err := e.state.PutLoan(loan); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, nil, err
	}

	if settled {
		onTime := now <= loan.DueDate
		if err := e.scorer.RecordRepayment(borrower, loan.InterestPaidTotal, onTime); err != nil {
			return nil, nil, err
		}
	}
	return principalPayment, interestPayment, nil
}

// RepayFromLiquidation settles the loan out of liquidation proceeds. Interest
// accrual is bypassed: the auction's debt snapshot is authoritative. The
// surplus routed to pool reserves is returned.
func (e *Engine) RepayFromLiquidation(borrower crypto.Address, proceeds *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if proceeds == nil || proceeds.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	loan, err := e.ensureLoan(borrower)
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, ErrLoanNotActive
	}

	debt := loan.Debt()
	if proceeds.Cmp(debt) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	pool, err := e.ensurePool()
	if err != nil {
		return nil, err
	}

	surplus := new(big.Int).Sub(proceeds, debt)

	pool.TotalBorrowed = new(big.Int).Sub(pool.TotalBorrowed, loan.Principal)
	pool.TotalDeposits = new(big.Int).Add(pool.TotalDeposits, debt)
	pool.Reserves = new(big.Int).Add(pool.Reserves, surplus)

	loan.Principal = big.NewInt(0)
	loan.AccruedInterest = big.NewInt(0)
	loan.Active = false

	if err := e.seizeCollateral(borrower); err != nil {
		return nil, err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return surplus, nil
}

// seizeCollateral zeroes every collateral balance held for the borrower along
// with the USD mirror.
func (e *Engine) seizeCollateral(borrower crypto.Address) error {
	position, err := e.ensurePosition(borrower)
	if err != nil {
		return err
	}
	for _, ref := range position.CollateralRefs {
		if err := e.state.PutCollateral(borrower, ref.Asset, ref.Origin, big.NewInt(0)); err != nil {
			return err
		}
	}
	return e.state.PutCollateralValue(borrower, big.NewInt(0))
}

// accrue folds simple interest into the loan up to now.
func (e *Engine) accrue(loan *Loan, now uint64) {
	if loan == nil || !loan.Active || now <= loan.LastAccrual {
		return
	}
	elapsed := now - loan.LastAccrual
	interest := accrueAmount(loan.Principal, loan.RateBps, elapsed)
	if interest.Sign() > 0 {
		loan.AccruedInterest = new(big.Int).Add(loan.AccruedInterest, interest)
	}
	loan.LastAccrual = now
}

func (e *Engine) ensurePool() (*Pool, error) {
	pool, err := e.state.GetPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &Pool{}
	}
	if pool.TotalShares == nil {
		pool.TotalShares = big.NewInt(0)
	}
	if pool.TotalDeposits == nil {
		pool.TotalDeposits = big.NewInt(0)
	}
	if pool.TotalBorrowed == nil {
		pool.TotalBorrowed = big.NewInt(0)
	}
	if pool.Reserves == nil {
		pool.Reserves = big.NewInt(0)
	}
	return pool, nil
}

func (e *Engine) ensurePosition(addr crypto.Address) (*Position, error) {
	position, err := e.state.GetPosition(addr)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &Position{Address: addr}
	}
	if position.Shares == nil {
		position.Shares = big.NewInt(0)
	}
	return position, nil
}

func (e *Engine) ensureLoan(addr crypto.Address) (*Loan, error) {
	loan, err := e.state.GetLoan(addr)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		loan = &Loan{Borrower: addr}
	}
	if loan.Principal == nil {
		loan.Principal = big.NewInt(0)
	}
	if loan.AccruedInterest == nil {
		loan.AccruedInterest = big.NewInt(0)
	}
	if loan.InterestPaidTotal == nil {
		loan.InterestPaidTotal = big.NewInt(0)
	}
	if loan.CollateralValueUSD == nil {
		loan.CollateralValueUSD = big.NewInt(0)
	}
	return loan, nil
}

func (e *Engine) collateralValue(addr crypto.Address) (*big.Int, error) {
	value, err := e.state.GetCollateralValue(addr)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

// sharesForDeposit applies the proportional share issuance rule with a 1:1
// bootstrap when the pool is empty.
func sharesForDeposit(pool *Pool, amount *big.Int) *big.Int {
	if pool.TotalShares.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	shares := new(big.Int).Mul(amount, pool.TotalShares)
	return shares.Quo(shares, pool.Value())
}
