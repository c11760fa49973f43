package auction

import (
	"errors"
	"math/big"
	"time"

	"crosslend/crypto"
	nativecommon "crosslend/native/common"
	"crosslend/native/lending"
)

var (
	errNilState  = errors.New("auction: state not configured")
	errNilLedger = errors.New("auction: ledger not configured")
	errNilVenue  = errors.New("auction: swap venue not configured")
	errNilScorer = errors.New("auction: credit scorer not configured")

	// ErrAuctionNotActive marks executions against missing or settled
	// auctions.
	ErrAuctionNotActive = errors.New("auction: auction not active")
	// ErrAuctionExists marks a second auction for a borrower whose first is
	// still open.
	ErrAuctionExists = errors.New("auction: auction already active for borrower")
	// ErrNotLiquidatable marks loans whose health factor is above the
	// liquidation threshold at fresh prices.
	ErrNotLiquidatable = errors.New("auction: loan not liquidatable")
	// ErrInsufficientSwapProceeds marks swaps that realized less than the
	// outstanding debt. The auction is left active and the ledger untouched.
	ErrInsufficientSwapProceeds = errors.New("auction: insufficient swap proceeds")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "auction"

// Auction is one Dutch liquidation auction. The price bound starts at the
// collateral valuation and decays linearly to the floor over the window,
// clamping at the floor afterward while the auction stays open.
type Auction struct {
	Borrower           crypto.Address
	DebtSnapshot       *big.Int
	CollateralValueUSD *big.Int
	StartPrice         *big.Int
	FloorPrice         *big.Int
	StartTime          uint64
	Duration           uint64
	Active             bool
}

// CurrentPrice returns the decayed price bound at the given unix time.
func (a *Auction) CurrentPrice(now uint64) *big.Int {
	if a == nil || a.StartPrice == nil || a.FloorPrice == nil {
		return big.NewInt(0)
	}
	if now <= a.StartTime {
		return new(big.Int).Set(a.StartPrice)
	}
	elapsed := now - a.StartTime
	if a.Duration == 0 || elapsed >= a.Duration {
		return new(big.Int).Set(a.FloorPrice)
	}
	span := new(big.Int).Sub(a.StartPrice, a.FloorPrice)
	decay := new(big.Int).Mul(span, new(big.Int).SetUint64(elapsed))
	decay.Quo(decay, new(big.Int).SetUint64(a.Duration))
	return new(big.Int).Sub(a.StartPrice, decay)
}

type auctionState interface {
	GetAuction(addr crypto.Address) (*Auction, error)
	PutAuction(auction *Auction) error
}

// Ledger is the lending surface the auction engine drives. OutstandingLoan
// carries interest accrued to now, so health checks see the live debt.
type Ledger interface {
	OutstandingLoan(addr crypto.Address) (*lending.Loan, error)
	RevalueCollateral(addr crypto.Address) (*big.Int, error)
	RepayFromLiquidation(addr crypto.Address, proceeds *big.Int) (*big.Int, error)
}

// Scorekeeper records liquidation outcomes against the borrower's profile.
type Scorekeeper interface {
	RecordLiquidation(addr crypto.Address) error
}

// SwapVenue converts seized collateral into the accounting unit. Proceeds at
// or above minPrice are expected; the venue reports what it actually realized.
type SwapVenue interface {
	SwapCollateral(borrower crypto.Address, minPrice *big.Int) (*big.Int, error)
}

// Params shapes auction creation.
type Params struct {
	// HealthThresholdBps is the collateral/debt ratio below which a loan
	// becomes liquidatable.
	HealthThresholdBps uint64
	// DurationSeconds is the decay window.
	DurationSeconds uint64
	// FloorBps sets the floor price as a fraction of the start price.
	FloorBps uint64
}

// DefaultParams liquidates below 110% collateralization over a six hour
// window with a 70% floor.
var DefaultParams = Params{
	HealthThresholdBps: 11_000,
	DurationSeconds:    6 * 3600,
	FloorBps:           7_000,
}

// Engine runs Dutch liquidation auctions against unhealthy loans.
type Engine struct {
	state  auctionState
	ledger Ledger
	scorer Scorekeeper
	venue  SwapVenue
	params Params
	pauses nativecommon.PauseView
	nowFn  func() uint64
}

func NewEngine(params Params) *Engine {
	if params.HealthThresholdBps == 0 {
		params = DefaultParams
	}
	return &Engine{
		params: params,
		nowFn:  func() uint64 { return uint64(time.Now().Unix()) },
	}
}

func (e *Engine) SetState(state auctionState) { e.state = state }

func (e *Engine) SetLedger(ledger Ledger) {
	if e == nil {
		return
	}
	e.ledger = ledger
}

func (e *Engine) SetScorekeeper(scorer Scorekeeper) {
	if e == nil {
		return
	}
	e.scorer = scorer
}

func (e *Engine) SetSwapVenue(venue SwapVenue) {
	if e == nil {
		return
	}
	e.venue = venue
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

// HealthFactorBps returns collateral/debt in basis points at fresh prices.
// A loan with no debt reports the maximum representable health.
func (e *Engine) HealthFactorBps(borrower crypto.Address) (uint64, error) {
	if e == nil || e.ledger == nil {
		return 0, errNilLedger
	}
	loan, err := e.ledger.OutstandingLoan(borrower)
	if err != nil {
		return 0, err
	}
	if loan == nil || !loan.Active {
		return 0, lending.ErrLoanNotActive
	}
	debt := loan.Debt()
	if debt.Sign() == 0 {
		return ^uint64(0), nil
	}
	collateral, err := e.ledger.RevalueCollateral(borrower)
	if err != nil {
		return 0, err
	}
	ratio := new(big.Int).Mul(collateral, basisPoints)
	ratio.Quo(ratio, debt)
	if !ratio.IsUint64() {
		return ^uint64(0), nil
	}
	return ratio.Uint64(), nil
}

// CreateAuction opens a Dutch auction against an unhealthy loan. At most one
// auction per borrower is open at a time.
func (e *Engine) CreateAuction(borrower crypto.Address) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	existing, err := e.state.GetAuction(borrower)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		return nil, ErrAuctionExists
	}

	loan, err := e.ledger.OutstandingLoan(borrower)
	if err != nil {
		return nil, err
	}
	if loan == nil || !loan.Active {
		return nil, lending.ErrLoanNotActive
	}

	collateral, err := e.ledger.RevalueCollateral(borrower)
	if err != nil {
		return nil, err
	}
	debt := loan.Debt()
	if debt.Sign() == 0 {
		return nil, ErrNotLiquidatable
	}
	health := new(big.Int).Mul(collateral, basisPoints)
	health.Quo(health, debt)
	if health.Cmp(new(big.Int).SetUint64(e.params.HealthThresholdBps)) >= 0 {
		return nil, ErrNotLiquidatable
	}

	start := new(big.Int).Set(collateral)
	floor := new(big.Int).Mul(collateral, new(big.Int).SetUint64(e.params.FloorBps))
	floor.Quo(floor, basisPoints)

	auction := &Auction{
		Borrower:           borrower,
		DebtSnapshot:       debt,
		CollateralValueUSD: collateral,
		StartPrice:         start,
		FloorPrice:         floor,
		StartTime:          e.nowFn(),
		Duration:           e.params.DurationSeconds,
		Active:             true,
	}
	if err := e.state.PutAuction(auction); err != nil {
		return nil, err
	}
	return auction, nil
}

// ExecuteLiquidation swaps the seized collateral at the current decayed price
// and settles the loan out of the proceeds. All-or-nothing: any failure after
// deactivation re-activates the auction and leaves the ledger untouched. The
// surplus routed to reserves is returned.
func (e *Engine) ExecuteLiquidation(borrower crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.venue == nil {
		return nil, errNilVenue
	}
	if e.scorer == nil {
		return nil, errNilScorer
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	auction, err := e.state.GetAuction(borrower)
	if err != nil {
		return nil, err
	}
	if auction == nil || !auction.Active {
		return nil, ErrAuctionNotActive
	}

	// Deactivate before touching external venues so a reentrant execution
	// observes a settled auction.
	auction.Active = false
	if err := e.state.PutAuction(auction); err != nil {
		return nil, err
	}

	reactivate := func() error {
		auction.Active = true
		return e.state.PutAuction(auction)
	}

	price := auction.CurrentPrice(e.nowFn())
	proceeds, err := e.venue.SwapCollateral(borrower, price)
	if err != nil {
		if rerr := reactivate(); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if proceeds == nil || proceeds.Cmp(auction.DebtSnapshot) < 0 {
		if rerr := reactivate(); rerr != nil {
			return nil, rerr
		}
		return nil, ErrInsufficientSwapProceeds
	}

	surplus, err := e.ledger.RepayFromLiquidation(borrower, proceeds)
	if err != nil {
		if rerr := reactivate(); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if err := e.scorer.RecordLiquidation(borrower); err != nil {
		return nil, err
	}
	return surplus, nil
}

// AuctionOf returns the borrower's auction record, nil when none exists.
func (e *Engine) AuctionOf(borrower crypto.Address) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.GetAuction(borrower)
}
