package auction

import (
	"errors"
	"math/big"
	"testing"

	"crosslend/core/state"
	"crosslend/crosschain"
	"crosslend/crypto"
	"crosslend/native/creditscore"
	"crosslend/native/lending"
	"crosslend/storage"
)

const usdUnit = 1_000_000

func usd(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), big.NewInt(usdUnit))
}

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.HubPrefix, raw)
}

func satAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.SatellitePrefix, raw)
}

type stubPrices struct {
	perToken map[string]int64
}

func (p *stubPrices) AssetValueUSD(asset string, amount *big.Int, decimals uint8) (*big.Int, error) {
	price, ok := p.perToken[asset]
	if !ok {
		return nil, errors.New("unknown asset")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value := new(big.Int).Mul(amount, big.NewInt(price*usdUnit))
	return value.Quo(value, scale), nil
}

type stubOutbox struct{}

func (stubOutbox) Dispatch(crosschain.Envelope) error { return nil }

func (stubOutbox) BridgeAsset(uint64, crypto.Address, *big.Int, *big.Int) error { return nil }

type stubVenue struct {
	proceeds *big.Int
	err      error
	minPrice *big.Int
	calls    int
}

func (v *stubVenue) SwapCollateral(borrower crypto.Address, minPrice *big.Int) (*big.Int, error) {
	v.calls++
	v.minPrice = minPrice
	if v.err != nil {
		return nil, v.err
	}
	return v.proceeds, nil
}

type testHarness struct {
	engine  *Engine
	lending *lending.Engine
	scorer  *creditscore.Engine
	prices  *stubPrices
	venue   *stubVenue
	now     uint64
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	scorer := creditscore.NewEngine(manager)
	prices := &stubPrices{perToken: map[string]int64{"WETH": 2000}}

	ledger := lending.NewEngine(1, testAddress(0xff), lending.Params{
		MinLoan:         usd(100),
		LoanTermSeconds: 180 * 24 * 3600,
	})
	ledger.SetState(lending.NewState(manager))
	ledger.SetCreditScorer(scorer)
	ledger.SetOutbox(stubOutbox{})
	ledger.SetPriceSource(prices)
	ledger.RegisterAssetDecimals("WETH", 18)
	ledger.RegisterVault(7, satAddress(0xaa))

	venue := &stubVenue{}
	engine := NewEngine(DefaultParams)
	engine.SetState(NewState(manager))
	engine.SetLedger(ledger)
	engine.SetScorekeeper(scorer)
	engine.SetSwapVenue(venue)

	h := &testHarness{engine: engine, lending: ledger, scorer: scorer, prices: prices, venue: venue, now: 1_700_000_000}
	clock := func() uint64 { return h.now }
	engine.SetNowFunc(clock)
	ledger.SetNowFunc(clock)
	return h
}

// openUnderwaterLoan sets up a borrower with 5 WETH collateral at $2000,
// borrows at the limit, then drops the price so the loan dips below the
// liquidation threshold.
func (h *testHarness) openUnderwaterLoan(t *testing.T, borrower crypto.Address) {
	t.Helper()
	msg, err := crosschain.NewCollateralUpdateMessage(crosschain.CollateralUpdatePayload{
		User:     borrower.String(),
		Asset:    "WETH",
		Amount:   big.NewInt(5e18),
		ValueUSD: usd(10_000),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	env := crosschain.Envelope{Origin: 7, Sender: satAddress(0xaa), Dest: 1, Msg: msg}
	if err := h.lending.HandleMessage(env); err != nil {
		t.Fatalf("collateral update: %v", err)
	}
	if _, err := h.lending.Deposit(testAddress(0x01), usd(20_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.lending.Borrow(borrower, usd(6_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// $2000 -> $1200 per WETH: collateral now $6000 against $6000 debt.
	h.prices.perToken["WETH"] = 1200
}

func TestCreateAuctionRequiresUnhealthyLoan(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	// Restore the price: 10000/6000 = 166% health, above the 110% threshold.
	h.prices.perToken["WETH"] = 2000
	if _, err := h.engine.CreateAuction(borrower); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}

	h.prices.perToken["WETH"] = 1200
	auction, err := h.engine.CreateAuction(borrower)
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	if !auction.Active {
		t.Fatalf("auction should open active")
	}
	if auction.StartPrice.Cmp(usd(6_000)) != 0 {
		t.Fatalf("start price: got %s want %s", auction.StartPrice, usd(6_000))
	}
	if auction.FloorPrice.Cmp(usd(4_200)) != 0 {
		t.Fatalf("floor price: got %s want %s", auction.FloorPrice, usd(4_200))
	}
}

func TestCreateAuctionTriggersOnAccruedInterest(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)

	msg, err := crosschain.NewCollateralUpdateMessage(crosschain.CollateralUpdatePayload{
		User:     borrower.String(),
		Asset:    "WETH",
		Amount:   big.NewInt(5e18),
		ValueUSD: usd(10_000),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	env := crosschain.Envelope{Origin: 7, Sender: satAddress(0xaa), Dest: 1, Msg: msg}
	if err := h.lending.HandleMessage(env); err != nil {
		t.Fatalf("collateral update: %v", err)
	}
	if _, err := h.lending.Deposit(testAddress(0x01), usd(20_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.lending.Borrow(borrower, usd(6_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Healthy at origination: 10000/6000 = 166%.
	if _, err := h.engine.CreateAuction(borrower); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}

	// No repayment ever lands, so only accrual moves the debt. Eight years
	// at 6.5% simple interest adds 3120: 10000/9120 = 109.6%, under the
	// 110% threshold.
	h.now += 8 * 31_536_000
	health, err := h.engine.HealthFactorBps(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health >= DefaultParams.HealthThresholdBps {
		t.Fatalf("health must reflect accrued interest, got %d", health)
	}

	auction, err := h.engine.CreateAuction(borrower)
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	if auction.DebtSnapshot.Cmp(usd(9_120)) != 0 {
		t.Fatalf("debt snapshot: got %s want %s", auction.DebtSnapshot, usd(9_120))
	}
}

func TestCreateAuctionRejectsSecondOpen(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	if _, err := h.engine.CreateAuction(borrower); err != nil {
		t.Fatalf("create auction: %v", err)
	}
	if _, err := h.engine.CreateAuction(borrower); !errors.Is(err, ErrAuctionExists) {
		t.Fatalf("expected ErrAuctionExists, got %v", err)
	}
}

func TestCurrentPriceDecaysLinearlyAndClampsAtFloor(t *testing.T) {
	auction := &Auction{
		StartPrice: usd(6_000),
		FloorPrice: usd(4_200),
		StartTime:  1_000,
		Duration:   3_600,
	}
	if got := auction.CurrentPrice(1_000); got.Cmp(usd(6_000)) != 0 {
		t.Fatalf("price at start: got %s", got)
	}
	if got := auction.CurrentPrice(1_000 + 1_800); got.Cmp(usd(5_100)) != 0 {
		t.Fatalf("price at half window: got %s want %s", got, usd(5_100))
	}
	if got := auction.CurrentPrice(1_000 + 3_600); got.Cmp(usd(4_200)) != 0 {
		t.Fatalf("price at window end: got %s", got)
	}
	if got := auction.CurrentPrice(1_000 + 100_000); got.Cmp(usd(4_200)) != 0 {
		t.Fatalf("price must clamp at floor: got %s", got)
	}
}

func TestExecuteLiquidationSettlesAndRecords(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	if _, err := h.engine.CreateAuction(borrower); err != nil {
		t.Fatalf("create auction: %v", err)
	}

	h.venue.proceeds = usd(6_200)
	surplus, err := h.engine.ExecuteLiquidation(borrower)
	if err != nil {
		t.Fatalf("execute liquidation: %v", err)
	}
	if surplus.Cmp(usd(200)) != 0 {
		t.Fatalf("surplus: got %s want %s", surplus, usd(200))
	}

	loan, err := h.lending.LoanOf(borrower)
	if err != nil {
		t.Fatalf("loan of: %v", err)
	}
	if loan.Active {
		t.Fatalf("loan should be settled")
	}
	view, err := h.lending.PoolSnapshot()
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	if view.Reserves.Cmp(usd(200)) != 0 {
		t.Fatalf("reserves: got %s want %s", view.Reserves, usd(200))
	}

	profile, err := h.scorer.Profile(borrower)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Liquidations != 1 {
		t.Fatalf("liquidation count: got %d want 1", profile.Liquidations)
	}

	auction, err := h.engine.AuctionOf(borrower)
	if err != nil {
		t.Fatalf("auction of: %v", err)
	}
	if auction.Active {
		t.Fatalf("auction should be settled")
	}
	if _, err := h.engine.ExecuteLiquidation(borrower); !errors.Is(err, ErrAuctionNotActive) {
		t.Fatalf("expected ErrAuctionNotActive on re-execution, got %v", err)
	}
}

func TestExecuteLiquidationRevertsOnShortfall(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	if _, err := h.engine.CreateAuction(borrower); err != nil {
		t.Fatalf("create auction: %v", err)
	}

	before, err := h.lending.PoolSnapshot()
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}

	h.venue.proceeds = usd(5_000)
	if _, err := h.engine.ExecuteLiquidation(borrower); !errors.Is(err, ErrInsufficientSwapProceeds) {
		t.Fatalf("expected ErrInsufficientSwapProceeds, got %v", err)
	}

	auction, err := h.engine.AuctionOf(borrower)
	if err != nil {
		t.Fatalf("auction of: %v", err)
	}
	if !auction.Active {
		t.Fatalf("auction must stay active after a failed swap")
	}
	loan, err := h.lending.LoanOf(borrower)
	if err != nil {
		t.Fatalf("loan of: %v", err)
	}
	if !loan.Active {
		t.Fatalf("loan must stay active after a failed swap")
	}
	after, err := h.lending.PoolSnapshot()
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	if after.TotalDeposits.Cmp(before.TotalDeposits) != 0 || after.TotalBorrowed.Cmp(before.TotalBorrowed) != 0 || after.Reserves.Cmp(before.Reserves) != 0 {
		t.Fatalf("ledger must be untouched: before=%+v after=%+v", before, after)
	}

	profile, err := h.scorer.Profile(borrower)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Liquidations != 0 {
		t.Fatalf("failed liquidation must not be recorded, got %d", profile.Liquidations)
	}
}

func TestExecuteLiquidationPassesDecayedMinPrice(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	if _, err := h.engine.CreateAuction(borrower); err != nil {
		t.Fatalf("create auction: %v", err)
	}

	// Halfway through the 6h window: 6000 - (6000-4200)/2 = 5100.
	h.now += 3 * 3600
	h.venue.proceeds = usd(6_200)
	if _, err := h.engine.ExecuteLiquidation(borrower); err != nil {
		t.Fatalf("execute liquidation: %v", err)
	}
	if h.venue.minPrice.Cmp(usd(5_100)) != 0 {
		t.Fatalf("venue min price: got %s want %s", h.venue.minPrice, usd(5_100))
	}
}

func TestHealthFactor(t *testing.T) {
	h := newTestHarness(t)
	borrower := testAddress(0x02)
	h.openUnderwaterLoan(t, borrower)

	health, err := h.engine.HealthFactorBps(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// $6000 collateral against $6000 debt.
	if health != 10_000 {
		t.Fatalf("health: got %d want 10000", health)
	}
}
