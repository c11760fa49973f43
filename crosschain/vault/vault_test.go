package vault

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

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

func hubAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.HubPrefix, raw)
}

func satAddr(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.SatellitePrefix, raw)
}

func newStore(t *testing.T) *PendingStore {
	t.Helper()
	store, err := OpenPendingStore(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("open pending store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type captureDispatcher struct {
	envelopes []crosschain.Envelope
}

func (d *captureDispatcher) Dispatch(env crosschain.Envelope) error {
	d.envelopes = append(d.envelopes, env)
	return nil
}

type stubEstimator struct {
	perToken map[string]int64
}

func (e *stubEstimator) AssetValueUSD(asset string, amount *big.Int, decimals uint8) (*big.Int, error) {
	price, ok := e.perToken[asset]
	if !ok {
		return nil, errors.New("unknown asset")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value := new(big.Int).Mul(amount, big.NewInt(price*usdUnit))
	return value.Quo(value, scale), nil
}

type stubBridger struct {
	bridged []*big.Int
	minimum []*big.Int
	err     error
}

func (b *stubBridger) BridgeAsset(dest uint64, to crypto.Address, amount, minReceived *big.Int) error {
	if b.err != nil {
		return b.err
	}
	b.bridged = append(b.bridged, new(big.Int).Set(amount))
	b.minimum = append(b.minimum, new(big.Int).Set(minReceived))
	return nil
}

type stubRefunder struct {
	refunds []*big.Int
}

func (r *stubRefunder) Refund(lender crypto.Address, amount *big.Int) error {
	r.refunds = append(r.refunds, new(big.Int).Set(amount))
	return nil
}

func newCollateralVault(t *testing.T) (*CollateralVault, *captureDispatcher) {
	t.Helper()
	out := &captureDispatcher{}
	vault := NewCollateralVault(7, satAddr(0xaa), 1, hubAddress(0xff))
	vault.SetDispatcher(out)
	vault.SetEstimator(&stubEstimator{perToken: map[string]int64{"WETH": 2000}})
	vault.RegisterAssetDecimals("WETH", 18)
	return vault, out
}

func TestCollateralDepositLocksAndReports(t *testing.T) {
	vault, out := newCollateralVault(t)
	user := hubAddress(0x02)

	if err := vault.DepositCollateral(user, "WETH", big.NewInt(5e18)); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if got := vault.Balance(user, "WETH"); got.Cmp(big.NewInt(5e18)) != 0 {
		t.Fatalf("locked balance: got %s", got)
	}

	if len(out.envelopes) != 1 {
		t.Fatalf("expected one update, got %d", len(out.envelopes))
	}
	env := out.envelopes[0]
	if env.Dest != 1 || env.Origin != 7 {
		t.Fatalf("routing: %+v", env)
	}
	payload, err := crosschain.DecodeCollateralUpdate(env.Msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Amount.Cmp(big.NewInt(5e18)) != 0 {
		t.Fatalf("delta: got %s", payload.Amount)
	}
	if payload.ValueUSD.Cmp(usd(10_000)) != 0 {
		t.Fatalf("estimate: got %s want %s", payload.ValueUSD, usd(10_000))
	}
}

func TestCollateralReleaseRequiresHubApproval(t *testing.T) {
	vault, _ := newCollateralVault(t)
	user := hubAddress(0x02)
	if err := vault.DepositCollateral(user, "WETH", big.NewInt(5e18)); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}

	msg, err := crosschain.NewCollateralWithdrawalApprovalMessage(crosschain.CollateralWithdrawalApprovalPayload{
		User:   user.String(),
		Asset:  "WETH",
		Amount: big.NewInt(2e18),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}

	// No approval yet: the withdrawal is refused.
	if err := vault.WithdrawCollateral(user, "WETH", big.NewInt(2e18)); !errors.Is(err, ErrWithdrawalNotApproved) {
		t.Fatalf("expected ErrWithdrawalNotApproved, got %v", err)
	}

	// Approval claimed by someone other than the hub module is refused.
	rogue := crosschain.Envelope{Origin: 1, Sender: hubAddress(0x55), Dest: 7, Msg: msg}
	if err := vault.HandleMessage(rogue); !errors.Is(err, ErrUnauthorizedHub) {
		t.Fatalf("expected ErrUnauthorizedHub, got %v", err)
	}

	genuine := crosschain.Envelope{Origin: 1, Sender: hubAddress(0xff), Dest: 7, Msg: msg}
	if err := vault.HandleMessage(genuine); err != nil {
		t.Fatalf("handle approval: %v", err)
	}

	// Withdrawing more than the approved allowance is still refused.
	if err := vault.WithdrawCollateral(user, "WETH", big.NewInt(3e18)); !errors.Is(err, ErrWithdrawalNotApproved) {
		t.Fatalf("expected ErrWithdrawalNotApproved, got %v", err)
	}

	if err := vault.WithdrawCollateral(user, "WETH", big.NewInt(2e18)); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	if got := vault.Balance(user, "WETH"); got.Cmp(big.NewInt(3e18)) != 0 {
		t.Fatalf("balance after release: got %s", got)
	}

	// The allowance is consumed with the funds.
	if err := vault.WithdrawCollateral(user, "WETH", big.NewInt(1)); !errors.Is(err, ErrWithdrawalNotApproved) {
		t.Fatalf("expected ErrWithdrawalNotApproved, got %v", err)
	}

	// An approval beyond the locked balance is rejected at receipt.
	over, err := crosschain.NewCollateralWithdrawalApprovalMessage(crosschain.CollateralWithdrawalApprovalPayload{
		User:   user.String(),
		Asset:  "WETH",
		Amount: big.NewInt(4e18),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	env := crosschain.Envelope{Origin: 1, Sender: hubAddress(0xff), Dest: 7, Msg: over}
	if err := vault.HandleMessage(env); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func newLenderVault(t *testing.T) (*LenderVault, *captureDispatcher, *stubBridger, *stubRefunder, *time.Time) {
	t.Helper()
	out := &captureDispatcher{}
	bridger := &stubBridger{}
	refunder := &stubRefunder{}
	vault := NewLenderVault(7, satAddr(0xaa), 1, hubAddress(0xff), newStore(t), time.Hour)
	vault.SetDispatcher(out)
	vault.SetBridger(bridger)
	vault.SetRefunder(refunder)
	now := time.Unix(1_700_000_000, 0)
	clock := &now
	vault.SetNowFunc(func() time.Time { return *clock })
	return vault, out, bridger, refunder, clock
}

func TestLenderDepositCreatesPendingOperation(t *testing.T) {
	vault, out, bridger, _, _ := newLenderVault(t)
	lender := hubAddress(0x01)

	id, err := vault.Deposit(lender, usd(10_000), usd(9_990))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected correlation id")
	}

	op, err := vault.Operation(id)
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if op.Status != OpStatusPending || op.Amount.Cmp(usd(10_000)) != 0 {
		t.Fatalf("unexpected op: %+v", op)
	}
	if len(bridger.bridged) != 1 {
		t.Fatalf("principal not bridged")
	}
	if bridger.minimum[0].Cmp(usd(9_990)) != 0 {
		t.Fatalf("slippage bound: got %s", bridger.minimum[0])
	}
	if len(out.envelopes) != 1 || out.envelopes[0].Msg.Type != crosschain.MsgTypeLenderDeposit {
		t.Fatalf("deposit announcement missing")
	}
}

type stubFeeQuoter struct {
	fee   *big.Int
	err   error
	dest  uint64
	sizes []int
}

func (q *stubFeeQuoter) QuoteFee(dest uint64, payloadSize int) (*big.Int, error) {
	q.dest = dest
	q.sizes = append(q.sizes, payloadSize)
	if q.err != nil {
		return nil, q.err
	}
	return q.fee, nil
}

func TestLenderDepositChecksDeliveryFee(t *testing.T) {
	vault, out, bridger, _, _ := newLenderVault(t)
	lender := hubAddress(0x01)

	quoter := &stubFeeQuoter{fee: big.NewInt(5)}
	vault.SetFeeQuoter(quoter, big.NewInt(10))

	if _, err := vault.Deposit(lender, usd(10_000), nil); err != nil {
		t.Fatalf("deposit under cap: %v", err)
	}
	if len(quoter.sizes) != 1 || quoter.sizes[0] == 0 {
		t.Fatalf("quote must price the announcement payload: %+v", quoter.sizes)
	}
	if quoter.dest != 1 {
		t.Fatalf("quote destination: got %d", quoter.dest)
	}

	// An over-cap quote rejects the deposit before any funds move.
	vault.SetFeeQuoter(quoter, big.NewInt(3))
	if _, err := vault.Deposit(lender, usd(10_000), nil); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	if len(bridger.bridged) != 1 || len(out.envelopes) != 1 {
		t.Fatalf("rejected deposit must not bridge or announce")
	}

	// A quoter failure surfaces instead of dispatching blind.
	quoter.err = errors.New("transport down")
	vault.SetFeeQuoter(quoter, nil)
	if _, err := vault.Deposit(lender, usd(10_000), nil); err == nil {
		t.Fatalf("expected quote failure to surface")
	}
}

func TestLenderConfirmationResolvesOperation(t *testing.T) {
	vault, _, _, _, _ := newLenderVault(t)
	lender := hubAddress(0x01)

	id, err := vault.Deposit(lender, usd(10_000), nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	msg, err := crosschain.NewLenderDepositConfirmationMessage(crosschain.LenderDepositConfirmationPayload{
		CorrelationID: id,
		SharesMinted:  usd(10_000),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	env := crosschain.Envelope{Origin: 1, Sender: hubAddress(0xff), Dest: 7, Msg: msg}
	if err := vault.HandleMessage(env); err != nil {
		t.Fatalf("handle confirmation: %v", err)
	}

	op, err := vault.Operation(id)
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if op.Status != OpStatusConfirmed || op.SharesMinted.Cmp(usd(10_000)) != 0 {
		t.Fatalf("unexpected op: %+v", op)
	}

	// Redelivered confirmations are acknowledged without effect.
	if err := vault.HandleMessage(env); err != nil {
		t.Fatalf("duplicate confirmation: %v", err)
	}

	// A confirmed operation can no longer be refunded.
	if err := vault.CheckAndRefund(id); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
}

func TestLenderRefundAfterTimeout(t *testing.T) {
	vault, _, _, refunder, clock := newLenderVault(t)
	lender := hubAddress(0x01)

	id, err := vault.Deposit(lender, usd(10_000), nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := vault.CheckAndRefund(id); !errors.Is(err, ErrRefundNotDue) {
		t.Fatalf("expected ErrRefundNotDue, got %v", err)
	}

	*clock = clock.Add(2 * time.Hour)
	if err := vault.CheckAndRefund(id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(refunder.refunds) != 1 || refunder.refunds[0].Cmp(usd(10_000)) != 0 {
		t.Fatalf("refund not issued: %+v", refunder.refunds)
	}

	op, err := vault.Operation(id)
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if op.Status != OpStatusRefunded {
		t.Fatalf("status: got %s", op.Status)
	}

	// A confirmation landing after the refund is a conflict, not a no-op.
	msg, err := crosschain.NewLenderDepositConfirmationMessage(crosschain.LenderDepositConfirmationPayload{
		CorrelationID: id,
		SharesMinted:  usd(10_000),
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	env := crosschain.Envelope{Origin: 1, Sender: hubAddress(0xff), Dest: 7, Msg: msg}
	if err := vault.HandleMessage(env); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
}

func TestLenderRefundUnknownOperation(t *testing.T) {
	vault, _, _, _, _ := newLenderVault(t)
	if err := vault.CheckAndRefund("no-such-op"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

// Full in-process loop: satellite deposit travels through the router to the
// hub ledger, shares are minted, and the confirmation resolves the pending
// operation back on the satellite.
func TestCrossChainDepositRoundTrip(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	scorer := creditscore.NewEngine(manager)

	router := crosschain.NewRouter(nil)
	bridger := &stubBridger{}
	outbox := crosschain.NewOutbox(router, bridger)

	hubModule := hubAddress(0xff)
	ledger := lending.NewEngine(1, hubModule, lending.Params{MinLoan: usd(100), LoanTermSeconds: 180 * 24 * 3600})
	ledger.SetState(lending.NewState(manager))
	ledger.SetCreditScorer(scorer)
	ledger.SetOutbox(outbox)
	ledger.RegisterVault(7, satAddr(0xaa))

	vault := NewLenderVault(7, satAddr(0xaa), 1, hubModule, newStore(t), time.Hour)
	vault.SetDispatcher(router)
	vault.SetBridger(bridger)

	router.Register(1, ledger)
	router.Register(7, vault)

	lender := hubAddress(0x01)
	id, err := vault.Deposit(lender, usd(10_000), nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	shares, err := ledger.SharesOf(lender)
	if err != nil {
		t.Fatalf("shares of: %v", err)
	}
	if shares.Cmp(usd(10_000)) != 0 {
		t.Fatalf("minted shares: got %s want %s", shares, usd(10_000))
	}

	op, err := vault.Operation(id)
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if op.Status != OpStatusConfirmed {
		t.Fatalf("operation status: got %s", op.Status)
	}

	// The transport may redeliver; replaying the deposit must not mint again.
	err = router.Resend(func(env crosschain.Envelope) bool {
		return env.Msg.Type == crosschain.MsgTypeLenderDeposit
	})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	shares, err = ledger.SharesOf(lender)
	if err != nil {
		t.Fatalf("shares of: %v", err)
	}
	if shares.Cmp(usd(10_000)) != 0 {
		t.Fatalf("replay minted again: got %s", shares)
	}
}
