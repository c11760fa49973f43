package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"crosslend/crosschain"
	"crosslend/crypto"
)

var (
	// ErrUnauthorizedHub marks inbound envelopes not sent by the configured
	// hub module.
	ErrUnauthorizedHub = errors.New("vault: envelope not from hub")
	// ErrInsufficientCollateral marks releases above the locked balance.
	ErrInsufficientCollateral = errors.New("vault: insufficient locked collateral")
	// ErrInvalidAmount marks zero or negative amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
	// ErrWithdrawalNotApproved marks withdrawals exceeding the hub-approved
	// allowance.
	ErrWithdrawalNotApproved = errors.New("vault: withdrawal not approved by hub")

	errNilDispatcher = errors.New("vault: dispatcher not configured")
	errNilEstimator  = errors.New("vault: price estimator not configured")
	errUnknownAsset  = errors.New("vault: asset decimals not registered")
)

// Dispatcher is the outbound messaging surface, typically the crosschain
// router.
type Dispatcher interface {
	Dispatch(env crosschain.Envelope) error
}

// Estimator produces the local USD estimate reported alongside collateral
// updates.
type Estimator interface {
	AssetValueUSD(asset string, amount *big.Int, decimals uint8) (*big.Int, error)
}

type balanceKey struct {
	user  string
	asset string
}

// CollateralVault locks collateral on a satellite site and mirrors balance
// changes to the hub. Withdrawals are two-phase: funds leave only after the
// hub's explicit approval message arrives.
type CollateralVault struct {
	mu        sync.Mutex
	site      uint64
	hubSite   uint64
	hubSender crypto.Address
	addr      crypto.Address
	out       Dispatcher
	estimator Estimator
	decimals  map[string]uint8
	balances  map[balanceKey]*big.Int
	approved  map[balanceKey]*big.Int
}

// NewCollateralVault constructs a vault for the given satellite site,
// reporting to the hub module address on the hub site.
func NewCollateralVault(site uint64, addr crypto.Address, hubSite uint64, hubSender crypto.Address) *CollateralVault {
	return &CollateralVault{
		site:      site,
		hubSite:   hubSite,
		hubSender: hubSender,
		addr:      addr,
		decimals:  make(map[string]uint8),
		balances:  make(map[balanceKey]*big.Int),
		approved:  make(map[balanceKey]*big.Int),
	}
}

func (v *CollateralVault) SetDispatcher(out Dispatcher) { v.out = out }

func (v *CollateralVault) SetEstimator(estimator Estimator) { v.estimator = estimator }

// RegisterAssetDecimals records the token decimals for local USD estimates.
func (v *CollateralVault) RegisterAssetDecimals(asset string, decimals uint8) {
	v.decimals[asset] = decimals
}

// Address returns the vault's own address, the sender the hub authorizes.
func (v *CollateralVault) Address() crypto.Address { return v.addr }

// DepositCollateral locks amount of asset for the user and reports the
// positive delta to the hub with a local USD estimate.
func (v *CollateralVault) DepositCollateral(user crypto.Address, asset string, amount *big.Int) error {
	if v.out == nil {
		return errNilDispatcher
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	valueUSD, err := v.estimate(asset, amount)
	if err != nil {
		return err
	}

	v.mu.Lock()
	key := balanceKey{user: user.String(), asset: asset}
	balance := v.balances[key]
	if balance == nil {
		balance = big.NewInt(0)
	}
	v.balances[key] = new(big.Int).Add(balance, amount)
	v.mu.Unlock()

	msg, err := crosschain.NewCollateralUpdateMessage(crosschain.CollateralUpdatePayload{
		User:     user.String(),
		Asset:    asset,
		Amount:   amount,
		ValueUSD: valueUSD,
	})
	if err != nil {
		return err
	}
	return v.out.Dispatch(crosschain.Envelope{
		Origin: v.site,
		Sender: v.addr,
		Dest:   v.hubSite,
		Msg:    msg,
	})
}

// Balance returns the locked balance for (user, asset).
func (v *CollateralVault) Balance(user crypto.Address, asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	balance := v.balances[balanceKey{user: user.String(), asset: asset}]
	if balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balance)
}

// WithdrawCollateral releases locked collateral to the user, up to the
// allowance accumulated from hub approvals. The second phase of the release.
func (v *CollateralVault) WithdrawCollateral(user crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := balanceKey{user: user.String(), asset: asset}
	allowance := v.approved[key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return ErrWithdrawalNotApproved
	}
	balance := v.balances[key]
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	v.approved[key] = new(big.Int).Sub(allowance, amount)
	v.balances[key] = new(big.Int).Sub(balance, amount)
	return nil
}

// HandleMessage consumes hub-originated envelopes. Only withdrawal approvals
// are accepted; each one extends the user's release allowance, the hub having
// already reduced its books.
func (v *CollateralVault) HandleMessage(env crosschain.Envelope) error {
	if env.Origin != v.hubSite || !env.Sender.Equal(v.hubSender) {
		return ErrUnauthorizedHub
	}
	if env.Msg.Type != crosschain.MsgTypeCollateralWithdrawalApprove {
		return fmt.Errorf("%w: 0x%02x", crosschain.ErrUnknownMessageType, env.Msg.Type)
	}
	payload, err := crosschain.DecodeCollateralWithdrawalApproval(env.Msg)
	if err != nil {
		return err
	}
	if payload.Amount == nil || payload.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := balanceKey{user: payload.User, asset: payload.Asset}
	balance := v.balances[key]
	if balance == nil || balance.Cmp(payload.Amount) < 0 {
		return ErrInsufficientCollateral
	}
	allowance := v.approved[key]
	if allowance == nil {
		allowance = big.NewInt(0)
	}
	v.approved[key] = new(big.Int).Add(allowance, payload.Amount)
	return nil
}

func (v *CollateralVault) estimate(asset string, amount *big.Int) (*big.Int, error) {
	if v.estimator == nil {
		return nil, errNilEstimator
	}
	decimals, ok := v.decimals[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAsset, asset)
	}
	return v.estimator.AssetValueUSD(asset, amount, decimals)
}
