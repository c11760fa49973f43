package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"crosslend/crosschain"
	"crosslend/crypto"
)

var (
	// ErrRefundNotDue marks refund attempts inside the confirmation window.
	ErrRefundNotDue = errors.New("vault: refund window not open")
	// ErrFeeTooHigh marks deposits whose quoted delivery fee exceeds the
	// configured cap.
	ErrFeeTooHigh = errors.New("vault: delivery fee exceeds cap")

	errNilBridger = errors.New("vault: bridger not configured")
	errNilStore   = errors.New("vault: pending store not configured")
)

// FeeQuoter prices envelope delivery toward a destination site. The
// crosschain.Router satisfies it.
type FeeQuoter interface {
	QuoteFee(dest uint64, payloadSize int) (*big.Int, error)
}

// Refunder returns bridged principal to the lender on the satellite site when
// a deposit times out unconfirmed.
type Refunder interface {
	Refund(lender crypto.Address, amount *big.Int) error
}

// LenderVault accepts lending deposits on a satellite site, bridges the
// principal to the hub, and announces the deposit with a unique correlation
// id. Confirmations resolve the pending record; unconfirmed deposits become
// refundable after the timeout window.
type LenderVault struct {
	site      uint64
	hubSite   uint64
	hubSender crypto.Address
	addr      crypto.Address
	out       Dispatcher
	fees      FeeQuoter
	feeCap    *big.Int
	bridger   crosschain.Bridger
	refunder  Refunder
	store     *PendingStore
	timeout   time.Duration
	nowFn     func() time.Time
}

// NewLenderVault constructs a lender vault. timeout bounds how long a deposit
// may stay unconfirmed before CheckAndRefund may return it.
func NewLenderVault(site uint64, addr crypto.Address, hubSite uint64, hubSender crypto.Address, store *PendingStore, timeout time.Duration) *LenderVault {
	return &LenderVault{
		site:      site,
		hubSite:   hubSite,
		hubSender: hubSender,
		addr:      addr,
		store:     store,
		timeout:   timeout,
		nowFn:     time.Now,
	}
}

func (v *LenderVault) SetDispatcher(out Dispatcher) { v.out = out }

// SetFeeQuoter enables a delivery-fee check before each deposit announcement.
// Deposits whose quoted fee exceeds feeCap are rejected with ErrFeeTooHigh; a
// nil feeCap accepts any quote. Single-process deployments where the hub is a
// local handler leave the quoter unset.
func (v *LenderVault) SetFeeQuoter(fees FeeQuoter, feeCap *big.Int) {
	v.fees = fees
	v.feeCap = feeCap
}

func (v *LenderVault) SetBridger(bridger crosschain.Bridger) { v.bridger = bridger }

func (v *LenderVault) SetRefunder(refunder Refunder) { v.refunder = refunder }

// SetNowFunc overrides the wall clock. Primarily leveraged in tests.
func (v *LenderVault) SetNowFunc(now func() time.Time) {
	if now == nil {
		v.nowFn = time.Now
		return
	}
	v.nowFn = now
}

// Address returns the vault's own address, the sender the hub authorizes.
func (v *LenderVault) Address() crypto.Address { return v.addr }

// Deposit bridges the principal to the hub and announces the deposit. The
// correlation id tagging the operation is returned; the caller can use it to
// query status or claim a timeout refund. minReceived bounds bridge slippage;
// nil means the full amount must arrive.
func (v *LenderVault) Deposit(lender crypto.Address, amount, minReceived *big.Int) (string, error) {
	if v.store == nil {
		return "", errNilStore
	}
	if v.out == nil {
		return "", errNilDispatcher
	}
	if v.bridger == nil {
		return "", errNilBridger
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if minReceived == nil || minReceived.Sign() <= 0 || minReceived.Cmp(amount) > 0 {
		minReceived = amount
	}

	correlationID := uuid.NewString()
	msg, err := crosschain.NewLenderDepositMessage(crosschain.LenderDepositPayload{
		CorrelationID: correlationID,
		Lender:        lender.String(),
		Amount:        amount,
	})
	if err != nil {
		return "", err
	}

	// Price the announcement before any funds move.
	if v.fees != nil {
		fee, err := v.fees.QuoteFee(v.hubSite, len(msg.Payload))
		if err != nil {
			return "", fmt.Errorf("vault: quote delivery fee: %w", err)
		}
		if v.feeCap != nil && fee != nil && fee.Cmp(v.feeCap) > 0 {
			return "", fmt.Errorf("%w: quoted %s cap %s", ErrFeeTooHigh, fee, v.feeCap)
		}
	}

	op := &PendingOperation{
		CorrelationID: correlationID,
		Lender:        lender.String(),
		Amount:        amount,
		Status:        OpStatusPending,
		CreatedAt:     v.nowFn(),
	}
	if err := v.store.Put(op); err != nil {
		return "", err
	}

	if err := v.bridger.BridgeAsset(v.hubSite, v.hubSender, amount, minReceived); err != nil {
		return "", fmt.Errorf("vault: bridge deposit: %w", err)
	}

	err = v.out.Dispatch(crosschain.Envelope{
		Origin: v.site,
		Sender: v.addr,
		Dest:   v.hubSite,
		Msg:    msg,
	})
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

// HandleMessage consumes hub confirmations. Confirming an already resolved
// operation is rejected; redelivered confirmations for a confirmed operation
// are acknowledged without effect.
func (v *LenderVault) HandleMessage(env crosschain.Envelope) error {
	if env.Origin != v.hubSite || !env.Sender.Equal(v.hubSender) {
		return ErrUnauthorizedHub
	}
	if env.Msg.Type != crosschain.MsgTypeLenderDepositConfirmation {
		return fmt.Errorf("%w: 0x%02x", crosschain.ErrUnknownMessageType, env.Msg.Type)
	}
	payload, err := crosschain.DecodeLenderDepositConfirmation(env.Msg)
	if err != nil {
		return err
	}

	op, err := v.store.Get(payload.CorrelationID)
	if err != nil {
		return err
	}
	switch op.Status {
	case OpStatusConfirmed:
		// At-least-once delivery tolerates duplicate confirmations.
		return nil
	case OpStatusRefunded:
		return ErrDuplicateOperation
	}

	op.Status = OpStatusConfirmed
	op.SharesMinted = payload.SharesMinted
	op.ResolvedAt = v.nowFn()
	return v.store.Put(op)
}

// CheckAndRefund resolves a timed-out pending operation by returning the
// principal to the lender. Inside the window it reports ErrRefundNotDue;
// resolved operations report ErrDuplicateOperation.
func (v *LenderVault) CheckAndRefund(correlationID string) error {
	if v.store == nil {
		return errNilStore
	}
	op, err := v.store.Get(correlationID)
	if err != nil {
		return err
	}
	if op.Status != OpStatusPending {
		return ErrDuplicateOperation
	}
	if v.nowFn().Before(op.CreatedAt.Add(v.timeout)) {
		return ErrRefundNotDue
	}

	if v.refunder != nil {
		lender, err := crypto.DecodeAddress(op.Lender)
		if err != nil {
			return err
		}
		if err := v.refunder.Refund(lender, op.Amount); err != nil {
			return err
		}
	}

	op.Status = OpStatusRefunded
	op.ResolvedAt = v.nowFn()
	return v.store.Put(op)
}

// Operation returns the pending-operation record for a correlation id.
func (v *LenderVault) Operation(correlationID string) (*PendingOperation, error) {
	if v.store == nil {
		return nil, errNilStore
	}
	return v.store.Get(correlationID)
}
