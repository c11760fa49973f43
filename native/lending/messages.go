package lending

import (
	"fmt"
	"math/big"

	"crosslend/crosschain"
	"crosslend/crypto"
	nativecommon "crosslend/native/common"
	"crosslend/observability"
)

// HandleMessage consumes vault-originated envelopes routed to the hub. Only
// lender deposits and collateral updates are accepted inbound; everything
// else is rejected fail-closed.
func (e *Engine) HandleMessage(env crosschain.Envelope) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.vaultAuthorized(env.Origin, env.Sender) {
		return ErrUnauthorizedVault
	}
	switch env.Msg.Type {
	case crosschain.MsgTypeLenderDeposit:
		return e.handleLenderDeposit(env)
	case crosschain.MsgTypeCollateralUpdate:
		return e.handleCollateralUpdate(env)
	default:
		return fmt.Errorf("%w: 0x%02x", errInboundMessage, env.Msg.Type)
	}
}

// handleLenderDeposit credits a cross-chain deposit exactly once. Redelivered
// envelopes with a known correlation id are acknowledged without effect.
func (e *Engine) handleLenderDeposit(env crosschain.Envelope) error {
	payload, err := crosschain.DecodeLenderDeposit(env.Msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSenderParams, err)
	}
	if payload.CorrelationID == "" {
		return errBadSenderParams
	}
	processed, err := e.state.OperationProcessed(payload.CorrelationID)
	if err != nil {
		return err
	}
	if processed {
		// At-least-once delivery: the transport may redeliver.
		observability.CrossChain().RecordDuplicate("lender_deposit")
		return nil
	}
	lender, err := crypto.DecodeAddress(payload.Lender)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSenderParams, err)
	}
	if payload.Amount == nil || payload.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	shares, err := e.Deposit(lender, payload.Amount)
	if err != nil {
		return err
	}
	if err := e.state.MarkOperationProcessed(payload.CorrelationID); err != nil {
		return err
	}

	if e.outbox == nil {
		return errNilOutbox
	}
	confirmation, err := crosschain.NewLenderDepositConfirmationMessage(crosschain.LenderDepositConfirmationPayload{
		CorrelationID: payload.CorrelationID,
		SharesMinted:  shares,
	})
	if err != nil {
		return err
	}
	return e.outbox.Dispatch(crosschain.Envelope{
		Origin: e.hubSite,
		Sender: e.moduleAddr,
		Dest:   env.Origin,
		Msg:    confirmation,
	})
}

// handleCollateralUpdate applies a signed collateral delta reported by a
// satellite vault. The vault is trusted for the raw amount; the USD mirror is
// refreshed from the reported valuation.
func (e *Engine) handleCollateralUpdate(env crosschain.Envelope) error {
	payload, err := crosschain.DecodeCollateralUpdate(env.Msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSenderParams, err)
	}
	user, err := crypto.DecodeAddress(payload.User)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSenderParams, err)
	}
	if payload.Amount == nil || payload.Amount.Sign() == 0 {
		return ErrInvalidAmount
	}

	balance, err := e.state.GetCollateral(user, payload.Asset, env.Origin)
	if err != nil {
		return err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	balance = new(big.Int).Add(balance, payload.Amount)
	if balance.Sign() < 0 {
		return ErrInvalidAmount
	}

	mirror, err := e.collateralValue(user)
	if err != nil {
		return err
	}
	if payload.ValueUSD != nil {
		mirror = new(big.Int).Add(mirror, payload.ValueUSD)
		if mirror.Sign() < 0 {
			mirror = big.NewInt(0)
		}
	}

	position, err := e.ensurePosition(user)
	if err != nil {
		return err
	}
	position.addCollateralRef(payload.Asset, env.Origin)

	if err := e.state.PutCollateral(user, payload.Asset, env.Origin, balance); err != nil {
		return err
	}
	if err := e.state.PutCollateralValue(user, mirror); err != nil {
		return err
	}
	return e.state.PutPosition(position)
}

// ApproveCollateralWithdrawal releases a collateral balance back to its
// origin vault. The release is refused while a loan is open against the
// collateral; on success the hub books are reduced and the approval message
// is dispatched to the origin site.
func (e *Engine) ApproveCollateralWithdrawal(user crypto.Address, asset string, origin uint64, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.outbox == nil {
		return errNilOutbox
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	loan, err := e.state.GetLoan(user)
	if err != nil {
		return err
	}
	if loan != nil && loan.Active {
		return ErrCollateralInUse
	}

	balance, err := e.state.GetCollateral(user, asset, origin)
	if err != nil {
		return err
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	released := new(big.Int).Sub(balance, amount)

	// Revalue the released portion so the USD mirror stays consistent.
	releasedUSD, err := e.valueAsset(asset, amount)
	if err != nil {
		return err
	}
	mirror, err := e.collateralValue(user)
	if err != nil {
		return err
	}
	mirror = new(big.Int).Sub(mirror, releasedUSD)
	if mirror.Sign() < 0 {
		mirror = big.NewInt(0)
	}

	if err := e.state.PutCollateral(user, asset, origin, released); err != nil {
		return err
	}
	if err := e.state.PutCollateralValue(user, mirror); err != nil {
		return err
	}

	msg, err := crosschain.NewCollateralWithdrawalApprovalMessage(crosschain.CollateralWithdrawalApprovalPayload{
		User:   user.String(),
		Asset:  asset,
		Amount: amount,
	})
	if err != nil {
		return err
	}
	return e.outbox.Dispatch(crosschain.Envelope{
		Origin: e.hubSite,
		Sender: e.moduleAddr,
		Dest:   origin,
		Msg:    msg,
	})
}

// RevalueCollateral reprices every collateral balance held for the user
// against fresh oracle prices and rewrites the USD mirror. The new mirror
// value is returned.
func (e *Engine) RevalueCollateral(user crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.ensurePosition(user)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, ref := range position.CollateralRefs {
		balance, err := e.state.GetCollateral(user, ref.Asset, ref.Origin)
		if err != nil {
			return nil, err
		}
		if balance == nil || balance.Sign() == 0 {
			continue
		}
		value, err := e.valueAsset(ref.Asset, balance)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	if err := e.state.PutCollateralValue(user, total); err != nil {
		return nil, err
	}
	return total, nil
}

func (e *Engine) valueAsset(asset string, amount *big.Int) (*big.Int, error) {
	if e.prices == nil {
		return nil, errNilPriceSource
	}
	decimals, ok := e.decimals[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAsset, asset)
	}
	return e.prices.AssetValueUSD(asset, amount, decimals)
}

func (p *Position) addCollateralRef(asset string, origin uint64) {
	for _, ref := range p.CollateralRefs {
		if ref.Asset == asset && ref.Origin == origin {
			return
		}
	}
	p.CollateralRefs = append(p.CollateralRefs, CollateralRef{Asset: asset, Origin: origin})
}
