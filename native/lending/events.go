package lending

import (
	"math/big"

	"crosslend/core/types"
	"crosslend/crypto"
)

const (
	EventTypeDeposit            = "lending.deposit"
	EventTypeWithdraw           = "lending.withdraw"
	EventTypeBorrow             = "lending.borrow"
	EventTypeRepay              = "lending.repay"
	EventTypeCollateralUpdated  = "lending.collateralUpdated"
	EventTypeWithdrawalApproved = "lending.withdrawalApproved"
)

// NewDepositEvent reports minted shares for a deposit.
func NewDepositEvent(lender crypto.Address, amount, shares *big.Int) types.Event {
	return types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"lender": lender.String(),
			"amount": amount.String(),
			"shares": shares.String(),
		},
	}
}

// NewWithdrawEvent reports redeemed shares.
func NewWithdrawEvent(lender crypto.Address, shares, amount *big.Int) types.Event {
	return types.Event{
		Type: EventTypeWithdraw,
		Attributes: map[string]string{
			"lender": lender.String(),
			"shares": shares.String(),
			"amount": amount.String(),
		},
	}
}

// NewBorrowEvent reports an opened or extended loan.
func NewBorrowEvent(borrower crypto.Address, amount *big.Int, rateBps uint64) types.Event {
	return types.Event{
		Type: EventTypeBorrow,
		Attributes: map[string]string{
			"borrower": borrower.String(),
			"amount":   amount.String(),
			"rateBps":  new(big.Int).SetUint64(rateBps).String(),
		},
	}
}

// NewRepayEvent reports the applied principal and interest portions.
func NewRepayEvent(borrower crypto.Address, principal, interest *big.Int, settled bool) types.Event {
	status := "open"
	if settled {
		status = "settled"
	}
	return types.Event{
		Type: EventTypeRepay,
		Attributes: map[string]string{
			"borrower":  borrower.String(),
			"principal": principal.String(),
			"interest":  interest.String(),
			"status":    status,
		},
	}
}

// NewCollateralUpdatedEvent reports a vault-reported change to the borrower's
// collateral mirror.
func NewCollateralUpdatedEvent(user, asset string, amount, valueUSD *big.Int) types.Event {
	return types.Event{
		Type: EventTypeCollateralUpdated,
		Attributes: map[string]string{
			"user":     user,
			"asset":    asset,
			"amount":   amount.String(),
			"valueUSD": valueUSD.String(),
		},
	}
}

// NewWithdrawalApprovedEvent reports collateral released back toward its
// origin vault.
func NewWithdrawalApprovedEvent(user crypto.Address, asset string, origin uint64, amount *big.Int) types.Event {
	return types.Event{
		Type: EventTypeWithdrawalApproved,
		Attributes: map[string]string{
			"user":   user.String(),
			"asset":  asset,
			"origin": new(big.Int).SetUint64(origin).String(),
			"amount": amount.String(),
		},
	}
}
