package crosschain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Wire discriminants for cross-chain messages. The discriminant plus the
// payload field order below form the wire contract between hub and
// satellites.
const (
	MsgTypeLenderDeposit               byte = 0x01
	MsgTypeLenderDepositConfirmation   byte = 0x02
	MsgTypeCollateralUpdate            byte = 0x03
	MsgTypeCollateralWithdrawalApprove byte = 0x04
)

// ErrUnknownMessageType marks discriminants outside the wire contract.
// Routing fails closed on them.
var ErrUnknownMessageType = errors.New("crosschain: unknown message type")

// Message is the tagged envelope payload carried between sites.
type Message struct {
	Type    byte            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LenderDepositPayload announces a satellite-side lending deposit to the hub.
type LenderDepositPayload struct {
	CorrelationID string   `json:"correlationId"`
	Lender        string   `json:"lender"`
	Amount        *big.Int `json:"amount"`
}

// LenderDepositConfirmationPayload acknowledges a minted deposit back to the
// originating satellite.
type LenderDepositConfirmationPayload struct {
	CorrelationID string   `json:"correlationId"`
	SharesMinted  *big.Int `json:"sharesMinted"`
}

// CollateralUpdatePayload adjusts a user's collateral balance on the hub.
// Amount is a signed delta; ValueUSD carries the satellite's local estimate
// of the delta's USD value in the ledger accounting unit.
type CollateralUpdatePayload struct {
	User     string   `json:"user"`
	Asset    string   `json:"asset"`
	Amount   *big.Int `json:"amount"`
	ValueUSD *big.Int `json:"valueUsd"`
}

// CollateralWithdrawalApprovalPayload authorizes a satellite vault to release
// previously locked collateral.
type CollateralWithdrawalApprovalPayload struct {
	User   string   `json:"user"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

// --- Message Creation Helpers ---

func NewLenderDepositMessage(p LenderDepositPayload) (Message, error) {
	return encode(MsgTypeLenderDeposit, p)
}

func NewLenderDepositConfirmationMessage(p LenderDepositConfirmationPayload) (Message, error) {
	return encode(MsgTypeLenderDepositConfirmation, p)
}

func NewCollateralUpdateMessage(p CollateralUpdatePayload) (Message, error) {
	return encode(MsgTypeCollateralUpdate, p)
}

func NewCollateralWithdrawalApprovalMessage(p CollateralWithdrawalApprovalPayload) (Message, error) {
	return encode(MsgTypeCollateralWithdrawalApprove, p)
}

func encode(msgType byte, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// --- Payload Decoding ---

func DecodeLenderDeposit(msg Message) (LenderDepositPayload, error) {
	var p LenderDepositPayload
	if msg.Type != MsgTypeLenderDeposit {
		return p, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msg.Type)
	}
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeLenderDepositConfirmation(msg Message) (LenderDepositConfirmationPayload, error) {
	var p LenderDepositConfirmationPayload
	if msg.Type != MsgTypeLenderDepositConfirmation {
		return p, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msg.Type)
	}
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeCollateralUpdate(msg Message) (CollateralUpdatePayload, error) {
	var p CollateralUpdatePayload
	if msg.Type != MsgTypeCollateralUpdate {
		return p, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msg.Type)
	}
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeCollateralWithdrawalApproval(msg Message) (CollateralWithdrawalApprovalPayload, error) {
	var p CollateralWithdrawalApprovalPayload
	if msg.Type != MsgTypeCollateralWithdrawalApprove {
		return p, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msg.Type)
	}
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

// KnownType reports whether the discriminant belongs to the wire contract.
func KnownType(msgType byte) bool {
	switch msgType {
	case MsgTypeLenderDeposit, MsgTypeLenderDepositConfirmation,
		MsgTypeCollateralUpdate, MsgTypeCollateralWithdrawalApprove:
		return true
	}
	return false
}
