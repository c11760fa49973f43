package creditscore

import (
	"strconv"

	"crosslend/core/types"
	"crosslend/crypto"
)

const (
	// EventTypeRepaymentRecorded is emitted when a repayment updates a
	// credit profile.
	EventTypeRepaymentRecorded = "creditscore.repaymentRecorded"
	// EventTypeLiquidationRecorded is emitted when a liquidation is charged
	// against a profile.
	EventTypeLiquidationRecorded = "creditscore.liquidationRecorded"
)

// NewRepaymentRecordedEvent returns the canonical event payload for a
// repayment record.
func NewRepaymentRecordedEvent(addr crypto.Address, profile *Profile, onTime bool) *types.Event {
	attrs := map[string]string{
		"address": addr.String(),
		"onTime":  strconv.FormatBool(onTime),
	}
	if profile != nil {
		attrs["score"] = strconv.FormatUint(Score(profile), 10)
		attrs["streak"] = strconv.FormatUint(profile.ConsecutiveOnTime, 10)
	}
	return &types.Event{Type: EventTypeRepaymentRecorded, Attributes: attrs}
}

// NewLiquidationRecordedEvent returns the canonical event payload for a
// liquidation record.
func NewLiquidationRecordedEvent(addr crypto.Address, profile *Profile) *types.Event {
	attrs := map[string]string{
		"address": addr.String(),
	}
	if profile != nil {
		attrs["score"] = strconv.FormatUint(Score(profile), 10)
		attrs["liquidations"] = strconv.FormatUint(profile.Liquidations, 10)
	}
	return &types.Event{Type: EventTypeLiquidationRecorded, Attributes: attrs}
}
