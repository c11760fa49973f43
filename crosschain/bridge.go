package crosschain

import (
	"errors"
	"math/big"

	"crosslend/crypto"
)

// ErrNilBridger marks outboxes wired without an asset bridge.
var ErrNilBridger = errors.New("crosschain: bridger not configured")

// Bridger moves the principal asset itself between sites. Messaging and value
// transfer ride separate rails; the bridger covers the latter.
type Bridger interface {
	// BridgeAsset delivers amount to the recipient on the destination site.
	// minReceived bounds acceptable slippage on the way over.
	BridgeAsset(dest uint64, to crypto.Address, amount, minReceived *big.Int) error
}

// Outbox pairs the message router with the asset bridge, forming the single
// outbound surface the ledger engines depend on.
type Outbox struct {
	router  *Router
	bridger Bridger
}

func NewOutbox(router *Router, bridger Bridger) *Outbox {
	return &Outbox{router: router, bridger: bridger}
}

// Dispatch forwards to the router.
func (o *Outbox) Dispatch(env Envelope) error {
	if o == nil || o.router == nil {
		return ErrNoRoute
	}
	return o.router.Dispatch(env)
}

// BridgeAsset forwards to the bridge rail.
func (o *Outbox) BridgeAsset(dest uint64, to crypto.Address, amount, minReceived *big.Int) error {
	if o == nil || o.bridger == nil {
		return ErrNilBridger
	}
	return o.bridger.BridgeAsset(dest, to, amount, minReceived)
}
