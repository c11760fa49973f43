package crosschain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"crosslend/crypto"
)

var (
	// ErrNoRoute marks dispatches toward sites with neither a local handler
	// nor a transport.
	ErrNoRoute = errors.New("crosschain: no route to destination site")
	// ErrNilTransport marks senders wired without a transport.
	ErrNilTransport = errors.New("crosschain: transport not configured")
	// ErrUnknownEnvelope marks resend requests for envelopes the journal
	// never saw.
	ErrUnknownEnvelope = errors.New("crosschain: envelope not in journal")
)

// Envelope carries a message together with its provenance. The hub uses the
// (Origin, Sender) pair to authorize state mutations.
type Envelope struct {
	Origin uint64
	Sender crypto.Address
	Dest   uint64
	Msg    Message
}

// Handler consumes inbound envelopes for a site. The hub ledger and satellite
// vaults both implement it.
type Handler interface {
	HandleMessage(env Envelope) error
}

// Transport moves envelopes (and the bridged principal asset) between sites.
// Implementations wrap the external messaging/bridging service.
type Transport interface {
	// QuoteFee returns the delivery fee for a payload of the given size.
	QuoteFee(dest uint64, payloadSize int) (*big.Int, error)
	// Send dispatches the envelope toward the destination site. Delivery is
	// at-least-once; receivers must tolerate duplicates.
	Send(env Envelope) error
}

// Router connects local handlers and the external transport. Messages to a
// locally registered site are delivered in-process; everything else goes
// through the transport. Outbound envelopes are journaled so an operator can
// re-send after a delivery failure. The router itself never retries.
type Router struct {
	mu        sync.Mutex
	transport Transport
	handlers  map[uint64]Handler
	journal   []Envelope
	journalCap int
}

// NewRouter constructs a router with the given transport. A nil transport is
// acceptable for single-process deployments where every site is local.
func NewRouter(transport Transport) *Router {
	return &Router{
		transport:  transport,
		handlers:   make(map[uint64]Handler),
		journalCap: 256,
	}
}

// Register binds a handler for the given site identifier.
func (r *Router) Register(site uint64, h Handler) {
	if r == nil || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[site] = h
	r.mu.Unlock()
}

// Dispatch routes the envelope to its destination. Unknown message types are
// rejected before any delivery attempt.
func (r *Router) Dispatch(env Envelope) error {
	if r == nil {
		return ErrNoRoute
	}
	if !KnownType(env.Msg.Type) {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, env.Msg.Type)
	}

	r.mu.Lock()
	handler := r.handlers[env.Dest]
	transport := r.transport
	r.record(env)
	r.mu.Unlock()

	if handler != nil {
		return handler.HandleMessage(env)
	}
	if transport == nil {
		return ErrNoRoute
	}
	return transport.Send(env)
}

// QuoteFee forwards the transport's fee quote for the payload size.
func (r *Router) QuoteFee(dest uint64, payloadSize int) (*big.Int, error) {
	if r == nil || r.transport == nil {
		return nil, ErrNilTransport
	}
	return r.transport.QuoteFee(dest, payloadSize)
}

// Resend re-dispatches the most recent journaled envelope matching the
// predicate. This is the operator-initiated recovery path; there is no
// automatic retry.
func (r *Router) Resend(match func(Envelope) bool) error {
	if r == nil || match == nil {
		return ErrUnknownEnvelope
	}
	r.mu.Lock()
	var found *Envelope
	for i := len(r.journal) - 1; i >= 0; i-- {
		if match(r.journal[i]) {
			env := r.journal[i]
			found = &env
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return ErrUnknownEnvelope
	}
	return r.Dispatch(*found)
}

// record appends to the bounded journal. Caller holds the lock.
func (r *Router) record(env Envelope) {
	r.journal = append(r.journal, env)
	if len(r.journal) > r.journalCap {
		r.journal = r.journal[len(r.journal)-r.journalCap:]
	}
}
