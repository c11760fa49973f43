package core

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"crosslend/core/types"
	"crosslend/crosschain"
	"crosslend/crypto"
	"crosslend/native/auction"
	nativecommon "crosslend/native/common"
	"crosslend/native/creditscore"
	"crosslend/native/lending"
	"crosslend/native/oracle"
	"crosslend/observability"
)

// ErrRateLimited marks entrypoint calls rejected by the per-address quota.
var ErrRateLimited = errors.New("hub: rate limited")

var errNilEngine = errors.New("hub: engines not configured")

// Hub is the single-writer front door for every ledger mutation. One mutex
// serializes all state transitions; the engines below it never lock.
type Hub struct {
	mu sync.Mutex

	ledger   *lending.Engine
	scorer   *creditscore.Engine
	auctions *auction.Engine
	prices   *oracle.Adapter

	quota    nativecommon.Quota
	usage    map[string]nativecommon.QuotaNow
	events   []types.Event
	eventCap int

	logger *slog.Logger
	nowFn  func() time.Time
}

// NewHub wires the engines behind a shared critical section.
func NewHub(ledger *lending.Engine, scorer *creditscore.Engine, auctions *auction.Engine, prices *oracle.Adapter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ledger:   ledger,
		scorer:   scorer,
		auctions: auctions,
		prices:   prices,
		usage:    make(map[string]nativecommon.QuotaNow),
		eventCap: 1024,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// SetQuota enables per-address request/volume limits on mutating entrypoints.
func (h *Hub) SetQuota(q nativecommon.Quota) {
	h.mu.Lock()
	h.quota = q
	h.mu.Unlock()
}

// checkQuota enforces the per-address quota. Caller holds the lock.
func (h *Hub) checkQuota(addr crypto.Address, volume *big.Int) error {
	if h.quota.MaxRequestsPerEpoch == 0 && h.quota.MaxVolumePerEpoch == 0 {
		return nil
	}
	epochSeconds := uint64(h.quota.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 3600
	}
	nowEpoch := uint64(h.nowFn().Unix()) / epochSeconds
	var addVolume uint64
	if volume != nil && volume.IsUint64() {
		addVolume = volume.Uint64()
	} else if volume != nil {
		addVolume = ^uint64(0)
	}
	key := addr.String()
	next, err := nativecommon.CheckQuota(h.quota, nowEpoch, h.usage[key], 1, addVolume)
	if err != nil {
		observability.Ledger().RecordThrottle("quota")
		return errors.Join(ErrRateLimited, err)
	}
	h.usage[key] = next
	return nil
}

// emit appends to the bounded in-memory event log. Caller holds the lock.
func (h *Hub) emit(evt types.Event) {
	h.events = append(h.events, evt)
	if len(h.events) > h.eventCap {
		h.events = h.events[len(h.events)-h.eventCap:]
	}
}

// DrainEvents returns and clears the accumulated events.
func (h *Hub) DrainEvents() []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.events
	h.events = nil
	return events
}

func (h *Hub) observe(op string, start time.Time, err error) {
	observability.Ledger().Observe(op, err, time.Since(start))
	if err != nil {
		h.logger.Warn("ledger operation failed", "operation", op, "error", err.Error())
	}
}

// Deposit mints pool shares for the lender.
func (h *Hub) Deposit(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(lender, amount); err != nil {
		return nil, err
	}
	shares, err := h.ledger.Deposit(lender, amount)
	h.observe("deposit", start, err)
	if err != nil {
		return nil, err
	}
	h.emit(lending.NewDepositEvent(lender, amount, shares))
	return shares, nil
}

// Withdraw redeems shares for the lender.
func (h *Hub) Withdraw(lender crypto.Address, shares *big.Int) (*big.Int, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(lender, nil); err != nil {
		return nil, err
	}
	amount, err := h.ledger.Withdraw(lender, shares)
	h.observe("withdraw", start, err)
	if err != nil {
		return nil, err
	}
	h.emit(lending.NewWithdrawEvent(lender, shares, amount))
	return amount, nil
}

// Borrow opens or extends a loan with local principal delivery.
func (h *Hub) Borrow(borrower crypto.Address, amount *big.Int) (*lending.Loan, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(borrower, amount); err != nil {
		return nil, err
	}
	loan, err := h.ledger.Borrow(borrower, amount)
	h.observe("borrow", start, err)
	if err != nil {
		return nil, err
	}
	h.emit(lending.NewBorrowEvent(borrower, amount, loan.RateBps))
	return loan, nil
}

// BorrowCrossChain opens a loan with principal bridged to another site.
func (h *Hub) BorrowCrossChain(borrower crypto.Address, amount *big.Int, destSite uint64, minReceived *big.Int) (*lending.Loan, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(borrower, amount); err != nil {
		return nil, err
	}
	loan, err := h.ledger.BorrowCrossChain(borrower, amount, destSite, minReceived)
	h.observe("borrow_cross_chain", start, err)
	if err != nil {
		return nil, err
	}
	h.emit(lending.NewBorrowEvent(borrower, amount, loan.RateBps))
	return loan, nil
}

// Repay applies a payment toward the borrower's loan.
func (h *Hub) Repay(borrower crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if h == nil || h.ledger == nil {
		return nil, nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(borrower, amount); err != nil {
		return nil, nil, err
	}
	principal, interest, err := h.ledger.Repay(borrower, amount)
	h.observe("repay", start, err)
	if err != nil {
		return nil, nil, err
	}
	loan, lerr := h.ledger.LoanOf(borrower)
	settled := lerr == nil && loan != nil && !loan.Active
	h.emit(lending.NewRepayEvent(borrower, principal, interest, settled))
	if settled && h.scorer != nil {
		onTime := loan.DueDate >= uint64(h.nowFn().Unix())
		if profile, perr := h.scorer.Profile(borrower); perr == nil {
			h.emit(*creditscore.NewRepaymentRecordedEvent(borrower, profile, onTime))
		}
	}
	return principal, interest, nil
}

// ApproveCollateralWithdrawal releases collateral back to its origin vault.
func (h *Hub) ApproveCollateralWithdrawal(user crypto.Address, asset string, origin uint64, amount *big.Int) error {
	if h == nil || h.ledger == nil {
		return errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkQuota(user, nil); err != nil {
		return err
	}
	err := h.ledger.ApproveCollateralWithdrawal(user, asset, origin, amount)
	h.observe("approve_withdrawal", start, err)
	if err != nil {
		return err
	}
	h.emit(lending.NewWithdrawalApprovedEvent(user, asset, origin, amount))
	return nil
}

// HandleMessage consumes inbound cross-chain envelopes under the hub lock,
// making the hub the crosschain.Handler registered with the router.
func (h *Hub) HandleMessage(env crosschain.Envelope) error {
	if h == nil || h.ledger == nil {
		return errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	observability.CrossChain().RecordMessage(messageTypeName(env.Msg.Type), "inbound")
	err := h.ledger.HandleMessage(env)
	h.observe("handle_message", start, err)
	if err != nil {
		return err
	}
	if env.Msg.Type == crosschain.MsgTypeCollateralUpdate {
		if payload, derr := crosschain.DecodeCollateralUpdate(env.Msg); derr == nil {
			h.emit(lending.NewCollateralUpdatedEvent(payload.User, payload.Asset, payload.Amount, payload.ValueUSD))
		}
	}
	return nil
}

// CreateAuction opens a liquidation auction against an unhealthy loan.
func (h *Hub) CreateAuction(borrower crypto.Address) (*auction.Auction, error) {
	if h == nil || h.auctions == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	opened, err := h.auctions.CreateAuction(borrower)
	h.observe("create_auction", start, err)
	return opened, err
}

// ExecuteLiquidation runs the auction settlement.
func (h *Hub) ExecuteLiquidation(borrower crypto.Address) (*big.Int, error) {
	if h == nil || h.auctions == nil {
		return nil, errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	surplus, err := h.auctions.ExecuteLiquidation(borrower)
	h.observe("execute_liquidation", start, err)
	observability.Auctions().RecordLiquidation(err)
	if err != nil {
		return nil, err
	}
	if h.scorer != nil {
		if profile, perr := h.scorer.Profile(borrower); perr == nil {
			h.emit(*creditscore.NewLiquidationRecordedEvent(borrower, profile))
		}
	}
	return surplus, nil
}

// UpdatePriceFeeds forwards signed price updates to the oracle feed.
func (h *Hub) UpdatePriceFeeds(update [][]byte) error {
	if h == nil || h.prices == nil {
		return errNilEngine
	}
	start := h.nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.prices.UpdatePriceFeeds(update)
	h.observe("update_price_feeds", start, err)
	return err
}

// PoolSnapshot returns the pool view.
func (h *Hub) PoolSnapshot() (*lending.PoolView, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.PoolSnapshot()
}

// LoanView returns the borrower's loan snapshot.
func (h *Hub) LoanView(borrower crypto.Address) (*lending.LoanView, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.LoanViewOf(borrower)
}

// CreditProfile returns the borrower's reputation profile.
func (h *Hub) CreditProfile(addr crypto.Address) (*creditscore.Profile, uint64, error) {
	if h == nil || h.scorer == nil {
		return nil, 0, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	profile, err := h.scorer.Profile(addr)
	if err != nil {
		return nil, 0, err
	}
	return profile, creditscore.Score(profile), nil
}

// AuctionView returns the borrower's auction record.
func (h *Hub) AuctionView(borrower crypto.Address) (*auction.Auction, error) {
	if h == nil || h.auctions == nil {
		return nil, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auctions.AuctionOf(borrower)
}

// CollateralValueOf returns the borrower's current USD collateral mirror.
func (h *Hub) CollateralValueOf(borrower crypto.Address) (*big.Int, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.CollateralValueOf(borrower)
}

// SharesOf returns the lender's share balance.
func (h *Hub) SharesOf(lender crypto.Address) (*big.Int, error) {
	if h == nil || h.ledger == nil {
		return nil, errNilEngine
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.SharesOf(lender)
}

func messageTypeName(msgType byte) string {
	switch msgType {
	case crosschain.MsgTypeLenderDeposit:
		return "lender_deposit"
	case crosschain.MsgTypeLenderDepositConfirmation:
		return "lender_deposit_confirmation"
	case crosschain.MsgTypeCollateralUpdate:
		return "collateral_update"
	case crosschain.MsgTypeCollateralWithdrawalApprove:
		return "collateral_withdrawal_approve"
	}
	return "unknown"
}
