package routes

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crosslend/core"
	"crosslend/crypto"
	"crosslend/native/auction"
	"crosslend/native/lending"
	"crosslend/native/oracle"
)

const requestLimit = 1 << 20 // 1 MiB

// hubRoutes wires HTTP handlers to the hub ledger.
type hubRoutes struct {
	hub *core.Hub
}

func newHubRoutes(hub *core.Hub) *hubRoutes {
	return &hubRoutes{hub: hub}
}

func (hr *hubRoutes) mount(r chi.Router) {
	r.Get("/pool", hr.poolSnapshot)
	r.Post("/pool/deposit", hr.deposit)
	r.Post("/pool/withdraw", hr.withdraw)
	r.Get("/loans/{address}", hr.loanView)
	r.Post("/loans/borrow", hr.borrow)
	r.Post("/loans/borrow-cross-chain", hr.borrowCrossChain)
	r.Post("/loans/repay", hr.repay)
	r.Get("/collateral/{address}", hr.collateralValue)
	r.Post("/collateral/approve-withdrawal", hr.approveWithdrawal)
	r.Get("/credit/{address}", hr.creditProfile)
	r.Get("/auctions/{address}", hr.auctionView)
	r.Post("/auctions/create", hr.createAuction)
	r.Post("/auctions/execute", hr.executeLiquidation)
	r.Post("/oracle/update", hr.updatePrices)
	r.Get("/events", hr.drainEvents)
}

type amountRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type borrowCrossChainRequest struct {
	Address     string `json:"address"`
	Amount      string `json:"amount"`
	DestSite    uint64 `json:"destSite"`
	MinReceived string `json:"minReceived"`
}

type approveWithdrawalRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Origin  uint64 `json:"origin"`
	Amount  string `json:"amount"`
}

type borrowerRequest struct {
	Address string `json:"address"`
}

type oracleUpdateRequest struct {
	Updates []string `json:"updates"`
}

func (hr *hubRoutes) deposit(w http.ResponseWriter, req *http.Request) {
	var body amountRequest
	if !decode(w, req, &body) {
		return
	}
	addr, amount, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	shares, err := hr.hub.Deposit(addr, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sharesMinted": shares.String()})
}

func (hr *hubRoutes) withdraw(w http.ResponseWriter, req *http.Request) {
	var body amountRequest
	if !decode(w, req, &body) {
		return
	}
	addr, shares, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	amount, err := hr.hub.Withdraw(addr, shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (hr *hubRoutes) borrow(w http.ResponseWriter, req *http.Request) {
	var body amountRequest
	if !decode(w, req, &body) {
		return
	}
	addr, amount, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	loan, err := hr.hub.Borrow(addr, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanPayload(loan))
}

func (hr *hubRoutes) borrowCrossChain(w http.ResponseWriter, req *http.Request) {
	var body borrowCrossChainRequest
	if !decode(w, req, &body) {
		return
	}
	addr, amount, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	minReceived, ok := parseAmount(w, body.MinReceived)
	if !ok {
		return
	}
	loan, err := hr.hub.BorrowCrossChain(addr, amount, body.DestSite, minReceived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanPayload(loan))
}

func (hr *hubRoutes) repay(w http.ResponseWriter, req *http.Request) {
	var body amountRequest
	if !decode(w, req, &body) {
		return
	}
	addr, amount, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	principal, interest, err := hr.hub.Repay(addr, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"principalRepaid": principal.String(),
		"interestRepaid":  interest.String(),
	})
}

func (hr *hubRoutes) approveWithdrawal(w http.ResponseWriter, req *http.Request) {
	var body approveWithdrawalRequest
	if !decode(w, req, &body) {
		return
	}
	addr, amount, ok := parseAddressAmount(w, body.Address, body.Amount)
	if !ok {
		return
	}
	if err := hr.hub.ApproveCollateralWithdrawal(addr, body.Asset, body.Origin, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (hr *hubRoutes) poolSnapshot(w http.ResponseWriter, _ *http.Request) {
	view, err := hr.hub.PoolSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (hr *hubRoutes) loanView(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(req, "address"))
	if !ok {
		return
	}
	view, err := hr.hub.LoanView(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if view == nil {
		http.Error(w, "no loan for address", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (hr *hubRoutes) collateralValue(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(req, "address"))
	if !ok {
		return
	}
	value, err := hr.hub.CollateralValueOf(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":  addr.String(),
		"valueUSD": value.String(),
	})
}

func (hr *hubRoutes) creditProfile(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(req, "address"))
	if !ok {
		return
	}
	profile, score, err := hr.hub.CreditProfile(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":           addr.String(),
		"score":             score,
		"totalInterestPaid": profile.TotalInterestPaid.String(),
		"consecutiveOnTime": profile.ConsecutiveOnTime,
		"liquidations":      profile.Liquidations,
		"loansTaken":        profile.LoansTaken,
	})
}

func (hr *hubRoutes) auctionView(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(req, "address"))
	if !ok {
		return
	}
	view, err := hr.hub.AuctionView(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if view == nil {
		http.Error(w, "no auction for address", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, auctionPayload(view))
}

func (hr *hubRoutes) createAuction(w http.ResponseWriter, req *http.Request) {
	var body borrowerRequest
	if !decode(w, req, &body) {
		return
	}
	addr, ok := parseAddress(w, body.Address)
	if !ok {
		return
	}
	opened, err := hr.hub.CreateAuction(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auctionPayload(opened))
}

func (hr *hubRoutes) executeLiquidation(w http.ResponseWriter, req *http.Request) {
	var body borrowerRequest
	if !decode(w, req, &body) {
		return
	}
	addr, ok := parseAddress(w, body.Address)
	if !ok {
		return
	}
	surplus, err := hr.hub.ExecuteLiquidation(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"surplus": surplus.String()})
}

func (hr *hubRoutes) updatePrices(w http.ResponseWriter, req *http.Request) {
	var body oracleUpdateRequest
	if !decode(w, req, &body) {
		return
	}
	update := make([][]byte, 0, len(body.Updates))
	for _, encoded := range body.Updates {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			http.Error(w, "updates must be base64", http.StatusBadRequest)
			return
		}
		update = append(update, raw)
	}
	if err := hr.hub.UpdatePriceFeeds(update); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// drainEvents hands the buffered events to the caller and clears the buffer,
// so only one indexer should poll it.
func (hr *hubRoutes) drainEvents(w http.ResponseWriter, _ *http.Request) {
	events := hr.hub.DrainEvents()
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func loanPayload(loan *lending.Loan) map[string]interface{} {
	return map[string]interface{}{
		"borrower":        loan.Borrower.String(),
		"principal":       loan.Principal.String(),
		"accruedInterest": loan.AccruedInterest.String(),
		"rateBps":         loan.RateBps,
		"dueDate":         loan.DueDate,
		"active":          loan.Active,
	}
}

func auctionPayload(a *auction.Auction) map[string]interface{} {
	return map[string]interface{}{
		"borrower":   a.Borrower.String(),
		"debt":       a.DebtSnapshot.String(),
		"startPrice": a.StartPrice.String(),
		"floorPrice": a.FloorPrice.String(),
		"startTime":  a.StartTime,
		"duration":   a.Duration,
		"active":     a.Active,
	}
}

func decode(w http.ResponseWriter, req *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(req.Body, requestLimit))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, raw string) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return crypto.Address{}, false
	}
	return addr, true
}

func parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		http.Error(w, "malformed amount", http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

func parseAddressAmount(w http.ResponseWriter, rawAddr, rawAmount string) (crypto.Address, *big.Int, bool) {
	addr, ok := parseAddress(w, rawAddr)
	if !ok {
		return crypto.Address{}, nil, false
	}
	amount, ok := parseAmount(w, rawAmount)
	if !ok {
		return crypto.Address{}, nil, false
	}
	return addr, amount, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps ledger sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrLoanTooSmall),
		errors.Is(err, oracle.ErrNegativePrice),
		errors.Is(err, oracle.ErrConfidenceTooWide):
		status = http.StatusBadRequest
	case errors.Is(err, lending.ErrExceedsBorrowLimit),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrCollateralInUse),
		errors.Is(err, auction.ErrNotLiquidatable),
		errors.Is(err, auction.ErrInsufficientSwapProceeds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, lending.ErrLoanNotActive),
		errors.Is(err, auction.ErrAuctionNotActive):
		status = http.StatusNotFound
	case errors.Is(err, lending.ErrUnauthorizedVault):
		status = http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionExists):
		status = http.StatusConflict
	case errors.Is(err, core.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrFeedUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
