package auction

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"crosslend/core/state"
	"crosslend/crypto"
)

// State persists auction records through the hub state manager.
type State struct {
	manager *state.Manager
}

func NewState(manager *state.Manager) *State {
	return &State{manager: manager}
}

type storedAuction struct {
	Borrower           []byte
	DebtSnapshot       *big.Int
	CollateralValueUSD *big.Int
	StartPrice         *big.Int
	FloorPrice         *big.Int
	StartTime          uint64
	Duration           uint64
	Active             bool
}

func auctionKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("auction/%s", hex.EncodeToString(addr.Bytes())))
}

func (s *State) GetAuction(addr crypto.Address) (*Auction, error) {
	var stored storedAuction
	ok, err := s.manager.KVGet(auctionKey(addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Auction{
		Borrower:           addr,
		DebtSnapshot:       stored.DebtSnapshot,
		CollateralValueUSD: stored.CollateralValueUSD,
		StartPrice:         stored.StartPrice,
		FloorPrice:         stored.FloorPrice,
		StartTime:          stored.StartTime,
		Duration:           stored.Duration,
		Active:             stored.Active,
	}, nil
}

func (s *State) PutAuction(auction *Auction) error {
	if auction == nil {
		return nil
	}
	return s.manager.KVPut(auctionKey(auction.Borrower), storedAuction{
		Borrower:           auction.Borrower.Bytes(),
		DebtSnapshot:       zeroIfNil(auction.DebtSnapshot),
		CollateralValueUSD: zeroIfNil(auction.CollateralValueUSD),
		StartPrice:         zeroIfNil(auction.StartPrice),
		FloorPrice:         zeroIfNil(auction.FloorPrice),
		StartTime:          auction.StartTime,
		Duration:           auction.Duration,
		Active:             auction.Active,
	})
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
