package lending

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"crosslend/core/state"
	"crosslend/crypto"
)

// State persists lending records through the hub state manager. Amounts are
// stored as unsigned big integers; timestamps and rates as uint64 so records
// stay RLP friendly.
type State struct {
	manager *state.Manager
}

// NewState wraps the state manager with lending key handling.
func NewState(manager *state.Manager) *State {
	return &State{manager: manager}
}

type storedPool struct {
	TotalShares   *big.Int
	TotalDeposits *big.Int
	TotalBorrowed *big.Int
	Reserves      *big.Int
}

type storedCollateralRef struct {
	Asset  string
	Origin uint64
}

type storedPosition struct {
	Address        []byte
	Shares         *big.Int
	CollateralRefs []storedCollateralRef
}

type storedLoan struct {
	Borrower           []byte
	Principal          *big.Int
	AccruedInterest    *big.Int
	InterestPaidTotal  *big.Int
	RateBps            uint64
	LastAccrual        uint64
	DueDate            uint64
	CollateralValueUSD *big.Int
	Active             bool
}

type storedAmount struct {
	Amount *big.Int
}

var poolKey = []byte("lending/pool")

func positionKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("lending/position/%s", hex.EncodeToString(addr.Bytes())))
}

func loanKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("lending/loan/%s", hex.EncodeToString(addr.Bytes())))
}

func collateralKey(addr crypto.Address, asset string, origin uint64) []byte {
	return []byte(fmt.Sprintf("lending/collateral/%s/%d/%s", hex.EncodeToString(addr.Bytes()), origin, asset))
}

func collateralValueKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("lending/collateralValue/%s", hex.EncodeToString(addr.Bytes())))
}

func operationKey(correlationID string) []byte {
	return []byte(fmt.Sprintf("lending/op/%s", correlationID))
}

func (s *State) GetPool() (*Pool, error) {
	var stored storedPool
	ok, err := s.manager.KVGet(poolKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Pool{
		TotalShares:   stored.TotalShares,
		TotalDeposits: stored.TotalDeposits,
		TotalBorrowed: stored.TotalBorrowed,
		Reserves:      stored.Reserves,
	}, nil
}

func (s *State) PutPool(pool *Pool) error {
	if pool == nil {
		return nil
	}
	return s.manager.KVPut(poolKey, storedPool{
		TotalShares:   ensureBig(pool.TotalShares),
		TotalDeposits: ensureBig(pool.TotalDeposits),
		TotalBorrowed: ensureBig(pool.TotalBorrowed),
		Reserves:      ensureBig(pool.Reserves),
	})
}

func (s *State) GetPosition(addr crypto.Address) (*Position, error) {
	var stored storedPosition
	ok, err := s.manager.KVGet(positionKey(addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	position := &Position{Address: addr, Shares: stored.Shares}
	for _, ref := range stored.CollateralRefs {
		position.CollateralRefs = append(position.CollateralRefs, CollateralRef{
			Asset:  ref.Asset,
			Origin: ref.Origin,
		})
	}
	return position, nil
}

func (s *State) PutPosition(position *Position) error {
	if position == nil {
		return nil
	}
	stored := storedPosition{
		Address: position.Address.Bytes(),
		Shares:  ensureBig(position.Shares),
	}
	for _, ref := range position.CollateralRefs {
		stored.CollateralRefs = append(stored.CollateralRefs, storedCollateralRef{
			Asset:  ref.Asset,
			Origin: ref.Origin,
		})
	}
	return s.manager.KVPut(positionKey(position.Address), stored)
}

func (s *State) GetLoan(addr crypto.Address) (*Loan, error) {
	var stored storedLoan
	ok, err := s.manager.KVGet(loanKey(addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Loan{
		Borrower:           addr,
		Principal:          stored.Principal,
		AccruedInterest:    stored.AccruedInterest,
		InterestPaidTotal:  stored.InterestPaidTotal,
		RateBps:            stored.RateBps,
		LastAccrual:        stored.LastAccrual,
		DueDate:            stored.DueDate,
		CollateralValueUSD: stored.CollateralValueUSD,
		Active:             stored.Active,
	}, nil
}

func (s *State) PutLoan(loan *Loan) error {
	if loan == nil {
		return nil
	}
	return s.manager.KVPut(loanKey(loan.Borrower), storedLoan{
		Borrower:           loan.Borrower.Bytes(),
		Principal:          ensureBig(loan.Principal),
		AccruedInterest:    ensureBig(loan.AccruedInterest),
		InterestPaidTotal:  ensureBig(loan.InterestPaidTotal),
		RateBps:            loan.RateBps,
		LastAccrual:        loan.LastAccrual,
		DueDate:            loan.DueDate,
		CollateralValueUSD: ensureBig(loan.CollateralValueUSD),
		Active:             loan.Active,
	})
}

func (s *State) GetCollateral(addr crypto.Address, asset string, origin uint64) (*big.Int, error) {
	var stored storedAmount
	ok, err := s.manager.KVGet(collateralKey(addr, asset, origin), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.Amount, nil
}

func (s *State) PutCollateral(addr crypto.Address, asset string, origin uint64, amount *big.Int) error {
	return s.manager.KVPut(collateralKey(addr, asset, origin), storedAmount{Amount: ensureBig(amount)})
}

func (s *State) GetCollateralValue(addr crypto.Address) (*big.Int, error) {
	var stored storedAmount
	ok, err := s.manager.KVGet(collateralValueKey(addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.Amount, nil
}

func (s *State) PutCollateralValue(addr crypto.Address, value *big.Int) error {
	return s.manager.KVPut(collateralValueKey(addr), storedAmount{Amount: ensureBig(value)})
}

func (s *State) OperationProcessed(correlationID string) (bool, error) {
	return s.manager.KVHas(operationKey(correlationID))
}

func (s *State) MarkOperationProcessed(correlationID string) error {
	return s.manager.KVPut(operationKey(correlationID), storedAmount{Amount: big.NewInt(1)})
}

func ensureBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
