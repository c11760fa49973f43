package creditscore

import (
	"errors"
	"fmt"
	"math/big"

	"crosslend/crypto"
)

// storage abstracts the subset of state manager functionality required by the
// credit scoring engine.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var profilePrefix = []byte("creditscore/profile/")

func profileKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("%s%x", profilePrefix, addr.Bytes()))
}

var (
	// ErrStoreUnavailable marks engines that were constructed without a
	// storage backend.
	ErrStoreUnavailable = errors.New("creditscore: storage unavailable")
)

const (
	// usdUnit is the scale of the ledger's 6-decimal accounting unit.
	usdUnit = 1_000_000
	// maxScore bounds the reputation score range.
	maxScore = 1000
	// liquidationPenalty is subtracted from the score per recorded
	// liquidation.
	liquidationPenalty = 200
	// streakBonusPct is the multiplier increase, in percent, per
	// consecutive on-time repayment.
	streakBonusPct = 5
	// streakCapPct caps the streak multiplier.
	streakCapPct = 150
)

// Profile accumulates a borrower's repayment history. Profiles persist across
// loans and are never deleted.
type Profile struct {
	// TotalInterestPaid is the lifetime interest paid, in the ledger's
	// 6-decimal USD accounting unit.
	TotalInterestPaid *big.Int
	// ConsecutiveOnTime counts the current streak of on-time full
	// repayments. Reset by a late repayment or a liquidation.
	ConsecutiveOnTime uint64
	// Liquidations counts how many times the borrower has been liquidated.
	Liquidations uint64
	// LoansTaken tracks loan originations for bookkeeping; it does not
	// influence the score.
	LoansTaken uint64
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := &Profile{
		ConsecutiveOnTime: p.ConsecutiveOnTime,
		Liquidations:      p.Liquidations,
		LoansTaken:        p.LoansTaken,
	}
	if p.TotalInterestPaid != nil {
		clone.TotalInterestPaid = new(big.Int).Set(p.TotalInterestPaid)
	}
	return clone
}

// Score derives the 0-1000 reputation score from the profile. The base score
// grants one point per 10 USD of interest paid, scaled by the on-time streak
// multiplier, minus a fixed penalty per liquidation.
func Score(p *Profile) uint64 {
	if p == nil {
		return 0
	}
	base := new(big.Int)
	if p.TotalInterestPaid != nil && p.TotalInterestPaid.Sign() > 0 {
		base.Quo(p.TotalInterestPaid, big.NewInt(10*usdUnit))
	}

	multiplier := uint64(100 + streakBonusPct*p.ConsecutiveOnTime)
	if multiplier > streakCapPct {
		multiplier = streakCapPct
	}

	scored := new(big.Int).Mul(base, new(big.Int).SetUint64(multiplier))
	scored.Quo(scored, big.NewInt(100))

	penalty := new(big.Int).SetUint64(p.Liquidations)
	penalty.Mul(penalty, big.NewInt(liquidationPenalty))
	scored.Sub(scored, penalty)

	if scored.Sign() <= 0 {
		return 0
	}
	if scored.Cmp(big.NewInt(maxScore)) > 0 {
		return maxScore
	}
	return scored.Uint64()
}

// Engine persists credit profiles and answers score queries for the ledger.
type Engine struct {
	store storage
}

// NewEngine constructs an engine backed by the provided storage backend.
func NewEngine(store storage) *Engine {
	return &Engine{store: store}
}

// Profile loads the profile for addr, returning a zero-valued profile when
// the address has no history yet.
func (e *Engine) Profile(addr crypto.Address) (*Profile, error) {
	if e == nil || e.store == nil {
		return nil, ErrStoreUnavailable
	}
	var stored storedProfile
	ok, err := e.store.KVGet(profileKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Profile{TotalInterestPaid: big.NewInt(0)}, nil
	}
	profile := &Profile{
		TotalInterestPaid: stored.TotalInterestPaid,
		ConsecutiveOnTime: stored.ConsecutiveOnTime,
		Liquidations:      stored.Liquidations,
		LoansTaken:        stored.LoansTaken,
	}
	if profile.TotalInterestPaid == nil {
		profile.TotalInterestPaid = big.NewInt(0)
	}
	return profile, nil
}

// TotalInterestPaid returns the lifetime interest paid by addr.
func (e *Engine) TotalInterestPaid(addr crypto.Address) (*big.Int, error) {
	profile, err := e.Profile(addr)
	if err != nil {
		return nil, err
	}
	return profile.TotalInterestPaid, nil
}

// Score returns the current reputation score for addr.
func (e *Engine) Score(addr crypto.Address) (uint64, error) {
	profile, err := e.Profile(addr)
	if err != nil {
		return 0, err
	}
	return Score(profile), nil
}

// RecordLoanTaken notes a loan origination. Bookkeeping only; the score is
// unaffected.
func (e *Engine) RecordLoanTaken(addr crypto.Address) error {
	return e.mutate(addr, func(p *Profile) {
		p.LoansTaken++
	})
}

// RecordRepayment credits interestPaid toward the profile and advances or
// resets the on-time streak.
func (e *Engine) RecordRepayment(addr crypto.Address, interestPaid *big.Int, onTime bool) error {
	return e.mutate(addr, func(p *Profile) {
		if interestPaid != nil && interestPaid.Sign() > 0 {
			p.TotalInterestPaid = new(big.Int).Add(p.TotalInterestPaid, interestPaid)
		}
		if onTime {
			p.ConsecutiveOnTime++
		} else {
			p.ConsecutiveOnTime = 0
		}
	})
}

// RecordLiquidation registers a liquidation against the profile and resets
// the on-time streak.
func (e *Engine) RecordLiquidation(addr crypto.Address) error {
	return e.mutate(addr, func(p *Profile) {
		p.Liquidations++
		p.ConsecutiveOnTime = 0
	})
}

func (e *Engine) mutate(addr crypto.Address, apply func(*Profile)) error {
	if e == nil || e.store == nil {
		return ErrStoreUnavailable
	}
	profile, err := e.Profile(addr)
	if err != nil {
		return err
	}
	apply(profile)
	stored := storedProfile{
		TotalInterestPaid: profile.TotalInterestPaid,
		ConsecutiveOnTime: profile.ConsecutiveOnTime,
		Liquidations:      profile.Liquidations,
		LoansTaken:        profile.LoansTaken,
	}
	if stored.TotalInterestPaid == nil {
		stored.TotalInterestPaid = big.NewInt(0)
	}
	return e.store.KVPut(profileKey(addr), &stored)
}

type storedProfile struct {
	TotalInterestPaid *big.Int
	ConsecutiveOnTime uint64
	Liquidations      uint64
	LoansTaken        uint64
}
