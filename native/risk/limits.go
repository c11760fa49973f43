package risk

import "math/big"

var basisPoints = big.NewInt(10_000)

// LTV tier boundaries over the 0-1000 reputation score range.
const (
	tierMidScore  = 400
	tierHighScore = 700

	ltvLowBps  = 6000
	ltvMidBps  = 7000
	ltvHighBps = 8000
)

// LTVBps maps a reputation score to the permitted loan-to-value ratio in
// basis points. Tiers use inclusive lower bounds.
func LTVBps(score uint64) uint64 {
	switch {
	case score >= tierHighScore:
		return ltvHighBps
	case score >= tierMidScore:
		return ltvMidBps
	default:
		return ltvLowBps
	}
}

// LTVLimit caps borrowing at the score-derived fraction of the collateral
// value.
func LTVLimit(collateralUSD *big.Int, score uint64) *big.Int {
	if collateralUSD == nil || collateralUSD.Sign() <= 0 {
		return big.NewInt(0)
	}
	limit := new(big.Int).Mul(collateralUSD, new(big.Int).SetUint64(LTVBps(score)))
	return limit.Quo(limit, basisPoints)
}

// BufferedLimit caps borrowing growth to proven repayment volume: collateral
// plus half the lifetime interest paid. A freshly built high score cannot be
// cashed out on a single oversized loan.
func BufferedLimit(collateralUSD, interestPaidUSD *big.Int) *big.Int {
	limit := big.NewInt(0)
	if collateralUSD != nil && collateralUSD.Sign() > 0 {
		limit.Set(collateralUSD)
	}
	if interestPaidUSD != nil && interestPaidUSD.Sign() > 0 {
		buffer := new(big.Int).Quo(interestPaidUSD, big.NewInt(2))
		limit.Add(limit, buffer)
	}
	return limit
}

// MaxBorrow combines the LTV limit with the anti-gaming buffer.
func MaxBorrow(collateralUSD *big.Int, score uint64, interestPaidUSD *big.Int) *big.Int {
	ltv := LTVLimit(collateralUSD, score)
	buffered := BufferedLimit(collateralUSD, interestPaidUSD)
	if ltv.Cmp(buffered) <= 0 {
		return ltv
	}
	return buffered
}
