package lending

import "math/big"

const secondsPerYear = 31_536_000

// InterestModel shapes how the borrow rate reacts to pool utilization. All
// parameters are expressed in basis points so accrual stays deterministic
// integer math.
type InterestModel struct {
	// BaseBps is the minimum annualized borrow rate applied at zero
	// utilization.
	BaseBps uint64
	// Slope1Bps is the rate increase per unit of utilization up to the kink.
	Slope1Bps uint64
	// Slope2Bps governs the additional increase applied beyond the kink.
	Slope2Bps uint64
	// KinkBps is the utilization ratio where the slope changes, encouraging
	// liquidity to remain in the pool.
	KinkBps uint64
}

// DefaultInterestModel provides a kinked curve with a modest base rate.
var DefaultInterestModel = InterestModel{
	BaseBps:   200,
	Slope1Bps: 1500,
	Slope2Bps: 6000,
	KinkBps:   8000,
}

// UtilizationBps computes borrowed/poolValue in basis points. An empty pool
// has zero utilization.
func UtilizationBps(totalBorrowed, poolValue *big.Int) uint64 {
	if totalBorrowed == nil || totalBorrowed.Sign() <= 0 {
		return 0
	}
	if poolValue == nil || poolValue.Sign() <= 0 {
		return 0
	}
	ratio := new(big.Int).Mul(totalBorrowed, basisPoints)
	ratio.Quo(ratio, poolValue)
	if !ratio.IsUint64() {
		return 10_000
	}
	u := ratio.Uint64()
	if u > 10_000 {
		u = 10_000
	}
	return u
}

// BorrowRateBps derives the annualized borrow rate for the given utilization.
// The curve is monotonically non-decreasing in utilization.
func (m InterestModel) BorrowRateBps(utilizationBps uint64) uint64 {
	rate := m.BaseBps
	if m.KinkBps == 0 || utilizationBps <= m.KinkBps {
		return rate + m.Slope1Bps*utilizationBps/10_000
	}
	rate += m.Slope1Bps * m.KinkBps / 10_000
	rate += m.Slope2Bps * (utilizationBps - m.KinkBps) / 10_000
	return rate
}

// accrueAmount computes simple interest on principal at rateBps over elapsed
// seconds.
func accrueAmount(principal *big.Int, rateBps uint64, elapsed uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, new(big.Int).SetUint64(elapsed))
	interest.Quo(interest, basisPoints)
	return interest.Quo(interest, big.NewInt(secondsPerYear))
}
