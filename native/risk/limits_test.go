package risk

import (
	"math/big"
	"testing"
)

func usd(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), big.NewInt(1_000_000))
}

func TestLTVTiers(t *testing.T) {
	cases := []struct {
		score uint64
		want  uint64
	}{
		{0, 6000},
		{399, 6000},
		{400, 7000},
		{699, 7000},
		{700, 8000},
		{1000, 8000},
	}
	for _, tc := range cases {
		if got := LTVBps(tc.score); got != tc.want {
			t.Fatalf("score %d: got %d want %d", tc.score, got, tc.want)
		}
	}
}

func TestMaxBorrowZeroScore(t *testing.T) {
	// Score 0, collateral $10,000, no repayment history:
	// min(10000*0.6, 10000+0) = 6000.
	got := MaxBorrow(usd(10_000), 0, big.NewInt(0))
	if got.Cmp(usd(6000)) != 0 {
		t.Fatalf("unexpected max borrow: got %s want %s", got, usd(6000))
	}
}

func TestMaxBorrowHighScore(t *testing.T) {
	// Score 850, collateral $10,000, interest paid $100:
	// ltvLimit 8000, bufferedLimit 10050 -> 8000.
	got := MaxBorrow(usd(10_000), 850, usd(100))
	if got.Cmp(usd(8000)) != 0 {
		t.Fatalf("unexpected max borrow: got %s want %s", got, usd(8000))
	}
}

func TestBufferedLimitBinds(t *testing.T) {
	// A high score over thin collateral history: buffer caps the limit.
	collateral := usd(1000)
	got := MaxBorrow(collateral, 1000, big.NewInt(0))
	if got.Cmp(usd(800)) != 0 {
		t.Fatalf("ltv limit should bind: got %s", got)
	}

	tiny := new(big.Int).Quo(usd(1), big.NewInt(2)) // $0.50 collateral
	buffered := BufferedLimit(tiny, big.NewInt(0))
	if buffered.Cmp(tiny) != 0 {
		t.Fatalf("buffered limit without history must equal collateral: %s", buffered)
	}
}
