package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

type stubFeed struct {
	data      FeedData
	err       error
	fee       *big.Int
	updates   int
	fetchedAt *big.Int
}

func (s *stubFeed) Latest(string) (FeedData, error) {
	return s.data, s.err
}

func (s *stubFeed) UpdateFee([][]byte) (*big.Int, error) {
	if s.fee == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(s.fee), nil
}

func (s *stubFeed) Update(_ [][]byte, fee *big.Int) error {
	s.updates++
	s.fetchedAt = fee
	return nil
}

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func newTestAdapter(feed Feed) *Adapter {
	adapter := NewAdapter(feed, time.Minute, 100)
	adapter.SetNowFunc(fixedNow)
	return adapter
}

func TestPriceNormalization(t *testing.T) {
	// 2500.50 USD reported as mantissa 250050, expo -2.
	feed := &stubFeed{data: FeedData{Price: 250_050, Expo: -2, Conf: 10, PublishTime: fixedNow()}}
	adapter := newTestAdapter(feed)

	price, err := adapter.Price("WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want, _ := new(big.Int).SetString("2500500000000000000000", 10)
	if price.Cmp(want) != 0 {
		t.Fatalf("unexpected normalized price: got %s want %s", price, want)
	}
}

func TestPriceRejectsNegative(t *testing.T) {
	feed := &stubFeed{data: FeedData{Price: -1, Expo: 0, PublishTime: fixedNow()}}
	adapter := newTestAdapter(feed)

	if _, err := adapter.Price("WETH"); !errors.Is(err, ErrNegativePrice) {
		t.Fatalf("expected ErrNegativePrice, got %v", err)
	}
}

func TestPriceRejectsStale(t *testing.T) {
	feed := &stubFeed{data: FeedData{Price: 100, Expo: 0, PublishTime: fixedNow().Add(-2 * time.Minute)}}
	adapter := newTestAdapter(feed)

	if _, err := adapter.Price("WETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestPriceRejectsWideConfidence(t *testing.T) {
	// Confidence of 2% against a 100 bps bound.
	feed := &stubFeed{data: FeedData{Price: 10_000, Expo: 0, Conf: 200, PublishTime: fixedNow()}}
	adapter := newTestAdapter(feed)

	if _, err := adapter.Price("WETH"); !errors.Is(err, ErrConfidenceTooWide) {
		t.Fatalf("expected ErrConfidenceTooWide, got %v", err)
	}
}

func TestAssetValueUSDRescalesToLedgerUnit(t *testing.T) {
	// 1 token priced at 2000 USD with 8 token decimals.
	feed := &stubFeed{data: FeedData{Price: 2000, Expo: 0, Conf: 1, PublishTime: fixedNow()}}
	adapter := newTestAdapter(feed)

	amount := big.NewInt(100_000_000) // 1.0 with 8 decimals
	value, err := adapter.AssetValueUSD("WBTC", amount, 8)
	if err != nil {
		t.Fatalf("asset value: %v", err)
	}
	want := big.NewInt(2000 * 1_000_000)
	if value.Cmp(want) != 0 {
		t.Fatalf("unexpected value: got %s want %s", value, want)
	}
}

func TestUpdatePriceFeedsPaysQuotedFee(t *testing.T) {
	feed := &stubFeed{data: FeedData{Price: 1, Expo: 0, PublishTime: fixedNow()}, fee: big.NewInt(42)}
	adapter := newTestAdapter(feed)

	if err := adapter.UpdatePriceFeeds([][]byte{{0x01}}); err != nil {
		t.Fatalf("update price feeds: %v", err)
	}
	if feed.updates != 1 {
		t.Fatalf("expected one update push, got %d", feed.updates)
	}
	if feed.fetchedAt == nil || feed.fetchedAt.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected quoted fee to be forwarded, got %v", feed.fetchedAt)
	}
}
