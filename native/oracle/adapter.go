package oracle

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNegativePrice marks feed reports with a negative mantissa.
	ErrNegativePrice = errors.New("oracle: negative price")
	// ErrStalePrice marks feed reports older than the configured maximum age.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrConfidenceTooWide marks feed reports whose confidence interval
	// exceeds the configured basis-point bound relative to the price.
	ErrConfidenceTooWide = errors.New("oracle: price confidence too wide")
	// ErrFeedUnavailable marks adapters constructed without a feed.
	ErrFeedUnavailable = errors.New("oracle: feed unavailable")
	// ErrUnknownAsset marks quotes for assets the feed does not track.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
)

// priceScale is the fixed 18-decimal representation used for normalized
// prices.
var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ledgerScaleGap bridges the 18-decimal price representation down to the
// ledger's 6-decimal accounting unit.
var ledgerScaleGap = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

var basisPoints = big.NewInt(10_000)

// FeedData is the raw report supplied by the external price service.
type FeedData struct {
	// Price is the mantissa of the reported price.
	Price int64
	// Expo is the decimal exponent applied to the mantissa.
	Expo int32
	// Conf is the confidence interval around the price, in mantissa units.
	Conf uint64
	// PublishTime records when the report was produced.
	PublishTime time.Time
}

// Feed resolves raw price reports and accepts pushed updates. Implementations
// wrap the external oracle service transport.
type Feed interface {
	Latest(asset string) (FeedData, error)
	// UpdateFee quotes the fee the service charges for pushing update data.
	UpdateFee(update [][]byte) (*big.Int, error)
	// Update pushes the update data along with the quoted fee.
	Update(update [][]byte, fee *big.Int) error
}

// Adapter validates and normalizes externally supplied asset prices. Reads are
// synchronous and on-demand: callers that need a fresh price must push an
// update first or fail on staleness.
type Adapter struct {
	feed       Feed
	maxAge     time.Duration
	maxConfBps uint64
	nowFn      func() time.Time
}

// NewAdapter constructs an adapter bound to the provided feed. maxAge bounds
// report staleness and maxConfBps bounds the confidence/price ratio.
func NewAdapter(feed Feed, maxAge time.Duration, maxConfBps uint64) *Adapter {
	return &Adapter{
		feed:       feed,
		maxAge:     maxAge,
		maxConfBps: maxConfBps,
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the wall clock used for staleness checks. Primarily
// leveraged in tests to provide deterministic timestamps.
func (a *Adapter) SetNowFunc(now func() time.Time) {
	if a == nil {
		return
	}
	if now == nil {
		a.nowFn = time.Now
		return
	}
	a.nowFn = now
}

// Price returns the validated asset price normalized to the fixed 18-decimal
// representation.
func (a *Adapter) Price(asset string) (*big.Int, error) {
	if a == nil || a.feed == nil {
		return nil, ErrFeedUnavailable
	}
	data, err := a.feed.Latest(asset)
	if err != nil {
		return nil, err
	}
	if data.Price < 0 {
		return nil, ErrNegativePrice
	}
	if a.maxAge > 0 {
		age := a.nowFn().Sub(data.PublishTime)
		if age > a.maxAge {
			return nil, ErrStalePrice
		}
	}
	if a.maxConfBps > 0 && data.Price > 0 {
		confRatio := new(big.Int).SetUint64(data.Conf)
		confRatio.Mul(confRatio, basisPoints)
		confRatio.Quo(confRatio, big.NewInt(data.Price))
		if confRatio.Cmp(new(big.Int).SetUint64(a.maxConfBps)) > 0 {
			return nil, ErrConfidenceTooWide
		}
	}
	return normalize(data.Price, data.Expo), nil
}

// AssetValueUSD converts amount (expressed with the given token decimals) to
// USD in the ledger's 6-decimal accounting unit.
func (a *Adapter) AssetValueUSD(asset string, amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	price, err := a.Price(asset)
	if err != nil {
		return nil, err
	}
	tokenScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value := new(big.Int).Mul(amount, price)
	value.Quo(value, tokenScale)
	// 18-decimal USD value down to the 6-decimal accounting unit.
	return value.Quo(value, ledgerScaleGap), nil
}

// UpdatePriceFeeds quotes the service fee for the update payload and pushes
// it. There is no background refresh; a stale feed stays stale until a caller
// pays for an update.
func (a *Adapter) UpdatePriceFeeds(update [][]byte) error {
	if a == nil || a.feed == nil {
		return ErrFeedUnavailable
	}
	fee, err := a.feed.UpdateFee(update)
	if err != nil {
		return err
	}
	return a.feed.Update(update, fee)
}

// normalize rescales mantissa*10^expo to the fixed 18-decimal representation.
func normalize(mantissa int64, expo int32) *big.Int {
	price := big.NewInt(mantissa)
	shift := int64(18) + int64(expo)
	if shift >= 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
		return price.Mul(price, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
	return price.Quo(price, scale)
}
