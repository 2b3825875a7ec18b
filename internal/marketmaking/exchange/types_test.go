package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("UBTC/USDC")
	require.NoError(t, err)
	assert.Equal(t, "UBTC", base)
	assert.Equal(t, "USDC", quote)

	for _, bad := range []string{"BTCUSDT", "/USDC", "UBTC/", "A/B/C"} {
		_, _, err := SplitSymbol(bad)
		assert.Error(t, err, bad)
	}
}

func TestMarketDataFromBook(t *testing.T) {
	book := OrderBook{
		Bids: []PriceLevel{{Price: d("99.9"), Size: d("1")}, {Price: d("99.8"), Size: d("2")}},
		Asks: []PriceLevel{{Price: d("100.1"), Size: d("3")}},
	}
	md := NewMarketData("UBTC/USDC", book, time.Now())
	require.True(t, md.Valid())
	assert.True(t, md.MidPrice.Equal(d("100")))
	assert.True(t, md.BestBidSize().Equal(d("1")))
	assert.True(t, md.BestAskSize().Equal(d("3")))

	bid, ask := md.Depth(5)
	assert.True(t, bid.Equal(d("3")))
	assert.True(t, ask.Equal(d("3")))

	oneSided := NewMarketData("UBTC/USDC", OrderBook{Bids: book.Bids}, time.Now())
	assert.False(t, oneSided.Valid())
	assert.True(t, oneSided.BestAskSize().IsZero())
}

func TestTicks(t *testing.T) {
	assert.True(t, FallbackTick(d("60000")).Equal(d("0.5")))
	assert.True(t, FallbackTick(d("150")).Equal(d("0.01")))
	assert.True(t, FallbackTick(d("0.5")).Equal(d("0.00001")))

	assert.True(t, EffectiveTick(d("0.1"), d("60000")).Equal(d("0.1")))
	assert.True(t, EffectiveTick(decimal.Zero, d("60000")).Equal(d("0.5")))

	assert.True(t, RoundToTick(d("99.996"), d("0.01")).Equal(d("100")))
	assert.True(t, FloorToTick(d("99.996"), d("0.01")).Equal(d("99.99")))
	assert.True(t, CeilToTick(d("99.991"), d("0.01")).Equal(d("100")))
	assert.True(t, RoundToTick(d("1.234"), decimal.Zero).Equal(d("1.234")))
}

func TestSideAndBalances(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.True(t, Buy.IsBuy())
	assert.False(t, Side("hold").Valid())

	b := Balances{Spot: []AssetBalance{{Asset: "USDC", Available: d("5"), Total: d("7")}}}
	got, ok := b.Find("USDC")
	require.True(t, ok)
	assert.True(t, got.Total.Equal(d("7")))
	_, ok = b.Find("UBTC")
	assert.False(t, ok)
}
