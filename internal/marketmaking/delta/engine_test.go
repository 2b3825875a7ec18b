package delta

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const btc = "BTC/USDC"

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snap(bid, ask string, ts time.Time) Snapshot {
	return Snapshot{BestBid: d(bid), BestAsk: d(ask), BidSize: d("1"), AskSize: d("1"), Timestamp: ts}
}

func newEngine(minDelta float64) *Engine {
	cfg := DefaultConfig()
	cfg.MinDeltaPercentage = minDelta
	e := NewEngine(cfg, zap.NewNop())
	e.EnableSymbol(btc)
	return e
}

func TestFindOpportunities_CrossVenueScenario(t *testing.T) {
	e := newEngine(0.1)
	e.Update("hyperliquid", btc, snap("60000", "60010", now))
	e.Update("bybit", btc, snap("59890", "59900", now))

	signals := e.FindOpportunities(now)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, "bybit", s.BuyVenue)
	assert.Equal(t, "hyperliquid", s.SellVenue)
	assert.True(t, s.BuyPrice.Equal(d("59900")))
	assert.True(t, s.SellPrice.Equal(d("60000")))
	pct, _ := s.DeltaPercentage.Float64()
	assert.InDelta(t, 0.167, pct, 0.001)
	assert.True(t, s.OrderSize.Equal(d("0.01")))
	assert.True(t, s.ExpectedProfit.Equal(d("1")))

	e = newEngine(0.2)
	e.Update("hyperliquid", btc, snap("60000", "60010", now))
	e.Update("bybit", btc, snap("59890", "59900", now))
	assert.Empty(t, e.FindOpportunities(now))
}

func TestFindOpportunities_SizeCappedByTopOfBook(t *testing.T) {
	e := newEngine(0.1)
	buy := snap("59890", "59900", now)
	buy.AskSize = d("0.004")
	sell := snap("60000", "60010", now)
	sell.BidSize = d("0.002")
	e.Update("bybit", btc, buy)
	e.Update("hyperliquid", btc, sell)

	signals := e.FindOpportunities(now)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].OrderSize.Equal(d("0.002")))
}

func TestFindOpportunities_LargestDeltaWins(t *testing.T) {
	e := newEngine(0.1)
	e.Update("a", btc, snap("100", "100.1", now))
	e.Update("b", btc, snap("101", "101.1", now))
	e.Update("c", btc, snap("102", "102.1", now))

	signals := e.FindOpportunities(now)
	require.Len(t, signals, 1)
	assert.Equal(t, "a", signals[0].BuyVenue)
	assert.Equal(t, "c", signals[0].SellVenue)
}

func TestFindOpportunities_RequiresFreshSnapshots(t *testing.T) {
	e := newEngine(0.1)
	e.Update("hyperliquid", btc, snap("60000", "60010", now.Add(-11*time.Second)))
	e.Update("bybit", btc, snap("59890", "59900", now))
	assert.Empty(t, e.FindOpportunities(now))

	// Disabled symbols are ignored.
	e.Update("hyperliquid", btc, snap("60000", "60010", now))
	e.DisableSymbol(btc)
	assert.Empty(t, e.FindOpportunities(now))
}

func TestLatestSignals_AgeFilter(t *testing.T) {
	e := newEngine(0.1)
	e.Update("hyperliquid", btc, snap("60000", "60010", now))
	e.Update("bybit", btc, snap("59890", "59900", now))
	require.Len(t, e.FindOpportunities(now), 1)

	assert.Len(t, e.LatestSignals(now.Add(5*time.Second), 10*time.Second), 1)
	assert.Empty(t, e.LatestSignals(now.Add(15*time.Second), 10*time.Second))
	// The validity horizon applies even with a generous max age.
	assert.Empty(t, e.LatestSignals(now.Add(31*time.Second), time.Hour))
}
