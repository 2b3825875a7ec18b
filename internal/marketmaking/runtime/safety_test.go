package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange/paper"
	"github.com/Aidin1998/mmcore/internal/marketmaking/orders"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

const sym = "UBTC/USDC"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type safetyFixture struct {
	venue   *paper.Venue
	router  *router.Router
	manager *orders.Manager
	safety  *SafetyController
	now     time.Time
}

func newSafetyFixture(t *testing.T, base string) *safetyFixture {
	t.Helper()
	v := paper.NewVenue("paper", zap.NewNop())
	v.SetTop(sym, d("99.9"), d("10"), d("100.1"), d("10"))
	v.SetTickSize(sym, d("0.01"))
	v.SetBalance("USDC", d("1000"))
	v.SetBalance("UBTC", d(base))

	r := router.New(router.DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(v))
	require.NoError(t, r.Connect(context.Background(), "paper"))

	f := &safetyFixture{venue: v, router: r, now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.manager = orders.NewManager(orders.Config{Venue: "paper", Symbol: sym, OrderAmount: d("0.1")}, r, zap.NewNop())
	balance := func(context.Context) (decimal.Decimal, error) {
		total, _ := v.Balance("UBTC")
		return total, nil
	}
	f.safety = NewSafetyController(SafetyConfig{Venue: "paper", Symbol: sym}, f.manager, r, balance, zap.NewNop())
	f.safety.SetClock(func() time.Time { return f.now })
	return f
}

func (f *safetyFixture) at(ctx context.Context, offset time.Duration) {
	f.safety.now = func() time.Time { return f.now.Add(offset) }
	f.safety.Check(ctx)
}

func sells(v *paper.Venue) []paper.Request {
	var out []paper.Request
	for _, r := range v.Requests() {
		if r.Side == exchange.Sell {
			out = append(out, r)
		}
	}
	return out
}

func TestSafety_LiquidatesHeldBalanceOnce(t *testing.T) {
	f := newSafetyFixture(t, "0.5")
	ctx := context.Background()

	f.at(ctx, 0)
	f.at(ctx, 100*time.Second)
	f.at(ctx, 300*time.Second)
	assert.Empty(t, sells(f.venue))

	f.at(ctx, 301*time.Second)
	got := sells(f.venue)
	require.Len(t, got, 1)
	assert.True(t, got[0].Size.Equal(d("0.5")))
	assert.Equal(t, exchange.IOC, got[0].TIF)
	assert.True(t, f.safety.Liquidated())

	total, _ := f.venue.Balance("UBTC")
	assert.True(t, total.IsZero())

	// Disarmed for the rest of the run, even if a balance reappears.
	f.venue.SetBalance("UBTC", d("0.5"))
	f.at(ctx, 700*time.Second)
	f.at(ctx, 1100*time.Second)
	assert.Len(t, sells(f.venue), 1)
}

func TestSafety_GraceRestartsWhenBalanceClears(t *testing.T) {
	f := newSafetyFixture(t, "0.5")
	ctx := context.Background()

	f.at(ctx, 0)
	f.venue.SetBalance("UBTC", d("0"))
	f.at(ctx, 200*time.Second)
	f.venue.SetBalance("UBTC", d("0.5"))
	f.at(ctx, 250*time.Second)
	f.at(ctx, 400*time.Second)
	assert.Empty(t, sells(f.venue))
	assert.False(t, f.safety.Liquidated())
}

func TestSafety_ScheduledAndEscalatedCancelAll(t *testing.T) {
	f := newSafetyFixture(t, "0")
	ctx := context.Background()

	f.at(ctx, 0)
	f.at(ctx, 119*time.Second)
	assert.Equal(t, 0, f.safety.CancelRuns())
	f.at(ctx, 120*time.Second)
	assert.Equal(t, 1, f.safety.CancelRuns())

	// A balance rejection switches to the 15s cadence.
	f.safety.ObservePlacement(orders.Placement{Outcome: orders.OutcomeRejected, Kind: mmerrors.KindBalance})
	assert.True(t, f.safety.Escalated())
	f.at(ctx, 136*time.Second)
	assert.Equal(t, 2, f.safety.CancelRuns())
	f.at(ctx, 151*time.Second)
	assert.Equal(t, 3, f.safety.CancelRuns())

	// A resting order clears the escalation.
	f.safety.ObservePlacement(orders.Placement{Outcome: orders.OutcomeResting})
	assert.False(t, f.safety.Escalated())
	f.at(ctx, 200*time.Second)
	assert.Equal(t, 3, f.safety.CancelRuns())
}

func TestSafety_CancelAllClearsVenueOrders(t *testing.T) {
	f := newSafetyFixture(t, "0")
	ctx := context.Background()
	md, err := f.router.GetMarketData(ctx, "paper", sym)
	require.NoError(t, err)
	_, err = f.manager.PlaceBuy(ctx, md, d("0.001"))
	require.NoError(t, err)

	f.at(ctx, 0)
	f.at(ctx, 121*time.Second)
	open, err := f.router.GetOpenOrders(ctx, "paper", sym)
	require.NoError(t, err)
	assert.Empty(t, open)
	buy, _ := f.manager.Active()
	assert.Nil(t, buy)
}

func TestSafety_StartStop(t *testing.T) {
	f := newSafetyFixture(t, "0")
	f.safety.cfg.CheckInterval = time.Millisecond
	f.safety.Start(context.Background())
	f.safety.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	f.safety.Stop()
	f.safety.Stop()
}
