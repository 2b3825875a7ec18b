// Package inventory keeps a consistent view of balances split across venues
// and of the reservations held by in-flight arbitrage legs.
package inventory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// Balance of one asset at one venue
type Balance struct {
	Venue     string          `json:"venue"`
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// Reserved is the part of the balance the venue already holds for orders
func (b Balance) Reserved() decimal.Decimal {
	return b.Total.Sub(b.Available)
}

// InFlightTrade is one submitted but unsettled leg. Buys reserve Size×Price
// of the quote asset, sells reserve Size of the base asset; Asset names the
// reserved asset either way.
type InFlightTrade struct {
	ID        string          `json:"id"`
	Venue     string          `json:"venue"`
	Asset     string          `json:"asset"`
	Side      exchange.Side   `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reservation returns the amount of Asset the trade holds
func (t InFlightTrade) Reservation() decimal.Decimal {
	if t.Side == exchange.Buy {
		return t.Size.Mul(t.Price)
	}
	return t.Size
}

type key struct{ venue, asset string }

// Tracker is shared by every symbol loop of an arbitrage strategy.
type Tracker struct {
	logger *zap.Logger

	// mu guards balances, updated and inflight together so an availability
	// read always includes concurrently added reservations.
	mu       sync.Mutex
	balances map[key]Balance
	updated  map[string]time.Time
	inflight map[string]InFlightTrade

	now func() time.Time
}

// NewTracker returns an empty tracker
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:   logger.Named("inventory"),
		balances: make(map[key]Balance),
		updated:  make(map[string]time.Time),
		inflight: make(map[string]InFlightTrade),
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// UpdateBalances replaces the snapshot held for a venue
func (t *Tracker) UpdateBalances(venue string, snapshot []Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.balances {
		if k.venue == venue {
			delete(t.balances, k)
		}
	}
	for _, b := range snapshot {
		b.Venue = venue
		t.balances[key{venue, b.Asset}] = b
	}
	t.updated[venue] = t.now()
}

// UpdateFromExchange converts an adapter spot snapshot
func (t *Tracker) UpdateFromExchange(venue string, b exchange.Balances) {
	snapshot := make([]Balance, 0, len(b.Spot))
	for _, s := range b.Spot {
		snapshot = append(snapshot, Balance{Asset: s.Asset, Total: s.Total, Available: s.Available})
	}
	t.UpdateBalances(venue, snapshot)
}

// Balance returns the last snapshot of an asset
func (t *Tracker) Balance(venue, asset string) (Balance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.balances[key{venue, asset}]
	return b, ok
}

// Total returns the venue total of an asset, zero when unknown
func (t *Tracker) Total(venue, asset string) decimal.Decimal {
	b, _ := t.Balance(venue, asset)
	return b.Total
}

// Available returns available minus in-flight reservations, floored at zero
func (t *Tracker) Available(venue, asset string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked(venue, asset)
}

func (t *Tracker) availableLocked(venue, asset string) decimal.Decimal {
	avail := t.balances[key{venue, asset}].Available
	for _, tr := range t.inflight {
		if tr.Venue == venue && tr.Asset == asset {
			avail = avail.Sub(tr.Reservation())
		}
	}
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// CheckSufficientBalance reports whether amount fits in the effective availability
func (t *Tracker) CheckSufficientBalance(venue, asset string, amount decimal.Decimal) bool {
	return t.Available(venue, asset).GreaterThanOrEqual(amount)
}

// AddInFlightTrade records a reservation without checking availability
func (t *Tracker) AddInFlightTrade(trade InFlightTrade) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(trade)
}

func (t *Tracker) addLocked(trade InFlightTrade) error {
	if trade.ID == "" {
		return mmerrors.Validation.Explain("in-flight trade needs an id")
	}
	if _, ok := t.inflight[trade.ID]; ok {
		return mmerrors.Conflict.Explain("in-flight trade %s already exists", trade.ID)
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = t.now()
	}
	t.inflight[trade.ID] = trade
	metrics.InFlightTrades.Set(float64(len(t.inflight)))
	return nil
}

// RemoveInFlightTrade releases a reservation; unknown ids are ignored
func (t *Tracker) RemoveInFlightTrade(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[id]
	delete(t.inflight, id)
	metrics.InFlightTrades.Set(float64(len(t.inflight)))
	return ok
}

// Reserve checks and records every leg under one lock. Either all legs are
// reserved or none is.
func (t *Tracker) Reserve(legs ...InFlightTrade) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	need := make(map[key]decimal.Decimal)
	for _, leg := range legs {
		k := key{leg.Venue, leg.Asset}
		need[k] = need[k].Add(leg.Reservation())
	}
	for k, amount := range need {
		if avail := t.availableLocked(k.venue, k.asset); avail.LessThan(amount) {
			return mmerrors.Balance.Explain("insufficient %s on %s: need %s, available %s",
				k.asset, k.venue, amount, avail)
		}
	}

	for i, leg := range legs {
		if err := t.addLocked(leg); err != nil {
			for _, done := range legs[:i] {
				delete(t.inflight, done.ID)
			}
			metrics.InFlightTrades.Set(float64(len(t.inflight)))
			return fmt.Errorf("reserve leg %s: %w", leg.ID, err)
		}
	}
	return nil
}

// InFlightTrades returns the open reservations ordered by creation time
func (t *Tracker) InFlightTrades() []InFlightTrade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]InFlightTrade, 0, len(t.inflight))
	for _, tr := range t.inflight {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// IsBalanceFresh reports whether the venue snapshot is younger than maxAge
func (t *Tracker) IsBalanceFresh(venue string, maxAge time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.updated[venue]
	return ok && t.now().Sub(at) <= maxAge
}

// Snapshot returns every balance, sorted by venue then asset
func (t *Tracker) Snapshot() []Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Balance, 0, len(t.balances))
	for _, b := range t.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// ImbalanceWithin applies the inventory guard for a pair of venue totals:
// |a−b|/(a+b) ≤ limit. Two empty totals pass.
func ImbalanceWithin(a, b decimal.Decimal, limit float64) bool {
	sum := a.Add(b)
	if !sum.IsPositive() {
		return true
	}
	ratio, _ := a.Sub(b).Abs().Div(sum).Float64()
	return ratio <= limit
}
