// Package delta detects cross-venue price gaps for the same asset.
package delta

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

var hundred = decimal.NewFromInt(100)

// Snapshot is the normalized top of book of one venue
type Snapshot struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// SnapshotFromMarketData takes the top of an adapter book
func SnapshotFromMarketData(md exchange.MarketData) Snapshot {
	return Snapshot{
		BestBid:   md.BestBid,
		BestAsk:   md.BestAsk,
		BidSize:   md.BestBidSize(),
		AskSize:   md.BestAskSize(),
		Timestamp: md.Timestamp,
	}
}

// Signal is an immutable arbitrage opportunity
type Signal struct {
	Symbol          string          `json:"symbol"`
	BuyVenue        string          `json:"buy_venue"`
	SellVenue       string          `json:"sell_venue"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	Delta           decimal.Decimal `json:"delta"`
	DeltaPercentage decimal.Decimal `json:"delta_percentage"`
	OrderSize       decimal.Decimal `json:"order_size"`
	ExpectedProfit  decimal.Decimal `json:"expected_profit"`
	Timestamp       time.Time       `json:"timestamp"`
	ValidFor        time.Duration   `json:"valid_for"`
}

// Expired reports whether the signal must be discarded
func (s Signal) Expired(now time.Time) bool {
	return now.Sub(s.Timestamp) > s.ValidFor
}

// Config of the delta engine
type Config struct {
	MinDeltaPercentage float64         `mapstructure:"min_delta_percentage" yaml:"min_delta_percentage"`
	MaxOrderSize       decimal.Decimal `mapstructure:"max_order_size" yaml:"max_order_size"`
	StaleAfter         time.Duration   `mapstructure:"stale_after" yaml:"stale_after"`
	SignalTTL          time.Duration   `mapstructure:"signal_ttl" yaml:"signal_ttl"`
}

// DefaultConfig returns 0.1% minimum delta, 0.01 max size, 10s freshness and 30s validity
func DefaultConfig() Config {
	return Config{
		MinDeltaPercentage: 0.1,
		MaxOrderSize:       decimal.RequireFromString("0.01"),
		StaleAfter:         10 * time.Second,
		SignalTTL:          30 * time.Second,
	}
}

// Engine holds the latest snapshot per (symbol, venue)
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	symbols map[string]struct{}
	books   map[string]map[string]Snapshot // symbol -> venue -> snapshot
	latest  []Signal
}

// NewEngine creates an engine with no symbols enabled
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxOrderSize.IsZero() {
		cfg.MaxOrderSize = def.MaxOrderSize
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SignalTTL == 0 {
		cfg.SignalTTL = def.SignalTTL
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.Named("delta"),
		symbols: make(map[string]struct{}),
		books:   make(map[string]map[string]Snapshot),
	}
}

// EnableSymbol includes a symbol in evaluation
func (e *Engine) EnableSymbol(symbol string) {
	e.mu.Lock()
	e.symbols[symbol] = struct{}{}
	e.mu.Unlock()
}

// DisableSymbol excludes a symbol and drops its snapshots
func (e *Engine) DisableSymbol(symbol string) {
	e.mu.Lock()
	delete(e.symbols, symbol)
	delete(e.books, symbol)
	e.mu.Unlock()
}

// Update stores the latest snapshot of a venue
func (e *Engine) Update(venue, symbol string, snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.books[symbol]
	if !ok {
		m = make(map[string]Snapshot)
		e.books[symbol] = m
	}
	m[venue] = snap
}

// FindOpportunities evaluates every enabled symbol and returns at most one
// signal per symbol.
func (e *Engine) FindOpportunities(now time.Time) []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbols := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var signals []Signal
	for _, symbol := range symbols {
		if sig, ok := e.evaluate(symbol, now); ok {
			signals = append(signals, sig)
			metrics.ArbitrageSignals.WithLabelValues(symbol).Inc()
			e.logger.Info("arbitrage signal",
				zap.String("symbol", symbol),
				zap.String("buy", sig.BuyVenue),
				zap.String("sell", sig.SellVenue),
				zap.Stringer("delta_pct", sig.DeltaPercentage),
				zap.Stringer("size", sig.OrderSize))
		}
	}
	e.latest = signals
	return signals
}

func (e *Engine) evaluate(symbol string, now time.Time) (Signal, bool) {
	venues := make([]string, 0, len(e.books[symbol]))
	for v, snap := range e.books[symbol] {
		if now.Sub(snap.Timestamp) <= e.cfg.StaleAfter && snap.BestBid.IsPositive() && snap.BestAsk.IsPositive() {
			venues = append(venues, v)
		}
	}
	if len(venues) < 2 {
		return Signal{}, false
	}
	sort.Strings(venues)

	minDelta := decimal.NewFromFloat(e.cfg.MinDeltaPercentage)
	var best Signal
	found := false
	for _, buyVenue := range venues {
		for _, sellVenue := range venues {
			if buyVenue == sellVenue {
				continue
			}
			buy := e.books[symbol][buyVenue]
			sell := e.books[symbol][sellVenue]

			delta := sell.BestBid.Sub(buy.BestAsk)
			pct := delta.Div(buy.BestAsk).Mul(hundred)
			if pct.LessThan(minDelta) {
				continue
			}
			size := decimal.Min(e.cfg.MaxOrderSize, buy.AskSize, sell.BidSize)
			if !size.IsPositive() {
				continue
			}
			if found && !pct.GreaterThan(best.DeltaPercentage) {
				continue
			}
			best = Signal{
				Symbol:          symbol,
				BuyVenue:        buyVenue,
				SellVenue:       sellVenue,
				BuyPrice:        buy.BestAsk,
				SellPrice:       sell.BestBid,
				Delta:           delta,
				DeltaPercentage: pct,
				OrderSize:       size,
				ExpectedProfit:  delta.Mul(size),
				Timestamp:       now,
				ValidFor:        e.cfg.SignalTTL,
			}
			found = true
		}
	}
	return best, found
}

// LatestSignals returns signals from the last evaluation not older than
// maxAge and not expired.
func (e *Engine) LatestSignals(now time.Time, maxAge time.Duration) []Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Signal
	for _, s := range e.latest {
		if now.Sub(s.Timestamp) <= maxAge && !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out
}
