// Package arbitrage buys on the cheaper venue and sells on the richer one
// whenever the cross-venue delta of a symbol clears a threshold.
package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/mmcore/internal/marketmaking/delta"
	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/inventory"
	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies/params"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// Name under which the strategy is registered
const Name = "arbitrage"

// Execution modes
const (
	ModeLive       = "live"
	ModeSimulation = "simulation"
)

// quoteBuffer covers price movement between signal and buy execution
var quoteBuffer = decimal.RequireFromString("1.01")

// Params of an arbitrage instance
type Params struct {
	Symbol                string          `mapstructure:"symbol"`
	MinDelta              float64         `mapstructure:"min_delta"`
	MaxOrderSize          decimal.Decimal `mapstructure:"max_order_size"`
	MaxInventoryImbalance float64         `mapstructure:"max_inventory_imbalance"`
	RefreshInterval       time.Duration   `mapstructure:"refresh_interval"`
	BalanceRefresh        time.Duration   `mapstructure:"balance_refresh"`
	ExecutionMode         string          `mapstructure:"execution_mode"`
	EnabledExchanges      []string        `mapstructure:"enabled_exchanges"`
	Slippage              decimal.Decimal `mapstructure:"slippage"`
}

// DefaultParams returns the production defaults
func DefaultParams() Params {
	return Params{
		Symbol:                "UBTC/USDC",
		MinDelta:              0.1,
		MaxOrderSize:          decimal.RequireFromString("0.01"),
		MaxInventoryImbalance: 0.03,
		RefreshInterval:       time.Second,
		BalanceRefresh:        10 * time.Second,
		ExecutionMode:         ModeLive,
		EnabledExchanges:      []string{"hyperliquid", VenueBybit},
	}
}

// Info returns registry metadata
func Info() runtime.Info {
	p := DefaultParams()
	return runtime.Info{
		Name:        Name,
		Description: "Cross-exchange arbitrage on top-of-book deltas",
		Defaults: map[string]any{
			"symbol":                  p.Symbol,
			"min_delta":               p.MinDelta,
			"max_order_size":          p.MaxOrderSize.String(),
			"max_inventory_imbalance": p.MaxInventoryImbalance,
			"refresh_interval":        p.RefreshInterval.Seconds(),
			"execution_mode":          p.ExecutionMode,
			"enabled_exchanges":       p.EnabledExchanges,
		},
	}
}

// Create is the registry creator
func Create(raw map[string]any, deps runtime.Deps) (runtime.Strategy, error) {
	p := DefaultParams()
	if err := params.Decode(raw, &p); err != nil {
		return nil, err
	}
	return New(p, deps)
}

// Strategy is one arbitrage instance for one canonical symbol
type Strategy struct {
	*runtime.Runner

	params    Params
	router    *router.Router
	inventory *inventory.Tracker
	journal   *journal.Journal
	engine    *delta.Engine
	logger    *zap.Logger
	now       func() time.Time

	mu              sync.Mutex
	balancesAt      time.Time
	activeExchanges []string
	errors          int
	lastUpdate      time.Time
}

var _ runtime.Strategy = (*Strategy)(nil)

// New validates params and builds an instance. A nil inventory or journal
// in deps is replaced by a private one.
func New(p Params, deps runtime.Deps) (*Strategy, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Router == nil {
		return nil, mmerrors.Validation.Explain("router is required")
	}
	if _, _, err := exchange.SplitSymbol(p.Symbol); err != nil {
		return nil, mmerrors.Validation.Wrap(err)
	}
	switch {
	case p.ExecutionMode != ModeLive && p.ExecutionMode != ModeSimulation:
		return nil, mmerrors.Validation.Explain("execution_mode must be %q or %q", ModeLive, ModeSimulation)
	case len(p.EnabledExchanges) < 2:
		return nil, mmerrors.Validation.Explain("at least two exchanges are required")
	case !p.MaxOrderSize.IsPositive():
		return nil, mmerrors.Validation.Explain("max_order_size must be positive")
	case p.MinDelta < 0 || p.MaxInventoryImbalance < 0:
		return nil, mmerrors.Validation.Explain("thresholds must not be negative")
	}
	if p.BalanceRefresh <= 0 {
		p.BalanceRefresh = 10 * time.Second
	}

	s := &Strategy{
		params:    p,
		router:    deps.Router,
		inventory: deps.Inventory,
		journal:   deps.Journal,
		logger:    logger.Named(Name).With(zap.String("symbol", p.Symbol), zap.String("mode", p.ExecutionMode)),
		now:       time.Now,
	}
	if s.inventory == nil {
		s.inventory = inventory.NewTracker(logger)
	}
	if s.journal == nil {
		s.journal = journal.New(logger, 0)
	}
	s.engine = delta.NewEngine(delta.Config{
		MinDeltaPercentage: p.MinDelta,
		MaxOrderSize:       p.MaxOrderSize,
	}, logger)
	s.engine.EnableSymbol(p.Symbol)

	s.Runner = runtime.NewRunner(Name, p.Symbol, s, runtime.RunnerConfig{TickInterval: p.RefreshInterval}, logger)
	return s, nil
}

// Engine exposes the delta engine
func (s *Strategy) Engine() *delta.Engine { return s.engine }

// Start connects the enabled venues. Fewer than two reachable venues is fatal.
func (s *Strategy) Start(ctx context.Context) error {
	var active []string
	for _, venue := range s.params.EnabledExchanges {
		if !s.router.IsConnected(venue) {
			if err := s.router.Connect(ctx, venue); err != nil {
				s.logger.Warn("exchange unavailable", zap.String("venue", venue), zap.Error(err))
				continue
			}
		}
		active = append(active, venue)
	}
	if len(active) < 2 {
		return mmerrors.Fatal.Explain("need two connected exchanges for %s, have %d", s.params.Symbol, len(active))
	}

	s.mu.Lock()
	s.activeExchanges = active
	s.mu.Unlock()

	s.refreshBalances(ctx)
	return s.Runner.Start(ctx)
}

func (s *Strategy) venues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.activeExchanges) == 0 {
		return s.params.EnabledExchanges
	}
	return s.activeExchanges
}

// Tick refreshes balances when due, collects top of book from every venue
// and executes the best signal.
func (s *Strategy) Tick(ctx context.Context) error {
	s.mu.Lock()
	due := s.now().Sub(s.balancesAt) >= s.params.BalanceRefresh
	s.mu.Unlock()
	if due {
		s.refreshBalances(ctx)
	}

	if err := s.collect(ctx); err != nil {
		s.countError()
		return err
	}

	for _, sig := range s.engine.FindOpportunities(s.now()) {
		if err := s.execute(ctx, sig); err != nil {
			s.countError()
			return err
		}
	}

	s.mu.Lock()
	s.lastUpdate = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Strategy) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// collect fetches market data from every venue concurrently. Venues that
// fail are left to go stale in the delta engine.
func (s *Strategy) collect(ctx context.Context) error {
	venues := s.venues()
	var (
		mu sync.Mutex
		ok int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, venue := range venues {
		venue := venue
		g.Go(func() error {
			md, err := s.router.GetMarketData(gctx, venue, VenueSymbol(venue, s.params.Symbol))
			if err != nil {
				s.logger.Warn("market data unavailable", zap.String("venue", venue), zap.Error(err))
				return nil
			}
			if !md.Valid() {
				return nil
			}
			snap := delta.SnapshotFromMarketData(md)
			if snap.Timestamp.IsZero() {
				snap.Timestamp = s.now()
			}
			s.engine.Update(venue, s.params.Symbol, snap)
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ok < 2 {
		return mmerrors.Connectivity.Explain("market data from %d of %d exchanges", ok, len(venues))
	}
	return nil
}

func (s *Strategy) refreshBalances(ctx context.Context) {
	for _, venue := range s.venues() {
		b, err := s.router.GetBalances(ctx, venue)
		if err != nil {
			s.logger.Warn("balance refresh failed", zap.String("venue", venue), zap.Error(err))
			continue
		}
		s.inventory.UpdateFromExchange(venue, b)
	}
	s.mu.Lock()
	s.balancesAt = s.now()
	s.mu.Unlock()
}

// execute runs one signal. Skips are not errors; only a failed journal write
// with no sink left is reported.
func (s *Strategy) execute(ctx context.Context, sig delta.Signal) error {
	now := s.now()
	if sig.Expired(now) {
		return nil
	}
	buyBase, buyQuote, err := VenueAssets(sig.BuyVenue, sig.Symbol)
	if err != nil {
		return mmerrors.Validation.Wrap(err)
	}
	sellBase, _, err := VenueAssets(sig.SellVenue, sig.Symbol)
	if err != nil {
		return mmerrors.Validation.Wrap(err)
	}

	buyTotal := s.inventory.Total(sig.BuyVenue, buyBase)
	sellTotal := s.inventory.Total(sig.SellVenue, sellBase)
	if !inventory.ImbalanceWithin(buyTotal, sellTotal, s.params.MaxInventoryImbalance) {
		s.logger.Info("skipping signal, inventory imbalance above limit",
			zap.String("buy_venue", sig.BuyVenue), zap.Stringer("buy_base", buyTotal),
			zap.String("sell_venue", sig.SellVenue), zap.Stringer("sell_base", sellTotal))
		metrics.ArbitrageTrades.WithLabelValues(sig.Symbol, "skipped_imbalance").Inc()
		return nil
	}

	id := fmt.Sprintf("arb_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
	rec := journal.TradeRecord{
		ID:              id,
		Strategy:        Name,
		Mode:            s.params.ExecutionMode,
		Symbol:          sig.Symbol,
		Size:            sig.OrderSize,
		BuyPrice:        sig.BuyPrice,
		SellPrice:       sig.SellPrice,
		DeltaPercentage: sig.DeltaPercentage,
		ExpectedProfit:  sig.ExpectedProfit,
		Timestamp:       now,
	}

	if s.params.ExecutionMode == ModeSimulation {
		s.logger.Info("simulated arbitrage",
			zap.String("trade_id", id),
			zap.String("buy_venue", sig.BuyVenue), zap.Stringer("buy_price", sig.BuyPrice),
			zap.String("sell_venue", sig.SellVenue), zap.Stringer("sell_price", sig.SellPrice),
			zap.Stringer("size", sig.OrderSize), zap.Stringer("expected_profit", sig.ExpectedProfit))
		rec.Buy = journal.LegResult{Venue: sig.BuyVenue, Symbol: VenueSymbol(sig.BuyVenue, sig.Symbol), Success: true, Message: "simulated"}
		rec.Sell = journal.LegResult{Venue: sig.SellVenue, Symbol: VenueSymbol(sig.SellVenue, sig.Symbol), Success: true, Message: "simulated"}
		metrics.ArbitrageTrades.WithLabelValues(sig.Symbol, "simulated").Inc()
		return s.journal.Record(ctx, rec)
	}

	buyLeg := inventory.InFlightTrade{
		ID: id + "_buy", Venue: sig.BuyVenue, Asset: buyQuote, Side: exchange.Buy,
		Size: sig.OrderSize, Price: sig.BuyPrice.Mul(quoteBuffer), CreatedAt: now,
	}
	sellLeg := inventory.InFlightTrade{
		ID: id + "_sell", Venue: sig.SellVenue, Asset: sellBase, Side: exchange.Sell,
		Size: sig.OrderSize, Price: sig.SellPrice, CreatedAt: now,
	}
	if err := s.inventory.Reserve(buyLeg, sellLeg); err != nil {
		s.logger.Info("skipping signal", zap.String("trade_id", id), zap.Error(err))
		metrics.ArbitrageTrades.WithLabelValues(sig.Symbol, "skipped_balance").Inc()
		return nil
	}
	defer func() {
		s.inventory.RemoveInFlightTrade(buyLeg.ID)
		s.inventory.RemoveInFlightTrade(sellLeg.ID)
	}()

	start := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		rec.Buy = s.leg(ctx, sig.BuyVenue, sig.Symbol, exchange.Buy, sig.OrderSize)
		return nil
	})
	g.Go(func() error {
		rec.Sell = s.leg(ctx, sig.SellVenue, sig.Symbol, exchange.Sell, sig.OrderSize)
		return nil
	})
	_ = g.Wait()
	rec.ExecutionTime = time.Since(start)

	outcome := "profitable"
	switch {
	case rec.Partial():
		outcome = "partial"
		s.logger.Error("arbitrage partially executed, position left open",
			zap.String("trade_id", id),
			zap.Error(mmerrors.PartialFill.Explain("buy ok=%t sell ok=%t", rec.Buy.Success, rec.Sell.Success)))
	case !rec.Profitable():
		outcome = "failed"
		s.logger.Warn("arbitrage legs failed", zap.String("trade_id", id),
			zap.String("buy_error", rec.Buy.Message), zap.String("sell_error", rec.Sell.Message))
	default:
		s.logger.Info("arbitrage executed",
			zap.String("trade_id", id),
			zap.Stringer("expected_profit", sig.ExpectedProfit),
			zap.Duration("execution_time", rec.ExecutionTime))
	}
	metrics.ArbitrageTrades.WithLabelValues(sig.Symbol, outcome).Inc()

	// balances moved, re-read them on the next tick
	s.mu.Lock()
	s.balancesAt = time.Time{}
	s.mu.Unlock()

	return s.journal.Record(ctx, rec)
}

func (s *Strategy) leg(ctx context.Context, venue, symbol string, side exchange.Side, size decimal.Decimal) journal.LegResult {
	venueSymbol := VenueSymbol(venue, symbol)
	res := s.router.PlaceOrder(ctx, venue, router.OrderRequest{
		Type:     router.Market,
		Symbol:   venueSymbol,
		Side:     side,
		Size:     size,
		Slippage: s.params.Slippage,
	})
	return journal.LegResult{
		Venue:   venue,
		Symbol:  venueSymbol,
		Success: res.OK(),
		OrderID: res.OrderID,
		Message: res.Message,
		Kind:    res.Kind,
	}
}

// Records returns the journaled trades of this instance's symbol
func (s *Strategy) Records() []journal.TradeRecord {
	var out []journal.TradeRecord
	for _, r := range s.journal.Records(Name) {
		if r.Symbol == s.params.Symbol {
			out = append(out, r)
		}
	}
	return out
}

// Cleanup has nothing to cancel: both legs are market orders.
func (s *Strategy) Cleanup(context.Context) error {
	s.logger.Info("arbitrage stopped", zap.Int("in_flight", len(s.inventory.InFlightTrades())))
	return nil
}

// PerformanceMetrics reports trade statistics over the journaled records
func (s *Strategy) PerformanceMetrics() map[string]any {
	st := journal.Stats(s.Records())

	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[string]any{
		"symbol":              s.params.Symbol,
		"profitable_trades":   st.Profitable,
		"unprofitable_trades": st.Unprofitable,
		"win_rate":            st.WinRate,
		"total_profit":        st.TotalProfit.String(),
		"errors":              s.errors,
		"active_exchanges":    append([]string(nil), s.activeExchanges...),
		"execution_mode":      s.params.ExecutionMode,
		"in_flight_trades":    len(s.inventory.InFlightTrades()),
	}
	if !s.lastUpdate.IsZero() {
		m["last_update"] = s.lastUpdate
	}
	return m
}
