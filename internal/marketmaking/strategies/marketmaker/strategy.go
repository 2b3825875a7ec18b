// Package marketmaker quotes one buy and one sell maker order around the mid
// price, with fixed or volatility-adjusted spreads.
package marketmaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/orders"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/spread"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies/params"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// Strategy names
const (
	NameFixed   = "spread_mm"
	NameDynamic = "dyna_vola"
)

// minQuoteBalance is the quote balance below which no buy is attempted
var minQuoteBalance = decimal.NewFromInt(1)

// Params of a market making instance
type Params struct {
	Venue                   string          `mapstructure:"venue"`
	Symbol                  string          `mapstructure:"symbol"`
	BidSpread               float64         `mapstructure:"bid_spread"`
	AskSpread               float64         `mapstructure:"ask_spread"`
	OrderAmount             decimal.Decimal `mapstructure:"order_amount"`
	RefreshTime             time.Duration   `mapstructure:"refresh_time"`
	OrderMaxAge             time.Duration   `mapstructure:"order_max_age"`
	PriceDeviationThreshold float64         `mapstructure:"price_deviation_threshold"`
	MaxOrderDistance        float64         `mapstructure:"max_order_distance"`
	VolatilityWindow        time.Duration   `mapstructure:"volatility_window"`
	Dynamic                 bool            `mapstructure:"dynamic"`
	TickInterval            time.Duration   `mapstructure:"tick_interval"`
	SafetyCancelInterval    time.Duration   `mapstructure:"safety_cancel_interval"`
	LiquidationGrace        time.Duration   `mapstructure:"liquidation_grace"`
}

// DefaultParams mirror the production defaults of the quoting strategy
func DefaultParams() Params {
	return Params{
		Venue:                   "hyperliquid",
		Symbol:                  "UBTC/USDC",
		BidSpread:               0.00011,
		AskSpread:               0.00012,
		OrderAmount:             decimal.RequireFromString("0.00013"),
		RefreshTime:             10 * time.Second,
		OrderMaxAge:             30 * time.Second,
		PriceDeviationThreshold: 0.005,
		MaxOrderDistance:        0.01,
		VolatilityWindow:        300 * time.Second,
		TickInterval:            time.Second,
	}
}

// Info returns registry metadata for the fixed or the dynamic variant
func Info(dynamic bool) runtime.Info {
	p := DefaultParams()
	p.Dynamic = dynamic
	info := runtime.Info{
		Name:        NameFixed,
		Description: "Fixed-spread market making around the mid price",
		Defaults: map[string]any{
			"venue":                     p.Venue,
			"symbol":                    p.Symbol,
			"bid_spread":                p.BidSpread,
			"ask_spread":                p.AskSpread,
			"order_amount":              p.OrderAmount.String(),
			"refresh_time":              p.RefreshTime.Seconds(),
			"order_max_age":             p.OrderMaxAge.Seconds(),
			"price_deviation_threshold": p.PriceDeviationThreshold,
			"max_order_distance":        p.MaxOrderDistance,
		},
	}
	if dynamic {
		info.Name = NameDynamic
		info.Description = "Market making with spreads adjusted to volatility, volume and book imbalance"
		info.Defaults["volatility_window"] = p.VolatilityWindow.Seconds()
	}
	return info
}

// Creator returns a registry creator for the fixed or the dynamic variant
func Creator(dynamic bool) runtime.Creator {
	return func(raw map[string]any, deps runtime.Deps) (runtime.Strategy, error) {
		p := DefaultParams()
		p.Dynamic = dynamic
		if err := params.Decode(raw, &p); err != nil {
			return nil, err
		}
		return New(p, deps.Router, deps.Logger)
	}
}

// Strategy is one quoting instance
type Strategy struct {
	*runtime.Runner

	name    string
	params  Params
	base    string
	quote   string
	router  *router.Router
	orders  *orders.Manager
	spreads *spread.Engine
	safety  *runtime.SafetyController
	logger  *zap.Logger
	now     func() time.Time

	mu                sync.Mutex
	bidSpread         float64
	askSpread         float64
	mid               decimal.Decimal
	lastRefresh       time.Time
	lastPlacement     time.Time
	consecutiveErrors int
}

var _ runtime.Strategy = (*Strategy)(nil)

// New validates params and wires the order manager, spread engine and
// safety controller of one instance.
func New(p Params, r *router.Router, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		return nil, mmerrors.Validation.Explain("router is required")
	}
	base, quote, err := exchange.SplitSymbol(p.Symbol)
	if err != nil {
		return nil, mmerrors.Validation.Wrap(err)
	}
	switch {
	case p.Venue == "":
		return nil, mmerrors.Validation.Explain("venue is required")
	case p.BidSpread <= 0 || p.AskSpread <= 0:
		return nil, mmerrors.Validation.Explain("spreads must be positive")
	case !p.OrderAmount.IsPositive():
		return nil, mmerrors.Validation.Explain("order_amount must be positive")
	}

	name := NameFixed
	if p.Dynamic {
		name = NameDynamic
	}
	s := &Strategy{
		name:      name,
		params:    p,
		base:      base,
		quote:     quote,
		router:    r,
		logger:    logger.Named(name).With(zap.String("symbol", p.Symbol)),
		now:       time.Now,
		bidSpread: p.BidSpread,
		askSpread: p.AskSpread,
	}

	s.orders = orders.NewManager(orders.Config{
		Venue:                   p.Venue,
		Symbol:                  p.Symbol,
		OrderAmount:             p.OrderAmount,
		OrderMaxAge:             p.OrderMaxAge,
		PriceDeviationThreshold: p.PriceDeviationThreshold,
		MaxOrderDistance:        p.MaxOrderDistance,
	}, r, logger)

	if p.Dynamic {
		s.spreads = spread.NewEngine(spread.Config{
			BaseBidSpread:    p.BidSpread,
			BaseAskSpread:    p.AskSpread,
			VolatilityWindow: p.VolatilityWindow,
		})
	}

	s.safety = runtime.NewSafetyController(runtime.SafetyConfig{
		Venue:            p.Venue,
		Symbol:           p.Symbol,
		CancelInterval:   p.SafetyCancelInterval,
		LiquidationGrace: p.LiquidationGrace,
	}, s.orders, r, s.baseBalance, logger)

	s.orders.SetPlacementObserver(s.observePlacement)
	s.orders.SetFillObserver(func(o orders.Order) {
		s.Runner.SetMessage(fmt.Sprintf("%s %s filled at %s", o.Side, o.Size, o.Price))
	})

	s.Runner = runtime.NewRunner(name, p.Symbol, s, runtime.RunnerConfig{TickInterval: p.TickInterval}, logger)
	s.Runner.AddCompanion(s.safety)
	return s, nil
}

// Name of the strategy variant
func (s *Strategy) Name() string { return s.name }

// Orders exposes the order manager
func (s *Strategy) Orders() *orders.Manager { return s.orders }

// Safety exposes the safety controller
func (s *Strategy) Safety() *runtime.SafetyController { return s.safety }

// Start verifies the venue connection before starting the loop. Failing to
// connect aborts the start with a fatal error.
func (s *Strategy) Start(ctx context.Context) error {
	if !s.router.IsConnected(s.params.Venue) {
		if err := s.router.Connect(ctx, s.params.Venue); err != nil {
			return err
		}
	}
	base, quote, err := s.balances(ctx)
	if err == nil {
		s.logger.Info("starting balances",
			zap.Stringer(s.base, base), zap.Stringer(s.quote, quote))
	}
	return s.Runner.Start(ctx)
}

func (s *Strategy) observePlacement(p orders.Placement) {
	s.safety.ObservePlacement(p)
	if p.Outcome == orders.OutcomeResting || p.Outcome == orders.OutcomeFilled {
		s.mu.Lock()
		s.lastPlacement = s.now()
		s.mu.Unlock()
	}
}

// Tick runs one pass: market data, cancellation triggers with immediate
// replacement, then a periodic refresh of spreads, fills and missing quotes.
func (s *Strategy) Tick(ctx context.Context) error {
	md, err := s.router.GetMarketData(ctx, s.params.Venue, s.params.Symbol)
	if err != nil {
		return s.fail(err)
	}
	if !md.Valid() {
		return s.fail(mmerrors.Connectivity.Explain("no two-sided market for %s", s.params.Symbol))
	}

	s.feedSpreadEngine(md)

	s.mu.Lock()
	s.mid = md.MidPrice
	bid, ask := s.bidSpread, s.askSpread
	refreshDue := s.now().Sub(s.lastRefresh) >= s.params.RefreshTime
	s.mu.Unlock()

	replaceBuy, replaceSell := s.orders.Evaluate(ctx, md, decimal.NewFromFloat(bid), decimal.NewFromFloat(ask))
	if replaceBuy || replaceSell {
		if err := s.place(ctx, md, replaceBuy, replaceSell); err != nil {
			return s.fail(err)
		}
	}

	if refreshDue {
		if err := s.refresh(ctx, md); err != nil {
			return s.fail(err)
		}
	}

	s.mu.Lock()
	s.consecutiveErrors = 0
	s.mu.Unlock()
	return nil
}

func (s *Strategy) fail(err error) error {
	s.mu.Lock()
	s.consecutiveErrors++
	s.mu.Unlock()
	return err
}

func (s *Strategy) refresh(ctx context.Context, md exchange.MarketData) error {
	if s.spreads != nil {
		bid, ask := s.spreads.DynamicSpreads()
		s.mu.Lock()
		oldBid, oldAsk := s.bidSpread, s.askSpread
		s.bidSpread, s.askSpread = bid, ask
		s.mu.Unlock()
		metrics.DynamicSpread.WithLabelValues(s.params.Symbol, "bid").Set(bid)
		metrics.DynamicSpread.WithLabelValues(s.params.Symbol, "ask").Set(ask)
		metrics.VolatilityPercentile.WithLabelValues(s.params.Symbol).Set(s.spreads.Diagnostics().VolatilityPercentile)
		if changed(oldBid, bid) || changed(oldAsk, ask) {
			s.logger.Info("spreads adjusted",
				zap.Float64("bid_from", oldBid), zap.Float64("bid_to", bid),
				zap.Float64("ask_from", oldAsk), zap.Float64("ask_to", ask))
		}
	}

	if _, err := s.orders.Reconcile(ctx); err != nil {
		return err
	}
	buy, sell := s.orders.Active()
	if err := s.place(ctx, md, buy == nil, sell == nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRefresh = s.now()
	s.mu.Unlock()
	return nil
}

// changed reports a relative move above 20%
func changed(from, to float64) bool {
	if from == 0 {
		return to != 0
	}
	d := (to - from) / from
	return d > 0.2 || d < -0.2
}

func (s *Strategy) place(ctx context.Context, md exchange.MarketData, buy, sell bool) error {
	if !buy && !sell {
		return nil
	}
	base, quote, err := s.balances(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	bid, ask := decimal.NewFromFloat(s.bidSpread), decimal.NewFromFloat(s.askSpread)
	s.mu.Unlock()

	if buy && quote.GreaterThan(minQuoteBalance) {
		if _, err := s.orders.PlaceBuy(ctx, md, bid); err != nil {
			return err
		}
	}
	if sell && base.GreaterThan(s.orders.Config().MinOrderSize) {
		if _, err := s.orders.PlaceSell(ctx, md, ask, base); err != nil {
			return err
		}
	}
	return nil
}

func (s *Strategy) feedSpreadEngine(md exchange.MarketData) {
	if s.spreads == nil {
		return
	}
	bidDepth, askDepth := md.Depth(5)
	volume := -1.0
	if md.Volume.IsPositive() {
		volume = md.Volume.InexactFloat64()
	}
	ts := md.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	s.spreads.Update(spread.Sample{
		Time:     ts,
		Mid:      md.MidPrice.InexactFloat64(),
		Bid:      md.BestBid.InexactFloat64(),
		Ask:      md.BestAsk.InexactFloat64(),
		Volume:   volume,
		BidDepth: bidDepth.InexactFloat64(),
		AskDepth: askDepth.InexactFloat64(),
	})
}

// balances returns the available base and quote balances on the venue
func (s *Strategy) balances(ctx context.Context) (base, quote decimal.Decimal, err error) {
	b, err := s.router.GetBalances(ctx, s.params.Venue)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if bb, ok := b.Find(s.base); ok {
		base = bb.Available
	}
	if qb, ok := b.Find(s.quote); ok {
		quote = qb.Available
	}
	return base, quote, nil
}

func (s *Strategy) baseBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := s.router.GetBalances(ctx, s.params.Venue)
	if err != nil {
		return decimal.Zero, err
	}
	bb, _ := b.Find(s.base)
	return bb.Total, nil
}

// Cleanup cancels every order of the instance
func (s *Strategy) Cleanup(ctx context.Context) error {
	n, err := s.orders.CancelAll(ctx)
	if err != nil {
		return fmt.Errorf("cancel orders on stop: %w", err)
	}
	s.logger.Info("cancelled all orders", zap.Int("count", n))
	return nil
}

// PerformanceMetrics reports quoting state and, for the dynamic variant,
// the volatility diagnostics.
func (s *Strategy) PerformanceMetrics() map[string]any {
	s.mu.Lock()
	m := map[string]any{
		"symbol":             s.params.Symbol,
		"venue":              s.params.Venue,
		"mid_price":          s.mid.String(),
		"bid_spread":         s.bidSpread,
		"ask_spread":         s.askSpread,
		"consecutive_errors": s.consecutiveErrors,
	}
	if s.lastPlacement.IsZero() {
		m["last_successful_placement"] = "Never"
	} else {
		m["last_successful_placement"] = s.lastPlacement
	}
	s.mu.Unlock()

	st := s.orders.Stats()
	m["orders_placed"] = st.Placed
	m["orders_filled"] = st.Filled
	m["orders_rejected"] = st.Rejected
	m["orders_cancelled"] = st.Cancelled
	m["inferred_fills"] = st.InferredFills
	m["safety_escalated"] = s.safety.Escalated()
	m["liquidated"] = s.safety.Liquidated()

	if s.spreads != nil {
		diag := s.spreads.Diagnostics()
		m["dynamic_spreads"] = "Enabled"
		m["original_bid_spread"] = s.params.BidSpread
		m["original_ask_spread"] = s.params.AskSpread
		m["volatility"] = diag.Volatility
		m["volatility_percentile"] = diag.VolatilityPercentile
		m["vol_multiplier"] = diag.VolatilityMultiplier
		m["order_book_imbalance"] = fmt.Sprintf("%.2f/%.2f", diag.BidImbalanceAdj, diag.AskImbalanceAdj)
	}
	return m
}
