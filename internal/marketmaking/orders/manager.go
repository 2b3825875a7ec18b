package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// Config holds the per-instance order placement parameters
type Config struct {
	Venue       string
	Symbol      string
	OrderAmount decimal.Decimal
	// OrderMaxAge of zero disables age-based cancellation
	OrderMaxAge time.Duration
	// PriceDeviationThreshold is relative; zero disables it
	PriceDeviationThreshold float64
	// MaxOrderDistance is relative to mid; zero disables it
	MaxOrderDistance float64
	MinOrderSize     decimal.Decimal
	MinPrice         decimal.Decimal
	TimeInForce      exchange.TimeInForce
}

var (
	defaultMinOrderSize = decimal.RequireFromString("0.00001")
	defaultMinPrice     = decimal.RequireFromString("0.0000001")
	one                 = decimal.NewFromInt(1)
)

// Stats counts manager activity over the instance lifetime
type Stats struct {
	Placed        int `json:"placed"`
	Filled        int `json:"filled_immediately"`
	Rejected      int `json:"rejected"`
	Cancelled     int `json:"cancelled"`
	InferredFills int `json:"inferred_fills"`
}

// Manager owns the buy and sell slot of one strategy instance.
// At most one order per side is tracked at any time.
type Manager struct {
	cfg    Config
	router Router
	logger *zap.Logger
	now    func() time.Time

	onPlacement func(Placement)
	onFill      func(Order)

	// mu guards the slots, the placing flags and stats. It is never held
	// across venue calls.
	mu          sync.Mutex
	buy         *Order
	sell        *Order
	placingBuy  bool
	placingSell bool
	stats       Stats
}

// NewManager creates a manager with empty slots
func NewManager(cfg Config, r Router, logger *zap.Logger) *Manager {
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = defaultMinOrderSize
	}
	if cfg.MinPrice.IsZero() {
		cfg.MinPrice = defaultMinPrice
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = exchange.GTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		router: r,
		logger: logger.Named("orders").With(zap.String("venue", cfg.Venue), zap.String("symbol", cfg.Symbol)),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetPlacementObserver registers a callback invoked after every placement attempt
func (m *Manager) SetPlacementObserver(fn func(Placement)) { m.onPlacement = fn }

// SetFillObserver registers a callback for orders inferred filled by Reconcile
func (m *Manager) SetFillObserver(fn func(Order)) { m.onFill = fn }

// Config returns the manager configuration
func (m *Manager) Config() Config { return m.cfg }

// UpdateAmount changes the order amount used by future placements
func (m *Manager) UpdateAmount(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.OrderAmount = amount
}

// RawTargetPrice is mid*(1-spread) for buys and mid*(1+spread) for sells
func RawTargetPrice(side exchange.Side, mid, spread decimal.Decimal) decimal.Decimal {
	if side.IsBuy() {
		return mid.Mul(one.Sub(spread))
	}
	return mid.Mul(one.Add(spread))
}

// TargetPrice returns the maker price for side: the raw target kept strictly
// behind the opposing touch and rounded to the venue tick.
func (m *Manager) TargetPrice(side exchange.Side, md exchange.MarketData, spread decimal.Decimal) decimal.Decimal {
	tick := exchange.EffectiveTick(md.TickSize, md.MidPrice)
	px := exchange.RoundToTick(RawTargetPrice(side, md.MidPrice, spread), tick)

	if side.IsBuy() {
		if limit := md.BestAsk.Sub(tick); px.GreaterThan(limit) {
			px = exchange.FloorToTick(limit, tick)
		}
		if px.LessThan(m.cfg.MinPrice) {
			px = m.cfg.MinPrice
		}
		return px
	}
	if limit := md.BestBid.Add(tick); px.LessThan(limit) {
		px = exchange.CeilToTick(limit, tick)
	}
	return px
}

// PlaceBuy places a buy at the configured amount when the buy slot is empty
func (m *Manager) PlaceBuy(ctx context.Context, md exchange.MarketData, spread decimal.Decimal) (Placement, error) {
	m.mu.Lock()
	amount := m.cfg.OrderAmount
	m.mu.Unlock()
	return m.place(ctx, exchange.Buy, md, spread, amount)
}

// PlaceSell places a sell of min(amount, available) when the sell slot is empty
func (m *Manager) PlaceSell(ctx context.Context, md exchange.MarketData, spread, available decimal.Decimal) (Placement, error) {
	m.mu.Lock()
	size := m.cfg.OrderAmount
	m.mu.Unlock()
	if available.LessThan(size) {
		size = available
	}
	if size.LessThan(m.cfg.MinOrderSize) {
		p := Placement{Side: exchange.Sell, Outcome: OutcomeSkipped, Reason: fmt.Sprintf("sell size %s below minimum %s", size, m.cfg.MinOrderSize)}
		m.record(p)
		return p, nil
	}
	return m.place(ctx, exchange.Sell, md, spread, size)
}

func (m *Manager) place(ctx context.Context, side exchange.Side, md exchange.MarketData, spread, size decimal.Decimal) (Placement, error) {
	if !m.claim(side) {
		return Placement{Side: side, Outcome: OutcomeSkipped, Reason: "slot occupied"}, nil
	}
	p, err := m.submit(ctx, side, md, spread, size)
	m.settle(side, p)
	if err != nil {
		return Placement{}, err
	}
	m.record(p)
	return p, nil
}

// submit sends one limit order for a claimed slot
func (m *Manager) submit(ctx context.Context, side exchange.Side, md exchange.MarketData, spread, size decimal.Decimal) (Placement, error) {
	if !md.Valid() {
		return Placement{}, mmerrors.Validation.Explain("market data for %s has no two-sided book", m.cfg.Symbol)
	}

	price := m.TargetPrice(side, md, spread)
	if !size.IsPositive() || !price.IsPositive() {
		return Placement{
			Side:    side,
			Outcome: OutcomeRejected,
			Kind:    mmerrors.KindValidation,
			Reason:  fmt.Sprintf("invalid order size %s or price %s", size, price),
		}, nil
	}

	res := m.router.PlaceOrder(ctx, m.cfg.Venue, router.OrderRequest{
		Type:   router.Limit,
		Symbol: m.cfg.Symbol,
		Side:   side,
		Size:   size,
		Price:  &price,
		TIF:    m.cfg.TimeInForce,
	})

	order := Order{
		Venue:    m.cfg.Venue,
		Symbol:   m.cfg.Symbol,
		Side:     side,
		Price:    price,
		Size:     size,
		PlacedAt: m.now(),
		Status:   StatusPending,
	}

	p := Placement{Side: side, Order: order}
	switch {
	case res.Resting():
		p.Outcome = OutcomeResting
		p.Order.OrderID = res.OrderID
		p.Order.Status = StatusResting
		m.logger.Info("order resting",
			zap.String("side", string(side)),
			zap.String("price", price.String()),
			zap.String("size", size.String()),
			zap.String("order_id", res.OrderID))
	case res.Filled():
		p.Outcome = OutcomeFilled
		p.Order.Status = StatusFilled
		p.Fill = res.Fill
		m.logger.Info("order filled immediately",
			zap.String("side", string(side)),
			zap.String("price", res.Fill.Price.String()),
			zap.String("size", res.Fill.Size.String()))
	default:
		p.Outcome = OutcomeRejected
		p.Order.Status = StatusRejected
		p.Kind = res.Kind
		p.Reason = res.Message
		m.logger.Warn("order rejected",
			zap.String("side", string(side)),
			zap.String("price", price.String()),
			zap.String("reason", res.Message))
	}
	return p, nil
}

// claim reserves the slot for side while a placement is in flight. It fails
// when the slot holds an order or another placement owns it.
func (m *Manager) claim(side exchange.Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if side.IsBuy() {
		if m.buy != nil || m.placingBuy {
			return false
		}
		m.placingBuy = true
		return true
	}
	if m.sell != nil || m.placingSell {
		return false
	}
	m.placingSell = true
	return true
}

// settle releases the claim on side, tracking the order if it rests
func (m *Manager) settle(side exchange.Side, p Placement) {
	var tracked *Order
	if p.Outcome == OutcomeResting {
		o := p.Order
		tracked = &o
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if side.IsBuy() {
		m.placingBuy = false
		if tracked != nil {
			m.buy = tracked
		}
		return
	}
	m.placingSell = false
	if tracked != nil {
		m.sell = tracked
	}
}

func (m *Manager) record(p Placement) {
	m.mu.Lock()
	switch p.Outcome {
	case OutcomeResting:
		m.stats.Placed++
	case OutcomeFilled:
		m.stats.Placed++
		m.stats.Filled++
	case OutcomeRejected:
		m.stats.Rejected++
	}
	m.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(m.cfg.Venue, string(p.Side), string(p.Outcome)).Inc()
	if m.onPlacement != nil {
		m.onPlacement(p)
	}
}

// Evaluate applies the cancellation triggers to both slots, in priority order
// age, price deviation, distance from mid. A triggered order is cancelled at
// the venue and its slot cleared even if the cancel call fails. The returned
// flags tell the caller a replacement may be placed this tick.
func (m *Manager) Evaluate(ctx context.Context, md exchange.MarketData, bidSpread, askSpread decimal.Decimal) (replaceBuy, replaceSell bool) {
	now := m.now()
	if buy := m.slot(exchange.Buy); buy != nil {
		if reason := m.trigger(*buy, md, bidSpread, now); reason != "" {
			m.cancelTracked(ctx, *buy, reason)
			replaceBuy = true
		}
	}
	if sell := m.slot(exchange.Sell); sell != nil {
		if reason := m.trigger(*sell, md, askSpread, now); reason != "" {
			m.cancelTracked(ctx, *sell, reason)
			replaceSell = true
		}
	}
	return replaceBuy, replaceSell
}

func (m *Manager) trigger(o Order, md exchange.MarketData, spread decimal.Decimal, now time.Time) CancelReason {
	if m.cfg.OrderMaxAge > 0 && o.Age(now) > m.cfg.OrderMaxAge {
		return ReasonAge
	}
	if !md.Valid() || !o.Price.IsPositive() {
		return ""
	}
	if m.cfg.PriceDeviationThreshold > 0 {
		ideal := m.TargetPrice(o.Side, md, spread)
		deviation, _ := ideal.Sub(o.Price).Abs().Div(o.Price).Float64()
		if deviation > m.cfg.PriceDeviationThreshold {
			return ReasonDeviation
		}
	}
	if m.cfg.MaxOrderDistance > 0 {
		dist := decimal.NewFromFloat(m.cfg.MaxOrderDistance)
		if o.Side.IsBuy() && o.Price.LessThan(md.MidPrice.Mul(one.Sub(dist))) {
			return ReasonDistance
		}
		if !o.Side.IsBuy() && o.Price.GreaterThan(md.MidPrice.Mul(one.Add(dist))) {
			return ReasonDistance
		}
	}
	return ""
}

func (m *Manager) cancelTracked(ctx context.Context, o Order, reason CancelReason) {
	res := m.router.CancelOrder(ctx, o.Venue, o.Symbol, o.OrderID)
	if !res.OK() {
		m.logger.Warn("cancel failed, clearing slot anyway",
			zap.String("order_id", o.OrderID),
			zap.String("reason", string(reason)),
			zap.String("message", res.Message))
	} else {
		m.logger.Info("order cancelled",
			zap.String("order_id", o.OrderID),
			zap.String("side", string(o.Side)),
			zap.String("reason", string(reason)))
	}
	m.clear(o.Side, o.OrderID)

	m.mu.Lock()
	m.stats.Cancelled++
	m.mu.Unlock()
	metrics.OrdersCancelled.WithLabelValues(o.Venue, string(reason)).Inc()
}

// Reconcile clears tracked orders the venue no longer lists. Such orders are
// reported as filled, although an out-of-band cancel looks the same.
func (m *Manager) Reconcile(ctx context.Context) ([]Order, error) {
	buy, sell := m.Active()
	if buy == nil && sell == nil {
		return nil, nil
	}

	open, err := m.router.GetOpenOrders(ctx, m.cfg.Venue, m.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("reconcile open orders: %w", err)
	}
	live := make(map[string]struct{}, len(open))
	for _, o := range open {
		live[o.OrderID] = struct{}{}
	}

	var filled []Order
	for _, o := range []*Order{buy, sell} {
		if o == nil {
			continue
		}
		if _, ok := live[o.OrderID]; ok {
			continue
		}
		if !m.clear(o.Side, o.OrderID) {
			continue
		}
		o.Status = StatusFilled
		filled = append(filled, *o)

		m.mu.Lock()
		m.stats.InferredFills++
		m.mu.Unlock()
		metrics.InferredFills.WithLabelValues(o.Venue, string(o.Side)).Inc()
		m.logger.Info("order no longer open, assuming filled",
			zap.String("order_id", o.OrderID),
			zap.String("side", string(o.Side)),
			zap.String("price", o.Price.String()))
		if m.onFill != nil {
			m.onFill(*o)
		}
	}
	return filled, nil
}

// CancelAll cancels every open order of the instance's symbol at the venue,
// whatever is tracked locally, then clears both slots.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	n, err := m.router.CancelAllOrders(ctx, m.cfg.Venue, m.cfg.Symbol)

	m.mu.Lock()
	cleared := 0
	if m.buy != nil {
		cleared++
	}
	if m.sell != nil {
		cleared++
	}
	m.buy, m.sell = nil, nil
	m.stats.Cancelled += cleared
	m.mu.Unlock()

	if cleared > 0 {
		metrics.OrdersCancelled.WithLabelValues(m.cfg.Venue, string(ReasonCancelAll)).Add(float64(cleared))
	}
	if err != nil {
		m.logger.Warn("cancel-all failed at venue, local slots cleared", zap.Error(err))
		return n, fmt.Errorf("cancel all %s: %w", m.cfg.Symbol, err)
	}
	m.logger.Info("cancelled all orders", zap.Int("cancelled", n))
	return n, nil
}

// Active returns copies of the tracked orders
func (m *Manager) Active() (buy, sell *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buy != nil {
		b := *m.buy
		buy = &b
	}
	if m.sell != nil {
		s := *m.sell
		sell = &s
	}
	return buy, sell
}

// Stats returns a copy of the activity counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) slot(side exchange.Side) *Order {
	buy, sell := m.Active()
	if side.IsBuy() {
		return buy
	}
	return sell
}

// clear empties the slot for side if it still holds orderID
func (m *Manager) clear(side exchange.Side, orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := &m.sell
	if side.IsBuy() {
		target = &m.buy
	}
	if *target == nil || (*target).OrderID != orderID {
		return false
	}
	*target = nil
	return true
}
