// Package router dispatches order and query calls to venue adapters by venue id
// and normalizes their outcomes.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

const tracerName = "github.com/Aidin1998/mmcore/internal/marketmaking/router"

// OrderType is the uniform order type
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest is the venue-independent order description
type OrderRequest struct {
	Type   OrderType
	Symbol string
	Side   exchange.Side
	Size   decimal.Decimal
	Price  *decimal.Decimal
	TIF    exchange.TimeInForce
	// Slippage, when positive on a market order, converts it into an IOC
	// limit at mid*(1±Slippage).
	Slippage decimal.Decimal
}

// Result is the normalized outcome of a router call
type Result struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Fill    *exchange.Fill  `json:"fill,omitempty"`
	Price   decimal.Decimal `json:"price"`
}

// OK reports a successful call
func (r Result) OK() bool { return r.Status == exchange.StatusOK }

// Resting reports an accepted order left on the book
func (r Result) Resting() bool { return r.OK() && r.OrderID != "" }

// Filled reports an immediate execution
func (r Result) Filled() bool { return r.OK() && r.Fill != nil }

// Err converts an error result into an error carrying its kind
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = "rejected"
	}
	return mmerrors.NewWithKind(kind).Explain("%s", r.Message)
}

func errorResult(err error) Result {
	return Result{Status: exchange.StatusError, Message: err.Error(), Kind: mmerrors.KindOf(err)}
}

func isInsufficientBalance(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "insufficient")
}

// Config tunes the per-venue protections
type Config struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerWindow     time.Duration `mapstructure:"breaker_window" yaml:"breaker_window"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// DefaultConfig returns conservative limits
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		Burst:             40,
		CallTimeout:       10 * time.Second,
		BreakerThreshold:  5,
		BreakerWindow:     time.Minute,
		BreakerTimeout:    30 * time.Second,
	}
}

var (
	ErrUnknownExchange = mmerrors.Validation.Explain("unknown exchange")
	ErrNotConnected    = mmerrors.Connectivity.Explain("not connected")
)

type venue struct {
	adapter   exchange.Adapter
	connected atomic.Bool
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
}

// Router is the single entry point for venue calls
type Router struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	venues map[string]*venue
}

// New creates an empty router
func New(cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:    cfg,
		logger: logger.Named("router"),
		venues: make(map[string]*venue),
	}
}

// AddExchange registers an adapter under its name
func (r *Router) AddExchange(adapter exchange.Adapter) error {
	name := adapter.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[name]; exists {
		return mmerrors.Conflict.Explain("exchange '%s' already registered", name)
	}

	limit := rate.Inf
	if r.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(r.cfg.RequestsPerSecond)
	}
	burst := r.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r.venues[name] = &venue{
		adapter: adapter,
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewCircuitBreaker(BreakerConfig{
			Threshold: r.cfg.BreakerThreshold,
			Window:    r.cfg.BreakerWindow,
			Timeout:   r.cfg.BreakerTimeout,
			OnTrip: func() {
				r.logger.Warn("venue circuit breaker tripped", zap.String("venue", name))
			},
		}),
	}
	r.logger.Info("exchange registered", zap.String("venue", name))
	return nil
}

// Exchanges lists registered venue names
func (r *Router) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect brings up one venue. Failure is fatal for strategies needing it.
func (r *Router) Connect(ctx context.Context, name string) error {
	v, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := v.adapter.Connect(ctx); err != nil {
		v.connected.Store(false)
		r.logger.Error("exchange connect failed", zap.String("venue", name), zap.Error(err))
		return mmerrors.Fatal.Explain("connect %s", name).Wrap(err)
	}
	v.connected.Store(true)
	r.logger.Info("exchange connected", zap.String("venue", name))
	return nil
}

// ConnectAll connects every registered venue concurrently
func (r *Router) ConnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.Exchanges() {
		name := name
		g.Go(func() error { return r.Connect(gctx, name) })
	}
	return g.Wait()
}

// Disconnect marks a venue as unavailable for dispatch
func (r *Router) Disconnect(name string) {
	if v, err := r.lookup(name); err == nil {
		v.connected.Store(false)
		r.logger.Info("exchange disconnected", zap.String("venue", name))
	}
}

// IsConnected reports whether name is registered and connected
func (r *Router) IsConnected(name string) bool {
	v, err := r.lookup(name)
	return err == nil && v.connected.Load()
}

// ConnectionStatus reports connection state per venue
func (r *Router) ConnectionStatus() map[string]bool {
	out := make(map[string]bool)
	for _, name := range r.Exchanges() {
		out[name] = r.IsConnected(name)
	}
	return out
}

// PlaceOrder validates and dispatches an order
func (r *Router) PlaceOrder(ctx context.Context, venueName string, req OrderRequest) Result {
	v, err := r.ready(venueName)
	if err != nil {
		return errorResult(err)
	}
	if err := validate(req); err != nil {
		return errorResult(err)
	}

	price := req.Price
	tif := req.TIF
	switch req.Type {
	case Limit:
		if tif == "" {
			tif = exchange.GTC
		}
	case Market:
		price = nil
		if req.Slippage.IsPositive() {
			px, err := r.slippagePrice(ctx, v, req)
			if err != nil {
				return errorResult(err)
			}
			price = &px
			tif = exchange.IOC
		}
	}

	var resp exchange.PlaceResponse
	err = r.call(ctx, venueName, v, "place_order", func(ctx context.Context) error {
		var err error
		resp, err = v.adapter.PlaceOrder(ctx, req.Symbol, req.Side.IsBuy(), req.Size, price, tif)
		return err
	})
	if err != nil {
		return errorResult(err)
	}

	res := Result{Status: resp.Status, Message: resp.Message, OrderID: resp.OrderID, Fill: resp.Fill}
	if price != nil {
		res.Price = *price
	}
	if res.Status != exchange.StatusOK {
		res.Status = exchange.StatusError
		if isInsufficientBalance(resp.Message) {
			res.Kind = mmerrors.KindBalance
		}
		if res.Message == "" {
			res.Message = "order rejected"
		}
	}
	return res
}

// CancelOrder cancels one order
func (r *Router) CancelOrder(ctx context.Context, venueName, symbol, orderID string) Result {
	v, err := r.ready(venueName)
	if err != nil {
		return errorResult(err)
	}
	if orderID == "" {
		return errorResult(mmerrors.Validation.Explain("order id is required"))
	}

	var resp exchange.CancelResponse
	err = r.call(ctx, venueName, v, "cancel_order", func(ctx context.Context) error {
		var err error
		resp, err = v.adapter.CancelOrder(ctx, symbol, orderID)
		return err
	})
	if err != nil {
		return errorResult(err)
	}
	if resp.Status != exchange.StatusOK {
		return Result{Status: exchange.StatusError, Message: resp.Message}
	}
	return Result{Status: exchange.StatusOK, OrderID: orderID}
}

// CancelAllOrders cancels every open order on symbol (all symbols when empty).
// It keeps going on individual failures and returns how many were cancelled.
func (r *Router) CancelAllOrders(ctx context.Context, venueName, symbol string) (int, error) {
	open, err := r.GetOpenOrders(ctx, venueName, symbol)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	var lastErr error
	for _, o := range open {
		res := r.CancelOrder(ctx, venueName, o.Symbol, o.OrderID)
		if res.OK() {
			cancelled++
			continue
		}
		lastErr = res.Err()
		r.logger.Warn("cancel failed during cancel-all",
			zap.String("venue", venueName),
			zap.String("order_id", o.OrderID),
			zap.String("message", res.Message))
	}
	if cancelled == 0 && lastErr != nil {
		return 0, lastErr
	}
	return cancelled, nil
}

// GetOpenOrders lists resting orders on a venue
func (r *Router) GetOpenOrders(ctx context.Context, venueName, symbol string) ([]exchange.OpenOrder, error) {
	v, err := r.ready(venueName)
	if err != nil {
		return nil, err
	}
	var out []exchange.OpenOrder
	err = r.call(ctx, venueName, v, "open_orders", func(ctx context.Context) error {
		var err error
		out, err = v.adapter.GetOpenOrders(ctx, symbol)
		return err
	})
	return out, err
}

// GetMarketData fetches the normalized snapshot for symbol
func (r *Router) GetMarketData(ctx context.Context, venueName, symbol string) (exchange.MarketData, error) {
	v, err := r.ready(venueName)
	if err != nil {
		return exchange.MarketData{}, err
	}
	var md exchange.MarketData
	err = r.call(ctx, venueName, v, "market_data", func(ctx context.Context) error {
		var err error
		md, err = v.adapter.GetMarketData(ctx, symbol)
		return err
	})
	return md, err
}

// GetBalances fetches venue balances
func (r *Router) GetBalances(ctx context.Context, venueName string) (exchange.Balances, error) {
	v, err := r.ready(venueName)
	if err != nil {
		return exchange.Balances{}, err
	}
	var out exchange.Balances
	err = r.call(ctx, venueName, v, "balances", func(ctx context.Context) error {
		var err error
		out, err = v.adapter.GetBalances(ctx)
		return err
	})
	return out, err
}

// GetPositions fetches open derivatives positions
func (r *Router) GetPositions(ctx context.Context, venueName string) ([]exchange.Position, error) {
	v, err := r.ready(venueName)
	if err != nil {
		return nil, err
	}
	var out []exchange.Position
	err = r.call(ctx, venueName, v, "positions", func(ctx context.Context) error {
		var err error
		out, err = v.adapter.GetPositions(ctx)
		return err
	})
	return out, err
}

func (r *Router) lookup(name string) (*venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[name]
	if !ok {
		return nil, ErrUnknownExchange.Explain("unknown exchange: %s", name)
	}
	return v, nil
}

func (r *Router) ready(name string) (*venue, error) {
	v, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !v.connected.Load() {
		return nil, ErrNotConnected.Explain("not connected to %s", name)
	}
	return v, nil
}

// call applies the rate limit, breaker and timeout around one adapter call.
// Any error it returns is a connectivity error.
func (r *Router) call(ctx context.Context, name string, v *venue, op string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "router."+op)
	span.SetAttributes(attribute.String("venue", name))
	defer span.End()

	if err := v.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter")
		return mmerrors.Connectivity.Explain("%s %s: rate limiter", name, op).Wrap(err)
	}
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := v.breaker.Execute(func() error { return fn(ctx) })
	metrics.RouterLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Debug("venue call failed", zap.String("venue", name), zap.String("op", op), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mmerrors.Connectivity.Explain("%s %s", name, op).Wrap(err)
	}
	return nil
}

func (r *Router) slippagePrice(ctx context.Context, v *venue, req OrderRequest) (decimal.Decimal, error) {
	var md exchange.MarketData
	err := r.call(ctx, v.adapter.Name(), v, "market_data", func(ctx context.Context) error {
		var err error
		md, err = v.adapter.GetMarketData(ctx, req.Symbol)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !md.Valid() {
		return decimal.Zero, mmerrors.Connectivity.Explain("no usable market data for %s", req.Symbol)
	}
	tick := exchange.EffectiveTick(md.TickSize, md.MidPrice)
	if req.Side.IsBuy() {
		return exchange.CeilToTick(md.MidPrice.Mul(decimal.NewFromInt(1).Add(req.Slippage)), tick), nil
	}
	return exchange.FloorToTick(md.MidPrice.Mul(decimal.NewFromInt(1).Sub(req.Slippage)), tick), nil
}

func validate(req OrderRequest) error {
	if req.Symbol == "" {
		return mmerrors.Validation.Explain("symbol is required")
	}
	if !req.Side.Valid() {
		return mmerrors.Validation.Explain("invalid side %q", req.Side)
	}
	if !req.Size.IsPositive() {
		return mmerrors.Validation.Explain("size must be positive, got %s", req.Size)
	}
	switch req.Type {
	case Limit:
		if req.Price == nil {
			return mmerrors.Validation.Explain("price is required for limit orders")
		}
		if !req.Price.IsPositive() {
			return mmerrors.Validation.Explain("price must be positive, got %s", req.Price)
		}
	case Market:
	default:
		return mmerrors.Validation.Explain("unsupported order type %q", req.Type)
	}
	return nil
}

// String is used in logs
func (req OrderRequest) String() string {
	px := "market"
	if req.Price != nil {
		px = req.Price.String()
	}
	return fmt.Sprintf("%s %s %s %s@%s", req.Type, req.Side, req.Symbol, req.Size, px)
}
