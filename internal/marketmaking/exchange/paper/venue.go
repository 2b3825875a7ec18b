// Package paper implements an in-memory venue used for simulation runs and tests
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
)

// Rejection messages mirror the wording real venues return
const (
	MsgInsufficientBalance = "Insufficient spot balance"
	MsgOrderNotFound       = "Order was never placed, already canceled, or filled."
	MsgNoLiquidity         = "No liquidity available"
	MsgIOCNotMatched       = "Order could not immediately match"
	MsgPostOnlyMatched     = "Post only order would have immediately matched"
)

type holding struct {
	total  decimal.Decimal
	locked decimal.Decimal
}

type restingOrder struct {
	exchange.OpenOrder
	lockAsset  string
	lockAmount decimal.Decimal
}

// Request records one placement as the venue received it
type Request struct {
	Symbol string
	Side   exchange.Side
	Size   decimal.Decimal
	Price  *decimal.Decimal
	TIF    exchange.TimeInForce
	At     time.Time
}

// Venue is a paper trading venue. Market orders fill at the top of book,
// crossing limit orders fill at the opposing best price, others rest and lock funds.
type Venue struct {
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	failure   error
	books     map[string]exchange.OrderBook
	ticks     map[string]decimal.Decimal
	assets    map[string][2]string
	holdings  map[string]*holding
	orders    map[string]*restingOrder
	positions []exchange.Position
	requests  []Request
	cancels   int
}

var _ exchange.Adapter = (*Venue)(nil)

// NewVenue creates an empty paper venue
func NewVenue(name string, logger *zap.Logger) *Venue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{
		name:     name,
		logger:   logger.Named("paper").With(zap.String("venue", name)),
		books:    make(map[string]exchange.OrderBook),
		ticks:    make(map[string]decimal.Decimal),
		assets:   make(map[string][2]string),
		holdings: make(map[string]*holding),
		orders:   make(map[string]*restingOrder),
	}
}

func (v *Venue) Name() string { return v.name }

// SetBook replaces the order book for symbol
func (v *Venue) SetBook(symbol string, book exchange.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[symbol] = book
}

// SetTop sets a one-level book
func (v *Venue) SetTop(symbol string, bid, bidSize, ask, askSize decimal.Decimal) {
	v.SetBook(symbol, exchange.OrderBook{
		Bids: []exchange.PriceLevel{{Price: bid, Size: bidSize}},
		Asks: []exchange.PriceLevel{{Price: ask, Size: askSize}},
	})
}

// SetTickSize publishes a tick size for symbol
func (v *Venue) SetTickSize(symbol string, tick decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ticks[symbol] = tick
}

// SetBalance sets the total balance of asset and releases all locks on it
func (v *Venue) SetBalance(asset string, total decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holdings[asset] = &holding{total: total}
}

// SetPositions replaces the reported derivatives positions
func (v *Venue) SetPositions(positions []exchange.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = positions
}

// SetFailure makes every call fail with err until cleared with nil
func (v *Venue) SetFailure(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failure = err
}

// Requests returns every placement received so far
func (v *Venue) Requests() []Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Request, len(v.requests))
	copy(out, v.requests)
	return out
}

// CancelCount returns the number of successful cancellations
func (v *Venue) CancelCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancels
}

// Balance returns total and available for asset
func (v *Venue) Balance(asset string) (total, available decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holding(asset)
	return h.total, h.total.Sub(h.locked)
}

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return v.failure
	}
	v.connected = true
	v.logger.Info("paper venue connected")
	return nil
}

func (v *Venue) GetMarketData(ctx context.Context, symbol string) (exchange.MarketData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return exchange.MarketData{}, v.failure
	}
	book, ok := v.books[symbol]
	if !ok {
		return exchange.MarketData{}, fmt.Errorf("no order book for %s", symbol)
	}
	md := exchange.NewMarketData(symbol, book, time.Now())
	md.TickSize = v.ticks[symbol]
	return md, nil
}

func (v *Venue) GetBalances(ctx context.Context) (exchange.Balances, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return exchange.Balances{}, v.failure
	}
	assets := make([]string, 0, len(v.holdings))
	for asset := range v.holdings {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var out exchange.Balances
	for _, asset := range assets {
		h := v.holdings[asset]
		out.Spot = append(out.Spot, exchange.AssetBalance{
			Asset:     asset,
			Available: h.total.Sub(h.locked),
			Total:     h.total,
		})
	}
	return out, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return nil, v.failure
	}
	out := make([]exchange.Position, len(v.positions))
	copy(out, v.positions)
	return out, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, symbol string, isBuy bool, size decimal.Decimal, price *decimal.Decimal, tif exchange.TimeInForce) (exchange.PlaceResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return exchange.PlaceResponse{}, v.failure
	}

	side := exchange.Sell
	if isBuy {
		side = exchange.Buy
	}
	v.requests = append(v.requests, Request{Symbol: symbol, Side: side, Size: size, Price: price, TIF: tif, At: time.Now()})

	base, quote, err := v.split(symbol)
	if err != nil {
		return reject(err.Error()), nil
	}
	if !size.IsPositive() {
		return reject("Order size must be positive"), nil
	}
	book := v.books[symbol]

	// Determine whether the order executes immediately and at what price.
	var touch *exchange.PriceLevel
	if isBuy && len(book.Asks) > 0 {
		touch = &book.Asks[0]
	} else if !isBuy && len(book.Bids) > 0 {
		touch = &book.Bids[0]
	}

	crosses := false
	if touch != nil {
		switch {
		case price == nil:
			crosses = true
		case isBuy:
			crosses = price.GreaterThanOrEqual(touch.Price)
		default:
			crosses = price.LessThanOrEqual(touch.Price)
		}
	}

	if price == nil && touch == nil {
		return reject(MsgNoLiquidity), nil
	}
	if crosses && tif == exchange.ALO {
		return reject(MsgPostOnlyMatched), nil
	}
	if !crosses && tif == exchange.IOC {
		return reject(MsgIOCNotMatched), nil
	}

	if crosses {
		fillPrice := touch.Price
		cost := size.Mul(fillPrice)
		if isBuy {
			if v.available(quote).LessThan(cost) {
				return reject(MsgInsufficientBalance), nil
			}
			v.holding(quote).total = v.holding(quote).total.Sub(cost)
			v.holding(base).total = v.holding(base).total.Add(size)
		} else {
			if v.available(base).LessThan(size) {
				return reject(MsgInsufficientBalance), nil
			}
			v.holding(base).total = v.holding(base).total.Sub(size)
			v.holding(quote).total = v.holding(quote).total.Add(cost)
		}
		v.logger.Debug("paper order filled",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("size", size.String()),
			zap.String("price", fillPrice.String()))
		return exchange.PlaceResponse{Status: exchange.StatusOK, Fill: &exchange.Fill{Size: size, Price: fillPrice}}, nil
	}

	lockAsset, lockAmount := base, size
	if isBuy {
		lockAsset, lockAmount = quote, size.Mul(*price)
	}
	if v.available(lockAsset).LessThan(lockAmount) {
		return reject(MsgInsufficientBalance), nil
	}
	v.holding(lockAsset).locked = v.holding(lockAsset).locked.Add(lockAmount)

	id := uuid.NewString()
	v.orders[id] = &restingOrder{
		OpenOrder: exchange.OpenOrder{
			Symbol:    symbol,
			Side:      side,
			Size:      size,
			Price:     *price,
			OrderID:   id,
			Timestamp: time.Now(),
		},
		lockAsset:  lockAsset,
		lockAmount: lockAmount,
	}
	return exchange.PlaceResponse{Status: exchange.StatusOK, OrderID: id}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return exchange.CancelResponse{}, v.failure
	}
	o, ok := v.orders[orderID]
	if !ok || (symbol != "" && o.Symbol != symbol) {
		return exchange.CancelResponse{Status: exchange.StatusError, Message: MsgOrderNotFound}, nil
	}
	v.release(o)
	delete(v.orders, orderID)
	v.cancels++
	return exchange.CancelResponse{Status: exchange.StatusOK}, nil
}

func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failure != nil {
		return nil, v.failure
	}
	out := make([]exchange.OpenOrder, 0, len(v.orders))
	for _, o := range v.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o.OpenOrder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Fill executes a resting order at its limit price, as if a taker hit it
func (v *Venue) Fill(orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not resting", orderID)
	}
	v.release(o)
	delete(v.orders, orderID)

	base, quote, _ := v.split(o.Symbol)
	cost := o.Size.Mul(o.Price)
	if o.Side == exchange.Buy {
		v.holding(quote).total = v.holding(quote).total.Sub(cost)
		v.holding(base).total = v.holding(base).total.Add(o.Size)
	} else {
		v.holding(base).total = v.holding(base).total.Sub(o.Size)
		v.holding(quote).total = v.holding(quote).total.Add(cost)
	}
	return nil
}

// SetAssets declares the assets of a symbol written without a separator,
// such as BTCUSDT.
func (v *Venue) SetAssets(symbol, base, quote string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.assets[symbol] = [2]string{base, quote}
}

func (v *Venue) split(symbol string) (base, quote string, err error) {
	if a, ok := v.assets[symbol]; ok {
		return a[0], a[1], nil
	}
	return exchange.SplitSymbol(symbol)
}

func (v *Venue) holding(asset string) *holding {
	h, ok := v.holdings[asset]
	if !ok {
		h = &holding{}
		v.holdings[asset] = h
	}
	return h
}

func (v *Venue) available(asset string) decimal.Decimal {
	h := v.holding(asset)
	return h.total.Sub(h.locked)
}

func (v *Venue) release(o *restingOrder) {
	h := v.holding(o.lockAsset)
	h.locked = h.locked.Sub(o.lockAmount)
	if h.locked.IsNegative() {
		h.locked = decimal.Zero
	}
}

func reject(msg string) exchange.PlaceResponse {
	return exchange.PlaceResponse{Status: exchange.StatusError, Message: msg}
}
