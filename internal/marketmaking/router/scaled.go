package router

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

// ScaledParams describes a ladder of limit orders across a price range.
// For buys StartPrice is the highest level, for sells the lowest.
type ScaledParams struct {
	Symbol      string
	Side        exchange.Side
	TotalSize   decimal.Decimal
	NumOrders   int
	StartPrice  decimal.Decimal
	EndPrice    decimal.Decimal
	Skew        float64 // 0 = equal sizes, >0 weights later levels by (i+1)^skew
	TIF         exchange.TimeInForce
	CheckMarket bool
}

var (
	marketBoundUp   = decimal.RequireFromString("1.05")
	marketBoundDown = decimal.RequireFromString("0.95")
	sizePrecision   = int32(8)
)

// ScaledOrders places a ladder of limit orders and returns the accepted ones
func (r *Router) ScaledOrders(ctx context.Context, venueName string, p ScaledParams) ([]Result, error) {
	if !p.TotalSize.IsPositive() {
		return nil, mmerrors.Validation.Explain("total size must be greater than 0")
	}
	if p.NumOrders <= 0 {
		return nil, mmerrors.Validation.Explain("number of orders must be greater than 0")
	}
	if !p.StartPrice.IsPositive() || !p.EndPrice.IsPositive() {
		return nil, mmerrors.Validation.Explain("prices must be greater than 0")
	}
	if p.Skew < 0 || math.IsNaN(p.Skew) {
		return nil, mmerrors.Validation.Explain("skew must be non-negative")
	}
	if !p.Side.Valid() {
		return nil, mmerrors.Validation.Explain("invalid side %q", p.Side)
	}

	start, end := p.StartPrice, p.EndPrice
	if p.Side.IsBuy() && start.LessThan(end) {
		start, end = end, start
	} else if !p.Side.IsBuy() && start.GreaterThan(end) {
		start, end = end, start
	}

	tick := decimal.Zero
	if p.CheckMarket {
		md, err := r.GetMarketData(ctx, venueName, p.Symbol)
		if err != nil {
			r.logger.Warn("scaled orders: market check failed, using provided prices",
				zap.String("symbol", p.Symbol), zap.Error(err))
		} else if md.Valid() {
			tick = md.TickSize
			start, end = boundToMarket(p.Side, start, end, md)
		}
	}

	sizes := distributeSizes(p.TotalSize, p.NumOrders, p.Skew)
	prices := priceLevels(p.NumOrders, start, end)

	tif := p.TIF
	if tif == "" {
		tif = exchange.GTC
	}

	accepted := make([]Result, 0, p.NumOrders)
	for i := range sizes {
		px := exchange.RoundToTick(prices[i], exchange.EffectiveTick(tick, prices[i]))
		res := r.PlaceOrder(ctx, venueName, OrderRequest{
			Type:   Limit,
			Symbol: p.Symbol,
			Side:   p.Side,
			Size:   sizes[i],
			Price:  &px,
			TIF:    tif,
		})
		if !res.OK() {
			r.logger.Warn("scaled order level rejected",
				zap.Int("level", i),
				zap.String("price", px.String()),
				zap.String("message", res.Message))
			continue
		}
		accepted = append(accepted, res)
	}

	r.logger.Info("scaled orders placed",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Int("requested", p.NumOrders),
		zap.Int("accepted", len(accepted)))
	return accepted, nil
}

// boundToMarket keeps a ladder within 5% of the touch and on the passive side
func boundToMarket(side exchange.Side, start, end decimal.Decimal, md exchange.MarketData) (decimal.Decimal, decimal.Decimal) {
	if side.IsBuy() {
		if limit := md.BestAsk.Mul(marketBoundUp); start.GreaterThan(limit) {
			start = limit
		}
		if end.GreaterThan(md.BestAsk) {
			end = md.BestBid
		}
		return start, end
	}
	if limit := md.BestBid.Mul(marketBoundDown); start.LessThan(limit) {
		start = limit
	}
	if end.LessThan(md.BestBid) {
		end = md.BestAsk
	}
	return start, end
}

func distributeSizes(total decimal.Decimal, n int, skew float64) []decimal.Decimal {
	sizes := make([]decimal.Decimal, n)
	if skew == 0 {
		each := total.Div(decimal.NewFromInt(int64(n))).Round(sizePrecision)
		for i := range sizes {
			sizes[i] = each
		}
		return sizes
	}

	weights := make([]float64, n)
	sum := 0.0
	for i := range weights {
		weights[i] = math.Pow(float64(i+1), skew)
		sum += weights[i]
	}
	for i, w := range weights {
		sizes[i] = total.Mul(decimal.NewFromFloat(w / sum)).Round(sizePrecision)
	}
	return sizes
}

func priceLevels(n int, start, end decimal.Decimal) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{start}
	}
	step := end.Sub(start).Div(decimal.NewFromInt(int64(n - 1)))
	levels := make([]decimal.Decimal, n)
	for i := range levels {
		levels[i] = start.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return levels
}
