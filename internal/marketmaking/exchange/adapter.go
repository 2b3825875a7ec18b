package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter is the uniform venue interface. Implementations own signing,
// connection bring-up and response parsing; they return transport failures
// as errors and business outcomes (rejections) inside the response.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	GetMarketData(ctx context.Context, symbol string) (MarketData, error)
	GetBalances(ctx context.Context) (Balances, error)
	GetPositions(ctx context.Context) ([]Position, error)
	// PlaceOrder places a limit order when price is non-nil, otherwise a market order
	PlaceOrder(ctx context.Context, symbol string, isBuy bool, size decimal.Decimal, price *decimal.Decimal, tif TimeInForce) (PlaceResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResponse, error)
	// GetOpenOrders lists resting orders; an empty symbol means all symbols
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}
