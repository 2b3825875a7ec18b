package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange/paper"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Name() string { return m.Called().String(0) }

func (m *MockAdapter) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAdapter) GetMarketData(ctx context.Context, symbol string) (exchange.MarketData, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.MarketData), args.Error(1)
}

func (m *MockAdapter) GetBalances(ctx context.Context) (exchange.Balances, error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Balances), args.Error(1)
}

func (m *MockAdapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]exchange.Position), args.Error(1)
}

func (m *MockAdapter) PlaceOrder(ctx context.Context, symbol string, isBuy bool, size decimal.Decimal, price *decimal.Decimal, tif exchange.TimeInForce) (exchange.PlaceResponse, error) {
	args := m.Called(ctx, symbol, isBuy, size, price, tif)
	return args.Get(0).(exchange.PlaceResponse), args.Error(1)
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResponse, error) {
	args := m.Called(ctx, symbol, orderID)
	return args.Get(0).(exchange.CancelResponse), args.Error(1)
}

func (m *MockAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).([]exchange.OpenOrder), args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaperRouter(t *testing.T) (*Router, *paper.Venue) {
	t.Helper()
	v := paper.NewVenue("paper", zap.NewNop())
	v.SetTop("UBTC/USDC", d("100"), d("5"), d("101"), d("5"))
	v.SetBalance("USDC", d("10000"))
	v.SetBalance("UBTC", d("10"))

	r := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(v))
	require.NoError(t, r.Connect(context.Background(), "paper"))
	return r, v
}

func TestRouter_UnknownAndDisconnectedVenue(t *testing.T) {
	r, _ := newPaperRouter(t)
	ctx := context.Background()
	px := d("100")

	res := r.PlaceOrder(ctx, "nope", OrderRequest{Type: Limit, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("1"), Price: &px})
	assert.False(t, res.OK())
	assert.Contains(t, res.Message, "unknown exchange")
	assert.Equal(t, mmerrors.KindValidation, res.Kind)

	r.Disconnect("paper")
	assert.False(t, r.IsConnected("paper"))
	res = r.PlaceOrder(ctx, "paper", OrderRequest{Type: Limit, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("1"), Price: &px})
	assert.False(t, res.OK())
	assert.Contains(t, res.Message, "not connected")
	assert.Equal(t, mmerrors.KindConnectivity, res.Kind)
}

func TestRouter_DuplicateExchange(t *testing.T) {
	r, v := newPaperRouter(t)
	err := r.AddExchange(v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.Conflict))
}

func TestRouter_ValidationNeverReachesAdapter(t *testing.T) {
	m := &MockAdapter{}
	m.On("Name").Return("mock")
	m.On("Connect", mock.Anything).Return(nil)

	r := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(m))
	require.NoError(t, r.Connect(context.Background(), "mock"))

	cases := []OrderRequest{
		{Type: Limit, Symbol: "X/Y", Side: exchange.Buy, Size: d("1")},
		{Type: Limit, Symbol: "X/Y", Side: exchange.Buy, Size: d("0"), Price: ptr(d("1"))},
		{Type: Market, Symbol: "X/Y", Side: "hold", Size: d("1")},
		{Type: "stop", Symbol: "X/Y", Side: exchange.Sell, Size: d("1")},
	}
	for _, req := range cases {
		res := r.PlaceOrder(context.Background(), "mock", req)
		assert.False(t, res.OK(), req.String())
		assert.Equal(t, mmerrors.KindValidation, res.Kind, req.String())
	}
	m.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRouter_NormalizesPlacementOutcomes(t *testing.T) {
	r, _ := newPaperRouter(t)
	ctx := context.Background()

	resting := r.PlaceOrder(ctx, "paper", OrderRequest{Type: Limit, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("1"), Price: ptr(d("99"))})
	require.True(t, resting.OK())
	assert.True(t, resting.Resting())
	assert.False(t, resting.Filled())

	filled := r.PlaceOrder(ctx, "paper", OrderRequest{Type: Market, Symbol: "UBTC/USDC", Side: exchange.Sell, Size: d("1")})
	require.True(t, filled.OK())
	assert.True(t, filled.Filled())
	assert.True(t, filled.Fill.Price.Equal(d("100")))

	rejected := r.PlaceOrder(ctx, "paper", OrderRequest{Type: Limit, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("1000"), Price: ptr(d("99"))})
	assert.False(t, rejected.OK())
	assert.Equal(t, mmerrors.KindBalance, rejected.Kind)
	assert.True(t, errors.Is(rejected.Err(), mmerrors.Balance))
}

func TestRouter_MarketSlippageBecomesIOCLimit(t *testing.T) {
	m := &MockAdapter{}
	m.On("Name").Return("mock")
	m.On("Connect", mock.Anything).Return(nil)
	md := exchange.NewMarketData("UBTC/USDC", exchange.OrderBook{
		Bids: []exchange.PriceLevel{{Price: d("99"), Size: d("1")}},
		Asks: []exchange.PriceLevel{{Price: d("101"), Size: d("1")}},
	}, time.Now())
	md.TickSize = d("0.01")
	m.On("GetMarketData", mock.Anything, "UBTC/USDC").Return(md, nil)
	m.On("PlaceOrder", mock.Anything, "UBTC/USDC", true, d("2"), mock.MatchedBy(func(p *decimal.Decimal) bool {
		return p != nil && p.Equal(d("105"))
	}), exchange.IOC).Return(exchange.PlaceResponse{Status: exchange.StatusOK, Fill: &exchange.Fill{Size: d("2"), Price: d("101")}}, nil)

	r := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(m))
	require.NoError(t, r.Connect(context.Background(), "mock"))

	res := r.PlaceOrder(context.Background(), "mock", OrderRequest{
		Type: Market, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("2"), Slippage: d("0.05"),
	})
	require.True(t, res.OK(), res.Message)
	assert.True(t, res.Price.Equal(d("105")))
	m.AssertExpectations(t)
}

func TestRouter_TransportFailuresTripBreaker(t *testing.T) {
	m := &MockAdapter{}
	m.On("Name").Return("mock")
	m.On("Connect", mock.Anything).Return(nil)
	m.On("GetBalances", mock.Anything).Return(exchange.Balances{}, errors.New("timeout"))

	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerTimeout = time.Hour
	r := New(cfg, zap.NewNop())
	require.NoError(t, r.AddExchange(m))
	require.NoError(t, r.Connect(context.Background(), "mock"))

	for i := 0; i < 2; i++ {
		_, err := r.GetBalances(context.Background(), "mock")
		require.Error(t, err)
		assert.True(t, errors.Is(err, mmerrors.Connectivity))
	}
	_, err := r.GetBalances(context.Background(), "mock")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	m.AssertNumberOfCalls(t, "GetBalances", 2)
}

func TestRouter_ConnectFailureIsFatal(t *testing.T) {
	m := &MockAdapter{}
	m.On("Name").Return("mock")
	m.On("Connect", mock.Anything).Return(errors.New("refused"))

	r := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, r.AddExchange(m))
	err := r.ConnectAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.Fatal))
	assert.False(t, r.IsConnected("mock"))
}

func TestRouter_CancelAllOrders(t *testing.T) {
	r, v := newPaperRouter(t)
	ctx := context.Background()
	for _, px := range []string{"95", "96", "97"} {
		require.True(t, r.PlaceOrder(ctx, "paper", OrderRequest{Type: Limit, Symbol: "UBTC/USDC", Side: exchange.Buy, Size: d("1"), Price: ptr(d(px))}).OK())
	}

	n, err := r.CancelAllOrders(ctx, "paper", "UBTC/USDC")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, v.CancelCount())

	open, err := r.GetOpenOrders(ctx, "paper", "")
	require.NoError(t, err)
	assert.Empty(t, open)

	res := r.CancelOrder(ctx, "paper", "UBTC/USDC", "missing")
	assert.False(t, res.OK())
}

func TestScaledOrders(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		r, _ := newPaperRouter(t)
		_, err := r.ScaledOrders(context.Background(), "paper", ScaledParams{
			Symbol: "UBTC/USDC", Side: exchange.Buy, TotalSize: d("1"), NumOrders: 3,
			StartPrice: d("99"), EndPrice: d("95"), Skew: -1,
		})
		assert.True(t, errors.Is(err, mmerrors.Validation))

		_, err = r.ScaledOrders(context.Background(), "paper", ScaledParams{
			Symbol: "UBTC/USDC", Side: exchange.Buy, TotalSize: d("1"), NumOrders: 0,
			StartPrice: d("99"), EndPrice: d("95"),
		})
		assert.True(t, errors.Is(err, mmerrors.Validation))
	})

	t.Run("skewed ladder with swapped bounds", func(t *testing.T) {
		r, v := newPaperRouter(t)
		res, err := r.ScaledOrders(context.Background(), "paper", ScaledParams{
			Symbol: "UBTC/USDC", Side: exchange.Buy, TotalSize: d("6"), NumOrders: 3,
			StartPrice: d("94"), EndPrice: d("98"), Skew: 1,
		})
		require.NoError(t, err)
		require.Len(t, res, 3)

		reqs := v.Requests()
		require.Len(t, reqs, 3)
		assert.True(t, reqs[0].Price.Equal(d("98")))
		assert.True(t, reqs[1].Price.Equal(d("96")))
		assert.True(t, reqs[2].Price.Equal(d("94")))
		assert.True(t, reqs[0].Size.Equal(d("1")))
		assert.True(t, reqs[1].Size.Equal(d("2")))
		assert.True(t, reqs[2].Size.Equal(d("3")))
	})

	t.Run("market bound", func(t *testing.T) {
		r, v := newPaperRouter(t)
		_, err := r.ScaledOrders(context.Background(), "paper", ScaledParams{
			Symbol: "UBTC/USDC", Side: exchange.Sell, TotalSize: d("1"), NumOrders: 2,
			StartPrice: d("50"), EndPrice: d("110"), CheckMarket: true,
		})
		require.NoError(t, err)
		reqs := v.Requests()
		require.Len(t, reqs, 2)
		assert.True(t, reqs[0].Price.Equal(d("95")), reqs[0].Price.String())
	})
}

func TestDistributeSizesSumsToTotal(t *testing.T) {
	sizes := distributeSizes(d("10"), 4, 0)
	sum := decimal.Zero
	for _, s := range sizes {
		sum = sum.Add(s)
	}
	assert.True(t, sum.Equal(d("10")))
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }
