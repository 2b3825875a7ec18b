package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(ctx context.Context, rec TradeRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockPublisher) Close() error { return m.Called().Error(0) }

func record(id string, buyOK, sellOK bool, profit string) TradeRecord {
	return TradeRecord{
		ID: id, Strategy: "arbitrage:BTC", Symbol: "UBTC/USDC", Mode: "live",
		Size: d("0.01"), ExpectedProfit: d(profit),
		Buy:       LegResult{Venue: "bybit", Success: buyOK},
		Sell:      LegResult{Venue: "hyperliquid", Success: sellOK},
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestJournal_FailsOnlyWhenAllPublishersFail(t *testing.T) {
	ok := new(MockPublisher)
	bad := new(MockPublisher)
	ok.On("Publish", mock.Anything, mock.Anything).Return(nil)
	bad.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	j := New(zap.NewNop(), 0, ok, bad)
	require.NoError(t, j.Record(context.Background(), record("1", true, true, "1")))

	j = New(zap.NewNop(), 0, bad)
	err := j.Record(context.Background(), record("2", true, true, "1"))
	assert.ErrorContains(t, err, "broker down")
	// The record is kept even when delivery failed.
	assert.Len(t, j.Records(""), 1)

	ok.AssertNumberOfCalls(t, "Publish", 1)
}

func TestJournal_LimitAndFilter(t *testing.T) {
	j := New(zap.NewNop(), 2)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, record("1", true, true, "1")))
	require.NoError(t, j.Record(ctx, record("2", true, true, "1")))
	other := record("3", true, true, "1")
	other.Strategy = "arbitrage:ETH"
	require.NoError(t, j.Record(ctx, other))

	all := j.Records("")
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].ID)
	assert.Len(t, j.Records("arbitrage:ETH"), 1)
}

func TestJournal_Close(t *testing.T) {
	p := new(MockPublisher)
	p.On("Close").Return(nil)
	require.NoError(t, New(zap.NewNop(), 0, p).Close())
	p.AssertExpectations(t)
}

func TestStats(t *testing.T) {
	st := Stats([]TradeRecord{
		record("1", true, true, "1.5"),
		record("2", true, false, "2"),
		record("3", true, true, "0.5"),
	})
	assert.Equal(t, 2, st.Profitable)
	assert.Equal(t, 1, st.Unprofitable)
	assert.InDelta(t, 66.666, st.WinRate, 0.01)
	assert.True(t, st.TotalProfit.Equal(d("2")))

	assert.True(t, record("x", true, false, "0").Partial())
	assert.False(t, record("x", false, false, "0").Partial())
}

func TestCalculatePnL(t *testing.T) {
	empty := CalculatePnL(nil)
	assert.Equal(t, 0, empty.TotalTrades)
	assert.True(t, empty.TotalPnL.IsZero())

	s := CalculatePnL([]Fill{
		{Size: d("1"), Price: d("100"), ClosedPnl: d("10")},
		{Size: d("2"), Price: d("50"), ClosedPnl: d("-4")},
		{Size: d("1"), Price: d("10"), ClosedPnl: d("2")},
		{Size: d("1"), Price: d("10")},
	})
	assert.Equal(t, 4, s.TotalTrades)
	assert.True(t, s.TotalVolume.Equal(d("220")))
	assert.True(t, s.TotalPnL.Equal(d("8")))
	assert.Equal(t, 2, s.WinCount)
	assert.Equal(t, 1, s.LossCount)
	assert.Equal(t, 50.0, s.WinRate)
	assert.True(t, s.AvgWin.Equal(d("6")))
	assert.True(t, s.AvgLoss.Equal(d("-4")))
}

func TestSinkEncoding(t *testing.T) {
	rec := record("abc", true, true, "1")

	msg, err := kafkaMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, "UBTC/USDC", string(msg.Key))
	var decoded TradeRecord
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "abc", decoded.ID)
	assert.Equal(t, "trade-id", msg.Headers[0].Key)

	values, err := redisValues(rec)
	require.NoError(t, err)
	assert.Equal(t, "abc", values["trade_id"])
	assert.Equal(t, "2025-01-01T00:00:00Z", values["timestamp"])
}
