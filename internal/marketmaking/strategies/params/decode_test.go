package params

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

type sample struct {
	Symbol    string          `mapstructure:"symbol"`
	Amount    decimal.Decimal `mapstructure:"order_amount"`
	Spread    float64         `mapstructure:"bid_spread"`
	MaxAge    time.Duration   `mapstructure:"order_max_age"`
	Refresh   time.Duration   `mapstructure:"refresh_time"`
	Exchanges []string        `mapstructure:"enabled_exchanges"`
	Dynamic   bool            `mapstructure:"dynamic"`
}

func TestDecode(t *testing.T) {
	var s sample
	err := Decode(map[string]any{
		"symbol":            map[string]any{"value": "UBTC/USDC", "type": "str"},
		"order_amount":      0.00013,
		"bid_spread":        "0.00011",
		"order_max_age":     30,
		"refresh_time":      "1500ms",
		"enabled_exchanges": "hyperliquid,bybit",
		"dynamic":           "true",
	}, &s)
	require.NoError(t, err)

	assert.Equal(t, "UBTC/USDC", s.Symbol)
	assert.True(t, s.Amount.Equal(decimal.RequireFromString("0.00013")))
	assert.Equal(t, 0.00011, s.Spread)
	assert.Equal(t, 30*time.Second, s.MaxAge)
	assert.Equal(t, 1500*time.Millisecond, s.Refresh)
	assert.Equal(t, []string{"hyperliquid", "bybit"}, s.Exchanges)
	assert.True(t, s.Dynamic)
}

func TestDecode_KeepsDefaults(t *testing.T) {
	s := sample{Symbol: "UETH/USDC", MaxAge: time.Minute}
	require.NoError(t, Decode(map[string]any{"bid_spread": 0.001}, &s))
	assert.Equal(t, "UETH/USDC", s.Symbol)
	assert.Equal(t, time.Minute, s.MaxAge)
}

func TestDecode_InvalidIsValidationError(t *testing.T) {
	var s sample
	err := Decode(map[string]any{"order_amount": "lots"}, &s)
	assert.ErrorIs(t, err, mmerrors.Validation)
}
