package exchange

import "github.com/shopspring/decimal"

var fallbackTicks = []struct {
	min  decimal.Decimal
	tick decimal.Decimal
}{
	{decimal.NewFromInt(10000), decimal.RequireFromString("0.5")},
	{decimal.NewFromInt(1000), decimal.RequireFromString("0.1")},
	{decimal.NewFromInt(100), decimal.RequireFromString("0.01")},
	{decimal.NewFromInt(10), decimal.RequireFromString("0.001")},
	{decimal.NewFromInt(1), decimal.RequireFromString("0.0001")},
}

var smallestTick = decimal.RequireFromString("0.00001")

// FallbackTick guesses a tick size from the price magnitude, for venues that
// do not publish one.
func FallbackTick(price decimal.Decimal) decimal.Decimal {
	for _, f := range fallbackTicks {
		if price.GreaterThanOrEqual(f.min) {
			return f.tick
		}
	}
	return smallestTick
}

// EffectiveTick returns tick when positive, otherwise the fallback for price
func EffectiveTick(tick, price decimal.Decimal) decimal.Decimal {
	if tick.IsPositive() {
		return tick
	}
	return FallbackTick(price)
}

// RoundToTick rounds price to the nearest multiple of tick
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds price down to a multiple of tick
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds price up to a multiple of tick
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}
