package arbitrage

import (
	"strings"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
)

// VenueBybit is the one venue whose symbols differ from the canonical form
const VenueBybit = "bybit"

var bybitSymbols = map[string]string{
	"UBTC/USDC": "BTCUSDT",
	"UETH/USDC": "ETHUSDT",
	"USOL/USDC": "SOLUSDT",
}

// VenueSymbol translates a canonical symbol into the venue's notation.
// Unknown venues use the canonical symbol unchanged.
func VenueSymbol(venue, symbol string) string {
	if venue != VenueBybit {
		return symbol
	}
	if s, ok := bybitSymbols[symbol]; ok {
		return s
	}
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return symbol
	}
	return bybitBase(base) + bybitQuote(quote)
}

// VenueAssets returns the base and quote asset names under which the venue
// reports balances for symbol.
func VenueAssets(venue, symbol string) (base, quote string, err error) {
	base, quote, err = exchange.SplitSymbol(symbol)
	if err != nil || venue != VenueBybit {
		return base, quote, err
	}
	return bybitBase(base), bybitQuote(quote), nil
}

// bybitBase drops the wrapped-token prefix: UBTC trades as BTC
func bybitBase(asset string) string {
	if len(asset) > 1 && strings.HasPrefix(asset, "U") {
		return asset[1:]
	}
	return asset
}

func bybitQuote(asset string) string {
	if asset == "USDC" {
		return "USDT"
	}
	return asset
}
