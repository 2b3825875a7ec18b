// Canonical venue data shapes shared by the execution core
package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// IsBuy reports whether the side is Buy
func (s Side) IsBuy() bool { return s == Buy }

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is a known side
func (s Side) Valid() bool { return s == Buy || s == Sell }

// TimeInForce values understood by adapters
type TimeInForce string

const (
	GTC TimeInForce = "Gtc" // good till cancelled
	IOC TimeInForce = "Ioc" // immediate or cancel
	ALO TimeInForce = "Alo" // add liquidity only (post-only)
)

// PriceLevel is one level of an order book
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook holds bids (descending) and asks (ascending)
type OrderBook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// MarketData is the normalized market snapshot for one symbol on one venue
type MarketData struct {
	Symbol    string          `json:"symbol"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	MidPrice  decimal.Decimal `json:"mid_price"`
	OrderBook OrderBook       `json:"order_book"`
	// TickSize is zero when the venue does not publish one
	TickSize  decimal.Decimal `json:"tick_size"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMarketData builds a snapshot from a book, deriving best prices and mid
func NewMarketData(symbol string, book OrderBook, ts time.Time) MarketData {
	md := MarketData{Symbol: symbol, OrderBook: book, Timestamp: ts}
	if len(book.Bids) > 0 {
		md.BestBid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		md.BestAsk = book.Asks[0].Price
	}
	if md.BestBid.IsPositive() && md.BestAsk.IsPositive() {
		md.MidPrice = md.BestBid.Add(md.BestAsk).Div(decimal.NewFromInt(2))
	}
	return md
}

// Valid reports whether the snapshot has a usable two-sided top of book
func (m MarketData) Valid() bool {
	return m.BestBid.IsPositive() && m.BestAsk.IsPositive() && m.MidPrice.IsPositive()
}

// BestBidSize returns the size resting at the best bid
func (m MarketData) BestBidSize() decimal.Decimal {
	if len(m.OrderBook.Bids) == 0 {
		return decimal.Zero
	}
	return m.OrderBook.Bids[0].Size
}

// BestAskSize returns the size resting at the best ask
func (m MarketData) BestAskSize() decimal.Decimal {
	if len(m.OrderBook.Asks) == 0 {
		return decimal.Zero
	}
	return m.OrderBook.Asks[0].Size
}

// Depth sums the size of the first n levels of each side
func (m MarketData) Depth(n int) (bid, ask decimal.Decimal) {
	for i := 0; i < n && i < len(m.OrderBook.Bids); i++ {
		bid = bid.Add(m.OrderBook.Bids[i].Size)
	}
	for i := 0; i < n && i < len(m.OrderBook.Asks); i++ {
		ask = ask.Add(m.OrderBook.Asks[i].Size)
	}
	return bid, ask
}

// AssetBalance is one spot balance line
type AssetBalance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// PerpAccount summarizes a venue's derivatives margin account
type PerpAccount struct {
	AccountValue decimal.Decimal `json:"account_value"`
	MarginUsed   decimal.Decimal `json:"margin_used"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
}

// Balances is the result of a venue balance query
type Balances struct {
	Spot []AssetBalance `json:"spot"`
	Perp PerpAccount    `json:"perp"`
}

// Find returns the spot balance for asset
func (b Balances) Find(asset string) (AssetBalance, bool) {
	for _, bal := range b.Spot {
		if bal.Asset == asset {
			return bal, true
		}
	}
	return AssetBalance{Asset: asset}, false
}

// Position is an open derivatives position
type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// Fill describes an immediate execution
type Fill struct {
	Size  decimal.Decimal `json:"size"`
	Price decimal.Decimal `json:"price"`
}

// Adapter response statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// PlaceResponse is the adapter's answer to an order placement. A resting order
// carries OrderID, an immediate execution carries Fill.
type PlaceResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Fill    *Fill  `json:"fill,omitempty"`
	Message string `json:"message,omitempty"`
}

// CancelResponse is the adapter's answer to a cancellation
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OpenOrder is an order the venue reports as resting
type OpenOrder struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	OrderID   string          `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// SplitSymbol splits "BASE/QUOTE" into its assets
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed symbol %q, expected BASE/QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}
