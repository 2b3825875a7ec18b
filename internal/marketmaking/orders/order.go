// Package orders tracks the single buy and single sell maker order of one
// strategy instance and decides when they must be replaced.
package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

// Status of a tracked order
type Status string

const (
	StatusPending   Status = "pending"
	StatusResting   Status = "resting"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether the order leaves tracking in this status
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a maker order placed by the manager
type Order struct {
	Venue    string          `json:"venue"`
	Symbol   string          `json:"symbol"`
	Side     exchange.Side   `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	PlacedAt time.Time       `json:"placed_at"`
	OrderID  string          `json:"order_id"`
	Status   Status          `json:"status"`
}

// Age returns how long the order has been tracked
func (o Order) Age(now time.Time) time.Duration {
	return now.Sub(o.PlacedAt)
}

// Outcome classifies a placement attempt
type Outcome string

const (
	OutcomeResting  Outcome = "resting"
	OutcomeFilled   Outcome = "filled"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
)

// Placement is the result of PlaceBuy or PlaceSell
type Placement struct {
	Side    exchange.Side
	Outcome Outcome
	Order   Order
	Fill    *exchange.Fill
	// Kind is the error kind for rejections (validation, balance, connectivity)
	Kind   string
	Reason string
}

// InsufficientBalance reports a rejection caused by missing funds
func (p Placement) InsufficientBalance() bool {
	return p.Outcome == OutcomeRejected && p.Kind == mmerrors.KindBalance
}

// CancelReason names the trigger that cancelled a tracked order
type CancelReason string

const (
	ReasonAge       CancelReason = "age"
	ReasonDeviation CancelReason = "deviation"
	ReasonDistance  CancelReason = "distance"
	ReasonCancelAll CancelReason = "cancel_all"
)

// Router is the subset of the exchange router the manager uses
type Router interface {
	PlaceOrder(ctx context.Context, venue string, req router.OrderRequest) router.Result
	CancelOrder(ctx context.Context, venue, symbol, orderID string) router.Result
	CancelAllOrders(ctx context.Context, venue, symbol string) (int, error)
	GetOpenOrders(ctx context.Context, venue, symbol string) ([]exchange.OpenOrder, error)
}
