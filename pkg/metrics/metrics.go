package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts order placements by venue, side and outcome
// (resting, filled, rejected, skipped)
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mmcore_orders_placed_total",
		Help: "Total number of order placements by outcome",
	},
	[]string{"venue", "side", "outcome"},
)

// OrdersCancelled counts cancellations by trigger reason
var OrdersCancelled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mmcore_orders_cancelled_total",
		Help: "Total number of tracked orders cancelled, by trigger",
	},
	[]string{"venue", "reason"},
)

// InferredFills counts tracked orders that disappeared from the venue open-order list
var InferredFills = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mmcore_inferred_fills_total",
		Help: "Tracked orders assumed filled because the venue no longer lists them",
	},
	[]string{"venue", "side"},
)

// Spread engine metrics
var (
	DynamicSpread = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmcore_dynamic_spread",
			Help: "Current dynamic spread fraction per symbol and side",
		},
		[]string{"symbol", "side"},
	)

	VolatilityPercentile = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmcore_volatility_percentile",
			Help: "Percentile rank of current realized volatility",
		},
		[]string{"symbol"},
	)
)

// Arbitrage metrics
var (
	ArbitrageSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmcore_arbitrage_signals_total",
			Help: "Arbitrage signals emitted by the delta engine",
		},
		[]string{"symbol"},
	)

	ArbitrageTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmcore_arbitrage_trades_total",
			Help: "Arbitrage executions by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	InFlightTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mmcore_inflight_trades",
			Help: "Number of in-flight trade reservations",
		},
	)
)

// RouterLatency records latency of venue calls through the router
var RouterLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mmcore_router_call_latency_seconds",
		Help:    "Latency in seconds of venue calls dispatched by the router",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"venue", "op"},
)

// TwapSlices counts executed TWAP slices by outcome
var TwapSlices = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mmcore_twap_slices_total",
		Help: "TWAP slices executed, by outcome",
	},
	[]string{"symbol", "outcome"},
)

// Strategy runtime metrics
var (
	StrategyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmcore_strategy_errors_total",
			Help: "Run loop tick errors per strategy instance",
		},
		[]string{"strategy", "key"},
	)

	StrategyRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmcore_strategy_running",
			Help: "1 when the strategy instance run loop is active",
		},
		[]string{"strategy", "key"},
	)

	SafetyActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmcore_safety_actions_total",
			Help: "Safety controller actions (cancel_all, escalated_cancel, liquidation)",
		},
		[]string{"key", "action"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersCancelled, InferredFills)
	prometheus.MustRegister(DynamicSpread, VolatilityPercentile)
	prometheus.MustRegister(ArbitrageSignals, ArbitrageTrades, InFlightTrades)
	prometheus.MustRegister(RouterLatency, TwapSlices)
	prometheus.MustRegister(StrategyErrors, StrategyRunning, SafetyActions)
}
