package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/orders"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// SafetyConfig tunes the safety controller
type SafetyConfig struct {
	Venue  string
	Symbol string

	CancelInterval      time.Duration   // unconditional cancel-all cadence, default 120s
	EscalatedInterval   time.Duration   // cadence after a balance rejection, default 15s
	LiquidationGrace    time.Duration   // how long a base balance may be held, default 300s
	LiquidationSlippage decimal.Decimal // default 0.01
	MinBalance          decimal.Decimal // balances at or below are ignored, default 0.00001
	CheckInterval       time.Duration   // default 1s
}

func (c *SafetyConfig) applyDefaults() {
	if c.CancelInterval <= 0 {
		c.CancelInterval = 120 * time.Second
	}
	if c.EscalatedInterval <= 0 {
		c.EscalatedInterval = 15 * time.Second
	}
	if c.LiquidationGrace <= 0 {
		c.LiquidationGrace = 300 * time.Second
	}
	if c.LiquidationSlippage.IsZero() {
		c.LiquidationSlippage = decimal.RequireFromString("0.01")
	}
	if c.MinBalance.IsZero() {
		c.MinBalance = decimal.RequireFromString("0.00001")
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
}

// CancelAller cancels every order of the strategy on its venue
type CancelAller interface {
	CancelAll(ctx context.Context) (int, error)
}

// OrderPlacer places the liquidation order
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, venue string, req router.OrderRequest) router.Result
}

// BalanceFunc returns the strategy's current base asset balance
type BalanceFunc func(ctx context.Context) (decimal.Decimal, error)

// SafetyController defends a strategy against local/venue state divergence.
// It cancels all orders on a fixed cadence, faster while balance rejections
// are being seen, and liquidates a base balance held past the grace period
// exactly once per run.
type SafetyController struct {
	cfg     SafetyConfig
	orders  CancelAller
	placer  OrderPlacer
	balance BalanceFunc
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastCancel  time.Time
	escalated   bool
	heldSince   time.Time
	liquidated  bool
	cancelRuns  int
	liquidation *router.Result

	stop chan struct{}
	done chan struct{}
}

// NewSafetyController wires a controller for one strategy instance
func NewSafetyController(cfg SafetyConfig, orders CancelAller, placer OrderPlacer, balance BalanceFunc, logger *zap.Logger) *SafetyController {
	cfg.applyDefaults()
	return &SafetyController{
		cfg:     cfg,
		orders:  orders,
		placer:  placer,
		balance: balance,
		logger:  logger.Named("safety").With(zap.String("venue", cfg.Venue), zap.String("symbol", cfg.Symbol)),
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (s *SafetyController) SetClock(now func() time.Time) { s.now = now }

// ObservePlacement feeds placement outcomes. An insufficient balance
// rejection escalates; a resting or filled order clears the escalation.
func (s *SafetyController) ObservePlacement(p orders.Placement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case p.InsufficientBalance():
		if !s.escalated {
			s.logger.Warn("insufficient balance rejection, escalating cancel-all cadence",
				zap.Duration("interval", s.cfg.EscalatedInterval))
		}
		s.escalated = true
	case p.Outcome == orders.OutcomeResting || p.Outcome == orders.OutcomeFilled:
		s.escalated = false
	}
}

// Escalated reports whether the fast cadence is active
func (s *SafetyController) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// Liquidated reports whether the one-shot liquidation fired
func (s *SafetyController) Liquidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liquidated
}

// Start runs the check loop until Stop or ctx end. The clock starts now, so
// the first unconditional cancel happens one interval after start.
func (s *SafetyController) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.lastCancel = s.now()
	s.heldSince = time.Time{}
	s.liquidated = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(s.cfg.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				s.Check(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it
func (s *SafetyController) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Check runs one evaluation at the current clock
func (s *SafetyController) Check(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if s.lastCancel.IsZero() {
		s.lastCancel = now
	}
	interval := s.cfg.CancelInterval
	if s.escalated {
		interval = s.cfg.EscalatedInterval
	}
	dueCancel := now.Sub(s.lastCancel) >= interval
	if dueCancel {
		s.lastCancel = now
	}
	armed := !s.liquidated
	s.mu.Unlock()

	if dueCancel {
		s.cancelAll(ctx, "scheduled")
	}
	if !armed {
		return
	}

	bal, err := s.balance(ctx)
	if err != nil {
		s.logger.Warn("balance check failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if bal.LessThanOrEqual(s.cfg.MinBalance) {
		s.heldSince = time.Time{}
		s.mu.Unlock()
		return
	}
	if s.heldSince.IsZero() {
		s.heldSince = now
	}
	held := now.Sub(s.heldSince)
	if held <= s.cfg.LiquidationGrace {
		s.mu.Unlock()
		return
	}
	s.liquidated = true
	s.mu.Unlock()

	s.logger.Warn("base balance held past grace period, liquidating",
		zap.Stringer("balance", bal),
		zap.Duration("held", held))
	s.cancelAll(ctx, "liquidation")

	res := s.placer.PlaceOrder(ctx, s.cfg.Venue, router.OrderRequest{
		Type:     router.Market,
		Symbol:   s.cfg.Symbol,
		Side:     exchange.Sell,
		Size:     bal,
		Slippage: s.cfg.LiquidationSlippage,
	})
	s.mu.Lock()
	s.liquidation = &res
	s.mu.Unlock()

	outcome := "ok"
	if !res.OK() {
		outcome = "failed"
		s.logger.Error("liquidation order failed", zap.String("message", res.Message))
	}
	metrics.SafetyActions.WithLabelValues(s.cfg.Symbol, "liquidation_"+outcome).Inc()
}

func (s *SafetyController) cancelAll(ctx context.Context, reason string) {
	n, err := s.orders.CancelAll(ctx)
	s.mu.Lock()
	s.cancelRuns++
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("cancel-all failed", zap.String("reason", reason), zap.Error(err))
		metrics.SafetyActions.WithLabelValues(s.cfg.Symbol, "cancel_all_failed").Inc()
		return
	}
	s.logger.Info("cancel-all", zap.String("reason", reason), zap.Int("cancelled", n))
	metrics.SafetyActions.WithLabelValues(s.cfg.Symbol, "cancel_all").Inc()
}

// CancelRuns returns how many cancel-all sweeps ran
func (s *SafetyController) CancelRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRuns
}
