// Package twap splits a large order into equal slices executed at a fixed
// interval through the router.
package twap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// State of a job
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

// Router is the part of the exchange router slices go through
type Router interface {
	PlaceOrder(ctx context.Context, venue string, req router.OrderRequest) router.Result
}

// Params describe a TWAP job
type Params struct {
	Venue           string           `json:"venue" binding:"required"`
	Symbol          string           `json:"symbol" binding:"required"`
	Side            exchange.Side    `json:"side" binding:"required"`
	Quantity        decimal.Decimal  `json:"quantity"`
	DurationMinutes float64          `json:"duration_minutes"`
	NumSlices       int              `json:"num_slices"`
	PriceLimit      *decimal.Decimal `json:"price_limit,omitempty"`
}

// Status is a point-in-time view of a job
type Status struct {
	ID             string           `json:"id"`
	Venue          string           `json:"venue"`
	Symbol         string           `json:"symbol"`
	Side           exchange.Side    `json:"side"`
	State          State            `json:"state"`
	TotalQuantity  decimal.Decimal  `json:"total_quantity"`
	SliceQuantity  decimal.Decimal  `json:"slice_quantity"`
	NumSlices      int              `json:"num_slices"`
	Interval       time.Duration    `json:"interval"`
	PriceLimit     *decimal.Decimal `json:"price_limit,omitempty"`
	Executed       decimal.Decimal  `json:"executed_quantity"`
	Remaining      decimal.Decimal  `json:"remaining_quantity"`
	AveragePrice   decimal.Decimal  `json:"average_price"`
	Completion     float64          `json:"completion_pct"`
	SlicesExecuted int              `json:"slices_executed"`
	Errors         []string         `json:"errors"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	EndedAt        time.Time        `json:"ended_at,omitempty"`
}

// Job is one TWAP execution
type Job struct {
	id            string
	params        Params
	sliceQuantity decimal.Decimal
	interval      time.Duration

	mu             sync.Mutex
	state          State
	executed       decimal.Decimal
	fillPrices     []decimal.Decimal
	slicesExecuted int
	errs           []string
	createdAt      time.Time
	startedAt      time.Time
	endedAt        time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *Job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	avg := decimal.Zero
	if len(j.fillPrices) > 0 {
		sum := decimal.Zero
		for _, p := range j.fillPrices {
			sum = sum.Add(p)
		}
		avg = sum.Div(decimal.NewFromInt(int64(len(j.fillPrices))))
	}
	completion, _ := j.executed.Div(j.params.Quantity).Mul(decimal.NewFromInt(100)).Float64()

	return Status{
		ID:             j.id,
		Venue:          j.params.Venue,
		Symbol:         j.params.Symbol,
		Side:           j.params.Side,
		State:          j.state,
		TotalQuantity:  j.params.Quantity,
		SliceQuantity:  j.sliceQuantity,
		NumSlices:      j.params.NumSlices,
		Interval:       j.interval,
		PriceLimit:     j.params.PriceLimit,
		Executed:       j.executed,
		Remaining:      j.params.Quantity.Sub(j.executed),
		AveragePrice:   avg,
		Completion:     completion,
		SlicesExecuted: j.slicesExecuted,
		Errors:         append([]string(nil), j.errs...),
		CreatedAt:      j.createdAt,
		StartedAt:      j.startedAt,
		EndedAt:        j.endedAt,
	}
}

// Executor owns the active and completed job sets
type Executor struct {
	router Router
	logger *zap.Logger

	// after produces the wait between slices; replaced in tests
	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	mu        sync.Mutex
	active    map[string]*Job
	completed map[string]*Job
}

// NewExecutor creates an executor bound to a router
func NewExecutor(r Router, logger *zap.Logger) *Executor {
	return &Executor{
		router:    r,
		logger:    logger.Named("twap"),
		after:     time.After,
		now:       time.Now,
		active:    make(map[string]*Job),
		completed: make(map[string]*Job),
	}
}

// Create registers a job without starting it
func (e *Executor) Create(p Params) (string, error) {
	if err := validate(p); err != nil {
		return "", err
	}
	interval := time.Duration(p.DurationMinutes * 60 / float64(p.NumSlices) * float64(time.Second))
	job := &Job{
		id:            uuid.NewString(),
		params:        p,
		sliceQuantity: p.Quantity.Div(decimal.NewFromInt(int64(p.NumSlices))),
		interval:      interval,
		state:         StatePending,
		createdAt:     e.now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	e.mu.Lock()
	e.active[job.id] = job
	e.mu.Unlock()

	e.logger.Info("twap job created",
		zap.String("id", job.id),
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Stringer("quantity", p.Quantity),
		zap.Int("slices", p.NumSlices),
		zap.Duration("interval", interval))
	return job.id, nil
}

func validate(p Params) error {
	switch {
	case p.Venue == "" || p.Symbol == "":
		return mmerrors.Validation.Explain("venue and symbol are required")
	case !p.Side.Valid():
		return mmerrors.Validation.Explain("invalid side %q", p.Side)
	case !p.Quantity.IsPositive():
		return mmerrors.Validation.Explain("quantity must be positive")
	case p.NumSlices <= 0:
		return mmerrors.Validation.Explain("num_slices must be positive")
	case p.DurationMinutes <= 0:
		return mmerrors.Validation.Explain("duration_minutes must be positive")
	case p.PriceLimit != nil && !p.PriceLimit.IsPositive():
		return mmerrors.Validation.Explain("price_limit must be positive")
	}
	return nil
}

// Start launches the job's execution goroutine
func (e *Executor) Start(id string) error {
	e.mu.Lock()
	job, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		if e.isCompleted(id) {
			return mmerrors.Conflict.Explain("twap job %s already finished", id)
		}
		return mmerrors.NotFound.Explain("twap job %s not found", id)
	}

	job.mu.Lock()
	if job.state != StatePending {
		state := job.state
		job.mu.Unlock()
		return mmerrors.Conflict.Explain("twap job %s is %s", id, state)
	}
	job.state = StateRunning
	job.startedAt = e.now()
	job.mu.Unlock()

	go e.run(job)
	return nil
}

func (e *Executor) run(job *Job) {
	defer close(job.done)
	log := e.logger.With(zap.String("id", job.id), zap.String("symbol", job.params.Symbol))
	ctx := context.Background()

	stopped := false
loop:
	for i := 0; i < job.params.NumSlices; i++ {
		select {
		case <-job.stop:
			stopped = true
			break loop
		default:
		}

		began := e.now()
		e.executeSlice(ctx, job, i, log)
		if i == job.params.NumSlices-1 {
			break
		}

		wait := job.interval - e.now().Sub(began)
		if wait <= 0 {
			continue
		}
		select {
		case <-job.stop:
			stopped = true
			break loop
		case <-e.after(wait):
		}
	}

	e.finish(job, stopped)
	st := job.status()
	log.Info("twap job finished",
		zap.String("state", string(st.State)),
		zap.Stringer("executed", st.Executed),
		zap.Stringer("avg_price", st.AveragePrice),
		zap.Int("errors", len(st.Errors)))
}

func (e *Executor) executeSlice(ctx context.Context, job *Job, i int, log *zap.Logger) {
	req := router.OrderRequest{
		Type:   router.Market,
		Symbol: job.params.Symbol,
		Side:   job.params.Side,
		Size:   job.sliceQuantity,
	}
	if job.params.PriceLimit != nil {
		px := *job.params.PriceLimit
		req.Type = router.Limit
		req.Price = &px
		req.TIF = exchange.IOC
	}

	res := e.router.PlaceOrder(ctx, job.params.Venue, req)

	job.mu.Lock()
	defer job.mu.Unlock()
	job.slicesExecuted++
	switch {
	case res.Filled():
		job.executed = job.executed.Add(res.Fill.Size)
		job.fillPrices = append(job.fillPrices, res.Fill.Price)
		metrics.TwapSlices.WithLabelValues(job.params.Symbol, "filled").Inc()
		log.Debug("twap slice filled", zap.Int("slice", i+1),
			zap.Stringer("size", res.Fill.Size), zap.Stringer("price", res.Fill.Price))
	case res.OK():
		job.errs = append(job.errs, sliceError(i, "order accepted without fill"))
		metrics.TwapSlices.WithLabelValues(job.params.Symbol, "unfilled").Inc()
	default:
		job.errs = append(job.errs, sliceError(i, res.Message))
		metrics.TwapSlices.WithLabelValues(job.params.Symbol, "error").Inc()
		log.Warn("twap slice failed", zap.Int("slice", i+1), zap.String("message", res.Message))
	}
}

func sliceError(i int, msg string) string {
	return fmt.Sprintf("slice %d: %s", i+1, msg)
}

func (e *Executor) finish(job *Job, stopped bool) {
	job.mu.Lock()
	if stopped {
		job.state = StateStopped
	} else {
		job.state = StateCompleted
	}
	job.endedAt = e.now()
	job.mu.Unlock()
	e.retire(job)
}

func (e *Executor) retire(job *Job) {
	e.mu.Lock()
	delete(e.active, job.id)
	e.completed[job.id] = job
	e.mu.Unlock()
}

// Stop ends a job at the next check and waits for its goroutine. A job that
// was never started moves to the completed set directly.
func (e *Executor) Stop(id string) error {
	e.mu.Lock()
	job, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		if e.isCompleted(id) {
			return nil
		}
		return mmerrors.NotFound.Explain("twap job %s not found", id)
	}

	job.mu.Lock()
	if job.state == StatePending {
		job.state = StateStopped
		job.endedAt = e.now()
		close(job.done)
		job.mu.Unlock()
		e.retire(job)
		return nil
	}
	job.mu.Unlock()

	job.stopOnce.Do(func() { close(job.stop) })
	<-job.done
	return nil
}

// StopAll stops every active job
func (e *Executor) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Stop(id)
	}
}

// Status returns the job's current totals
func (e *Executor) Status(id string) (Status, error) {
	e.mu.Lock()
	job, ok := e.active[id]
	if !ok {
		job, ok = e.completed[id]
	}
	e.mu.Unlock()
	if !ok {
		return Status{}, mmerrors.NotFound.Explain("twap job %s not found", id)
	}
	return job.status(), nil
}

// List returns all jobs, oldest first
func (e *Executor) List() []Status {
	e.mu.Lock()
	jobs := make([]*Job, 0, len(e.active)+len(e.completed))
	for _, j := range e.active {
		jobs = append(jobs, j)
	}
	for _, j := range e.completed {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.status())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// CleanCompleted drops finished jobs and returns how many were removed
func (e *Executor) CleanCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.completed)
	e.completed = make(map[string]*Job)
	return n
}

func (e *Executor) isCompleted(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.completed[id]
	return ok
}
