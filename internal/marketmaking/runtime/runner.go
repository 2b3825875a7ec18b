package runtime

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
	"github.com/Aidin1998/mmcore/pkg/metrics"
)

// Ticker is the per-strategy body the Runner drives
type Ticker interface {
	// Tick runs one iteration of the strategy loop
	Tick(ctx context.Context) error
	// Cleanup runs once after the loop ended, even when the join timed out
	Cleanup(ctx context.Context) error
	PerformanceMetrics() map[string]any
}

// Companion is a background task started and stopped with the run loop
type Companion interface {
	Start(ctx context.Context)
	Stop()
}

// RunnerConfig tunes the loop
type RunnerConfig struct {
	TickInterval   time.Duration // pause between ticks, default 1s
	ErrorThreshold int           // consecutive errors tolerated before backoff, default 3
	MaxBackoff     time.Duration // default 30s
	StopTimeout    time.Duration // join bound for Stop, default 5s
	CleanupTimeout time.Duration // default 10s
}

func (c *RunnerConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

// Backoff returns the pause after n consecutive errors: zero up to the
// threshold, then min(max, 2^(n-threshold) seconds).
func Backoff(n, threshold int, max time.Duration) time.Duration {
	if n <= threshold {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(n-threshold))) * time.Second
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Runner implements Start/Stop/Status for a Ticker. Stop is cooperative: an
// in-flight tick is never interrupted, the loop observes the stop signal
// between ticks and during every wait.
type Runner struct {
	name   string
	key    string
	ticker Ticker
	cfg    RunnerConfig
	logger *zap.Logger

	companions []Companion
	// wait pauses for d or until stop closes; replaced in tests
	wait func(stop <-chan struct{}, d time.Duration) bool

	mu          sync.Mutex
	state       State
	message     string
	startedAt   time.Time
	errors      int
	consecutive int
	stop        chan struct{}
	done        chan struct{}
}

// NewRunner creates an idle runner
func NewRunner(name, key string, ticker Ticker, cfg RunnerConfig, logger *zap.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{
		name:    name,
		key:     key,
		ticker:  ticker,
		cfg:     cfg,
		logger:  logger.Named("runner").With(zap.String("strategy", name), zap.String("key", key)),
		wait:    waitOrStop,
		state:   StateIdle,
		message: "Initialized",
	}
}

func waitOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// AddCompanion registers a task tied to the loop lifetime. Call before Start.
func (r *Runner) AddCompanion(c Companion) {
	r.companions = append(r.companions, c)
}

// Name of the strategy
func (r *Runner) Name() string { return r.name }

// Key of the instance
func (r *Runner) Key() string { return r.key }

// State returns the current lifecycle state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetMessage updates the human readable status line
func (r *Runner) SetMessage(msg string) {
	r.mu.Lock()
	r.message = msg
	r.mu.Unlock()
	r.logger.Info("status", zap.String("message", msg))
}

// Start launches the loop. It is a no-op while running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRunning || r.state == StateStopRequested {
		r.mu.Unlock()
		return nil
	}
	r.state = StateRunning
	r.startedAt = time.Now()
	r.consecutive = 0
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.message = "Running"
	stop, done := r.stop, r.done
	r.mu.Unlock()

	for _, c := range r.companions {
		c.Start(ctx)
	}
	metrics.StrategyRunning.WithLabelValues(r.name, r.key).Set(1)
	r.logger.Info("strategy started")

	go r.loop(ctx, stop, done)
	return nil
}

// loop drives run and, when the loop ends on its own, tears the runner down
// the same way Stop does
func (r *Runner) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	err := r.run(ctx, stop)
	if err == nil {
		return
	}

	r.mu.Lock()
	if r.state != StateRunning || r.stop != stop {
		r.mu.Unlock()
		return
	}
	r.state = StateStopRequested
	close(stop)
	r.mu.Unlock()

	r.teardown("Stopped: " + err.Error())
}

// run ticks until stop closes, returning nil, or until ctx ends or a tick
// fails fatally, returning the cause
func (r *Runner) run(ctx context.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pause := r.cfg.TickInterval
		if err := r.ticker.Tick(ctx); err != nil {
			r.mu.Lock()
			r.errors++
			r.consecutive++
			n := r.consecutive
			r.message = "Error: " + err.Error()
			r.mu.Unlock()

			metrics.StrategyErrors.WithLabelValues(r.name, r.key).Inc()
			r.logger.Warn("tick failed",
				zap.Error(err),
				zap.String("kind", mmerrors.KindOf(err)),
				zap.Int("consecutive_errors", n))

			if mmerrors.KindOf(err) == mmerrors.KindFatal {
				r.logger.Error("fatal error, leaving run loop", zap.Error(err))
				return err
			}
			if b := Backoff(n, r.cfg.ErrorThreshold, r.cfg.MaxBackoff); b > 0 {
				r.logger.Info("backing off", zap.Duration("backoff", b))
				pause = b
			}
		} else {
			r.mu.Lock()
			r.consecutive = 0
			r.mu.Unlock()
		}

		if !r.wait(stop, pause) {
			return nil
		}
	}
}

// Stop requests the loop to end, joins it within StopTimeout and runs the
// ticker cleanup. It returns false when the runner was not running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return false
	}
	r.state = StateStopRequested
	r.message = "Stopping"
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warn("run loop did not exit in time, cleaning up anyway",
			zap.Duration("timeout", r.cfg.StopTimeout))
	}

	r.teardown("Stopped")
	return true
}

// teardown runs once per Start, by whoever moved the state to StopRequested
func (r *Runner) teardown(message string) {
	for _, c := range r.companions {
		c.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
	defer cancel()
	if err := r.ticker.Cleanup(ctx); err != nil {
		r.logger.Error("cleanup failed", zap.Error(err))
	}

	r.mu.Lock()
	r.state = StateStopped
	r.message = message
	r.mu.Unlock()
	metrics.StrategyRunning.WithLabelValues(r.name, r.key).Set(0)
	r.logger.Info("strategy stopped", zap.String("message", message))
}

// Done is closed when the current loop exits; nil before the first Start
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// PerformanceMetrics delegates to the ticker
func (r *Runner) PerformanceMetrics() map[string]any {
	return r.ticker.PerformanceMetrics()
}

// Status snapshots the runner and the ticker metrics
func (r *Runner) Status() Status {
	r.mu.Lock()
	st := Status{
		Name:      r.name,
		Key:       r.key,
		State:     r.state,
		Running:   r.state == StateRunning,
		Message:   r.message,
		StartedAt: r.startedAt,
		Errors:    r.errors,
	}
	r.mu.Unlock()
	st.Metrics = r.ticker.PerformanceMetrics()
	return st
}
