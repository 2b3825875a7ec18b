package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

type fakeTicker struct {
	mu       sync.Mutex
	ticks    int
	err      error
	block    chan struct{}
	cleanups int
}

func (f *fakeTicker) Tick(ctx context.Context) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return f.err
}

func (f *fakeTicker) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeTicker) PerformanceMetrics() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"ticks": f.ticks}
}

type fakeCompanion struct{ started, stopped int }

func (c *fakeCompanion) Start(context.Context) { c.started++ }
func (c *fakeCompanion) Stop()                 { c.stopped++ }

// recordWaits captures pauses and parks the loop after limit waits
func recordWaits(r *Runner, limit int) func() []time.Duration {
	var mu sync.Mutex
	var pauses []time.Duration
	r.wait = func(stop <-chan struct{}, d time.Duration) bool {
		mu.Lock()
		pauses = append(pauses, d)
		n := len(pauses)
		mu.Unlock()
		if n >= limit {
			<-stop
			return false
		}
		return true
	}
	return func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), pauses...)
	}
}

func TestBackoff(t *testing.T) {
	assert.Zero(t, Backoff(3, 3, 30*time.Second))
	assert.Equal(t, 2*time.Second, Backoff(4, 3, 30*time.Second))
	assert.Equal(t, 16*time.Second, Backoff(7, 3, 30*time.Second))
	assert.Equal(t, 30*time.Second, Backoff(8, 3, 30*time.Second))
	assert.Equal(t, 30*time.Second, Backoff(200, 3, 30*time.Second))
}

func TestRunner_BackoffAfterConsecutiveErrors(t *testing.T) {
	ticker := &fakeTicker{err: mmerrors.Connectivity.Explain("venue timeout")}
	r := NewRunner("spread_mm", "UBTC/USDC", ticker, RunnerConfig{TickInterval: 10 * time.Millisecond}, zap.NewNop())
	pauses := recordWaits(r, 6)

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return len(pauses()) == 6 }, time.Second, time.Millisecond)

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond,
		2 * time.Second, 4 * time.Second, 8 * time.Second,
	}, pauses())
	st := r.Status()
	assert.Equal(t, 6, st.Errors)
	assert.Contains(t, st.Message, "venue timeout")

	assert.True(t, r.Stop())
}

func TestRunner_StartIsIdempotentAndStopJoins(t *testing.T) {
	ticker := &fakeTicker{}
	comp := &fakeCompanion{}
	r := NewRunner("spread_mm", "UBTC/USDC", ticker, RunnerConfig{TickInterval: time.Millisecond}, zap.NewNop())
	r.AddCompanion(comp)
	assert.Equal(t, StateIdle, r.State())

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, comp.started)
	assert.True(t, r.Status().Running)

	require.Eventually(t, func() bool {
		return ticker.PerformanceMetrics()["ticks"].(int) > 2
	}, time.Second, time.Millisecond)

	assert.True(t, r.Stop())
	assert.False(t, r.Stop())
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, comp.stopped)
	assert.Equal(t, 1, ticker.cleanups)

	select {
	case <-r.Done():
	default:
		t.Fatal("run loop still alive after Stop")
	}
}

func TestRunner_StopTimesOutThenCleansUp(t *testing.T) {
	ticker := &fakeTicker{block: make(chan struct{})}
	r := NewRunner("spread_mm", "UBTC/USDC", ticker, RunnerConfig{StopTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))

	began := time.Now()
	assert.True(t, r.Stop())
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, 1, ticker.cleanups)
	assert.Equal(t, StateStopped, r.State())

	close(ticker.block)
	require.Eventually(t, func() bool {
		select {
		case <-r.Done():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestRunner_FatalErrorEndsLoop(t *testing.T) {
	ticker := &fakeTicker{err: mmerrors.Fatal.Wrap(errors.New("no venue connection"))}
	comp := &fakeCompanion{}
	r := NewRunner("arbitrage", "UBTC/USDC", ticker, RunnerConfig{TickInterval: time.Millisecond}, zap.NewNop())
	r.AddCompanion(comp)
	require.NoError(t, r.Start(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("fatal error did not end the loop")
	}
	assert.Equal(t, 1, ticker.PerformanceMetrics()["ticks"])

	st := r.Status()
	assert.False(t, st.Running)
	assert.Equal(t, StateStopped, st.State)
	assert.Contains(t, st.Message, "no venue connection")
	assert.Equal(t, 1, comp.stopped)
	assert.Equal(t, 1, ticker.cleanups)
	assert.False(t, r.Stop(), "loop already stopped itself")
	assert.Equal(t, 1, ticker.cleanups)

	// The runner can be started again after a fatal exit.
	ticker.mu.Lock()
	ticker.err = nil
	ticker.mu.Unlock()
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Status().Running)
	require.Eventually(t, func() bool {
		return ticker.PerformanceMetrics()["ticks"].(int) > 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, comp.started)

	assert.True(t, r.Stop())
	assert.Equal(t, 2, ticker.cleanups)
}

func TestRunner_ContextCancelStopsRunner(t *testing.T) {
	ticker := &fakeTicker{}
	r := NewRunner("spread_mm", "UBTC/USDC", ticker, RunnerConfig{TickInterval: time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled context did not end the loop")
	}
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, ticker.cleanups)
	assert.False(t, r.Stop())
}
