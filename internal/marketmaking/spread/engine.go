// Package spread turns recent volatility, traded volume and book imbalance
// into dynamic bid/ask spreads around a configured base.
package spread

import (
	"math"
	"sort"
	"sync"
	"time"
)

const minutesPerYear = 525600.0

// Config controls the spread engine. Zero values take the defaults.
type Config struct {
	BaseBidSpread float64
	BaseAskSpread float64

	VolatilityWindow  time.Duration // trailing window for returns, default 300s
	PriceCapacity     int           // mid samples kept, default 200
	HistoryCapacity   int           // realized volatility samples kept, default 1000
	MinHistory        int           // history needed before ranking, default 20
	VolumeCapacity    int           // default 50
	ImbalanceCapacity int           // default 20

	MinMultiplier float64 // floor relative to base, default 0.5
	MaxMultiplier float64 // ceiling relative to base, default 10
	MaxStepChange float64 // max relative change per update, default 0.5
}

func (c *Config) applyDefaults() {
	if c.VolatilityWindow == 0 {
		c.VolatilityWindow = 300 * time.Second
	}
	if c.PriceCapacity == 0 {
		c.PriceCapacity = 200
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = 1000
	}
	if c.MinHistory == 0 {
		c.MinHistory = 20
	}
	if c.VolumeCapacity == 0 {
		c.VolumeCapacity = 50
	}
	if c.ImbalanceCapacity == 0 {
		c.ImbalanceCapacity = 20
	}
	if c.MinMultiplier == 0 {
		c.MinMultiplier = 0.5
	}
	if c.MaxMultiplier == 0 {
		c.MaxMultiplier = 10
	}
	if c.MaxStepChange == 0 {
		c.MaxStepChange = 0.5
	}
}

// Sample is one market-data tick fed to the engine
type Sample struct {
	Time     time.Time
	Mid      float64
	Bid      float64
	Ask      float64
	Volume   float64 // traded volume since the previous sample; <0 when unknown
	BidDepth float64
	AskDepth float64
}

type pricePoint struct {
	at  time.Time
	mid float64
}

// Diagnostics is a snapshot of the engine's internal state
type Diagnostics struct {
	Volatility           float64 `json:"volatility"`
	VolatilityPercentile float64 `json:"volatility_percentile"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`
	VolumeMultiplier     float64 `json:"volume_multiplier"`
	BidImbalanceAdj      float64 `json:"bid_imbalance_adj"`
	AskImbalanceAdj      float64 `json:"ask_imbalance_adj"`
	Samples              int     `json:"samples"`
	HistorySize          int     `json:"history_size"`
	BidSpread            float64 `json:"bid_spread"`
	AskSpread            float64 `json:"ask_spread"`
}

// Engine holds the volatility state of one strategy instance. It is not
// shared between instances.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	prices     *ring[pricePoint]
	history    *ring[float64]
	volumes    *ring[float64]
	imbalances *ring[float64]

	volatility float64
	percentile float64

	// previous outputs for step limiting; zero until the first call
	lastBid float64
	lastAsk float64
}

// NewEngine creates an engine with empty buffers
func NewEngine(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		prices:     newRing[pricePoint](cfg.PriceCapacity),
		history:    newRing[float64](cfg.HistoryCapacity),
		volumes:    newRing[float64](cfg.VolumeCapacity),
		imbalances: newRing[float64](cfg.ImbalanceCapacity),
	}
}

// SetBaseSpreads changes the base spreads, e.g. after a config reload
func (e *Engine) SetBaseSpreads(bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.BaseBidSpread = bid
	e.cfg.BaseAskSpread = ask
}

// Update records a tick and recomputes realized volatility
func (e *Engine) Update(s Sample) {
	if s.Mid <= 0 || math.IsNaN(s.Mid) || math.IsInf(s.Mid, 0) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices.push(pricePoint{at: s.Time, mid: s.Mid})
	if s.Volume >= 0 {
		e.volumes.push(s.Volume)
	}
	if total := s.BidDepth + s.AskDepth; total > 0 {
		e.imbalances.push((s.BidDepth - s.AskDepth) / total)
	}
	e.computeVolatility(s.Time)
}

func (e *Engine) computeVolatility(now time.Time) {
	points := e.prices.items()
	if len(points) < 10 {
		return
	}

	cutoff := now.Add(-e.cfg.VolatilityWindow)
	var recent []pricePoint
	for _, p := range points {
		if !p.at.Before(cutoff) {
			recent = append(recent, p)
		}
	}
	if len(recent) < 5 {
		return
	}

	returns := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1].mid > 0 {
			returns = append(returns, math.Log(recent[i].mid/recent[i-1].mid))
		}
	}
	if len(returns) < 5 {
		return
	}

	spanMinutes := recent[len(recent)-1].at.Sub(recent[0].at).Minutes()
	periodsPerYear := minutesPerYear / math.Max(spanMinutes/float64(len(returns)), 1)
	annualized := stddev(returns) * math.Sqrt(periodsPerYear)

	e.volatility = annualized
	e.history.push(annualized)

	hist := e.history.items()
	if len(hist) >= e.cfg.MinHistory {
		sorted := append([]float64(nil), hist...)
		sort.Float64s(sorted)
		rank := sort.Search(len(sorted), func(i int) bool { return sorted[i] > annualized })
		e.percentile = float64(rank) / float64(len(sorted))
	}
}

// DynamicSpreads returns the adjusted (bid, ask) spreads. Each side stays in
// [MinMultiplier, MaxMultiplier] times its base and moves at most
// MaxStepChange relative to the previous output.
func (e *Engine) DynamicSpreads() (bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	volMult := e.volatilityMultiplier()
	volumeMult := e.volumeMultiplier()
	bidAdj, askAdj := e.imbalanceAdjustments()

	bid = e.cfg.BaseBidSpread * volMult * volumeMult * bidAdj
	ask = e.cfg.BaseAskSpread * volMult * volumeMult * askAdj

	bid = e.bound(bid, e.cfg.BaseBidSpread, e.lastBid)
	ask = e.bound(ask, e.cfg.BaseAskSpread, e.lastAsk)

	e.lastBid, e.lastAsk = bid, ask
	return bid, ask
}

func (e *Engine) bound(v, base, prev float64) float64 {
	lo, hi := base*e.cfg.MinMultiplier, base*e.cfg.MaxMultiplier
	v = clamp(v, lo, hi)
	if prev > 0 {
		v = clamp(v, prev*(1-e.cfg.MaxStepChange), prev*(1+e.cfg.MaxStepChange))
		// A base change can leave prev outside the new band; the band wins.
		v = clamp(v, lo, hi)
	}
	return v
}

func (e *Engine) volatilityMultiplier() float64 {
	switch p := e.percentile; {
	case p < 0.2:
		return 0.8
	case p < 0.5:
		return 0.9
	case p < 0.8:
		return 1.0
	case p < 0.95:
		return 2.5
	default:
		return 4.0
	}
}

func (e *Engine) volumeMultiplier() float64 {
	vols := e.volumes.items()
	if len(vols) < 5 {
		return 1.0
	}
	longRun := mean(vols)
	if longRun <= 0 {
		return 1.0
	}
	recent := vols
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	ratio := mean(recent) / longRun

	switch {
	case ratio > 2.0:
		return 0.8
	case ratio > 1.5:
		return 0.9
	case ratio < 0.3:
		return 1.8
	case ratio < 0.5:
		return 1.4
	default:
		return 1.0
	}
}

// imbalanceAdjustments returns (bid, ask) factors. Excess bid depth tightens
// the bid and widens the ask; excess ask depth does the opposite.
func (e *Engine) imbalanceAdjustments() (float64, float64) {
	imb := e.imbalances.items()
	if len(imb) < 3 {
		return 1.0, 1.0
	}
	if len(imb) > 5 {
		imb = imb[len(imb)-5:]
	}
	avg := mean(imb)

	switch {
	case avg > 0.3:
		return 0.8, 1.4
	case avg > 0.1:
		return 0.9, 1.2
	case avg < -0.3:
		return 1.4, 0.8
	case avg < -0.1:
		return 1.2, 0.9
	default:
		return 1.0, 1.0
	}
}

// Diagnostics returns the current state without changing step-limit memory
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	bidAdj, askAdj := e.imbalanceAdjustments()
	return Diagnostics{
		Volatility:           e.volatility,
		VolatilityPercentile: e.percentile,
		VolatilityMultiplier: e.volatilityMultiplier(),
		VolumeMultiplier:     e.volumeMultiplier(),
		BidImbalanceAdj:      bidAdj,
		AskImbalanceAdj:      askAdj,
		Samples:              e.prices.len(),
		HistorySize:          e.history.len(),
		BidSpread:            e.lastBid,
		AskSpread:            e.lastAsk,
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation
func stddev(xs []float64) float64 {
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
