package pacing

import (
	"math/rand"
	"time"
)

// Engine computes inter-message delays and batch pauses for one campaign.
//
// The delay for each send is uniform in [IntervalMin, IntervalMax], then
// jittered by ±JitterPercent so the cadence never settles into a detectable
// fixed rhythm. After BatchSize sends the engine forces the tier's batch
// pause.
//
// Not safe for concurrent use; each campaign send loop owns one Engine.

type Engine struct {
	tier Tier

	// JitterPercent widens each delay by up to ±N percent. Zero disables it.
	jitterPercent int

	rng  *rand.Rand
	sent int
}

func NewEngine(tier Tier, jitterPercent int, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if jitterPercent < 0 {
		jitterPercent = 0
	}
	if jitterPercent > 50 {
		jitterPercent = 50
	}
	return &Engine{tier: tier, jitterPercent: jitterPercent, rng: rng}
}

func (e *Engine) Tier() Tier { return e.tier }

// NextDelay returns how long to wait before the next send. It accounts for
// batch boundaries: every BatchSize-th call adds the inter-batch pause.
func (e *Engine) NextDelay() time.Duration {
	d := e.baseDelay()

	e.sent++
	if e.tier.BatchSize > 0 && e.sent%e.tier.BatchSize == 0 {
		d += e.tier.BatchPause
	}
	return d
}

// Bounds returns the inclusive delay range a single (non-batch-boundary) delay
// may fall in, given the configured jitter.
func (e *Engine) Bounds() (time.Duration, time.Duration) {
	lo := e.tier.IntervalMin - e.tier.IntervalMin*time.Duration(e.jitterPercent)/100
	hi := e.tier.IntervalMax + e.tier.IntervalMax*time.Duration(e.jitterPercent)/100
	return lo, hi
}

func (e *Engine) baseDelay() time.Duration {
	span := e.tier.IntervalMax - e.tier.IntervalMin
	d := e.tier.IntervalMin
	if span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
	}
	if e.jitterPercent > 0 {
		// Jitter in [-jitter%, +jitter%] of the drawn delay.
		j := int64(d) * int64(e.jitterPercent) / 100
		d += time.Duration(e.rng.Int63n(2*j+1) - j)
	}
	return d
}
