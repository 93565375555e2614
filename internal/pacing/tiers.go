package pacing

import "time"

// Tier is one anti-ban pacing profile. Higher tiers are for warmed-up,
// trusted accounts: faster sends, bigger batches, quicker conflict recovery.

type Tier struct {
	Level int `json:"level"`

	IntervalMin time.Duration `json:"interval_min"`
	IntervalMax time.Duration `json:"interval_max"`

	// BatchSize sends before a forced pause.
	BatchSize  int           `json:"batch_size"`
	BatchPause time.Duration `json:"batch_pause"`

	SimulateTyping bool `json:"simulate_typing"`

	// ConflictCooldown is how long to pause after mobile activity is seen.
	ConflictCooldown time.Duration `json:"conflict_cooldown"`
}

// tiers maps speed tier 1 (slowest, most cautious) to 5 (fastest).
var tiers = map[int]Tier{
	1: {Level: 1, IntervalMin: 60 * time.Second, IntervalMax: 120 * time.Second, BatchSize: 10, BatchPause: 10 * time.Minute, SimulateTyping: true, ConflictCooldown: 15 * time.Minute},
	2: {Level: 2, IntervalMin: 45 * time.Second, IntervalMax: 90 * time.Second, BatchSize: 15, BatchPause: 8 * time.Minute, SimulateTyping: true, ConflictCooldown: 12 * time.Minute},
	3: {Level: 3, IntervalMin: 30 * time.Second, IntervalMax: 60 * time.Second, BatchSize: 25, BatchPause: 5 * time.Minute, SimulateTyping: true, ConflictCooldown: 10 * time.Minute},
	4: {Level: 4, IntervalMin: 15 * time.Second, IntervalMax: 40 * time.Second, BatchSize: 40, BatchPause: 3 * time.Minute, SimulateTyping: false, ConflictCooldown: 5 * time.Minute},
	5: {Level: 5, IntervalMin: 8 * time.Second, IntervalMax: 25 * time.Second, BatchSize: 60, BatchPause: 2 * time.Minute, SimulateTyping: false, ConflictCooldown: 3 * time.Minute},
}

// TierFor returns the pacing profile for a speed tier, clamping out-of-range
// levels to the nearest defined tier.
func TierFor(level int) Tier {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return tiers[level]
}
