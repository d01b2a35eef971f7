package node

import (
	"math"

	"dagnode.dev/node/consensus"
)

// BlocksPerDifficulty is N in spec.md §4.5's retarget window.
const BlocksPerDifficulty = 5

// TargetAvgBlockTime is target_avg_dt, in seconds.
const TargetAvgBlockTime = 64

// MinBlockWeight is the floor any retarget clamps to.
const MinBlockWeight = 10.0

// MaxWeightDelta bounds a single retarget's swing.
const MaxWeightDelta = 2.0

// Difficulty tracks the rolling window of block timestamps used to
// retarget CurrentTargetWeight every BlocksPerDifficulty blocks (spec.md
// §4.5).
type Difficulty struct {
	currentWeight float64
	window        []uint64 // timestamps of the last BlocksPerDifficulty blocks, oldest first
	blockCount    int
}

func NewDifficulty(initialWeight float64) *Difficulty {
	if initialWeight < MinBlockWeight {
		initialWeight = MinBlockWeight
	}
	return &Difficulty{currentWeight: initialWeight}
}

// CurrentWeight is the minimum weight any subsequent mined block must meet.
func (d *Difficulty) CurrentWeight() float64 { return d.currentWeight }

// OnBlockConfirmed records a newly mined/received block's timestamp and
// retargets every BlocksPerDifficulty blocks.
func (d *Difficulty) OnBlockConfirmed(timestamp uint64) {
	d.blockCount++
	d.window = append(d.window, timestamp)
	if len(d.window) > BlocksPerDifficulty {
		d.window = d.window[len(d.window)-BlocksPerDifficulty:]
	}
	if d.blockCount%BlocksPerDifficulty != 0 || len(d.window) < BlocksPerDifficulty {
		return
	}
	d.currentWeight = retarget(d.currentWeight, d.window[0], d.window[len(d.window)-1])
}

// retarget implements spec.md §4.5's formula:
//
//	dt = max(1, latest.timestamp - earliest.timestamp)
//	delta = log2(target_avg_dt) + log2(N) - log2(dt)
//	delta = clamp(delta, -max_delta, +max_delta)
//	new_weight = max(min_block_weight, current_weight + delta)
func retarget(currentWeight float64, earliest, latest uint64) float64 {
	var dt float64 = 1
	if latest > earliest {
		dt = float64(latest - earliest)
	}
	delta := math.Log2(TargetAvgBlockTime) + math.Log2(BlocksPerDifficulty) - math.Log2(dt)
	if delta > MaxWeightDelta {
		delta = MaxWeightDelta
	}
	if delta < -MaxWeightDelta {
		delta = -MaxWeightDelta
	}
	next := currentWeight + delta
	if next < MinBlockWeight {
		next = MinBlockWeight
	}
	return next
}

// Seed initializes the window and block count from replayed storage
// (spec.md's INITIALIZING phase), so retargeting continues consistently
// across a restart rather than resetting to a fresh window.
func (d *Difficulty) Seed(blockCount int, recentTimestamps []uint64) {
	d.blockCount = blockCount
	if len(recentTimestamps) > BlocksPerDifficulty {
		recentTimestamps = recentTimestamps[len(recentTimestamps)-BlocksPerDifficulty:]
	}
	d.window = append([]uint64(nil), recentTimestamps...)
}

// ParamsWithCurrentWeight returns params with CurrentTargetWeight set to d's
// live value, used whenever C3 verification or C5 assembly needs the
// present difficulty.
func ParamsWithCurrentWeight(params consensus.NetworkParams, d *Difficulty) consensus.NetworkParams {
	params.CurrentTargetWeight = d.CurrentWeight()
	return params
}
