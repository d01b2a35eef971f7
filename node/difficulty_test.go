package node

import "testing"

func TestNewDifficultyFloorsBelowMin(t *testing.T) {
	d := NewDifficulty(1)
	if d.CurrentWeight() != MinBlockWeight {
		t.Fatalf("CurrentWeight = %v, want floor %v", d.CurrentWeight(), MinBlockWeight)
	}
}

func TestDifficultyRetargetsEveryWindow(t *testing.T) {
	d := NewDifficulty(MinBlockWeight)
	start := d.CurrentWeight()

	// Blocks arriving much faster than TargetAvgBlockTime should push the
	// weight up once a full window has elapsed.
	var ts uint64 = 1000
	for i := 0; i < BlocksPerDifficulty; i++ {
		d.OnBlockConfirmed(ts)
		ts += 1 // far below TargetAvgBlockTime/BlocksPerDifficulty pace
	}
	if d.CurrentWeight() <= start {
		t.Fatalf("weight should increase when blocks arrive faster than target: got %v, started at %v", d.CurrentWeight(), start)
	}
}

func TestDifficultyRetargetDownOnSlowBlocks(t *testing.T) {
	d := NewDifficulty(20)
	start := d.CurrentWeight()

	var ts uint64 = 1000
	for i := 0; i < BlocksPerDifficulty; i++ {
		d.OnBlockConfirmed(ts)
		ts += 10_000 // far slower than target_avg_dt
	}
	if d.CurrentWeight() >= start {
		t.Fatalf("weight should decrease when blocks arrive slower than target: got %v, started at %v", d.CurrentWeight(), start)
	}
}

func TestDifficultyDoesNotRetargetMidWindow(t *testing.T) {
	d := NewDifficulty(MinBlockWeight)
	start := d.CurrentWeight()
	for i := 0; i < BlocksPerDifficulty-1; i++ {
		d.OnBlockConfirmed(uint64(i))
	}
	if d.CurrentWeight() != start {
		t.Fatalf("weight should not change before a full window of blocks, got %v want %v", d.CurrentWeight(), start)
	}
}

func TestRetargetClampsDelta(t *testing.T) {
	// An extremely fast window (dt=1) should clamp to +MaxWeightDelta, not an
	// unbounded jump.
	got := retarget(MinBlockWeight, 1000, 1001)
	want := MinBlockWeight + MaxWeightDelta
	if got != want {
		t.Fatalf("retarget = %v, want %v (clamped)", got, want)
	}
}

func TestRetargetNeverGoesBelowFloor(t *testing.T) {
	got := retarget(MinBlockWeight, 0, 1_000_000_000)
	if got != MinBlockWeight {
		t.Fatalf("retarget = %v, want floor %v", got, MinBlockWeight)
	}
}

func TestDifficultySeedContinuesWindow(t *testing.T) {
	d := NewDifficulty(MinBlockWeight)
	d.Seed(BlocksPerDifficulty-1, []uint64{100, 101, 102, 103})
	start := d.CurrentWeight()
	d.OnBlockConfirmed(104) // completes the window seeded above
	if d.CurrentWeight() == start {
		t.Fatalf("expected a retarget once the seeded window completes")
	}
}
