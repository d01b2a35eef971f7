package consensus

import (
	"testing"
)

func TestTargetForWeightMonotonicallyDecreases(t *testing.T) {
	low := TargetForWeight(10)
	high := TargetForWeight(20)
	if high.Cmp(low) >= 0 {
		t.Fatalf("target for higher weight should be smaller: weight10=%s weight20=%s", low, high)
	}
}

func TestTargetForWeightZeroIsMaxTarget(t *testing.T) {
	max := TargetForWeight(0)
	if max.BitLen() < 255 {
		t.Fatalf("zero weight should yield a near-maximal target, got bitlen %d", max.BitLen())
	}
}

func TestTargetForWeightSaturatesAtZero(t *testing.T) {
	if TargetForWeight(256).Sign() != 0 {
		t.Fatalf("weight >= 256 should yield a zero target")
	}
}

func TestMineProducesValidPoW(t *testing.T) {
	v := &Vertex{
		Kind:      KindTransaction,
		Version:   1,
		Timestamp: 1,
		Weight:    1, // low weight so the search terminates quickly
		Height:    2,
		Parents:   []Hash{{1}, {2}},
	}
	h, err := Mine(v, nil)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	ok, wantHash, err := VerifyVertexPoW(v)
	if err != nil {
		t.Fatalf("VerifyVertexPoW: %v", err)
	}
	if !ok {
		t.Fatalf("mined vertex does not satisfy its own PoW predicate")
	}
	if wantHash != h {
		t.Fatalf("Mine returned %x, VerifyVertexPoW recomputed %x", h, wantHash)
	}
	if len(v.Nonce) != NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(v.Nonce), NonceSize)
	}
}

func TestMineCancelsOnStop(t *testing.T) {
	v := &Vertex{
		Kind:      KindBlock,
		Version:   1,
		Timestamp: 1,
		Weight:    255, // effectively unsatisfiable in a bounded test run
		Height:    2,
		Parents:   []Hash{{1}, {2}},
		Outputs:   []Output{{Value: 0}},
	}
	stop := make(chan struct{})
	close(stop)
	if _, err := Mine(v, stop); err == nil {
		t.Fatalf("expected Mine to return an error when stop is already closed")
	}
}
