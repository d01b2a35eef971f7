package consensus

import (
	"fmt"
	"math"
	"math/big"
)

// TargetForWeight implements the proof-of-work threshold named in spec.md
// §3: "digest(serialize(vertex)) interpreted as big-endian integer <
// 2^(256-weight)". weight is a real number; spec.md §9 leaves the mapping
// from a fractional weight to a 256-bit integer threshold unspecified and
// asks an implementation to pick one and document it.
//
// This implementation adopts the fractional refinement: rather than
// truncating to floor(weight) bits (which makes every unit interval of
// weight collapse to the same target), the threshold scales continuously
// with weight via 2^(256-weight) = 2^256 * 2^(-weight), computed with a
// wide-precision big.Float so the result is deterministic for a given
// weight regardless of platform float64 rounding in the exponent.
func TargetForWeight(weight float64) *big.Int {
	if weight <= 0 {
		max := new(big.Int).Lsh(big.NewInt(1), 256)
		return max.Sub(max, big.NewInt(1))
	}
	if weight >= 256 {
		return big.NewInt(0)
	}

	base := new(big.Float).SetPrec(300)
	base.SetMantExp(big.NewFloat(1), 256) // 2^256

	scale := new(big.Float).SetPrec(300).SetFloat64(math.Exp2(-weight))
	base.Mul(base, scale)

	target, _ := base.Int(nil)
	if target.Sign() < 0 {
		return big.NewInt(0)
	}
	return target
}

// VerifyPoW checks the proof-of-work predicate for an already-hashed vertex:
// interpret(hash, big-endian) < TargetForWeight(weight).
func VerifyPoW(hash Hash, weight float64) bool {
	h := new(big.Int).SetBytes(hash[:])
	target := TargetForWeight(weight)
	return h.Cmp(target) < 0
}

// VerifyVertexPoW recomputes v's hash and checks it against its own weight.
func VerifyVertexPoW(v *Vertex) (bool, Hash, error) {
	h, err := PowHash(v)
	if err != nil {
		return false, Hash{}, err
	}
	return VerifyPoW(h, v.Weight), h, nil
}

// NonceSize is the width of the counter Mine increments; large enough that
// exhausting it before finding a valid nonce is not a practical concern at
// this network's weight range.
const NonceSize = 16

// Mine searches for a nonce satisfying v's proof-of-work predicate,
// mutating v.Nonce in place and returning its mined hash. It is the CPU-
// bound task the event loop dispatches to the bounded worker pool (spec.md
// §5) rather than running inline; stop is checked between attempts so a
// newer competing tip can cancel an in-progress search.
func Mine(v *Vertex, stop <-chan struct{}) (Hash, error) {
	if v.Nonce == nil || len(v.Nonce) != NonceSize {
		v.Nonce = make([]byte, NonceSize)
	}
	var counter uint64
	for {
		select {
		case <-stop:
			return Hash{}, fmt.Errorf("consensus: mining canceled")
		default:
		}
		for i := 0; i < 8; i++ {
			v.Nonce[i] = byte(counter >> (8 * i))
		}
		ok, h, err := VerifyVertexPoW(v)
		if err != nil {
			return Hash{}, err
		}
		if ok {
			return h, nil
		}
		counter++
	}
}
