package consensus

import (
	sha256simd "github.com/minio/sha256-simd"
)

// sha256Sum is a single SHA-256 pass, used by Hash160 (address.go) where a
// double hash would not match the usual P2PKH construction.
func sha256Sum(b []byte) [32]byte {
	return sha256simd.Sum256(b)
}

// doubleSHA256 is the digest used for both vertex identity and the
// proof-of-work predicate: SHA-256(SHA-256(b)) (spec.md §6, "Vertex hash").
// sha256-simd is a drop-in accelerated implementation of crypto/sha256
// (grounded on orbas1-Synnergy's dependency tree); the output is identical
// to crypto/sha256 for every input, only the constant factor differs.
func doubleSHA256(b []byte) Hash {
	first := sha256simd.Sum256(b)
	second := sha256simd.Sum256(first[:])
	return Hash(second)
}

// PowHash computes the digest used to evaluate the proof-of-work predicate
// for v: a double-SHA256 over the mining bytes (header+parents+inputs+
// outputs+nonce). This is also v's identity hash (spec.md §3).
func PowHash(v *Vertex) (Hash, error) {
	b, err := Serialize(v)
	if err != nil {
		return Hash{}, err
	}
	return doubleSHA256(b), nil
}

// ComputeHash returns a vertex's storage key, the same digest as PowHash.
func ComputeHash(v *Vertex) (Hash, error) {
	return PowHash(v)
}
