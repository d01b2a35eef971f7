// Package consensus implements the vertex model, canonical serialization,
// proof-of-work, and verification rules shared by every node in the DAG.
//
// It is intentionally storage- and network-agnostic: every function here is
// a pure function of its arguments (plus, for Verify, a read-only storage
// snapshot). Mutation of DAG state lives in package node.
package consensus

import (
	"encoding/hex"
	"fmt"
)

// Kind distinguishes the two vertex types that make up the DAG.
type Kind uint8

const (
	KindTransaction Kind = iota
	KindBlock
)

func (k Kind) String() string {
	if k == KindBlock {
		return "block"
	}
	return "transaction"
}

// MinParents is the minimum number of parents any non-genesis vertex must
// reference (spec.md §3 "parents (list of hash, length >= 2)").
const MinParents = 2

// HashSize is the width of a vertex hash, a double-SHA256 digest.
const HashSize = 32

type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex-encoded hash, the wire form used in GET-BLOCKS/
// GET-DATA payloads (spec.md §4.6).
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("consensus: bad hash hex: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("consensus: hash has %d bytes, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Input references a previously created output by (prev_hash, prev_index)
// and carries the unlocking script that spends it.
type Input struct {
	PrevHash  Hash
	PrevIndex uint8
	Script    []byte
}

// Output assigns value to a locking script (a P2PKH script in the baseline
// implementation, see script.go).
type Output struct {
	Value  uint64
	Script []byte
}

// Vertex is the common header shared by every Block and Transaction, plus
// the type-specific fields. Keeping both shapes in one struct (rather than
// an interface with two implementors) mirrors the teacher's flat on-wire
// layout (consensus/block_parse.go, consensus/tx_parse.go) and lets C3/C4
// exhaustively switch on Kind without a type assertion at every call site.
type Vertex struct {
	Kind Kind

	Version   uint16
	Timestamp uint64
	Weight    float64
	Height    uint16
	Parents   []Hash
	Nonce     []byte

	// Inputs are transaction-only; Outputs is used by both kinds.
	Inputs  []Input
	Outputs []Output

	// Block-only: exactly one coinbase-like output, carried in Outputs[0].
	// No Inputs are ever attached to a block.
}

// IsBlock reports whether v is a Block vertex.
func (v *Vertex) IsBlock() bool { return v.Kind == KindBlock }

// sumOutputs returns the sum of all output values. Overflow is not a concern
// at GENESIS_TOKENS / TOKENS_ISSUED_PER_BLOCK scale used by this network.
func (v *Vertex) sumOutputs() uint64 {
	var total uint64
	for _, o := range v.Outputs {
		total += o.Value
	}
	return total
}

func (v *Vertex) sumInputs(resolve func(Hash, uint8) (uint64, bool)) (uint64, bool) {
	var total uint64
	for _, in := range v.Inputs {
		val, ok := resolve(in.PrevHash, in.PrevIndex)
		if !ok {
			return 0, false
		}
		total += val
	}
	return total, true
}
