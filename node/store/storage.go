// Package store implements TransactionStorage (C2): the content-addressed
// vertex+metadata map every other node component reads and writes through.
package store

import (
	"sort"

	"dagnode.dev/node/consensus"
)

// Metadata is the per-vertex mutable record named in spec.md §3
// ("TransactionMetadata"). It is stored alongside the immutable vertex and
// is the only thing the DAG engine ever mutates after integration.
type Metadata struct {
	// SpentOutputs maps output index -> set of child tx hashes that spent it.
	SpentOutputs map[uint8]map[consensus.Hash]struct{}
	// ConflictsWith: hashes sharing at least one input with this vertex.
	ConflictsWith map[consensus.Hash]struct{}
	// VoidedBy: non-empty iff this vertex (or an ancestor) is void.
	VoidedBy map[consensus.Hash]struct{}
	// ReceivedBy: peer ids the vertex arrived from.
	ReceivedBy map[string]struct{}
	// Children: hashes referencing this vertex as a parent.
	Children map[consensus.Hash]struct{}
	// Twins: hashes with identical inputs and outputs (subset of ConflictsWith).
	Twins map[consensus.Hash]struct{}
	// AccumulatedWeight: weight of this vertex plus all non-void descendants.
	AccumulatedWeight float64
	// Score: accumulated weight at the time a block first confirmed this
	// vertex; stable once assigned.
	Score float64
	// FirstBlock: hash of the earliest confirming block, zero until assigned.
	FirstBlock    consensus.Hash
	HasFirstBlock bool

	// Propagated records which descendant hashes have already contributed
	// their weight to AccumulatedWeight, making BFS propagation idempotent
	// (spec.md I6, §4.4 step 3's "halting at nodes already including
	// v.hash in a propagated marker set").
	Propagated map[consensus.Hash]struct{}
}

// NewMetadata returns a freshly-initialized Metadata for a vertex being
// stored for the first time, with its own weight as its initial
// accumulated_weight (spec.md §3).
func NewMetadata(selfWeight float64) *Metadata {
	return &Metadata{
		SpentOutputs:      make(map[uint8]map[consensus.Hash]struct{}),
		ConflictsWith:     make(map[consensus.Hash]struct{}),
		VoidedBy:          make(map[consensus.Hash]struct{}),
		ReceivedBy:        make(map[string]struct{}),
		Children:          make(map[consensus.Hash]struct{}),
		Twins:             make(map[consensus.Hash]struct{}),
		AccumulatedWeight: selfWeight,
		Propagated:        make(map[consensus.Hash]struct{}),
	}
}

// Clone returns a deep copy, used to hand out snapshot-consistent reads
// without exposing the live map the writer lock protects (spec.md §4.2).
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := &Metadata{
		SpentOutputs:      make(map[uint8]map[consensus.Hash]struct{}, len(m.SpentOutputs)),
		ConflictsWith:     make(map[consensus.Hash]struct{}, len(m.ConflictsWith)),
		VoidedBy:          make(map[consensus.Hash]struct{}, len(m.VoidedBy)),
		ReceivedBy:        make(map[string]struct{}, len(m.ReceivedBy)),
		Children:          make(map[consensus.Hash]struct{}, len(m.Children)),
		Twins:             make(map[consensus.Hash]struct{}, len(m.Twins)),
		AccumulatedWeight: m.AccumulatedWeight,
		Score:             m.Score,
		FirstBlock:        m.FirstBlock,
		HasFirstBlock:     m.HasFirstBlock,
		Propagated:        make(map[consensus.Hash]struct{}, len(m.Propagated)),
	}
	for h := range m.Propagated {
		out.Propagated[h] = struct{}{}
	}
	for idx, set := range m.SpentOutputs {
		cp := make(map[consensus.Hash]struct{}, len(set))
		for h := range set {
			cp[h] = struct{}{}
		}
		out.SpentOutputs[idx] = cp
	}
	for h := range m.ConflictsWith {
		out.ConflictsWith[h] = struct{}{}
	}
	for h := range m.VoidedBy {
		out.VoidedBy[h] = struct{}{}
	}
	for p := range m.ReceivedBy {
		out.ReceivedBy[p] = struct{}{}
	}
	for h := range m.Children {
		out.Children[h] = struct{}{}
	}
	for h := range m.Twins {
		out.Twins[h] = struct{}{}
	}
	return out
}

// IsVoid reports whether the vertex is currently void (spec.md §3: "a
// vertex is void iff voided_by != empty").
func (m *Metadata) IsVoid() bool { return len(m.VoidedBy) > 0 }

// Record is the (vertex, metadata) pair stored under a hash.
type Record struct {
	Vertex   *consensus.Vertex
	Metadata *Metadata
}

// TransactionStorage is the C2 contract from spec.md §4.2. Every
// state-modifying method serializes internally under a single writer lock;
// GetRecord returns a copy of the metadata so callers never observe a
// partially mutated record.
type TransactionStorage interface {
	consensus.Snapshot

	Exists(h consensus.Hash) bool
	GetRecord(h consensus.Hash) (*Record, bool)
	Put(v *consensus.Vertex, meta *Metadata) error
	// UpdateMetadata performs an atomic read-modify-write: fn receives the
	// live metadata (not a clone) and mutates it in place under the writer
	// lock.
	UpdateMetadata(h consensus.Hash, fn func(*Metadata)) error

	TipBlocks() []consensus.Hash
	TipTransactions(k int) []consensus.Hash

	// TopologicalSort returns every vertex in an order consistent with
	// parent-before-child, stable across runs for a given storage state.
	TopologicalSort() []consensus.Hash

	BlockCount() int
	TransactionCount() int
}

// sortedHashes is a small helper the in-memory and bbolt backends both use
// to make TipBlocks/TipTransactions/TopologicalSort deterministic.
func sortedHashes(hs []consensus.Hash) []consensus.Hash {
	sort.Slice(hs, func(i, j int) bool {
		return lessHash(hs[i], hs[j])
	})
	return hs
}

func lessHash(a, b consensus.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
