package store

import (
	"fmt"
	"sync"

	"dagnode.dev/node/consensus"
)

// Memory is the required in-memory TransactionStorage implementation
// (spec.md §4.2: "at least one in-memory implementation is required").
// A single sync.Mutex is the writer lock; reads clone metadata before
// returning it so a caller can never observe a torn update.
type Memory struct {
	mu sync.Mutex

	records map[consensus.Hash]*Record

	blockTips map[consensus.Hash]struct{}
	txTips    map[consensus.Hash]struct{}

	blockCount int
	txCount    int
}

// NewMemory returns an empty store. Callers seed it with the genesis
// vertices via SeedGenesis immediately after construction.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[consensus.Hash]*Record),
		blockTips: make(map[consensus.Hash]struct{}),
		txTips:    make(map[consensus.Hash]struct{}),
	}
}

func (m *Memory) Get(h consensus.Hash) (*consensus.Vertex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[h]
	if !ok {
		return nil, false
	}
	return r.Vertex, true
}

func (m *Memory) Exists(h consensus.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[h]
	return ok
}

func (m *Memory) IsVoid(h consensus.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[h]
	if !ok {
		return false
	}
	return r.Metadata.IsVoid()
}

func (m *Memory) GetRecord(h consensus.Hash) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[h]
	if !ok {
		return nil, false
	}
	return &Record{Vertex: r.Vertex, Metadata: r.Metadata.Clone()}, true
}

func (m *Memory) Put(v *consensus.Vertex, meta *Metadata) error {
	if v == nil {
		return fmt.Errorf("store: nil vertex")
	}
	h, err := consensus.ComputeHash(v)
	if err != nil {
		return fmt.Errorf("store: compute hash: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[h]; exists {
		return nil // idempotent put (spec.md I6)
	}
	m.records[h] = &Record{Vertex: v, Metadata: meta}
	if v.IsBlock() {
		m.blockCount++
		m.blockTips[h] = struct{}{}
	} else {
		m.txCount++
		m.txTips[h] = struct{}{}
	}
	for _, p := range v.Parents {
		if v.IsBlock() {
			delete(m.blockTips, p)
		} else {
			delete(m.txTips, p)
		}
	}
	return nil
}

// PutGenesis stores a genesis vertex under its hard-coded hash rather than
// a hash computed from this rewrite's serialization (DESIGN.md: "Genesis
// hash vs. this rewrite's serialization").
func (m *Memory) PutGenesis(h consensus.Hash, v *consensus.Vertex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[h]; exists {
		return
	}
	m.records[h] = &Record{Vertex: v, Metadata: NewMetadata(v.Weight)}
	if v.IsBlock() {
		m.blockCount++
		m.blockTips[h] = struct{}{}
	} else {
		m.txCount++
		m.txTips[h] = struct{}{}
	}
}

func (m *Memory) UpdateMetadata(h consensus.Hash, fn func(*Metadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[h]
	if !ok {
		return fmt.Errorf("store: unknown hash %s", h)
	}
	fn(r.Metadata)
	return nil
}

func (m *Memory) TipBlocks() []consensus.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]consensus.Hash, 0, len(m.blockTips))
	for h := range m.blockTips {
		if !m.records[h].Metadata.IsVoid() {
			out = append(out, h)
		}
	}
	return sortedHashes(out)
}

func (m *Memory) TipTransactions(k int) []consensus.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]consensus.Hash, 0, len(m.txTips))
	for h := range m.txTips {
		if !m.records[h].Metadata.IsVoid() {
			out = append(out, h)
		}
	}
	out = sortedHashes(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// TopologicalSort runs Kahn's algorithm over the children edges recorded in
// metadata, breaking ties by hash so the order is stable across runs for a
// given storage state (spec.md §4.2).
func (m *Memory) TopologicalSort() []consensus.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	indegree := make(map[consensus.Hash]int, len(m.records))
	for h, r := range m.records {
		indegree[h] += 0
		for _, p := range r.Vertex.Parents {
			if _, stored := m.records[p]; stored {
				indegree[h]++
			}
		}
	}

	ready := make([]consensus.Hash, 0)
	for h, deg := range indegree {
		if deg == 0 {
			ready = append(ready, h)
		}
	}
	ready = sortedHashes(ready)

	out := make([]consensus.Hash, 0, len(m.records))
	for len(ready) > 0 {
		sortedHashes(ready)
		h := ready[0]
		ready = ready[1:]
		out = append(out, h)
		for child := range m.records[h].Metadata.Children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}

func (m *Memory) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockCount
}

func (m *Memory) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount
}
