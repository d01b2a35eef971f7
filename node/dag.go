package node

import (
	"bytes"
	"sort"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/store"

	"github.com/sirupsen/logrus"
)

// Outcome is the result of feeding a vertex into the DAG Engine (C4).
type Outcome int

const (
	Accepted Outcome = iota
	AlreadyKnown
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyKnown:
		return "already_known"
	default:
		return "rejected"
	}
}

// Result is returned by OnNewVertex.
type Result struct {
	Outcome Outcome
	Err     error // set when Outcome == Rejected
}

// PeerScorer receives verification failures so C8 can demerit the source
// peer; nil is accepted (locally-mined or replay-from-disk vertices have no
// source peer to score).
type PeerScorer interface {
	Demerit(peerID string, kind consensus.ErrorKind)
}

// DAG is the C4 DAG Engine: the only component that mutates storage after a
// vertex's initial Put. Every exported method is safe for concurrent use;
// integration itself is serialized by the storage writer lock.
type DAG struct {
	storage store.TransactionStorage
	params  consensus.NetworkParams
	diff    *Difficulty
	bus     *EventBus
	scorer  PeerScorer
	log     *logrus.Entry
}

func NewDAG(storage store.TransactionStorage, params consensus.NetworkParams, diff *Difficulty, bus *EventBus, scorer PeerScorer, log *logrus.Entry) *DAG {
	return &DAG{storage: storage, params: params, diff: diff, bus: bus, scorer: scorer, log: log}
}

// OnNewVertex implements spec.md §4.4.
func (d *DAG) OnNewVertex(v *consensus.Vertex, sourcePeerID string) Result {
	h, err := consensus.ComputeHash(v)
	if err != nil {
		return Result{Outcome: Rejected, Err: err}
	}

	// Step 1.
	if d.storage.Exists(h) {
		return Result{Outcome: AlreadyKnown}
	}

	// Step 2. CurrentTargetWeight tracks the live Difficulty, not the
	// value params held at construction.
	params := d.params
	if d.diff != nil {
		params = ParamsWithCurrentWeight(params, d.diff)
	}
	if err := consensus.Verify(v, d.storage, params); err != nil {
		if d.scorer != nil && sourcePeerID != "" {
			if verr, ok := err.(*consensus.VerificationError); ok {
				d.scorer.Demerit(sourcePeerID, verr.Kind)
			}
		}
		if d.log != nil {
			d.log.WithFields(logrus.Fields{"hash": h.String(), "peer": sourcePeerID, "err": err}).Warn("vertex rejected")
		}
		return Result{Outcome: Rejected, Err: err}
	}

	// Step 3: integrate atomically.
	meta := store.NewMetadata(v.Weight)
	if sourcePeerID != "" {
		meta.ReceivedBy[sourcePeerID] = struct{}{}
	}
	if err := d.storage.Put(v, meta); err != nil {
		return Result{Outcome: Rejected, Err: err}
	}

	d.linkToParents(h, v)
	d.propagateAccumulatedWeight(h, v.Weight)
	if !v.IsBlock() {
		d.recordSpendsAndResolveConflicts(h, v)
	} else {
		d.confirmAncestors(h, v)
	}

	// Step 4.
	if d.bus != nil {
		d.bus.Publish(TopicNewVertex, h)
	}
	return Result{Outcome: Accepted}
}

func (d *DAG) linkToParents(h consensus.Hash, v *consensus.Vertex) {
	for _, p := range v.Parents {
		_ = d.storage.UpdateMetadata(p, func(m *store.Metadata) {
			m.Children[h] = struct{}{}
		})
	}
}

// propagateAccumulatedWeight is the BFS upward walk named in spec.md §4.4
// step 3: add weight to every non-void ancestor, stopping at any ancestor
// that already recorded h as having propagated (idempotency, I6).
func (d *DAG) propagateAccumulatedWeight(h consensus.Hash, weight float64) {
	frontier := d.parentsOf(h)
	visited := make(map[consensus.Hash]struct{})
	for len(frontier) > 0 {
		next := make([]consensus.Hash, 0)
		for _, ancestor := range frontier {
			if _, ok := visited[ancestor]; ok {
				continue
			}
			visited[ancestor] = struct{}{}

			alreadyPropagated := false
			if d.storage.IsVoid(ancestor) {
				continue
			}
			_ = d.storage.UpdateMetadata(ancestor, func(m *store.Metadata) {
				if _, ok := m.Propagated[h]; ok {
					alreadyPropagated = true
					return
				}
				m.Propagated[h] = struct{}{}
				m.AccumulatedWeight += weight
			})
			if alreadyPropagated {
				continue
			}
			next = append(next, d.parentsOf(ancestor)...)
		}
		frontier = next
	}
}

func (d *DAG) parentsOf(h consensus.Hash) []consensus.Hash {
	v, ok := d.storage.Get(h)
	if !ok {
		return nil
	}
	return v.Parents
}

// recordSpendsAndResolveConflicts is spec.md §4.4 step 3's transaction
// branch: register the spend against each input's output, and if more than
// one spender now exists, mark every spender conflicting and resolve.
func (d *DAG) recordSpendsAndResolveConflicts(h consensus.Hash, v *consensus.Vertex) {
	touched := make(map[consensus.Hash]struct{})
	for _, in := range v.Inputs {
		var conflictSet map[consensus.Hash]struct{}
		_ = d.storage.UpdateMetadata(in.PrevHash, func(m *store.Metadata) {
			if m.SpentOutputs[in.PrevIndex] == nil {
				m.SpentOutputs[in.PrevIndex] = make(map[consensus.Hash]struct{})
			}
			m.SpentOutputs[in.PrevIndex][h] = struct{}{}
			if len(m.SpentOutputs[in.PrevIndex]) > 1 {
				conflictSet = m.SpentOutputs[in.PrevIndex]
			}
		})
		if conflictSet != nil {
			for spender := range conflictSet {
				touched[spender] = struct{}{}
			}
		}
	}
	if len(touched) == 0 {
		return
	}

	members := make([]consensus.Hash, 0, len(touched))
	for m := range touched {
		members = append(members, m)
	}

	// Fetch the vertex body of every conflict-set member up front: twin
	// detection needs it, and UpdateMetadata's callback runs under the
	// storage writer lock, so calling back into Get from inside it would
	// deadlock against a non-reentrant mutex.
	bodies := make(map[consensus.Hash]*consensus.Vertex, len(members))
	for _, m := range members {
		if body, ok := d.storage.Get(m); ok {
			bodies[m] = body
		}
	}

	for _, a := range members {
		_ = d.storage.UpdateMetadata(a, func(m *store.Metadata) {
			for _, b := range members {
				if a == b {
					continue
				}
				m.ConflictsWith[b] = struct{}{}
				if sameSpend(bodies[a], bodies[b]) {
					m.Twins[b] = struct{}{}
				}
			}
		})
	}
	d.resolveConflictSet(members)
}

// sameSpend reports whether a and b carry identical inputs and outputs,
// spec.md §3's "twins" relation (a subset of conflicts_with: same spend,
// different signatures, hence a different hash).
func sameSpend(a, b *consensus.Vertex) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a.Inputs) != len(b.Inputs) || len(a.Outputs) != len(b.Outputs) {
		return false
	}
	for i := range a.Inputs {
		if a.Inputs[i].PrevHash != b.Inputs[i].PrevHash || a.Inputs[i].PrevIndex != b.Inputs[i].PrevIndex {
			return false
		}
	}
	for i := range a.Outputs {
		if a.Outputs[i].Value != b.Outputs[i].Value || !bytes.Equal(a.Outputs[i].Script, b.Outputs[i].Script) {
			return false
		}
	}
	return true
}

// resolveConflictSet implements spec.md §4.4's "Conflict resolution": the
// surviving vertex is the one with the largest accumulated_weight, ties
// broken by smaller hash. Every other member, and every non-void descendant
// of a loser, receives the loser's hash added to voided_by.
func (d *DAG) resolveConflictSet(members []consensus.Hash) {
	if len(members) < 2 {
		return
	}
	type candidate struct {
		hash   consensus.Hash
		weight float64
	}
	cands := make([]candidate, 0, len(members))
	for _, h := range members {
		rec, ok := d.storage.GetRecord(h)
		if !ok {
			continue
		}
		cands = append(cands, candidate{hash: h, weight: rec.Metadata.AccumulatedWeight})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].weight != cands[j].weight {
			return cands[i].weight > cands[j].weight
		}
		return lessHashPublic(cands[i].hash, cands[j].hash)
	})
	winner := cands[0].hash
	// The winner may itself have been voided by its own hash in an earlier
	// resolution of this same conflict set (back when it was losing); since
	// it now outweighs every rival, that self-voiding no longer applies, and
	// neither does any transitive voiding it carried downstream.
	if rec, ok := d.storage.GetRecord(winner); ok && len(rec.Metadata.VoidedBy) > 0 {
		d.Revive(winner, winner)
	}
	for _, c := range cands[1:] {
		d.voidDescendants(c.hash, c.hash)
	}
}

// voidDescendants adds loserHash to voided_by on loserHash itself and every
// non-void descendant reachable from it, bounded by DAG depth and halting
// wherever voided_by already contains loserHash (terminating condition
// named in spec.md §4.4).
func (d *DAG) voidDescendants(loser, byWhom consensus.Hash) {
	frontier := []consensus.Hash{loser}
	visited := make(map[consensus.Hash]struct{})
	for len(frontier) > 0 {
		next := make([]consensus.Hash, 0)
		for _, h := range frontier {
			if _, ok := visited[h]; ok {
				continue
			}
			visited[h] = struct{}{}

			alreadyVoided := false
			var children []consensus.Hash
			_ = d.storage.UpdateMetadata(h, func(m *store.Metadata) {
				if _, ok := m.VoidedBy[byWhom]; ok {
					alreadyVoided = true
				}
				m.VoidedBy[byWhom] = struct{}{}
				for c := range m.Children {
					children = append(children, c)
				}
			})
			if alreadyVoided {
				continue
			}
			if d.bus != nil {
				d.bus.Publish(TopicVertexVoid, h)
			}
			next = append(next, children...)
		}
		frontier = next
	}
}

// Revive removes byWhom from h's voided_by set (and recursively from every
// descendant that was only voided transitively through h), used when a
// conflict's losing side is itself later voided by a heavier rival
// (spec.md §4.4: "a previously voided vertex may be revived").
func (d *DAG) Revive(h, byWhom consensus.Hash) {
	frontier := []consensus.Hash{h}
	visited := make(map[consensus.Hash]struct{})
	for len(frontier) > 0 {
		next := make([]consensus.Hash, 0)
		for _, cur := range frontier {
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}

			stillVoid := true
			var children []consensus.Hash
			_ = d.storage.UpdateMetadata(cur, func(m *store.Metadata) {
				delete(m.VoidedBy, byWhom)
				stillVoid = len(m.VoidedBy) > 0
				for c := range m.Children {
					children = append(children, c)
				}
			})
			if stillVoid {
				continue
			}
			next = append(next, children...)
		}
		frontier = next
	}
}

// confirmAncestors is spec.md §4.4 step 3's block branch: assign
// first_block on every still-unconfirmed non-void ancestor reachable only
// through the block's transaction parents, fixing their score.
func (d *DAG) confirmAncestors(blockHash consensus.Hash, block *consensus.Vertex) {
	frontier := make([]consensus.Hash, 0)
	for _, p := range block.Parents {
		if pv, ok := d.storage.Get(p); ok && !pv.IsBlock() {
			frontier = append(frontier, p)
		}
	}
	visited := make(map[consensus.Hash]struct{})
	for len(frontier) > 0 {
		next := make([]consensus.Hash, 0)
		for _, h := range frontier {
			if _, ok := visited[h]; ok {
				continue
			}
			visited[h] = struct{}{}
			if d.storage.IsVoid(h) {
				continue
			}

			alreadyConfirmed := false
			var parents []consensus.Hash
			_ = d.storage.UpdateMetadata(h, func(m *store.Metadata) {
				if m.HasFirstBlock {
					alreadyConfirmed = true
					return
				}
				m.FirstBlock = blockHash
				m.HasFirstBlock = true
				m.Score = m.AccumulatedWeight
			})
			if alreadyConfirmed {
				continue
			}
			if v, ok := d.storage.Get(h); ok {
				for _, p := range v.Parents {
					if pv, ok := d.storage.Get(p); ok && !pv.IsBlock() {
						parents = append(parents, p)
					}
				}
			}
			next = append(next, parents...)
		}
		frontier = next
	}
}

func lessHashPublic(a, b consensus.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
