package consensus

import "math"

// Snapshot is the read-only storage view Verify needs. It is satisfied by
// node/store's TransactionStorage (C2); consensus never imports that package,
// keeping Verify a pure function of (v, snapshot) per spec.md §4.3.
type Snapshot interface {
	// Get returns the vertex stored under h, if any.
	Get(h Hash) (*Vertex, bool)
	// IsVoid reports whether h's voided_by set is non-empty.
	IsVoid(h Hash) bool
}

// NetworkParams carries the consensus-relevant tunables Verify checks
// against: the current retarget weight and the per-block issuance, plus the
// parent-kind policy (spec.md §4.3 step 3).
type NetworkParams struct {
	CurrentTargetWeight  float64
	TokensIssuedPerBlock uint64
	MaxOutputValue       uint64
	MinBlockParents      int
	MinTxParents         int
}

// DefaultNetworkParams matches spec.md §4.3 step 3's stated default policy.
func DefaultNetworkParams() NetworkParams {
	return NetworkParams{
		CurrentTargetWeight:  MinBlockWeight,
		TokensIssuedPerBlock: 0, // set per-network; callers override
		MaxOutputValue:       math.MaxInt64,
		MinBlockParents:      1,
		MinTxParents:         2,
	}
}

// Verify implements the C3 Verifier: a pure function of v and a storage
// snapshot, returning nil or a *VerificationError naming one of the kinds in
// spec.md §7. It never mutates snapshot or v.
func Verify(v *Vertex, snap Snapshot, params NetworkParams) error {
	if IsGenesisCandidate(v) {
		return verifyGenesis(v)
	}
	if err := verifyStructural(v, params); err != nil {
		return err
	}
	if err := verifyParents(v, snap); err != nil {
		return err
	}
	if v.IsBlock() {
		if err := verifyBlock(v, snap, params); err != nil {
			return err
		}
	} else {
		if err := verifyTransaction(v, snap); err != nil {
			return err
		}
	}
	ok, _, err := VerifyVertexPoW(v)
	if err != nil {
		return verr(ErrMalformed, "pow_hash: "+err.Error())
	}
	if !ok {
		return verr(ErrInvalidPoW, "hash does not meet weight threshold")
	}
	return nil
}

// IsGenesisCandidate reports whether v's shape matches one of the three
// hard-coded genesis vertices (no parents, height 1). Step 6 of §4.3 bypasses
// all structural parent checks for these.
func IsGenesisCandidate(v *Vertex) bool {
	return len(v.Parents) == 0 && v.Height == 1
}

func verifyGenesis(v *Vertex) error {
	h, err := PowHash(v)
	if err != nil {
		return verr(ErrMalformed, "pow_hash: "+err.Error())
	}
	if !IsGenesisHash(h) {
		return verr(ErrGenesisMismatch, "vertex has no parents but does not match a genesis hash")
	}
	return nil
}

// verifyStructural is step 1: parent count, timestamp ordering, weight
// sign, output value ceiling. Parent existence (step 2) is checked
// separately since it needs the snapshot.
func verifyStructural(v *Vertex, params NetworkParams) error {
	if len(v.Parents) < MinParents {
		return verr(ErrMalformed, "fewer than two parents")
	}
	if v.Weight < 0 {
		return verr(ErrWeightTooLow, "negative weight")
	}
	seen := make(map[Hash]struct{}, len(v.Parents))
	for _, p := range v.Parents {
		if _, dup := seen[p]; dup {
			return verr(ErrMalformed, "duplicate parent hash")
		}
		seen[p] = struct{}{}
	}
	for _, o := range v.Outputs {
		if o.Value > params.MaxOutputValue {
			return verr(ErrBadSum, "output value exceeds configured max")
		}
	}
	return nil
}

// verifyParents is step 2: every parent must exist and must not be void.
// It also checks the parent-timestamp-before-child ordering named in step 1
// (needs the snapshot to read each parent's timestamp).
func verifyParents(v *Vertex, snap Snapshot) error {
	for _, ph := range v.Parents {
		parent, ok := snap.Get(ph)
		if !ok {
			return verr(ErrMissingParent, "parent "+ph.String()+" not found")
		}
		if snap.IsVoid(ph) {
			return verr(ErrVoidParent, "parent "+ph.String()+" is void")
		}
		if parent.Timestamp >= v.Timestamp {
			return verr(ErrMalformed, "parent timestamp not strictly before child")
		}
	}
	return nil
}

// verifyBlock is step 3: weight floor, exact issuance, parent-kind policy.
func verifyBlock(v *Vertex, snap Snapshot, params NetworkParams) error {
	if v.Weight < params.CurrentTargetWeight {
		return verr(ErrWeightTooLow, "block weight below current target")
	}
	if len(v.Inputs) != 0 {
		return verr(ErrMalformed, "block must not have inputs")
	}
	if len(v.Outputs) != 1 {
		return verr(ErrMalformed, "block must have exactly one output")
	}
	if v.Outputs[0].Value != params.TokensIssuedPerBlock {
		return verr(ErrBadSum, "block output does not equal tokens_issued_per_block")
	}

	var blockParents, txParents int
	for _, ph := range v.Parents {
		parent, ok := snap.Get(ph)
		if !ok {
			return verr(ErrMissingParent, "parent "+ph.String()+" not found")
		}
		if parent.IsBlock() {
			blockParents++
		} else {
			txParents++
		}
	}
	if blockParents < params.MinBlockParents {
		return verr(ErrMalformed, "fewer block parents than policy requires")
	}
	if txParents < params.MinTxParents {
		return verr(ErrMalformed, "fewer transaction parents than policy requires")
	}
	return nil
}

// verifyTransaction is step 4: inputs reference existing non-void outputs,
// scripts evaluate, and sum(inputs) == sum(outputs) (no fees in the
// baseline).
func verifyTransaction(v *Vertex, snap Snapshot) error {
	if len(v.Inputs) == 0 {
		return verr(ErrMalformed, "transaction has no inputs")
	}
	var totalIn uint64
	for i, in := range v.Inputs {
		prevVertex, ok := snap.Get(in.PrevHash)
		if !ok {
			return verr(ErrMissingParent, "input references unknown vertex "+in.PrevHash.String())
		}
		if snap.IsVoid(in.PrevHash) {
			return verr(ErrVoidParent, "input references void vertex")
		}
		if int(in.PrevIndex) >= len(prevVertex.Outputs) {
			return verr(ErrMalformed, "prev_index out of range")
		}
		prevOut := prevVertex.Outputs[in.PrevIndex]

		sighash, err := Sighash(v, i)
		if err != nil {
			return verr(ErrMalformed, "sighash: "+err.Error())
		}
		if err := VerifyP2PKH(prevOut.Script, in.Script, sighash); err != nil {
			return err
		}
		totalIn += prevOut.Value
	}
	totalOut := v.sumOutputs()
	if totalIn != totalOut {
		return verr(ErrBadSum, "sum(inputs) != sum(outputs)")
	}
	return nil
}
