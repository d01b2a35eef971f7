package consensus

import "testing"

// memSnapshot is a minimal Snapshot for exercising Verify in isolation,
// avoiding a dependency on node/store (which itself imports this package).
type memSnapshot struct {
	vertices map[Hash]*Vertex
	void     map[Hash]bool
}

func newMemSnapshot() *memSnapshot {
	return &memSnapshot{
		vertices: make(map[Hash]*Vertex),
		void:     make(map[Hash]bool),
	}
}

func (s *memSnapshot) put(h Hash, v *Vertex) { s.vertices[h] = v }

func (s *memSnapshot) Get(h Hash) (*Vertex, bool) {
	v, ok := s.vertices[h]
	return v, ok
}

func (s *memSnapshot) IsVoid(h Hash) bool { return s.void[h] }

func testParams() NetworkParams {
	p := DefaultNetworkParams()
	p.TokensIssuedPerBlock = 100
	return p
}

func mineForTest(t *testing.T, v *Vertex) Hash {
	t.Helper()
	h, err := Mine(v, nil)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	return h
}

func TestVerifyRejectsTooFewParents(t *testing.T) {
	v := &Vertex{Kind: KindTransaction, Timestamp: 10, Weight: 1, Parents: []Hash{{1}}}
	err := Verify(v, newMemSnapshot(), testParams())
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestVerifyRejectsMissingParent(t *testing.T) {
	v := &Vertex{Kind: KindBlock, Timestamp: 10, Weight: 10, Parents: []Hash{{1}, {2}}, Outputs: []Output{{Value: 100}}}
	err := Verify(v, newMemSnapshot(), testParams())
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrMissingParent {
		t.Fatalf("got %v, want ErrMissingParent", err)
	}
}

func TestVerifyRejectsVoidParent(t *testing.T) {
	snap := newMemSnapshot()
	parentA := &Vertex{Kind: KindBlock, Timestamp: 1, Height: 1}
	parentB := &Vertex{Kind: KindTransaction, Timestamp: 1}
	ha, hb := Hash{1}, Hash{2}
	snap.put(ha, parentA)
	snap.put(hb, parentB)
	snap.void[ha] = true

	v := &Vertex{Kind: KindTransaction, Timestamp: 10, Weight: 1, Parents: []Hash{ha, hb}, Inputs: []Input{{PrevHash: hb, PrevIndex: 0}}}
	err := Verify(v, snap, testParams())
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrVoidParent {
		t.Fatalf("got %v, want ErrVoidParent", err)
	}
}

func TestVerifyRejectsParentTimestampNotBeforeChild(t *testing.T) {
	snap := newMemSnapshot()
	parentA := &Vertex{Kind: KindBlock, Timestamp: 100}
	parentB := &Vertex{Kind: KindTransaction, Timestamp: 1}
	ha, hb := Hash{1}, Hash{2}
	snap.put(ha, parentA)
	snap.put(hb, parentB)

	v := &Vertex{Kind: KindTransaction, Timestamp: 10, Weight: 1, Parents: []Hash{ha, hb}}
	err := Verify(v, snap, testParams())
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed (timestamp ordering)", err)
	}
}

func TestVerifyBlockRejectsWeightBelowTarget(t *testing.T) {
	snap := newMemSnapshot()
	ha, hb, hc := Hash{1}, Hash{2}, Hash{3}
	snap.put(ha, &Vertex{Kind: KindBlock, Timestamp: 1})
	snap.put(hb, &Vertex{Kind: KindTransaction, Timestamp: 1})
	snap.put(hc, &Vertex{Kind: KindTransaction, Timestamp: 1})

	params := testParams()
	params.CurrentTargetWeight = 50
	v := &Vertex{
		Kind: KindBlock, Timestamp: 10, Weight: 5,
		Parents: []Hash{ha, hb, hc}, Outputs: []Output{{Value: params.TokensIssuedPerBlock}},
	}
	err := Verify(v, snap, params)
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrWeightTooLow {
		t.Fatalf("got %v, want ErrWeightTooLow", err)
	}
}

func TestVerifyBlockRejectsWrongIssuance(t *testing.T) {
	snap := newMemSnapshot()
	ha, hb, hc := Hash{1}, Hash{2}, Hash{3}
	snap.put(ha, &Vertex{Kind: KindBlock, Timestamp: 1})
	snap.put(hb, &Vertex{Kind: KindTransaction, Timestamp: 1})
	snap.put(hc, &Vertex{Kind: KindTransaction, Timestamp: 1})

	params := testParams()
	params.CurrentTargetWeight = 1
	v := &Vertex{
		Kind: KindBlock, Timestamp: 10, Weight: 10,
		Parents: []Hash{ha, hb, hc}, Outputs: []Output{{Value: params.TokensIssuedPerBlock + 1}},
	}
	err := Verify(v, snap, params)
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrBadSum {
		t.Fatalf("got %v, want ErrBadSum", err)
	}
}

func TestVerifyAcceptsValidBlock(t *testing.T) {
	snap := newMemSnapshot()
	ha, hb, hc := Hash{1}, Hash{2}, Hash{3}
	snap.put(ha, &Vertex{Kind: KindBlock, Timestamp: 1})
	snap.put(hb, &Vertex{Kind: KindTransaction, Timestamp: 1})
	snap.put(hc, &Vertex{Kind: KindTransaction, Timestamp: 1})

	params := testParams()
	params.CurrentTargetWeight = 1
	v := &Vertex{
		Kind: KindBlock, Timestamp: 10, Weight: 1,
		Parents: []Hash{ha, hb, hc}, Outputs: []Output{{Value: params.TokensIssuedPerBlock}},
	}
	mineForTest(t, v)
	if err := Verify(v, snap, params); err != nil {
		t.Fatalf("expected valid block, got %v", err)
	}
}

func TestVerifyTransactionRejectsUnbalancedSum(t *testing.T) {
	snap := newMemSnapshot()
	priv := newTestPrivKey(t)
	hash160 := Hash160(priv.PubKey().SerializeCompressed())
	lockScript, err := BuildP2PKHScript(hash160)
	if err != nil {
		t.Fatalf("BuildP2PKHScript: %v", err)
	}

	parentA, parentB := Hash{1}, Hash{2}
	prevTx := Hash{9}
	snap.put(parentA, &Vertex{Kind: KindBlock, Timestamp: 1})
	snap.put(parentB, &Vertex{Kind: KindTransaction, Timestamp: 1})
	snap.put(prevTx, &Vertex{Kind: KindTransaction, Timestamp: 1, Outputs: []Output{{Value: 50, Script: lockScript}}})

	v := &Vertex{
		Kind: KindTransaction, Timestamp: 10, Weight: 1,
		Parents: []Hash{parentA, parentB},
		Inputs:  []Input{{PrevHash: prevTx, PrevIndex: 0}},
		Outputs: []Output{{Value: 999, Script: lockScript}},
	}
	sighash, err := Sighash(v, 0)
	if err != nil {
		t.Fatalf("Sighash: %v", err)
	}
	sig := signTestSighash(t, priv, sighash)
	v.Inputs[0].Script = BuildUnlockScript(sig, priv.PubKey().SerializeCompressed())

	err = Verify(v, snap, testParams())
	verr, ok := err.(*VerificationError)
	if !ok || verr.Kind != ErrBadSum {
		t.Fatalf("got %v, want ErrBadSum", err)
	}
}
