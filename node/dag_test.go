package node

import (
	"testing"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

func newTestPrivKeyForDAG(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate privkey: %v", err)
	}
	return priv
}

// signedSpend builds and signs a one-input, one-output transaction spending
// output 0 of prevHash, locked to the same key it is signed with.
func signedSpend(t *testing.T, priv *btcec.PrivateKey, prevHash consensus.Hash, lockScript []byte, parents []consensus.Hash, timestamp uint64) *consensus.Vertex {
	t.Helper()
	v := &consensus.Vertex{
		Kind:      consensus.KindTransaction,
		Timestamp: timestamp,
		Weight:    1,
		Parents:   parents,
		Inputs:    []consensus.Input{{PrevHash: prevHash, PrevIndex: 0}},
		Outputs:   []consensus.Output{{Value: 10, Script: lockScript}},
	}
	sighash, err := consensus.Sighash(v, 0)
	if err != nil {
		t.Fatalf("Sighash: %v", err)
	}
	sig := ecdsa.Sign(priv, sighash[:]).Serialize()
	v.Inputs[0].Script = consensus.BuildUnlockScript(sig, priv.PubKey().SerializeCompressed())
	mineVertex(t, v)
	return v
}

type recordingScorer struct {
	demerits []consensus.ErrorKind
}

func (r *recordingScorer) Demerit(peerID string, kind consensus.ErrorKind) {
	r.demerits = append(r.demerits, kind)
}

func mineVertex(t *testing.T, v *consensus.Vertex) consensus.Hash {
	t.Helper()
	h, err := consensus.Mine(v, nil)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	return h
}

func newTestDAG(t *testing.T) (*DAG, *store.Memory, *EventBus) {
	t.Helper()
	storage := seededMemory(t)
	bus := NewEventBus()
	diff := NewDifficulty(1)
	params := testNetworkParams()
	dag := NewDAG(storage, params, diff, bus, &recordingScorer{}, nil)
	return dag, storage, bus
}

func TestOnNewVertexAcceptsValidBlock(t *testing.T) {
	dag, storage, bus := newTestDAG(t)
	genesisHash, tx1, tx2 := consensus.GenesisHashes()

	var published []consensus.Hash
	bus.Subscribe(TopicNewVertex, func(e Event) {
		published = append(published, e.Data.(consensus.Hash))
	})

	block := &consensus.Vertex{
		Kind:      consensus.KindBlock,
		Version:   1,
		Timestamp: 2_000_000_000,
		Weight:    consensus.MinBlockWeight,
		Height:    2,
		Parents:   []consensus.Hash{genesisHash, tx1, tx2},
		Outputs:   []consensus.Output{{Value: 50}},
	}
	mineVertex(t, block)
	blockHash, _ := consensus.ComputeHash(block)

	result := dag.OnNewVertex(block, "")
	if result.Outcome != Accepted {
		t.Fatalf("Outcome = %v, err=%v", result.Outcome, result.Err)
	}
	if !storage.Exists(blockHash) {
		t.Fatalf("expected block to be stored")
	}
	if len(published) != 1 || published[0] != blockHash {
		t.Fatalf("expected NEW_VERTEX published with the block's hash, got %v", published)
	}
}

func TestOnNewVertexIsIdempotent(t *testing.T) {
	dag, _, _ := newTestDAG(t)
	genesisHash, tx1, tx2 := consensus.GenesisHashes()

	block := &consensus.Vertex{
		Kind: consensus.KindBlock, Timestamp: 2_000_000_000, Weight: consensus.MinBlockWeight, Height: 2,
		Parents: []consensus.Hash{genesisHash, tx1, tx2}, Outputs: []consensus.Output{{Value: 50}},
	}
	mineVertex(t, block)

	first := dag.OnNewVertex(block, "")
	if first.Outcome != Accepted {
		t.Fatalf("first insert: %v %v", first.Outcome, first.Err)
	}
	second := dag.OnNewVertex(block, "")
	if second.Outcome != AlreadyKnown {
		t.Fatalf("second insert outcome = %v, want AlreadyKnown", second.Outcome)
	}
}

func TestOnNewVertexRejectsAndDemeritsSourcePeer(t *testing.T) {
	storage := seededMemory(t)
	bus := NewEventBus()
	diff := NewDifficulty(1)
	scorer := &recordingScorer{}
	dag := NewDAG(storage, testNetworkParams(), diff, bus, scorer, nil)

	genesisHash, tx1, tx2 := consensus.GenesisHashes()
	block := &consensus.Vertex{
		Kind: consensus.KindBlock, Timestamp: 2_000_000_000, Weight: consensus.MinBlockWeight, Height: 2,
		Parents: []consensus.Hash{genesisHash, tx1, tx2},
		Outputs: []consensus.Output{{Value: 999999}}, // wrong issuance amount
	}
	mineVertex(t, block)

	result := dag.OnNewVertex(block, "peerX")
	if result.Outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", result.Outcome)
	}
	if len(scorer.demerits) != 1 || scorer.demerits[0] != consensus.ErrBadSum {
		t.Fatalf("expected a single ErrBadSum demerit, got %v", scorer.demerits)
	}
}

func TestOnNewVertexResolvesDoubleSpendConflict(t *testing.T) {
	dag, storage, bus := newTestDAG(t)
	genesisHash, tx1, tx2 := consensus.GenesisHashes()

	var voided []consensus.Hash
	bus.Subscribe(TopicVertexVoid, func(e Event) {
		voided = append(voided, e.Data.(consensus.Hash))
	})

	priv := newTestPrivKeyForDAG(t)
	hash160 := consensus.Hash160(priv.PubKey().SerializeCompressed())
	lockScript, err := consensus.BuildP2PKHScript(hash160)
	if err != nil {
		t.Fatalf("BuildP2PKHScript: %v", err)
	}

	funding := &consensus.Vertex{
		Kind: consensus.KindTransaction, Timestamp: 2_000_000_000, Weight: 1,
		Parents: []consensus.Hash{tx1, tx2},
		Outputs: []consensus.Output{{Value: 10, Script: lockScript}},
	}
	mineVertex(t, funding)
	fundingHash, _ := consensus.ComputeHash(funding)
	if res := dag.OnNewVertex(funding, ""); res.Outcome != Accepted {
		t.Fatalf("funding tx rejected: %v", res.Err)
	}

	spendA := signedSpend(t, priv, fundingHash, lockScript, []consensus.Hash{genesisHash, tx1}, 2_000_000_100)
	spendB := signedSpend(t, priv, fundingHash, lockScript, []consensus.Hash{genesisHash, tx2}, 2_000_000_200)

	resA := dag.OnNewVertex(spendA, "")
	if resA.Outcome != Accepted {
		t.Fatalf("spendA rejected: %v", resA.Err)
	}
	hashA, _ := consensus.ComputeHash(spendA)

	resB := dag.OnNewVertex(spendB, "")
	if resB.Outcome != Accepted {
		t.Fatalf("spendB rejected: %v", resB.Err)
	}
	hashB, _ := consensus.ComputeHash(spendB)

	recA, _ := storage.GetRecord(hashA)
	recB, _ := storage.GetRecord(hashB)
	if recA.Metadata.IsVoid() == recB.Metadata.IsVoid() {
		t.Fatalf("expected exactly one of the conflicting spends to end up void: A.void=%v B.void=%v", recA.Metadata.IsVoid(), recB.Metadata.IsVoid())
	}
	if len(voided) == 0 {
		t.Fatalf("expected a VERTEX_VOIDED event from the conflict resolution")
	}
}
