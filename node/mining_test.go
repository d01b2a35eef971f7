package node

import (
	"testing"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/store"
)

func seededMemory(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	if err := store.SeedGenesis(m); err != nil {
		t.Fatalf("SeedGenesis: %v", err)
	}
	return m
}

func testNetworkParams() consensus.NetworkParams {
	p := consensus.DefaultNetworkParams()
	p.TokensIssuedPerBlock = 50
	p.CurrentTargetWeight = 1 // keep mining fast in tests
	return p
}

func TestGenerateMiningBlockFromGenesis(t *testing.T) {
	storage := seededMemory(t)
	diff := NewDifficulty(1)
	assembler := NewMiningAssembler(storage, diff, testNetworkParams())

	lockScript, err := consensus.BuildP2PKHScript(make([]byte, 20))
	if err != nil {
		t.Fatalf("BuildP2PKHScript: %v", err)
	}
	block, err := assembler.GenerateMiningBlock(lockScript)
	if err != nil {
		t.Fatalf("GenerateMiningBlock: %v", err)
	}
	if !block.IsBlock() {
		t.Fatalf("expected a block vertex")
	}
	if len(block.Parents) < consensus.MinParents {
		t.Fatalf("candidate block has %d parents, want at least %d", len(block.Parents), consensus.MinParents)
	}
	if len(block.Outputs) != 1 || block.Outputs[0].Value != 50 {
		t.Fatalf("unexpected coinbase output: %+v", block.Outputs)
	}
	genesisHash, _, _ := consensus.GenesisHashes()
	if block.Height != 2 {
		t.Fatalf("height = %d, want 2 (genesis is height 1)", block.Height)
	}
	found := false
	for _, p := range block.Parents {
		if p == genesisHash {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected genesis block among the candidate's parents")
	}
}

func TestGenerateMiningBlockMinesAndVerifies(t *testing.T) {
	storage := seededMemory(t)
	diff := NewDifficulty(1)
	params := testNetworkParams()
	assembler := NewMiningAssembler(storage, diff, params)

	lockScript, err := consensus.BuildP2PKHScript(make([]byte, 20))
	if err != nil {
		t.Fatalf("BuildP2PKHScript: %v", err)
	}
	block, err := assembler.GenerateMiningBlock(lockScript)
	if err != nil {
		t.Fatalf("GenerateMiningBlock: %v", err)
	}
	if _, err := consensus.Mine(block, nil); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if err := consensus.Verify(block, storage, params); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTipBlockParentsErrorsWithNoBlocks(t *testing.T) {
	storage := store.NewMemory()
	diff := NewDifficulty(1)
	assembler := NewMiningAssembler(storage, diff, testNetworkParams())
	lockScript, _ := consensus.BuildP2PKHScript(make([]byte, 20))
	if _, err := assembler.GenerateMiningBlock(lockScript); err == nil {
		t.Fatalf("expected an error with no block tips available")
	}
}
