package node

import (
	"fmt"
	"math/rand"
	"time"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/store"
)

// MiningAssembler is the C5 Mining Assembler: selects parents and builds a
// candidate block per spec.md §4.5. It never mutates storage; the caller
// feeds the mined vertex back through the DAG Engine like any other vertex.
type MiningAssembler struct {
	storage    store.TransactionStorage
	difficulty *Difficulty
	params     consensus.NetworkParams
}

func NewMiningAssembler(storage store.TransactionStorage, difficulty *Difficulty, params consensus.NetworkParams) *MiningAssembler {
	return &MiningAssembler{storage: storage, difficulty: difficulty, params: params}
}

// GenerateMiningBlock implements spec.md §4.5's generate_mining_block.
// minerLockScript is the locking script credited with the block reward
// (built by the caller via consensus.BuildP2PKHScript).
func (a *MiningAssembler) GenerateMiningBlock(minerLockScript []byte) (*consensus.Vertex, error) {
	blockTips, err := a.tipBlockParents()
	if err != nil {
		return nil, err
	}
	txTips, err := a.newTxParents()
	if err != nil {
		return nil, err
	}

	parents := append(append([]consensus.Hash(nil), blockTips...), txTips...)

	maxHeight := uint16(0)
	for _, h := range blockTips {
		v, ok := a.storage.Get(h)
		if !ok {
			continue
		}
		if v.Height > maxHeight {
			maxHeight = v.Height
		}
	}

	block := &consensus.Vertex{
		Kind:      consensus.KindBlock,
		Version:   1,
		Timestamp: uint64(time.Now().Unix()),
		Weight:    a.difficulty.CurrentWeight(),
		Height:    maxHeight + 1,
		Parents:   parents,
		Outputs: []consensus.Output{
			{Value: a.params.TokensIssuedPerBlock, Script: minerLockScript},
		},
	}
	return block, nil
}

// tipBlockParents picks up to two non-void block tips (spec.md §4.5 step 1:
// "choose up to two block hashes (fail if none non-void)").
func (a *MiningAssembler) tipBlockParents() ([]consensus.Hash, error) {
	var out []consensus.Hash
	for _, h := range a.storage.TipBlocks() {
		if a.storage.IsVoid(h) {
			continue
		}
		out = append(out, h)
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("node: no non-void block tips available to mine on")
	}
	return out, nil
}

// newTxParents picks up to two tip transactions; if only one exists, it is
// paired with one of its own parents chosen uniformly at random to
// guarantee two distinct transaction parents (spec.md §4.5 step 2).
func (a *MiningAssembler) newTxParents() ([]consensus.Hash, error) {
	tips := a.storage.TipTransactions(2)
	var nonVoid []consensus.Hash
	for _, h := range tips {
		if !a.storage.IsVoid(h) {
			nonVoid = append(nonVoid, h)
		}
	}
	if len(nonVoid) >= 2 {
		return nonVoid[:2], nil
	}
	if len(nonVoid) == 1 {
		tip := nonVoid[0]
		v, ok := a.storage.Get(tip)
		if !ok || len(v.Parents) == 0 {
			return nil, fmt.Errorf("node: sole tip transaction has no parents to pair with")
		}
		var candidates []consensus.Hash
		for _, p := range v.Parents {
			if pv, ok := a.storage.Get(p); ok && pv.Kind == consensus.KindTransaction && !a.storage.IsVoid(p) {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("node: sole tip transaction has no non-void transaction parent to pair with")
		}
		pick := candidates[rand.Intn(len(candidates))]
		return []consensus.Hash{tip, pick}, nil
	}
	return nil, fmt.Errorf("node: no non-void tip transactions available to mine on")
}
