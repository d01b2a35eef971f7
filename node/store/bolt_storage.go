package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dagnode.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVertices = []byte("vertices_by_hash")
	bucketMeta     = []byte("metadata_by_hash")
)

// Bolt is the optional persistent TransactionStorage backend (spec.md
// §4.2: "a persistent backend is optional"), built on go.etcd.io/bbolt —
// the teacher's own KV choice (node/store/db.go). Vertices are immutable
// once written; metadata is re-marshaled on every UpdateMetadata call,
// which is acceptable at this network's scale (no per-vertex metadata
// approaches the page size that would make read-modify-write expensive).
//
// Tip sets and counts are cached in memory and rebuilt from the bucket
// contents at Open, the same pattern the teacher uses for its block index.
type Bolt struct {
	mu sync.Mutex

	chainDir string
	network  string
	db       *bolt.DB
	manifest *Manifest

	blockTips map[consensus.Hash]struct{}
	txTips    map[consensus.Hash]struct{}
	children  map[consensus.Hash]map[consensus.Hash]struct{}

	blockCount int
	txCount    int
}

type onDiskMetadata struct {
	SpentOutputs      map[uint8][]consensus.Hash `json:"spent_outputs"`
	ConflictsWith     []consensus.Hash           `json:"conflicts_with"`
	VoidedBy          []consensus.Hash           `json:"voided_by"`
	ReceivedBy        []string                   `json:"received_by"`
	Children          []consensus.Hash           `json:"children"`
	Twins             []consensus.Hash           `json:"twins"`
	AccumulatedWeight float64                    `json:"accumulated_weight"`
	Score             float64                    `json:"score"`
	FirstBlock        consensus.Hash             `json:"first_block"`
	HasFirstBlock     bool                       `json:"has_first_block"`
	Propagated        []consensus.Hash           `json:"propagated"`
}

// OpenBolt opens (creating if necessary) the bbolt-backed store for network
// under datadir/chains/<network>/db/kv.db.
func OpenBolt(datadir, network string) (*Bolt, error) {
	if datadir == "" || network == "" {
		return nil, fmt.Errorf("store: datadir and network are required")
	}
	chainDir := ChainDir(datadir, network)
	if err := ensureDir(chainDir); err != nil {
		return nil, err
	}
	dbDir := chainDir + "/db"
	if err := ensureDir(dbDir); err != nil {
		return nil, err
	}
	bdb, err := bolt.Open(dbDir+"/kv.db", 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVertices, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	b := &Bolt{
		chainDir:  chainDir,
		network:   network,
		db:        bdb,
		blockTips: make(map[consensus.Hash]struct{}),
		txTips:    make(map[consensus.Hash]struct{}),
		children:  make(map[consensus.Hash]map[consensus.Hash]struct{}),
	}
	if err := b.rebuildTipCache(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if m, err := readManifest(chainDir); err == nil {
		b.manifest = m
	}
	return b, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) rebuildTipCache() error {
	hasBlockChild := make(map[consensus.Hash]bool)
	hasTxChild := make(map[consensus.Hash]bool)
	all := make([]consensus.Hash, 0)

	err := b.db.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVertices)
		return vb.ForEach(func(k, v []byte) error {
			var h consensus.Hash
			copy(h[:], k)
			all = append(all, h)
			if len(v) == 0 {
				return nil
			}
			kind := consensus.Kind(v[0])
			vertex, err := consensus.Parse(v[1:], kind)
			if err != nil {
				return fmt.Errorf("store: decode vertex %s: %w", h, err)
			}
			if kind == consensus.KindBlock {
				b.blockCount++
			} else {
				b.txCount++
			}
			for _, p := range vertex.Parents {
				if b.children[p] == nil {
					b.children[p] = make(map[consensus.Hash]struct{})
				}
				b.children[p][h] = struct{}{}
				if kind == consensus.KindBlock {
					hasBlockChild[p] = true
				} else {
					hasTxChild[p] = true
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, h := range all {
		v, ok := b.Get(h)
		if !ok {
			continue
		}
		if v.IsBlock() && !hasBlockChild[h] {
			b.blockTips[h] = struct{}{}
		}
		if !v.IsBlock() && !hasTxChild[h] {
			b.txTips[h] = struct{}{}
		}
	}
	return nil
}

func (b *Bolt) Get(h consensus.Hash) (*consensus.Vertex, bool) {
	var out *consensus.Vertex
	_ = b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVertices).Get(h[:])
		if raw == nil {
			return nil
		}
		kind := consensus.Kind(raw[0])
		v, err := consensus.Parse(raw[1:], kind)
		if err != nil {
			return nil
		}
		out = v
		return nil
	})
	return out, out != nil
}

func (b *Bolt) Exists(h consensus.Hash) bool {
	_, ok := b.Get(h)
	return ok
}

func (b *Bolt) readMeta(tx *bolt.Tx, h consensus.Hash) (*Metadata, bool) {
	raw := tx.Bucket(bucketMeta).Get(h[:])
	if raw == nil {
		return nil, false
	}
	var d onDiskMetadata
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return fromOnDisk(&d), true
}

func (b *Bolt) IsVoid(h consensus.Hash) bool {
	var void bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		if m, ok := b.readMeta(tx, h); ok {
			void = m.IsVoid()
		}
		return nil
	})
	return void
}

func (b *Bolt) GetRecord(h consensus.Hash) (*Record, bool) {
	v, ok := b.Get(h)
	if !ok {
		return nil, false
	}
	var meta *Metadata
	_ = b.db.View(func(tx *bolt.Tx) error {
		m, ok := b.readMeta(tx, h)
		if ok {
			meta = m
		}
		return nil
	})
	if meta == nil {
		meta = NewMetadata(v.Weight)
	}
	return &Record{Vertex: v, Metadata: meta}, true
}

func (b *Bolt) writeVertex(tx *bolt.Tx, h consensus.Hash, v *consensus.Vertex) error {
	body, err := consensus.Serialize(v)
	if err != nil {
		return err
	}
	raw := make([]byte, 0, len(body)+1)
	raw = append(raw, byte(v.Kind))
	raw = append(raw, body...)
	return tx.Bucket(bucketVertices).Put(h[:], raw)
}

func (b *Bolt) writeMeta(tx *bolt.Tx, h consensus.Hash, m *Metadata) error {
	raw, err := json.Marshal(toOnDisk(m))
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(h[:], raw)
}

func (b *Bolt) Put(v *consensus.Vertex, meta *Metadata) error {
	h, err := consensus.ComputeHash(v)
	if err != nil {
		return err
	}
	return b.put(h, v, meta)
}

// PutGenesis stores v under the hard-coded hash h, bypassing ComputeHash
// (see DESIGN.md's genesis-hash-vs-serialization entry).
func (b *Bolt) PutGenesis(h consensus.Hash, v *consensus.Vertex) error {
	return b.put(h, v, NewMetadata(v.Weight))
}

func (b *Bolt) put(h consensus.Hash, v *consensus.Vertex, meta *Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Exists(h) {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := b.writeVertex(tx, h, v); err != nil {
			return err
		}
		return b.writeMeta(tx, h, meta)
	})
	if err != nil {
		return err
	}
	if v.IsBlock() {
		b.blockCount++
		b.blockTips[h] = struct{}{}
	} else {
		b.txCount++
		b.txTips[h] = struct{}{}
	}
	for _, p := range v.Parents {
		if b.children[p] == nil {
			b.children[p] = make(map[consensus.Hash]struct{})
		}
		b.children[p][h] = struct{}{}
		if v.IsBlock() {
			delete(b.blockTips, p)
		} else {
			delete(b.txTips, p)
		}
	}
	if err := b.saveManifest(b.network); err != nil {
		return err
	}
	return nil
}

func (b *Bolt) UpdateMetadata(h consensus.Hash, fn func(*Metadata)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(tx *bolt.Tx) error {
		m, ok := b.readMeta(tx, h)
		if !ok {
			return fmt.Errorf("store: unknown hash %s", h)
		}
		fn(m)
		return b.writeMeta(tx, h, m)
	})
}

func (b *Bolt) TipBlocks() []consensus.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]consensus.Hash, 0, len(b.blockTips))
	for h := range b.blockTips {
		if !b.IsVoid(h) {
			out = append(out, h)
		}
	}
	return sortedHashes(out)
}

func (b *Bolt) TipTransactions(k int) []consensus.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]consensus.Hash, 0, len(b.txTips))
	for h := range b.txTips {
		if !b.IsVoid(h) {
			out = append(out, h)
		}
	}
	out = sortedHashes(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func (b *Bolt) TopologicalSort() []consensus.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()

	indegree := make(map[consensus.Hash]int)
	_ = b.db.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVertices)
		return vb.ForEach(func(k, v []byte) error {
			var h consensus.Hash
			copy(h[:], k)
			kind := consensus.Kind(v[0])
			vertex, err := consensus.Parse(v[1:], kind)
			if err != nil {
				return err
			}
			indegree[h] += 0
			for _, p := range vertex.Parents {
				if vb.Get(p[:]) != nil {
					indegree[h]++
				}
			}
			return nil
		})
	})

	ready := make([]consensus.Hash, 0)
	for h, deg := range indegree {
		if deg == 0 {
			ready = append(ready, h)
		}
	}
	ready = sortedHashes(ready)

	out := make([]consensus.Hash, 0, len(indegree))
	for len(ready) > 0 {
		sortedHashes(ready)
		h := ready[0]
		ready = ready[1:]
		out = append(out, h)
		for child := range b.children[h] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}

func (b *Bolt) BlockCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockCount
}

func (b *Bolt) TransactionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txCount
}

func (b *Bolt) saveManifest(network string) error {
	m := &Manifest{
		SchemaVersion:    SchemaVersionV1,
		Network:          network,
		BlockCount:       b.blockCount,
		TransactionCount: b.txCount,
	}
	if err := writeManifestAtomic(b.chainDir, m); err != nil {
		return err
	}
	b.manifest = m
	return nil
}

func toOnDisk(m *Metadata) *onDiskMetadata {
	d := &onDiskMetadata{
		SpentOutputs:      make(map[uint8][]consensus.Hash, len(m.SpentOutputs)),
		AccumulatedWeight: m.AccumulatedWeight,
		Score:             m.Score,
		FirstBlock:        m.FirstBlock,
		HasFirstBlock:     m.HasFirstBlock,
	}
	for h := range m.Propagated {
		d.Propagated = append(d.Propagated, h)
	}
	for idx, set := range m.SpentOutputs {
		for h := range set {
			d.SpentOutputs[idx] = append(d.SpentOutputs[idx], h)
		}
	}
	for h := range m.ConflictsWith {
		d.ConflictsWith = append(d.ConflictsWith, h)
	}
	for h := range m.VoidedBy {
		d.VoidedBy = append(d.VoidedBy, h)
	}
	for p := range m.ReceivedBy {
		d.ReceivedBy = append(d.ReceivedBy, p)
	}
	for h := range m.Children {
		d.Children = append(d.Children, h)
	}
	for h := range m.Twins {
		d.Twins = append(d.Twins, h)
	}
	return d
}

func fromOnDisk(d *onDiskMetadata) *Metadata {
	m := &Metadata{
		SpentOutputs:      make(map[uint8]map[consensus.Hash]struct{}, len(d.SpentOutputs)),
		ConflictsWith:     make(map[consensus.Hash]struct{}, len(d.ConflictsWith)),
		VoidedBy:          make(map[consensus.Hash]struct{}, len(d.VoidedBy)),
		ReceivedBy:        make(map[string]struct{}, len(d.ReceivedBy)),
		Children:          make(map[consensus.Hash]struct{}, len(d.Children)),
		Twins:             make(map[consensus.Hash]struct{}, len(d.Twins)),
		AccumulatedWeight: d.AccumulatedWeight,
		Score:             d.Score,
		FirstBlock:        d.FirstBlock,
		HasFirstBlock:     d.HasFirstBlock,
		Propagated:        make(map[consensus.Hash]struct{}, len(d.Propagated)),
	}
	for _, h := range d.Propagated {
		m.Propagated[h] = struct{}{}
	}
	for idx, hashes := range d.SpentOutputs {
		set := make(map[consensus.Hash]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}
		m.SpentOutputs[idx] = set
	}
	for _, h := range d.ConflictsWith {
		m.ConflictsWith[h] = struct{}{}
	}
	for _, h := range d.VoidedBy {
		m.VoidedBy[h] = struct{}{}
	}
	for _, p := range d.ReceivedBy {
		m.ReceivedBy[p] = struct{}{}
	}
	for _, h := range d.Children {
		m.Children[h] = struct{}{}
	}
	for _, h := range d.Twins {
		m.Twins[h] = struct{}{}
	}
	return m
}
