package node

import (
	"sort"
	"sync"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/p2p"
	"dagnode.dev/node/node/store"

	"github.com/sirupsen/logrus"
)

// NodeState is the top-level node lifecycle named in spec.md §4.7.
type NodeState int

const (
	StateInitializing NodeState = iota
	StateWaitingForPeers
	StateSyncing
	StateSynced
)

func (s NodeState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateWaitingForPeers:
		return "WAITING_FOR_PEERS"
	case StateSyncing:
		return "SYNCING"
	default:
		return "SYNCED"
	}
}

// InFlightMax bounds outstanding GET-DATA requests per peer (spec.md §4.7:
// "Pull is pipelined: up to in_flight_max GET-DATA requests outstanding per
// peer").
const InFlightMax = 32

// BatchSize is how many hashes a single GET-BLOCKS/GET-TRANSACTIONS asks for.
const BatchSize = 200

// HeightTolerance is the quorum tolerance named in spec.md §4.7: "all
// currently connected peers agree within a tolerance of 1".
const HeightTolerance = 1

type peerSyncState struct {
	peer        *p2p.Peer
	bestHeight  uint16
	blockCursor consensus.Hash
	haveCursor  bool
	inFlight    map[consensus.Hash]struct{}
}

// SyncManager is the C7 Sync Manager: it implements p2p.Handler so the
// connection layer can dispatch directly into it, maintains a per-peer
// left-to-right cursor, and pulls missing vertices (including recursively
// missing parents) via pipelined GET-DATA.
type SyncManager struct {
	storage store.TransactionStorage
	dag     *DAG
	bus     *EventBus
	log     *logrus.Entry
	manager *p2p.Manager

	mu      sync.Mutex
	state   NodeState
	peers   map[string]*peerSyncState // keyed by RemotePeerID
	pending map[consensus.Hash]pendingVertex
}

type pendingVertex struct {
	vertex *consensus.Vertex
	kind   uint8
	source string
}

func NewSyncManager(storage store.TransactionStorage, dag *DAG, bus *EventBus, log *logrus.Entry) *SyncManager {
	return &SyncManager{
		storage: storage,
		dag:     dag,
		bus:     bus,
		log:     log,
		state:   StateInitializing,
		peers:   make(map[string]*peerSyncState),
		pending: make(map[consensus.Hash]pendingVertex),
	}
}

// SetManager wires the peer manager in after construction, avoiding an
// initialization cycle (the manager needs this as a p2p.Handler before it
// exists).
func (s *SyncManager) SetManager(m *p2p.Manager) { s.manager = m }

func (s *SyncManager) State() NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyncManager) setState(next NodeState) {
	if s.state == next {
		return
	}
	s.state = next
	if s.bus != nil {
		s.bus.Publish(TopicStateChange, next)
	}
	if s.log != nil {
		s.log.WithField("state", next.String()).Info("node state transition")
	}
}

// ReadyForOperation finishes node startup: INITIALIZING -> WAITING_FOR_PEERS,
// called once topological replay from storage has completed.
func (s *SyncManager) ReadyForOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateWaitingForPeers)
}

func (s *SyncManager) localBestHeight() uint16 {
	var best uint16
	for _, h := range s.storage.TipBlocks() {
		if v, ok := s.storage.Get(h); ok && v.Height > best {
			best = v.Height
		}
	}
	return best
}

// --- p2p.Handler ---

func (s *SyncManager) OnReady(p *p2p.Peer) {
	s.mu.Lock()
	s.peers[p.RemotePeerID] = &peerSyncState{peer: p, inFlight: make(map[consensus.Hash]struct{})}
	if s.state == StateWaitingForPeers {
		// Stay in WAITING_FOR_PEERS until a TIPS exchange tells us whether
		// this peer is actually ahead.
	}
	s.mu.Unlock()
	_ = p.SendGetTips()
	_ = p.SendGetPeers()
}

func (s *SyncManager) OnGetPeers(p *p2p.Peer) []p2p.PeerRecord {
	if s.manager != nil && s.manager.Store != nil {
		return s.manager.Store.Records()
	}
	return nil
}

func (s *SyncManager) OnPeers(p *p2p.Peer, records []p2p.PeerRecord) {
	if s.manager != nil && s.manager.Store != nil {
		for _, r := range records {
			s.manager.Store.Merge(r)
		}
	}
}

func (s *SyncManager) OnGetTips(p *p2p.Peer) p2p.TipsPayload {
	blockTips := s.storage.TipBlocks()
	txTips := s.storage.TipTransactions(0)
	return p2p.TipsPayload{
		BlockTips:  hashStrings(blockTips),
		TxTips:     hashStrings(txTips),
		BestHeight: s.localBestHeight(),
	}
}

func (s *SyncManager) OnTips(p *p2p.Peer, tips p2p.TipsPayload) {
	s.mu.Lock()
	ps, ok := s.peers[p.RemotePeerID]
	if !ok {
		ps = &peerSyncState{peer: p, inFlight: make(map[consensus.Hash]struct{})}
		s.peers[p.RemotePeerID] = ps
	}
	ps.bestHeight = tips.BestHeight
	local := s.localBestHeight()
	if tips.BestHeight > local {
		s.setState(StateSyncing)
	}
	s.mu.Unlock()

	if tips.BestHeight > local {
		req := p2p.BlocksRequest{Count: BatchSize}
		if ps.haveCursor {
			req.From = ps.blockCursor.String()
		}
		_ = p.SendGetBlocks(req)
	} else {
		s.maybeSynced()
	}
}

func (s *SyncManager) OnGetBlocks(p *p2p.Peer, req p2p.BlocksRequest) []string {
	return s.getHashesFrom(req, consensus.KindBlock)
}

func (s *SyncManager) OnGetTransactions(p *p2p.Peer, req p2p.BlocksRequest) []string {
	return s.getHashesFrom(req, consensus.KindTransaction)
}

// getHashesFrom returns up to req.Count hashes of kind following req.From in
// the storage's topological order (spec.md §4.7 step 2). An empty From
// starts from the beginning.
func (s *SyncManager) getHashesFrom(req p2p.BlocksRequest, kind consensus.Kind) []string {
	ordered := s.orderedHashesOfKind(kind)
	start := 0
	if req.From != "" {
		fromHash, err := consensus.ParseHash(req.From)
		if err == nil {
			for i, h := range ordered {
				if h == fromHash {
					start = i + 1
					break
				}
			}
		}
	}
	count := req.Count
	if count <= 0 || count > BatchSize {
		count = BatchSize
	}
	end := start + count
	if end > len(ordered) {
		end = len(ordered)
	}
	if start >= end {
		return nil
	}
	return hashStrings(ordered[start:end])
}

func (s *SyncManager) orderedHashesOfKind(kind consensus.Kind) []consensus.Hash {
	all := s.storage.TopologicalSort()
	out := make([]consensus.Hash, 0, len(all))
	for _, h := range all {
		if v, ok := s.storage.Get(h); ok && v.Kind == kind {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, _ := s.storage.Get(out[i])
		vj, _ := s.storage.Get(out[j])
		return vi.Height < vj.Height
	})
	return out
}

func (s *SyncManager) OnBlocks(p *p2p.Peer, hashes []string) {
	s.onHashList(p, hashes, true)
}

func (s *SyncManager) OnTransactions(p *p2p.Peer, hashes []string) {
	s.onHashList(p, hashes, false)
}

// onHashList advances the peer's cursor over hashes we already have and
// requests the rest via pipelined GET-DATA (spec.md §4.7 step 2).
func (s *SyncManager) onHashList(p *p2p.Peer, hashes []string, isBlocks bool) {
	s.mu.Lock()
	ps, ok := s.peers[p.RemotePeerID]
	if !ok {
		ps = &peerSyncState{peer: p, inFlight: make(map[consensus.Hash]struct{})}
		s.peers[p.RemotePeerID] = ps
	}
	s.mu.Unlock()

	var toFetch []consensus.Hash
	for _, hs := range hashes {
		h, err := consensus.ParseHash(hs)
		if err != nil {
			continue
		}
		if s.storage.Exists(h) {
			if isBlocks {
				s.mu.Lock()
				ps.blockCursor = h
				ps.haveCursor = true
				s.mu.Unlock()
			}
			continue
		}
		toFetch = append(toFetch, h)
	}
	s.requestData(ps, toFetch)
}

// requestData issues GET-DATA for hashes not already in flight, capped at
// InFlightMax outstanding per peer.
func (s *SyncManager) requestData(ps *peerSyncState, hashes []consensus.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if len(ps.inFlight) >= InFlightMax {
			return
		}
		if _, inFlight := ps.inFlight[h]; inFlight {
			continue
		}
		if s.storage.Exists(h) {
			continue
		}
		ps.inFlight[h] = struct{}{}
		_ = ps.peer.SendGetData(h.String())
	}
}

func (s *SyncManager) OnGetData(p *p2p.Peer, hashHex string) (uint8, []byte, bool) {
	h, err := consensus.ParseHash(hashHex)
	if err != nil {
		return 0, nil, false
	}
	v, ok := s.storage.Get(h)
	if !ok {
		return 0, nil, false
	}
	b, err := consensus.Serialize(v)
	if err != nil {
		return 0, nil, false
	}
	return uint8(v.Kind), b, true
}

func (s *SyncManager) OnData(p *p2p.Peer, kind uint8, data []byte) {
	v, err := consensus.Parse(data, consensus.Kind(kind))
	if err != nil {
		return
	}
	h, err := consensus.ComputeHash(v)
	if err != nil {
		return
	}

	s.mu.Lock()
	if ps, ok := s.peers[p.RemotePeerID]; ok {
		delete(ps.inFlight, h)
	}
	s.mu.Unlock()

	s.integrate(h, v, p.RemotePeerID, p)
}

// integrate feeds v into the DAG. A block cannot be integrated until all of
// its transaction parents exist locally (spec.md §4.7 step 2); missing
// parents of either kind are pulled recursively and v is parked in pending
// until they resolve.
func (s *SyncManager) integrate(h consensus.Hash, v *consensus.Vertex, sourcePeerID string, p *p2p.Peer) {
	var missing []consensus.Hash
	for _, parent := range v.Parents {
		if !s.storage.Exists(parent) {
			missing = append(missing, parent)
		}
	}
	if len(missing) > 0 {
		s.mu.Lock()
		s.pending[h] = pendingVertex{vertex: v, kind: uint8(v.Kind), source: sourcePeerID}
		ps := s.peers[sourcePeerID]
		s.mu.Unlock()
		if ps != nil {
			s.requestData(ps, missing)
		}
		return
	}

	result := s.dag.OnNewVertex(v, sourcePeerID)
	if result.Outcome == Rejected {
		if s.log != nil {
			s.log.WithFields(logrus.Fields{"hash": h.String(), "peer": sourcePeerID, "err": result.Err}).Debug("sync: vertex rejected")
		}
		return
	}

	s.retryPending()
	s.maybeSynced()
}

// retryPending re-attempts every parked vertex whose parents are now all
// present, looping until a full pass makes no further progress.
func (s *SyncManager) retryPending() {
	for {
		s.mu.Lock()
		var ready []consensus.Hash
		for h, pv := range s.pending {
			allPresent := true
			for _, parent := range pv.vertex.Parents {
				if !s.storage.Exists(parent) {
					allPresent = false
					break
				}
			}
			if allPresent {
				ready = append(ready, h)
			}
		}
		s.mu.Unlock()
		if len(ready) == 0 {
			return
		}
		for _, h := range ready {
			s.mu.Lock()
			pv, ok := s.pending[h]
			delete(s.pending, h)
			s.mu.Unlock()
			if !ok {
				continue
			}
			s.dag.OnNewVertex(pv.vertex, pv.source)
		}
	}
}

// maybeSynced transitions SYNCING -> SYNCED once our best height is within
// HeightTolerance of every connected peer's reported best height (spec.md
// §4.7 step 3); a later-arriving higher peer drops the state back down via
// OnTips.
func (s *SyncManager) maybeSynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSyncing {
		return
	}
	local := s.localBestHeight()
	for _, ps := range s.peers {
		if ps.bestHeight > local && int(ps.bestHeight)-int(local) > HeightTolerance {
			return
		}
	}
	s.setState(StateSynced)
}

func hashStrings(hs []consensus.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}
