package p2p

import (
	"math/rand"
	"sync"
	"time"
)

// KnownPeer is one persisted peer record (spec.md §4.1: "A PeerId record
// carries entrypoints, last-seen timestamps, and the public key").
type KnownPeer struct {
	ID          string
	PubKey      string
	Entrypoints []string
	LastSeen    time.Time
}

// PeerStore holds every peer the node has ever heard about, independent of
// whether a connection to it is currently open. One writer, readers see a
// snapshot copy (spec.md §5: "PeerStorage has the same discipline").
type PeerStore struct {
	mu    sync.Mutex
	peers map[string]*KnownPeer
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*KnownPeer)}
}

// Merge inserts or updates a peer record, unioning entrypoints rather than
// replacing them (spec.md §4.6: PEER-ID "replaces stored peer record (merge
// entrypoints)").
func (s *PeerStore) Merge(rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.peers[rec.ID]
	if !ok {
		s.peers[rec.ID] = &KnownPeer{
			ID:          rec.ID,
			Entrypoints: append([]string(nil), rec.Entrypoints...),
			LastSeen:    time.Unix(rec.LastSeen, 0),
		}
		return
	}
	seen := make(map[string]struct{}, len(existing.Entrypoints))
	for _, e := range existing.Entrypoints {
		seen[e] = struct{}{}
	}
	for _, e := range rec.Entrypoints {
		if _, ok := seen[e]; !ok {
			existing.Entrypoints = append(existing.Entrypoints, e)
			seen[e] = struct{}{}
		}
	}
	if t := time.Unix(rec.LastSeen, 0); t.After(existing.LastSeen) {
		existing.LastSeen = t
	}
}

// Touch records a successful handshake with peerID at addr, adding addr as
// an entrypoint if new.
func (s *PeerStore) Touch(id, pubKey string, entrypoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		p = &KnownPeer{ID: id, PubKey: pubKey}
		s.peers[id] = p
	}
	p.LastSeen = time.Now()
	if pubKey != "" {
		p.PubKey = pubKey
	}
	if entrypoint != "" {
		found := false
		for _, e := range p.Entrypoints {
			if e == entrypoint {
				found = true
				break
			}
		}
		if !found {
			p.Entrypoints = append(p.Entrypoints, entrypoint)
		}
	}
}

// AddCandidate registers a bare dial string discovered via GET-PEERS, seed
// DNS resolution, or a configured bootstrap peer, with no known id yet.
func (s *PeerStore) AddCandidate(entrypoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		for _, e := range p.Entrypoints {
			if e == entrypoint {
				return
			}
		}
	}
	key := "candidate:" + entrypoint
	if _, ok := s.peers[key]; ok {
		return
	}
	s.peers[key] = &KnownPeer{Entrypoints: []string{entrypoint}}
}

// All returns a snapshot copy of every known peer record.
func (s *PeerStore) All() []KnownPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KnownPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// Records converts every known peer into a wire PeerRecord, for GET-PEERS
// replies.
func (s *PeerStore) Records() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		if p.ID == "" {
			continue
		}
		out = append(out, PeerRecord{ID: p.ID, Entrypoints: p.Entrypoints, LastSeen: p.LastSeen.Unix()})
	}
	return out
}

// RandomEntrypoint returns a uniformly-random entrypoint for p, per the
// reconnection loop's dial policy (spec.md §4.8).
func RandomEntrypoint(p KnownPeer) (string, bool) {
	if len(p.Entrypoints) == 0 {
		return "", false
	}
	return p.Entrypoints[rand.Intn(len(p.Entrypoints))], true
}
