package p2p

import (
	"sync"
	"time"

	"dagnode.dev/node/consensus"
)

const (
	BanThreshold      = 100
	ThrottleThreshold = 50
	ThrottleDelay     = 500 * time.Millisecond

	// ScoreDecaysPerMinute is the decay rate applied to every peer's score,
	// so a burst of bad luck early in a connection's life doesn't linger.
	ScoreDecaysPerMinute = 1
)

// demeritForKind maps a verification failure kind (spec.md §7) to the
// ban-score delta a peer incurs for sending it, adapted from the teacher's
// per-message ban-score table (node/p2p/peer.go, now superseded by
// message.go): structural/parse failures are cheap, invalid PoW and bad
// signatures are expensive.
func demeritForKind(kind consensus.ErrorKind) int {
	switch kind {
	case consensus.ErrInvalidPoW, consensus.ErrGenesisMismatch:
		return 100
	case consensus.ErrBadSignature, consensus.ErrBadScript, consensus.ErrBadSum:
		return 50
	case consensus.ErrMissingParent, consensus.ErrVoidParent:
		return 5
	default:
		return 10
	}
}

// Score is a single peer connection's demerit counter (spec.md §4.6: "a
// ban-score-style peer demerit system"). It is not a consensus rule, only
// connection policy.
type Score struct {
	score       int
	lastUpdated time.Time
}

func (b *Score) Value(now time.Time) int {
	b.decayTo(now)
	return b.score
}

func (b *Score) Add(now time.Time, delta int) int {
	b.decayTo(now)
	b.score += delta
	if b.score < 0 {
		b.score = 0
	}
	return b.score
}

func (b *Score) ShouldBan(now time.Time) bool      { return b.Value(now) >= BanThreshold }
func (b *Score) ShouldThrottle(now time.Time) bool { return b.Value(now) >= ThrottleThreshold }

func (b *Score) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() {
		b.lastUpdated = now
		return
	}
	if now.Before(b.lastUpdated) {
		b.lastUpdated = now
		return
	}
	minutes := int(now.Sub(b.lastUpdated) / time.Minute)
	if minutes <= 0 {
		return
	}
	b.score -= minutes * ScoreDecaysPerMinute
	if b.score < 0 {
		b.score = 0
	}
	b.lastUpdated = now
}

// DemeritTable aggregates demerit scores by peer id so the DAG Engine (C4)
// can demerit a peer without holding a reference to its live connection;
// it implements node.PeerScorer by structural typing.
type DemeritTable struct {
	mu     sync.Mutex
	scores map[string]*Score
}

func NewDemeritTable() *DemeritTable {
	return &DemeritTable{scores: make(map[string]*Score)}
}

// Demerit applies the score delta named by demeritForKind to peerID.
func (t *DemeritTable) Demerit(peerID string, kind consensus.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scores[peerID]
	if !ok {
		s = &Score{}
		t.scores[peerID] = s
	}
	s.Add(time.Now(), demeritForKind(kind))
}

func (t *DemeritTable) ShouldBan(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scores[peerID]
	if !ok {
		return false
	}
	return s.ShouldBan(time.Now())
}
