package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager is the C8 Peer Manager: it owns the connected/handshaking/
// connecting sets named in spec.md §4.8 and is the sole place a *Peer's
// lifecycle is tracked end to end, from dial or accept through Run to
// disconnect.
type Manager struct {
	cfg     Config
	Store   *PeerStore
	handler Handler
	log     *logrus.Entry

	mu          sync.Mutex
	connecting  map[string]context.CancelFunc // entrypoint -> cancel of in-flight dial
	handshaking map[string]*Peer              // ConnID -> peer, pre-READY
	connected   map[string]*Peer              // RemotePeerID -> peer, READY

	wg sync.WaitGroup
}

func NewManager(cfg Config, store *PeerStore, handler Handler, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:         cfg,
		Store:       store,
		handler:     handler,
		log:         log,
		connecting:  make(map[string]context.CancelFunc),
		handshaking: make(map[string]*Peer),
		connected:   make(map[string]*Peer),
	}
}

// ConnectedCount reports the number of peers currently in READY.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connected)
}

// IsConnected reports whether peerID already has a READY connection. The
// reconnection loop uses it to skip peers that are already connected. A
// dial already in flight is not cancelled when its target becomes
// connected by another path; OnReady closes the later duplicate instead.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connected[peerID]
	return ok
}

func (m *Manager) Connected() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.connected))
	for _, p := range m.connected {
		out = append(out, p)
	}
	return out
}

// Dial connects to entrypoint (a "tcp:host:port" dial string) and runs the
// handshake. It returns once the connection closes; callers typically run
// it in its own goroutine.
func (m *Manager) Dial(ctx context.Context, dialer Dialer, entrypoint string) error {
	m.mu.Lock()
	if _, inFlight := m.connecting[entrypoint]; inFlight {
		m.mu.Unlock()
		return fmt.Errorf("p2p: dial to %s already in flight", entrypoint)
	}
	dctx, cancel := context.WithCancel(ctx)
	m.connecting[entrypoint] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, entrypoint)
		m.mu.Unlock()
		cancel()
	}()

	conn, err := dialer.Dial(dctx, entrypoint)
	if err != nil {
		return fmt.Errorf("p2p: dial %s: %w", entrypoint, err)
	}
	return m.runConn(dctx, conn, false)
}

// Accept runs the handshake and message loop for an inbound connection
// already accepted by a Listener.
func (m *Manager) Accept(ctx context.Context, conn net.Conn) error {
	return m.runConn(ctx, conn, true)
}

func (m *Manager) runConn(ctx context.Context, conn net.Conn, inbound bool) error {
	peer := NewPeer(conn, inbound, m.cfg)

	m.mu.Lock()
	m.handshaking[peer.ConnID] = peer
	m.mu.Unlock()

	m.wg.Add(1)
	defer m.wg.Done()

	err := peer.Run(ctx, &managerHandler{m: m, inner: m.handler, peer: peer})

	m.mu.Lock()
	delete(m.handshaking, peer.ConnID)
	if peer.RemotePeerID != "" {
		if cur, ok := m.connected[peer.RemotePeerID]; ok && cur == peer {
			delete(m.connected, peer.RemotePeerID)
		}
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.WithFields(logrus.Fields{"peer": peer.RemotePeerID, "conn": peer.ConnID, "inbound": inbound, "err": err}).Info("p2p connection closed")
	}
	return err
}

// Shutdown waits for every in-flight connection goroutine to exit; callers
// must first close listeners and cancel contexts so Run loops unwind.
func (m *Manager) Shutdown() {
	m.wg.Wait()
}

// managerHandler wraps the node-supplied Handler to promote a peer into the
// connected set on READY and to record its record into PeerStore, without
// requiring the node's own handler to know about Manager bookkeeping.
type managerHandler struct {
	m     *Manager
	inner Handler
	peer  *Peer
}

func (h *managerHandler) OnReady(p *Peer) {
	h.m.mu.Lock()
	if existing, ok := h.m.connected[p.RemotePeerID]; ok && existing != p {
		h.m.mu.Unlock()
		_ = p.Conn.Close()
		return
	}
	h.m.connected[p.RemotePeerID] = p
	h.m.mu.Unlock()

	if h.m.Store != nil {
		h.m.Store.Touch(p.RemotePeerID, "", p.Conn.RemoteAddr().String())
		for _, e := range p.RemoteEntryPts {
			h.m.Store.Merge(PeerRecord{ID: p.RemotePeerID, Entrypoints: []string{e}})
		}
	}
	if h.inner != nil {
		h.inner.OnReady(p)
	}
}

func (h *managerHandler) OnGetPeers(p *Peer) []PeerRecord {
	if h.m.Store != nil {
		return h.m.Store.Records()
	}
	return nil
}

func (h *managerHandler) OnPeers(p *Peer, records []PeerRecord) {
	if h.m.Store != nil {
		for _, r := range records {
			h.m.Store.Merge(r)
		}
	}
	if h.inner != nil {
		h.inner.OnPeers(p, records)
	}
}

func (h *managerHandler) OnGetTips(p *Peer) TipsPayload {
	if h.inner != nil {
		return h.inner.OnGetTips(p)
	}
	return TipsPayload{}
}

func (h *managerHandler) OnTips(p *Peer, tips TipsPayload) {
	if h.inner != nil {
		h.inner.OnTips(p, tips)
	}
}

func (h *managerHandler) OnGetBlocks(p *Peer, req BlocksRequest) []string {
	if h.inner != nil {
		return h.inner.OnGetBlocks(p, req)
	}
	return nil
}

func (h *managerHandler) OnBlocks(p *Peer, hashes []string) {
	if h.inner != nil {
		h.inner.OnBlocks(p, hashes)
	}
}

func (h *managerHandler) OnGetTransactions(p *Peer, req BlocksRequest) []string {
	if h.inner != nil {
		return h.inner.OnGetTransactions(p, req)
	}
	return nil
}

func (h *managerHandler) OnTransactions(p *Peer, hashes []string) {
	if h.inner != nil {
		h.inner.OnTransactions(p, hashes)
	}
}

func (h *managerHandler) OnGetData(p *Peer, hash string) (uint8, []byte, bool) {
	if h.inner != nil {
		return h.inner.OnGetData(p, hash)
	}
	return 0, nil, false
}

func (h *managerHandler) OnData(p *Peer, kind uint8, data []byte) {
	if h.inner != nil {
		h.inner.OnData(p, kind, data)
	}
}
