package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"dagnode.dev/node/consensus"
	"dagnode.dev/node/node/p2p"
	"dagnode.dev/node/node/store"

	"github.com/sirupsen/logrus"
)

// StorageError wraps an unrecoverable storage failure (spec.md §6's exit
// code 2), distinguishing it from ordinary startup/configuration failures
// (exit code 1).
type StorageError struct{ Err error }

func (e *StorageError) Error() string { return e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Node wires every component (C1-C9) together per spec.md §4 and owns the
// process lifecycle: it is the only type cmd/dagnode constructs directly.
type Node struct {
	cfg    Config
	log    *logrus.Entry
	bus    *EventBus
	store  store.TransactionStorage
	params consensus.NetworkParams
	diff   *Difficulty

	dag     *DAG
	sync    *SyncManager
	demerit *p2p.DemeritTable
	peers   *p2p.PeerStore
	manager *p2p.Manager
	mining  *MiningAssembler

	identity *p2p.Identity

	listeners []*p2p.Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs every component but does not yet bind sockets or start the
// reconnection/seed loops; call Run for that.
func New(cfg Config) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	base := logrus.New()
	base.SetLevel(level)
	log := base.WithField("network", cfg.Network)

	if err := os.MkdirAll(store.ChainDir(cfg.DataDir, cfg.Network), 0o755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	backend, err := store.OpenBolt(cfg.DataDir, cfg.Network)
	if err != nil {
		return nil, &StorageError{Err: fmt.Errorf("node: open storage: %w", err)}
	}
	if err := store.SeedGenesis(backend); err != nil {
		return nil, &StorageError{Err: fmt.Errorf("node: seed genesis: %w", err)}
	}

	params := consensus.DefaultNetworkParams()
	diff := NewDifficulty(params.CurrentTargetWeight)

	bus := NewEventBus()
	demerit := p2p.NewDemeritTable()
	dag := NewDAG(backend, params, diff, bus, demerit, log)
	syncMgr := NewSyncManager(backend, dag, bus, log)
	mining := NewMiningAssembler(backend, diff, params)

	identity, err := loadOrCreateIdentity(cfg.PeerIDFile)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    backend,
		params:   params,
		diff:     diff,
		dag:      dag,
		sync:     syncMgr,
		demerit:  demerit,
		peers:    p2p.NewPeerStore(),
		mining:   mining,
		identity: identity,
		stopped:  make(chan struct{}),
	}

	pingTimeout := time.Duration(cfg.PingTimeoutSeconds) * time.Second
	if pingTimeout <= 0 {
		pingTimeout = 90 * time.Second
	}
	n.manager = p2p.NewManager(p2p.Config{
		App:         "dagnode",
		Version:     "1",
		Network:     cfg.Network,
		Identity:    identity,
		Entrypoints: cfg.Listen,
		PingTimeout: pingTimeout,
		IdleTimeout: pingTimeout * 2,
	}, n.peers, syncMgr, log)
	syncMgr.SetManager(n.manager)

	for _, peer := range cfg.Peers {
		n.peers.AddCandidate(peer)
	}
	for _, peer := range cfg.Bootstrap {
		n.peers.AddCandidate(peer)
	}

	return n, nil
}

// Run binds listeners, starts the reconnection and seed-discovery loops,
// and blocks until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	defer close(n.stopped)

	// INITIALIZING: storage replay already happened implicitly at Open
	// (bbolt's rebuildTipCache); topological order is available immediately
	// via TopologicalSort, so there is no separate replay pass to await.
	n.sync.ReadyForOperation()

	for _, desc := range n.cfg.Listen {
		ln, err := n.bindListener(desc)
		if err != nil {
			n.log.WithError(err).WithField("listen", desc).Error("failed to bind listener")
			continue
		}
		n.listeners = append(n.listeners, ln)
		go n.acceptLoop(ctx, ln)
	}

	dialer := n.dialerFor()
	reconnect := p2p.NewReconnectLoop(n.manager, dialer, n.log)
	go reconnect.Run(ctx)

	if len(n.cfg.SeedDomains) > 0 {
		resolver := p2p.NewSeedResolver(n.cfg.SeedDomains, "", p2p.DefaultPort)
		seedLoop := p2p.NewSeedLoop(resolver, n.peers, 5*time.Minute, n.log)
		go seedLoop.Run(ctx)
	}

	<-ctx.Done()
	n.manager.Shutdown()
	for _, ln := range n.listeners {
		_ = ln.Close()
	}
	return nil
}

func (n *Node) acceptLoop(ctx context.Context, ln *p2p.Listener) {
	_ = ln.Serve(ctx, func(conn net.Conn) {
		if err := n.manager.Accept(ctx, conn); err != nil {
			n.log.WithError(err).Debug("inbound connection ended")
		}
	})
}

func (n *Node) bindListener(desc string) (*p2p.Listener, error) {
	network, addr, err := p2p.ParseEntrypoint(desc)
	if err != nil {
		return nil, err
	}
	if network != "tcp" {
		return nil, fmt.Errorf("node: unsupported listen network %q", network)
	}
	if n.cfg.SSL {
		return p2p.ListenTLS(addr)
	}
	return p2p.ListenPlain(addr)
}

func (n *Node) dialerFor() p2p.Dialer {
	if n.cfg.SSL {
		return p2p.TLSDialer{Timeout: 10 * time.Second}
	}
	return p2p.TCPDialer{Timeout: 10 * time.Second}
}

// Stop cancels Run's context and waits for it to unwind.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-n.stopped
}

// Mine runs one mining attempt: assemble a candidate block on current tips,
// search for a valid nonce, and (on success) feed it back through the DAG
// Engine exactly like a vertex received from a peer, then fan it out to
// every connected peer (spec.md: "propagation of a mined block reenters C4
// then fan-outs through C6").
func (n *Node) Mine(minerLockScript []byte, stop <-chan struct{}) (consensus.Hash, error) {
	block, err := n.mining.GenerateMiningBlock(minerLockScript)
	if err != nil {
		return consensus.Hash{}, err
	}
	h, err := consensus.Mine(block, stop)
	if err != nil {
		return consensus.Hash{}, err
	}
	result := n.dag.OnNewVertex(block, "")
	if result.Outcome == Rejected {
		return consensus.Hash{}, fmt.Errorf("node: mined block rejected: %w", result.Err)
	}
	n.diff.OnBlockConfirmed(block.Timestamp)
	n.broadcastData(h, block)
	return h, nil
}

func (n *Node) broadcastData(h consensus.Hash, v *consensus.Vertex) {
	b, err := consensus.Serialize(v)
	if err != nil {
		return
	}
	for _, p := range n.manager.Connected() {
		_ = p2p.WriteMessage(p.Conn, p2p.OpData, p2p.DataPayload{Hash: h.String(), Bytes: b, Kind: uint8(v.Kind)})
	}
}

func loadOrCreateIdentity(path string) (*p2p.Identity, error) {
	if path == "" {
		return p2p.GenerateIdentity()
	}
	if b, err := os.ReadFile(path); err == nil {
		return p2p.IdentityFromHex(string(b))
	}
	id, err := p2p.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id.PrivKey.Serialize())), 0o600); err != nil {
		return nil, fmt.Errorf("node: persist peer identity: %w", err)
	}
	return id, nil
}
