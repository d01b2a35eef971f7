package p2p

import (
	"context"
	"net"
	"testing"
	"time"
)

type recordingDialer struct {
	dialed chan string
}

func (d recordingDialer) Dial(ctx context.Context, entrypoint string) (net.Conn, error) {
	d.dialed <- entrypoint
	return nil, context.Canceled
}

func TestReconnectLoopTickDialsUnconnectedPeers(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store := NewPeerStore()
	store.Touch("peerA", "", "tcp:1.2.3.4:8080")

	mgr := NewManager(Config{App: "dagnode", Version: "1", Network: "devnet", Identity: id}, store, newFakeHandler(), nil)
	dialer := recordingDialer{dialed: make(chan string, 1)}
	loop := NewReconnectLoop(mgr, dialer, nil)

	loop.tick(context.Background())

	select {
	case ep := <-dialer.dialed:
		if ep != "tcp:1.2.3.4:8080" {
			t.Fatalf("dialed %q, want tcp:1.2.3.4:8080", ep)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected tick to dial the unconnected known peer")
	}
}

func TestReconnectLoopTickSkipsConnectedPeers(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store := NewPeerStore()
	store.Touch("peerA", "", "tcp:1.2.3.4:8080")

	mgr := NewManager(Config{App: "dagnode", Version: "1", Network: "devnet", Identity: id}, store, newFakeHandler(), nil)
	mgr.mu.Lock()
	mgr.connected["peerA"] = &Peer{RemotePeerID: "peerA"}
	mgr.mu.Unlock()

	dialer := recordingDialer{dialed: make(chan string, 1)}
	loop := NewReconnectLoop(mgr, dialer, nil)

	loop.tick(context.Background())

	select {
	case ep := <-dialer.dialed:
		t.Fatalf("expected no dial for an already-connected peer, got %q", ep)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectLoopTickSkipsPeersWithNoEntrypoints(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store := NewPeerStore()
	store.Touch("peerA", "", "")

	mgr := NewManager(Config{App: "dagnode", Version: "1", Network: "devnet", Identity: id}, store, newFakeHandler(), nil)
	dialer := recordingDialer{dialed: make(chan string, 1)}
	loop := NewReconnectLoop(mgr, dialer, nil)

	loop.tick(context.Background())

	select {
	case ep := <-dialer.dialed:
		t.Fatalf("expected no dial for a peer with no known entrypoints, got %q", ep)
	case <-time.After(100 * time.Millisecond):
	}
}
