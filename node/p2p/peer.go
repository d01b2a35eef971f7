package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Handler is implemented by the node to react to a peer's messages once it
// has entered READY (spec.md §4.6's message table). Each method corresponds
// to one opcode the handler is responsible for.
type Handler interface {
	OnReady(p *Peer)
	OnGetPeers(p *Peer) []PeerRecord
	OnPeers(p *Peer, records []PeerRecord)
	OnGetTips(p *Peer) TipsPayload
	OnTips(p *Peer, tips TipsPayload)
	OnGetBlocks(p *Peer, req BlocksRequest) []string
	OnBlocks(p *Peer, hashes []string)
	OnGetTransactions(p *Peer, req BlocksRequest) []string
	OnTransactions(p *Peer, hashes []string)
	OnGetData(p *Peer, hash string) (kind uint8, data []byte, ok bool)
	OnData(p *Peer, kind uint8, data []byte)
}

// Config bundles the fixed, connection-independent pieces a Peer needs.
type Config struct {
	App         string
	Version     string
	Network     string
	Identity    *Identity
	Entrypoints []string
	PingTimeout time.Duration
	IdleTimeout time.Duration
}

// Peer is one full-duplex connection, implementing the HELLO -> PEER-ID ->
// READY state machine of spec.md §4.6. ConnID is a locally-unique
// correlation id for logs, independent of the peer's own claimed PeerId.
type Peer struct {
	ConnID  string
	Conn    net.Conn
	Cfg     Config
	Inbound bool

	state State
	Ban   Score

	RemotePeerID    string
	RemoteEntryPts  []string
	lastPong        time.Time

	r *bufio.Reader
}

func NewPeer(conn net.Conn, inbound bool, cfg Config) *Peer {
	return &Peer{
		ConnID:  uuid.NewString(),
		Conn:    conn,
		Cfg:     cfg,
		Inbound: inbound,
		state:   StateHelloSent,
		r:       bufio.NewReader(conn),
	}
}

func (p *Peer) State() State { return p.state }

func (p *Peer) send(cmd string, payload interface{}) error {
	return WriteMessage(p.Conn, cmd, payload)
}

func (p *Peer) sendError(reason string) {
	_ = p.send(OpError, ErrorPayload{Reason: reason})
}

func (p *Peer) closeWith(reason string) error {
	p.sendError(reason)
	p.state = StateClosed
	_ = p.Conn.Close()
	return fmt.Errorf("p2p: connection closed: %s", reason)
}

// Run drives the connection: sends HELLO immediately, then dispatches every
// subsequent line according to the current State until ctx is canceled, the
// remote sends ERROR, a malformed line arrives, or the ban score crosses
// BanThreshold.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	if ctx != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Conn.Close()
			case <-done:
			}
		}()
		defer close(done)
	}

	if err := p.send(OpHello, HelloPayload{
		App:           p.Cfg.App,
		Version:       p.Cfg.Version,
		Network:       p.Cfg.Network,
		RemoteAddress: p.Conn.RemoteAddr().String(),
	}); err != nil {
		return err
	}

	for {
		if p.Cfg.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.Cfg.IdleTimeout))
		}
		msg, err := ReadMessage(p.r)
		if err != nil {
			if _, ok := err.(*ParseErrorLine); ok {
				return p.closeWith(err.Error())
			}
			return err
		}
		if err := p.dispatch(msg, h); err != nil {
			return err
		}
		if p.state == StateClosed {
			return nil
		}
		if p.Ban.ShouldBan(time.Now()) {
			return p.closeWith("ban score exceeded")
		}
	}
}

func (p *Peer) dispatch(msg *Message, h Handler) error {
	switch msg.Command {
	case OpHello:
		return p.handleHello(msg)
	case OpPeerID:
		return p.handlePeerID(msg, h)
	case OpError:
		var ep ErrorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		p.state = StateClosed
		_ = p.Conn.Close()
		return fmt.Errorf("p2p: remote error: %s", ep.Reason)
	default:
		if p.state != StateReady {
			return p.closeWith(fmt.Sprintf("message %s in state %s", msg.Command, p.state))
		}
		return p.dispatchReady(msg, h)
	}
}

func (p *Peer) handleHello(msg *Message) error {
	if p.state != StateHelloSent {
		return p.closeWith("unexpected HELLO")
	}
	var hp HelloPayload
	if err := json.Unmarshal(msg.Payload, &hp); err != nil {
		return p.closeWith("malformed HELLO")
	}
	if err := ValidateHello(hp, p.Cfg.Network); err != nil {
		return p.closeWith(err.Error())
	}
	peerID, err := p.Cfg.Identity.SignPeerID(p.Cfg.Entrypoints)
	if err != nil {
		return p.closeWith("local signing failure")
	}
	if err := p.send(OpPeerID, peerID); err != nil {
		return err
	}
	p.state = StatePeerIDSent
	return nil
}

func (p *Peer) handlePeerID(msg *Message, h Handler) error {
	if p.state != StatePeerIDSent {
		return p.closeWith("unexpected PEER-ID")
	}
	var pp PeerIDPayload
	if err := json.Unmarshal(msg.Payload, &pp); err != nil {
		return p.closeWith("malformed PEER-ID")
	}
	if err := VerifyPeerID(pp); err != nil {
		return p.closeWith(err.Error())
	}
	if pp.ID == p.Cfg.Identity.IDHex() {
		return p.closeWith("peer-id collision with self")
	}
	p.RemotePeerID = pp.ID
	p.RemoteEntryPts = pp.Entrypoints
	p.state = StateReady
	if h != nil {
		h.OnReady(p)
	}
	return nil
}

func (p *Peer) dispatchReady(msg *Message, h Handler) error {
	switch msg.Command {
	case OpGetPeers:
		return p.send(OpPeers, h.OnGetPeers(p))
	case OpPeers:
		var recs []PeerRecord
		if err := json.Unmarshal(msg.Payload, &recs); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		h.OnPeers(p, recs)
		return nil
	case OpGetTips:
		return p.send(OpTips, h.OnGetTips(p))
	case OpTips:
		var tips TipsPayload
		if err := json.Unmarshal(msg.Payload, &tips); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		h.OnTips(p, tips)
		return nil
	case OpGetBlocks:
		var req BlocksRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		return p.send(OpBlocks, HashesPayload{Hashes: h.OnGetBlocks(p, req)})
	case OpBlocks:
		var hp HashesPayload
		if err := json.Unmarshal(msg.Payload, &hp); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		h.OnBlocks(p, hp.Hashes)
		return nil
	case OpGetTransactions:
		var req BlocksRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		return p.send(OpTransactions, HashesPayload{Hashes: h.OnGetTransactions(p, req)})
	case OpTransactions:
		var hp HashesPayload
		if err := json.Unmarshal(msg.Payload, &hp); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		h.OnTransactions(p, hp.Hashes)
		return nil
	case OpGetData:
		var req DataRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		kind, data, ok := h.OnGetData(p, req.Hash)
		if !ok {
			return nil
		}
		return p.send(OpData, DataPayload{Hash: req.Hash, Bytes: data, Kind: kind})
	case OpData:
		var dp DataPayload
		if err := json.Unmarshal(msg.Payload, &dp); err != nil {
			p.Ban.Add(time.Now(), 10)
			return nil
		}
		h.OnData(p, dp.Kind, dp.Bytes)
		return nil
	case OpPing:
		var pp PingPayload
		_ = json.Unmarshal(msg.Payload, &pp)
		return p.send(OpPong, PongPayload{Timestamp: pp.Timestamp})
	case OpPong:
		p.lastPong = time.Now()
		return nil
	default:
		// Unknown opcode in READY: ignore, no demerit (forward compatibility).
		return nil
	}
}

// SendPing emits a liveness probe; the caller is responsible for enforcing
// PingTimeout by checking LastPong.
func (p *Peer) SendPing() error {
	return p.send(OpPing, PingPayload{Timestamp: time.Now().Unix()})
}

// The Send* methods below are the outbound half of the READY-state message
// table (spec.md §4.6): a Handler implementation calls these to drive the
// sync manager's pulls, since the read loop only answers GET-* requests
// addressed to us.

func (p *Peer) SendGetPeers() error { return p.send(OpGetPeers, struct{}{}) }

func (p *Peer) SendGetTips() error { return p.send(OpGetTips, struct{}{}) }

func (p *Peer) SendTips(t TipsPayload) error { return p.send(OpTips, t) }

func (p *Peer) SendGetBlocks(req BlocksRequest) error { return p.send(OpGetBlocks, req) }

func (p *Peer) SendGetTransactions(req BlocksRequest) error { return p.send(OpGetTransactions, req) }

func (p *Peer) SendGetData(hash string) error { return p.send(OpGetData, DataRequest{Hash: hash}) }

func (p *Peer) LastPong() time.Time { return p.lastPong }
