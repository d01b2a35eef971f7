package p2p

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// State is a connection's position in the handshake state machine named in
// spec.md §4.6: HELLO_SENT -> PEER_ID_SENT -> READY -> CLOSED. Both sides
// emit each phase's message immediately on entering the prior state; a
// transition advances when the matching reply is received and validated.
type State int

const (
	StateHelloSent State = iota
	StatePeerIDSent
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHelloSent:
		return "HELLO_SENT"
	case StatePeerIDSent:
		return "PEER_ID_SENT"
	case StateReady:
		return "READY"
	default:
		return "CLOSED"
	}
}

// Identity is a node's long-lived keypair, the basis of its 32-byte PeerId
// (spec.md §6: "PeerId: 32-byte identifier derived from a long-lived
// keypair").
type Identity struct {
	PrivKey *btcec.PrivateKey
}

func GenerateIdentity() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{PrivKey: priv}, nil
}

// IdentityFromHex reconstructs an Identity from a hex-encoded private key,
// the format persisted to --peer-id FILE (spec.md §6).
func IdentityFromHex(hexKey string) (*Identity, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("p2p: bad identity hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("p2p: identity key must be 32 bytes, got %d", len(b))
	}
	priv := btcec.PrivKeyFromBytes(b)
	return &Identity{PrivKey: priv}, nil
}

// ID is the 32-byte peer identifier: SHA-256 of the compressed public key.
func (id *Identity) ID() [32]byte {
	return sha256.Sum256(id.PrivKey.PubKey().SerializeCompressed())
}

func (id *Identity) IDHex() string {
	h := id.ID()
	return hex.EncodeToString(h[:])
}

func (id *Identity) PubKeyHex() string {
	return hex.EncodeToString(id.PrivKey.PubKey().SerializeCompressed())
}

// signingDigest is what PEER-ID's signature covers: the peer's own claimed
// id and its entrypoints, binding the signature to that identifier and
// address list so neither can be swapped without breaking it.
func signingDigest(idHex string, entrypoints []string) [32]byte {
	msg := idHex
	for _, e := range entrypoints {
		msg += "|" + e
	}
	return sha256.Sum256([]byte(msg))
}

// SignPeerID produces the PEER-ID payload for this identity.
func (id *Identity) SignPeerID(entrypoints []string) (PeerIDPayload, error) {
	idHex := id.IDHex()
	digest := signingDigest(idHex, entrypoints)
	sig := ecdsa.Sign(id.PrivKey, digest[:])
	return PeerIDPayload{
		ID:          idHex,
		Entrypoints: entrypoints,
		PubKey:      id.PubKeyHex(),
		Signature:   hex.EncodeToString(sig.Serialize()),
	}, nil
}

// VerifyPeerID checks that p's signature verifies under its own claimed
// pub_key, and that the pub_key actually hashes to the claimed id
// (spec.md §4.6: "Signature must verify").
func VerifyPeerID(p PeerIDPayload) error {
	pkBytes, err := hex.DecodeString(p.PubKey)
	if err != nil {
		return fmt.Errorf("p2p: peer-id: bad pub_key hex: %w", err)
	}
	pubKey, err := btcec.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("p2p: peer-id: bad pub_key: %w", err)
	}
	wantID := sha256.Sum256(pubKey.SerializeCompressed())
	if hex.EncodeToString(wantID[:]) != p.ID {
		return fmt.Errorf("p2p: peer-id: id does not match pub_key")
	}
	sigBytes, err := hex.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("p2p: peer-id: bad signature hex: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("p2p: peer-id: bad signature: %w", err)
	}
	digest := signingDigest(p.ID, p.Entrypoints)
	if !sig.Verify(digest[:], pubKey) {
		return fmt.Errorf("p2p: peer-id: signature does not verify")
	}
	return nil
}

// ValidateHello checks a received HELLO against our own network name
// (spec.md §4.6: "Network mismatch => ERROR+close").
func ValidateHello(h HelloPayload, ourNetwork string) error {
	if h.Network != ourNetwork {
		return fmt.Errorf("p2p: hello: network mismatch: got %q want %q", h.Network, ourNetwork)
	}
	return nil
}
