package p2p

import (
	"encoding/hex"
	"testing"
)

func TestGenerateIdentityProducesDistinctKeys(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if a.IDHex() == b.IDHex() {
		t.Fatalf("two generated identities produced the same id")
	}
}

func TestIdentityFromHexRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	hexKey := hex.EncodeToString(id.PrivKey.Serialize())
	restored, err := IdentityFromHex(hexKey)
	if err != nil {
		t.Fatalf("IdentityFromHex: %v", err)
	}
	if restored.IDHex() != id.IDHex() {
		t.Fatalf("restored id = %s, want %s", restored.IDHex(), id.IDHex())
	}
}

func TestIdentityFromHexRejectsWrongLength(t *testing.T) {
	if _, err := IdentityFromHex("abcd"); err == nil {
		t.Fatalf("expected error for a too-short identity key")
	}
}

func TestSignAndVerifyPeerIDRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	payload, err := id.SignPeerID([]string{"tcp:1.2.3.4:8080"})
	if err != nil {
		t.Fatalf("SignPeerID: %v", err)
	}
	if err := VerifyPeerID(payload); err != nil {
		t.Fatalf("VerifyPeerID: %v", err)
	}
}

func TestVerifyPeerIDRejectsTamperedEntrypoints(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	payload, err := id.SignPeerID([]string{"tcp:1.2.3.4:8080"})
	if err != nil {
		t.Fatalf("SignPeerID: %v", err)
	}
	payload.Entrypoints = []string{"tcp:9.9.9.9:1"}
	if err := VerifyPeerID(payload); err == nil {
		t.Fatalf("expected signature verification to fail after tampering with entrypoints")
	}
}

func TestVerifyPeerIDRejectsMismatchedID(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	payload, err := id.SignPeerID(nil)
	if err != nil {
		t.Fatalf("SignPeerID: %v", err)
	}
	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	payload.ID = other.IDHex()
	if err := VerifyPeerID(payload); err == nil {
		t.Fatalf("expected verification to fail when id does not match pub_key")
	}
}

func TestValidateHelloAcceptsMatchingNetwork(t *testing.T) {
	h := HelloPayload{App: "dagnode", Version: "1", Network: "devnet"}
	if err := ValidateHello(h, "devnet"); err != nil {
		t.Fatalf("ValidateHello: %v", err)
	}
}

func TestValidateHelloRejectsNetworkMismatch(t *testing.T) {
	h := HelloPayload{App: "dagnode", Version: "1", Network: "mainnet"}
	if err := ValidateHello(h, "devnet"); err == nil {
		t.Fatalf("expected a network mismatch error")
	}
}
