package consensus

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// P2PKH locking/unlocking scripts. This is the "P2PKH at minimum" baseline
// script evaluator named in spec.md §4.3 step 4 — one fixed script shape
// rather than a general scripting VM, grounded on the genesis output script
// (76a914<hash160>88ac) carried over from original_source/genesis.py.
const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
)

// BuildP2PKHScript returns OP_DUP OP_HASH160 <hash160> OP_EQUALVERIFY OP_CHECKSIG.
func BuildP2PKHScript(hash160 []byte) ([]byte, error) {
	if len(hash160) != 20 {
		return nil, verr(ErrBadScript, "hash160 must be 20 bytes")
	}
	out := make([]byte, 0, 25)
	out = append(out, opDup, opHash160, byte(len(hash160)))
	out = append(out, hash160...)
	out = append(out, opEqualVerify, opCheckSig)
	return out, nil
}

// ParseP2PKHScript extracts the hash160 from a locking script built by
// BuildP2PKHScript, or fails with BadScript.
func ParseP2PKHScript(script []byte) ([]byte, error) {
	if len(script) != 25 || script[0] != opDup || script[1] != opHash160 ||
		script[2] != 20 || script[23] != opEqualVerify || script[24] != opCheckSig {
		return nil, verr(ErrBadScript, "not a recognized P2PKH script")
	}
	return append([]byte(nil), script[3:23]...), nil
}

// BuildUnlockScript is the unlocking script counterpart: a DER signature
// followed by the compressed public key, each length-prefixed with a single
// byte (mirroring how the teacher's consensus/spend_verify.go lays out a
// scriptSig, simplified since this network has no general script language).
func BuildUnlockScript(sig []byte, pubKey []byte) []byte {
	out := make([]byte, 0, 1+len(sig)+1+len(pubKey))
	out = append(out, byte(len(sig)))
	out = append(out, sig...)
	out = append(out, byte(len(pubKey)))
	out = append(out, pubKey...)
	return out
}

func parseUnlockScript(script []byte) (sig, pubKey []byte, err error) {
	if len(script) < 2 {
		return nil, nil, verr(ErrBadScript, "unlock script too short")
	}
	sigLen := int(script[0])
	if len(script) < 1+sigLen+1 {
		return nil, nil, verr(ErrBadScript, "unlock script truncated (sig)")
	}
	sig = script[1 : 1+sigLen]
	rest := script[1+sigLen:]
	pkLen := int(rest[0])
	if len(rest) < 1+pkLen {
		return nil, nil, verr(ErrBadScript, "unlock script truncated (pubkey)")
	}
	pubKey = rest[1 : 1+pkLen]
	if len(rest) != 1+pkLen {
		return nil, nil, verr(ErrBadScript, "unlock script has trailing bytes")
	}
	return sig, pubKey, nil
}

// VerifyP2PKH checks that unlockScript unlocks lockScript: the unlock
// script's pubkey hashes to the locking script's hash160, and its signature
// verifies over sighash under that pubkey.
func VerifyP2PKH(lockScript []byte, unlockScript []byte, sighash Hash) error {
	wantHash160, err := ParseP2PKHScript(lockScript)
	if err != nil {
		return err
	}
	sigDER, pubKeyBytes, err := parseUnlockScript(unlockScript)
	if err != nil {
		return err
	}
	gotHash160 := Hash160(pubKeyBytes)
	if !bytes.Equal(gotHash160, wantHash160) {
		return verr(ErrBadScript, "pubkey does not match locking script hash160")
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return verr(ErrBadSignature, "malformed pubkey: "+err.Error())
	}
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return verr(ErrBadSignature, "malformed signature: "+err.Error())
	}
	if !sig.Verify(sighash[:], pubKey) {
		return verr(ErrBadSignature, "signature does not verify")
	}
	return nil
}

// Sighash is the digest a P2PKH signature is computed over: double-SHA256 of
// the signing bytes (serialized vertex with nonce and input scripts
// stripped) together with
// the index of the input being signed, so one signature cannot be replayed
// against a different input of the same transaction.
func Sighash(v *Vertex, inputIndex int) (Hash, error) {
	sb, err := SigningBytes(v)
	if err != nil {
		return Hash{}, err
	}
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(inputIndex))
	return doubleSHA256(append(sb, idx[:]...)), nil
}
