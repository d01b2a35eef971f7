package consensus

import (
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // ripemd160 is required for P2PKH hash160, not a choice of ours
)

// Hash160 returns RIPEMD160(SHA256(b)), the digest P2PKH addresses and
// locking scripts are built from (grounded on golang.org/x/crypto, part of
// the teacher's go.mod).
func Hash160(b []byte) []byte {
	sha := doubleSHA256Single(b)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

func doubleSHA256Single(b []byte) [32]byte {
	// Single SHA-256, named distinctly from doubleSHA256 (hash.go) which
	// hashes twice; Hash160 only needs one SHA-256 pass before RIPEMD160.
	h := sha256Sum(b)
	return h
}

const addressVersionByte = 0x00

// EncodeAddress Base58Check-encodes a 20-byte hash160 into a miner/wallet
// address string (github.com/mr-tron/base58, grounded on orbas1-Synnergy).
func EncodeAddress(hash160 []byte) string {
	payload := make([]byte, 0, 1+len(hash160)+4)
	payload = append(payload, addressVersionByte)
	payload = append(payload, hash160...)
	checksum := doubleSHA256(payload)
	payload = append(payload, checksum[:4]...)
	return base58.Encode(payload)
}

// DecodeAddress reverses EncodeAddress, validating the checksum.
func DecodeAddress(addr string) ([]byte, error) {
	payload, err := base58.Decode(addr)
	if err != nil {
		return nil, parseErr("address: bad base58: " + err.Error())
	}
	if len(payload) != 1+20+4 {
		return nil, parseErr("address: wrong length")
	}
	body := payload[:1+20]
	checksum := doubleSHA256(body)
	for i := 0; i < 4; i++ {
		if payload[1+20+i] != checksum[i] {
			return nil, parseErr("address: bad checksum")
		}
	}
	if body[0] != addressVersionByte {
		return nil, parseErr("address: unsupported version byte")
	}
	return body[1:], nil
}
