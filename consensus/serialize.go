package consensus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire layout (spec/RUBIN-DAG wire format, big-endian, length-prefixed):
//
//	u16 version | u64 timestamp | f64 weight | u16 height
//	u8  num_parents | num_parents x 32-byte hash
//	u16 num_inputs  | inputs...
//	u16 num_outputs | outputs...
//	u16 nonce_len   | nonce bytes
//
// Input:  32-byte prev_hash | u8 prev_index | u16 script_len | script
// Output: u64 value | u16 script_len | script
//
// Kind is not on the wire: callers that parse a standalone vertex pass the
// expected Kind to Parse; the DAG layer always knows which it expects from
// the P2P message that carried the bytes.

const (
	maxParents = 255
	maxFields  = 65535
	maxScript  = 65535
	maxNonce   = 65535
)

// Serialize returns the canonical byte string used for hashing
// and PoW verification of an already-mined vertex: header + parents + inputs
// + outputs + nonce, exactly as it appears on the wire. This is the "mining
// bytes" form named in spec.md §4.1 — nonce is included since it is part of
// the proof-of-work input.
func Serialize(v *Vertex) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("consensus: nil vertex")
	}
	if len(v.Parents) > maxParents {
		return nil, fmt.Errorf("consensus: too many parents (%d)", len(v.Parents))
	}
	if len(v.Inputs) > maxFields || len(v.Outputs) > maxFields {
		return nil, fmt.Errorf("consensus: too many inputs/outputs")
	}
	if len(v.Nonce) > maxNonce {
		return nil, fmt.Errorf("consensus: nonce too long")
	}

	buf := make([]byte, 0, 64+32*len(v.Parents))

	var tmp2 [2]byte
	var tmp8 [8]byte

	binary.BigEndian.PutUint16(tmp2[:], v.Version)
	buf = append(buf, tmp2[:]...)

	binary.BigEndian.PutUint64(tmp8[:], v.Timestamp)
	buf = append(buf, tmp8[:]...)

	binary.BigEndian.PutUint64(tmp8[:], math.Float64bits(v.Weight))
	buf = append(buf, tmp8[:]...)

	binary.BigEndian.PutUint16(tmp2[:], v.Height)
	buf = append(buf, tmp2[:]...)

	buf = append(buf, byte(len(v.Parents)))
	for _, p := range v.Parents {
		buf = append(buf, p[:]...)
	}

	binary.BigEndian.PutUint16(tmp2[:], uint16(len(v.Inputs)))
	buf = append(buf, tmp2[:]...)
	for _, in := range v.Inputs {
		if len(in.Script) > maxScript {
			return nil, fmt.Errorf("consensus: input script too long")
		}
		buf = append(buf, in.PrevHash[:]...)
		buf = append(buf, in.PrevIndex)
		binary.BigEndian.PutUint16(tmp2[:], uint16(len(in.Script)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, in.Script...)
	}

	binary.BigEndian.PutUint16(tmp2[:], uint16(len(v.Outputs)))
	buf = append(buf, tmp2[:]...)
	for _, out := range v.Outputs {
		if len(out.Script) > maxScript {
			return nil, fmt.Errorf("consensus: output script too long")
		}
		binary.BigEndian.PutUint64(tmp8[:], out.Value)
		buf = append(buf, tmp8[:]...)
		binary.BigEndian.PutUint16(tmp2[:], uint16(len(out.Script)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, out.Script...)
	}

	binary.BigEndian.PutUint16(tmp2[:], uint16(len(v.Nonce)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, v.Nonce...)

	return buf, nil
}

// SigningBytes is the byte string used to compute a transaction's signature
// hash: identical to the mining bytes but with the nonce field truncated to
// zero length and every input's unlocking script emptied. Scripts sign over
// everything except the PoW input and the unlocking scripts that carry the
// signatures, so a vertex can be re-nonced without invalidating its
// signatures.
func SigningBytes(v *Vertex) ([]byte, error) {
	stripped := *v
	stripped.Nonce = nil
	stripped.Inputs = make([]Input, len(v.Inputs))
	for i, in := range v.Inputs {
		stripped.Inputs[i] = Input{PrevHash: in.PrevHash, PrevIndex: in.PrevIndex}
	}
	return Serialize(&stripped)
}

// Parse decodes a vertex from its canonical wire bytes. Kind must be known by
// the caller (it is carried out-of-band by the P2P opcode or storage key).
func Parse(b []byte, kind Kind) (*Vertex, error) {
	off := 0
	read := func(n int) ([]byte, error) {
		if off+n > len(b) {
			return nil, fmt.Errorf("consensus: parse: truncated at offset %d (need %d, have %d)", off, n, len(b)-off)
		}
		out := b[off : off+n]
		off += n
		return out, nil
	}

	v := &Vertex{Kind: kind}

	hdr, err := read(2 + 8 + 8 + 2)
	if err != nil {
		return nil, err
	}
	v.Version = binary.BigEndian.Uint16(hdr[0:2])
	v.Timestamp = binary.BigEndian.Uint64(hdr[2:10])
	v.Weight = math.Float64frombits(binary.BigEndian.Uint64(hdr[10:18]))
	v.Height = binary.BigEndian.Uint16(hdr[18:20])

	npB, err := read(1)
	if err != nil {
		return nil, err
	}
	numParents := int(npB[0])
	v.Parents = make([]Hash, numParents)
	for i := 0; i < numParents; i++ {
		ph, err := read(32)
		if err != nil {
			return nil, err
		}
		copy(v.Parents[i][:], ph)
	}

	niB, err := read(2)
	if err != nil {
		return nil, err
	}
	numInputs := int(binary.BigEndian.Uint16(niB))
	v.Inputs = make([]Input, numInputs)
	for i := 0; i < numInputs; i++ {
		prevHash, err := read(32)
		if err != nil {
			return nil, err
		}
		prevIdxB, err := read(1)
		if err != nil {
			return nil, err
		}
		slB, err := read(2)
		if err != nil {
			return nil, err
		}
		scriptLen := int(binary.BigEndian.Uint16(slB))
		script, err := read(scriptLen)
		if err != nil {
			return nil, err
		}
		var in Input
		copy(in.PrevHash[:], prevHash)
		in.PrevIndex = prevIdxB[0]
		in.Script = append([]byte(nil), script...)
		v.Inputs[i] = in
	}

	noB, err := read(2)
	if err != nil {
		return nil, err
	}
	numOutputs := int(binary.BigEndian.Uint16(noB))
	v.Outputs = make([]Output, numOutputs)
	for i := 0; i < numOutputs; i++ {
		valB, err := read(8)
		if err != nil {
			return nil, err
		}
		slB, err := read(2)
		if err != nil {
			return nil, err
		}
		scriptLen := int(binary.BigEndian.Uint16(slB))
		script, err := read(scriptLen)
		if err != nil {
			return nil, err
		}
		v.Outputs[i] = Output{
			Value:  binary.BigEndian.Uint64(valB),
			Script: append([]byte(nil), script...),
		}
	}

	nlB, err := read(2)
	if err != nil {
		return nil, err
	}
	nonceLen := int(binary.BigEndian.Uint16(nlB))
	nonce, err := read(nonceLen)
	if err != nil {
		return nil, err
	}
	v.Nonce = append([]byte(nil), nonce...)

	if off != len(b) {
		return nil, fmt.Errorf("consensus: parse: %d trailing bytes", len(b)-off)
	}
	return v, nil
}
