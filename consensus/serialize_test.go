package consensus

import "testing"

func TestSerializeParseRoundTripTransaction(t *testing.T) {
	v := &Vertex{
		Kind:      KindTransaction,
		Version:   1,
		Timestamp: 12345,
		Weight:    12.5,
		Height:    7,
		Parents:   []Hash{{1}, {2}, {3}},
		Inputs: []Input{
			{PrevHash: Hash{9}, PrevIndex: 2, Script: []byte{0xDE, 0xAD}},
		},
		Outputs: []Output{
			{Value: 100, Script: []byte{0xBE, 0xEF}},
			{Value: 200, Script: nil},
		},
		Nonce: []byte{1, 2, 3, 4},
	}
	b, err := Serialize(v)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Parse(b, KindTransaction)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Version != v.Version || got.Timestamp != v.Timestamp || got.Weight != v.Weight || got.Height != v.Height {
		t.Fatalf("header mismatch: got %+v want %+v", got, v)
	}
	if len(got.Parents) != len(v.Parents) {
		t.Fatalf("parents length mismatch: got %d want %d", len(got.Parents), len(v.Parents))
	}
	for i := range v.Parents {
		if got.Parents[i] != v.Parents[i] {
			t.Fatalf("parent %d mismatch: got %x want %x", i, got.Parents[i], v.Parents[i])
		}
	}
	if len(got.Inputs) != 1 || got.Inputs[0].PrevIndex != 2 || string(got.Inputs[0].Script) != "\xde\xad" {
		t.Fatalf("input mismatch: %+v", got.Inputs)
	}
	if len(got.Outputs) != 2 || got.Outputs[0].Value != 100 || got.Outputs[1].Value != 200 {
		t.Fatalf("output mismatch: %+v", got.Outputs)
	}
	if string(got.Nonce) != string(v.Nonce) {
		t.Fatalf("nonce mismatch: got %x want %x", got.Nonce, v.Nonce)
	}
}

func TestParseRejectsTruncatedInput(t *testing.T) {
	v := &Vertex{Kind: KindBlock, Parents: []Hash{{1}, {2}}, Outputs: []Output{{Value: 1}}}
	b, err := Serialize(v)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := Parse(b[:len(b)-1], KindBlock); err == nil {
		t.Fatalf("expected error parsing truncated bytes")
	}
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	v := &Vertex{Kind: KindBlock, Parents: []Hash{{1}, {2}}, Outputs: []Output{{Value: 1}}}
	b, err := Serialize(v)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	b = append(b, 0xFF)
	if _, err := Parse(b, KindBlock); err == nil {
		t.Fatalf("expected error parsing bytes with trailing garbage")
	}
}

func TestSigningBytesStripsNonce(t *testing.T) {
	v := &Vertex{Kind: KindTransaction, Parents: []Hash{{1}, {2}}, Nonce: []byte{1, 2, 3}}
	withNonce, err := Serialize(v)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	signing, err := SigningBytes(v)
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if len(signing) >= len(withNonce) {
		t.Fatalf("signing bytes (%d) should be shorter than full serialization with a nonce (%d)", len(signing), len(withNonce))
	}
	v2 := *v
	v2.Nonce = []byte{9, 9, 9, 9, 9}
	signing2, err := SigningBytes(&v2)
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if string(signing) != string(signing2) {
		t.Fatalf("signing bytes should be independent of nonce contents")
	}
}
