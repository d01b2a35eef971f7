package consensus

// Genesis constants, carried over verbatim from the DAG this protocol is
// modeled on (original_source/hathor/transaction/genesis.py): one genesis
// block and two genesis transactions, fixed hash/nonce/timestamp, present in
// every node's storage at init (spec.md §3 I2, §6 "Genesis").
const (
	GenesisTokens        = 200_000_000_000 // 2B tokens, two implied decimal places
	MinBlockWeight       = 10
	MinTransactionWeight = 1
)

var (
	genesisBlockHash = mustHashHex("0002ed2460bcdcd804b2fe04ec92e53447efe393b11432d4d1cf68bc05606b67")
	genesisTx1Hash   = mustHashHex("00012a1df41aaf1dda05942c522ff4f56fdca5160193e0111ef84e474d294603")
	genesisTx2Hash   = mustHashHex("00002dd4f867bfb1cba75c6073469bf76faa3aff24cf80fb006ed848ec771373")

	// P2PKH script paying the fixed genesis address (hash160
	// fd05059b6006249543b82f36876a17c73fd2267b).
	genesisOutputScript = mustHex("76a914fd05059b6006249543b82f36876a17c73fd2267b88ac")
)

func mustHashHex(s string) Hash {
	b := mustHex(s)
	var h Hash
	copy(h[:], b)
	return h
}

func mustHex(s string) []byte {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

// GenesisBlock returns the hard-coded genesis block. It has no parents and
// bypasses the normal structural checks (spec.md §4.3 step 6).
func GenesisBlock() *Vertex {
	return &Vertex{
		Kind:      KindBlock,
		Version:   1,
		Timestamp: 1539271481,
		Weight:    MinBlockWeight,
		Height:    1,
		Nonce:     encodeGenesisNonce(4854),
		Outputs: []Output{
			{Value: GenesisTokens, Script: append([]byte(nil), genesisOutputScript...)},
		},
	}
}

// GenesisTransactions returns the two hard-coded genesis transactions, in
// their fixed order (tx1 then tx2). Neither has parents or inputs/outputs.
func GenesisTransactions() [2]*Vertex {
	return [2]*Vertex{
		{
			Kind:      KindTransaction,
			Version:   1,
			Timestamp: 1539271482,
			Weight:    MinTransactionWeight,
			Height:    1,
			Nonce:     encodeGenesisNonce(3325),
		},
		{
			Kind:      KindTransaction,
			Version:   1,
			Timestamp: 1539271483,
			Weight:    MinTransactionWeight,
			Height:    1,
			Nonce:     encodeGenesisNonce(30489),
		},
	}
}

func encodeGenesisNonce(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// IsGenesisHash reports whether h is one of the three hard-coded genesis
// vertex hashes.
func IsGenesisHash(h Hash) bool {
	return h == genesisBlockHash || h == genesisTx1Hash || h == genesisTx2Hash
}

// GenesisHashes returns the three fixed genesis hashes in block, tx1, tx2 order.
func GenesisHashes() (block, tx1, tx2 Hash) {
	return genesisBlockHash, genesisTx1Hash, genesisTx2Hash
}
