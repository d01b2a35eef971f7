// Package p2p implements the peer connection state machine (C6), the sync
// manager's wire-level primitives, and peer lifecycle management (C8) named
// in spec.md §4.6–4.8.
package p2p

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Opcodes, spec.md §4.6's message table.
const (
	OpHello            = "HELLO"
	OpPeerID           = "PEER-ID"
	OpGetPeers         = "GET-PEERS"
	OpPeers            = "PEERS"
	OpGetTips          = "GET-TIPS"
	OpTips             = "TIPS"
	OpGetBlocks        = "GET-BLOCKS"
	OpBlocks           = "BLOCKS"
	OpGetTransactions  = "GET-TRANSACTIONS"
	OpTransactions     = "TRANSACTIONS"
	OpGetData          = "GET-DATA"
	OpData             = "DATA"
	OpPing             = "PING"
	OpPong             = "PONG"
	OpError            = "ERROR"
)

// MaxLineLength bounds a single framed message; anything longer is treated
// as malformed (spec.md §6: "Maximum line length: 65 KB").
const MaxLineLength = 65 * 1024

// Message is one newline-framed line: `CMD[SP]payload\r\n`, payload JSON.
type Message struct {
	Command string
	Payload json.RawMessage
}

// HelloPayload is the HELLO message body.
type HelloPayload struct {
	App           string `json:"app"`
	Version       string `json:"version"`
	Network       string `json:"network"`
	RemoteAddress string `json:"remote_address"`
}

// PeerIDPayload is the PEER-ID message body.
type PeerIDPayload struct {
	ID          string   `json:"id"`
	Entrypoints []string `json:"entrypoints"`
	PubKey      string   `json:"pub_key"`
	Signature   string   `json:"signature"`
}

// PeerRecord is one entry in a GET-PEERS/PEERS exchange.
type PeerRecord struct {
	ID          string   `json:"id"`
	Entrypoints []string `json:"entrypoints"`
	LastSeen    int64    `json:"last_seen"`
}

// TipsPayload is the GET-TIPS/TIPS message body.
type TipsPayload struct {
	BlockTips  []string `json:"block_tips"`
	TxTips     []string `json:"tx_tips"`
	BestHeight uint16   `json:"best_height"`
}

// BlocksRequest is the GET-BLOCKS/GET-TRANSACTIONS request body.
type BlocksRequest struct {
	From  string `json:"from"`
	Count int    `json:"count"`
}

// HashesPayload is the BLOCKS/TRANSACTIONS response body: hashes only.
type HashesPayload struct {
	Hashes []string `json:"hashes"`
}

// DataRequest is the GET-DATA request body.
type DataRequest struct {
	Hash string `json:"hash"`
}

// DataPayload is the DATA response body: a serialized vertex.
type DataPayload struct {
	Hash  string `json:"hash"`
	Bytes []byte `json:"bytes"`
	Kind  uint8  `json:"kind"`
}

// PingPayload / PongPayload carry a liveness timestamp.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the ERROR message body, always followed by connection
// close (spec.md §4.6).
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// Encode marshals cmd+payload into one framed line, `CMD payload\r\n`.
func Encode(cmd string, payload interface{}) ([]byte, error) {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("p2p: encode %s: %w", cmd, err)
		}
	} else {
		body = []byte("{}")
	}
	line := cmd + " " + string(body) + "\r\n"
	if len(line) > MaxLineLength {
		return nil, fmt.Errorf("p2p: encoded %s exceeds max line length", cmd)
	}
	return []byte(line), nil
}

// WriteMessage writes one framed line to w.
func WriteMessage(w io.Writer, cmd string, payload interface{}) error {
	b, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads and parses the next framed line from r. A line with no
// space separator is read as a command with an empty-object payload. A
// malformed line (empty command, oversized, bad JSON) is reported as a
// *ParseErrorLine, fatal to the connection per spec.md §7 but not the node.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > MaxLineLength {
		return nil, &ParseErrorLine{Reason: "line too long"}
	}
	line = strings.TrimRight(line, "\r\n")
	sp := strings.IndexByte(line, ' ')
	var cmd, body string
	if sp < 0 {
		cmd, body = line, "{}"
	} else {
		cmd, body = line[:sp], line[sp+1:]
	}
	if cmd == "" {
		return nil, &ParseErrorLine{Reason: "empty command"}
	}
	if !json.Valid([]byte(body)) {
		return nil, &ParseErrorLine{Reason: "invalid JSON payload for " + cmd}
	}
	return &Message{Command: cmd, Payload: json.RawMessage(body)}, nil
}

// ParseErrorLine wraps a malformed wire line.
type ParseErrorLine struct {
	Reason string
}

func (e *ParseErrorLine) Error() string { return "p2p: malformed line: " + e.Reason }
