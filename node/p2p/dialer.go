package p2p

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultPort is used when a dial string or DNS A record omits a port.
const DefaultPort = 8080

// ParseEntrypoint splits a "tcp:host:port" dial string into its network and
// address parts.
func ParseEntrypoint(entrypoint string) (network, addr string, err error) {
	parts := strings.SplitN(entrypoint, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("p2p: malformed entrypoint %q", entrypoint)
	}
	return parts[0], parts[1], nil
}

// Dialer opens an outbound connection for a dial string, plaintext or TLS.
type Dialer interface {
	Dial(ctx context.Context, entrypoint string) (net.Conn, error)
}

// TCPDialer makes plaintext connections.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, entrypoint string) (net.Conn, error) {
	_, addr, err := ParseEntrypoint(entrypoint)
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// TLSDialer makes TLS connections. Identity is still carried by PEER-ID;
// the certificate is never used for authentication, so InsecureSkipVerify
// is intentional here, not an oversight.
type TLSDialer struct {
	Timeout time.Duration
}

func (d TLSDialer) Dial(ctx context.Context, entrypoint string) (net.Conn, error) {
	_, addr, err := ParseEntrypoint(entrypoint)
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: d.Timeout}
	// A fresh *tls.Config per dial: sharing one built at startup across
	// every outbound connection let a mutation on one connection's config
	// (session cache state) bleed into concurrent dials.
	cfg := &tls.Config{InsecureSkipVerify: true}
	tdialer := tls.Dialer{NetDialer: &nd, Config: cfg}
	return tdialer.DialContext(ctx, "tcp", addr)
}
