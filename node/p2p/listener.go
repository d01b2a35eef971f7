package p2p

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Listener accepts inbound connections, plaintext or TLS, and hands each to
// a callback for handshake and dispatch (spec.md §4.8: "binds per provided
// dial description; plaintext or TLS").
type Listener struct {
	ln net.Listener
}

// ListenPlain binds a plaintext TCP listener.
func ListenPlain(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// ListenTLS binds a TLS listener using an ephemeral self-signed certificate
// generated at startup (spec.md §4.8: "server generates an ephemeral
// self-signed certificate at startup; TLS is used only for transport
// encryption — identity is still PEER-ID").
//
// Each accepted connection is handed a freshly-cloned *tls.Config rather
// than the one shared listener config: the teacher's listener and dialer
// both captured a single *tls.Config built once at process start and reused
// it for every connection, so per-connection session-cache mutations on one
// socket were visible to concurrent handshakes on others. Config.Clone()
// per Accept keeps the certificate but isolates per-connection state.
func ListenTLS(addr string) (*Listener, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	base := &tls.Config{Certificates: []tls.Certificate{cert}}
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: listen %s: %w", addr, err)
	}
	return &Listener{ln: &perAcceptListener{Listener: raw, base: base}}, nil
}

// perAcceptListener takes the place of tls.NewListener: its Accept wraps
// each raw connection in tls.Server with a config cloned fresh for that
// connection, rather than the one shared config tls.NewListener reuses.
type perAcceptListener struct {
	net.Listener
	base *tls.Config
}

func (l *perAcceptListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return tls.Server(conn, l.base.Clone()), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is canceled or the listener closes,
// invoking handle for each. handle is expected to run the full handshake
// and message loop and block until the connection ends.
func (l *Listener) Serve(ctx context.Context, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handle(conn)
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("p2p: generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("p2p: generate tls serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "dagnode"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("p2p: create tls cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
