// Package quicconn carries multiplexer frames over one bidirectional QUIC
// stream per host.
package quicconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the chunk protocol during the TLS handshake.
	ALPNProtocol = "chunkget-mux-v1"

	defaultInitialConnWindow = 2 * 1024 * 1024
	minConnWindow            = 1 * 1024 * 1024
	maxConnWindow            = 1024 * 1024 * 1024
	minStreamWindow          = 1 * 1024 * 1024
	maxStreamWindow          = 256 * 1024 * 1024
)

// ServerTLSConfig returns a TLS configuration with a fresh self-signed
// certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig skips verification; chunk integrity is checked by hash.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// BuildConfig returns a QUIC config with receive windows clamped to sane
// bounds. Zero windows keep the defaults.
func BuildConfig(connWin, streamWin int) *quic.Config {
	if connWin <= 0 {
		connWin = 64 * 1024 * 1024
	}
	if streamWin <= 0 {
		streamWin = 16 * 1024 * 1024
	}
	conn := clamp(connWin, minConnWindow, maxConnWindow)
	stream := clamp(streamWin, minStreamWindow, maxStreamWindow)
	initial := min(defaultInitialConnWindow, conn)
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             16,
		InitialConnectionReceiveWindow: uint64(initial),
		MaxConnectionReceiveWindow:     uint64(conn),
		InitialStreamReceiveWindow:     uint64(stream),
		MaxStreamReceiveWindow:         uint64(stream),
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"chunkserv"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Stream is one QUIC stream together with the connection it owns.
type Stream struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close closes the stream and its connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stream.CancelRead(0)
		_ = s.stream.Close()
		err = s.conn.CloseWithError(0, "")
	})
	return err
}

// Dial connects to addr and opens the stream frames travel on.
func Dial(ctx context.Context, addr string, cfg *quic.Config, logger *slog.Logger) (io.ReadWriteCloser, error) {
	if cfg == nil {
		cfg = BuildConfig(0, 0)
	}
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	if logger != nil {
		logger.Debug("QUIC connection established", "remote_addr", conn.RemoteAddr())
	}
	return &Stream{conn: conn, stream: stream}, nil
}

// Listener accepts QUIC connections and yields their first stream.
type Listener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// Listen binds a UDP address for QUIC.
func Listen(addr string, cfg *quic.Config, logger *slog.Logger) (*Listener, error) {
	if cfg == nil {
		cfg = BuildConfig(0, 0)
	}
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for a connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept quic stream: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &Stream{conn: conn, stream: stream}, nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
