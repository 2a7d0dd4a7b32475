// Package transport owns the physical connection between a session and a
// broker: dialing (direct, TLS, HTTP CONNECT), the handshake hook and
// frame I/O.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/relayctl/internal/protocol/session"
)

var (
	ErrInvalidArgument   = errors.New("transport: invalid argument")
	ErrUnsupportedScheme = errors.New("transport: unsupported endpoint scheme")
	ErrMessageTooLarge   = errors.New("transport: message too large")
	ErrClosed            = errors.New("transport: channel closed")
	ErrFramesConsumed    = errors.New("transport: frame sequence already consumed")
	ErrProxyConnect      = errors.New("transport: proxy connect failed")
	ErrProxyAuthRequired = errors.New("transport: proxy authentication required")
)

var noDeadline time.Time

const (
	SchemeTCP = session.SchemePlain
	SchemeTLS = session.SchemeSecure

	DefaultConnectTimeout = 2 * time.Second
)

// Endpoint is a parsed broker URL such as tcp://host:4100 or tls://host:4443.
type Endpoint struct {
	Scheme  string
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty endpoint", ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeTCP, SchemeTLS:
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q missing host", ErrInvalidArgument, raw)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidArgument, raw, err)
	}
	return Endpoint{Scheme: scheme, Address: u.Host}, nil
}

// HandshakeFunc runs the session handshake on a freshly dialed connection.
// r must be kept for subsequent reads since it may already buffer frames.
type HandshakeFunc func(r *bufio.Reader, w io.Writer) error

// Options configure Connect.
type Options struct {
	ConnectTimeout time.Duration
	TLS            session.TLSConfig
	Proxy          *ProxyConfig
	MaxMessageSize uint64
	WriteTimeout   time.Duration
	Handshake      HandshakeFunc
	Logger         zerolog.Logger
}

// Connect dials endpoint, negotiates TLS when requested, runs the
// handshake and returns a ready Channel. The whole sequence is bounded by
// ConnectTimeout.
func Connect(ctx context.Context, endpoint Endpoint, opts Options) (*Channel, error) {
	secured, err := opts.TLS.ForEndpoint(endpoint.Scheme)
	if err != nil {
		return nil, err
	}
	opts.TLS = secured
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := opts.Logger.With().Str("endpoint", endpoint.String()).Logger()
	dialer := &net.Dialer{}

	var conn net.Conn
	if opts.Proxy != nil {
		logger.Debug().Str("proxy", opts.Proxy.Address).Msg("transport.Connect via proxy")
		conn, err = dialProxy(ctx, dialer, *opts.Proxy, endpoint.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", endpoint.Address)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("transport.Connect dial failed")
		return nil, err
	}

	if opts.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(opts.TLS, endpoint.Address)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			logger.Debug().Err(err).Msg("transport.Connect tls handshake failed")
			return nil, err
		}
		conn = tlsConn
	}

	reader := bufio.NewReader(conn)
	if opts.Handshake != nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		if err := opts.Handshake(reader, conn); err != nil {
			_ = conn.Close()
			logger.Debug().Err(err).Msg("transport.Connect handshake failed")
			return nil, err
		}
		_ = conn.SetDeadline(noDeadline)
	}

	logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("transport.Connect established")
	ch := NewChannel(conn, reader, opts.MaxMessageSize)
	ch.writeTimeout = opts.WriteTimeout
	return ch, nil
}

func clientTLSConfig(c session.TLSConfig, address string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		pool, err := LoadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds the listener side tls.Config for a broker.
func ServerTLSConfig(c session.TLSConfig) (*tls.Config, error) {
	if err := c.ValidateServer(); err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if c.Mutual {
		pool, err := LoadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func LoadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
