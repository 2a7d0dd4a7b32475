// Package broker is a reference relay broker. It accepts client sessions,
// keeps them across reconnects, and routes requests and messages between
// session handlers.
package broker

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/transport"
)

var errSessionGone = errors.New("broker: session closed")

// Config configures a Broker.
type Config struct {
	ListenAddr string
	AdminAddr  string
	TLS        session.TLSConfig

	Authenticator auth.Authenticator

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// RecoveryBufferSize bounds frames kept per session for replay.
	RecoveryBufferSize int
	MaxMessageSize     uint64
	// MaxReconnectionTimeout caps how long a disconnected session is kept.
	MaxReconnectionTimeout time.Duration
	ShutdownTimeout        time.Duration

	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":4100",
		Authenticator:          auth.AllowAll{},
		HandshakeTimeout:       5 * time.Second,
		WriteTimeout:           5 * time.Second,
		RecoveryBufferSize:     256,
		MaxMessageSize:         8 * 1024 * 1024,
		MaxReconnectionTimeout: 10 * time.Minute,
		ShutdownTimeout:        5 * time.Second,
	}
}

// pendingRoute remembers where a forwarded request came from.
type pendingRoute struct {
	origin     string
	originCorr uint64
	target     string
}

// peerAuth is the identity proven by the transport, if any.
type peerAuth struct {
	identity      string
	authenticated bool
}

type Broker struct {
	cfg     Config
	logger  zerolog.Logger
	limits  frame.Limits
	started time.Time

	mu       sync.RWMutex
	sessions map[string]*clientSession
	pending  map[uint64]pendingRoute
	closing  bool

	nextCorr atomic.Uint64

	idMu    sync.Mutex
	entropy io.Reader

	connsMu   sync.Mutex
	conns     map[net.Conn]struct{}
	listeners map[net.Listener]struct{}
}

func New(cfg Config) *Broker {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = def.Authenticator
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.RecoveryBufferSize < 0 {
		cfg.RecoveryBufferSize = 0
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxReconnectionTimeout <= 0 {
		cfg.MaxReconnectionTimeout = def.MaxReconnectionTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Broker{
		cfg:       cfg,
		logger:    logger.With().Str("component", "broker").Logger(),
		limits:    frame.LimitsForMessageSize(cfg.MaxMessageSize),
		started:   time.Now(),
		sessions:  make(map[string]*clientSession),
		pending:   make(map[uint64]pendingRoute),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		conns:     make(map[net.Conn]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}
}

// Listen opens the session listener, with TLS when configured.
func (b *Broker) Listen() (net.Listener, error) {
	if err := b.cfg.TLS.ValidateServer(); err != nil {
		return nil, err
	}
	if !b.cfg.TLS.Enabled {
		return net.Listen("tcp", b.cfg.ListenAddr)
	}
	tlsCfg, err := transport.ServerTLSConfig(b.cfg.TLS)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", b.cfg.ListenAddr, tlsCfg)
}

// ListenAndServe runs the session listener and, when AdminAddr is set, the
// admin API until ctx is done.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	ln, err := b.Listen()
	if err != nil {
		return err
	}
	b.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", b.cfg.TLS.Enabled).Msg("broker listening")

	var admin *http.Server
	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(b.cfg.AdminAddr); addr != "" {
		admin = &http.Server{Addr: addr, Handler: b.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			b.logger.Info().Str("addr", addr).Msg("broker admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- b.Serve(ctx, ln) }()

	var result *multierror.Error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			result = multierror.Append(result, err)
		}
	case err := <-adminErr:
		result = multierror.Append(result, fmt.Errorf("admin: %w", err))
	}

	if err := b.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if admin != nil {
		sctx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
		if err := admin.Shutdown(sctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("admin shutdown: %w", err))
		}
		cancel()
	}
	return result.ErrorOrNil()
}

// Serve accepts sessions on ln until ctx is done or Close is called.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	b.connsMu.Lock()
	b.listeners[ln] = struct{}{}
	b.connsMu.Unlock()
	defer func() {
		b.connsMu.Lock()
		delete(b.listeners, ln)
		b.connsMu.Unlock()
		_ = ln.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !b.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go b.handleConn(conn)
	}
}

// Close stops listeners, tells every connected session the broker is going
// away and drops all sessions.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	sessions := make([]*clientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*clientSession)
	b.pending = make(map[uint64]pendingRoute)
	b.mu.Unlock()

	var result *multierror.Error
	b.connsMu.Lock()
	for ln := range b.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	b.connsMu.Unlock()

	for _, s := range sessions {
		_ = s.send(closeNotice("broker shutting down"))
		if conn := s.shut(); conn != nil {
			_ = conn.Close()
		}
	}

	b.connsMu.Lock()
	for conn := range b.conns {
		_ = conn.Close()
		delete(b.conns, conn)
	}
	b.connsMu.Unlock()

	observability.SetBrokerSessions(0)
	b.logger.Info().Int("sessions", len(sessions)).Msg("broker closed")
	return result.ErrorOrNil()
}

// Sessions returns a snapshot of every live session.
func (b *Broker) Sessions() []SessionInfo {
	b.mu.RLock()
	all := make([]*clientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.mu.RUnlock()
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

func (b *Broker) Session(id string) (SessionInfo, bool) {
	s := b.lookup(id)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Disconnect drops the transport of a session without ending it, as a
// network failure would.
func (b *Broker) Disconnect(id string) bool {
	s := b.lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return false
	}
	_ = s.link.conn.Close()
	return true
}

func (b *Broker) lookup(id string) *clientSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

func (b *Broker) newSessionID() string {
	b.idMu.Lock()
	defer b.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

func (b *Broker) handleConn(conn net.Conn) {
	defer conn.Close()
	defer b.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	logger := b.logger.With().Str("remote", remote).Logger()

	peer, err := b.authenticateConn(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("broker.handleConn transport auth failed")
		return
	}

	_ = conn.SetDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		logger.Warn().Err(err).Msg("broker.handleConn invalid hello")
		_ = session.WriteAck(conn, rejectAck(session.AckCodeInvalidOpen, "invalid hello"))
		return
	}

	var s *clientSession
	var ack session.HandshakeAck
	var lastReceived uint64
	if hello.Open != nil {
		s, ack = b.open(*hello.Open, peer)
	} else {
		lastReceived = hello.Reconnect.LastReceived
		s, ack = b.reconnect(*hello.Reconnect)
	}
	if err := session.WriteAck(conn, ack); err != nil || !ack.Accepted() {
		logger.Warn().Err(err).Uint32("code", ack.Code).Str("reason", ack.Message).Msg("broker.handleConn handshake refused")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	logger = logger.With().Str("session_id", s.id).Logger()

	l := &link{conn: conn, remote: remote}
	replayed, err := s.attach(l, lastReceived)
	if err != nil {
		logger.Warn().Err(err).Msg("broker.handleConn attach failed")
		return
	}
	logger.Info().Bool("resumed", ack.Resumed).Int("replayed", replayed).Msg("broker session attached")
	defer func() {
		if s.detach(l, func() { b.closeSession(s, "reconnection timeout") }) {
			logger.Info().Msg("broker session detached")
		}
	}()

	for {
		f, err := frame.ReadFrame(reader, b.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("broker.handleConn read ended")
			}
			return
		}
		m, err := session.DecodeMessage(f)
		if err != nil {
			logger.Warn().Err(err).Msg("broker.handleConn dropped malformed message")
			continue
		}
		if !s.accept(m.Sequence) {
			observability.RecordBrokerRouted(m.Name(), "duplicate")
			continue
		}
		if !b.route(s, m) {
			return
		}
	}
}

func rejectAck(code uint32, msg string) session.HandshakeAck {
	return session.HandshakeAck{
		Status:      session.AckStatusRejected,
		Code:        code,
		Message:     msg,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func (b *Broker) open(req session.OpenRequest, peer peerAuth) (*clientSession, session.HandshakeAck) {
	if err := req.Validate(); err != nil {
		return nil, rejectAck(session.AckCodeInvalidOpen, err.Error())
	}
	principal := strings.TrimSpace(req.Principal)
	if peer.authenticated {
		if principal == "" {
			principal = peer.identity
		} else if principal != peer.identity {
			return nil, rejectAck(session.AckCodeAuthFailed, "identity binding failure")
		}
	}
	creds := auth.Credentials{Principal: principal, Kind: req.CredentialsKind, Secret: req.Credentials}
	if !peer.authenticated {
		if err := b.cfg.Authenticator.Authenticate(creds); err != nil {
			b.logger.Warn().Err(err).Str("principal", principal).Msg("broker.open authentication failed")
			return nil, rejectAck(session.AckCodeAuthFailed, "authentication failed")
		}
	}

	reconnect := time.Duration(-1)
	if req.ReconnectionTimeoutMS >= 0 {
		reconnect = min(time.Duration(req.ReconnectionTimeoutMS)*time.Millisecond, b.cfg.MaxReconnectionTimeout)
	}
	maxMessage := req.MaxMessageSize
	if maxMessage == 0 || maxMessage > b.cfg.MaxMessageSize {
		maxMessage = b.cfg.MaxMessageSize
	}
	s := &clientSession{
		id:               b.newSessionID(),
		token:            rand.Text(),
		principal:        principal,
		properties:       maps.Clone(req.Properties),
		opened:           time.Now(),
		limits:           frame.LimitsForMessageSize(maxMessage),
		maxMessage:       maxMessage,
		reconnectTimeout: reconnect,
		writeTimeout:     b.cfg.WriteTimeout,
		handlers:         make(map[string]handlerEntry),
		recovery:         session.NewRecoveryBuffer(b.cfg.RecoveryBufferSize),
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil, rejectAck(session.AckCodeShuttingDown, "broker shutting down")
	}
	b.sessions[s.id] = s
	n := len(b.sessions)
	b.mu.Unlock()
	observability.SetBrokerSessions(n)

	b.logger.Info().Str("session_id", s.id).Str("principal", principal).Dur("reconnect", reconnect).Msg("broker session opened")
	return s, session.HandshakeAck{
		Status:      session.AckStatusAccepted,
		SessionID:   s.id,
		Token:       s.token,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func (b *Broker) reconnect(req session.ReconnectRequest) (*clientSession, session.HandshakeAck) {
	if err := req.Validate(); err != nil {
		return nil, rejectAck(session.AckCodeInvalidOpen, err.Error())
	}
	b.mu.RLock()
	closing := b.closing
	s := b.sessions[req.SessionID]
	b.mu.RUnlock()
	if closing {
		return nil, rejectAck(session.AckCodeShuttingDown, "broker shutting down")
	}
	if s == nil {
		return nil, rejectAck(session.AckCodeUnknownSession, "unknown session")
	}
	if subtle.ConstantTimeCompare([]byte(s.token), []byte(req.Token)) != 1 {
		return nil, rejectAck(session.AckCodeAuthFailed, "bad session token")
	}
	return s, session.HandshakeAck{
		Status:       session.AckStatusAccepted,
		SessionID:    s.id,
		Token:        s.token,
		LastSequence: s.processed(),
		TimestampMS:  uint64(time.Now().UnixMilli()),
		Resumed:      true,
	}
}

// closeSession ends s for good and fails requests still waiting on it.
func (b *Broker) closeSession(s *clientSession, reason string) {
	b.mu.Lock()
	if b.sessions[s.id] != s {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.id)
	n := len(b.sessions)
	var orphaned []pendingRoute
	for id, p := range b.pending {
		switch {
		case p.target == s.id:
			orphaned = append(orphaned, p)
			delete(b.pending, id)
		case p.origin == s.id:
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	if conn := s.shut(); conn != nil {
		_ = conn.Close()
	}
	observability.SetBrokerSessions(n)
	b.logger.Info().Str("session_id", s.id).Str("reason", reason).Int("orphaned", len(orphaned)).Msg("broker session closed")

	for _, p := range orphaned {
		if origin := b.lookup(p.origin); origin != nil {
			b.reply(origin, errorResponse(p.originCorr, p.target, schema.CodeSessionClosed, "target session closed"))
		}
	}
}

// authenticateConn completes the TLS handshake and extracts the client
// certificate identity when one is presented.
func (b *Broker) authenticateConn(conn net.Conn) (peerAuth, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, nil
	}
	_ = tlsConn.SetDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if b.cfg.TLS.Mutual {
			return peerAuth{}, session.ErrMTLSRequired
		}
		return peerAuth{}, nil
	}
	id := peerIdentityFromCert(state.PeerCertificates[0])
	if id == "" {
		return peerAuth{}, fmt.Errorf("broker: empty peer identity from certificate")
	}
	return peerAuth{identity: id, authenticated: true}, nil
}

// peerIdentityFromCert prefers CN, then URI SAN, then DNS SAN.
func peerIdentityFromCert(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

func (b *Broker) trackConn(conn net.Conn) bool {
	b.mu.RLock()
	closing := b.closing
	b.mu.RUnlock()
	if closing {
		return false
	}
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	b.conns[conn] = struct{}{}
	return true
}

func (b *Broker) untrackConn(conn net.Conn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	delete(b.conns, conn)
}
