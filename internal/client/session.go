package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
	"github.com/danmuck/relayctl/internal/transport"
)

// State is the lifecycle position of a Session.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// StateListener observes state transitions. cause is set when the
// transition was forced by an error.
type StateListener func(from, to State, cause error)

type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// Session is a client's logical connection to a broker. It survives
// transport failures while reconnection is enabled and exposes messaging
// operations that are safe for concurrent use.
type Session struct {
	endpoint transport.Endpoint
	cfg      SessionConfiguration
	limits   frame.Limits
	logger   zerolog.Logger

	dispatch *dispatcher
	corr     *correlator
	registry *registry
	queue    *session.OutboundQueue
	recovery *session.RecoveryBuffer

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	sessionID string
	token     string
	channel   *transport.Channel
	listeners []StateListener
	unsent    []session.OutboundMessage

	// owned by the run goroutine
	nextSeq uint64

	lastReceived atomic.Uint64

	acksMu sync.Mutex
	acks   map[uint64]chan error
}

// Open validates cfg and starts connecting to url in the background. The
// returned session starts in StateConnecting; use Dial to wait for the
// connection.
func Open(url string, cfg Config, opts ...Option) (*Session, error) {
	endpoint, err := transport.ParseEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	frozen, err := cfg.Freeze()
	if err != nil {
		return nil, err
	}
	if _, err := frozen.tls.ForEndpoint(endpoint.Scheme); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	s := newSession(endpoint, frozen, opts...)
	go s.run()
	return s, nil
}

// Dial opens a session and blocks until it is connected, closed, or ctx is
// done.
func Dial(ctx context.Context, url string, cfg Config, opts ...Option) (*Session, error) {
	s, err := Open(url, cfg, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	if s.State() == StateClosed {
		return nil, s.Err()
	}
	return s, nil
}

func newSession(endpoint transport.Endpoint, cfg SessionConfiguration, opts ...Option) *Session {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logger.With().Str("component", "client").Str("endpoint", endpoint.String()).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		endpoint: endpoint,
		cfg:      cfg,
		limits:   frame.LimitsForMessageSize(cfg.maximumMessageSize),
		logger:   logger,
		dispatch: newDispatcher(logger),
		registry: newRegistry(),
		queue:    session.NewOutboundQueue(cfg.maximumQueueSize),
		recovery: session.NewRecoveryBuffer(cfg.recoveryBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateConnecting,
		acks:     make(map[uint64]chan error),
	}
	s.corr = newCorrelator(s.dispatch.submit)
	observability.RecordSessionState(StateConnecting.String())
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID is the broker-assigned session id, empty until the first handshake
// completes.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Configuration() SessionConfiguration { return s.cfg }

// Err reports why the session closed. It is nil while the session is open
// and after a caller-initiated Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is closed and its teardown finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// OutstandingRequests is the number of requests awaiting resolution.
func (s *Session) OutstandingRequests() int { return s.corr.outstanding() }

// QueueLength is the number of messages waiting for transmission.
func (s *Session) QueueLength() int { return s.queue.Len() }

// AddStateListener registers l for every later transition. Listeners run
// on the session's callback goroutine.
func (s *Session) AddStateListener(l StateListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Close closes the session. Outstanding requests end with
// ErrSessionClosed and queued messages are discarded. It is idempotent and
// returns once teardown finished.
func (s *Session) Close() {
	s.closeWith(nil)
	<-s.done
}

// AwaitCallbacks blocks until every callback queued before the session
// closed has run.
func (s *Session) AwaitCallbacks(ctx context.Context) error {
	select {
	case <-s.dispatch.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closeWith(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	s.err = cause
	ch := s.channel
	s.channel = nil
	unsent := s.unsent
	s.unsent = nil
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		if cause == nil {
			s.sendClose(ch)
		}
		_ = ch.Close()
	}

	s.corr.cancelAll(ErrSessionClosed)
	for _, m := range append(unsent, s.queue.Drain()...) {
		complete(m, ErrSessionClosed)
	}
	s.registry.drain()
	s.failAcks(ErrSessionClosed)

	evt := s.logger.Info()
	if cause != nil {
		evt = s.logger.Warn().Err(cause)
	}
	evt.Str("session_id", s.ID()).Msg("client.Session closed")

	s.mu.Lock()
	s.notifyLocked(from, StateClosed, cause)
	s.mu.Unlock()
	s.dispatch.close()
	s.readyOnce.Do(func() { close(s.ready) })
	close(s.done)
}

func (s *Session) sendClose(ch *transport.Channel) {
	raw, err := session.EncodeMessage(session.NewMessage(schema.MsgClose), s.limits)
	if err != nil {
		return
	}
	if err := ch.Send(raw); err != nil {
		s.logger.Debug().Err(err).Msg("client.Session close notice not delivered")
	}
}

// setState moves to a non-closed state. It reports false once the session
// is closed.
func (s *Session) setState(to State, cause error) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	from := s.state
	if from != to {
		s.state = to
		s.notifyLocked(from, to, cause)
	}
	s.mu.Unlock()
	if to == StateConnected {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	return true
}

// notifyLocked queues listener calls; s.mu keeps transitions ordered.
func (s *Session) notifyLocked(from, to State, cause error) {
	observability.RecordSessionState(to.String())
	s.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		AnErr("cause", cause).
		Msg("client.Session state")
	for _, l := range s.listeners {
		s.dispatch.submit(func() { l(from, to, cause) })
	}
}

func (s *Session) isClosed() bool {
	return s.State() == StateClosed
}

// run owns the connection for the whole session lifetime.
func (s *Session) run() {
	ch, ack, err := s.connect()
	for {
		if err != nil {
			if s.isClosed() {
				return
			}
			if _, enabled := s.cfg.ReconnectionTimeout(); !enabled || isRejection(err) {
				s.closeWith(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
				return
			}
			ch, ack, err = s.recover(err)
			if err != nil {
				// A rejected reconnect can wrap ErrSessionClosed too; only
				// the state says whether Close already ran.
				if !s.isClosed() {
					s.closeWith(err)
				}
				return
			}
		}
		if err = s.resume(ch, ack); err != nil {
			_ = ch.Close()
			continue
		}
		err = s.serve(ch)
		s.mu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		s.mu.Unlock()
		if s.isClosed() {
			return
		}
		s.logger.Warn().Err(err).Msg("client.Session transport lost")
	}
}

// connect dials the broker and runs the open or reconnect handshake.
func (s *Session) connect() (*transport.Channel, session.HandshakeAck, error) {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.token
	s.mu.Unlock()

	var ack session.HandshakeAck
	opts := transport.Options{
		ConnectTimeout: s.cfg.connectionTimeout,
		TLS:            s.cfg.tls,
		MaxMessageSize: s.cfg.maximumMessageSize,
		Logger:         s.logger,
		Handshake: func(r *bufio.Reader, w io.Writer) error {
			var err error
			if sessionID == "" {
				err = session.WriteOpen(w, s.cfg.openRequest())
			} else {
				err = session.WriteReconnect(w, session.ReconnectRequest{
					SessionID:    sessionID,
					Token:        token,
					LastReceived: s.lastReceived.Load(),
				})
			}
			if err != nil {
				return err
			}
			a, err := session.ReadAck(r)
			if err != nil {
				return err
			}
			if !a.Accepted() {
				return handshakeRejected(a)
			}
			ack = a
			return nil
		},
	}
	if p := s.cfg.proxy; p != nil {
		opts.Proxy = &transport.ProxyConfig{Address: p.Address(), Authentication: p.Authentication}
	}
	ch, err := transport.Connect(s.ctx, s.endpoint, opts)
	if err != nil {
		return nil, session.HandshakeAck{}, err
	}
	return ch, ack, nil
}

// handshakeRejectedError marks a refusal by the broker. Retrying cannot
// succeed, so recovery stops on it.
type handshakeRejectedError struct {
	remote *RemoteError
}

func handshakeRejected(a session.HandshakeAck) error {
	return &handshakeRejectedError{remote: &RemoteError{Code: a.Code, Message: a.Message}}
}

func (e *handshakeRejectedError) Error() string {
	return "client: handshake rejected: " + e.remote.Error()
}

func (e *handshakeRejectedError) Unwrap() []error {
	switch e.remote.Code {
	case session.AckCodeAuthFailed:
		return []error{e.remote, ErrAuthenticationFailed}
	case session.AckCodeUnknownSession:
		return []error{e.remote, ErrSessionClosed}
	default:
		return []error{e.remote}
	}
}

func isRejection(err error) bool {
	var rejected *handshakeRejectedError
	return errors.As(err, &rejected)
}

// resume installs ch, replays unacknowledged messages and marks the
// session connected.
func (s *Session) resume(ch *transport.Channel, ack session.HandshakeAck) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = ch.Close()
		return ErrSessionClosed
	}
	s.channel = ch
	s.sessionID = ack.SessionID
	s.token = ack.Token
	s.mu.Unlock()

	if ack.Resumed {
		if err := s.replay(ch, ack.LastSequence); err != nil {
			return err
		}
	} else {
		// A fresh broker session numbers its frames from 1 and has no use
		// for anything sent to the old one.
		s.recovery.Reset()
		s.lastReceived.Store(0)
	}
	if err := s.flushUnsent(ch); err != nil {
		return err
	}
	if !s.setState(StateConnected, nil) {
		return ErrSessionClosed
	}
	s.logger.Info().
		Str("session_id", ack.SessionID).
		Bool("resumed", ack.Resumed).
		Uint64("acked", ack.LastSequence).
		Msg("client.Session connected")
	return nil
}

// replay retransmits every buffered message the broker has not processed,
// in original sequence order.
func (s *Session) replay(ch *transport.Channel, acked uint64) error {
	entries := s.recovery.After(acked)
	if acked < s.nextSeq && (len(entries) == 0 || entries[0].Sequence > acked+1) {
		s.logger.Warn().
			Uint64("acked", acked).
			Uint64("sent", s.nextSeq).
			Int("buffered", len(entries)).
			Msg("client.Session recovery buffer no longer holds every unacknowledged message")
	}
	for _, e := range entries {
		m := e.Message
		m.Flags |= frame.FlagReplayed
		raw, err := session.EncodeMessage(m, s.limits)
		if err != nil {
			s.logger.Error().Err(err).Uint64("seq", e.Sequence).Msg("client.Session replay encode failed")
			continue
		}
		if err := ch.Send(raw); err != nil {
			return err
		}
		observability.RecordFrameSent(true)
	}
	if len(entries) > 0 {
		s.logger.Debug().Int("count", len(entries)).Msg("client.Session replayed")
	}
	return nil
}

func (s *Session) flushUnsent(ch *transport.Channel) error {
	s.mu.Lock()
	pending := s.unsent
	s.unsent = nil
	s.mu.Unlock()
	for i, m := range pending {
		if err := s.transmit(ch, m); err != nil {
			s.keepUnsent(pending[i:]...)
			return err
		}
	}
	return nil
}

// keepUnsent parks messages whose write failed so they go out first on the
// next connection. After close they fail immediately.
func (s *Session) keepUnsent(msgs ...session.OutboundMessage) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		for _, m := range msgs {
			complete(m, ErrSessionClosed)
		}
		return
	}
	s.unsent = append(msgs, s.unsent...)
	s.mu.Unlock()
}

// serve pumps frames in both directions until the channel fails or the
// session closes.
func (s *Session) serve(ch *transport.Channel) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ch) }()

	readerDone := false
	err := s.drain(ch)
	for err == nil {
		select {
		case <-s.ctx.Done():
			err = ErrSessionClosed
		case err = <-readErr:
			readerDone = true
		case <-s.queue.Ready():
			err = s.drain(ch)
		}
	}
	_ = ch.Close()
	if !readerDone {
		<-readErr
	}
	return err
}

func (s *Session) drain(ch *transport.Channel) error {
	for {
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		m, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		if err := s.transmit(ch, m); err != nil {
			s.keepUnsent(m)
			return err
		}
	}
}

// transmit assigns the next sequence number to m and writes it. The
// sequence is only consumed once the write succeeds.
func (s *Session) transmit(ch *transport.Channel, m session.OutboundMessage) error {
	seq := s.nextSeq + 1
	m.Message.Sequence = seq
	raw, err := session.EncodeMessage(m.Message, s.limits)
	if err != nil {
		s.logger.Error().Err(err).Str("type", m.Message.Name()).Msg("client.Session encode failed")
		complete(m, err)
		return nil
	}
	if err := ch.Send(raw); err != nil {
		return err
	}
	s.nextSeq = seq
	s.recovery.Append(session.RecoveryEntry{Sequence: seq, Message: m.Message})
	observability.RecordFrameSent(false)
	complete(m, nil)
	return nil
}

func complete(m session.OutboundMessage, err error) {
	if m.Done != nil {
		m.Done(err)
	}
}

func (s *Session) readLoop(ch *transport.Channel) error {
	for f, err := range ch.Frames() {
		if err != nil {
			return err
		}
		m, err := session.DecodeMessage(f)
		if err != nil {
			s.logger.Warn().Err(err).Msg("client.Session dropped malformed frame")
			continue
		}
		if m.Sequence != 0 {
			if m.Sequence <= s.lastReceived.Load() {
				continue
			}
			s.lastReceived.Store(m.Sequence)
		}
		s.handleInbound(m)
	}
	return transport.ErrClosed
}

func (s *Session) handleInbound(m session.Message) {
	id := m.U64(schema.FieldCorrelationID)
	switch m.Type {
	case schema.MsgResponse:
		from := m.Text(schema.FieldSessionID)
		if m.IsError() {
			s.corr.failure(id, from, remoteError(m))
		} else {
			s.corr.response(id, from, m.Bytes(schema.FieldPayload))
		}
	case schema.MsgFilterDispatched:
		if m.IsError() {
			s.corr.rejected(id, remoteError(m))
		} else {
			s.corr.dispatched(id, int(m.U32(schema.FieldCount)))
		}
	case schema.MsgHandlerAck:
		var err error
		if m.IsError() {
			err = remoteError(m)
		}
		s.resolveAck(id, err)
	case schema.MsgInboundRequest:
		s.serveRequest(m)
	case schema.MsgInboundMessage:
		s.serveMessage(m)
	case schema.MsgClose:
		var cause error = ErrSessionClosed
		if m.IsError() {
			cause = fmt.Errorf("%w: %w", ErrSessionClosed, remoteError(m))
		}
		go s.closeWith(cause)
	default:
		s.logger.Debug().Str("type", m.Name()).Msg("client.Session ignored message")
	}
}

// enqueue validates msg and queues it for transmission. A full queue
// closes the session.
func (s *Session) enqueue(msg session.Message, priority session.Priority, done func(error)) error {
	if _, err := session.EncodeMessage(msg, s.limits); err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err := s.queue.Push(session.OutboundMessage{Message: msg, Priority: priority, Done: done})
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("client.Session outbound queue overflow")
		s.closeWith(err)
		return err
	}
	return nil
}

func (s *Session) awaitAck(id uint64) <-chan error {
	ch := make(chan error, 1)
	s.acksMu.Lock()
	s.acks[id] = ch
	s.acksMu.Unlock()
	return ch
}

func (s *Session) dropAck(id uint64) {
	s.acksMu.Lock()
	delete(s.acks, id)
	s.acksMu.Unlock()
}

func (s *Session) resolveAck(id uint64, err error) {
	s.acksMu.Lock()
	ch, ok := s.acks[id]
	delete(s.acks, id)
	s.acksMu.Unlock()
	if ok {
		ch <- err
	}
}

func (s *Session) failAcks(err error) {
	s.acksMu.Lock()
	acks := s.acks
	s.acks = make(map[uint64]chan error)
	s.acksMu.Unlock()
	for _, ch := range acks {
		ch <- err
	}
}

// removeHandler tells the broker a branch is gone. The ack is not awaited.
func (s *Session) removeHandler(branch string) {
	msg := session.NewMessage(schema.MsgRemoveHandler,
		tlv.U64(schema.FieldCorrelationID, s.corr.newID()),
		tlv.String(schema.FieldPath, branch),
	)
	if err := s.enqueue(msg, session.PriorityNormal, nil); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn().Err(err).Str("branch", branch).Msg("client.Session remove handler not sent")
	}
}
