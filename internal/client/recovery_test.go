package client

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

// fakeBroker speaks the wire protocol by hand so tests control sequence
// numbers and connection loss exactly.
type fakeBroker struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(fb.conns)
				return
			}
			fb.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fb
}

func (fb *fakeBroker) url() string { return "tcp://" + fb.ln.Addr().String() }

func (fb *fakeBroker) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c, ok := <-fb.conns:
		require.True(t, ok, "listener closed")
		t.Cleanup(func() { _ = c.Close() })
		_ = c.SetDeadline(time.Now().Add(waitTimeout))
		return &fakeConn{conn: c, r: bufio.NewReader(c)}
	case <-time.After(waitTimeout):
		t.Fatalf("no connection from client")
		return nil
	}
}

type fakeConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *fakeConn) hello(t *testing.T) session.Hello {
	t.Helper()
	h, err := session.ReadHello(c.r)
	require.NoError(t, err)
	return h
}

func (c *fakeConn) accept(t *testing.T, lastSequence uint64, resumed bool) {
	t.Helper()
	require.NoError(t, session.WriteAck(c.conn, session.HandshakeAck{
		Status:       session.AckStatusAccepted,
		SessionID:    "fake-session",
		Token:        "fake-token",
		LastSequence: lastSequence,
		Resumed:      resumed,
		TimestampMS:  uint64(time.Now().UnixMilli()),
	}))
}

func (c *fakeConn) reject(t *testing.T, code uint32, reason string) {
	t.Helper()
	require.NoError(t, session.WriteAck(c.conn, session.HandshakeAck{
		Status:      session.AckStatusRejected,
		Code:        code,
		Message:     reason,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}))
}

func (c *fakeConn) read(t *testing.T) session.Message {
	t.Helper()
	f, err := frame.ReadFrame(c.r, frame.DefaultLimits())
	require.NoError(t, err)
	m, err := session.DecodeMessage(f)
	require.NoError(t, err)
	return m
}

func (c *fakeConn) write(t *testing.T, seq uint64, m session.Message) {
	t.Helper()
	m.Sequence = seq
	raw, err := session.EncodeMessage(m, frame.DefaultLimits())
	require.NoError(t, err)
	_, err = c.conn.Write(raw)
	require.NoError(t, err)
}

func inbound(path, payload string) session.Message {
	return session.NewMessage(schema.MsgInboundMessage,
		tlv.String(schema.FieldPath, path),
		tlv.String(schema.FieldSessionID, "peer"),
		tlv.Bytes(schema.FieldPayload, []byte(payload)),
	)
}

func TestRecoveryReplaysUnacknowledgedInOrder(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(5 * time.Second)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(100 * time.Millisecond)
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c1 := fb.accept(t)
	require.NotNil(t, c1.hello(t).Open)
	c1.accept(t, 0, false)
	waitState(t, s, StateConnected)
	require.Equal(t, "fake-session", s.ID())

	got := make(chan string, 8)
	regDone := make(chan error, 1)
	go func() {
		_, err := s.AddMessageHandler(t.Context(), "inbox", MessageHandlerFunc(func(_ RequestContext, payload []byte) {
			got <- string(payload)
		}))
		regDone <- err
	}()
	add := c1.read(t)
	require.Equal(t, schema.MsgAddHandler, add.Type)
	require.EqualValues(t, 1, add.Sequence)
	require.Equal(t, schema.HandlerKindMessage, add.U8(schema.FieldHandlerKind))
	c1.write(t, 1, session.NewMessage(schema.MsgHandlerAck, tlv.U64(schema.FieldCorrelationID, add.U64(schema.FieldCorrelationID))))
	require.NoError(t, <-regDone)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, s.SendToSession("peer", "out", []byte(p), SendOptions{}, nil))
	}
	for i, p := range []string{"a", "b", "c"} {
		m := c1.read(t)
		require.Equal(t, schema.MsgSend, m.Type)
		require.EqualValues(t, i+2, m.Sequence)
		require.Zero(t, m.Flags&frame.FlagReplayed)
		require.Equal(t, p, string(m.Bytes(schema.FieldPayload)))
	}

	c1.write(t, 2, inbound("inbox", "x"))
	require.Equal(t, "x", <-got)

	require.NoError(t, c1.conn.Close())
	waitState(t, s, StateRecovering)
	sent := make(chan error, 1)
	require.NoError(t, s.SendToSession("peer", "out", []byte("d"), SendOptions{}, func(err error) { sent <- err }))

	c2 := fb.accept(t)
	h := c2.hello(t)
	require.Nil(t, h.Open)
	require.NotNil(t, h.Reconnect)
	require.Equal(t, "fake-session", h.Reconnect.SessionID)
	require.Equal(t, "fake-token", h.Reconnect.Token)
	require.EqualValues(t, 2, h.Reconnect.LastReceived)
	c2.accept(t, 2, true)

	for _, want := range []struct {
		seq      uint64
		payload  string
		replayed bool
	}{
		{seq: 3, payload: "b", replayed: true},
		{seq: 4, payload: "c", replayed: true},
		{seq: 5, payload: "d", replayed: false},
	} {
		m := c2.read(t)
		require.Equal(t, want.seq, m.Sequence)
		require.Equal(t, want.payload, string(m.Bytes(schema.FieldPayload)))
		require.Equal(t, want.replayed, m.Flags&frame.FlagReplayed != 0, "seq %d", want.seq)
	}
	require.NoError(t, <-sent)
	waitState(t, s, StateConnected)

	c2.write(t, 2, inbound("inbox", "dup"))
	c2.write(t, 3, inbound("inbox", "y"))
	require.Equal(t, "y", <-got)
	select {
	case p := <-got:
		t.Fatalf("unexpected delivery %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoveryFreshSessionSkipsReplay(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(5 * time.Second)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(20 * time.Millisecond)
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c1 := fb.accept(t)
	c1.hello(t)
	c1.accept(t, 0, false)
	waitState(t, s, StateConnected)

	stream := newRecorder()
	_, err = s.SendRequest(Request{Path: "p"}, ToSession("peer"), stream, nil)
	require.NoError(t, err)
	req := c1.read(t)
	require.EqualValues(t, 1, req.Sequence)
	c1.write(t, 5, response(req, "first"))
	ev := stream.next(t)
	require.Equal(t, "response", ev.kind)
	require.Equal(t, "first", string(ev.payload))
	require.NoError(t, c1.conn.Close())

	c2 := fb.accept(t)
	h := c2.hello(t)
	require.NotNil(t, h.Reconnect)
	require.EqualValues(t, 5, h.Reconnect.LastReceived)
	c2.accept(t, 0, false)
	waitState(t, s, StateConnected)
	require.Zero(t, s.recovery.Len())

	_, err = s.SendRequest(Request{Path: "p"}, ToSession("peer"), stream, nil)
	require.NoError(t, err)
	req = c2.read(t)
	require.EqualValues(t, 2, req.Sequence)
	require.Zero(t, req.Flags&frame.FlagReplayed)
	c2.write(t, 1, response(req, "second"))
	ev = stream.next(t)
	require.Equal(t, "response", ev.kind)
	require.Equal(t, "second", string(ev.payload))
}

func response(req session.Message, payload string) session.Message {
	return session.NewMessage(schema.MsgResponse,
		tlv.U64(schema.FieldCorrelationID, req.U64(schema.FieldCorrelationID)),
		tlv.String(schema.FieldSessionID, "peer"),
		tlv.Bytes(schema.FieldPayload, []byte(payload)),
	)
}

func TestReconnectionTimesOut(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(300 * time.Millisecond)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(50 * time.Millisecond)
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := fb.accept(t)
	c.hello(t)
	c.accept(t, 0, false)
	waitState(t, s, StateConnected)

	stream := newRecorder()
	_, err = s.SendRequest(Request{Path: "p"}, ToSession("peer"), stream, nil)
	require.NoError(t, err)
	c.read(t)

	require.NoError(t, fb.ln.Close())
	require.NoError(t, c.conn.Close())

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not give up")
	}
	require.ErrorIs(t, s.Err(), ErrReconnectionTimedOut)
	ev := stream.next(t)
	require.Equal(t, "close", ev.kind)
	require.ErrorIs(t, ev.err, ErrSessionClosed)
}

func TestReconnectionAbandonedByStrategy(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(time.Minute)
	cfg.ReconnectionStrategy = session.MaxAttemptsStrategy(2, session.FixedDelayStrategy(10*time.Millisecond))
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	var states []State
	transitions := make(chan State, 8)
	s.AddStateListener(func(_, to State, _ error) { transitions <- to })

	c := fb.accept(t)
	c.hello(t)
	c.accept(t, 0, false)
	require.NoError(t, fb.ln.Close())
	require.NoError(t, c.conn.Close())

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not give up")
	}
	require.ErrorIs(t, s.Err(), ErrConnectionFailed)
	require.ErrorIs(t, s.Err(), ErrReconnectionAbandoned)

	ctx := t.Context()
	require.NoError(t, s.AwaitCallbacks(ctx))
	close(transitions)
	for st := range transitions {
		states = append(states, st)
	}
	require.Equal(t, []State{StateConnected, StateRecovering, StateClosed}, states)
}

func TestReconnectRejectedAsUnknownSessionCloses(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(5 * time.Second)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(20 * time.Millisecond)
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c1 := fb.accept(t)
	c1.hello(t)
	c1.accept(t, 0, false)
	waitState(t, s, StateConnected)

	stream := newRecorder()
	_, err = s.SendRequest(Request{Path: "p"}, ToSession("peer"), stream, nil)
	require.NoError(t, err)
	c1.read(t)
	require.NoError(t, c1.conn.Close())

	c2 := fb.accept(t)
	require.NotNil(t, c2.hello(t).Reconnect)
	c2.reject(t, session.AckCodeUnknownSession, "session expired")

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session stuck in %s", s.State())
	}
	require.Equal(t, StateClosed, s.State())
	require.ErrorIs(t, s.Err(), ErrConnectionFailed)
	require.Zero(t, s.OutstandingRequests())
	ev := stream.next(t)
	require.Equal(t, "close", ev.kind)
	require.ErrorIs(t, ev.err, ErrSessionClosed)
}

func TestTransportLossWithoutReconnectionCloses(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	s, err := Open(fb.url(), DefaultConfig(), WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	transitions := make(chan State, 8)
	s.AddStateListener(func(_, to State, _ error) { transitions <- to })

	c := fb.accept(t)
	c.hello(t)
	c.accept(t, 0, false)
	waitState(t, s, StateConnected)
	require.NoError(t, c.conn.Close())

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close")
	}
	require.ErrorIs(t, s.Err(), ErrConnectionFailed)

	require.NoError(t, s.AwaitCallbacks(t.Context()))
	close(transitions)
	var states []State
	for st := range transitions {
		states = append(states, st)
	}
	require.Equal(t, []State{StateConnected, StateClosed}, states)
}

func TestOversizedInboundFrameStartsRecovery(t *testing.T) {
	testlog.Start(t)
	fb := newFakeBroker(t)

	cfg := DefaultConfig()
	require.NoError(t, cfg.SetMaximumMessageSize(4096))
	cfg.SetReconnectionTimeout(5 * time.Second)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(20 * time.Millisecond)
	s, err := Open(fb.url(), cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	causes := make(chan error, 8)
	s.AddStateListener(func(_, to State, cause error) {
		if to == StateRecovering {
			causes <- cause
		}
	})

	c1 := fb.accept(t)
	c1.hello(t)
	c1.accept(t, 0, false)
	waitState(t, s, StateConnected)

	c1.write(t, 1, inbound("inbox", string(make([]byte, 8192))))

	select {
	case cause := <-causes:
		require.ErrorIs(t, cause, ErrMessageTooLarge)
	case <-time.After(waitTimeout):
		t.Fatalf("session never entered recovery")
	}

	c2 := fb.accept(t)
	h := c2.hello(t)
	require.NotNil(t, h.Reconnect)
	require.Zero(t, h.Reconnect.LastReceived)
	c2.accept(t, 0, true)
	waitState(t, s, StateConnected)
}
