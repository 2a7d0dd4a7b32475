package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/relayctl/internal/broker"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

const waitTimeout = 5 * time.Second

// startBroker runs an in-process broker on a loopback port and returns its
// session URL.
func startBroker(t *testing.T, mutate func(*broker.Config)) (*broker.Broker, string) {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	logger := testlog.Logger(t)
	cfg.Logger = &logger
	if mutate != nil {
		mutate(&cfg)
	}
	b := broker.New(cfg)
	ln, err := b.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
		<-done
	})
	return b, "tcp://" + ln.Addr().String()
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SetReconnectionTimeout(5 * time.Second)
	cfg.ReconnectionStrategy = session.FixedDelayStrategy(20 * time.Millisecond)
	return cfg
}

func dial(t *testing.T, url string, cfg Config) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := Dial(ctx, url, cfg, WithLogger(testlog.Logger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func addHandler(t *testing.T, s *Session, path string, h RequestHandler, opts ...HandlerOption) *Registration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reg, err := s.AddRequestHandler(ctx, path, h, opts...)
	require.NoError(t, err)
	return reg
}

type streamEvent struct {
	kind    string
	from    string
	payload []byte
	err     error
}

// recorder is a ResponseStream that forwards every call to a channel.
type recorder struct {
	events chan streamEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan streamEvent, 64)}
}

func (r *recorder) OnResponse(from string, payload []byte) {
	r.events <- streamEvent{kind: "response", from: from, payload: payload}
}

func (r *recorder) OnError(from string, err error) {
	r.events <- streamEvent{kind: "error", from: from, err: err}
}

func (r *recorder) OnClose(err error) {
	r.events <- streamEvent{kind: "close", err: err}
}

func (r *recorder) next(t *testing.T) streamEvent {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for stream event")
		return streamEvent{}
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected stream event %s err=%v", e.kind, e.err)
	case <-time.After(d):
	}
}

type completion struct {
	count int
	err   error
}

func completions() (chan completion, CompletionHandler) {
	ch := make(chan completion, 8)
	return ch, func(count int, err error) { ch <- completion{count: count, err: err} }
}

func waitCompletion(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for completion")
		return completion{}
	}
}

func echoHandler() RequestHandler {
	return RequestHandlerFunc(func(_ RequestContext, payload []byte, r Responder) {
		_ = r.Respond(append([]byte("echo:"), payload...))
	})
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitTimeout, 5*time.Millisecond,
		"session never reached %s", want)
}

// silentListener accepts connections and never answers the handshake.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
