package broker

import (
	"errors"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/session"
)

var errDetached = errors.New("broker: session has no connection")

// handlerEntry is one branch a session registered.
type handlerEntry struct {
	branch     string
	kind       uint8
	properties []string
}

// link is one physical connection attached to a session.
type link struct {
	conn   net.Conn
	remote string
}

// clientSession is the broker's view of one logical session. It outlives
// connections for the session's reconnection timeout.
type clientSession struct {
	id         string
	token      string
	principal  string
	properties map[string]string
	opened     time.Time
	limits     frame.Limits
	maxMessage uint64
	// negative disables resumption
	reconnectTimeout time.Duration
	writeTimeout     time.Duration

	mu            sync.Mutex
	handlers      map[string]handlerEntry
	lastProcessed uint64
	nextSeq       uint64
	recovery      *session.RecoveryBuffer
	link          *link
	expiry        *time.Timer
	closed        bool
	disconnected  time.Time
}

// SessionInfo is an admin snapshot of one session.
type SessionInfo struct {
	ID           string            `json:"id"`
	Principal    string            `json:"principal,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Handlers     []string          `json:"handlers"`
	Connected    bool              `json:"connected"`
	Remote       string            `json:"remote,omitempty"`
	Opened       time.Time         `json:"opened"`
	Disconnected time.Time         `json:"disconnected,omitzero"`
	Received     uint64            `json:"received"`
	Sent         uint64            `json:"sent"`
}

func (s *clientSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionInfo{
		ID:           s.id,
		Principal:    s.principal,
		Properties:   maps.Clone(s.properties),
		Handlers:     slices.Sorted(maps.Keys(s.handlers)),
		Connected:    s.link != nil,
		Opened:       s.opened,
		Disconnected: s.disconnected,
		Received:     s.lastProcessed,
		Sent:         s.nextSeq,
	}
	if s.link != nil {
		out.Remote = s.link.remote
	}
	return out
}

// filterProperties is the property view filters evaluate against.
func (s *clientSession) filterProperties() map[string]string {
	props := maps.Clone(s.properties)
	if props == nil {
		props = make(map[string]string, 2)
	}
	props[PropertyPrincipal] = s.principal
	props[PropertySessionID] = s.id
	return props
}

// accept reports whether seq is new. Replayed frames the session already
// processed are dropped.
func (s *clientSession) accept(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != 0 && seq <= s.lastProcessed {
		return false
	}
	if seq > s.lastProcessed {
		s.lastProcessed = seq
	}
	return true
}

func (s *clientSession) processed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

// send sequences m, keeps it for replay and writes it when a connection is
// attached. A detached session still buffers the frame.
func (s *clientSession) send(m session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionGone
	}
	m.Sequence = s.nextSeq + 1
	raw, err := session.EncodeMessage(m, s.limits)
	if err != nil {
		return err
	}
	s.nextSeq = m.Sequence
	s.recovery.Append(session.RecoveryEntry{Sequence: m.Sequence, Message: m})
	if s.link == nil {
		return errDetached
	}
	if err := s.writeLocked(raw); err != nil {
		_ = s.link.conn.Close()
		return err
	}
	return nil
}

func (s *clientSession) writeLocked(raw []byte) error {
	if s.writeTimeout > 0 {
		_ = s.link.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.link.conn.Write(raw)
	return err
}

// attach installs l and replays frames the client has not received. An
// older link is closed.
func (s *clientSession) attach(l *link, lastReceived uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSessionGone
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	if s.link != nil && s.link != l {
		_ = s.link.conn.Close()
	}
	s.link = l
	s.disconnected = time.Time{}
	entries := s.recovery.After(lastReceived)
	for _, e := range entries {
		m := e.Message
		m.Flags |= frame.FlagReplayed
		raw, err := session.EncodeMessage(m, s.limits)
		if err != nil {
			continue
		}
		if err := s.writeLocked(raw); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// detach drops l if it is still current and arms expiry. It reports false
// when l was already replaced.
func (s *clientSession) detach(l *link, expire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || s.closed {
		return false
	}
	s.link = nil
	s.disconnected = time.Now()
	if s.reconnectTimeout < 0 {
		go expire()
		return true
	}
	s.expiry = time.AfterFunc(s.reconnectTimeout, expire)
	return true
}

// shut marks the session closed and returns its connection, if any.
func (s *clientSession) shut() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	var conn net.Conn
	if s.link != nil {
		conn = s.link.conn
		s.link = nil
	}
	return conn
}

func (s *clientSession) addHandler(h handlerEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[h.branch]; ok {
		return false
	}
	s.handlers[h.branch] = h
	return true
}

func (s *clientSession) removeHandler(branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[branch]; !ok {
		return false
	}
	delete(s.handlers, branch)
	return true
}

// handlerFor returns the most specific registered branch covering path.
func (s *clientSession) handlerFor(path string) (handlerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for branch := session.NormalizePath(path); ; {
		if h, ok := s.handlers[branch]; ok {
			return h, true
		}
		if branch == "" {
			return handlerEntry{}, false
		}
		i := strings.LastIndexByte(branch, '/')
		if i < 0 {
			branch = ""
		} else {
			branch = branch[:i]
		}
	}
}
