package client

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
)

// ResponseStream receives the outcome of one request. OnResponse and
// OnError are invoked once per responding session. OnClose is invoked only
// when the stream ends abnormally: the session closed or the request timed
// out. A cancelled request receives no further calls.
type ResponseStream interface {
	OnResponse(from string, payload []byte)
	OnError(from string, err error)
	OnClose(err error)
}

// StreamFuncs adapts plain functions to ResponseStream. Nil fields are
// ignored.
type StreamFuncs struct {
	Response func(from string, payload []byte)
	Error    func(from string, err error)
	Close    func(err error)
}

func (f StreamFuncs) OnResponse(from string, payload []byte) {
	if f.Response != nil {
		f.Response(from, payload)
	}
}

func (f StreamFuncs) OnError(from string, err error) {
	if f.Error != nil {
		f.Error(from, err)
	}
}

func (f StreamFuncs) OnClose(err error) {
	if f.Close != nil {
		f.Close(err)
	}
}

// CompletionHandler reports the send side of a request. For a single
// session destination count is 1 once the request was transmitted. For a
// filter destination count is the number of matched sessions; zero matches
// is a success.
type CompletionHandler func(count int, err error)

// Destination selects the recipients of a request.
type Destination struct {
	sessionID string
	filter    string
}

func ToSession(id string) Destination { return Destination{sessionID: id} }

func ToFilter(expr string) Destination { return Destination{filter: expr} }

func (d Destination) IsFilter() bool { return d.filter != "" }

func (d Destination) String() string {
	if d.IsFilter() {
		return "filter:" + d.filter
	}
	return "session:" + d.sessionID
}

func (d Destination) valid() bool {
	if d.IsFilter() {
		return strings.TrimSpace(d.filter) != ""
	}
	return strings.TrimSpace(d.sessionID) != ""
}

// PendingRequest tracks one outstanding request until it resolves.
type PendingRequest struct {
	id       uint64
	dest     Destination
	stream   ResponseStream
	deadline time.Time
	corr     *correlator

	cancelled  atomic.Bool
	onDispatch CompletionHandler
	oneWay     bool

	// guarded by corr.mu
	expected int
	received int
	timer    *time.Timer
}

func (p *PendingRequest) ID() uint64 { return p.id }

func (p *PendingRequest) Destination() Destination { return p.dest }

// Deadline is the zero time when the request has no completion deadline.
func (p *PendingRequest) Deadline() time.Time { return p.deadline }

// Cancel stops delivery to the stream and releases the correlation slot.
// After Cancel returns no stream or completion callback runs for p,
// including ones already queued. Safe to call more than once.
func (p *PendingRequest) Cancel() {
	if !p.cancelled.CompareAndSwap(false, true) {
		return
	}
	if p.corr.remove(p.id) != nil {
		observability.RecordRequestResolved("cancelled")
	}
}

func (p *PendingRequest) Cancelled() bool {
	return p.cancelled.Load()
}

// deliver schedules fn on the dispatcher unless p is cancelled by the time
// it runs.
func (p *PendingRequest) deliver(fn func()) {
	p.corr.submit(func() {
		if p.cancelled.Load() {
			return
		}
		fn()
	})
}

type correlator struct {
	submit func(func()) bool

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*PendingRequest
}

func newCorrelator(submit func(func()) bool) *correlator {
	return &correlator{
		submit:  submit,
		pending: make(map[uint64]*PendingRequest),
	}
}

// newID allocates a correlation id. Handler registrations share the space.
func (c *correlator) newID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// track registers a request. A one-way entry resolves as soon as the
// broker reports its dispatch count.
func (c *correlator) track(dest Destination, stream ResponseStream, timeout time.Duration, onDispatch CompletionHandler, oneWay bool) *PendingRequest {
	p := &PendingRequest{
		id:         c.newID(),
		dest:       dest,
		stream:     stream,
		corr:       c,
		onDispatch: onDispatch,
		oneWay:     oneWay,
		expected:   -1,
	}
	if !dest.IsFilter() {
		p.expected = 1
	}
	c.mu.Lock()
	c.pending[p.id] = p
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
		id := p.id
		p.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	}
	c.mu.Unlock()
	return p
}

// remove drops id without any callback.
func (c *correlator) remove(id uint64) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

func (c *correlator) removeLocked(id uint64) *PendingRequest {
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// arrival records one response or failure for id and resolves the request
// once every expected session answered.
func (c *correlator) arrival(id uint64) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	p.received++
	if p.expected >= 0 && p.received >= p.expected {
		c.removeLocked(id)
	}
	return p, true
}

func (c *correlator) response(id uint64, from string, payload []byte) bool {
	p, ok := c.arrival(id)
	if !ok {
		return false
	}
	observability.RecordRequestResolved("response")
	p.deliver(func() { p.stream.OnResponse(from, payload) })
	return true
}

func (c *correlator) failure(id uint64, from string, err error) bool {
	p, ok := c.arrival(id)
	if !ok {
		return false
	}
	observability.RecordRequestResolved("error")
	p.deliver(func() { p.stream.OnError(from, err) })
	return true
}

// dispatched records the broker's match count for a filter request.
func (c *correlator) dispatched(id uint64, count int) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	p.expected = count
	if p.oneWay || p.received >= count {
		c.removeLocked(id)
	}
	c.mu.Unlock()

	if p.onDispatch != nil {
		p.deliver(func() { p.onDispatch(count, nil) })
	}
	return true
}

// rejected resolves a request the broker refused outright.
func (c *correlator) rejected(id uint64, err error) bool {
	p := c.remove(id)
	if p == nil {
		return false
	}
	observability.RecordRequestResolved("rejected")
	if p.onDispatch != nil {
		p.deliver(func() { p.onDispatch(0, err) })
	} else {
		p.deliver(func() { p.stream.OnError(p.dest.sessionID, err) })
	}
	return true
}

func (c *correlator) expire(id uint64) {
	p := c.remove(id)
	if p == nil {
		return
	}
	observability.RecordRequestResolved("timeout")
	p.deliver(func() { p.stream.OnClose(ErrRequestTimeout) })
}

// cancelAll resolves every outstanding request with err, once each.
func (c *correlator) cancelAll(err error) int {
	c.mu.Lock()
	all := make([]*PendingRequest, 0, len(c.pending))
	for id := range c.pending {
		all = append(all, c.removeLocked(id))
	}
	c.mu.Unlock()

	for _, p := range all {
		observability.RecordRequestResolved("closed")
		p.deliver(func() { p.stream.OnClose(err) })
	}
	return len(all)
}

func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
