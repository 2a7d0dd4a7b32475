package client

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

type Priority = session.Priority

const (
	PriorityLow    = session.PriorityLow
	PriorityNormal = session.PriorityNormal
	PriorityHigh   = session.PriorityHigh
)

// SendOptions adjust how one outbound message is queued and labelled.
type SendOptions struct {
	Priority Priority
	Headers  map[string]string
}

// Request is an outbound request addressed by path.
type Request struct {
	Path    string
	Payload []byte
	Options SendOptions
}

// SendRequest queues req for dest. Responses reach stream on the
// session's callback goroutine. done, when set, reports transmission for a
// session destination and the matched-session count for a filter.
func (s *Session) SendRequest(req Request, dest Destination, stream ResponseStream, done CompletionHandler) (*PendingRequest, error) {
	path := session.NormalizePath(req.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if stream == nil {
		return nil, fmt.Errorf("%w: nil response stream", ErrInvalidArgument)
	}
	if !dest.valid() {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidArgument)
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	var onDispatch CompletionHandler
	if dest.IsFilter() {
		onDispatch = done
	}
	p := s.corr.track(dest, stream, s.cfg.requestTimeout, onDispatch, false)

	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationID, p.id),
		tlv.String(schema.FieldPath, path),
	}
	msgType := schema.MsgRequest
	if dest.IsFilter() {
		msgType = schema.MsgRequestFilter
		fields = append(fields, tlv.String(schema.FieldFilter, dest.filter))
	} else {
		fields = append(fields, tlv.String(schema.FieldSessionID, dest.sessionID))
	}
	fields = append(fields, tlv.Bytes(schema.FieldPayload, req.Payload))
	fields = append(fields, headerFields(req.Options.Headers)...)

	if err := s.enqueue(session.NewMessage(msgType, fields...), req.Options.Priority, sentCallback(p, dest, done)); err != nil {
		s.corr.remove(p.id)
		return nil, err
	}
	return p, nil
}

// sentCallback reports the transmission of a request. A filter request
// reports success later, once the broker counted its matches.
func sentCallback(p *PendingRequest, dest Destination, done CompletionHandler) func(error) {
	if done == nil {
		return nil
	}
	return func(err error) {
		switch {
		case err != nil:
			p.deliver(func() { done(0, err) })
		case !dest.IsFilter():
			p.deliver(func() { done(1, nil) })
		}
	}
}

func headerFields(headers map[string]string) []tlv.Field {
	keys := slices.Sorted(maps.Keys(headers))
	out := make([]tlv.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, tlv.Pair(schema.FieldHeader, k, headers[k]))
	}
	return out
}

// HandlerOption adjusts a handler registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	properties []string
}

// WithSessionProperties asks the broker to deliver the named properties of
// the requesting session with each inbound request. "$Principal" and
// "$SessionId" are always available.
func WithSessionProperties(keys ...string) HandlerOption {
	return func(o *handlerOptions) {
		o.properties = append(o.properties, keys...)
	}
}

// AddRequestHandler registers h for path and every path beneath it. It
// blocks until the broker confirms the registration or ctx is done.
func (s *Session) AddRequestHandler(ctx context.Context, path string, h RequestHandler, opts ...HandlerOption) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	return s.addHandler(ctx, path, h, schema.HandlerKindRequest, opts)
}

func (s *Session) addHandler(ctx context.Context, path string, h RequestHandler, kind uint8, opts []HandlerOption) (*Registration, error) {
	o := handlerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	reg := &Registration{
		branch:     session.NormalizePath(path),
		handler:    h,
		properties: slices.Compact(slices.Sorted(slices.Values(o.properties))),
		session:    s,
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if err := s.registry.reserve(reg); err != nil {
		return nil, fmt.Errorf("%w: %q", err, reg.branch)
	}

	id := s.corr.newID()
	ack := s.awaitAck(id)
	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationID, id),
		tlv.String(schema.FieldPath, reg.branch),
		tlv.U8(schema.FieldHandlerKind, kind),
	}
	for _, k := range reg.properties {
		fields = append(fields, tlv.String(schema.FieldPropertyKey, k))
	}
	if err := s.enqueue(session.NewMessage(schema.MsgAddHandler, fields...), PriorityNormal, nil); err != nil {
		s.dropAck(id)
		s.registry.release(reg)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			s.registry.release(reg)
			return nil, err
		}
		s.logger.Debug().Str("branch", reg.branch).Msg("client.Session handler registered")
		return reg, nil
	case <-ctx.Done():
		s.dropAck(id)
		_ = reg.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) serveRequest(m session.Message) {
	id := m.U64(schema.FieldCorrelationID)
	from := m.Text(schema.FieldSessionID)
	path := m.Text(schema.FieldPath)
	reg, ok := s.registry.lookup(path)
	if !ok {
		s.logger.Debug().Str("path", path).Msg("client.Session no handler for inbound request")
		s.respondError(id, schema.CodeNoHandler, "no handler for "+path)
		return
	}
	req := inboundContext(m, reg)
	payload := m.Bytes(schema.FieldPayload)
	r := &responder{session: s, id: id, to: from}
	s.dispatch.submit(func() { reg.handler.OnRequest(req, payload, r) })
}

func (s *Session) serveMessage(m session.Message) {
	path := m.Text(schema.FieldPath)
	reg, ok := s.registry.lookup(path)
	if !ok {
		s.logger.Debug().Str("path", path).Msg("client.Session no handler for inbound message")
		return
	}
	req := inboundContext(m, reg)
	payload := m.Bytes(schema.FieldPayload)
	s.dispatch.submit(func() { reg.handler.OnRequest(req, payload, discardResponder{}) })
}

func inboundContext(m session.Message, reg *Registration) RequestContext {
	return RequestContext{
		From:       m.Text(schema.FieldSessionID),
		Path:       m.Text(schema.FieldPath),
		Branch:     reg.branch,
		Headers:    m.Pairs(schema.FieldHeader),
		Properties: m.Pairs(schema.FieldProperty),
	}
}

func (s *Session) respondError(id uint64, code uint32, reason string) {
	msg := session.NewMessage(schema.MsgHandlerResponse,
		tlv.U64(schema.FieldCorrelationID, id),
		tlv.U32(schema.FieldErrorCode, code),
		tlv.String(schema.FieldError, reason),
	)
	msg.Flags |= frame.FlagIsError
	if err := s.enqueue(msg, PriorityNormal, nil); err != nil {
		s.logger.Debug().Err(err).Uint64("corr", id).Msg("client.Session error response not queued")
	}
}

type responder struct {
	session  *Session
	id       uint64
	to       string
	answered atomic.Bool
}

func (r *responder) Respond(payload []byte) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	err := r.session.enqueue(session.NewMessage(schema.MsgHandlerResponse,
		tlv.U64(schema.FieldCorrelationID, r.id),
		tlv.Bytes(schema.FieldPayload, payload),
	), PriorityNormal, nil)
	if err != nil {
		r.session.logger.Debug().Err(err).Str("to", r.to).Uint64("corr", r.id).Msg("client.Session response not queued")
	}
	return err
}

func (r *responder) Fail(reason string) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	r.session.logger.Debug().Str("to", r.to).Uint64("corr", r.id).Str("reason", reason).Msg("client.Session handler failed request")
	r.session.respondError(r.id, schema.CodeHandlerFailed, reason)
	return nil
}

// discardResponder answers one-way messages, which have no reply path.
type discardResponder struct{}

func (discardResponder) Respond([]byte) error { return nil }
func (discardResponder) Fail(string) error    { return nil }
