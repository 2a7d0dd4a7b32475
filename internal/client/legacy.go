package client

import (
	"context"
	"fmt"

	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

// MessageHandler receives one-way messages.
//
// Deprecated: register a RequestHandler with AddRequestHandler instead.
type MessageHandler interface {
	OnMessage(ctx RequestContext, payload []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler.
//
// Deprecated: use RequestHandlerFunc.
type MessageHandlerFunc func(ctx RequestContext, payload []byte)

func (f MessageHandlerFunc) OnMessage(ctx RequestContext, payload []byte) { f(ctx, payload) }

// messageAdapter serves a MessageHandler as a request handler that
// acknowledges every request with an empty response.
type messageAdapter struct {
	handler MessageHandler
}

func (a messageAdapter) OnRequest(req RequestContext, payload []byte, r Responder) {
	a.handler.OnMessage(req, payload)
	_ = r.Respond(nil)
}

// AddMessageHandler registers h for path.
//
// Deprecated: use AddRequestHandler.
func (s *Session) AddMessageHandler(ctx context.Context, path string, h MessageHandler, opts ...HandlerOption) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	return s.addHandler(ctx, path, messageAdapter{handler: h}, schema.HandlerKindMessage, opts)
}

// SendToSession sends a one-way message. done, when set, reports
// transmission.
//
// Deprecated: use SendRequest.
func (s *Session) SendToSession(sessionID, path string, payload []byte, opts SendOptions, done func(error)) error {
	path = session.NormalizePath(path)
	if path == "" || sessionID == "" {
		return fmt.Errorf("%w: empty path or session id", ErrInvalidArgument)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldPath, path),
		tlv.String(schema.FieldSessionID, sessionID),
		tlv.Bytes(schema.FieldPayload, payload),
	}
	fields = append(fields, headerFields(opts.Headers)...)
	var onSent func(error)
	if done != nil {
		onSent = func(err error) { s.dispatch.submit(func() { done(err) }) }
	}
	return s.enqueue(session.NewMessage(schema.MsgSend, fields...), opts.Priority, onSent)
}

// SendToFilter sends a one-way message to every session matching filter.
// done receives the number of matched sessions, or an error wrapping
// ErrSendToFilterRejected when the broker refused the filter.
//
// Deprecated: use SendRequest with ToFilter.
func (s *Session) SendToFilter(filter, path string, payload []byte, opts SendOptions, done CompletionHandler) (*PendingRequest, error) {
	path = session.NormalizePath(path)
	dest := ToFilter(filter)
	if path == "" || !dest.valid() {
		return nil, fmt.Errorf("%w: empty path or filter", ErrInvalidArgument)
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	p := s.corr.track(dest, StreamFuncs{}, s.cfg.requestTimeout, done, true)
	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationID, p.id),
		tlv.String(schema.FieldPath, path),
		tlv.String(schema.FieldFilter, filter),
		tlv.Bytes(schema.FieldPayload, payload),
	}
	fields = append(fields, headerFields(opts.Headers)...)
	if err := s.enqueue(session.NewMessage(schema.MsgSendFilter, fields...), opts.Priority, sentCallback(p, dest, done)); err != nil {
		s.corr.remove(p.id)
		return nil, err
	}
	return p, nil
}
