package broker

import (
	"errors"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

// route handles one message from s. It reports false when the connection
// should end.
func (b *Broker) route(s *clientSession, m session.Message) bool {
	switch m.Type {
	case schema.MsgRequest:
		b.routeRequest(s, m)
	case schema.MsgRequestFilter:
		b.routeFiltered(s, m, schema.MsgInboundRequest)
	case schema.MsgSend:
		b.routeSend(s, m)
	case schema.MsgSendFilter:
		b.routeFiltered(s, m, schema.MsgInboundMessage)
	case schema.MsgHandlerResponse:
		b.routeResponse(s, m)
	case schema.MsgAddHandler:
		b.addHandler(s, m)
	case schema.MsgRemoveHandler:
		b.removeHandler(s, m)
	case schema.MsgClose:
		b.closeSession(s, "client closed")
		return false
	default:
		b.logger.Warn().Str("session_id", s.id).Str("type", m.Name()).Msg("broker.route unexpected message")
		observability.RecordBrokerRouted(m.Name(), "unexpected")
	}
	return true
}

func (b *Broker) routeRequest(origin *clientSession, m session.Message) {
	corr := m.U64(schema.FieldCorrelationID)
	target := m.Text(schema.FieldSessionID)
	path := session.NormalizePath(m.Text(schema.FieldPath))

	dst := b.lookup(target)
	if dst == nil {
		observability.RecordBrokerRouted(m.Name(), "no_session")
		b.reply(origin, errorResponse(corr, target, schema.CodeNoSuchSession, "no such session"))
		return
	}
	h, ok := dst.handlerFor(path)
	if !ok {
		observability.RecordBrokerRouted(m.Name(), "no_handler")
		b.reply(origin, errorResponse(corr, target, schema.CodeNoHandler, "no handler for "+path))
		return
	}
	b.forwardRequest(origin, corr, dst, h, path, m)
}

// routeFiltered fans a request or message out to every session whose
// properties match the filter and which handles the path.
func (b *Broker) routeFiltered(origin *clientSession, m session.Message, inbound uint32) {
	corr := m.U64(schema.FieldCorrelationID)
	path := session.NormalizePath(m.Text(schema.FieldPath))
	f, err := ParseFilter(m.Text(schema.FieldFilter))
	if err != nil {
		observability.RecordBrokerRouted(m.Name(), "filter_rejected")
		b.logger.Debug().Err(err).Str("session_id", origin.id).Msg("broker.routeFiltered rejected filter")
		b.reply(origin, filterRejected(corr, err.Error()))
		return
	}

	type match struct {
		dst *clientSession
		h   handlerEntry
	}
	var matches []match
	for _, s := range b.snapshot() {
		if !f.Matches(s.filterProperties()) {
			continue
		}
		if h, ok := s.handlerFor(path); ok {
			matches = append(matches, match{dst: s, h: h})
		}
	}
	observability.RecordFilterMatches(len(matches))
	b.reply(origin, session.NewMessage(schema.MsgFilterDispatched,
		tlv.U64(schema.FieldCorrelationID, corr),
		tlv.U32(schema.FieldCount, uint32(len(matches))),
	))

	for _, mt := range matches {
		if inbound == schema.MsgInboundRequest {
			b.forwardRequest(origin, corr, mt.dst, mt.h, path, m)
			continue
		}
		b.deliverMessage(origin, mt.dst, mt.h, path, m)
	}
}

func (b *Broker) routeSend(origin *clientSession, m session.Message) {
	target := m.Text(schema.FieldSessionID)
	path := session.NormalizePath(m.Text(schema.FieldPath))
	dst := b.lookup(target)
	if dst == nil {
		observability.RecordBrokerRouted(m.Name(), "no_session")
		return
	}
	h, ok := dst.handlerFor(path)
	if !ok {
		observability.RecordBrokerRouted(m.Name(), "no_handler")
		return
	}
	b.deliverMessage(origin, dst, h, path, m)
}

func (b *Broker) forwardRequest(origin *clientSession, corr uint64, dst *clientSession, h handlerEntry, path string, m session.Message) {
	id := b.nextCorr.Add(1)
	b.mu.Lock()
	b.pending[id] = pendingRoute{origin: origin.id, originCorr: corr, target: dst.id}
	b.mu.Unlock()

	fields := []tlv.Field{
		tlv.U64(schema.FieldCorrelationID, id),
		tlv.String(schema.FieldPath, path),
		tlv.String(schema.FieldSessionID, origin.id),
		tlv.Bytes(schema.FieldPayload, m.Bytes(schema.FieldPayload)),
	}
	fields = append(fields, tlv.GetFields(m.Fields, schema.FieldHeader)...)
	fields = append(fields, propertyFields(origin, h.properties)...)

	err := dst.send(session.NewMessage(schema.MsgInboundRequest, fields...))
	if err == nil || errors.Is(err, errDetached) {
		observability.RecordBrokerRouted(m.Name(), "forwarded")
		return
	}

	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
	observability.RecordBrokerRouted(m.Name(), "failed")
	code := schema.CodeMalformedEnvelope
	if errors.Is(err, errSessionGone) {
		code = schema.CodeSessionClosed
	}
	b.logger.Debug().Err(err).Str("target", dst.id).Msg("broker.forwardRequest failed")
	b.reply(origin, errorResponse(corr, dst.id, code, err.Error()))
}

func (b *Broker) deliverMessage(origin, dst *clientSession, h handlerEntry, path string, m session.Message) {
	fields := []tlv.Field{
		tlv.String(schema.FieldPath, path),
		tlv.String(schema.FieldSessionID, origin.id),
		tlv.Bytes(schema.FieldPayload, m.Bytes(schema.FieldPayload)),
	}
	fields = append(fields, tlv.GetFields(m.Fields, schema.FieldHeader)...)
	fields = append(fields, propertyFields(origin, h.properties)...)

	err := dst.send(session.NewMessage(schema.MsgInboundMessage, fields...))
	if err != nil && !errors.Is(err, errDetached) {
		observability.RecordBrokerRouted(m.Name(), "failed")
		b.logger.Debug().Err(err).Str("target", dst.id).Msg("broker.deliverMessage failed")
		return
	}
	observability.RecordBrokerRouted(m.Name(), "forwarded")
}

// routeResponse relays a handler's answer back to the requester.
func (b *Broker) routeResponse(from *clientSession, m session.Message) {
	id := m.U64(schema.FieldCorrelationID)
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok && p.target == from.id {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok || p.target != from.id {
		observability.RecordBrokerRouted(m.Name(), "unmatched")
		return
	}
	origin := b.lookup(p.origin)
	if origin == nil {
		observability.RecordBrokerRouted(m.Name(), "no_session")
		return
	}

	resp := session.NewMessage(schema.MsgResponse,
		tlv.U64(schema.FieldCorrelationID, p.originCorr),
		tlv.String(schema.FieldSessionID, from.id),
	)
	if m.IsError() {
		resp.Flags |= frame.FlagIsError
		resp.Fields = append(resp.Fields,
			tlv.U32(schema.FieldErrorCode, m.U32(schema.FieldErrorCode)),
			tlv.String(schema.FieldError, m.Text(schema.FieldError)),
		)
	} else if m.Has(schema.FieldPayload) {
		resp.Fields = append(resp.Fields, tlv.Bytes(schema.FieldPayload, m.Bytes(schema.FieldPayload)))
	}
	observability.RecordBrokerRouted(m.Name(), "forwarded")
	b.reply(origin, resp)
}

func (b *Broker) addHandler(s *clientSession, m session.Message) {
	corr := m.U64(schema.FieldCorrelationID)
	h := handlerEntry{
		branch:     session.NormalizePath(m.Text(schema.FieldPath)),
		kind:       m.U8(schema.FieldHandlerKind),
		properties: m.Strings(schema.FieldPropertyKey),
	}
	if !s.addHandler(h) {
		b.reply(s, errorAck(corr, schema.CodeDuplicateHandler, "branch already registered: "+h.branch))
		return
	}
	b.logger.Debug().Str("session_id", s.id).Str("branch", h.branch).Msg("broker handler added")
	b.reply(s, session.NewMessage(schema.MsgHandlerAck, tlv.U64(schema.FieldCorrelationID, corr)))
}

func (b *Broker) removeHandler(s *clientSession, m session.Message) {
	corr := m.U64(schema.FieldCorrelationID)
	branch := session.NormalizePath(m.Text(schema.FieldPath))
	if !s.removeHandler(branch) {
		b.reply(s, errorAck(corr, schema.CodeUnknownHandler, "branch not registered: "+branch))
		return
	}
	b.logger.Debug().Str("session_id", s.id).Str("branch", branch).Msg("broker handler removed")
	b.reply(s, session.NewMessage(schema.MsgHandlerAck, tlv.U64(schema.FieldCorrelationID, corr)))
}

func (b *Broker) reply(s *clientSession, m session.Message) {
	if err := s.send(m); err != nil && !errors.Is(err, errDetached) {
		b.logger.Debug().Err(err).Str("session_id", s.id).Str("type", m.Name()).Msg("broker.reply dropped")
	}
}

func (b *Broker) snapshot() []*clientSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*clientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// propertyFields renders the origin properties a handler asked for.
func propertyFields(origin *clientSession, keys []string) []tlv.Field {
	out := make([]tlv.Field, 0, len(keys))
	for _, k := range keys {
		switch k {
		case PropertyPrincipal:
			out = append(out, tlv.Pair(schema.FieldProperty, k, origin.principal))
		case PropertySessionID:
			out = append(out, tlv.Pair(schema.FieldProperty, k, origin.id))
		default:
			if v, ok := origin.properties[k]; ok {
				out = append(out, tlv.Pair(schema.FieldProperty, k, v))
			}
		}
	}
	return out
}

func errorResponse(corr uint64, from string, code uint32, reason string) session.Message {
	m := session.NewMessage(schema.MsgResponse,
		tlv.U64(schema.FieldCorrelationID, corr),
		tlv.String(schema.FieldSessionID, from),
		tlv.U32(schema.FieldErrorCode, code),
		tlv.String(schema.FieldError, reason),
	)
	m.Flags |= frame.FlagIsError
	return m
}

func errorAck(corr uint64, code uint32, reason string) session.Message {
	m := session.NewMessage(schema.MsgHandlerAck,
		tlv.U64(schema.FieldCorrelationID, corr),
		tlv.U32(schema.FieldErrorCode, code),
		tlv.String(schema.FieldError, reason),
	)
	m.Flags |= frame.FlagIsError
	return m
}

func filterRejected(corr uint64, reason string) session.Message {
	m := session.NewMessage(schema.MsgFilterDispatched,
		tlv.U64(schema.FieldCorrelationID, corr),
		tlv.U32(schema.FieldCount, 0),
		tlv.U32(schema.FieldErrorCode, schema.CodeFilterRejected),
		tlv.String(schema.FieldError, reason),
	)
	m.Flags |= frame.FlagIsError
	return m
}

func closeNotice(reason string) session.Message {
	m := session.NewMessage(schema.MsgClose,
		tlv.U32(schema.FieldErrorCode, schema.CodeSessionClosed),
		tlv.String(schema.FieldError, reason),
	)
	m.Flags |= frame.FlagIsError
	return m
}
