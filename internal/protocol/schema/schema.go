package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgSend             uint32 = 1
	MsgSendFilter       uint32 = 2
	MsgRequest          uint32 = 3
	MsgRequestFilter    uint32 = 4
	MsgResponse         uint32 = 5
	MsgFilterDispatched uint32 = 6
	MsgAddHandler       uint32 = 7
	MsgRemoveHandler    uint32 = 8
	MsgHandlerAck       uint32 = 9
	MsgInboundRequest   uint32 = 10
	MsgHandlerResponse  uint32 = 11
	MsgInboundMessage   uint32 = 12
	MsgClose            uint32 = 13
)

// Field IDs carried in TLV payloads.
const (
	FieldCorrelationID uint16 = 1
	FieldPath          uint16 = 2
	FieldSessionID     uint16 = 3
	FieldFilter        uint16 = 4
	FieldPayload       uint16 = 5
	FieldHeader        uint16 = 6
	FieldCount         uint16 = 7

	FieldError     uint16 = 100
	FieldErrorCode uint16 = 101

	FieldHandlerKind uint16 = 200
	FieldPropertyKey uint16 = 201
	FieldProperty    uint16 = 202
)

// Handler kinds carried in FieldHandlerKind.
const (
	HandlerKindRequest uint8 = 0
	HandlerKindMessage uint8 = 1
)

// Error codes carried in FieldErrorCode.
const (
	CodeNone              uint32 = 0
	CodeNoSuchSession     uint32 = 1
	CodeNoHandler         uint32 = 2
	CodeHandlerFailed     uint32 = 3
	CodeFilterRejected    uint32 = 4
	CodeDuplicateHandler  uint32 = 5
	CodeUnknownHandler    uint32 = 6
	CodeSessionClosed     uint32 = 7
	CodePermissionDenied  uint32 = 8
	CodeMalformedEnvelope uint32 = 9
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgSend: {
		{FieldPath, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgSendFilter: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
		{FieldFilter, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgRequest: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgRequestFilter: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
		{FieldFilter, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgResponse: {
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgFilterDispatched: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldCount, tlv.TypeU32},
	},
	MsgAddHandler: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
		{FieldHandlerKind, tlv.TypeU8},
	},
	MsgRemoveHandler: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
	},
	MsgHandlerAck: {
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgInboundRequest: {
		{FieldCorrelationID, tlv.TypeU64},
		{FieldPath, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgHandlerResponse: {
		{FieldCorrelationID, tlv.TypeU64},
	},
	MsgInboundMessage: {
		{FieldPath, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgClose: {},
}

// Name returns a log-friendly message type name.
func Name(messageType uint32) string {
	switch messageType {
	case MsgSend:
		return "send"
	case MsgSendFilter:
		return "send.filter"
	case MsgRequest:
		return "request"
	case MsgRequestFilter:
		return "request.filter"
	case MsgResponse:
		return "response"
	case MsgFilterDispatched:
		return "filter.dispatched"
	case MsgAddHandler:
		return "handler.add"
	case MsgRemoveHandler:
		return "handler.remove"
	case MsgHandlerAck:
		return "handler.ack"
	case MsgInboundRequest:
		return "request.inbound"
	case MsgHandlerResponse:
		return "response.handler"
	case MsgInboundMessage:
		return "message.inbound"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message_type", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
