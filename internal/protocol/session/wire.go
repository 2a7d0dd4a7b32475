package session

import (
	"fmt"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

// Message is one relay protocol message: a schema message type, the
// sender's sequence number and a TLV field list.
type Message struct {
	Type     uint32
	Sequence uint64
	Flags    uint32
	Fields   []tlv.Field
}

func NewMessage(messageType uint32, fields ...tlv.Field) Message {
	return Message{Type: messageType, Fields: fields}
}

func (m Message) Name() string {
	return schema.Name(m.Type)
}

func (m Message) IsError() bool {
	return m.Flags&frame.FlagIsError != 0
}

// With returns a copy of m with extra fields appended.
func (m Message) With(fields ...tlv.Field) Message {
	out := m
	out.Fields = append(append(make([]tlv.Field, 0, len(m.Fields)+len(fields)), m.Fields...), fields...)
	return out
}

func (m Message) Text(id uint16) string {
	f, _ := tlv.GetField(m.Fields, id)
	return string(f.Value)
}

func (m Message) Bytes(id uint16) []byte {
	f, _ := tlv.GetField(m.Fields, id)
	return f.Value
}

func (m Message) Has(id uint16) bool {
	_, ok := tlv.GetField(m.Fields, id)
	return ok
}

func (m Message) U8(id uint16) uint8 {
	f, _ := tlv.GetField(m.Fields, id)
	v, _ := tlv.U8FromBytes(f.Value)
	return v
}

func (m Message) U32(id uint16) uint32 {
	f, _ := tlv.GetField(m.Fields, id)
	v, _ := tlv.U32FromBytes(f.Value)
	return v
}

func (m Message) U64(id uint16) uint64 {
	f, _ := tlv.GetField(m.Fields, id)
	v, _ := tlv.U64FromBytes(f.Value)
	return v
}

// Strings returns every string field carrying id, in order.
func (m Message) Strings(id uint16) []string {
	fields := tlv.GetFields(m.Fields, id)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, string(f.Value))
	}
	return out
}

// Pairs collects key/value pair fields carrying id. Malformed pairs are
// skipped.
func (m Message) Pairs(id uint16) map[string]string {
	fields := tlv.GetFields(m.Fields, id)
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, err := tlv.PairFromBytes(f.Value)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

// EncodeMessage validates m against the schema and renders it as a frame.
func EncodeMessage(m Message, limits frame.Limits) ([]byte, error) {
	if err := schema.Validate(m.Type, m.Fields); err != nil {
		return nil, err
	}
	return frame.Encode(frame.Frame{
		Header: frame.Header{
			MessageID:   m.Sequence,
			MessageType: m.Type,
			Flags:       m.Flags,
		},
		Payload: tlv.EncodeFields(m.Fields),
	}, limits)
}

// DecodeMessage parses and validates a frame read off the wire.
func DecodeMessage(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("session: decode %s: %w", schema.Name(f.Header.MessageType), err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Message{}, err
	}
	return Message{
		Type:     f.Header.MessageType,
		Sequence: f.Header.MessageID,
		Flags:    f.Header.Flags,
		Fields:   fields,
	}, nil
}
