package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/relayctl/internal/protocol/tlv"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func TestValidateRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldCorrelationID, 7),
		tlv.String(FieldPath, "services/echo"),
		tlv.String(FieldSessionID, "01HZY"),
		tlv.Bytes(FieldPayload, []byte("ping")),
	}
	if err := Validate(MsgRequest, fields); err != nil {
		t.Fatalf("validate request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldCorrelationID, 7),
		tlv.U32(FieldCount, 0),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgFilterDispatched, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U64(FieldCorrelationID, 1)}
	err := Validate(MsgRequestFilter, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldPath || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCorrelationID, "not-a-number"),
	}
	err := Validate(MsgHandlerAck, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(4242, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
	if Name(4242) != "unknown(4242)" {
		t.Fatalf("unexpected name %q", Name(4242))
	}
}
