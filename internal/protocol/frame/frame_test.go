package frame

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/danmuck/relayctl/internal/protocol/tlv"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "services/echo")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 3},
		Auth:    []byte("auth"),
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != 3 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if out.Header.Flags&FlagHasAuth == 0 {
		t.Fatalf("auth flag not set")
	}
	if string(out.Auth) != "auth" {
		t.Fatalf("auth mismatch: %q", string(out.Auth))
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	h := Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageID: 1, MessageType: 1, Flags: FlagHasAuth}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestReadFrameRejectsOversizedPayloadBeforeAllocating(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageType: 1, PayloadLen: 1 << 40}
	limits := LimitsForMessageSize(2048)
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameUnlimitedDoesNotTrustDeclaredLength(t *testing.T) {
	limits := LimitsForMessageSize(0)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageType: 1, PayloadLen: 1 << 62}
	wire := append(EncodeHeader(h), []byte("only a few bytes")...)
	_, err := ReadFrame(bytes.NewReader(wire), limits)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}

	h.PayloadLen = math.MaxUint64
	_, err = ReadFrame(bytes.NewReader(EncodeHeader(h)), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameLargePayloadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("relay"), 3*eagerPayloadBytes/5+7)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Header: Header{MessageType: 1}, Payload: payload}, LimitsForMessageSize(0)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, LimitsForMessageSize(0))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(out.Payload), len(payload))
	}
}

func TestLimitsForMessageSize(t *testing.T) {
	if got := LimitsForMessageSize(1024).MaxPayloadBytes; got != 1024-uint64(FixedHeaderLen) {
		t.Fatalf("unexpected payload cap %d", got)
	}
	if got := LimitsForMessageSize(0).MaxPayloadBytes; got == 0 {
		t.Fatalf("zero message size should mean unlimited")
	}
}
