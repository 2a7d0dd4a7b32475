package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeOpen      = "session.open"
	controlTypeReconnect = "session.reconnect"
	controlTypeAck       = "session.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

// Handshake rejection codes.
const (
	AckCodeOK             uint32 = 0
	AckCodeAuthFailed     uint32 = 1001
	AckCodeUnknownSession uint32 = 1002
	AckCodeInvalidOpen    uint32 = 1003
	AckCodeShuttingDown   uint32 = 1004
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidAck             = errors.New("session: invalid handshake ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Credential kinds carried in an OpenRequest.
const (
	CredentialsNone     = "none"
	CredentialsPassword = "password"
	CredentialsCustom   = "custom"
)

// OpenRequest starts a brand new session.
type OpenRequest struct {
	Principal             string            `json:"principal,omitempty"`
	CredentialsKind       string            `json:"credentials_kind,omitempty"`
	Credentials           []byte            `json:"credentials,omitempty"`
	Properties            map[string]string `json:"properties,omitempty"`
	ReconnectionTimeoutMS int64             `json:"reconnection_timeout_ms"`
	MaxMessageSize        uint64            `json:"max_message_size"`
}

func (o OpenRequest) Validate() error {
	if strings.TrimSpace(o.Principal) != "" && strings.TrimSpace(o.CredentialsKind) == "" {
		return fmt.Errorf("%w: principal without credentials", ErrInvalidHello)
	}
	switch o.CredentialsKind {
	case "", CredentialsNone, CredentialsPassword, CredentialsCustom:
	default:
		return fmt.Errorf("%w: unknown credentials kind %q", ErrInvalidHello, o.CredentialsKind)
	}
	for k := range o.Properties {
		if strings.HasPrefix(k, "$") {
			return fmt.Errorf("%w: property %q uses reserved prefix", ErrInvalidHello, k)
		}
	}
	return nil
}

// ReconnectRequest resumes an existing session after a transport failure.
// LastReceived is the highest server sequence the client has processed.
type ReconnectRequest struct {
	SessionID    string `json:"session_id"`
	Token        string `json:"token"`
	LastReceived uint64 `json:"last_received"`
}

func (r ReconnectRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHello)
	}
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidHello)
	}
	return nil
}

// Hello is the first control message a client sends. Exactly one of Open
// and Reconnect is set.
type Hello struct {
	Open      *OpenRequest
	Reconnect *ReconnectRequest
}

// HandshakeAck is the broker's reply to a Hello. LastSequence is the
// highest client sequence the broker has already processed for the session.
type HandshakeAck struct {
	Status       string `json:"status"`
	Code         uint32 `json:"code"`
	Message      string `json:"message,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Token        string `json:"token,omitempty"`
	LastSequence uint64 `json:"last_sequence"`
	TimestampMS  uint64 `json:"timestamp_ms"`
	Resumed      bool   `json:"resumed"`
}

func (a HandshakeAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a HandshakeAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidAck)
	}
	if status == AckStatusAccepted {
		if strings.TrimSpace(a.SessionID) == "" {
			return fmt.Errorf("%w: missing session_id", ErrInvalidAck)
		}
		if strings.TrimSpace(a.Token) == "" {
			return fmt.Errorf("%w: missing token", ErrInvalidAck)
		}
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidAck)
	}
	return nil
}

type controlEnvelope struct {
	Type      string            `json:"type"`
	Open      *OpenRequest      `json:"open,omitempty"`
	Reconnect *ReconnectRequest `json:"reconnect,omitempty"`
	Ack       *HandshakeAck     `json:"ack,omitempty"`
}

func WriteOpen(w io.Writer, req OpenRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeOpen, Open: &req})
}

func WriteReconnect(w io.Writer, req ReconnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeReconnect, Reconnect: &req})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	switch {
	case env.Type == controlTypeOpen && env.Open != nil:
		if err := env.Open.Validate(); err != nil {
			return Hello{}, err
		}
		return Hello{Open: env.Open}, nil
	case env.Type == controlTypeReconnect && env.Reconnect != nil:
		if err := env.Reconnect.Validate(); err != nil {
			return Hello{}, err
		}
		return Hello{Reconnect: env.Reconnect}, nil
	default:
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
}

func WriteAck(w io.Writer, ack HandshakeAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeAck, Ack: &ack})
}

func ReadAck(r *bufio.Reader) (HandshakeAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HandshakeAck{}, err
	}
	if env.Type != controlTypeAck || env.Ack == nil {
		return HandshakeAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HandshakeAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, fmt.Errorf("session: decode control message: %w", err)
	}
	return env, nil
}
