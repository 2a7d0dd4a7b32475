package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/transport"
)

var (
	ErrInvalidConfiguration  = errors.New("client: invalid configuration")
	ErrInvalidArgument       = errors.New("client: invalid argument")
	ErrConnectionFailed      = errors.New("client: connection failed")
	ErrReconnectionTimedOut  = errors.New("client: reconnection timed out")
	ErrReconnectionAbandoned = errors.New("client: reconnection abandoned")
	ErrSessionClosed         = errors.New("client: session closed")
	ErrDuplicateRegistration = errors.New("client: duplicate registration")
	ErrSendToFilterRejected  = errors.New("client: filter rejected")
	ErrRequestTimeout        = errors.New("client: request timed out")
	ErrNoSuchSession         = errors.New("client: no such session")
	ErrNoHandler             = errors.New("client: no handler for path")
	ErrHandlerFailed         = errors.New("client: handler failed")
	ErrPermissionDenied      = errors.New("client: permission denied")
	ErrAlreadyResponded      = errors.New("client: request already answered")
	ErrAuthenticationFailed  = errors.New("client: authentication failed")

	// ErrQueueFull and ErrMessageTooLarge alias the lower layers so callers
	// can match either package's sentinel.
	ErrQueueFull       = session.ErrQueueFull
	ErrMessageTooLarge = transport.ErrMessageTooLarge
)

// RemoteError is a failure reported by the broker or a remote handler.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: remote error code=%d", e.Code)
	}
	return fmt.Sprintf("client: remote error code=%d: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case schema.CodeNoSuchSession:
		return ErrNoSuchSession
	case schema.CodeNoHandler, schema.CodeUnknownHandler:
		return ErrNoHandler
	case schema.CodeHandlerFailed:
		return ErrHandlerFailed
	case schema.CodeFilterRejected:
		return ErrSendToFilterRejected
	case schema.CodeDuplicateHandler:
		return ErrDuplicateRegistration
	case schema.CodeSessionClosed:
		return ErrSessionClosed
	case schema.CodePermissionDenied:
		return ErrPermissionDenied
	default:
		return nil
	}
}

func remoteError(m session.Message) error {
	return &RemoteError{
		Code:    m.U32(schema.FieldErrorCode),
		Message: m.Text(schema.FieldError),
	}
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
