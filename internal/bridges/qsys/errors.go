package qsys

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the DSP control client.
var (
	// ErrConnectionFailed is returned when the transport cannot be opened.
	ErrConnectionFailed = errors.New("qsys: connection failed")

	// ErrLogonFailed is returned when the device rejects Logon.
	ErrLogonFailed = errors.New("qsys: logon failed")

	// ErrNotConnected is returned by commands issued while no session is up.
	ErrNotConnected = errors.New("qsys: not connected")

	// ErrSessionClosed fails calls that were pending when the session ended.
	ErrSessionClosed = errors.New("qsys: session closed")

	// ErrRequestTimeout is returned when a reply does not arrive in time.
	ErrRequestTimeout = errors.New("qsys: request timed out")

	// ErrFrameTooLarge is a fatal transport error: the peer sent more than
	// maxFrameSize bytes without a terminator.
	ErrFrameTooLarge = errors.New("qsys: frame exceeds maximum size")

	// ErrUnknownControl is returned by Get when the reply lacks the control.
	ErrUnknownControl = errors.New("qsys: control not reported by device")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("qsys: client closed")
	// ErrInvalidConfig is returned by Connect when no address is configured.
	ErrInvalidConfig = errors.New("qsys: invalid configuration")
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("qsys: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("qsys: rpc error: %s (code %d)", e.Message, e.Code)
}
