// Package errors provides structured errors for the relay and client.
// Every error carries a code from the closed wire set, so a failure can be
// put on the wire, surfaced to a caller, or matched for retry without
// string inspection.
package errors

import (
	"errors"
	"fmt"
)

// Code represents a structured error code from the protocol's closed set.
type Code string

const (
	// Routing / state errors
	CodeInstanceNotFound     Code = "INSTANCE_NOT_FOUND"
	CodeInstanceReloading    Code = "INSTANCE_RELOADING"
	CodeInstanceBusy         Code = "INSTANCE_BUSY"
	CodeInstanceDisconnected Code = "INSTANCE_DISCONNECTED"
	CodeQueueFull            Code = "QUEUE_FULL"
	CodeTimeout              Code = "TIMEOUT"

	// Command errors
	CodeCommandNotFound        Code = "COMMAND_NOT_FOUND"
	CodeInvalidParams          Code = "INVALID_PARAMS"
	CodeCapabilityNotSupported Code = "CAPABILITY_NOT_SUPPORTED"
	CodeInternal               Code = "INTERNAL_ERROR"

	// Protocol / framing errors (fatal for the connection)
	CodeProtocolError           Code = "PROTOCOL_ERROR"
	CodeMalformedJSON           Code = "MALFORMED_JSON"
	CodePayloadTooLarge         Code = "PAYLOAD_TOO_LARGE"
	CodeProtocolVersionMismatch Code = "PROTOCOL_VERSION_MISMATCH"
)

// retryableCodes are the errors a client may retry with the same request
// id. Everything else surfaces immediately.
var retryableCodes = map[Code]bool{
	CodeInstanceReloading: true,
	CodeInstanceBusy:      true,
	CodeQueueFull:         true,
	CodeTimeout:           true,
}

// Error is a structured relay error.
type Error struct {
	Code       Code
	Message    string
	Underlying error
	Context    map[string]any
}

// New creates a new structured error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message. Returns nil if
// err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Underlying: err}
}

// WithContext attaches a key-value pair to the error for logging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Retryable reports whether the error is transient per the closed set.
func (e *Error) Retryable() bool {
	return retryableCodes[e.Code]
}

// Is matches by code, so errors.Is(err, errors.New(CodeTimeout, ""))
// holds for any timeout regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the structured code from err, or CodeInternal if err is
// not a structured error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a transient code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
