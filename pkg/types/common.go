package types

import (
	"errors"
	"fmt"
)

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
// This lets callers match with errors.Is(err, types.NewError(code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetErrorCode returns the error code from the outermost coded error
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalid            = "INVALID"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"

	// Messaging layer error codes
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeDuplicateIdentity = "DUPLICATE_IDENTITY"
	ErrCodeTransport         = "TRANSPORT"
	ErrCodeBufferUnderrun    = "BUFFER_UNDERRUN"
	ErrCodeProtocol          = "PROTOCOL"
	ErrCodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
)

// ErrNotConnected is returned when an operation needs a connected process connection
func ErrNotConnected(op, detail string) *Error {
	return NewError(ErrCodeNotConnected, fmt.Sprintf("attempt to %s %s without a connection", op, detail))
}

// ErrDuplicateIdentity is returned by connect when another process already listens
// on the same inbound channel
func ErrDuplicateIdentity(channel string, subscribers int64) *Error {
	return NewError(ErrCodeDuplicateIdentity,
		fmt.Sprintf("channel %s already has %d subscriber(s); duplicated process identity", channel, subscribers))
}

// ErrTransport wraps a broker transport failure
func ErrTransport(message string, err error) *Error {
	return WrapError(ErrCodeTransport, message, err)
}

// ErrTimeout is returned when a wait exceeds its budget
func ErrTimeout(message string) *Error {
	return NewError(ErrCodeTimeout, message)
}

// ErrBufferUnderrun is returned when a read needs more bytes than are available
func ErrBufferUnderrun(want, available int) *Error {
	return NewError(ErrCodeBufferUnderrun,
		fmt.Sprintf("need %d byte(s), %d available", want, available))
}

// ErrProtocol is returned for structurally invalid frames
func ErrProtocol(message string, err error) *Error {
	return WrapError(ErrCodeProtocol, message, err)
}

// ErrPayloadTooLarge is returned when a length-prefixed field cannot hold the value
func ErrPayloadTooLarge(field string, size, limit int) *Error {
	return NewError(ErrCodePayloadTooLarge,
		fmt.Sprintf("%s is %d bytes, limit is %d", field, size, limit))
}
