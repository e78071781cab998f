package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode categorizes relay failures so clients can branch on them.
type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "authentication_failed"
	CodeUnsupportedBackend   ErrorCode = "unsupported_backend"
	CodeRoomAlreadyExists    ErrorCode = "room_already_exists"
	CodeInitializationFailed ErrorCode = "initialization_failed"
	CodeUnknownRoom          ErrorCode = "unknown_room"
	CodeNotAMember           ErrorCode = "not_a_member"
	CodeUnknownCallID        ErrorCode = "unknown_call_id"
	CodeBackendProcessing    ErrorCode = "backend_processing_error"
	CodeFunctionCallTimeout  ErrorCode = "function_call_timeout"
	CodeBadPayload           ErrorCode = "bad_payload"
)

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(cause error, code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the error code, defaulting to backend_processing_error for
// uncategorized failures.
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeBackendProcessing
}
