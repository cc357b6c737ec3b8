package realtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported to a connection.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindValidation     ErrorKind = "validation"
	KindPersistence    ErrorKind = "persistence"
	KindAuthorization  ErrorKind = "authorization"
	KindInternal       ErrorKind = "internal"
)

const (
	CodeMissingCredential = "missing_credential"
	CodeInvalidCredential = "invalid_credential"
	CodeMalformedEvent    = "malformed_event"
	CodeEmptyContent      = "empty_content"
	CodeContentTooLong    = "content_too_long"
	CodeInvalidTarget     = "invalid_target"
	CodeForbidden         = "forbidden"
	CodePersistFailed     = "persist_failed"
	CodePersistTimeout    = "persist_timeout"
	CodeRateLimited       = "rate_limited"
	CodeUnknownConnection = "unknown_connection"
	CodeInternal          = "internal_error"
)

var (
	ErrMissingCredential = errors.New("realtime: no credential")
	ErrInvalidCredential = errors.New("realtime: invalid credential")
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	ErrForbidden         = errors.New("realtime: not permitted")
)

// Error is a connection-local failure. Message is safe to show to the client;
// the cause stays server side.
type Error struct {
	Kind     ErrorKind
	Code     string
	Message  string
	sentinel error
	cause    error
}

func newError(kind ErrorKind, code, message string, sentinel, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, sentinel: sentinel, cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s.%s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
}

func (e *Error) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.sentinel != nil {
		unwrapped = append(unwrapped, e.sentinel)
	}
	if e.cause != nil {
		unwrapped = append(unwrapped, e.cause)
	}
	return unwrapped
}

// KindOf returns the error kind, treating foreign errors as internal.
func KindOf(err error) ErrorKind {
	var realtimeErr *Error
	if errors.As(err, &realtimeErr) {
		return realtimeErr.Kind
	}
	return KindInternal
}

func asRealtimeError(err error) *Error {
	var realtimeErr *Error
	if errors.As(err, &realtimeErr) {
		return realtimeErr
	}
	return newError(KindInternal, CodeInternal, "internal error", nil, err)
}
