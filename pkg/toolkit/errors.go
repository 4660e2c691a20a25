package toolkit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a dispatch failure.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimited
	KindTimeout
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a tagged dispatch error. Every failure raised inside a dispatch
// is converted into one of these at the dispatcher boundary; nothing
// propagates to the transport layer as an unhandled fault.
type Error struct {
	Kind    ErrorKind
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps the error kind to a JSON-RPC 2.0 error code.
func (e *Error) RPCCode() int {
	switch e.Kind {
	case KindValidation:
		return CodeInvalidParams
	case KindNotFound:
		return CodeMethodNotFound
	default:
		return CodeInternalError
	}
}

// Constructors for the taxonomy.

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authenticationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

func Authorizationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown tool. The registered tool names travel in
// Data so a caller can recover without a separate discovery round-trip.
func NotFoundError(name string, registered []string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("tool not found: %s", name),
		Data:    map[string]any{"availableTools": registered},
	}
}

func RateLimitedf(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...)}
}

func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as a tagged *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
