package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Unauthorized
	Forbidden
	UpstreamTransient
	UpstreamRejected
	Timeout
)

const upstreamMessage = "payment provider unavailable, try again"

var kindNames = map[Kind]string{
	Internal:          "internal",
	Validation:        "validation",
	NotFound:          "not_found",
	Unauthorized:      "unauthorized",
	Forbidden:         "forbidden",
	UpstreamTransient: "upstream_unavailable",
	UpstreamRejected:  "upstream_rejected",
	Timeout:           "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case UpstreamTransient:
		return http.StatusServiceUnavailable
	case UpstreamRejected:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Message is safe to show to callers, Err
// keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validationf(message string) *Error { return New(Validation, message) }

func NotFoundf(message string) *Error { return New(NotFound, message) }

// Upstream errors never carry provider text to the caller.
func Upstream(transient bool, err error) *Error {
	if transient {
		return Wrap(UpstreamTransient, upstreamMessage, err)
	}
	return Wrap(UpstreamRejected, upstreamMessage, err)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// PublicMessage returns the text shown to API callers for err.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case UpstreamTransient, UpstreamRejected:
		return upstreamMessage
	case Internal:
		return "internal error"
	default:
		return e.Message
	}
}
