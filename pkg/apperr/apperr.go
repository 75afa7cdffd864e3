package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure classes a client can observe.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrMergeIntegrity    = errors.New("merge integrity")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrTransportLost     = errors.New("transport lost")
	ErrSerialization     = errors.New("serialization conflict")
	ErrInvalid           = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrNoChanges         = errors.New("no changes")
)

// Error is a domain error with a stable wire code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a class sentinel and a message to cause. The result
// matches both the sentinel and cause under errors.Is.
func Wrap(class error, message string, cause error) error {
	err := &Error{Code: codeOf(class), Message: message, Err: class}
	if cause != nil {
		err.Err = joined{class: class, cause: cause}
	}
	return err
}

// New returns an error of the given class.
func New(class error, message string) error {
	return &Error{Code: codeOf(class), Message: message, Err: class}
}

type joined struct {
	class error
	cause error
}

func (j joined) Error() string   { return j.cause.Error() }
func (j joined) Unwrap() []error { return []error{j.class, j.cause} }

// Code returns the wire code for err.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	for _, class := range classes {
		if errors.Is(err, class) {
			return codeOf(class)
		}
	}
	return "internal"
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSerialization):
		return http.StatusConflict
	case errors.Is(err, ErrNoChanges):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var classes = []error{
	ErrUnauthorized,
	ErrPersistenceFailed,
	ErrMergeIntegrity,
	ErrUpstreamTimeout,
	ErrTransportLost,
	ErrSerialization,
	ErrInvalid,
	ErrNotFound,
	ErrNoChanges,
}

func codeOf(class error) string {
	switch class {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrPersistenceFailed:
		return "persistence_failed"
	case ErrMergeIntegrity:
		return "merge_integrity"
	case ErrUpstreamTimeout:
		return "upstream_timeout"
	case ErrTransportLost:
		return "transport_lost"
	case ErrSerialization:
		return "serialization_conflict"
	case ErrInvalid:
		return "invalid_request"
	case ErrNotFound:
		return "not_found"
	case ErrNoChanges:
		return "no_changes"
	default:
		return "internal"
	}
}
