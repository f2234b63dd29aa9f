package calculation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a calculation failure
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUpstream          Kind = "upstream"
	KindUpstreamClient    Kind = "upstream_client"
	KindMalformedResponse Kind = "malformed_response"
	KindUnauthenticated   Kind = "unauthenticated"
	KindInternal          Kind = "internal"
)

// Error is the typed failure surfaced by adapters and the orchestrator
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Raw     string // unparseable provider payload, malformed responses only
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a retry loop may re-invoke the failing call.
// Only transient upstream failures qualify; a 4xx cause, timeouts included,
// never does.
func (e *Error) Retryable() bool {
	if e.Kind != KindUpstream {
		return false
	}
	var sc statusCoder
	if errors.As(e.Err, &sc) {
		status := sc.HTTPStatus()
		return status < 400 || status >= 500
	}
	return true
}

// NewError creates a typed error without a cause
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Errorf creates a typed error with a formatted message
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause
func WrapError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Malformed builds a malformed-response error carrying the raw payload
func Malformed(op, message, raw string, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Op: op, Message: message, Raw: raw, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a calculation error of the given kind
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsTerminal reports whether reprocessing the same input can never succeed
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindUpstreamClient, KindMalformedResponse, KindUnauthenticated:
		return true
	}
	return false
}

type statusCoder interface {
	HTTPStatus() int
}

// FromUpstream translates a provider failure into the calculation taxonomy.
// Errors that are already typed pass through unchanged. A 404 is a rejected
// request like any other 4xx; adapters that read it as "no such record"
// handle it before calling here.
func FromUpstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(KindInternal, op, "request cancelled", err)
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == http.StatusRequestTimeout:
			return WrapError(KindUpstream, op, "upstream timed out", err)
		case status >= 400 && status < 500:
			return WrapError(KindUpstreamClient, op, "upstream rejected request", err)
		}
	}
	return WrapError(KindUpstream, op, "upstream unavailable", err)
}

// HTTPStatus maps a kind to the status code presented to API callers
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream, KindUpstreamClient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code maps a kind to the stable machine-readable error code
func Code(kind Kind) string {
	switch kind {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindValidation:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindUpstream:
		return "unavailable"
	case KindUpstreamClient:
		return "upstream-rejected"
	default:
		return "internal"
	}
}
