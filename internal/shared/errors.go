package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode
// surfaced to the caller. Sane defaults are listed below; routes that need a
// custom message build their own and the router returns the exact message
// from the error body.
//
// Errors coming out of the dispatch layer are classified as BackendError and
// mapped onto a RequestError at the route boundary, so handlers stay the
// single place where backend failures turn into HTTP status codes.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

// Validation builds the 400 used for malformed request content. The message
// is shown to the caller verbatim.
func Validation(msg string) *RequestError {
	return &RequestError{StatusCode: 400, Err: errors.New(msg)}
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrInvalidRequest      = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrRequestTimeout      = &RequestError{Err: errors.New("request timed out waiting for the inference backend"), StatusCode: 504}
)

// BackendErrorKind classifies a failed backend call. Only unavailable is
// retryable: protocol and inference failures indicate a contract or model
// problem that a retry cannot fix.
type BackendErrorKind string

const (
	BackendUnavailable BackendErrorKind = "unavailable"
	BackendProtocol    BackendErrorKind = "protocol"
	BackendInference   BackendErrorKind = "inference"
)

type BackendError struct {
	Kind BackendErrorKind
	Err  error
}

func (b *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", b.Kind, b.Err)
}

func (b *BackendError) Unwrap() error {
	return b.Err
}

func (b *BackendError) Retryable() bool {
	return b.Kind == BackendUnavailable
}

func NewBackendError(kind BackendErrorKind, err error) *BackendError {
	return &BackendError{Kind: kind, Err: err}
}

// AsBackendError unwraps err down to a BackendError if one is in the chain.
func AsBackendError(err error) (*BackendError, bool) {
	var berr *BackendError
	if errors.As(err, &berr) {
		return berr, true
	}
	return nil, false
}
