package registration

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failed registration.
type Kind int

const (
	KindUnauthorized Kind = iota + 1
	KindMalformedCSR
	KindIdentityMismatch
	KindSigning
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindMalformedCSR:
		return "malformed_csr"
	case KindIdentityMismatch:
		return "identity_mismatch"
	case KindSigning:
		return "signing"
	default:
		return "unknown"
	}
}

// Status is the HTTP status returned for k.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindMalformedCSR, KindIdentityMismatch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client facing text for k. Details stay in the logs.
func (k Kind) Message() string {
	switch k {
	case KindUnauthorized:
		return "Client Certificate missing"
	case KindMalformedCSR, KindIdentityMismatch:
		return "Csr is not valid"
	default:
		return "Error signing CSR"
	}
}

// Error is returned by Pipeline.Handle.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of err, or KindSigning for errors that did not
// come from the pipeline.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSigning
}
