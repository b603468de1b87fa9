// Package errkind classifies the engine's errors into the small set of
// kinds spec'd for the client (section 7): format-error, transport-error,
// timed-out, cancelled and code-error. Every fatal error the engine
// raises is wrapped with one of these so the application layer can
// switch on Kind() instead of string-matching error text.
package errkind

import "github.com/pkg/errors"

type Kind string

const (
	FormatError    Kind = "format-error"
	TransportError Kind = "transport-error"
	TimedOut       Kind = "timed-out"
	Cancelled      Kind = "cancelled"
	CodeError      Kind = "code-error"
)

// kindError pairs a Kind with the underlying cause, mirroring the
// teacher's coapError{err, timeout} shape generalized to five kinds.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	return string(e.kind) + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

func (e *kindError) Kind() Kind {
	return e.kind
}

// New wraps msg as an error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Wrap annotates err with msg and classifies it as kind. Returns nil if
// err is nil, matching errors.Wrap's convention.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrap(err, msg)}
}

// Of returns the Kind attached to err (by New/Wrap anywhere in its chain)
// and whether one was found.
func Of(err error) (Kind, bool) {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ke == nil {
		return "", false
	}
	return ke.kind, true
}

// Is reports whether err is classified as kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
