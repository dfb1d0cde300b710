// Package fault carries the service's error taxonomy. Errors are created at
// the point of detection and surfaced unchanged; the HTTP layer maps kinds
// to status codes.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Internal is any failure outside the taxonomy (store errors, bugs).
	Internal Kind = iota
	// MalformedInput fails shape/charset/range validation. Checked before
	// any store access.
	MalformedInput
	// NotFound means a referenced user, group, or note does not exist.
	NotFound
	// PermissionDenied means the actor is not the owner of the resource.
	PermissionDenied
	// Conflict covers duplicate identifiers and invalid state transitions
	// such as sharing a note with nobody.
	Conflict
	// InvalidCredentials is an authentication mismatch.
	InvalidCredentials
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case Conflict:
		return "conflict"
	case InvalidCredentials:
		return "invalid_credentials"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or Internal if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
