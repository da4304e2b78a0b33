// Package apperr defines the error taxonomy shared by the session core and
// the dispatch boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that must react to it.
type Kind int

const (
	// KindUnknown is the zero Kind; errors that are not *Error report it.
	KindUnknown Kind = iota
	// KindNotFound means the account, session, request, or object is unknown.
	KindNotFound
	// KindInvalidInput means a malformed identifier or a missing field.
	KindInvalidInput
	// KindNotConnected means the operation requires a live session.
	KindNotConnected
	// KindAlreadyExists covers duplicate connects and duplicate request ids.
	KindAlreadyExists
	// KindExternalFailure means the protocol client or the network failed.
	KindExternalFailure
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotConnected:
		return "not_connected"
	case KindAlreadyExists:
		return "already_exists"
	case KindExternalFailure:
		return "external_failure"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is; any *Error of the same Kind matches.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrNotConnected    = &Error{Kind: KindNotConnected}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrExternalFailure = &Error{Kind: KindExternalFailure}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "session.SitOnObject".
	Op  string
	Msg string
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New builds a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// External wraps a protocol-client failure.
func External(op string, err error) error {
	return Wrap(KindExternalFailure, op, err)
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
