package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gridlock failures.
type ErrorKind string

const (
	// KindNetworkUnreachable covers resolution, dial and socket failures.
	KindNetworkUnreachable ErrorKind = "network_unreachable"
	// KindProtocolTruncated means a frame or field ended early.
	KindProtocolTruncated ErrorKind = "protocol_truncated"
	// KindProtocolMalformed means a size or length field pointed outside its frame.
	KindProtocolMalformed ErrorKind = "protocol_malformed"
	// KindServerRejected means the server answered with a non-zero flag.
	KindServerRejected ErrorKind = "server_rejected"
	// KindNotConnected means the operation needs a live session.
	KindNotConnected ErrorKind = "not_connected"
	// KindPreconditionViolated means the caller passed arguments the API cannot accept.
	KindPreconditionViolated ErrorKind = "precondition_violated"
	// KindTimeout means the caller's context expired while waiting on the server.
	KindTimeout ErrorKind = "timeout"
)

// Sentinels usable with errors.Is.
var (
	ErrNetworkUnreachable   = &Error{Kind: KindNetworkUnreachable}
	ErrProtocolTruncated    = &Error{Kind: KindProtocolTruncated}
	ErrProtocolMalformed    = &Error{Kind: KindProtocolMalformed}
	ErrServerRejected       = &Error{Kind: KindServerRejected}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrPreconditionViolated = &Error{Kind: KindPreconditionViolated}
	ErrTimeout              = &Error{Kind: KindTimeout}
)

// Error is the error type returned by gridlock packages.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Op names the operation that failed (connect, lock, decode.status, ...).
	Op string
	// Message is a human-readable explanation; for KindServerRejected it is
	// the text supplied by the server.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := "gridlock: " + string(e.Kind)
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ServerMessage returns the server supplied text of a rejected command.
func ServerMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindServerRejected {
		return e.Message
	}
	return ""
}
