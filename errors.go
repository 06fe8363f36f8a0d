package lgrd

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies failures by their propagation scope.
type ErrorKind basetype

const (
	_KIND_UNKNOWN   ErrorKind = iota
	KIND_CONNECTION           // client-to-daemon transport, scoped to one connection or call
	KIND_PROTOCOL             // malformed frame, terminates one connection
	KIND_IO                   // write or rotation failure, retried then recorded
	KIND_CONFIG               // invalid startup parameters, the only fatal kind
	KIND_CAPACITY             // queue full or connection cap exceeded
	_KIND_MAX_for_checks_only
)

var kindNames = [_KIND_MAX_for_checks_only]string{
	"unknown error",
	"connection error",
	"protocol error",
	"i/o error",
	"configuration error",
	"capacity error",
}

const (
	// Error messages used across daemon operations (used for testing).
	_ERROR_MESSAGE_DAEMON_STARTED  = "daemon is already started"
	_ERROR_MESSAGE_DAEMON_INACTIVE = "daemon is not active"
	_ERROR_MESSAGE_QUEUE_CLOSED    = "ingestion queue is closed"
	_ERROR_MESSAGE_QUEUE_FULL      = "ingestion queue is full, record dropped"
	_ERROR_MESSAGE_BAD_LEVEL       = "unrecognized level byte"
	_ERROR_MESSAGE_BAD_LENGTH      = "frame length exceeds limit"
	_ERROR_MESSAGE_TRUNCATED       = "truncated frame"
	_ERROR_MESSAGE_SOCKET_IN_USE   = "socket is in use by another daemon"
	_ERROR_UNKNOWN_PANIC_TEXT      = "[no panic description]"
)

// Error is the error value returned by daemon and client operations. Kind
// tells the caller how far the failure reaches; Err keeps the cause.
type Error struct {
	Err  error
	Op   string
	Kind ErrorKind
}

// Sentinels for errors.Is checks: errors.Is(err, lgrd.ErrCapacity).
var (
	ErrConnection = &Error{Kind: KIND_CONNECTION}
	ErrProtocol   = &Error{Kind: KIND_PROTOCOL}
	ErrIO         = &Error{Kind: KIND_IO}
	ErrConfig     = &Error{Kind: KIND_CONFIG}
	ErrCapacity   = &Error{Kind: KIND_CAPACITY}

	ErrQueueClosed = errors.New(_ERROR_MESSAGE_QUEUE_CLOSED)
)

func (e *Error) Error() string {
	s := kindNames[norm_byte(e.Kind, _KIND_MAX_for_checks_only, _KIND_UNKNOWN)]
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinels (no Op, no Err) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError wraps err into an *Error of the given kind.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return _KIND_UNKNOWN
}

func protocolError(msg string, err error) error {
	if err == nil {
		return NewError(KIND_PROTOCOL, "read frame", errors.New(msg))
	}
	return NewError(KIND_PROTOCOL, "read frame", errors.Wrap(err, msg))
}
