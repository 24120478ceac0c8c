package proto

import (
	"errors"
	"fmt"
)

// Kind classifies routing failures.
type Kind int

const (
	KindInvalidAddress Kind = iota + 1
	KindUnknownAddressType
	KindNotReady
	KindMalformedPayload
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAddress:
		return "invalid address"
	case KindUnknownAddressType:
		return "unknown address type"
	case KindNotReady:
		return "not ready"
	case KindMalformedPayload:
		return "malformed payload"
	case KindTransport:
		return "transport failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrInvalidAddress     = &Error{Kind: KindInvalidAddress}
	ErrUnknownAddressType = &Error{Kind: KindUnknownAddressType}
	ErrNotReady           = &Error{Kind: KindNotReady, Retryable: true}
	ErrMalformedPayload   = &Error{Kind: KindMalformedPayload}
	ErrTransport          = &Error{Kind: KindTransport}
)

// Error is the routing error type. Retryable is only ever set for KindNotReady.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel (or any *Error) of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: kind == KindNotReady, Err: err}
}

func InvalidAddress(op string, format string, args ...any) error {
	return newError(KindInvalidAddress, op, fmt.Errorf(format, args...))
}

func UnknownAddressType(op string, t AddressType) error {
	return newError(KindUnknownAddressType, op, fmt.Errorf("no handler registered for %q", t))
}

// NotReady reports that a dependency of op has not been configured yet. The
// returned error is retryable.
func NotReady(op string, format string, args ...any) error {
	return newError(KindNotReady, op, fmt.Errorf(format, args...))
}

func MalformedPayload(op string, err error) error {
	return newError(KindMalformedPayload, op, err)
}

func Transport(op string, err error) error {
	return newError(KindTransport, op, err)
}

// IsRetryable reports whether err, or any error it wraps, is flagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
