// Package fault is the closed error taxonomy of the acquisition engine.
//
// Every error returned by the capture, device and feature packages is a
// *Error whose Kind is one of the constants below. Native status codes are
// kept on the error for logging but never used for control flow above the
// native package.
package fault

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is only returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota
	KindInvalidState
	KindInvalidArgument
	KindResourceExhausted
	KindDeviceError
	KindTimeout
	KindNotSupported
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "InvalidState"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindDeviceError:
		return "DeviceError"
	case KindTimeout:
		return "Timeout"
	case KindNotSupported:
		return "NotSupported"
	case KindDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrDeviceError       = errors.New("device error")
	ErrTimeout           = errors.New("timeout")
	ErrNotSupported      = errors.New("not supported")
	ErrDisconnected      = errors.New("disconnected")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidState:
		return ErrInvalidState
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindResourceExhausted:
		return ErrResourceExhausted
	case KindDeviceError:
		return ErrDeviceError
	case KindTimeout:
		return ErrTimeout
	case KindNotSupported:
		return ErrNotSupported
	case KindDisconnected:
		return ErrDisconnected
	default:
		return nil
	}
}

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "FrameAnnounce" or "arm".
	Op string
	// Status is the native code that produced the error, StatusSuccess when
	// the error originated in the engine itself.
	Status native.Status
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Status != native.StatusSuccess {
		msg += fmt.Sprintf(" (native %s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the Kind sentinel and other *Error values of the same Kind.
func (e *Error) Is(target error) bool {
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Op == "" && other.Msg == ""
	}
	return false
}

// New returns an engine-originated error.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
