// Package kerr is the structured error taxonomy every core package
// returns through: transport failures, protocol violations,
// device-reported errors, precondition failures, and local I/O errors.
// Only Timeout and the initial device open are retried internally;
// everything else is returned to the caller as-is.
package kerr

import "fmt"

// Kind is the closed set of error categories the core ever produces.
type Kind int

const (
	// KindUsb is an enumeration/open/claim/transfer failure at the
	// transport layer.
	KindUsb Kind = iota
	// KindTimeout is a bulk transfer that returned after its budget.
	// Used as a retry signal; only surfaced once the retry budget is
	// exhausted.
	KindTimeout
	// KindProtocol is a CSW mismatch or malformed image structure.
	KindProtocol
	// KindDevice is a CSW with result != OK, optionally carrying a
	// device-supplied message.
	KindDevice
	// KindPrecondition is a caller-supplied range/alignment/capacity
	// violation caught before any I/O.
	KindPrecondition
	// KindIO is a local file I/O failure.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindUsb:
		return "usb"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindDevice:
		return "device"
	case KindPrecondition:
		return "precondition"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every core package.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "uboot.EraseLba".
	Op string
	// DeviceMsg carries the device's own ERROR_MSG string, when one was
	// supplied.
	DeviceMsg string
	// Offset and Size annotate range-based operations; zero value means
	// "not applicable".
	Offset, Size uint64
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("kburn: %s: %s", e.Kind, e.Op)
	if e.Size != 0 || e.Offset != 0 {
		msg += fmt.Sprintf(" [offset=0x%x size=0x%x]", e.Offset, e.Size)
	}
	if e.DeviceMsg != "" {
		msg += fmt.Sprintf(" (device: %s)", e.DeviceMsg)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers
// can do errors.Is(err, kerr.Timeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func new(kind Kind, op string) *Error { return &Error{Kind: kind, Op: op} }

// Sentinels for errors.Is comparisons against a bare kind.
var (
	Usb          = new(KindUsb, "")
	Timeout      = new(KindTimeout, "")
	Protocol     = new(KindProtocol, "")
	Device       = new(KindDevice, "")
	Precondition = new(KindPrecondition, "")
	IO           = new(KindIO, "")
)

// Wrap builds an Error around a lower-level error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapRange builds a range-annotated Error.
func WrapRange(kind Kind, op string, offset, size uint64, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: offset, Size: size, Err: err}
}

// Msg builds an Error carrying only a formatted message (no wrapped err).
func Msg(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// DeviceError builds a KindDevice error carrying the device's own
// message, surfaced verbatim from an ERROR_MSG CSW.
func DeviceError(op, deviceMsg string) *Error {
	return &Error{Kind: KindDevice, Op: op, DeviceMsg: deviceMsg}
}
