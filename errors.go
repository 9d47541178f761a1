package sl3

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode names one of the seven failure shapes the control plane
// distinguishes, not a raw errno. Several errnos can map to the same
// code. ErrCodeTransientTransport is never produced from an errno at
// all; ErrCodePersistentTransport is both assigned directly and used as
// the fallback for any errno mapErrnoToCode does not otherwise classify.
type ErrorCode int

const (
	// ErrCodeInvalidArgument covers a rejected rate, an out-of-range
	// routing pair or mode, or an oversized HID payload.
	ErrCodeInvalidArgument ErrorCode = iota
	// ErrCodeDeviceGone means the device's disconnected flag is set, or
	// the kernel reports the node is no longer present.
	ErrCodeDeviceGone
	// ErrCodeTransientTransport is a stall or overflow on a single URB:
	// recoverable by clearing the halt and resubmitting.
	ErrCodeTransientTransport
	// ErrCodePersistentTransport is three consecutive non-transient
	// failures on the same URB with no success in between.
	ErrCodePersistentTransport
	// ErrCodeTimeout is a HID response that didn't arrive within the
	// bring-up or command deadline.
	ErrCodeTimeout
	// ErrCodeResourceExhaustion is an allocation failure during probe.
	ErrCodeResourceExhaustion
	// ErrCodeBusy is a rate change attempted while a stream is running.
	ErrCodeBusy
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeDeviceGone:
		return "device gone"
	case ErrCodeTransientTransport:
		return "transient transport error"
	case ErrCodePersistentTransport:
		return "persistent transport error"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeResourceExhaustion:
		return "resource exhaustion"
	case ErrCodeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Transient reports whether code names a failure the streaming engine
// recovers from on its own (clear halt and resubmit) rather than one
// that propagates to a caller or surfaces as an xrun.
func (c ErrorCode) Transient() bool {
	return c == ErrCodeTransientTransport
}

// Error is the error type every sl3 operation returns: which operation
// failed, which device and (if relevant) which stream direction it
// concerns, the failure's taxonomy code, the errno that produced it if
// any, and a human-readable reason.
type Error struct {
	Op     string
	Device string
	Stream Direction
	Code   ErrorCode
	Errno  syscall.Errno
	Reason string
	Inner  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sl3: ")

	reason := e.Reason
	if reason == "" {
		reason = e.Code.String()
	}
	b.WriteString(reason)

	scope := e.scopeString()
	if scope != "" {
		b.WriteString(" (")
		b.WriteString(scope)
		b.WriteString(")")
	}
	return b.String()
}

// scopeString renders whichever context fields are set, in the order
// op, device, stream, errno, joined with commas. Unlike a single-entry summary this keeps
// every available clue (op, device, stream, errno) in the message
// rather than dropping all but one.
func (e *Error) scopeString() string {
	var fields []string
	if e.Op != "" {
		fields = append(fields, "op="+e.Op)
	}
	if e.Device != "" {
		fields = append(fields, "device="+e.Device)
	}
	if e.Stream != DirectionNone {
		fields = append(fields, "stream="+e.Stream.String())
	}
	if e.Errno != 0 {
		fields = append(fields, fmt.Sprintf("errno=%d", e.Errno))
	}
	return strings.Join(fields, ", ")
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is satisfies errors.Is by taxonomy code: callers branch on "was this
// a busy error" or "was this device-gone", not on which operation or
// device produced it.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds an error with no device or stream scope — used at
// the point where neither is known yet, such as argument validation
// before a device exists.
func NewError(op string, code ErrorCode, reason string) *Error {
	return &Error{Op: op, Stream: DirectionNone, Code: code, Reason: reason}
}

// NewDeviceError scopes an error to a probed device but no particular
// stream direction.
func NewDeviceError(op, device string, code ErrorCode, reason string) *Error {
	return &Error{Op: op, Device: device, Stream: DirectionNone, Code: code, Reason: reason}
}

// NewStreamError scopes an error to one playback or capture direction
// of a device — the shape a stream-level failure (xrun, discontinuity)
// actually has.
func NewStreamError(op, device string, dir Direction, code ErrorCode, reason string) *Error {
	return &Error{Op: op, Device: device, Stream: dir, Code: code, Reason: reason}
}

// NewErrorWithErrno builds an error carrying a specific kernel errno
// under an explicitly chosen code, for call sites that already know
// which taxonomy bucket the errno belongs to.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Stream: DirectionNone, Code: code, Errno: errno, Reason: errno.Error()}
}

// WrapError folds inner into an *Error carrying op: an already
// structured error keeps its code, scope and errno; a bare errno is
// classified by mapErrnoToCode; anything else becomes a persistent
// transport error, since by the time a bare error reaches the control
// plane it's almost always an unclassified I/O failure from the
// transport.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:     op,
			Device: se.Device,
			Stream: se.Stream,
			Code:   se.Code,
			Errno:  se.Errno,
			Reason: se.Reason,
			Inner:  se.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:     op,
			Stream: DirectionNone,
			Code:   mapErrnoToCode(errno),
			Errno:  errno,
			Reason: errno.Error(),
			Inner:  inner,
		}
	}

	return &Error{
		Op:     op,
		Stream: DirectionNone,
		Code:   ErrCodePersistentTransport,
		Reason: inner.Error(),
		Inner:  inner,
	}
}

// mapErrnoToCode classifies a kernel errno into one of the seven
// taxonomy codes. EPERM/EACCES fold into invalid argument rather than
// a dedicated permission code — the taxonomy has no separate category
// for it, and a rejected claim behaves the same as any other
// precondition failure from the caller's point of view.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENODEV, syscall.ENOENT, syscall.ESHUTDOWN, syscall.ENXIO:
		return ErrCodeDeviceGone
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG, syscall.EPERM, syscall.EACCES:
		return ErrCodeInvalidArgument
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeResourceExhaustion
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodePersistentTransport
	}
}

// IsCode reports whether err is an *Error tagged with code.
func IsCode(err error, code ErrorCode) bool {
	var sl3Err *Error
	if errors.As(err, &sl3Err) {
		return sl3Err.Code == code
	}
	return false
}

// IsErrno reports whether err is an *Error carrying errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var sl3Err *Error
	if errors.As(err, &sl3Err) {
		return sl3Err.Errno == errno
	}
	return false
}
