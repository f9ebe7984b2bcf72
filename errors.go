// Package iotrace is the root package of the block-layer I/O tracer: it
// owns the taxonomy of errors and throughput metrics shared across the
// ring, registry, producer, control, and consumer packages.
package iotrace

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured tracer error carrying the operation that failed,
// the device/CPU it concerns (when applicable), and the error-kind
// taxonomy from the tracer's error handling design.
type Error struct {
	Op    string        // operation that failed, e.g. "registry.Add", "ring.Reserve"
	DevID uint64        // device id, 0 if not applicable
	CPU   int           // CPU index, -1 if not applicable
	Kind  ErrorKind     // high-level error category
	Errno syscall.Errno // kernel errno, 0 if not applicable
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.CPU >= 0 {
		parts = append(parts, fmt.Sprintf("cpu=%d", e.CPU))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("iotrace: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("iotrace: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target shares this error's Kind, supporting
// errors.Is(err, &Error{Kind: KindNotFound}) style comparisons.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// ErrorKind is the error taxonomy from the tracer's error handling design:
// a small closed set of categories, each with a fixed propagation policy.
type ErrorKind string

const (
	// KindValidation covers out-of-range parameters (duration, path
	// length, buffer size); reported to the operator, no state change.
	KindValidation ErrorKind = "validation"
	// KindResource covers out-of-memory and ring-full conditions; the
	// producer counts and continues, the control surface reports it.
	KindResource ErrorKind = "resource"
	// KindCompatibility covers magic or major-version mismatch; fatal
	// for the session, refuses to attach.
	KindCompatibility ErrorKind = "compatibility"
	// KindNotFound covers an unresolvable device path or an untraced
	// queue.
	KindNotFound ErrorKind = "not_found"
	// KindConflict covers a device already traced, or a buffer-size
	// change attempted while clients are attached.
	KindConflict ErrorKind = "conflict"
	// KindTransient covers a wait interrupted by a signal or a sink
	// write that should be retried; recovered locally.
	KindTransient ErrorKind = "transient"
	// KindFatal covers an unreadable ring header or a broadcast failure
	// mid-add; the session aborts and partial state rolls back.
	KindFatal ErrorKind = "fatal"
)

// New creates an *Error with no device/CPU/errno context.
func New(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DevID: 0, CPU: -1, Kind: kind, Msg: msg}
}

// NewErrno creates an *Error wrapping a kernel errno, mapped to a kind via
// mapErrnoToKind.
func NewErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, CPU: -1, Kind: mapErrnoToKind(errno), Errno: errno, Msg: errno.Error()}
}

// NewDeviceError creates an *Error scoped to a device.
func NewDeviceError(op string, devID uint64, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DevID: devID, CPU: -1, Kind: kind, Msg: msg}
}

// NewCPUError creates an *Error scoped to a per-CPU ring or worker.
func NewCPUError(op string, cpu int, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DevID: 0, CPU: cpu, Kind: kind, Msg: msg}
}

// Wrap attaches op to an existing error, preserving a *Error's kind/device/
// CPU context or mapping a raw syscall.Errno into the taxonomy.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if te, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: te.DevID, CPU: te.CPU, Kind: te.Kind, Errno: te.Errno, Msg: te.Msg, Inner: te.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, CPU: -1, Kind: mapErrnoToKind(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, CPU: -1, Kind: KindFatal, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToKind(errno syscall.Errno) ErrorKind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EEXIST, syscall.EBUSY:
		return KindConflict
	case syscall.EINVAL, syscall.E2BIG, syscall.ENAMETOOLONG:
		return KindValidation
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return KindCompatibility
	case syscall.ENOMEM, syscall.ENOSPC:
		return KindResource
	case syscall.EINTR, syscall.EAGAIN:
		return KindTransient
	default:
		return KindFatal
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
