// Package errs provides the structured error type shared by the daemon
// and client sides of procd, mapping POSIX-style protocol codes and
// kernel errno values onto the three error classes the wire protocol
// distinguishes: non-fatal protocol errors, fatal system errors, and
// terminal (connection-ending) errors.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a POSIX-style protocol error code, sent back to a client in a
// CmdError payload or used internally to classify a failure.
type Code string

const (
	CodeAlready          Code = "ALREADY"
	CodeNotFound         Code = "NOT_FOUND"
	CodeBadChannel       Code = "BAD_CHANNEL"
	CodeNotSupported     Code = "NOT_SUPPORTED"
	CodeNotRunning       Code = "NOT_RUNNING"
	CodeNotAttached      Code = "NOT_ATTACHED"
	CodeNoexec           Code = "NOEXEC"
	CodeNotASocket       Code = "NOT_A_SOCKET"
	CodeBufferUnderflow  Code = "BUFFER_UNDERFLOW"
	CodeBufferOverflow   Code = "BUFFER_OVERFLOW"
	CodeFrameTooLarge    Code = "FRAME_TOO_LARGE"
	CodeTruncatedSend    Code = "TRUNCATED_SEND"
	CodeProtocolMismatch Code = "PROTOCOL_MISMATCH"
	CodeIOError          Code = "IO_ERROR"
)

// Error is a structured procd error carrying the operation that failed,
// a high-level protocol code, an optional kernel errno, and an optional
// wrapped cause.
type Error struct {
	Op    string // operation that failed, e.g. "START", "ATTACH"
	Code  Code   // high-level protocol code
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("procd: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("procd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparisons against another *Error by Code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a structured protocol error.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WithErrno creates a structured error carrying a kernel errno.
func WithErrno(op string, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// Wrap wraps an existing error with procd context, mapping syscall
// errnos onto a protocol code where one applies.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: pe.Code, Errno: pe.Errno, Msg: pe.Msg, Inner: pe.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT:
		return CodeNotFound
	case syscall.EACCES, syscall.EPERM:
		return CodeNoexec
	case syscall.ECHILD:
		return CodeNotRunning
	case syscall.ENOTSOCK:
		return CodeNotASocket
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is a *Error with the given Code.
func IsCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// Convenience constructors for the protocol errors named throughout the
// daemon and client command handlers.

func Already(op string) *Error       { return New(op, CodeAlready, "already attached to a process") }
func NotFound(op string) *Error      { return New(op, CodeNotFound, "no such process") }
func BadChannel(op string) *Error    { return New(op, CodeBadChannel, "data sent on non-stdin channel") }
func NotSupported(op string) *Error  { return New(op, CodeNotSupported, "unsupported command") }
func NotRunning(op string) *Error    { return New(op, CodeNotRunning, "process is not running") }
func NotAttached(op string) *Error   { return New(op, CodeNotAttached, "no process attached") }
func Noexec(op, path string) *Error  { return New(op, CodeNoexec, fmt.Sprintf("not executable: %s", path)) }
func NotASocket(op, path string) *Error {
	return New(op, CodeNotASocket, fmt.Sprintf("not a socket: %s", path))
}
func BufferUnderflow(op string) *Error {
	return New(op, CodeBufferUnderflow, "short read past end of message")
}
func BufferOverflow(op string) *Error {
	return New(op, CodeBufferOverflow, "write exceeds message buffer")
}
func FrameTooLarge(op string) *Error {
	return New(op, CodeFrameTooLarge, "frame exceeds maximum size")
}
func TruncatedSend(op string) *Error {
	return New(op, CodeTruncatedSend, "short write sending frame")
}
func ProtocolMismatch(op string) *Error {
	return New(op, CodeProtocolMismatch, "reply id does not match outstanding request")
}
