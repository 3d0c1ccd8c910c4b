package rdmacore

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures the way the connection-manager dispatch
// table and allocators report them (spec §7).
type ErrorCode string

const (
	ErrCodeAddrError       ErrorCode = "addr_error"
	ErrCodeRouteError      ErrorCode = "route_error"
	ErrCodeUnreachable     ErrorCode = "unreachable"
	ErrCodeConnectError    ErrorCode = "connect_error"
	ErrCodeRefused         ErrorCode = "refused"
	ErrCodeOutOfMemory     ErrorCode = "out_of_memory"
	ErrCodeInvalidArgument ErrorCode = "invalid_argument"
	ErrCodeNotSupported    ErrorCode = "not_supported"
	ErrCodeProgramError    ErrorCode = "program_error"
)

// Error is a structured error carrying the connection/device context the
// upcall observer needs to report a meaningful diagnostic.
type Error struct {
	Op      string    // operation that failed, e.g. "resolve_route", "alloc_slots"
	DevID   uint32    // device GUID, 0 if not applicable
	ConnID  uint64    // connection id, 0 if not applicable
	Code    ErrorCode
	Reason  int   // peer-supplied rejection reason, only for ErrCodeRefused
	Errno   error // underlying syscall/cgo error, nil if not applicable
	Msg     string
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.ConnID != 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnID))
	}
	if e.Errno != nil {
		parts = append(parts, fmt.Sprintf("errno=%v", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("rdmacore: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("rdmacore: %s", msg)
}

func (e *Error) Unwrap() error { return e.Errno }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op string, code ErrorCode, msg string, errno error) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Errno: errno}
}

// Sentinel errors for errors.Is comparisons against a bare code, mirroring
// how callers compare against UblkErrorCode in the teacher.
var (
	ErrOutOfMemory     = &Error{Code: ErrCodeOutOfMemory, Msg: "out of memory"}
	ErrInvalidArgument = &Error{Code: ErrCodeInvalidArgument, Msg: "invalid argument"}
	ErrNotSupported    = &Error{Code: ErrCodeNotSupported, Msg: "not supported"}
	ErrProgramError    = &Error{Code: ErrCodeProgramError, Msg: "program invariant violated"}
	ErrUnreachable     = &Error{Code: ErrCodeUnreachable, Msg: "destination unreachable"}
)

// ErrRefused builds a Refused{reason} error carrying the peer's rejection code.
func ErrRefused(reason int) *Error {
	return &Error{Code: ErrCodeRefused, Msg: "connection refused", Reason: reason}
}

// IsProgramError reports whether err is a ProgramError, the class spec §7
// calls a fatal invariant violation rather than a recoverable condition.
func IsProgramError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeProgramError
	}
	return false
}

// ErrClosed is returned by Endpoint methods called after Close.
var ErrClosed = errors.New("rdmacore: endpoint closed")

// ErrNoDevices is returned by Dial/Listen when the endpoint has no
// registered devices to create a connection id against.
var ErrNoDevices = errors.New("rdmacore: no devices registered")
