// Package corerr defines the stable error taxonomy shared across the
// conversation engine (spec §6/§7): every error that crosses a component
// boundary carries one of a small set of classification codes so callers
// can branch on "what kind of failure" without parsing error strings.
package corerr

import (
	"errors"
	"fmt"
)

// Code is a stable error classification. Values are part of the external
// interface (exit codes map 1:1 to these).
type Code string

const (
	NotFound         Code = "not_found"
	InvalidInput     Code = "invalid_input"
	PermissionDenied Code = "permission_denied"
	InvalidData      Code = "invalid_data"
	AlreadyExists    Code = "already_exists"
	WouldBlock       Code = "would_block"
	TimedOut         Code = "timed_out"
	InternalError    Code = "internal_error"
	StorageFull      Code = "storage_full"
)

// Error wraps a cause with a stable Code.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Wrapf attaches a code and formatted message to an existing error.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to InternalError if the
// error was not produced by this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return InternalError
}

// ExitCode maps a Code to a process exit status, stable per spec §6.
func ExitCode(code Code) int {
	switch code {
	case "":
		return 0
	case NotFound:
		return 2
	case InvalidInput:
		return 3
	case PermissionDenied:
		return 4
	case InvalidData:
		return 5
	case AlreadyExists:
		return 6
	case WouldBlock:
		return 7
	case TimedOut:
		return 8
	case StorageFull:
		return 9
	default:
		return 1
	}
}
