// Unified error handling for the print host
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// ErrInvalidParameter is a malformed or out-of-range command field.
	// Reported to the caller; the job keeps running.
	ErrInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// ErrUnknownState is a restore of a never-saved coordinate state name.
	// Reported; no mutation happens.
	ErrUnknownState ErrorCode = "UNKNOWN_STATE"

	// ErrBusy is a resume while a job loop is already active, or a second
	// concurrent job-control request. Reported; no mutation happens.
	ErrBusy ErrorCode = "BUSY"

	// ErrInstruction is a failure of the dispatched line itself. Aborts the
	// current job after the configured recovery script runs.
	ErrInstruction ErrorCode = "INSTRUCTION"

	// ErrRecoveryUnavailable means checkpoint/metadata records are missing or
	// inconsistent. Recovery is skipped; the job must be restarted manually.
	ErrRecoveryUnavailable ErrorCode = "RECOVERY_UNAVAILABLE"

	// ErrIOFailure is a file open/read/seek failure. Aborts the job with an
	// explicit message.
	ErrIOFailure ErrorCode = "IO_FAILURE"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return &HostError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// InvalidParameter creates an error for a malformed command field
func InvalidParameter(command, param, value string) *HostError {
	return Newf(ErrInvalidParameter, "command '%s': invalid parameter '%s=%s'",
		command, param, value)
}

// UnknownState creates an error for an unsaved coordinate state name
func UnknownState(name string) *HostError {
	return Newf(ErrUnknownState, "unknown g-code state: %s", name)
}

// Busy creates an error for a conflicting job-control request
func Busy(what string) *HostError {
	return Newf(ErrBusy, "%s busy", what)
}

// Instruction creates an error for a failed dispatched line
func Instruction(line string, err error) *HostError {
	return Wrap(err, ErrInstruction, fmt.Sprintf("error dispatching %q", line))
}

// RecoveryUnavailable creates an error explaining why recovery was skipped
func RecoveryUnavailable(reason string) *HostError {
	return New(ErrRecoveryUnavailable, reason)
}

// IOFailure creates an error for a file operation failure
func IOFailure(op string, err error) *HostError {
	return Wrap(err, ErrIOFailure, op)
}

// Is checks if an error (anywhere in its chain) matches the given code
func Is(err error, code ErrorCode) bool {
	var he *HostError
	if stderrors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsLocal reports whether an error is recoverable without aborting the job
// (parameter and state-lookup errors are local; everything else terminates
// the active job).
func IsLocal(err error) bool {
	return Is(err, ErrInvalidParameter) ||
		Is(err, ErrUnknownState) ||
		Is(err, ErrBusy)
}
