// Package errdefs defines the error taxonomy shared by the planning client,
// the command queue, the execution monitor, and the workflow engine.
//
// Errors fall into a small set of kinds:
//   - TransportError: the network call failed or returned a non-success status
//     after the retry policy gave up. Retryable.
//   - ProtocolError: the remote answered 2xx but the body was malformed or
//     empty. Never retried.
//   - ValidationError: input rejected before any network call.
//   - CommandExecutionError: a single queued command failed. Recorded on the
//     pending command and never escapes the dispatcher.
//
// ErrApprovalRequired is a flow-control signal, not a failure.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrApprovalRequired  = errors.New("approval required")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrPollLimit         = errors.New("poll limit reached")
	ErrClosed            = errors.New("closed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransportError reports a request that could not be completed successfully
// after all retry attempts.
type TransportError struct {
	Op         string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("%s: transport failure after %d attempt(s): HTTP %d: %v", e.Op, e.Attempts, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: transport failure after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s: transport failure after %d attempt(s): HTTP %d", e.Op, e.Attempts, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *TransportError) Retryable() bool { return true }

// ProtocolError reports a success response whose body could not be used.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: protocol error: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Retryable() bool { return false }

// ValidationError reports input rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Retryable() bool { return false }

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CommandExecutionError reports the failure of one dispatched command.
type CommandExecutionError struct {
	CommandID string
	Kind      string
	Message   string
	Err       error
}

func (e *CommandExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %s (%s) failed: %s", e.CommandID, e.Kind, msg)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

func (e *CommandExecutionError) Retryable() bool { return false }

// retryable is implemented by every error kind in this package.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err, or any error it wraps, is classified as
// transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// User-visible messages. These are stable strings the calling workflow shows
// in place of the underlying error chain.
const (
	MsgTransport  = "Failed to communicate with the planning service."
	MsgProtocol   = "The planning service returned an invalid response."
	MsgTimeout    = "The request timed out."
	MsgCanceled   = "The operation was canceled."
	MsgExecution  = "The execution failed."
	MsgPollLimit  = "Stopped waiting for the execution to finish."
	MsgUnexpected = "An unexpected error occurred."
)

// UserMessage maps err to a single stable, user-facing message. Validation
// errors keep their own text since it describes the caller's mistake.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Error()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimeout
	case errors.Is(err, context.Canceled):
		return MsgCanceled
	case errors.Is(err, ErrPollLimit):
		return MsgPollLimit
	case errors.Is(err, ErrExecutionFailed):
		return MsgExecution
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return MsgTransport
	}
	var protocol *ProtocolError
	if errors.As(err, &protocol) {
		return MsgProtocol
	}
	return MsgUnexpected
}
