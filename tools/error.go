// Package tools routes model-issued tool calls to registered handlers,
// schedules their execution under a parallel/serial gate, and converts
// results back into response items the turn driver writes to history
// (spec §4.5/C5).
//
// Grounded verbatim on original_source/codex-rs/core/src/tools/parallel.rs
// (ToolCallRuntime: the RwLock parallel/serial gate, the cancellation race,
// AbortOnDropHandle semantics, and the exact abort-message wording) and on
// runtime/agent/toolerrors/tool_error.go's error-chain pattern.
package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool handler failure (spec §4.5/§7 "Tool" taxonomy).
type ErrorKind string

const (
	// ErrFatal aborts the turn; it propagates upward rather than being
	// recorded as a tool output.
	ErrFatal ErrorKind = "fatal"
	// ErrRespondToModel is surfaced to the model as a failed tool output in
	// the next turn; never fatal.
	ErrRespondToModel ErrorKind = "respond_to_model"
	// ErrDenied is surfaced to the model the same way as ErrRespondToModel,
	// distinguished for UX/audit purposes (an approval was declined).
	ErrDenied ErrorKind = "denied"
	// ErrMissingLocalShellCallID marks an internal contract violation: a
	// local_shell_call item arrived with no call_id.
	ErrMissingLocalShellCallID ErrorKind = "missing_local_shell_call_id"
)

// FunctionCallError is the closed error type tool handlers return.
type FunctionCallError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewFatal constructs an ErrFatal FunctionCallError.
func NewFatal(msg string) *FunctionCallError { return &FunctionCallError{Kind: ErrFatal, Message: msg} }

// NewRespondToModel constructs an ErrRespondToModel FunctionCallError.
func NewRespondToModel(msg string) *FunctionCallError {
	return &FunctionCallError{Kind: ErrRespondToModel, Message: msg}
}

// NewDenied constructs an ErrDenied FunctionCallError.
func NewDenied(msg string) *FunctionCallError { return &FunctionCallError{Kind: ErrDenied, Message: msg} }

// Wrap converts an arbitrary error into an ErrFatal FunctionCallError,
// preserving the chain for errors.Is/As, mirroring toolerrors.FromError's
// precedent of never silently losing a handler failure.
func Wrap(err error) *FunctionCallError {
	if err == nil {
		return nil
	}
	var fe *FunctionCallError
	if errors.As(err, &fe) {
		return fe
	}
	return &FunctionCallError{Kind: ErrFatal, Message: err.Error(), cause: err}
}

func (e *FunctionCallError) Error() string {
	return fmt.Sprintf("tools: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying error, if any.
func (e *FunctionCallError) Unwrap() error { return e.cause }

// AsFunctionCallError extracts a *FunctionCallError from err via errors.As.
func AsFunctionCallError(err error) (*FunctionCallError, bool) {
	var fe *FunctionCallError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
