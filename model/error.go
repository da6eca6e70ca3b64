// Package model assembles prompts for the configured wire protocol, attaches
// auth, invokes the transport under retry, and exposes a streaming
// response per turn (spec §4.4/C4).
package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a model-client failure. Grounded on
// runtime/agent/model/provider_error.go's ProviderErrorKind, narrowed to the
// Auth/Protocol kinds spec §7 names for C4 specifically (stream-level
// failures are represented by *sse.Error and surfaced unwrapped).
type ErrorKind string

const (
	// ErrUnauthorized is returned for a 401 the client does not recover from
	// by refreshing: a second consecutive 401 after its one automatic
	// refresh attempt, or a first 401 when no refresh is made.
	ErrUnauthorized ErrorKind = "unauthorized"
	// ErrRefreshTokenFailed indicates the auth manager's token refresh
	// itself failed. Permanent distinguishes a terminal credential problem
	// from a transient IO failure during refresh.
	ErrRefreshTokenFailed ErrorKind = "refresh_token_failed"
	// ErrInvalidRequest indicates the assembled request was rejected by the
	// provider for reasons unrelated to retriable capacity/rate limits.
	ErrInvalidRequest ErrorKind = "invalid_request"
	// ErrInvalidImageRequest indicates an image part could not be attached
	// to the request (unsupported format/role/model family).
	ErrInvalidImageRequest ErrorKind = "invalid_image_request"
	// ErrUnsupportedOperation indicates the caller asked for a capability
	// the configured wire protocol does not support (e.g. an output schema
	// under Chat Completions).
	ErrUnsupportedOperation ErrorKind = "unsupported_operation"
)

// Error is the closed model-client error type.
type Error struct {
	Kind      ErrorKind
	Message   string
	Permanent bool
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts an *Error from err via errors.As.
func AsError(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
