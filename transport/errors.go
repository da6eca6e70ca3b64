package transport

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a transport failure. The set is closed: callers (the
// retry envelope, the SSE parser) switch over it exhaustively rather than
// string-matching error messages.
type Kind string

const (
	// KindTimeout indicates the request exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindNetwork indicates a connection-level failure (DNS, refused, reset).
	KindNetwork Kind = "network"
	// KindHTTP indicates the server returned a non-2xx status.
	KindHTTP Kind = "http"
	// KindRetryLimit indicates the retry envelope exhausted its attempt budget.
	KindRetryLimit Kind = "retry_limit"
	// KindInternal indicates a local failure building the request (e.g. a
	// malformed URL) unrelated to the network.
	KindInternal Kind = "internal"
)

// Error is the closed transport error type. Status/Headers/Body are only
// populated when Kind is KindHTTP.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Headers http.Header
	Body    string
	cause   error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTP {
		return "transport: http " + http.StatusText(e.Status) + ": " + e.Message
	}
	return "transport: " + string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the underlying error, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts an *Error from err via errors.As.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ErrRetryLimit is returned by the retry envelope when attempts are exhausted
// without a terminal error from the wrapped operation.
var ErrRetryLimit = &Error{Kind: KindRetryLimit, Message: "retry attempts exhausted"}

func classifyDoErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error(), cause: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error(), cause: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), cause: err}
}
