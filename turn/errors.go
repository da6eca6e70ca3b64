package turn

import (
	"errors"
	"fmt"

	"goa.design/turnkit/model"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

// ErrorKind classifies a turn-level failure not already covered by a
// component-specific taxonomy (spec §7 "Internal").
type ErrorKind string

const (
	ErrFatal       ErrorKind = "fatal"
	ErrInterrupted ErrorKind = "interrupted"
	ErrTurnAborted ErrorKind = "turn_aborted"
)

// Error is the turn package's own closed error type, used for conditions
// that originate in the driver itself rather than being passed through from
// model/sse/tools.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("turn: %s: %s", e.Kind, e.Message) }

// nonRetriable reports whether err belongs to the set of turn errors that
// must propagate immediately rather than being retried within the turn's
// stream-retry budget (spec §4.6.3 "Non-retriable turn errors").
func nonRetriable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return true // Fatal / Interrupted / TurnAborted are always terminal
	}
	var me *model.Error
	if errors.As(err, &me) {
		switch me.Kind {
		case model.ErrUnauthorized, model.ErrInvalidRequest, model.ErrInvalidImageRequest,
			model.ErrUnsupportedOperation, model.ErrRefreshTokenFailed:
			return true
		}
	}
	var se *sse.Error
	if errors.As(err, &se) {
		// ContextWindowExceeded / QuotaExceeded / UsageNotIncluded /
		// UsageLimitReached
		return se.Fatal()
	}
	var fe *tools.FunctionCallError
	if errors.As(err, &fe) {
		return fe.Kind == tools.ErrFatal
	}
	return false
}

// isContextWindowExceeded distinguishes the non-retriable stream failure
// that additionally marks the session's tokens full before propagating
// (spec §4.6.3).
func isContextWindowExceeded(err error) bool {
	var se *sse.Error
	return errors.As(err, &se) && se.Kind == sse.ErrContextWindowExceeded
}

// usageLimitRateLimits extracts the rate-limit snapshot riding on a
// UsageLimitReached failure, stashed into the session before the turn
// terminates (spec §4.6.3 "UsageLimitReached (after stashing rate-limit
// snapshot)").
func usageLimitRateLimits(err error) *sse.RateLimitSnapshot {
	var se *sse.Error
	if errors.As(err, &se) && se.Kind == sse.ErrUsageLimitReached {
		return se.RateLimits
	}
	return nil
}
