package sse

import (
	"time"

	"goa.design/turnkit/retry"
)

// ErrKind classifies a terminal stream failure (spec §4.3/§7 "Stream"
// taxonomy entries).
type ErrKind string

const (
	// ErrContextWindowExceeded is fatal: the prompt no longer fits the
	// model's context window.
	ErrContextWindowExceeded ErrKind = "context_window_exceeded"
	// ErrQuotaExceeded is fatal: the account has no remaining quota.
	ErrQuotaExceeded ErrKind = "quota_exceeded"
	// ErrUsageNotIncluded is fatal: the plan does not include API usage.
	ErrUsageNotIncluded ErrKind = "usage_not_included"
	// ErrUsageLimitReached is fatal: the account hit its plan's usage limit.
	// RateLimits carries the snapshot from the failing response so the
	// session can stash it before the turn terminates (spec §4.6.3).
	ErrUsageLimitReached ErrKind = "usage_limit_reached"
	// ErrRetryable covers rate_limit_exceeded and any other response.failed
	// code; Delay carries a parsed "try again in ..." hint when present.
	ErrRetryable ErrKind = "retryable"
	// ErrStream covers idle timeouts and a stream closing before
	// response.completed was observed.
	ErrStream ErrKind = "stream"
)

// Error is the closed SSE/stream error type.
type Error struct {
	Kind    ErrKind
	Message string
	// Delay is the parsed retry-after hint for ErrRetryable, if any.
	Delay *time.Duration
	// RateLimits is the snapshot accompanying ErrUsageLimitReached, if any.
	RateLimits *RateLimitSnapshot
}

func (e *Error) Error() string { return "sse: " + string(e.Kind) + ": " + e.Message }

// Fatal reports whether the turn driver must not retry this turn and
// should instead surface it as an immediate, non-retriable failure (spec
// §4.6.3 "non-retriable turn errors").
func (e *Error) Fatal() bool {
	switch e.Kind {
	case ErrContextWindowExceeded, ErrQuotaExceeded, ErrUsageNotIncluded, ErrUsageLimitReached:
		return true
	default:
		return false
	}
}

// failedPayload is the decoded body of a response.failed wire event.
type failedPayload struct {
	Code    string
	Message string
}

// classifyFailed implements the response.failed → Error mapping from spec
// §4.3, including the "no error payload" Open Question resolution (treated
// as Retryable with no delay, per DESIGN.md).
func classifyFailed(p *failedPayload) *Error {
	if p == nil {
		return &Error{Kind: ErrRetryable, Message: "response.failed event received"}
	}
	switch p.Code {
	case "context_length_exceeded":
		return &Error{Kind: ErrContextWindowExceeded, Message: p.Message}
	case "insufficient_quota":
		return &Error{Kind: ErrQuotaExceeded, Message: p.Message}
	case "usage_not_included":
		return &Error{Kind: ErrUsageNotIncluded, Message: p.Message}
	case "rate_limit_exceeded":
		e := &Error{Kind: ErrRetryable, Message: p.Message}
		if d, ok := retry.ParseRetryAfter(p.Message); ok {
			e.Delay = &d
		}
		return e
	default:
		return &Error{Kind: ErrRetryable, Message: p.Message}
	}
}
