// Package retry wraps a request-producing operation with bounded retries and
// exponential backoff with jitter.
//
// Grounded verbatim on original_source/codex-rs/codex-client/src/retry.rs:
// RetryPolicy/RetryOn/backoff/run_with_retry translate directly, with Rust's
// tokio::time::sleep becoming a context-aware time.Timer wait and rand::rng()
// becoming math/rand/v2.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"goa.design/turnkit/transport"
)

type (
	// On declares which failure classes are retriable.
	On struct {
		Retry429     bool
		Retry5xx     bool
		RetryNetwork bool
	}

	// Policy bounds retry attempts and the base backoff delay.
	Policy struct {
		MaxAttempts uint64
		BaseDelay   time.Duration
		On          On
		// Observe, when set, is invoked after every attempt with the
		// attempt index, the HTTP status (0 when the failure never reached
		// a response), the attempt's error (nil on success), and the
		// attempt's wall-clock duration.
		Observe ObserveFunc
	}

	// ObserveFunc receives per-attempt telemetry.
	ObserveFunc func(attempt uint64, status int, err error, elapsed time.Duration)
)

// DefaultOn enables retrying 429s, 5xxs, and transport-level network/timeout
// failures, matching the original's defaults for model API calls.
var DefaultOn = On{Retry429: true, Retry5xx: true, RetryNetwork: true}

// ShouldRetry reports whether err is retriable under o given the attempt
// index (0-based) and the policy's attempt cap.
func (o On) ShouldRetry(err error, attempt, maxAttempts uint64) bool {
	if attempt >= maxAttempts {
		return false
	}
	te, ok := transport.AsError(err)
	if !ok {
		return false
	}
	switch te.Kind {
	case transport.KindHTTP:
		return (o.Retry429 && te.Status == 429) || (o.Retry5xx && te.Status >= 500 && te.Status < 600)
	case transport.KindTimeout, transport.KindNetwork:
		return o.RetryNetwork
	default:
		return false
	}
}

// Backoff computes the exponential-backoff-with-jitter delay for the given
// attempt (1-based: attempt 1 is the first retry). attempt 0 returns base
// unjittered, matching the original's handling of a synthetic zeroth call.
func Backoff(base time.Duration, attempt uint64) time.Duration {
	if attempt == 0 {
		return base
	}
	exp := uint64(1) << (attempt - 1)
	raw := uint64(base.Milliseconds()) * exp
	jitter := 0.9 + rand.Float64()*0.2 // U[0.9, 1.1)
	return time.Duration(float64(raw)*jitter) * time.Millisecond
}

// Run executes op up to policy.MaxAttempts+1 times (the initial attempt plus
// MaxAttempts retries), rebuilding the request via makeReq before each
// attempt so callers can refresh auth headers, and sleeping with Backoff
// between retriable failures. It returns the first success, the first
// terminal (non-retriable) failure, or transport.ErrRetryLimit if every
// attempt was retriable and the budget ran out.
func Run[T any](
	ctx context.Context,
	policy Policy,
	makeReq func() transport.Request,
	op func(ctx context.Context, req transport.Request, attempt uint64) (T, error),
) (T, error) {
	var zero T
	for attempt := uint64(0); attempt <= policy.MaxAttempts; attempt++ {
		req := makeReq()
		start := time.Now()
		result, err := op(ctx, req, attempt)
		if policy.Observe != nil {
			status := 0
			if te, ok := transport.AsError(err); ok && te.Kind == transport.KindHTTP {
				status = te.Status
			}
			policy.Observe(attempt, status, err, time.Since(start))
		}
		if err == nil {
			return result, nil
		}
		if !policy.On.ShouldRetry(err, attempt, policy.MaxAttempts) {
			if attempt == policy.MaxAttempts && policy.On.ShouldRetry(err, 0, 1) {
				return zero, transport.ErrRetryLimit
			}
			return zero, err
		}
		delay := retryAfterOrBackoff(err, policy.BaseDelay, attempt+1)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, transport.ErrRetryLimit
}

// retryAfterOrBackoff prefers a server-provided Retry-After hint (header or
// free-text body) over the computed backoff, clamped to never be shorter
// than the computed backoff so a misbehaving server cannot force a tight
// retry loop.
func retryAfterOrBackoff(err error, base time.Duration, attempt uint64) time.Duration {
	computed := Backoff(base, attempt)
	te, ok := transport.AsError(err)
	if !ok || te.Kind != transport.KindHTTP {
		return computed
	}
	if d, ok := ParseRetryAfter(te.Headers.Get("Retry-After")); ok && d > computed {
		return d
	}
	if d, ok := ParseRetryAfter(te.Body); ok && d > computed {
		return d
	}
	return computed
}
