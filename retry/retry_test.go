package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/transport"
)

// Backoff's jitter law: delay for attempt k ≥ 1 lies in
// [0.9, 1.1) * base * 2^(k-1).
func TestBackoff_JitterBounds(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("delay within jitter bounds", prop.ForAll(
		func(baseMs int, attempt uint8) bool {
			base := time.Duration(baseMs) * time.Millisecond
			k := uint64(attempt)
			d := Backoff(base, k)
			if k == 0 {
				return d == base
			}
			raw := float64(base.Milliseconds()) * float64(uint64(1)<<(k-1))
			lo := time.Duration(raw*0.9) * time.Millisecond
			hi := time.Duration(raw*1.1) * time.Millisecond
			// Millisecond truncation makes both bounds inclusive.
			return d >= lo && d <= hi
		},
		gen.IntRange(1, 1000),
		gen.UInt8Range(0, 10),
	))
	properties.TestingRun(t)
}

func http429() error {
	return &transport.Error{Kind: transport.KindHTTP, Status: 429, Message: "rate limited"}
}

func TestRun_ExhaustsAttemptsToRetryLimit(t *testing.T) {
	var calls int
	_, err := Run(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, On: DefaultOn},
		func() transport.Request { return transport.Request{} },
		func(ctx context.Context, req transport.Request, attempt uint64) (string, error) {
			calls++
			return "", http429()
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrRetryLimit) || err == transport.ErrRetryLimit)
	assert.Equal(t, 3, calls, "initial attempt plus MaxAttempts retries")
}

func TestRun_TerminalErrorPropagatesImmediately(t *testing.T) {
	var calls int
	_, err := Run(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, On: DefaultOn},
		func() transport.Request { return transport.Request{} },
		func(ctx context.Context, req transport.Request, attempt uint64) (string, error) {
			calls++
			return "", &transport.Error{Kind: transport.KindHTTP, Status: 400, Message: "bad request"}
		})
	require.Error(t, err)
	te, ok := transport.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 400, te.Status)
	assert.Equal(t, 1, calls)
}

func TestRun_MakeRequestCalledFreshEachAttempt(t *testing.T) {
	var built int
	result, err := Run(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, On: DefaultOn},
		func() transport.Request {
			built++
			return transport.Request{URL: "https://example.test"}
		},
		func(ctx context.Context, req transport.Request, attempt uint64) (string, error) {
			if attempt < 2 {
				return "", http429()
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, built, "auth may change between attempts; the request is rebuilt each time")
}

func TestRun_ObserveSeesEveryAttempt(t *testing.T) {
	type observed struct {
		attempt uint64
		status  int
		failed  bool
	}
	var seen []observed
	policy := Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		On:          DefaultOn,
		Observe: func(attempt uint64, status int, err error, elapsed time.Duration) {
			seen = append(seen, observed{attempt: attempt, status: status, failed: err != nil})
			assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		},
	}
	_, err := Run(context.Background(), policy,
		func() transport.Request { return transport.Request{} },
		func(ctx context.Context, req transport.Request, attempt uint64) (string, error) {
			if attempt == 0 {
				return "", http429()
			}
			return "ok", nil
		})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, observed{attempt: 0, status: 429, failed: true}, seen[0])
	assert.Equal(t, observed{attempt: 1, status: 0, failed: false}, seen[1])
}
