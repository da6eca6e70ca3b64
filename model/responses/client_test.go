package responses

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/model"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/transport"
)

func TestClassifyRequestError_UsageLimitReached(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining-Requests", "0")
	headers.Set("X-RateLimit-Limit-Requests", "50")
	err := classifyRequestError(&transport.Error{
		Kind:    transport.KindHTTP,
		Status:  http.StatusTooManyRequests,
		Headers: headers,
		Body:    `{"error":{"type":"usage_limit_reached","message":"You've hit your usage limit."}}`,
	})
	var se *sse.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sse.ErrUsageLimitReached, se.Kind)
	require.NotNil(t, se.RateLimits)
	assert.Equal(t, 0, se.RateLimits.RequestsRemaining)
	assert.Equal(t, 50, se.RateLimits.RequestsLimit)
}

// An ordinary 429 stays a transport error so the retry envelope keeps
// handling it.
func TestClassifyRequestError_PlainRateLimitStaysRetriable(t *testing.T) {
	in := &transport.Error{
		Kind:   transport.KindHTTP,
		Status: http.StatusTooManyRequests,
		Body:   `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`,
	}
	out := classifyRequestError(in)
	te, ok := transport.AsError(out)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, te.Status)
}

func TestClassifyRequestError_Other4xxIsInvalidRequest(t *testing.T) {
	out := classifyRequestError(&transport.Error{Kind: transport.KindHTTP, Status: http.StatusBadRequest, Message: "Bad Request"})
	var me *model.Error
	require.True(t, errors.As(out, &me))
	assert.Equal(t, model.ErrInvalidRequest, me.Kind)
	assert.True(t, me.Permanent)
}
