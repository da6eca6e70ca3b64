package sse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/item"
)

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func collect(t *testing.T, body string, idle time.Duration) ([]Event, error) {
	t.Helper()
	p := New(strings.NewReader(body), http.Header{}, idle)
	var events []Event
	for {
		evt, err := p.Next(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		events = append(events, evt)
	}
}

// Scenario 1: happy-path message (spec §8 scenario 1).
func TestHappyPathMessage(t *testing.T) {
	body := frame("response.output_item.done", `{"item":{"type":"message","role":"assistant","id":"m1","content":[{"type":"output_text","text":"Hello"}]}}`) +
		frame("response.output_item.done", `{"item":{"type":"message","role":"assistant","id":"m2","content":[{"type":"output_text","text":"World"}]}}`) +
		frame("response.completed", `{"response":{"id":"resp1"}}`)

	events, err := collect(t, body, 0)
	require.NoError(t, err)
	require.Len(t, events, 4) // RateLimits, two OutputItemDone, Completed
	assert.Equal(t, KindRateLimits, events[0].Kind())

	done1 := events[1].(OutputItemDone)
	assert.Equal(t, "Hello", item.Text(done1.Item.(item.AssistantMessage).Content))
	done2 := events[2].(OutputItemDone)
	assert.Equal(t, "World", item.Text(done2.Item.(item.AssistantMessage).Content))

	completed := events[3].(Completed)
	assert.Equal(t, "resp1", completed.ResponseID)
	assert.Nil(t, completed.TokenUsage)
}

// Scenario 2: missing completion (spec §8 scenario 2).
func TestMissingCompletion(t *testing.T) {
	body := frame("response.output_item.done", `{"item":{"type":"message","role":"assistant","id":"m1","content":[{"type":"output_text","text":"hi"}]}}`)

	p := New(strings.NewReader(body), http.Header{}, 0)
	_, err := p.Next(context.Background()) // RateLimits
	require.NoError(t, err)
	_, err = p.Next(context.Background()) // OutputItemDone
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrStream, se.Kind)
	assert.Contains(t, se.Message, "stream closed before response.completed")
}

// Scenario 3: rate-limit retryable (spec §8 scenario 3).
func TestRateLimitRetryable(t *testing.T) {
	msg := "slow down: try again in 11.054s. backoff applied"
	body := frame("response.failed", `{"error":{"code":"rate_limit_exceeded","message":"`+msg+`"}}`)

	p := New(strings.NewReader(body), http.Header{}, 0)
	_, err := p.Next(context.Background()) // RateLimits
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrRetryable, se.Kind)
	assert.Equal(t, msg, se.Message)
	require.NotNil(t, se.Delay)
	assert.Equal(t, 11054*time.Millisecond, *se.Delay)
}

// Scenario 4: fatal context window (spec §8 scenario 4).
func TestFatalContextWindow(t *testing.T) {
	body := frame("response.failed", `{"error":{"code":"context_length_exceeded","message":"too long\nmore context"}}`)

	p := New(strings.NewReader(body), http.Header{}, 0)
	_, err := p.Next(context.Background()) // RateLimits
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrContextWindowExceeded, se.Kind)
	assert.True(t, se.Fatal())
}

func TestUnknownEventIgnored(t *testing.T) {
	body := frame("response.some_future_event", `{"foo":"bar"}`) +
		frame("response.completed", `{"response":{"id":"resp2"}}`)

	events, err := collect(t, body, 0)
	require.NoError(t, err)
	require.Len(t, events, 2) // RateLimits, Completed
	assert.Equal(t, KindCompleted, events[1].Kind())
}

func TestResponseFailedNoErrorPayload(t *testing.T) {
	body := frame("response.failed", `{}`)
	p := New(strings.NewReader(body), http.Header{}, 0)
	_, err := p.Next(context.Background()) // RateLimits
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrRetryable, se.Kind)
	assert.Equal(t, "response.failed event received", se.Message)
}

func TestIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := New(pr, http.Header{}, 10*time.Millisecond)
	_, err := p.Next(context.Background()) // RateLimits
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrStream, se.Kind)
	assert.Contains(t, se.Message, "idle timeout")
}

func TestModelsEtagEmittedBeforeContent(t *testing.T) {
	h := http.Header{}
	h.Set("X-Models-Etag", "etag-123")
	body := frame("response.completed", `{"response":{"id":"resp3"}}`)
	p := New(strings.NewReader(body), h, 0)
	evt, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindRateLimits, evt.Kind())
	evt, err = p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindModelsEtag, evt.Kind())
	assert.Equal(t, "etag-123", evt.(ModelsEtag).ETag)
}
