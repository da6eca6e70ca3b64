// Package transport sends HTTP requests on behalf of the model client and
// classifies failures into a closed taxonomy that the retry envelope and the
// SSE parser can reason about without inspecting transport internals.
//
// Grounded on original_source/codex-rs/codex-client/src/transport.rs: the
// Rust HttpTransport trait (execute/stream over reqwest) translates directly
// onto an interface over net/http, since the teacher's own SSE client
// (runtime/mcp/ssecaller.go) hand-rolls the same thing rather than reaching
// for a third-party HTTP/SSE library.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"goa.design/turnkit/telemetry"
)

type (
	// Request describes an outbound HTTP request. Body is pre-serialized by
	// the caller (typically the model client) so transport stays agnostic to
	// wire formats.
	Request struct {
		Method  string
		URL     string
		Headers http.Header
		Body    []byte
		// Timeout overrides the transport's default per-request timeout. Zero
		// means use the transport default.
		Timeout time.Duration
	}

	// Response is a fully-buffered HTTP response.
	Response struct {
		Status  int
		Headers http.Header
		Body    []byte
	}

	// StreamResponse is a response whose body is left unread so the caller
	// (the SSE parser) can consume it incrementally.
	StreamResponse struct {
		Status  int
		Headers http.Header
		Bytes   io.ReadCloser
	}

	// Transport sends requests and returns either a buffered response or a
	// byte stream. Implementations must map network/timeout/status failures
	// into *Error so callers can classify failures without depending on
	// net/http directly.
	Transport interface {
		// Execute sends req and buffers the full response body.
		Execute(ctx context.Context, req Request) (Response, error)
		// Stream sends req and returns the response with its body left open
		// for incremental consumption (used for SSE).
		Stream(ctx context.Context, req Request) (StreamResponse, error)
	}

	// HTTPTransport is the default Transport backed by net/http.Client. A
	// client-side token-bucket limiter (golang.org/x/time/rate) shapes
	// outbound request volume ahead of provider-side rate limits; it is
	// optional and, when nil, requests are never throttled locally.
	HTTPTransport struct {
		client  *http.Client
		limiter *rate.Limiter
		logger  telemetry.Logger
	}

	// Option configures an HTTPTransport.
	Option func(*HTTPTransport)
)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithRateLimiter installs a client-side limiter. Requests wait on the
// limiter before being dispatched.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(t *HTTPTransport) { t.limiter = l }
}

// WithLogger installs a logger that records each successful (2xx) response's
// provider request id at debug level; error responses are not logged.
func WithLogger(l telemetry.Logger) Option {
	return func(t *HTTPTransport) { t.logger = l }
}

// requestIDHeaders are the provider request-id headers surfaced when a
// response is logged, in preference order.
var requestIDHeaders = []string{"x-request-id", "x-oai-request-id", "cf-ray"}

// RequestID returns the first provider request id present in h, or "".
func RequestID(h http.Header) string {
	for _, name := range requestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func (t *HTTPTransport) logResponse(ctx context.Context, req Request, status int, h http.Header) {
	if t.logger == nil {
		return
	}
	t.logger.Debug(ctx, "http response",
		telemetry.F("method", req.Method),
		telemetry.F("url", req.URL),
		telemetry.F("status", status),
		telemetry.F("request_id", RequestID(h)),
	)
}

// New constructs an HTTPTransport with sane defaults: a 30s base client
// timeout (overridable per-request) and no client-side rate limiting.
func New(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) build(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: err.Error(), cause: err}
	}
	httpReq.Header = req.Headers.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	// Inject distributed-tracing propagation headers (traceparent etc.) from
	// the caller's span context.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func (t *HTTPTransport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTimeout, Message: "rate limiter: " + err.Error(), cause: err}
	}
	return nil
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req Request) (Response, error) {
	if err := t.wait(ctx); err != nil {
		return Response{}, err
	}
	httpReq, err := t.build(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyDoErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classifyDoErr(err)
	}
	if resp.StatusCode >= 300 {
		return Response{}, &Error{
			Kind:    KindHTTP,
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Body:    string(body),
			Message: http.StatusText(resp.StatusCode),
		}
	}
	t.logResponse(ctx, req, resp.StatusCode, resp.Header)
	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// Stream implements Transport. On success the caller owns StreamResponse.Bytes
// and must close it.
func (t *HTTPTransport) Stream(ctx context.Context, req Request) (StreamResponse, error) {
	if err := t.wait(ctx); err != nil {
		return StreamResponse{}, err
	}
	httpReq, err := t.build(ctx, req)
	if err != nil {
		return StreamResponse{}, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return StreamResponse{}, classifyDoErr(err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return StreamResponse{}, &Error{
			Kind:    KindHTTP,
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Body:    string(body),
			Message: http.StatusText(resp.StatusCode),
		}
	}
	t.logResponse(ctx, req, resp.StatusCode, resp.Header)
	return StreamResponse{Status: resp.StatusCode, Headers: resp.Header, Bytes: resp.Body}, nil
}
