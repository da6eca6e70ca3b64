// Package responses implements model.Client for the Responses wire protocol:
// the bespoke, non-SDK request/stream path spec §4.4/§6 mandates as the
// engine's primary model backend, built directly on transport+retry+sse
// rather than a provider SDK.
//
// Grounded on original_source/codex-rs/codex-client/src/client.rs (request
// assembly, auth header attachment, the one-shot refresh-on-401 dance) and
// codex-api/src/sse/responses.rs (the event stream this package hands back
// unwrapped via sse.Parser).
package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/retry"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/transport"
)

// Client speaks the Responses wire protocol over a transport.Transport.
type Client struct {
	Transport   transport.Transport
	Auth        model.Auth
	BaseURL     string // e.g. "https://api.openai.com/v1"
	Model       string
	RetryPolicy retry.Policy
	IdleTimeout time.Duration
}

var _ model.Client = (*Client)(nil)

func (c *Client) WireProtocol() model.WireProtocol { return model.WireResponses }

type wireToolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model             string         `json:"model"`
	Input             []json.RawMessage `json:"input"`
	Tools             []wireToolSpec `json:"tools,omitempty"`
	ParallelToolCalls bool           `json:"parallel_tool_calls,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Stream            bool           `json:"stream"`
	Store             bool           `json:"store,omitempty"`
	PromptCacheKey    string         `json:"prompt_cache_key,omitempty"`
	Reasoning         *wireReasoning `json:"reasoning,omitempty"`
	Text              *wireText      `json:"text,omitempty"`
}

type wireReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type wireText struct {
	Verbosity  string         `json:"verbosity,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

func (c *Client) buildBody(prompt model.Prompt, stream bool) ([]byte, error) {
	input := make([]json.RawMessage, 0, len(prompt.Input))
	for _, it := range prompt.Input {
		raw, err := item.Marshal(it)
		if err != nil {
			return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: fmt.Sprintf("encoding input item: %v", err)}
		}
		input = append(input, raw)
	}
	wireTools := make([]wireToolSpec, 0, len(prompt.Tools))
	for _, t := range prompt.Tools {
		wireTools = append(wireTools, wireToolSpec{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	req := wireRequest{
		Model:             c.Model,
		Input:             input,
		Tools:             wireTools,
		ParallelToolCalls: prompt.ParallelToolCalls,
		Instructions:      prompt.InstructionsOverride,
		Stream:            stream,
		Store:             prompt.Store,
		PromptCacheKey:    prompt.PromptCacheKey,
	}
	if prompt.Reasoning != nil {
		req.Reasoning = &wireReasoning{Effort: prompt.Reasoning.Effort, Summary: prompt.Reasoning.Summary}
	}
	if prompt.Text != nil {
		req.Text = &wireText{Verbosity: prompt.Text.Verbosity, OutputSchema: prompt.Text.OutputSchema}
	}
	return json.Marshal(req)
}

func (c *Client) headers(ctx context.Context) (http.Header, error) {
	token, err := c.Auth.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// maybeRefresh implements the one-shot refresh-on-401: only retried once,
// and only when Auth.ChatGPTTokenMode() reports the engine is allowed to
// (spec §4.4/§7 "refresh-on-401 only in ChatGPT-token auth mode").
func (c *Client) maybeRefresh(ctx context.Context, err error) bool {
	te, ok := transport.AsError(err)
	if !ok || te.Kind != transport.KindHTTP || te.Status != http.StatusUnauthorized {
		return false
	}
	if !c.Auth.ChatGPTTokenMode() {
		return false
	}
	return c.Auth.Refresh(ctx) == nil
}

// Stream opens a streaming Responses invocation and returns a ResponseStream
// wrapping sse.Parser over the transport's byte stream (spec §4.4 step
// "open stream").
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (model.ResponseStream, error) {
	body, err := c.buildBody(prompt, true)
	if err != nil {
		return nil, err
	}

	refreshed := false
	for {
		headers, err := c.headers(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.Transport.Stream(ctx, transport.Request{
			Method: http.MethodPost, URL: c.BaseURL + "/responses", Headers: headers, Body: body,
		})
		if err == nil {
			return &responseStream{parser: sse.New(resp.Bytes, resp.Headers, c.IdleTimeout), body: resp.Bytes}, nil
		}
		if !refreshed && c.maybeRefresh(ctx, err) {
			refreshed = true
			continue
		}
		if te, ok := transport.AsError(err); ok && te.Kind == transport.KindHTTP && te.Status == http.StatusUnauthorized {
			return nil, &model.Error{Kind: model.ErrUnauthorized, Message: "unauthorized after refresh attempt", Permanent: true}
		}
		return nil, classifyRequestError(err)
	}
}

// Compact issues a unary (non-streaming) Responses invocation used by
// explicit/automatic compaction (spec §4.6.6), retried through the shared
// retry envelope since a compaction call never streams partial progress.
func (c *Client) Compact(ctx context.Context, prompt model.Prompt) ([]item.Item, error) {
	body, err := c.buildBody(prompt, false)
	if err != nil {
		return nil, err
	}

	refreshed := false
	for {
		out, err := retry.Run(ctx, c.RetryPolicy,
			func() transport.Request {
				headers, _ := c.headers(ctx)
				return transport.Request{Method: http.MethodPost, URL: c.BaseURL + "/responses", Headers: headers, Body: body}
			},
			func(ctx context.Context, req transport.Request, attempt uint64) ([]item.Item, error) {
				resp, err := c.Transport.Execute(ctx, req)
				if err != nil {
					return nil, err
				}
				return decodeOutputItems(resp.Body)
			},
		)
		if err == nil {
			return out, nil
		}
		if !refreshed && c.maybeRefresh(ctx, err) {
			refreshed = true
			continue
		}
		if te, ok := transport.AsError(err); ok && te.Kind == transport.KindHTTP && te.Status == http.StatusUnauthorized {
			return nil, &model.Error{Kind: model.ErrUnauthorized, Message: "unauthorized after refresh attempt", Permanent: true}
		}
		return nil, classifyRequestError(err)
	}
}

func classifyRequestError(err error) error {
	te, ok := transport.AsError(err)
	if !ok {
		return err
	}
	if te.Kind != transport.KindHTTP {
		return err
	}
	if te.Status == http.StatusTooManyRequests {
		if usageLimitReached(te.Body) {
			e := &sse.Error{Kind: sse.ErrUsageLimitReached, Message: "usage limit reached"}
			if snap, ok := sse.ParseRateLimitHeaders(te.Headers); ok {
				e.RateLimits = &snap
			}
			return e
		}
		return err
	}
	if te.Status >= 400 && te.Status < 500 {
		return &model.Error{Kind: model.ErrInvalidRequest, Message: te.Message, Permanent: true}
	}
	return err
}

// usageLimitReached reports whether a 429 body carries the provider's
// plan-limit error type, which terminates the turn rather than being retried
// like an ordinary rate limit.
func usageLimitReached(body string) bool {
	var wire struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &wire) != nil {
		return false
	}
	return wire.Error.Type == "usage_limit_reached" || wire.Error.Code == "usage_limit_reached"
}

type wireResponseBody struct {
	Output []json.RawMessage `json:"output"`
}

func decodeOutputItems(body []byte) ([]item.Item, error) {
	var wb wireResponseBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: fmt.Sprintf("decoding compact response: %v", err)}
	}
	items := make([]item.Item, 0, len(wb.Output))
	for _, raw := range wb.Output {
		it, err := item.Unmarshal(raw)
		if err != nil {
			continue // unparsable items skipped, matching the streaming parser's policy
		}
		items = append(items, it)
	}
	return items, nil
}

// responseStream adapts sse.Parser to model.ResponseStream, closing the
// underlying HTTP body on Close.
type responseStream struct {
	parser *sse.Parser
	body   interface{ Close() error }
}

func (s *responseStream) Next(ctx context.Context) (sse.Event, error) { return s.parser.Next(ctx) }
func (s *responseStream) Close() error                                { return s.body.Close() }
