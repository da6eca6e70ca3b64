package model

import (
	"context"

	"goa.design/turnkit/item"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

// WireProtocol selects the on-wire request/response format a Client speaks
// (spec §6).
type WireProtocol string

const (
	WireResponses       WireProtocol = "responses"
	WireChatCompletions WireProtocol = "chat_completions"
)

// ReasoningConfig controls provider reasoning-summary generation.
type ReasoningConfig struct {
	Effort          string // "minimal" | "low" | "medium" | "high"
	Summary         string // "auto" | "concise" | "detailed" | ""
	ShowRawReasoning bool
}

// TextConfig controls text-generation controls attached to the request.
type TextConfig struct {
	Verbosity    string // "low" | "medium" | "high"
	OutputSchema map[string]any
}

// Prompt is the per-invocation request assembled by the turn driver (spec §3
// "Prompt").
type Prompt struct {
	Input              []item.Item
	Tools              []tools.Spec
	ParallelToolCalls  bool
	InstructionsOverride string
	Reasoning          *ReasoningConfig
	Text               *TextConfig
	PromptCacheKey     string
	SessionSource      string
	Store              bool
}

// Auth supplies the bearer credential for a request and performs the
// one-shot refresh-on-401 dance described in spec §4.4/§6/§7.
type Auth interface {
	// Token returns the current bearer token.
	Token(ctx context.Context) (string, error)
	// Refresh fetches a new token, replacing the current one. Returns a
	// *Error{Kind: ErrRefreshTokenFailed} on failure.
	Refresh(ctx context.Context) error
	// ChatGPTTokenMode reports whether refresh-on-401 is enabled; the spec
	// only retries a 401 automatically in ChatGPT-token auth mode.
	ChatGPTTokenMode() bool
}

// ResponseStream yields sse.Events for one model invocation. Streams backed
// by sse.Parser (the Responses client) begin with RateLimits then (if
// present) ModelsEtag, per sse.Parser.Next; the other clients' streams do
// not emit those events. Callers should range until a non-nil error.
type ResponseStream interface {
	Next(ctx context.Context) (sse.Event, error)
	Close() error
}

// Client assembles a request for its configured wire protocol, invokes the
// provider, and exposes a streaming or unary interface over it (spec §4.4).
type Client interface {
	// Stream opens a streaming model invocation.
	Stream(ctx context.Context, prompt Prompt) (ResponseStream, error)
	// Compact performs a unary (non-streaming) invocation used by explicit
	// and automatic compaction (spec §4.6.6) when the provider exposes a
	// dedicated compact/summarize endpoint.
	Compact(ctx context.Context, prompt Prompt) ([]item.Item, error)
	// WireProtocol reports which protocol this client speaks, so the turn
	// driver can reject unsupported combinations locally (e.g. output
	// schema under Chat Completions) before a round trip.
	WireProtocol() WireProtocol
}
