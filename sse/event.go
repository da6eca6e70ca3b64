// Package sse converts a byte stream of server-sent events from the model
// provider into a typed sequence of ResponseEvents (spec §4.3/C3).
//
// Grounded verbatim on original_source/codex-rs/codex-api/src/sse/responses.rs:
// the event dispatch table, the defer-Completed-until-close rule, the
// per-read idle timeout, and the response.failed classification all
// translate directly. The bufio.Reader pull-loop idiom itself is the
// teacher's own precedent (runtime/mcp/ssecaller.go's readSSEEvent).
package sse

import "goa.design/turnkit/item"

// Kind identifies a ResponseEvent variant. The set is closed.
type Kind string

const (
	KindCreated                   Kind = "created"
	KindOutputItemAdded           Kind = "output_item_added"
	KindOutputItemDone            Kind = "output_item_done"
	KindOutputTextDelta           Kind = "output_text_delta"
	KindReasoningSummaryDelta     Kind = "reasoning_summary_delta"
	KindReasoningSummaryPartAdded Kind = "reasoning_summary_part_added"
	KindReasoningContentDelta     Kind = "reasoning_content_delta"
	KindCompleted                 Kind = "completed"
	KindRateLimits                Kind = "rate_limits"
	KindModelsEtag                Kind = "models_etag"
)

// TokenUsage reports token accounting for a completed turn.
type TokenUsage struct {
	InputTokens       int
	CachedInputTokens int
	OutputTokens      int
	TotalTokens       int
}

// RateLimitSnapshot mirrors the provider's rate-limit response headers.
// Credits and PlanType are "sticky": a snapshot update that omits them must
// not clobber a previously observed value (spec §3 invariant).
type RateLimitSnapshot struct {
	RequestsRemaining int
	RequestsLimit     int
	TokensRemaining   int
	TokensLimit       int
	ResetsAt          string
	Credits           *float64
	PlanType          *string
}

// Event is implemented by every ResponseEvent variant emitted by a Parser.
type Event interface {
	Kind() Kind
	eventSealed()
}

type Created struct{}

func (Created) Kind() Kind { return KindCreated }
func (Created) eventSealed() {}

type OutputItemAdded struct{ Item item.Item }

func (OutputItemAdded) Kind() Kind { return KindOutputItemAdded }
func (OutputItemAdded) eventSealed() {}

type OutputItemDone struct{ Item item.Item }

func (OutputItemDone) Kind() Kind { return KindOutputItemDone }
func (OutputItemDone) eventSealed() {}

type OutputTextDelta struct{ Text string }

func (OutputTextDelta) Kind() Kind { return KindOutputTextDelta }
func (OutputTextDelta) eventSealed() {}

type ReasoningSummaryDelta struct {
	Delta        string
	SummaryIndex int
}

func (ReasoningSummaryDelta) Kind() Kind { return KindReasoningSummaryDelta }
func (ReasoningSummaryDelta) eventSealed() {}

type ReasoningSummaryPartAdded struct{ SummaryIndex int }

func (ReasoningSummaryPartAdded) Kind() Kind { return KindReasoningSummaryPartAdded }
func (ReasoningSummaryPartAdded) eventSealed() {}

type ReasoningContentDelta struct {
	Delta        string
	ContentIndex int
}

func (ReasoningContentDelta) Kind() Kind { return KindReasoningContentDelta }
func (ReasoningContentDelta) eventSealed() {}

// Completed is always the last Event a Parser yields on a normal stream; see
// Parser.Next.
type Completed struct {
	ResponseID string
	TokenUsage *TokenUsage
}

func (Completed) Kind() Kind { return KindCompleted }
func (Completed) eventSealed() {}

// RateLimits and ModelsEtag are synthesized from response headers before any
// wire SSE events are read, so consumers can update UI state ahead of
// content (spec §4.3).
type RateLimits struct{ Snapshot RateLimitSnapshot }

func (RateLimits) Kind() Kind { return KindRateLimits }
func (RateLimits) eventSealed() {}

type ModelsEtag struct{ ETag string }

func (ModelsEtag) Kind() Kind { return KindModelsEtag }
func (ModelsEtag) eventSealed() {}
