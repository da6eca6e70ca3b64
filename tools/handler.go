package tools

import "context"

// Kind distinguishes the two invocation shapes a Handler may speak: ordinary
// function tools (JSON-Schema payload) and MCP-routed tools (spec §4.5).
type Kind string

const (
	KindFunction Kind = "function"
	KindMCP      Kind = "mcp"
)

// Spec is the metadata shown to the model for one registered tool, plus the
// runtime-only SupportsParallel flag that governs dispatch scheduling.
type Spec struct {
	// Name is the tool identifier the model calls by.
	Name string
	// Description is shown to the model.
	Description string
	// Schema is the JSON Schema document for the tool's input, validated by
	// Router.Dispatch before a handler ever sees the payload. NewRouter
	// compiles the schemas of the tools registered at that moment; a tool
	// added to the Registry afterwards is dispatched without validation.
	Schema map[string]any
	// Kind distinguishes function vs. MCP-routed tools.
	Kind Kind
	// SupportsParallel tags whether this tool may run concurrently with
	// other parallel-capable tools (spec §4.5 "Parallelism gate").
	SupportsParallel bool
}

// Invocation is one dispatched tool call, identified by CallID and carrying
// the raw (already schema-validated) payload.
type Invocation struct {
	CallID  string
	Name    string
	Kind    Kind
	Payload []byte // raw JSON arguments/input
}

// ToolOutput is a handler's successful result, not yet wrapped into the
// matching response-item output variant (Router.Dispatch does that).
type ToolOutput struct {
	Content           string
	StructuredContent any
	IsError           bool
}

// Handler implements one registered tool. Implementations must be safe for
// concurrent use: the runtime may invoke Handle for multiple calls at once
// when SupportsParallel is set (spec §4.5).
type Handler interface {
	// Kind reports which invocation shape this handler accepts.
	Kind() Kind
	// MatchesKind enforces internal consistency between a dispatched
	// invocation's declared Kind and the payload actually carried; a
	// mismatch is a fatal contract violation (spec §4.5 "Routing").
	MatchesKind(inv Invocation) bool
	// IsMutating reports whether inv must await the turn's tool-call gate
	// before executing (spec §4.5).
	IsMutating(inv Invocation) bool
	// Handle executes inv and returns its output, or a *FunctionCallError.
	Handle(ctx context.Context, inv Invocation) (ToolOutput, error)
}
