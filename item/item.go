// Package item defines the conversation's response item data model: the
// closed tagged union of content a conversation is built from (spec §3).
//
// Grounded on runtime/agent/model/model.go's Part-interface pattern (a
// marker interface implemented by concrete structs rather than an
// inheritance hierarchy), generalized from message parts to the full set of
// response item variants a turn engine persists and replays.
package item

import "encoding/json"

// Kind identifies a response item's variant. The set is closed; callers
// switch on it exhaustively rather than type-asserting blindly.
type Kind string

const (
	KindUserMessage          Kind = "user_message"
	KindAssistantMessage     Kind = "assistant_message"
	KindReasoning            Kind = "reasoning"
	KindWebSearchCall        Kind = "web_search_call"
	KindFunctionCall         Kind = "function_call"
	KindCustomToolCall       Kind = "custom_tool_call"
	KindLocalShellCall       Kind = "local_shell_call"
	KindFunctionCallOutput   Kind = "function_call_output"
	KindCustomToolCallOutput Kind = "custom_tool_call_output"
	KindMCPToolCallOutput    Kind = "mcp_tool_call_output"
)

// ChunkType identifies a content chunk's role within a message or reasoning
// item's content list.
type ChunkType string

const (
	ChunkInputText  ChunkType = "input_text"
	ChunkOutputText ChunkType = "output_text"
)

// Chunk is one element of a message or reasoning item's ordered content
// list.
type Chunk struct {
	Type ChunkType
	Text string
}

// Item is implemented by every response item variant. itemSealed is
// unexported so the set of implementations is closed to this package.
type Item interface {
	Kind() Kind
	// ItemID returns the item's stable identifier, or "" if the variant
	// (tool outputs keyed by CallID) has none of its own.
	ItemID() string
	itemSealed()
}

// UserMessage is a message authored by the user.
type UserMessage struct {
	ID      string
	Content []Chunk
}

func (m UserMessage) Kind() Kind     { return KindUserMessage }
func (m UserMessage) ItemID() string { return m.ID }
func (UserMessage) itemSealed()      {}

// AssistantMessage is a message authored by the model.
type AssistantMessage struct {
	ID      string
	Content []Chunk
}

func (m AssistantMessage) Kind() Kind     { return KindAssistantMessage }
func (m AssistantMessage) ItemID() string { return m.ID }
func (AssistantMessage) itemSealed()      {}

// Reasoning carries the model's reasoning/thinking output for a turn.
// EncryptedContent is opaque provider-issued payload carried when the
// request asked for encrypted reasoning content rather than plaintext.
type Reasoning struct {
	ID               string
	Summary          []Chunk
	Content          []Chunk
	EncryptedContent string
}

func (r Reasoning) Kind() Kind     { return KindReasoning }
func (r Reasoning) ItemID() string { return r.ID }
func (Reasoning) itemSealed()      {}

// WebSearchCall records a provider-native web search invocation and its
// status.
type WebSearchCall struct {
	ID     string
	Query  string
	Status string
}

func (w WebSearchCall) Kind() Kind     { return KindWebSearchCall }
func (w WebSearchCall) ItemID() string { return w.ID }
func (WebSearchCall) itemSealed()      {}

// FunctionCall is a model-issued invocation of a registered function tool.
// Arguments is the raw JSON object text as emitted by the model.
type FunctionCall struct {
	ID        string
	CallID    string
	Name      string
	Arguments string
}

func (f FunctionCall) Kind() Kind     { return KindFunctionCall }
func (f FunctionCall) ItemID() string { return f.ID }
func (FunctionCall) itemSealed()      {}

// CustomToolCall is a model-issued invocation of a custom (non-JSON-schema)
// tool; Input is the tool's freeform payload.
type CustomToolCall struct {
	ID     string
	CallID string
	Name   string
	Input  string
}

func (c CustomToolCall) Kind() Kind     { return KindCustomToolCall }
func (c CustomToolCall) ItemID() string { return c.ID }
func (CustomToolCall) itemSealed()      {}

// LocalShellCall is a model-issued invocation of the built-in shell tool.
// CallID may be empty: see the "missing local-shell call_id" edge case in
// spec §4.6.4/§9.
type LocalShellCall struct {
	ID      string
	CallID  string
	Command []string
}

func (l LocalShellCall) Kind() Kind     { return KindLocalShellCall }
func (l LocalShellCall) ItemID() string { return l.ID }
func (LocalShellCall) itemSealed()      {}

// FunctionCallOutput carries the result of a FunctionCall or LocalShellCall,
// correlated by CallID.
type FunctionCallOutput struct {
	CallID  string
	Output  string
	Success bool
}

func (o FunctionCallOutput) Kind() Kind     { return KindFunctionCallOutput }
func (o FunctionCallOutput) ItemID() string { return "" }
func (FunctionCallOutput) itemSealed()      {}

// CustomToolCallOutput carries the result of a CustomToolCall, correlated by
// CallID.
type CustomToolCallOutput struct {
	CallID string
	Output string
}

func (o CustomToolCallOutput) Kind() Kind     { return KindCustomToolCallOutput }
func (o CustomToolCallOutput) ItemID() string { return "" }
func (CustomToolCallOutput) itemSealed()      {}

// MCPToolCallOutput carries the result of an MCP-routed tool call,
// correlated by CallID. Both the raw Content and the optional
// StructuredContent survive persistence; EffectiveContent resolves which of
// the two is fed back to the model.
type MCPToolCallOutput struct {
	CallID           string
	Content          string
	StructuredContent any
	IsError          bool
}

func (o MCPToolCallOutput) Kind() Kind     { return KindMCPToolCallOutput }
func (o MCPToolCallOutput) ItemID() string { return "" }
func (MCPToolCallOutput) itemSealed()      {}

// EffectiveContent returns the payload sent back to the model: non-null
// StructuredContent wins over Content, null StructuredContent falls back to
// Content (the FunctionCallOutputPayload::from(CallToolResult) law, spec §8).
// StructuredContent that fails to serialize also falls back to Content.
func (o MCPToolCallOutput) EffectiveContent() string {
	if o.StructuredContent != nil {
		if b, err := json.Marshal(o.StructuredContent); err == nil {
			return string(b)
		}
	}
	return o.Content
}

// CallID returns the call_id correlating a tool-call or tool-output item to
// its counterpart, and ok=false for item kinds that carry no call id.
func CallID(it Item) (string, bool) {
	switch v := it.(type) {
	case FunctionCall:
		return v.CallID, true
	case CustomToolCall:
		return v.CallID, true
	case LocalShellCall:
		return v.CallID, true
	case FunctionCallOutput:
		return v.CallID, true
	case CustomToolCallOutput:
		return v.CallID, true
	case MCPToolCallOutput:
		return v.CallID, true
	default:
		return "", false
	}
}

// IsToolCall reports whether it is one of the model-issued tool-call
// variants (function_call, custom_tool_call, local_shell_call).
func IsToolCall(it Item) bool {
	switch it.Kind() {
	case KindFunctionCall, KindCustomToolCall, KindLocalShellCall:
		return true
	default:
		return false
	}
}

// IsViewable reports whether it is a variant the turn driver surfaces to the
// UI as ItemStarted/ItemCompleted (messages, reasoning, web search) as
// opposed to tool calls/outputs that are routed through the tool runtime.
func IsViewable(it Item) bool {
	switch it.Kind() {
	case KindUserMessage, KindAssistantMessage, KindReasoning, KindWebSearchCall:
		return true
	default:
		return false
	}
}

// Text concatenates all output_text/input_text chunks in order, the
// plain-text rendering of a message's content.
func Text(chunks []Chunk) string {
	var out string
	for _, c := range chunks {
		out += c.Text
	}
	return out
}
