package item

import "encoding/json"

// envelope is the on-wire shape for a tagged Item: a kind discriminator plus
// the variant's fields inlined. Grounded on runtime/agent/model/json.go's
// discriminated-envelope pattern for marshaling a closed Part union.
type envelope struct {
	Type string `json:"type"`

	ID      string  `json:"id,omitempty"`
	Content []Chunk `json:"content,omitempty"`

	Summary          []Chunk `json:"summary,omitempty"`
	ReasoningContent []Chunk `json:"reasoning_content,omitempty"`
	EncryptedContent string  `json:"encrypted_content,omitempty"`

	Query  string `json:"query,omitempty"`
	Status string `json:"status,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Input     string `json:"input,omitempty"`

	Command []string `json:"command,omitempty"`

	Output            string `json:"output,omitempty"`
	Success           bool   `json:"success,omitempty"`
	StructuredContent any    `json:"structured_content,omitempty"`
	IsError           bool   `json:"is_error,omitempty"`
}

// Marshal encodes it as its tagged JSON envelope.
func Marshal(it Item) ([]byte, error) {
	e := envelope{Type: string(it.Kind())}
	switch v := it.(type) {
	case UserMessage:
		e.ID, e.Content = v.ID, v.Content
	case AssistantMessage:
		e.ID, e.Content = v.ID, v.Content
	case Reasoning:
		e.ID, e.Summary, e.ReasoningContent, e.EncryptedContent = v.ID, v.Summary, v.Content, v.EncryptedContent
	case WebSearchCall:
		e.ID, e.Query, e.Status = v.ID, v.Query, v.Status
	case FunctionCall:
		e.ID, e.CallID, e.Name, e.Arguments = v.ID, v.CallID, v.Name, v.Arguments
	case CustomToolCall:
		e.ID, e.CallID, e.Name, e.Input = v.ID, v.CallID, v.Name, v.Input
	case LocalShellCall:
		e.ID, e.CallID, e.Command = v.ID, v.CallID, v.Command
	case FunctionCallOutput:
		e.CallID, e.Output, e.Success = v.CallID, v.Output, v.Success
	case CustomToolCallOutput:
		e.CallID, e.Output = v.CallID, v.Output
	case MCPToolCallOutput:
		e.CallID, e.Output, e.StructuredContent, e.IsError = v.CallID, v.Content, v.StructuredContent, v.IsError
	}
	return json.Marshal(e)
}

// Unmarshal decodes a tagged JSON envelope previously produced by Marshal.
// Unknown kinds return an error so rollout replay fails loudly rather than
// silently dropping an item.
func Unmarshal(data []byte) (Item, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	switch Kind(e.Type) {
	case KindUserMessage:
		return UserMessage{ID: e.ID, Content: e.Content}, nil
	case KindAssistantMessage:
		return AssistantMessage{ID: e.ID, Content: e.Content}, nil
	case KindReasoning:
		return Reasoning{ID: e.ID, Summary: e.Summary, Content: e.ReasoningContent, EncryptedContent: e.EncryptedContent}, nil
	case KindWebSearchCall:
		return WebSearchCall{ID: e.ID, Query: e.Query, Status: e.Status}, nil
	case KindFunctionCall:
		return FunctionCall{ID: e.ID, CallID: e.CallID, Name: e.Name, Arguments: e.Arguments}, nil
	case KindCustomToolCall:
		return CustomToolCall{ID: e.ID, CallID: e.CallID, Name: e.Name, Input: e.Input}, nil
	case KindLocalShellCall:
		return LocalShellCall{ID: e.ID, CallID: e.CallID, Command: e.Command}, nil
	case KindFunctionCallOutput:
		return FunctionCallOutput{CallID: e.CallID, Output: e.Output, Success: e.Success}, nil
	case KindCustomToolCallOutput:
		return CustomToolCallOutput{CallID: e.CallID, Output: e.Output}, nil
	case KindMCPToolCallOutput:
		return MCPToolCallOutput{CallID: e.CallID, Content: e.Output, StructuredContent: e.StructuredContent, IsError: e.IsError}, nil
	default:
		return nil, &UnknownKindError{Type: e.Type}
	}
}

// UnknownKindError is returned by Unmarshal for an envelope whose Type isn't
// one of the closed Kind values.
type UnknownKindError struct{ Type string }

func (e *UnknownKindError) Error() string { return "item: unknown kind " + e.Type }
