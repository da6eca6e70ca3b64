package sse

import (
	"encoding/json"

	"goa.design/turnkit/item"
)

// wireItem is the Responses-API on-wire shape for a single output item.
// Unparsable items are skipped silently by the caller rather than failing
// the whole stream (spec §4.3 "unparsable items skipped").
type wireItem struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Summary []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"summary"`
	EncryptedContent string `json:"encrypted_content"`
	Action           struct {
		Query   string   `json:"query"`
		Command []string `json:"command"`
	} `json:"action"`
	Status    string `json:"status"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Input     string `json:"input"`
}

// decodeWireItem parses a single Responses-API output item into item.Item.
func decodeWireItem(raw json.RawMessage) (item.Item, error) {
	var w wireItem
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "message":
		chunks := make([]item.Chunk, 0, len(w.Content))
		for _, c := range w.Content {
			ct := item.ChunkOutputText
			if c.Type == "input_text" {
				ct = item.ChunkInputText
			}
			chunks = append(chunks, item.Chunk{Type: ct, Text: c.Text})
		}
		if w.Role == "user" {
			return item.UserMessage{ID: w.ID, Content: chunks}, nil
		}
		return item.AssistantMessage{ID: w.ID, Content: chunks}, nil
	case "reasoning":
		summary := make([]item.Chunk, 0, len(w.Summary))
		for _, s := range w.Summary {
			summary = append(summary, item.Chunk{Type: item.ChunkOutputText, Text: s.Text})
		}
		return item.Reasoning{ID: w.ID, Summary: summary, EncryptedContent: w.EncryptedContent}, nil
	case "web_search_call":
		return item.WebSearchCall{ID: w.ID, Query: w.Action.Query, Status: w.Status}, nil
	case "function_call":
		return item.FunctionCall{ID: w.ID, CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case "custom_tool_call":
		return item.CustomToolCall{ID: w.ID, CallID: w.CallID, Name: w.Name, Input: w.Input}, nil
	case "local_shell_call":
		return item.LocalShellCall{ID: w.ID, CallID: w.CallID, Command: w.Action.Command}, nil
	default:
		return nil, &UnknownItemTypeError{Type: w.Type}
	}
}

// UnknownItemTypeError is returned by decodeWireItem for an item "type" the
// parser does not recognize.
type UnknownItemTypeError struct{ Type string }

func (e *UnknownItemTypeError) Error() string { return "sse: unknown item type " + e.Type }
