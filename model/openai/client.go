// Package openai implements model.Client for the Chat Completions wire
// protocol, backed by github.com/sashabaranov/go-openai — the library the
// teacher's own OpenAI adapter uses (features/model/openai/client.go), not
// the openai-go SDK merely declared in its go.mod with no direct importer
// anywhere in that tree. The teacher's own adapter never implemented
// streaming (its Stream method returns model.ErrStreamingUnsupported
// unconditionally), so the streaming shape here (CreateChatCompletionStream,
// Recv(), per-index tool-call delta accumulation keyed by
// ToolCall.Index) is grounded instead on another pack repo's OpenAI
// provider, internal/agent/providers/openai.go's processStream.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

// ChatClient captures the subset of the go-openai client this adapter uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	Chat  ChatClient
	Model string
}

var _ model.Client = (*Client)(nil)

func (c *Client) WireProtocol() model.WireProtocol { return model.WireChatCompletions }

func (c *Client) buildRequest(prompt model.Prompt) (openai.ChatCompletionRequest, error) {
	if c.Model == "" {
		return openai.ChatCompletionRequest{}, errors.New("openai: Model is required")
	}
	if prompt.Text != nil && prompt.Text.OutputSchema != nil {
		return openai.ChatCompletionRequest{}, &model.Error{
			Kind: model.ErrUnsupportedOperation, Message: "output schema is not supported by the Chat Completions adapter",
		}
	}
	messages, err := encodeMessages(prompt.Input)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	if prompt.InstructionsOverride != "" {
		messages = append([]openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleSystem, Content: prompt.InstructionsOverride,
		}}, messages...)
	}
	tools, err := encodeTools(prompt.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:    c.Model,
		Messages: messages,
		Tools:    tools,
	}, nil
}

// Compact issues a unary Chat Completions call, used by explicit/automatic
// compaction.
func (c *Client) Compact(ctx context.Context, prompt model.Prompt) ([]item.Item, error) {
	req, err := c.buildRequest(prompt)
	if err != nil {
		return nil, err
	}
	resp, err := c.Chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
	}
	return decodeResponse(resp), nil
}

// Stream opens a streaming Chat Completions invocation and adapts its
// per-chunk deltas into this engine's sse.Event sequence.
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (model.ResponseStream, error) {
	req, err := c.buildRequest(prompt)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	stream, err := c.Chat.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
	}
	return &chatStream{stream: stream, calls: map[int]*toolCallAccum{}}, nil
}

type toolCallAccum struct {
	id, name string
	args     string
}

// chatStream adapts *openai.ChatCompletionStream to model.ResponseStream.
// Tool-call deltas are keyed by their chunk index (the go-openai SDK's
// *int pointer, nil meaning index 0) and only surfaced once the stream
// reports FinishReason "tool_calls" or ends, since OpenAI never marks an
// individual tool call complete mid-stream. The assistant's text reply opens
// an OutputItemAdded on its first content delta (the turn driver requires
// an active item before it will accept OutputTextDelta) and closes with one
// OutputItemDone carrying the accumulated text at io.EOF, mirroring the
// anthropic adapter's same accommodation for a provider with no itemized
// text-block-done event.
type chatStream struct {
	stream *openai.ChatCompletionStream
	queue  []sse.Event
	calls  map[int]*toolCallAccum
	order  []int
	done   bool

	haveTextItem bool
	textChunks   []item.Chunk
}

func (s *chatStream) Close() error { return s.stream.Close() }

func (s *chatStream) Next(ctx context.Context) (sse.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, errStreamExhausted
		}
		resp, err := s.stream.Recv()
		if err != nil {
			if err == io.EOF {
				s.flushToolCalls()
				if s.haveTextItem {
					s.queue = append(s.queue, sse.OutputItemDone{
						Item: item.AssistantMessage{Content: s.textChunks},
					})
				}
				s.done = true
				s.queue = append(s.queue, sse.Completed{})
				continue
			}
			return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		s.handle(resp.Choices[0])
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, nil
}

func (s *chatStream) handle(choice openai.ChatCompletionStreamChoice) {
	delta := choice.Delta
	if delta.Content != "" {
		if !s.haveTextItem {
			s.haveTextItem = true
			s.queue = append(s.queue, sse.OutputItemAdded{Item: item.AssistantMessage{}})
		}
		s.textChunks = append(s.textChunks, item.Chunk{Type: item.ChunkOutputText, Text: delta.Content})
		s.queue = append(s.queue, sse.OutputTextDelta{Text: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		acc, ok := s.calls[idx]
		if !ok {
			acc = &toolCallAccum{}
			s.calls[idx] = acc
			s.order = append(s.order, idx)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		acc.args += tc.Function.Arguments
	}
	if choice.FinishReason == "tool_calls" {
		s.flushToolCalls()
	}
}

func (s *chatStream) flushToolCalls() {
	for _, idx := range s.order {
		acc := s.calls[idx]
		if acc == nil || acc.id == "" || acc.name == "" {
			continue
		}
		args := acc.args
		if args == "" {
			args = "{}"
		}
		fc := item.FunctionCall{ID: acc.id, CallID: acc.id, Name: acc.name, Arguments: args}
		s.queue = append(s.queue, sse.OutputItemAdded{Item: fc}, sse.OutputItemDone{Item: fc})
	}
	s.calls = map[int]*toolCallAccum{}
	s.order = nil
}

var errStreamExhausted = errors.New("openai: stream already completed")

func encodeMessages(items []item.Item) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	var pending *openai.ChatCompletionMessage

	flush := func() {
		if pending != nil {
			out = append(out, *pending)
			pending = nil
		}
	}
	appendCall := func(callID, name, argsJSON string) {
		if pending == nil || pending.Role != openai.ChatMessageRoleAssistant {
			flush()
			pending = &openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		}
		pending.ToolCalls = append(pending.ToolCalls, openai.ToolCall{
			ID:       callID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: argsJSON},
		})
	}

	for _, it := range items {
		switch v := it.(type) {
		case item.UserMessage:
			flush()
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: item.Text(v.Content)})
		case item.AssistantMessage:
			flush()
			text := item.Text(v.Content)
			if text != "" {
				pending = &openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
			}
		case item.FunctionCall:
			appendCall(v.CallID, v.Name, v.Arguments)
		case item.CustomToolCall:
			appendCall(v.CallID, v.Name, v.Input)
		case item.LocalShellCall:
			args, _ := json.Marshal(struct {
				Command []string `json:"command"`
			}{v.Command})
			appendCall(v.CallID, "local_shell", string(args))
		case item.FunctionCallOutput:
			flush()
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, ToolCallID: v.CallID, Content: v.Output})
		case item.CustomToolCallOutput:
			flush()
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, ToolCallID: v.CallID, Content: v.Output})
		case item.MCPToolCallOutput:
			flush()
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, ToolCallID: v.CallID, Content: v.EffectiveContent()})
		default:
			// Reasoning/WebSearchCall have no Chat Completions message shape.
			continue
		}
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(specs []tools.Spec) ([]openai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		params, err := json.Marshal(s.Schema)
		if err != nil {
			return nil, err
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}

func decodeResponse(resp openai.ChatCompletionResponse) []item.Item {
	var out []item.Item
	for _, choice := range resp.Choices {
		msg := choice.Message
		if strings.TrimSpace(msg.Content) != "" {
			out = append(out, item.AssistantMessage{
				Content: []item.Chunk{{Type: item.ChunkOutputText, Text: msg.Content}},
			})
		}
		for _, call := range msg.ToolCalls {
			out = append(out, item.FunctionCall{
				CallID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments,
			})
		}
	}
	return out
}
