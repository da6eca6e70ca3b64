// Package anthropic adapts the Anthropic Claude Messages API to model.Client,
// letting the turn engine run against Claude models as an alternative to the
// bespoke Responses wire client.
//
// Grounded on features/model/anthropic/client.go+stream.go: the
// MessagesClient seam (so a mock can stand in for *sdk.MessageService in
// tests), the ssestream.Stream[sdk.MessageStreamEventUnion] event-union
// decoding, and the content-block bookkeeping (tool_use/tool_result
// round-tripping by id). Adapted from goa-ai's own model.Request/Chunk types
// to this engine's item.Item/sse.Event union.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

// WireProtocol identifies this adapter to callers that branch on
// Client.WireProtocol() (e.g. to reject an output schema request, which
// Claude Messages has no equivalent for).
const WireProtocol model.WireProtocol = "anthropic_messages"

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	Messages  MessagesClient
	Model     string
	MaxTokens int64
}

var _ model.Client = (*Client)(nil)

func (c *Client) WireProtocol() model.WireProtocol { return WireProtocol }

func (c *Client) buildParams(prompt model.Prompt) (sdk.MessageNewParams, error) {
	if c.Model == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: Model is required")
	}
	msgs, err := encodeHistory(prompt.Input)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	toolParams, err := encodeTools(prompt.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if prompt.InstructionsOverride != "" {
		params.System = []sdk.TextBlockParam{{Text: prompt.InstructionsOverride}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if prompt.Text != nil && prompt.Text.OutputSchema != nil {
		return sdk.MessageNewParams{}, &model.Error{
			Kind: model.ErrUnsupportedOperation, Message: "output schema is not supported by the Anthropic Messages adapter",
		}
	}
	return params, nil
}

// Stream opens a streaming Claude Messages invocation and adapts its event
// union into this engine's sse.Event sequence.
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (model.ResponseStream, error) {
	params, err := c.buildParams(prompt)
	if err != nil {
		return nil, err
	}
	stream := c.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return newEventStream(stream), nil
}

// Compact issues a non-streaming Messages.New call and decodes its content
// blocks into response items, used for explicit/automatic compaction.
func (c *Client) Compact(ctx context.Context, prompt model.Prompt) ([]item.Item, error) {
	params, err := c.buildParams(prompt)
	if err != nil {
		return nil, err
	}
	msg, err := c.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyErr(err)
	}
	return decodeMessage(msg), nil
}

func classifyErr(err error) error {
	return &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
}

// encodeHistory groups consecutive response items sharing the same Anthropic
// turn role (tool calls ride along with the assistant message that issued
// them; tool outputs ride along with the next user turn) into alternating
// sdk.MessageParam entries, matching Claude's strict user/assistant
// alternation requirement.
func encodeHistory(items []item.Item) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	var blocks []sdk.ContentBlockParamUnion
	var role string // "user" | "assistant"

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == "assistant" {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
		blocks = nil
	}

	for _, it := range items {
		var next string
		var block sdk.ContentBlockParamUnion
		switch v := it.(type) {
		case item.UserMessage:
			next, block = "user", sdk.NewTextBlock(item.Text(v.Content))
		case item.AssistantMessage:
			next, block = "assistant", sdk.NewTextBlock(item.Text(v.Content))
		case item.FunctionCall:
			next, block = "assistant", toolUseBlock(v.CallID, v.Name, v.Arguments)
		case item.CustomToolCall:
			next, block = "assistant", toolUseBlock(v.CallID, v.Name, v.Input)
		case item.LocalShellCall:
			args, _ := json.Marshal(struct {
				Command []string `json:"command"`
			}{v.Command})
			next, block = "assistant", toolUseBlock(v.CallID, "local_shell", string(args))
		case item.FunctionCallOutput:
			next, block = "user", sdk.NewToolResultBlock(v.CallID, v.Output, !v.Success)
		case item.CustomToolCallOutput:
			next, block = "user", sdk.NewToolResultBlock(v.CallID, v.Output, false)
		case item.MCPToolCallOutput:
			next, block = "user", sdk.NewToolResultBlock(v.CallID, v.EffectiveContent(), v.IsError)
		default:
			// Reasoning/WebSearchCall carry no Anthropic-native content-block
			// equivalent and are omitted from the replayed turn.
			continue
		}
		if next != role {
			flush()
			role = next
		}
		blocks = append(blocks, block)
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func toolUseBlock(callID, name, argsJSON string) sdk.ContentBlockParamUnion {
	var input any
	if argsJSON == "" {
		input = map[string]any{}
	} else if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		input = map[string]any{"raw": argsJSON}
	}
	return sdk.NewToolUseBlock(callID, input, name)
}

func encodeTools(specs []tools.Spec) ([]sdk.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: s.Schema}, s.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// decodeMessage converts a non-streaming Claude Messages response into
// response items: one AssistantMessage for its text blocks, one FunctionCall
// per tool_use block.
func decodeMessage(msg *sdk.Message) []item.Item {
	var out []item.Item
	var text []item.Chunk
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, item.Chunk{Type: item.ChunkOutputText, Text: block.Text})
			}
		case "tool_use":
			argsJSON, _ := json.Marshal(block.Input)
			out = append(out, item.FunctionCall{ID: block.ID, CallID: block.ID, Name: block.Name, Arguments: string(argsJSON)})
		}
	}
	if len(text) > 0 {
		out = append([]item.Item{item.AssistantMessage{ID: msg.ID, Content: text}}, out...)
	}
	return out
}

// eventStream adapts ssestream.Stream[sdk.MessageStreamEventUnion] to
// model.ResponseStream, decoding one or more sse.Event per underlying SDK
// event into a small internal queue. A content_block_stop for a tool_use
// block yields an OutputItemAdded immediately followed by an OutputItemDone
// for the complete call, since Claude never streams partial tool names; the
// assistant's text
// response instead opens an OutputItemAdded on its first delta (the turn
// driver requires an active item before it will accept OutputTextDelta) and
// closes with one OutputItemDone carrying the accumulated text once the
// stream ends, since Claude has no itemized text-block-done event of its
// own to hang that on.
type eventStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	queue  []sse.Event
	done   bool

	toolArgs  map[int64]*toolAccum
	usage     *sse.TokenUsage
	messageID string

	haveTextItem bool
	textChunks   []item.Chunk
}

type toolAccum struct {
	callID, name string
	fragments    []string
}

func newEventStream(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *eventStream {
	return &eventStream{stream: stream, toolArgs: map[int64]*toolAccum{}}
}

func (s *eventStream) Close() error { return s.stream.Close() }

func (s *eventStream) Next(ctx context.Context) (sse.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, errStreamExhausted
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return nil, classifyErr(err)
			}
			s.done = true
			if s.haveTextItem {
				s.queue = append(s.queue, sse.OutputItemDone{
					Item: item.AssistantMessage{ID: s.messageID, Content: s.textChunks},
				})
			}
			s.queue = append(s.queue, sse.Completed{ResponseID: s.messageID, TokenUsage: s.usage})
			continue
		}
		s.handle(s.stream.Current())
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, nil
}

var errStreamExhausted = errors.New("anthropic: stream already completed")

func (s *eventStream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.messageID = ev.Message.ID
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.toolArgs[ev.Index] = &toolAccum{callID: tu.ID, name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				if !s.haveTextItem {
					s.haveTextItem = true
					s.queue = append(s.queue, sse.OutputItemAdded{
						Item: item.AssistantMessage{ID: s.messageID},
					})
				}
				s.textChunks = append(s.textChunks, item.Chunk{Type: item.ChunkOutputText, Text: delta.Text})
				s.queue = append(s.queue, sse.OutputTextDelta{Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			if tb := s.toolArgs[ev.Index]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		if tb := s.toolArgs[ev.Index]; tb != nil {
			args := ""
			for _, f := range tb.fragments {
				args += f
			}
			if args == "" {
				args = "{}"
			}
			delete(s.toolArgs, ev.Index)
			fc := item.FunctionCall{ID: tb.callID, CallID: tb.callID, Name: tb.name, Arguments: args}
			s.queue = append(s.queue, sse.OutputItemAdded{Item: fc}, sse.OutputItemDone{Item: fc})
		}
	case sdk.MessageDeltaEvent:
		s.usage = &sse.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
	case sdk.MessageStopEvent:
		// Terminal bookkeeping happens once stream.Next() returns false; Claude
		// has no event after this one, so there is nothing further to queue.
	}
}
