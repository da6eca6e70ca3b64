// Package bedrock implements model.Client for the AWS Bedrock Converse API.
//
// Grounded on features/model/bedrock/{client,stream}.go: the
// RuntimeClient seam over *bedrockruntime.Client, the content-block
// union encoding (each Bedrock block variant is a pointer-wrapped struct
// implementing brtypes.ContentBlock, rather than a tagged envelope), and
// the channel-based ConverseStreamEventStream consumption. Narrowed to
// text/tool_use/tool_result content, the subset this engine's item.Item
// union carries; the teacher's reasoning/citation/cache-checkpoint
// handling has no counterpart here since those response-item kinds don't
// exist in this item union.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

// WireProtocol identifies this adapter; Bedrock's Converse API has no
// Responses/Chat-Completions equivalent, so callers branch on this value
// the same way they would on model.WireChatCompletions.
const WireProtocol model.WireProtocol = "bedrock_converse"

// RuntimeClient captures the subset of *bedrockruntime.Client used here.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client implements model.Client over AWS Bedrock's Converse API.
type Client struct {
	Runtime RuntimeClient
	Model   string
}

var _ model.Client = (*Client)(nil)

func (c *Client) WireProtocol() model.WireProtocol { return WireProtocol }

func (c *Client) buildInput(prompt model.Prompt) (*brtypes.ToolConfiguration, []brtypes.Message, []brtypes.SystemContentBlock, error) {
	if c.Model == "" {
		return nil, nil, nil, errors.New("bedrock: Model is required")
	}
	if prompt.Text != nil && prompt.Text.OutputSchema != nil {
		return nil, nil, nil, &model.Error{
			Kind: model.ErrUnsupportedOperation, Message: "output schema is not supported by the Bedrock Converse adapter",
		}
	}
	messages, err := encodeMessages(prompt.Input)
	if err != nil {
		return nil, nil, nil, err
	}
	var system []brtypes.SystemContentBlock
	if prompt.InstructionsOverride != "" {
		system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: prompt.InstructionsOverride}}
	}
	toolConfig, err := encodeTools(prompt.Tools)
	if err != nil {
		return nil, nil, nil, err
	}
	return toolConfig, messages, system, nil
}

// Compact issues a unary Converse call, used by explicit/automatic
// compaction.
func (c *Client) Compact(ctx context.Context, prompt model.Prompt) ([]item.Item, error) {
	toolConfig, messages, system, err := c.buildInput(prompt)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(c.Model), Messages: messages}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	out, err := c.Runtime.Converse(ctx, input)
	if err != nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
	}
	return decodeOutput(out), nil
}

// Stream opens a ConverseStream invocation and adapts its event channel
// into this engine's sse.Event sequence.
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (model.ResponseStream, error) {
	toolConfig, messages, system, err := c.buildInput(prompt)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(c.Model), Messages: messages}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	out, err := c.Runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: "bedrock: stream output missing event stream"}
	}
	return &eventStream{stream: stream, toolBlocks: map[int32]*toolAccum{}}, nil
}

func encodeMessages(items []item.Item) ([]brtypes.Message, error) {
	var out []brtypes.Message
	var blocks []brtypes.ContentBlock
	var role brtypes.ConversationRole

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
		blocks = nil
	}

	for _, it := range items {
		var next brtypes.ConversationRole
		var block brtypes.ContentBlock
		switch v := it.(type) {
		case item.UserMessage:
			next, block = brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: item.Text(v.Content)}
		case item.AssistantMessage:
			text := item.Text(v.Content)
			if text == "" {
				continue
			}
			next, block = brtypes.ConversationRoleAssistant, &brtypes.ContentBlockMemberText{Value: text}
		case item.FunctionCall:
			next, block = brtypes.ConversationRoleAssistant, toolUseBlock(v.CallID, v.Name, v.Arguments)
		case item.CustomToolCall:
			next, block = brtypes.ConversationRoleAssistant, toolUseBlock(v.CallID, v.Name, v.Input)
		case item.LocalShellCall:
			args, _ := json.Marshal(struct {
				Command []string `json:"command"`
			}{v.Command})
			next, block = brtypes.ConversationRoleAssistant, toolUseBlock(v.CallID, "local_shell", string(args))
		case item.FunctionCallOutput:
			next, block = brtypes.ConversationRoleUser, toolResultBlock(v.CallID, v.Output, !v.Success)
		case item.CustomToolCallOutput:
			next, block = brtypes.ConversationRoleUser, toolResultBlock(v.CallID, v.Output, false)
		case item.MCPToolCallOutput:
			next, block = brtypes.ConversationRoleUser, toolResultBlock(v.CallID, v.EffectiveContent(), v.IsError)
		default:
			continue
		}
		if next != role || len(blocks) == 0 {
			flush()
			role = next
		}
		blocks = append(blocks, block)
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func toolUseBlock(callID, name, argsJSON string) brtypes.ContentBlock {
	return &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
		ToolUseId: aws.String(callID),
		Name:      aws.String(name),
		Input:     toDocument(argsJSON),
	}}
}

func toolResultBlock(callID, content string, isError bool) brtypes.ContentBlock {
	tr := brtypes.ToolResultBlock{
		ToolUseId: aws.String(callID),
		Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: content}},
	}
	if isError {
		tr.Status = brtypes.ToolResultStatusError
	}
	return &brtypes.ContentBlockMemberToolResult{Value: tr}
}

func encodeTools(specs []tools.Spec) (*brtypes.ToolConfiguration, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	list := make([]brtypes.Tool, 0, len(specs))
	for _, s := range specs {
		list = append(list, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(s.Schema)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: list}, nil
}

func toDocument(v any) document.Interface {
	if s, ok := v.(string); ok {
		var decoded any
		if s == "" {
			decoded = map[string]any{}
		} else if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			decoded = map[string]any{"raw": s}
		}
		return document.NewLazyDocument(&decoded)
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return "{}"
	}
	return string(data)
}

func decodeOutput(out *bedrockruntime.ConverseOutput) []item.Item {
	var result []item.Item
	if out == nil {
		return result
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return result
	}
	var text []item.Chunk
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value != "" {
				text = append(text, item.Chunk{Type: item.ChunkOutputText, Text: b.Value})
			}
		case *brtypes.ContentBlockMemberToolUse:
			var id, name string
			if b.Value.ToolUseId != nil {
				id = *b.Value.ToolUseId
			}
			if b.Value.Name != nil {
				name = *b.Value.Name
			}
			result = append(result, item.FunctionCall{
				ID: id, CallID: id, Name: name, Arguments: decodeDocument(b.Value.Input),
			})
		}
	}
	if len(text) > 0 {
		result = append([]item.Item{item.AssistantMessage{Content: text}}, result...)
	}
	return result
}

type toolAccum struct {
	id, name  string
	fragments []string
}

// eventStream adapts bedrockruntime.ConverseStreamEventStream's channel of
// events to model.ResponseStream.
type eventStream struct {
	stream *bedrockruntime.ConverseStreamEventStream
	queue  []sse.Event
	done   bool

	toolBlocks   map[int32]*toolAccum
	usage        *sse.TokenUsage
	haveTextItem bool
	textChunks   []item.Chunk
}

func (s *eventStream) Close() error { return s.stream.Close() }

func (s *eventStream) Next(ctx context.Context) (sse.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					return nil, &model.Error{Kind: model.ErrInvalidRequest, Message: err.Error()}
				}
				s.flushFinalTextItem()
				s.done = true
				s.queue = append(s.queue, sse.Completed{TokenUsage: s.usage})
				continue
			}
			s.handle(ev)
		}
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, nil
}

func (s *eventStream) flushFinalTextItem() {
	if s.haveTextItem {
		s.queue = append(s.queue, sse.OutputItemDone{Item: item.AssistantMessage{Content: s.textChunks}})
	}
}

func (s *eventStream) handle(event brtypes.ConverseStreamOutput) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := ptrValue(ev.Value.ContentBlockIndex)
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			acc := &toolAccum{}
			if tu.Value.ToolUseId != nil {
				acc.id = *tu.Value.ToolUseId
			}
			if tu.Value.Name != nil {
				acc.name = *tu.Value.Name
			}
			s.toolBlocks[idx] = acc
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := ptrValue(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				break
			}
			if !s.haveTextItem {
				s.haveTextItem = true
				s.queue = append(s.queue, sse.OutputItemAdded{Item: item.AssistantMessage{}})
			}
			s.textChunks = append(s.textChunks, item.Chunk{Type: item.ChunkOutputText, Text: delta.Value})
			s.queue = append(s.queue, sse.OutputTextDelta{Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if acc := s.toolBlocks[idx]; acc != nil && delta.Value.Input != nil {
				acc.fragments = append(acc.fragments, *delta.Value.Input)
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := ptrValue(ev.Value.ContentBlockIndex)
		if acc := s.toolBlocks[idx]; acc != nil {
			delete(s.toolBlocks, idx)
			args := ""
			for _, f := range acc.fragments {
				args += f
			}
			if args == "" {
				args = "{}"
			}
			fc := item.FunctionCall{ID: acc.id, CallID: acc.id, Name: acc.name, Arguments: args}
			s.queue = append(s.queue, sse.OutputItemAdded{Item: fc}, sse.OutputItemDone{Item: fc})
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			s.usage = &sse.TokenUsage{
				InputTokens:  int(ptrValue(ev.Value.Usage.InputTokens)),
				OutputTokens: int(ptrValue(ev.Value.Usage.OutputTokens)),
				TotalTokens:  int(ptrValue(ev.Value.Usage.TotalTokens)),
			}
		}
	}
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
