package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/turnkit/item"
)

// Router dispatches invocations by tool name into the Registry, validating
// payloads against each tool's declared JSON Schema before the handler ever
// sees them (spec §4.5 "Routing"; schema validation grounded on
// runtime/agent/tools/spec.go's TypeSpec.Schema contract, performed here at
// runtime since this engine has no codegen step).
type Router struct {
	registry *Registry
	schemas  map[string]*jsonschema.Schema
}

// NewRouter compiles every registered tool's JSON Schema eagerly so a
// malformed schema fails at startup rather than mid-turn.
func NewRouter(registry *Registry) (*Router, error) {
	r := &Router{registry: registry, schemas: map[string]*jsonschema.Schema{}}
	for _, spec := range registry.Specs() {
		if spec.Schema == nil {
			continue
		}
		compiled, err := compileSchema(spec.Name, spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("tools: compiling schema for %q: %w", spec.Name, err)
		}
		r.schemas[spec.Name] = compiled
	}
	return r, nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	raw, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, raw); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// Dispatch routes one invocation to its handler and wraps the result into
// the response-item output variant matching inv.Kind, keyed by inv.CallID
// (spec §4.5 "Routing"). The awaitGate hook is invoked before a mutating
// tool executes, implementing the turn's one-shot tool_call_gate (spec §3).
func (rt *Router) Dispatch(ctx context.Context, inv Invocation, h Handler, awaitGate func(context.Context) error) (item.Item, error) {
	if !h.MatchesKind(inv) {
		return nil, NewFatal(fmt.Sprintf("tool %q: handler kind mismatch for invocation kind %s", inv.Name, inv.Kind))
	}
	if schema, ok := rt.schemas[inv.Name]; ok {
		if err := validate(schema, inv.Payload); err != nil {
			return rt.wrapOutput(inv, ToolOutput{Content: err.Error(), IsError: true}), nil
		}
	}
	if h.IsMutating(inv) && awaitGate != nil {
		if err := awaitGate(ctx); err != nil {
			return nil, err
		}
	}
	out, err := h.Handle(ctx, inv)
	if err != nil {
		fe := Wrap(err)
		switch fe.Kind {
		case ErrFatal:
			return nil, fe
		default: // ErrRespondToModel, ErrDenied: surfaced as a failed output
			return rt.wrapOutput(inv, ToolOutput{Content: fe.Message, IsError: true}), nil
		}
	}
	return rt.wrapOutput(inv, out), nil
}

func validate(schema *jsonschema.Schema, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// wrapOutput wraps a handler's ToolOutput into the matching response-item
// output variant. For MCP outputs both Content and StructuredContent are
// carried as recorded; the structured-wins precedence is resolved by
// item.MCPToolCallOutput.EffectiveContent when the output is encoded back to
// the model. IsError=true sets Success=false on function outputs.
func (rt *Router) wrapOutput(inv Invocation, out ToolOutput) item.Item {
	switch inv.Kind {
	case KindMCP:
		return item.MCPToolCallOutput{
			CallID:             inv.CallID,
			Content:            out.Content,
			StructuredContent:  out.StructuredContent,
			IsError:            out.IsError,
		}
	default:
		return item.FunctionCallOutput{
			CallID:  inv.CallID,
			Output:  out.Content,
			Success: !out.IsError,
		}
	}
}

// unsupportedToolError is returned by Dispatch's caller (Runtime) when no
// handler is registered for the requested name (spec §4.5 "Unknown tool").
func unsupportedToolError(name string) *FunctionCallError {
	return NewRespondToModel(fmt.Sprintf("unsupported tool call: %s", name))
}
