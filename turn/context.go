package turn

import (
	"context"
	"fmt"
	"sync/atomic"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/model"
	"goa.design/turnkit/session"
	"goa.design/turnkit/tools"
)

// Context is the immutable-once-built per-turn state (spec §3 "Turn
// context"): identity, model client handle, policies, tool configuration,
// and the one-shot gate mutating tools wait on.
type Context struct {
	SubID            string
	Client           model.Client
	Cwd              string
	Instructions     string
	ApprovalPolicy   string
	SandboxPolicy    string
	ToolsRegistry    *tools.Registry
	TruncationPolicy string
	OutputSchema     map[string]any
	ParallelToolCalls bool
	Gate             *Gate

	// goCtx is this turn's cancellation context, a child of the session's
	// active-turn context (spec §3 "child cancellation tokens").
	goCtx context.Context

	activeTurn  *session.ActiveTurn
	bus         hooks.Bus
	approvalSeq atomic.Uint64
}

// RequestExecApproval implements the exec half of spec §4.6.5: it registers
// a one-shot waiter keyed by an id derived from the turn's sub_id, emits
// ExecApprovalRequest, and blocks for the reply (or ctx cancellation, in
// which case the caller should treat it the same as a Deny).
func (c *Context) RequestExecApproval(ctx context.Context, command []string, cwd, reason string) (session.ApprovalDecision, error) {
	return c.requestApproval(ctx, func(id string) hooks.Event {
		return hooks.Event{
			Type: hooks.EventExecApprovalRequest, SubID: c.SubID,
			ExecApprovalRequest: &hooks.ExecApprovalRequestPayload{ApprovalID: id, Command: command, Cwd: cwd, Reason: reason},
		}
	})
}

// RequestPatchApproval is the apply-patch counterpart to RequestExecApproval.
func (c *Context) RequestPatchApproval(ctx context.Context, patch, reason string) (session.ApprovalDecision, error) {
	return c.requestApproval(ctx, func(id string) hooks.Event {
		return hooks.Event{
			Type: hooks.EventApplyPatchApprovalRequest, SubID: c.SubID,
			ApplyPatchApprovalRequest: &hooks.ApplyPatchApprovalRequestPayload{ApprovalID: id, Patch: patch, Reason: reason},
		}
	})
}

func (c *Context) requestApproval(ctx context.Context, build func(id string) hooks.Event) (session.ApprovalDecision, error) {
	id := fmt.Sprintf("%s#%d", c.SubID, c.approvalSeq.Add(1))
	waiter := c.activeTurn.AwaitApproval(id)
	if err := c.bus.Publish(ctx, build(id)); err != nil {
		return session.ApprovalDeny, err
	}
	select {
	case decision := <-waiter:
		return decision, nil
	case <-ctx.Done():
		// The waiter stays registered; an eventual Interrupt still resolves
		// it to Deny (session.ActiveTurn.abortPending), so it is never
		// leaked — only this call returns early.
		return session.ApprovalDeny, ctx.Err()
	}
}

// GoContext returns the turn's cancellation context.
func (c *Context) GoContext() context.Context { return c.goCtx }

type contextKey struct{}

// NewContext returns a copy of ctx carrying tc, so a tool Handler invoked
// through tools.Runtime.Dispatch can retrieve it via FromContext to request
// approvals (spec §4.6.5) without the tools package importing turn.
func NewContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext retrieves the turn Context a Handler was dispatched under, if
// any (e.g. a handler invoked outside a turn, such as in a unit test, sees
// ok=false).
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	return tc, ok
}

// Snapshot renders the portion of Context persisted to rollout ahead of
// opening the stream (spec §4.6.3 step 2).
func (c *Context) Snapshot() (subID, cwd, model, approval, sandbox, instructions, truncation string, schema map[string]any) {
	return c.SubID, c.Cwd, string(c.Client.WireProtocol()), c.ApprovalPolicy, c.SandboxPolicy, c.Instructions, c.TruncationPolicy, c.OutputSchema
}

// newContext builds a turn Context rooted at goCtx from cfg, the registry and
// the caller's parallel-tool-calls flag (spec §4.6.3 step 1 "Build prompt").
func newContext(goCtx context.Context, subID string, client model.Client, cfg session.Configuration, registry *tools.Registry, outputSchema map[string]any, parallelCapable bool, at *session.ActiveTurn, bus hooks.Bus) *Context {
	return &Context{
		SubID:             subID,
		Client:            client,
		Cwd:               cfg.Cwd,
		Instructions:      cfg.UserInstructions,
		ApprovalPolicy:    cfg.ApprovalPolicy,
		SandboxPolicy:     cfg.SandboxPolicy,
		ToolsRegistry:     registry,
		OutputSchema:      outputSchema,
		ParallelToolCalls: parallelCapable,
		Gate:              NewGate(),
		goCtx:             goCtx,
		activeTurn:        at,
		bus:               bus,
	}
}
