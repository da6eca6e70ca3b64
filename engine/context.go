package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a Go context passed down to
// activity code, so a handler that needs to distinguish "called from a
// workflow" from "called directly" can retrieve it.
type wfCtxKey struct{}

// activityCtxKey marks a context as originating from an activity
// invocation, as opposed to a workflow's own Context().
type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf. Backends use
// this when invoking activity handlers.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext returns a child context marked as an activity
// invocation context.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx originated from an activity
// invocation.
func IsActivityContext(ctx context.Context) bool {
	b, ok := ctx.Value(activityCtxKey{}).(bool)
	return ok && b
}

// WorkflowContextFromContext extracts a WorkflowContext from ctx, or nil if
// none was attached via WithWorkflowContext.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
