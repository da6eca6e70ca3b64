// Package engine defines a pluggable durable-execution abstraction for
// running a turn as a workflow. The default backend (engine/inmem) runs a
// turn as a plain goroutine, matching spec §5's concurrency model; the
// engine/temporal backend runs the same workflow function on Temporal so a
// turn survives a process crash and resumes from its last recorded step.
//
// Grounded on runtime/agent/engine/engine.go's Engine/WorkflowContext split:
// callers register a WorkflowFunc once, then start as many workflow
// executions as they like, each getting a WorkflowContext scoped to that
// one run.
package engine

import (
	"context"
	"time"

	"goa.design/turnkit/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so the in-memory
	// and Temporal backends are interchangeable behind one interface.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Call this during
		// startup, before StartWorkflow. Returns an error if the name is
		// already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Activities are
		// short-lived, side-effecting tasks invoked from within a workflow
		// (running a turn's model call, executing a tool). Must be called
		// during startup, before any workflow that references it starts.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow starts a new workflow execution and returns a handle
		// to it. req.ID must be unique for the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		// Name is the identifier passed as WorkflowStartRequest.Workflow.
		Name string
		// TaskQueue is the queue workers subscribe to for this workflow.
		TaskQueue string
		// Handler is invoked once per workflow execution.
		Handler WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. For the Temporal backend it
	// must be deterministic: it may only observe the outside world through
	// WorkflowContext (ExecuteActivity, SignalChannel, Now), never through
	// direct I/O, time.Now, or non-seeded randomness.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	// Implementations wrap a backend-specific context (a plain
	// context.Context for engine/inmem, a workflow.Context for
	// engine/temporal) behind one API.
	//
	// A WorkflowContext is bound to a single workflow execution and must not
	// be shared across goroutines; activity and signal calls are serialized
	// by the backend.
	WorkflowContext interface {
		// Context returns a Go context usable for cancellation propagation
		// and as the first argument to ExecuteActivity.
		Context() context.Context

		// WorkflowID returns the caller-supplied WorkflowStartRequest.ID.
		WorkflowID() string

		// RunID returns the backend-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// populating result. Returns an error if the activity fails after
		// retries or scheduling itself fails.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Future.Get. Used to run
		// several tool calls in parallel from one workflow (spec §5's
		// parallel tool-call fan-out), mirroring turn.Driver's own
		// goroutine-based fan-out for the engine/inmem backend.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the named signal. Workflow
		// code polls or blocks on it to react to external events (turn
		// cancellation, a queued follow-up message) delivered by the
		// backend's signaling mechanism.
		SignalChannel(name string) SignalChannel

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger
		// Metrics returns a metrics recorder scoped to this workflow execution.
		Metrics() telemetry.Metrics
		// Tracer returns a tracer for spans within this workflow execution.
		Tracer() telemetry.Tracer

		// Now returns the current time in a manner safe for replay: the
		// Temporal backend returns the time recorded at first execution, not
		// wall-clock time, so workflow code must read time only through Now.
		Now() time.Time
	}

	// Future represents a pending activity result.
	//
	// Calling Get more than once returns the same result/error each time;
	// IsReady lets workflow code poll without blocking.
	Future interface {
		// Get blocks until the activity completes and populates result.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get would return immediately.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// per-activity defaults.
	ActivityDefinition struct {
		// Name identifies the activity; ActivityRequest.Name must match.
		Name string
		// Handler executes the activity.
		Handler ActivityFunc
		// Options carries per-activity settings. Only Queue is used: the
		// Temporal backend registers the activity on that queue. Neither
		// backend applies RetryPolicy or Timeout from here to an
		// ActivityRequest that omits them.
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike a WorkflowFunc,
	// it may perform arbitrary I/O: calling a model provider, invoking a
	// tool handler, appending to the rollout log.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior for an activity.
	// Zero-valued fields mean the backend's own defaults apply.
	ActivityOptions struct {
		// Queue overrides the default task queue for this activity.
		Queue string
		// RetryPolicy controls retry behavior.
		RetryPolicy RetryPolicy
		// Timeout bounds total execution time including retries. Zero means
		// no timeout.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch one workflow execution.
	WorkflowStartRequest struct {
		// ID must be unique within the engine instance; it is supplied by
		// the caller that starts the workflow.
		ID string
		// Workflow names a registered WorkflowDefinition.
		Workflow string
		// TaskQueue selects the queue workers pick this execution up from.
		TaskQueue string
		// Input is the payload passed to the workflow handler.
		Input any
		// RetryPolicy controls retries of the start attempt itself, not of
		// the workflow's own activities.
		RetryPolicy RetryPolicy
	}

	// ActivityRequest describes one activity invocation from within a
	// workflow.
	ActivityRequest struct {
		// Name must match a registered ActivityDefinition.
		Name string
		// Input is the payload passed to the activity handler.
		Input any
		// Queue optionally overrides the activity's default queue.
		Queue string
		// RetryPolicy is the retry policy for this call; zero means the
		// backend's default.
		RetryPolicy RetryPolicy
		// Timeout bounds this call; zero means the backend's default.
		Timeout time.Duration
	}

	// WorkflowHandle lets callers interact with a running or finished
	// workflow execution.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result.
		Wait(ctx context.Context, result any) error
		// Signal delivers an asynchronous message the workflow can receive
		// via SignalChannel.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation; the workflow's Context() is
		// cancelled and in-flight activities may be cancelled depending on
		// the backend.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the backend's defaults apply.
	RetryPolicy struct {
		// MaxAttempts caps total attempts. Zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry; values
		// below 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in a backend-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal arrives and decodes it into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, returning true and
		// populating dest if a signal was already queued.
		ReceiveAsync(dest any) bool
	}
)
