package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/turnkit/item"
)

// Runtime schedules dispatched tool invocations under the conversation-wide
// parallelism gate and supports turn cancellation (spec §4.5 "Parallelism
// gate"/"Cancellation").
//
// Grounded verbatim on original_source/codex-rs/core/src/tools/parallel.rs's
// ToolCallRuntime: the gate is a single sync.RWMutex shared by every call a
// Runtime dispatches — parallel-capable tools take the read side (many
// concurrent holders), non-parallel tools take the write side (exclusive of
// everything). This guarantees two non-parallel tools never overlap, a
// non-parallel tool never overlaps any other tool, and parallel-capable
// tools may overlap each other.
type Runtime struct {
	router   *Router
	registry *Registry
	gate     sync.RWMutex
}

// NewRuntime constructs a Runtime dispatching through router against
// registry's parallel-capability tags.
func NewRuntime(router *Router, registry *Registry) *Runtime {
	return &Runtime{router: router, registry: registry}
}

// Future is an in-flight dispatched tool call. Await blocks until the call's
// output item is ready (either the handler's result or a synthetic
// cancellation/unsupported output), preserving the one-output-per-call
// protocol contract even when the call never ran.
type Future struct {
	callID string
	done   chan struct{}
	result item.Item
	err    error // non-nil only for *FunctionCallError{Kind: ErrFatal}
}

// CallID is the call_id this future's eventual output will be keyed by.
func (f *Future) CallID() string { return f.callID }

// Await blocks until the dispatched call completes (or the awaiting
// context is cancelled, in which case ctx.Err() is returned; the future
// itself keeps running to completion in the background).
func (f *Future) Await(ctx context.Context) (item.Item, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch schedules inv for execution and returns immediately with a
// Future. awaitGate, if non-nil, is forwarded to Router.Dispatch to gate
// mutating tools on the turn's one-shot tool_call_gate. turnCtx is the
// cancellation context for the owning turn: when it is cancelled before or
// during execution, the future resolves to a synthetic "aborted by user"
// output rather than being left to dangle (spec §4.5 "Cancellation", §8
// scenario 6).
//
// Unknown tool names resolve immediately to a RespondToModel output rather
// than blocking on the gate (spec §4.5 "Unknown tool").
func (rt *Runtime) Dispatch(turnCtx context.Context, inv Invocation, awaitGate func(context.Context) error) *Future {
	f := &Future{callID: inv.CallID, done: make(chan struct{})}
	h, spec, ok := rt.registry.Lookup(inv.Name)
	if !ok {
		f.result = rt.router.wrapOutput(inv, ToolOutput{Content: unsupportedToolError(inv.Name).Message, IsError: true})
		close(f.done)
		return f
	}

	start := time.Now()
	go func() {
		defer close(f.done)

		// sync.RWMutex has no cancellable acquire, so the lock is taken on a
		// helper goroutine and handed back over a channel; a turn
		// cancellation observed first abandons waiting for it here but the
		// helper still runs to completion and releases the lock once
		// acquired, so the gate's invariants never corrupt.
		lockAcquired := make(chan func(), 1)
		go func() {
			if spec.SupportsParallel {
				rt.gate.RLock()
				lockAcquired <- rt.gate.RUnlock
			} else {
				rt.gate.Lock()
				lockAcquired <- rt.gate.Unlock
			}
		}()

		var unlock func()
		select {
		case unlock = <-lockAcquired:
		case <-turnCtx.Done():
			go func() { (<-lockAcquired)() }()
			f.result = rt.router.wrapOutput(inv, ToolOutput{Content: abortMessage(inv.Name, time.Since(start)), IsError: true})
			return
		}
		defer unlock()

		select {
		case <-turnCtx.Done():
			f.result = rt.router.wrapOutput(inv, ToolOutput{Content: abortMessage(inv.Name, time.Since(start)), IsError: true})
			return
		default:
		}

		resultCh := make(chan struct {
			out item.Item
			err error
		}, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- struct {
						out item.Item
						err error
					}{err: NewFatal(fmt.Sprintf("tool %q panicked: %v", inv.Name, r))}
				}
			}()
			out, err := rt.router.Dispatch(turnCtx, inv, h, awaitGate)
			resultCh <- struct {
				out item.Item
				err error
			}{out: out, err: err}
		}()

		select {
		case r := <-resultCh:
			f.result, f.err = r.out, r.err
		case <-turnCtx.Done():
			f.result = rt.router.wrapOutput(inv, ToolOutput{Content: abortMessage(inv.Name, time.Since(start)), IsError: true})
		}
	}()
	return f
}

// shellLikeTools names tools whose abort message uses the "Wall time" phrasing
// (spec §9 supplemental feature 2; original_source/codex-rs's abort_message
// dispatch table).
var shellLikeTools = map[string]bool{
	"shell":          true,
	"container.exec": true,
	"local_shell":    true,
	"shell_command":  true,
	"unified_exec":   true,
}

// abortMessage reproduces the original's abort_message dispatch table
// verbatim: shell-like tools report elapsed wall time, everything else uses
// the generic phrasing.
func abortMessage(toolName string, elapsed time.Duration) string {
	secs := elapsed.Seconds()
	if shellLikeTools[toolName] {
		return fmt.Sprintf("Wall time: %.1f seconds\naborted by user", secs)
	}
	return fmt.Sprintf("aborted by user after %.1fs", secs)
}
