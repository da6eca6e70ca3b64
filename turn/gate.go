// Package turn drives a single user submission through one or more model
// turns: prompt assembly, streaming, tool dispatch, history writeback,
// auto-compaction, and retry (spec §4.6 "Session / turn driver", C6).
//
// Grounded on agents/runtime/runtime/runtime.go's orchestrator shape
// (registries behind a mutex, pause/resume via signals) and
// runtime/agent/interrupt/controller.go's pause/resume/clarification
// plumbing, generalized from that teacher's multi-agent workflow substrate
// down to the single-conversation task→turn→stream state machine spec.md
// describes.
package turn

import "context"

// Gate is the turn's one-shot tool_call_gate: mutating tools await it before
// executing, so a turn-prepared precondition (e.g. a snapshot) completes
// before anything can mutate state (spec §3 "Turn context", §4.6.2 "start
// ghost-snapshot... gated on tool_call_gate").
type Gate struct {
	ready chan struct{}
}

// NewGate constructs a not-yet-ready Gate.
func NewGate() *Gate { return &Gate{ready: make(chan struct{})} }

// Open makes the gate permanently ready. Calling Open more than once is a
// no-op (idempotent, matching the "one-shot" contract).
func (g *Gate) Open() {
	select {
	case <-g.ready:
	default:
		close(g.ready)
	}
}

// Await blocks until the gate opens or ctx is cancelled.
func (g *Gate) Await(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
