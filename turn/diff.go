package turn

// DiffTracker accumulates a unified diff of filesystem mutations made by
// tool calls during a turn, emitted as TurnDiff once the turn completes
// (spec §4.6.3 step 6). Tool implementations are out of scope (spec §1); the
// core only needs this contract to know when and what to emit.
type DiffTracker interface {
	// UnifiedDiff returns the accumulated diff, or "" if nothing changed.
	UnifiedDiff() string
}

// NoopDiffTracker never reports a diff; used when no tool in the registry
// can mutate the filesystem or when diff tracking is disabled.
type NoopDiffTracker struct{}

func (NoopDiffTracker) UnifiedDiff() string { return "" }
