package turn

import (
	"context"
	"errors"
	"time"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
	"goa.design/turnkit/telemetry"
	"goa.design/turnkit/tools"
)

// Driver runs one session's tasks: it owns no mutable conversation state
// itself (that lives in session.Session) but holds everything a task needs
// to build prompts, dispatch tools, and persist/publish its progress (spec
// §4.6.2 "Task lifecycle"). One Driver is constructed per session; routing
// a session to a different model or tool set is a new Driver, not a mutation
// of this one.
type Driver struct {
	Client        model.Client
	ToolsRegistry *tools.Registry
	ToolsRuntime  *tools.Runtime
	Logger        telemetry.Logger

	// ParallelToolCalls is sent unchanged as the prompt's parallel_tool_calls
	// flag. It is not combined with the registry's per-tool SupportsParallel
	// tags; the tools runtime schedules each call by its tool's own tag
	// whatever this value is.
	ParallelToolCalls bool
	OutputSchema      map[string]any

	// EmitRawResponseItems publishes every finished response item as a
	// RawResponseItem event in addition to the classified events, for
	// consumers that render the raw wire items.
	EmitRawResponseItems bool

	// AutoCompactTokenLimit triggers compaction once cumulative tokens reach
	// it (spec §4.6.2, §4.6.6). Zero disables auto-compaction.
	AutoCompactTokenLimit int

	StreamRetryBudget uint64
	RetryBaseDelay    time.Duration

	DiffTracker DiffTracker

	// PrepareTurn runs once per turn before the tool_call_gate opens (spec
	// §4.6.2 "start ghost-snapshot... gated on tool_call_gate"). A nil
	// PrepareTurn opens the gate immediately with no precondition.
	PrepareTurn func(ctx context.Context) error

	// SkillsInjector, if set, returns extra items folded into the task's
	// input before the first turn (spec §4.6.2 "maybe inject skills items").
	SkillsInjector func(ctx context.Context) ([]item.Item, error)

	compactedOnce  bool
	initialContext []item.Item
}

func (d *Driver) diffTracker() DiffTracker {
	if d.DiffTracker != nil {
		return d.DiffTracker
	}
	return NoopDiffTracker{}
}

// RunTask drives one user submission (a task) through one or more turns
// until it completes, aborts, or fails fatally (spec §4.6.2). subID is the
// submission id the turn context and its events are tagged with.
func (d *Driver) RunTask(ctx context.Context, sess *session.Session, w rollout.Writer, bus hooks.Bus, subID string, input []item.Item) error {
	if d.tokenLimitReached(sess) {
		if err := d.compact(ctx, sess, w, bus, subID); err != nil {
			return err
		}
	}

	turnCtx, at := sess.BeginTurn(ctx, subID)
	defer sess.EndTurn()

	_ = bus.Publish(ctx, hooks.Event{
		Type:  hooks.EventTaskStarted,
		SubID: subID,
		TaskStarted: &hooks.TaskStartedPayload{
			ModelContextWindow: sess.TokenUsage().ModelContextWindow,
		},
	})

	if d.SkillsInjector != nil {
		extra, err := d.SkillsInjector(turnCtx)
		if err != nil {
			return err
		}
		input = append(append([]item.Item(nil), extra...), input...)
	}

	for _, it := range input {
		if err := d.recordAndAppend(turnCtx, sess, w, it); err != nil {
			return err
		}
	}

	for {
		pending := at.DrainInput()
		for _, it := range pending {
			if err := d.recordAndAppend(turnCtx, sess, w, it); err != nil {
				return err
			}
		}

		outcome, err := d.runTurn(turnCtx, sess, w, bus, subID, at)
		if err != nil {
			if interrupted(err) {
				_ = bus.Publish(ctx, hooks.Event{
					Type:        hooks.EventTurnAborted,
					SubID:       subID,
					TurnAborted: &hooks.TurnAbortedPayload{Reason: hooks.AbortedInterrupted},
				})
			} else {
				_ = bus.Publish(ctx, hooks.Event{
					Type:  hooks.EventError,
					SubID: subID,
					Error: &hooks.MessagePayload{Message: err.Error()},
				})
			}
			return err
		}

		if !outcome.NeedsFollowUp {
			return nil
		}
		if d.tokenLimitReached(sess) {
			if err := d.compact(turnCtx, sess, w, bus, subID); err != nil {
				return err
			}
		}
	}
}

// interrupted reports whether a terminal RunTask error is a user abort, in
// which case the task surfaces exactly one TurnAborted{Interrupted} and no
// Error event; every other terminal failure becomes exactly one Error event
// instead (spec §7 "User-visible failure behaviors").
func interrupted(err error) bool {
	var te *Error
	if errors.As(err, &te) && te.Kind == ErrInterrupted {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// recordAndAppend persists it to the rollout then appends it to in-memory
// history, preserving the write-through invariant (spec §3, §5 "write-through
// then send").
func (d *Driver) recordAndAppend(ctx context.Context, sess *session.Session, w rollout.Writer, it item.Item) error {
	rec := rollout.Record{Kind: rollout.RecordResponseItem, Timestamp: time.Now(), ResponseItem: it}
	if err := w.Record(ctx, rec); err != nil {
		return err
	}
	sess.AppendHistory(it)
	return nil
}
