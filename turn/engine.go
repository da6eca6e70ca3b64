package turn

import (
	"context"
	"errors"
	"fmt"

	"goa.design/turnkit/engine"
	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
)

// RunTaskActivityName is the activity name Driver.RunTaskActivity is
// registered under with an engine.Engine, so a turn's model/tool work runs
// as a durable activity instead of a bare goroutine (spec §5's concurrency
// model stays the default via engine/inmem; engine/temporal opts a
// deployment into crash-safe replay across process restarts without
// touching turn.Driver itself).
const RunTaskActivityName = "turnkit.run_task"

// RunTaskInput is the serializable payload an engine.Engine passes to the
// RunTask activity. It carries IDs rather than live objects (*session.Session,
// rollout.Writer, hooks.Bus) because a durable engine may encode/decode this
// value across a replay boundary (Temporal's data converter), something no
// live object reference survives.
type RunTaskInput struct {
	SessionID string
	SubID     string
	Input     []item.Item
}

// Sessions resolves a session ID to its live *session.Session for dispatch
// from within a RunTask activity. A single in-process session registry
// (the common case) or a distributed lookup can both implement this.
type Sessions interface {
	Lookup(id string) (*session.Session, bool)
}

// NewRunTaskActivity adapts Driver.RunTask into an engine.ActivityFunc.
// Register the result with an engine.Engine under RunTaskActivityName so a
// workflow can invoke it via WorkflowContext.ExecuteActivity.
func (d *Driver) NewRunTaskActivity(sessions Sessions, w rollout.Writer, bus hooks.Bus) engine.ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		in, err := asRunTaskInput(input)
		if err != nil {
			return nil, err
		}
		sess, ok := sessions.Lookup(in.SessionID)
		if !ok {
			return nil, fmt.Errorf("turn: session %q not found", in.SessionID)
		}
		return nil, d.RunTask(ctx, sess, w, bus, in.SubID, in.Input)
	}
}

func asRunTaskInput(input any) (RunTaskInput, error) {
	switch v := input.(type) {
	case RunTaskInput:
		return v, nil
	case *RunTaskInput:
		if v == nil {
			break
		}
		return *v, nil
	}
	return RunTaskInput{}, errors.New("turn: activity input is not a RunTaskInput")
}
