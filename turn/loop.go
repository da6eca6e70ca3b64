package turn

import (
	"context"
	"fmt"
	"strings"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
	"goa.design/turnkit/telemetry"
	"goa.design/turnkit/tools"
)

// MessageHistory is the cross-session message log the AddToHistory and
// GetHistoryEntryRequest operations read and write (spec §4.6.1). Lookups may
// touch the filesystem, so the Loop always calls them off its own goroutine
// (spec §5 "history lookups that touch the filesystem run on blocking worker
// threads").
type MessageHistory interface {
	Append(ctx context.Context, text string) error
	Lookup(ctx context.Context, logID string, offset int) (entry string, ok bool, err error)
}

// Loop is the session's submission loop (spec §5): the single goroutine that
// consumes operations serially, enforces the at-most-one-task-per-session
// rule, and fans results out as events. Callers hand it operations through
// Submit; the Loop owns dispatching them onto the Driver, the session's
// active-turn handle, and the rollout writer.
//
// Grounded on agents/runtime/runtime/runtime.go's orchestrator shape (one
// owner goroutine mutating registries, everything else submitting requests)
// and runtime/agent/interrupt/controller.go's signal plumbing for the
// control operations.
type Loop struct {
	Session  *session.Session
	Driver   *Driver
	Writer   rollout.Writer
	Bus      hooks.Bus
	Logger   telemetry.Logger
	Notifier *Notifier

	// Optional collaborators. A nil History, Undo, RunShell or
	// ResolveElicitation degrades the matching operation to a Warning event
	// rather than failing the loop; a nil CustomPrompts or Skills yields a
	// response with an empty list.
	History            MessageHistory
	CustomPrompts      func(ctx context.Context) ([]hooks.CustomPrompt, error)
	Skills             func(ctx context.Context, cwds []string, forceReload bool) ([]hooks.Skill, error)
	Undo               func(ctx context.Context) error
	RunShell           func(ctx context.Context, command []string) (output string, err error)
	ResolveElicitation func(ctx context.Context, elicitationID string, value map[string]any) error

	ids session.IDGenerator
	ops chan session.Operation

	// taskDone is non-nil while a task occupies the session's single task
	// slot; only the Run goroutine touches it.
	taskDone chan struct{}
}

// NewLoop constructs a Loop over the given session, driver, writer, and bus.
func NewLoop(sess *session.Session, d *Driver, w rollout.Writer, bus hooks.Bus) *Loop {
	return &Loop{
		Session: sess,
		Driver:  d,
		Writer:  w,
		Bus:     bus,
		ops:     make(chan session.Operation, 128),
	}
}

// Submit enqueues op, generating a monotonically increasing decimal string ID
// when the caller supplied none (spec §6), and returns the operation's ID.
func (l *Loop) Submit(op session.Operation) string {
	if op.ID == "" {
		op.ID = l.ids.Next()
	}
	l.ops <- op
	return op.ID
}

// Run consumes operations until a Shutdown operation completes or ctx is
// cancelled. It publishes SessionConfigured (keyed to INITIAL_SUBMIT_ID)
// before accepting any operation.
func (l *Loop) Run(ctx context.Context) error {
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type:  hooks.EventSessionConfigured,
		SubID: session.InitialSubmitID,
		SessionConfigured: &hooks.SessionConfiguredPayload{
			ConversationID: l.Session.ConversationID,
			Model:          l.Session.Config().Model,
		},
	})

	for {
		select {
		case <-ctx.Done():
			l.Session.Interrupt()
			l.awaitTask()
			return ctx.Err()
		case op := <-l.ops:
			if done := l.handle(ctx, op); done {
				return nil
			}
		}
	}
}

// taskRunning reports whether the task slot is occupied, clearing the handle
// if the task has since finished.
func (l *Loop) taskRunning() bool {
	if l.taskDone == nil {
		return false
	}
	select {
	case <-l.taskDone:
		l.taskDone = nil
		return false
	default:
		return true
	}
}

// awaitTask blocks until the current task, if any, finishes.
func (l *Loop) awaitTask() {
	if l.taskDone != nil {
		<-l.taskDone
		l.taskDone = nil
	}
}

// handle dispatches one operation. It returns true when the loop should stop
// (Shutdown completed).
func (l *Loop) handle(ctx context.Context, op session.Operation) bool {
	switch op.Kind {
	case session.OpInterrupt:
		l.Session.Interrupt()

	case session.OpOverrideTurnContext:
		if op.OverrideTurn != nil {
			l.Session.OverrideConfig(func(cfg *session.Configuration) {
				mergeConfig(cfg, *op.OverrideTurn)
			})
		}

	case session.OpUserInput:
		l.userInput(ctx, op.ID, op.UserInput)

	case session.OpUserTurn:
		if op.UserTurn == nil {
			l.warn(ctx, op.ID, "user_turn operation carried no parameters")
			return false
		}
		l.applyUserTurnParams(*op.UserTurn)
		l.userInput(ctx, op.ID, op.UserTurn.Items)

	case session.OpExecApproval, session.OpPatchApproval:
		l.resolveApproval(ctx, op)

	case session.OpAddToHistory:
		if l.History == nil {
			l.warn(ctx, op.ID, "message history is not configured")
			return false
		}
		go func() {
			if err := l.History.Append(ctx, op.AddToHistoryText); err != nil && l.Logger != nil {
				l.Logger.Error(ctx, "append message history", err)
			}
		}()

	case session.OpGetHistoryEntryRequest:
		l.getHistoryEntry(ctx, op)

	case session.OpListMcpTools:
		l.listMcpTools(ctx, op.ID)

	case session.OpListCustomPrompts:
		l.listCustomPrompts(ctx, op.ID)

	case session.OpListSkills:
		l.listSkills(ctx, op)

	case session.OpUndo:
		if l.Undo == nil {
			l.warn(ctx, op.ID, "undo is not supported in this session")
			return false
		}
		l.startTaskFunc(ctx, op.ID, func(tctx context.Context) error {
			if err := l.Undo(tctx); err != nil {
				return err
			}
			return l.Bus.Publish(tctx, hooks.Event{
				Type: hooks.EventBackgroundEvent, SubID: op.ID,
				BackgroundEvent: &hooks.MessagePayload{Message: "workspace restored to the last snapshot"},
			})
		})

	case session.OpCompact:
		l.startTaskFunc(ctx, op.ID, func(tctx context.Context) error {
			return l.Driver.compact(tctx, l.Session, l.Writer, l.Bus, op.ID)
		})

	case session.OpRunUserShellCommand:
		l.runUserShell(ctx, op)

	case session.OpResolveElicitation:
		if l.ResolveElicitation == nil {
			l.warn(ctx, op.ID, "no elicitation is pending")
			return false
		}
		if err := l.ResolveElicitation(ctx, op.ElicitationID, op.ElicitationValue); err != nil {
			l.errorEvent(ctx, op.ID, err)
		}

	case session.OpReview:
		l.review(ctx, op)

	case session.OpShutdown:
		l.Session.Interrupt()
		l.awaitTask()
		if err := l.Writer.Shutdown(ctx); err != nil {
			l.errorEvent(ctx, op.ID, fmt.Errorf("rollout shutdown: %w", err))
		}
		_ = l.Bus.Publish(ctx, hooks.Event{Type: hooks.EventShutdownComplete, SubID: op.ID})
		return true

	default:
		l.warn(ctx, op.ID, fmt.Sprintf("unknown operation kind: %s", op.Kind))
	}
	return false
}

// userInput starts a task for items, or enqueues them into the active turn's
// pending-input queue when one is already running (spec §5 "submitting a new
// user input while one is active enqueues into pending_input rather than
// starting a second task").
func (l *Loop) userInput(ctx context.Context, subID string, items []item.Item) {
	if l.taskRunning() {
		if at := l.Session.ActiveTurn(); at != nil {
			at.QueueInput(items...)
			return
		}
		// The task is past EndTurn but its goroutine has not closed the
		// slot yet; it can no longer absorb input, so wait it out.
		l.awaitTask()
	}
	l.startTask(ctx, subID, items, false)
}

// startTask occupies the task slot with a Driver.RunTask invocation.
func (l *Loop) startTask(ctx context.Context, subID string, input []item.Item, review bool) {
	done := make(chan struct{})
	l.taskDone = done
	go func() {
		defer close(done)
		err := l.Driver.RunTask(ctx, l.Session, l.Writer, l.Bus, subID, input)
		if review {
			_ = l.Bus.Publish(ctx, hooks.Event{Type: hooks.EventExitedReviewMode, SubID: subID})
		}
		if err != nil {
			if l.Logger != nil {
				l.Logger.Error(ctx, "task failed", err, telemetry.F("sub_id", subID))
			}
			return
		}
		l.Notifier.TurnComplete(ctx, l.Session.ConversationID, subID, l.Session.Config().Cwd,
			inputMessageTexts(input), lastAssistantMessage(l.Session.History()))
	}()
}

// startTaskFunc occupies the task slot with a non-turn task variant (compact,
// undo, user shell command): it installs an ActiveTurn handle so Interrupt
// reaches the task, runs fn, and surfaces a failure as one Error event (spec
// §5 "At most one task (user turn / compact / review / undo / shell) runs per
// session").
func (l *Loop) startTaskFunc(ctx context.Context, subID string, fn func(ctx context.Context) error) {
	if l.taskRunning() {
		l.errorEvent(ctx, subID, fmt.Errorf("another task is already running"))
		return
	}
	done := make(chan struct{})
	l.taskDone = done
	go func() {
		defer close(done)
		tctx, _ := l.Session.BeginTurn(ctx, subID)
		defer l.Session.EndTurn()
		if err := fn(tctx); err != nil {
			l.errorEvent(ctx, subID, err)
		}
	}()
}

// review wraps a task in EnteredReviewMode/ExitedReviewMode events (spec
// §4.6.1). The review request rides as an ordinary user message; review
// findings come back as the task's items.
func (l *Loop) review(ctx context.Context, op session.Operation) {
	if l.taskRunning() {
		l.errorEvent(ctx, op.ID, fmt.Errorf("another task is already running"))
		return
	}
	_ = l.Bus.Publish(ctx, hooks.Event{Type: hooks.EventEnteredReviewMode, SubID: op.ID})
	input := []item.Item{item.UserMessage{
		ID:      "review_" + op.ID,
		Content: []item.Chunk{{Type: item.ChunkInputText, Text: op.ReviewPrompt}},
	}}
	l.startTask(ctx, op.ID, input, true)
}

// resolveApproval routes an ExecApproval/PatchApproval decision to the active
// turn's matching waiter. Abort decisions interrupt the task; everything else
// resolves the waiter (spec §4.6.5).
func (l *Loop) resolveApproval(ctx context.Context, op session.Operation) {
	at := l.Session.ActiveTurn()
	if at == nil {
		l.warn(ctx, op.ID, "approval decision arrived with no active task")
		return
	}
	if op.ApprovalDecision == session.ApprovalAbort {
		l.Session.Interrupt()
		return
	}
	if !at.Resolve(op.ApprovalID, op.ApprovalDecision) {
		l.warn(ctx, op.ID, fmt.Sprintf("no pending approval with id %q", op.ApprovalID))
	}
}

func (l *Loop) getHistoryEntry(ctx context.Context, op session.Operation) {
	if l.History == nil {
		l.warn(ctx, op.ID, "message history is not configured")
		return
	}
	go func() {
		entry, ok, err := l.History.Lookup(ctx, op.HistoryLogID, op.HistoryOffset)
		if err != nil {
			if l.Logger != nil {
				l.Logger.Error(ctx, "history lookup", err)
			}
			ok = false
		}
		_ = l.Bus.Publish(ctx, hooks.Event{
			Type: hooks.EventGetHistoryEntryResponse, SubID: op.ID,
			GetHistoryEntryResponse: &hooks.GetHistoryEntryResponsePayload{
				LogID: op.HistoryLogID, Offset: op.HistoryOffset, Entry: entry, Found: ok,
			},
		})
	}()
}

func (l *Loop) listMcpTools(ctx context.Context, subID string) {
	var out []hooks.ToolSummary
	for _, spec := range l.Driver.ToolsRegistry.Specs() {
		if spec.Kind != tools.KindMCP {
			continue
		}
		out = append(out, hooks.ToolSummary{Name: spec.Name, Description: spec.Description})
	}
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type: hooks.EventMcpListToolsResponse, SubID: subID,
		McpListToolsResponse: &hooks.McpListToolsResponsePayload{Tools: out},
	})
}

func (l *Loop) listCustomPrompts(ctx context.Context, subID string) {
	var prompts []hooks.CustomPrompt
	if l.CustomPrompts != nil {
		var err error
		if prompts, err = l.CustomPrompts(ctx); err != nil {
			l.errorEvent(ctx, subID, err)
			return
		}
	}
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type: hooks.EventListCustomPromptsResponse, SubID: subID,
		ListCustomPromptsResponse: &hooks.ListCustomPromptsResponsePayload{Prompts: prompts},
	})
}

func (l *Loop) listSkills(ctx context.Context, op session.Operation) {
	var skills []hooks.Skill
	if l.Skills != nil {
		var err error
		if skills, err = l.Skills(ctx, op.ListSkillsCwds, op.ForceReload); err != nil {
			l.errorEvent(ctx, op.ID, err)
			return
		}
	}
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type: hooks.EventListSkillsResponse, SubID: op.ID,
		ListSkillsResponse: &hooks.ListSkillsResponsePayload{Skills: skills},
	})
}

// runUserShell executes a user-initiated shell command as its own task
// variant, recording the transcript into history so the model sees what the
// user ran (spec §4.6.1 "RunUserShellCommand").
func (l *Loop) runUserShell(ctx context.Context, op session.Operation) {
	if l.RunShell == nil {
		l.warn(ctx, op.ID, "user shell commands are not supported in this session")
		return
	}
	command := op.ShellCommand
	l.startTaskFunc(ctx, op.ID, func(tctx context.Context) error {
		output, err := l.RunShell(tctx, command)
		if err != nil {
			return err
		}
		transcript := item.UserMessage{
			ID: "shell_" + op.ID,
			Content: []item.Chunk{{
				Type: item.ChunkInputText,
				Text: fmt.Sprintf("$ %s\n%s", strings.Join(command, " "), output),
			}},
		}
		if err := l.Driver.recordAndAppend(tctx, l.Session, l.Writer, transcript); err != nil {
			return err
		}
		return l.Bus.Publish(tctx, hooks.Event{
			Type: hooks.EventBackgroundEvent, SubID: op.ID,
			BackgroundEvent: &hooks.MessagePayload{Message: output},
		})
	})
}

func (l *Loop) warn(ctx context.Context, subID, msg string) {
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type: hooks.EventWarning, SubID: subID,
		Warning: &hooks.MessagePayload{Message: msg},
	})
}

func (l *Loop) errorEvent(ctx context.Context, subID string, err error) {
	_ = l.Bus.Publish(ctx, hooks.Event{
		Type: hooks.EventError, SubID: subID,
		Error: &hooks.MessagePayload{Message: err.Error()},
	})
}

// mergeConfig copies the non-zero fields of override into cfg.
func mergeConfig(cfg *session.Configuration, override session.Configuration) {
	if override.Provider != "" {
		cfg.Provider = override.Provider
	}
	if override.Model != "" {
		cfg.Model = override.Model
	}
	if override.ReasoningEffort != "" {
		cfg.ReasoningEffort = override.ReasoningEffort
	}
	if override.ReasoningSummary != "" {
		cfg.ReasoningSummary = override.ReasoningSummary
	}
	if override.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = override.ApprovalPolicy
	}
	if override.SandboxPolicy != "" {
		cfg.SandboxPolicy = override.SandboxPolicy
	}
	if override.Cwd != "" {
		cfg.Cwd = override.Cwd
	}
	if override.UserInstructions != "" {
		cfg.UserInstructions = override.UserInstructions
	}
	if override.DeveloperInstructions != "" {
		cfg.DeveloperInstructions = override.DeveloperInstructions
	}
	if override.BaseInstructions != "" {
		cfg.BaseInstructions = override.BaseInstructions
	}
	if override.CompactPromptOverride != "" {
		cfg.CompactPromptOverride = override.CompactPromptOverride
	}
}

// applyUserTurnParams folds a UserTurn operation's per-turn overrides into
// the session configuration and the driver ahead of the task start (spec
// §4.6.1 "UserTurn{items, cwd, approval, sandbox, model, effort, summary,
// output_schema}").
func (l *Loop) applyUserTurnParams(p session.UserTurnParams) {
	l.Session.OverrideConfig(func(cfg *session.Configuration) {
		mergeConfig(cfg, session.Configuration{
			Model:            p.Model,
			ReasoningEffort:  p.Effort,
			ReasoningSummary: p.Summary,
			ApprovalPolicy:   p.ApprovalPolicy,
			SandboxPolicy:    p.SandboxPolicy,
			Cwd:              p.Cwd,
		})
	})
	if p.OutputSchema != nil {
		l.Driver.OutputSchema = p.OutputSchema
	}
}

// inputMessageTexts renders the user-message texts of a task's input for the
// turn-complete notification payload.
func inputMessageTexts(input []item.Item) []string {
	var out []string
	for _, it := range input {
		if um, ok := it.(item.UserMessage); ok {
			out = append(out, item.Text(um.Content))
		}
	}
	return out
}

// lastAssistantMessage returns the text of the most recent assistant message
// in history, or "".
func lastAssistantMessage(history []item.Item) string {
	for i := len(history) - 1; i >= 0; i-- {
		if am, ok := history[i].(item.AssistantMessage); ok {
			return item.Text(am.Content)
		}
	}
	return ""
}
