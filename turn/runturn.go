package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/retry"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/telemetry"
	"goa.design/turnkit/tools"
)

// TurnOutcome reports whether a completed turn produced tool calls that
// require another model round trip (spec §4.6.2 "needs_follow_up").
type TurnOutcome struct {
	NeedsFollowUp bool
}

// chatDeprecationOnce gates the Chat-wire-API deprecation notice to at most
// one emission per process lifetime (spec §9 "Global state").
var chatDeprecationOnce sync.Once

// runTurn implements run_turn (spec §4.6.3): build the prompt, persist the
// turn-context snapshot ahead of opening the stream, run the streaming event
// loop, and retry retriable stream failures up to the driver's stream-retry
// budget with a server-supplied delay or exponential backoff.
func (d *Driver) runTurn(ctx context.Context, sess *session.Session, w rollout.Writer, bus hooks.Bus, subID string, at *session.ActiveTurn) (TurnOutcome, error) {
	cfg := sess.Config()
	if d.Client.WireProtocol() == model.WireChatCompletions {
		chatDeprecationOnce.Do(func() {
			_ = bus.Publish(ctx, hooks.Event{
				Type: hooks.EventDeprecationNotice, SubID: subID,
				DeprecationNotice: &hooks.MessagePayload{
					Message: "the chat completions wire API is deprecated; switch the provider to the responses wire API",
				},
			})
		})
	}
	parallelCapable := d.ParallelToolCalls
	tc := newContext(ctx, subID, d.Client, cfg, d.ToolsRegistry, d.OutputSchema, parallelCapable, at, bus)

	if d.PrepareTurn != nil {
		go func() {
			if err := d.PrepareTurn(tc.GoContext()); err != nil && d.Logger != nil {
				d.Logger.Warn(tc.GoContext(), "prepare turn failed", telemetry.F("error", err.Error()))
			}
			tc.Gate.Open()
		}()
	} else {
		tc.Gate.Open()
	}

	snapSubID, cwd, modelName, approval, sandbox, instructions, truncation, schema := tc.Snapshot()
	snapshot := rollout.TurnContextSnapshot{
		SubID: snapSubID, Cwd: cwd, Model: modelName, ApprovalPolicy: approval,
		SandboxPolicy: sandbox, Instructions: instructions, OutputSchema: schema,
		TruncationPolicy: truncation,
	}
	if err := w.Record(ctx, rollout.Record{Kind: rollout.RecordTurnContext, Timestamp: time.Now(), TurnContext: &snapshot}); err != nil {
		return TurnOutcome{}, err
	}

	var reasoning *model.ReasoningConfig
	if cfg.ReasoningEffort != "" || cfg.ReasoningSummary != "" {
		reasoning = &model.ReasoningConfig{Effort: cfg.ReasoningEffort, Summary: cfg.ReasoningSummary}
	}
	prompt := model.Prompt{
		Input:                sess.History(),
		Tools:                d.ToolsRegistry.Specs(),
		ParallelToolCalls:    parallelCapable,
		InstructionsOverride: instructions,
		Reasoning:            reasoning,
		Text:                 outputSchemaText(schema),
	}

	for attempt := uint64(0); ; attempt++ {
		stream, err := d.Client.Stream(tc.GoContext(), prompt)
		if err == nil {
			outcome, loopErr := d.streamEventLoop(tc, sess, w, bus, subID, stream)
			_ = stream.Close()
			if loopErr == nil {
				return outcome, nil
			}
			err = loopErr
		}

		if !d.streamRetriable(err) || attempt >= d.StreamRetryBudget {
			d.handleTerminalStreamError(sess, err)
			return TurnOutcome{}, err
		}

		delay := retry.Backoff(d.RetryBaseDelay, attempt+1)
		var se *sse.Error
		if errors.As(err, &se) && se.Delay != nil {
			delay = *se.Delay
		}
		_ = bus.Publish(tc.GoContext(), hooks.Event{
			Type:  hooks.EventStreamError,
			SubID: subID,
			StreamError: &hooks.MessagePayload{
				Message: fmt.Sprintf("Reconnecting... %d/%d", attempt+1, d.StreamRetryBudget),
			},
		})
		select {
		case <-tc.GoContext().Done():
			return TurnOutcome{}, tc.GoContext().Err()
		case <-time.After(delay):
		}
	}
}

// streamEventLoop implements §4.6.4: it consumes events until Completed or a
// terminal error, then (always, even on error) drains every in-flight tool
// future in submission order before returning, so history never holds a call
// with no matching output (spec §4.6.3 step 5).
func (d *Driver) streamEventLoop(tc *Context, sess *session.Session, w rollout.Writer, bus hooks.Bus, subID string, stream model.ResponseStream) (TurnOutcome, error) {
	var (
		activeItemID   string
		haveActiveItem bool
		needsFollowUp  bool
		shouldEmitDiff bool
		futures        []*tools.Future
		startedItems   = map[string]bool{}
	)

	var loopErr error
loop:
	for {
		evt, err := stream.Next(tc.GoContext())
		if err != nil {
			loopErr = err
			break loop
		}
		switch e := evt.(type) {
		case sse.Created:
			// no-op: the wire event carries no state this driver tracks.
		case sse.OutputItemAdded:
			if item.IsViewable(e.Item) {
				startedItems[e.Item.ItemID()] = true
				activeItemID, haveActiveItem = e.Item.ItemID(), true
				_ = bus.Publish(tc.GoContext(), hooks.Event{
					Type: hooks.EventItemStarted, SubID: subID,
					ItemStarted: &hooks.ItemPayload{Item: e.Item},
				})
			}
		case sse.OutputItemDone:
			haveActiveItem = false
			if err := d.handleOutputItemDone(tc, sess, w, bus, subID, e.Item, startedItems, &futures, &needsFollowUp); err != nil {
				loopErr = err
				break loop
			}
		case sse.OutputTextDelta:
			if !haveActiveItem {
				d.warnNoActiveItem(tc, "output_text_delta")
				continue
			}
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventAgentMessageContentDelta, SubID: subID,
				AgentMessageContentDelta: &hooks.ContentDeltaPayload{ItemID: activeItemID, Delta: e.Text},
			})
		case sse.ReasoningSummaryDelta:
			if !haveActiveItem {
				d.warnNoActiveItem(tc, "reasoning_summary_delta")
				continue
			}
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventReasoningContentDelta, SubID: subID,
				ReasoningContentDelta: &hooks.ReasoningDeltaPayload{ItemID: activeItemID, Delta: e.Delta, Index: e.SummaryIndex},
			})
		case sse.ReasoningSummaryPartAdded:
			if !haveActiveItem {
				d.warnNoActiveItem(tc, "reasoning_summary_part_added")
				continue
			}
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventAgentReasoningSectionBreak, SubID: subID,
				AgentReasoningSectionBreak: &hooks.SectionBreakPayload{ItemID: activeItemID, SummaryIndex: e.SummaryIndex},
			})
		case sse.ReasoningContentDelta:
			if !haveActiveItem {
				d.warnNoActiveItem(tc, "reasoning_content_delta")
				continue
			}
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventReasoningRawContentDelta, SubID: subID,
				ReasoningRawContentDelta: &hooks.ReasoningDeltaPayload{ItemID: activeItemID, Delta: e.Delta, Index: e.ContentIndex},
			})
		case sse.RateLimits:
			sess.UpdateRateLimits(e.Snapshot)
		case sse.ModelsEtag:
			// Triggering a models-list refresh is outside the driver's scope
			// (no registry of that kind is wired into this package).
		case sse.Completed:
			if e.TokenUsage != nil {
				sess.RecordTurnUsage(*e.TokenUsage, sess.TokenUsage().ModelContextWindow)
				_ = bus.Publish(tc.GoContext(), hooks.Event{
					Type: hooks.EventTokenCount, SubID: subID,
					TokenCount: &hooks.TokenCountPayload{Usage: *e.TokenUsage, RateLimits: sess.RateLimits()},
				})
			}
			shouldEmitDiff = true
			break loop
		}
	}

	drainCtx := context.Background()
	for _, f := range futures {
		out, ferr := f.Await(drainCtx)
		if ferr != nil {
			if loopErr == nil {
				loopErr = ferr
			}
			continue
		}
		if err := d.recordAndAppend(tc.GoContext(), sess, w, out); err != nil && loopErr == nil {
			loopErr = err
		}
	}

	if loopErr != nil {
		return TurnOutcome{}, loopErr
	}

	if shouldEmitDiff {
		if diff := d.diffTracker().UnifiedDiff(); diff != "" {
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventTurnDiff, SubID: subID,
				TurnDiff: &hooks.TurnDiffPayload{UnifiedDiff: diff},
			})
		}
	}
	return TurnOutcome{NeedsFollowUp: needsFollowUp}, nil
}

func (d *Driver) warnNoActiveItem(tc *Context, eventName string) {
	if d.Logger != nil {
		d.Logger.Warn(tc.GoContext(), "delta event with no active item", telemetry.F("event", eventName))
	}
}

// handleOutputItemDone classifies one OutputItemDone item per spec §4.6.4.
// Tool-dispatch outcomes (RespondToModel/Denied) are folded into the async
// Future a dispatched call resolves to rather than branched here: by the
// time a Future is drained its result is already the wrapped failed-output
// item Router.Dispatch produces for those FunctionCallError kinds, so the
// ordering and content the spec describes falls out of the drain step.
func (d *Driver) handleOutputItemDone(tc *Context, sess *session.Session, w rollout.Writer, bus hooks.Bus, subID string, it item.Item, startedItems map[string]bool, futures *[]*tools.Future, needsFollowUp *bool) error {
	if d.EmitRawResponseItems {
		_ = bus.Publish(tc.GoContext(), hooks.Event{
			Type: hooks.EventRawResponseItem, SubID: subID,
			RawResponseItem: &hooks.ItemPayload{Item: it},
		})
	}
	if ls, ok := it.(item.LocalShellCall); ok && ls.CallID == "" {
		if d.Logger != nil {
			d.Logger.Warn(tc.GoContext(), "local_shell_call arrived with no call_id")
		}
		if err := d.recordAndAppend(tc.GoContext(), sess, w, it); err != nil {
			return err
		}
		out := item.FunctionCallOutput{CallID: "", Output: "local_shell_call arrived without a call_id", Success: false}
		if err := d.recordAndAppend(tc.GoContext(), sess, w, out); err != nil {
			return err
		}
		*needsFollowUp = true
		return nil
	}

	if item.IsToolCall(it) {
		if err := d.recordAndAppend(tc.GoContext(), sess, w, it); err != nil {
			return err
		}
		if inv, ok := buildInvocation(it, d.ToolsRegistry); ok {
			f := d.ToolsRuntime.Dispatch(NewContext(tc.GoContext(), tc), inv, tc.Gate.Await)
			*futures = append(*futures, f)
		}
		*needsFollowUp = true
		return nil
	}

	if item.IsViewable(it) {
		if !startedItems[it.ItemID()] {
			_ = bus.Publish(tc.GoContext(), hooks.Event{
				Type: hooks.EventItemStarted, SubID: subID,
				ItemStarted: &hooks.ItemPayload{Item: it},
			})
		}
		_ = bus.Publish(tc.GoContext(), hooks.Event{
			Type: hooks.EventItemCompleted, SubID: subID,
			ItemCompleted: &hooks.ItemPayload{Item: it},
		})
		return d.recordAndAppend(tc.GoContext(), sess, w, it)
	}

	return d.recordAndAppend(tc.GoContext(), sess, w, it)
}

// buildInvocation converts a model-issued tool-call item into the
// Invocation shape the tools package dispatches, resolving its Kind
// (function vs MCP) from the registry rather than the wire item, since MCP
// tools arrive as ordinary function_call items (spec §4.5 "Routing").
func buildInvocation(it item.Item, registry *tools.Registry) (tools.Invocation, bool) {
	switch v := it.(type) {
	case item.FunctionCall:
		kind := tools.KindFunction
		if _, spec, ok := registry.Lookup(v.Name); ok {
			kind = spec.Kind
		}
		return tools.Invocation{CallID: v.CallID, Name: v.Name, Kind: kind, Payload: []byte(v.Arguments)}, true
	case item.CustomToolCall:
		return tools.Invocation{CallID: v.CallID, Name: v.Name, Kind: tools.KindFunction, Payload: []byte(v.Input)}, true
	case item.LocalShellCall:
		payload, _ := json.Marshal(struct {
			Command []string `json:"command"`
		}{v.Command})
		return tools.Invocation{CallID: v.CallID, Name: "local_shell", Kind: tools.KindFunction, Payload: payload}, true
	default:
		return tools.Invocation{}, false
	}
}

// streamRetriable reports whether err belongs to the turn-level retry
// policy's retriable set: everything except the explicit non-retriable
// taxonomy (spec §4.6.3) and context cancellation.
func (d *Driver) streamRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !nonRetriable(err)
}

// handleTerminalStreamError performs the side effects the non-retriable
// error list requires before propagating (spec §4.6.3: "ContextWindowExceeded
// (after marking tokens full)", "UsageLimitReached (after stashing rate-limit
// snapshot)").
func (d *Driver) handleTerminalStreamError(sess *session.Session, err error) {
	if isContextWindowExceeded(err) {
		sess.MarkTokensFull()
	}
	if snap := usageLimitRateLimits(err); snap != nil {
		sess.UpdateRateLimits(*snap)
	}
}

func outputSchemaText(schema map[string]any) *model.TextConfig {
	if schema == nil {
		return nil
	}
	return &model.TextConfig{OutputSchema: schema}
}
