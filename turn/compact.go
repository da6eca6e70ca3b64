package turn

import (
	"context"
	"time"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
)

// tokenLimitReached reports whether the session's cumulative usage has hit
// the driver's auto-compact threshold (spec §4.6.2 "get_total_tokens() ≥
// auto_compact_threshold").
func (d *Driver) tokenLimitReached(sess *session.Session) bool {
	if d.AutoCompactTokenLimit <= 0 {
		return false
	}
	return sess.TokenUsage().TotalTokens() >= d.AutoCompactTokenLimit
}

// compact runs the compaction task variant (spec §4.6.6), serving both the
// explicit Compact operation and auto-compaction: it asks the model client's
// compact endpoint to summarize the current history, appends the resulting
// Compacted marker to rollout, and replaces in-memory history by the same
// initial_context ∪ collected_user_messages ∪ {summary} law rollout.ReplayHistory
// applies when reconstructing from the log, so live execution and replay
// never diverge.
//
// initialContext freezes at the history that existed before this driver's
// first-ever compaction and is never recomputed by later ones — an Open
// Question spec.md leaves implicit (see DESIGN.md).
func (d *Driver) compact(ctx context.Context, sess *session.Session, w rollout.Writer, bus hooks.Bus, subID string) error {
	history := sess.History()
	if !d.compactedOnce {
		d.initialContext = append([]item.Item(nil), history...)
		d.compactedOnce = true
	}

	prompt := model.Prompt{Input: history, InstructionsOverride: sess.Config().CompactPromptOverride}
	out, err := d.Client.Compact(ctx, prompt)
	if err != nil {
		return err
	}

	marker := rollout.Compacted{}
	switch {
	case len(out) == 1:
		if msg, ok := out[0].(item.AssistantMessage); ok {
			marker.Message = item.Text(msg.Content)
		} else {
			marker.ReplacementHistory = out
		}
	case len(out) > 1:
		marker.ReplacementHistory = out
	}

	rec := rollout.Record{Kind: rollout.RecordCompacted, Timestamp: time.Now(), Compacted: &marker}
	if err := w.Record(ctx, rec); err != nil {
		return err
	}

	sess.ReplaceHistory(rollout.ApplyCompaction(history, d.initialContext, marker))

	_ = bus.Publish(ctx, hooks.Event{
		Type:            hooks.EventBackgroundEvent,
		SubID:           subID,
		BackgroundEvent: &hooks.MessagePayload{Message: "conversation history compacted"},
	})
	return nil
}
