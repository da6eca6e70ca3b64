// Package rollout is the durable append-only log of response items,
// turn-context snapshots, event messages, and compaction markers that backs
// resume and fork (spec §3 "Rollout log", §4.6.7, §6 "Rollout on-disk
// layout").
//
// Grounded on runtime/agent/runlog/runlog.go's Store{Append,List} contract
// (the append/cursor-page shape) and runtime/agent/session/session.go's
// store-interface idiom; the record taxonomy itself (ResponseItem vs
// TurnContext vs Compacted vs EventMsg) is spec-specific and has no single
// teacher analogue, so it is modeled fresh as a closed tagged union in the
// same style as item.Item.
package rollout

import (
	"context"
	"time"

	"goa.design/turnkit/item"
)

// RecordKind identifies a Record variant. The set is closed (spec §6).
type RecordKind string

const (
	RecordResponseItem  RecordKind = "response_item"
	RecordEnvContext    RecordKind = "env_context"
	RecordTurnContext   RecordKind = "turn_context"
	RecordEventMsg      RecordKind = "event_msg"
	RecordCompacted     RecordKind = "compacted"
)

// EnvContext snapshots the environment a turn's tool calls executed against.
type EnvContext struct {
	Cwd string
	Env map[string]string
}

// TurnContextSnapshot is a per-turn immutable record: cwd, model, approval
// policy, sandbox policy, instructions, output schema, truncation policy
// (spec §3 "Rollout log").
type TurnContextSnapshot struct {
	SubID              string
	Cwd                string
	Model              string
	ApprovalPolicy     string
	SandboxPolicy      string
	Instructions       string
	OutputSchema       map[string]any
	TruncationPolicy   string
}

// Compacted is a compaction marker: the summary item that replaces a history
// prefix, plus an optional explicit replacement history (spec §4.6.6).
type Compacted struct {
	Message            string
	ReplacementHistory []item.Item // nil unless the compaction task supplied one explicitly
}

// EventMsg records a hooks.Event for replay/audit; kept as opaque JSON-ish
// data (type name + serialized payload) so this package does not import
// hooks and create a dependency cycle with components that subscribe to
// both.
type EventMsg struct {
	Type    string
	Payload []byte
}

// Record is one entry in the rollout log. Exactly one payload field is
// populated, matching Kind.
type Record struct {
	Kind      RecordKind
	Timestamp time.Time

	ResponseItem item.Item
	EnvContext   *EnvContext
	TurnContext  *TurnContextSnapshot
	EventMsg     *EventMsg
	Compacted    *Compacted
}

// Writer is the durable sink a session appends records to. Implementations
// must preserve total ordering across concurrent Record calls from a single
// session (the submission loop is the sole writer per spec §5, so Writer
// itself need not reorder, only serialize against its own I/O).
type Writer interface {
	// Record appends one entry. Record must return promptly; it is on the
	// turn's write-through hot path (spec §3 invariant: persisted ⇒ also in
	// memory, and vice versa for the ordering it implies).
	Record(ctx context.Context, rec Record) error
	// Flush is an explicit durability barrier: all Records accepted before
	// Flush returns must be durable once Flush returns nil.
	Flush(ctx context.Context) error
	// Shutdown flushes and releases any resources. Must be called exactly
	// once per session lifecycle.
	Shutdown(ctx context.Context) error
}

// Reader replays a rollout log in order, for resume/fork (spec §4.6.7).
type Reader interface {
	// Replay returns every record in the log in append order.
	Replay(ctx context.Context) ([]Record, error)
}

// ReplayHistory rebuilds in-memory history from a record sequence by
// replaying response items in order and applying each compaction marker as
// it is encountered, exactly as the live execution path would (spec §4.6.6,
// §8 "Reconstructing history from a rollout yields the exact same in-memory
// history as a live execution").
func ReplayHistory(records []Record) []item.Item {
	var history []item.Item
	var initial []item.Item // response items that appeared before the first compaction
	haveCompacted := false
	for _, rec := range records {
		switch rec.Kind {
		case RecordResponseItem:
			history = append(history, rec.ResponseItem)
			if !haveCompacted {
				initial = append(initial, rec.ResponseItem)
			}
		case RecordCompacted:
			history = ApplyCompaction(history, initial, *rec.Compacted)
			haveCompacted = true
		}
	}
	return history
}

// ApplyCompaction implements spec §4.6.6's replacement law: the in-memory
// history becomes initial_context ∪ collected_user_messages ∪ {summary}, or
// an explicit replacement_history when the compaction task supplied one.
// Exported so the live turn driver (turn.Driver.compact) and rollout replay
// (ReplayHistory) apply the exact same law, per spec §4.6.6's "deterministic
// and identical to the live-execution path" requirement.
func ApplyCompaction(history, initial []item.Item, c Compacted) []item.Item {
	if c.ReplacementHistory != nil {
		return append([]item.Item(nil), c.ReplacementHistory...)
	}
	var userMsgs []item.Item
	for _, it := range history {
		if it.Kind() == item.KindUserMessage {
			userMsgs = append(userMsgs, it)
		}
	}
	out := append([]item.Item(nil), initial...)
	out = append(out, userMsgs...)
	out = append(out, item.AssistantMessage{Content: []item.Chunk{{Type: item.ChunkOutputText, Text: c.Message}}})
	return out
}
