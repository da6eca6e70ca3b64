// Package session owns conversation-scoped state: configuration, in-memory
// history, token/rate-limit accounting, and the handle to whichever task is
// currently running (spec §3 "Session state", §4.6.1 "External interface").
//
// Grounded on runtime/agent/session/session.go's explicit create/end
// lifecycle and agents/runtime/runtime/runtime.go's convention of guarding
// mutable registries behind a single sync.RWMutex with short critical
// sections that never hold across network awaits (spec §5 "Shared-resource
// policy").
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"goa.design/turnkit/item"
	"goa.design/turnkit/sse"
)

// Configuration is the session's immutable-until-OverrideTurnContext
// configuration (spec §3 "session_configuration").
type Configuration struct {
	Provider               string
	Model                  string
	ReasoningEffort        string
	ReasoningSummary       string
	ApprovalPolicy         string
	SandboxPolicy          string
	Cwd                    string
	UserInstructions       string
	DeveloperInstructions  string
	BaseInstructions       string
	CompactPromptOverride  string
}

// TokenUsageInfo is cumulative and last-turn token accounting plus the
// model's context window (spec §3).
type TokenUsageInfo struct {
	CumulativeUsage    sse.TokenUsage
	LastTurnUsage      sse.TokenUsage
	ModelContextWindow int
}

// TotalTokens reports the cumulative token count used for auto-compaction
// threshold checks (spec §4.6.2 "task_start").
func (t TokenUsageInfo) TotalTokens() int { return t.CumulativeUsage.TotalTokens }

// ActiveTurn is a handle to the currently running task: its cancellation
// token, pending-input queue, and pending-approval waiters (spec §3
// "active_turn", §4.6.5 "Approvals").
type ActiveTurn struct {
	SubID            string
	Cancel           context.CancelFunc
	pendingInput     []item.Item
	pendingApprovals map[string]chan ApprovalDecision
	mu               sync.Mutex
}

func newActiveTurn(subID string, cancel context.CancelFunc) *ActiveTurn {
	return &ActiveTurn{SubID: subID, Cancel: cancel, pendingApprovals: map[string]chan ApprovalDecision{}}
}

// QueueInput appends items to the turn's pending-input queue, absorbed into
// history at the start of the next turn iteration (spec §4.6.2).
func (t *ActiveTurn) QueueInput(items ...item.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingInput = append(t.pendingInput, items...)
}

// DrainInput returns and clears the pending-input queue.
func (t *ActiveTurn) DrainInput() []item.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := t.pendingInput
	t.pendingInput = nil
	return drained
}

// ApprovalDecision is the closed set of outcomes an approval can resolve to
// (spec §4.6.5).
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
	ApprovalAbort ApprovalDecision = "abort"
)

// AwaitApproval registers a one-shot waiter for approvalID and returns a
// channel that resolves when Resolve is called with a matching id, or when
// Session.Interrupt aborts the turn (in which case the caller observes the
// default ApprovalDeny per spec §4.6.5 "If the task is aborted first, the
// awaiter observes the default (Denied)").
func (t *ActiveTurn) AwaitApproval(approvalID string) <-chan ApprovalDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ApprovalDecision, 1)
	t.pendingApprovals[approvalID] = ch
	return ch
}

// Resolve delivers decision to the waiter registered for approvalID, if
// any. An Abort decision is expected to also trigger Session.Interrupt by
// the caller (spec §4.6.5 "Abort decisions trigger interrupt_task()").
func (t *ActiveTurn) Resolve(approvalID string, decision ApprovalDecision) bool {
	t.mu.Lock()
	ch, ok := t.pendingApprovals[approvalID]
	if ok {
		delete(t.pendingApprovals, approvalID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

// abortPending resolves every still-pending approval to the default Deny
// outcome, run when the turn is cancelled.
func (t *ActiveTurn) abortPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pendingApprovals {
		ch <- ApprovalDeny
		delete(t.pendingApprovals, id)
	}
}

// Session owns all conversation-scoped mutable state (spec §3 "Session
// state"). Exactly one submission-loop goroutine per session mutates it;
// everything else takes the short-lived mu to read or request a change
// (spec §5).
type Session struct {
	ConversationID string

	mu            sync.Mutex
	config        Configuration
	history       []item.Item
	tokenUsage    TokenUsageInfo
	rateLimits    sse.RateLimitSnapshot
	activeTurn    *ActiveTurn
}

// New constructs a Session for a fresh conversation.
func New(config Configuration) *Session {
	return &Session{ConversationID: uuid.NewString(), config: config}
}

// Resume reconstructs a Session's in-memory state from a replayed history,
// matching spec §4.6.7 "a resume only rebuilds in-memory state and keeps
// appending to the existing file."
func Resume(conversationID string, config Configuration, history []item.Item) *Session {
	return &Session{ConversationID: conversationID, config: config, history: append([]item.Item(nil), history...)}
}

// Config returns a copy of the current configuration.
func (s *Session) Config() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// OverrideConfig replaces turn-context-relevant configuration fields ahead
// of the next turn (the OverrideTurnContext operation, spec §4.6.1).
func (s *Session) OverrideConfig(fn func(*Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.config)
}

// History returns a snapshot copy of the in-memory conversation history.
func (s *Session) History() []item.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]item.Item(nil), s.history...)
}

// AppendHistory appends it to in-memory history. Callers must have already
// (or concurrently) persisted it to the rollout so the write-through
// invariant holds (spec §3 "Every persisted response item is also present
// in in-memory history").
func (s *Session) AppendHistory(it item.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, it)
}

// ReplaceHistory overwrites history wholesale, used by compaction (spec
// §4.6.6).
func (s *Session) ReplaceHistory(history []item.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]item.Item(nil), history...)
}

// TokenUsage returns the current token accounting snapshot.
func (s *Session) TokenUsage() TokenUsageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenUsage
}

// RecordTurnUsage folds a turn's completed token usage into cumulative
// accounting.
func (s *Session) RecordTurnUsage(usage sse.TokenUsage, contextWindow int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenUsage.LastTurnUsage = usage
	s.tokenUsage.CumulativeUsage.InputTokens += usage.InputTokens
	s.tokenUsage.CumulativeUsage.CachedInputTokens += usage.CachedInputTokens
	s.tokenUsage.CumulativeUsage.OutputTokens += usage.OutputTokens
	s.tokenUsage.CumulativeUsage.TotalTokens += usage.TotalTokens
	if contextWindow > 0 {
		s.tokenUsage.ModelContextWindow = contextWindow
	}
}

// MarkTokensFull sets cumulative usage to the context window, so a
// subsequent auto-compaction check fires immediately (spec §7
// "ContextWindowExceeded... tokens possibly marked full").
func (s *Session) MarkTokensFull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenUsage.ModelContextWindow > 0 {
		s.tokenUsage.CumulativeUsage.TotalTokens = s.tokenUsage.ModelContextWindow
	}
}

// RateLimits returns the latest rate-limit snapshot.
func (s *Session) RateLimits() sse.RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimits
}

// UpdateRateLimits merges snap into the stored snapshot. Credits and
// PlanType are sticky: an update that omits them (nil) must not clobber a
// previously observed value (spec §3 invariant, §8 testable property).
func (s *Session) UpdateRateLimits(snap sse.RateLimitSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Credits == nil {
		snap.Credits = s.rateLimits.Credits
	}
	if snap.PlanType == nil {
		snap.PlanType = s.rateLimits.PlanType
	}
	s.rateLimits = snap
}

// ActiveTurn returns the currently running task's handle, or nil if no task
// is active (spec §3 invariant: "active_turn is non-None iff a task is
// running").
func (s *Session) ActiveTurn() *ActiveTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurn
}

// BeginTurn installs a new ActiveTurn for subID, returning its child
// context. Must only be called when no turn is currently active (the
// submission loop enforces at most one task per session, spec §5).
func (s *Session) BeginTurn(parent context.Context, subID string) (context.Context, *ActiveTurn) {
	ctx, cancel := context.WithCancel(parent)
	t := newActiveTurn(subID, cancel)
	s.mu.Lock()
	s.activeTurn = t
	s.mu.Unlock()
	return ctx, t
}

// EndTurn clears the active-turn handle once a task completes.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurn = nil
}

// Interrupt cancels the active turn, if any, and resolves its pending
// approvals to the default Deny outcome. Interrupting when no task is
// active is a no-op (spec §3 invariant: "interrupts are no-ops when None").
func (s *Session) Interrupt() {
	s.mu.Lock()
	t := s.activeTurn
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.Cancel()
	t.abortPending()
}
