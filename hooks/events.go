// Package hooks is the turn engine's external event interface: a closed
// taxonomy of lifecycle events (spec §4.6.1) fanned out to subscribers
// through a synchronous Bus.
//
// Grounded on runtime/agent/hooks/bus.go's fan-out pattern and events.go's
// closed-EventType convention, narrowed to the event set spec.md actually
// names rather than the teacher's much larger workflow-hook vocabulary.
package hooks

import (
	"goa.design/turnkit/item"
	"goa.design/turnkit/sse"
)

// EventType identifies an Event variant. The set is closed (spec §4.6.1).
type EventType string

const (
	EventSessionConfigured        EventType = "session_configured"
	EventTaskStarted               EventType = "task_started"
	EventItemStarted                EventType = "item_started"
	EventItemCompleted              EventType = "item_completed"
	EventAgentMessageContentDelta   EventType = "agent_message_content_delta"
	EventReasoningContentDelta      EventType = "reasoning_content_delta"
	EventAgentReasoningSectionBreak EventType = "agent_reasoning_section_break"
	EventReasoningRawContentDelta   EventType = "reasoning_raw_content_delta"
	EventRawResponseItem            EventType = "raw_response_item"
	EventExecApprovalRequest         EventType = "exec_approval_request"
	EventApplyPatchApprovalRequest   EventType = "apply_patch_approval_request"
	EventTokenCount                  EventType = "token_count"
	EventTurnDiff                    EventType = "turn_diff"
	EventBackgroundEvent             EventType = "background_event"
	EventWarning                     EventType = "warning"
	EventDeprecationNotice           EventType = "deprecation_notice"
	EventStreamError                 EventType = "stream_error"
	EventError                       EventType = "error"
	EventEnteredReviewMode            EventType = "entered_review_mode"
	EventExitedReviewMode             EventType = "exited_review_mode"
	EventTurnAborted                  EventType = "turn_aborted"
	EventShutdownComplete             EventType = "shutdown_complete"

	// Response events paired with the request-style operations in spec
	// §4.6.1 (the spec's event list is abbreviated; these complete the
	// request/response pairs the operation set implies).
	EventGetHistoryEntryResponse   EventType = "get_history_entry_response"
	EventMcpListToolsResponse      EventType = "mcp_list_tools_response"
	EventListCustomPromptsResponse EventType = "list_custom_prompts_response"
	EventListSkillsResponse        EventType = "list_skills_response"
)

// Event is the envelope delivered to subscribers. SubID identifies the turn
// (or "" for session-lifecycle events keyed to INITIAL_SUBMIT_ID per spec
// §6) this event belongs to; exactly one of the payload fields below is
// populated, matching Type.
type Event struct {
	Type  EventType
	SubID string

	TaskStarted               *TaskStartedPayload
	ItemStarted                *ItemPayload
	ItemCompleted               *ItemPayload
	AgentMessageContentDelta    *ContentDeltaPayload
	ReasoningContentDelta       *ReasoningDeltaPayload
	AgentReasoningSectionBreak *SectionBreakPayload
	ReasoningRawContentDelta    *ReasoningDeltaPayload
	RawResponseItem             *ItemPayload
	ExecApprovalRequest          *ExecApprovalRequestPayload
	ApplyPatchApprovalRequest    *ApplyPatchApprovalRequestPayload
	TokenCount                  *TokenCountPayload
	TurnDiff                     *TurnDiffPayload
	BackgroundEvent              *MessagePayload
	Warning                      *MessagePayload
	DeprecationNotice            *MessagePayload
	StreamError                  *MessagePayload
	Error                        *MessagePayload
	TurnAborted                  *TurnAbortedPayload
	SessionConfigured            *SessionConfiguredPayload
	GetHistoryEntryResponse      *GetHistoryEntryResponsePayload
	McpListToolsResponse         *McpListToolsResponsePayload
	ListCustomPromptsResponse    *ListCustomPromptsResponsePayload
	ListSkillsResponse           *ListSkillsResponsePayload
}

// SessionConfiguredPayload accompanies SessionConfigured, published once per
// session with the empty INITIAL_SUBMIT_ID before any operation runs.
type SessionConfiguredPayload struct {
	ConversationID string
	Model          string
}

// GetHistoryEntryResponsePayload accompanies GetHistoryEntryResponse.
type GetHistoryEntryResponsePayload struct {
	LogID  string
	Offset int
	Entry  string
	Found  bool
}

// ToolSummary describes one registered tool in an McpListToolsResponse.
type ToolSummary struct {
	Name        string
	Description string
}

// McpListToolsResponsePayload accompanies McpListToolsResponse.
type McpListToolsResponsePayload struct {
	Tools []ToolSummary
}

// CustomPrompt is one saved prompt in a ListCustomPromptsResponse.
type CustomPrompt struct {
	Name    string
	Path    string
	Content string
}

// ListCustomPromptsResponsePayload accompanies ListCustomPromptsResponse.
type ListCustomPromptsResponsePayload struct {
	Prompts []CustomPrompt
}

// Skill is one discovered skill in a ListSkillsResponse.
type Skill struct {
	Name        string
	Path        string
	Description string
}

// ListSkillsResponsePayload accompanies ListSkillsResponse.
type ListSkillsResponsePayload struct {
	Skills []Skill
}

// TaskStartedPayload accompanies EventTaskStarted.
type TaskStartedPayload struct {
	ModelContextWindow int
}

// ItemPayload carries a response item for ItemStarted/ItemCompleted/
// RawResponseItem events.
type ItemPayload struct {
	Item item.Item
}

// ContentDeltaPayload accompanies AgentMessageContentDelta.
type ContentDeltaPayload struct {
	ItemID string
	Delta  string
}

// ReasoningDeltaPayload accompanies ReasoningContentDelta and
// ReasoningRawContentDelta.
type ReasoningDeltaPayload struct {
	ItemID string
	Delta  string
	Index  int
}

// SectionBreakPayload accompanies AgentReasoningSectionBreak.
type SectionBreakPayload struct {
	ItemID       string
	SummaryIndex int
}

// ExecApprovalRequestPayload accompanies ExecApprovalRequest.
type ExecApprovalRequestPayload struct {
	ApprovalID string
	Command    []string
	Cwd        string
	Reason     string
}

// ApplyPatchApprovalRequestPayload accompanies ApplyPatchApprovalRequest.
type ApplyPatchApprovalRequestPayload struct {
	ApprovalID string
	Patch      string
	Reason     string
}

// TokenCountPayload accompanies TokenCount.
type TokenCountPayload struct {
	Usage      sse.TokenUsage
	RateLimits sse.RateLimitSnapshot
}

// TurnDiffPayload accompanies TurnDiff.
type TurnDiffPayload struct {
	UnifiedDiff string
}

// MessagePayload is the shared shape for BackgroundEvent/Warning/
// StreamError/Error.
type MessagePayload struct {
	Message string
}

// TurnAbortedReason closes the set of reasons a turn can abort for.
type TurnAbortedReason string

const (
	// AbortedInterrupted is the only reason the driver currently emits:
	// non-abort terminal failures surface as one Error event instead (spec
	// §7 "aborted turns produce exactly one TurnAborted{reason} event (no
	// additional Error)").
	AbortedInterrupted TurnAbortedReason = "interrupted"
)

// TurnAbortedPayload accompanies TurnAborted.
type TurnAbortedPayload struct {
	Reason TurnAbortedReason
}
