package session

import "goa.design/turnkit/item"

// OpKind identifies an Operation variant. The set is closed (spec §4.6.1).
type OpKind string

const (
	OpInterrupt             OpKind = "interrupt"
	OpOverrideTurnContext    OpKind = "override_turn_context"
	OpUserInput              OpKind = "user_input"
	OpUserTurn               OpKind = "user_turn"
	OpExecApproval           OpKind = "exec_approval"
	OpPatchApproval          OpKind = "patch_approval"
	OpAddToHistory           OpKind = "add_to_history"
	OpGetHistoryEntryRequest OpKind = "get_history_entry_request"
	OpListMcpTools           OpKind = "list_mcp_tools"
	OpListCustomPrompts      OpKind = "list_custom_prompts"
	OpListSkills             OpKind = "list_skills"
	OpUndo                   OpKind = "undo"
	OpCompact                OpKind = "compact"
	OpRunUserShellCommand    OpKind = "run_user_shell_command"
	OpResolveElicitation     OpKind = "resolve_elicitation"
	OpReview                 OpKind = "review"
	OpShutdown               OpKind = "shutdown"
)

// INITIAL_SUBMIT_ID (spec §6) is reserved for session-lifecycle events that
// precede any user-provided operation id.
const InitialSubmitID = ""

// UserTurnParams carries the UserTurn operation's per-turn overrides (spec
// §4.6.1).
type UserTurnParams struct {
	Items          []item.Item
	Cwd            string
	ApprovalPolicy string
	SandboxPolicy  string
	Model          string
	Effort         string
	Summary        string
	OutputSchema   map[string]any
}

// Operation is one submitted request, keyed by a caller- or
// session-generated monotonically increasing decimal string ID (spec §6).
type Operation struct {
	ID   string
	Kind OpKind

	UserInput        []item.Item
	UserTurn         *UserTurnParams
	OverrideTurn     *Configuration
	ApprovalID       string
	ApprovalDecision ApprovalDecision
	AddToHistoryText string
	HistoryOffset    int
	HistoryLogID     string
	ListSkillsCwds   []string
	ForceReload      bool
	ShellCommand     []string
	ReviewPrompt     string
	ElicitationID    string
	ElicitationValue map[string]any
}
