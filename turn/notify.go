package turn

import (
	"context"
	"encoding/json"
	"os/exec"

	"goa.design/turnkit/telemetry"
)

// Notifier spawns an external user-notification program when a task
// completes (spec §6 "Notifier invocation"). The program receives one JSON
// argument appended to Command; the Notifier never waits for it to finish
// and logs spawn failures as warnings only.
type Notifier struct {
	// Command is the program plus its fixed leading arguments. Empty
	// disables notification.
	Command []string
	Logger  telemetry.Logger
}

// turnCompleteNotification is the payload handed to the notify command,
// kebab-case keyed per spec §6.
type turnCompleteNotification struct {
	Type                 string   `json:"type"`
	ThreadID             string   `json:"thread-id"`
	TurnID               string   `json:"turn-id"`
	Cwd                  string   `json:"cwd"`
	InputMessages        []string `json:"input-messages"`
	LastAssistantMessage string   `json:"last-assistant-message"`
}

// TurnComplete fires the agent-turn-complete notification. Safe to call on a
// nil Notifier or with no Command configured (both no-ops).
func (n *Notifier) TurnComplete(ctx context.Context, threadID, turnID, cwd string, inputMessages []string, lastAssistant string) {
	if n == nil || len(n.Command) == 0 {
		return
	}
	payload, err := json.Marshal(turnCompleteNotification{
		Type:                 "agent-turn-complete",
		ThreadID:             threadID,
		TurnID:               turnID,
		Cwd:                  cwd,
		InputMessages:        inputMessages,
		LastAssistantMessage: lastAssistant,
	})
	if err != nil {
		if n.Logger != nil {
			n.Logger.Warn(ctx, "marshal turn-complete notification", telemetry.F("error", err.Error()))
		}
		return
	}
	args := append(append([]string(nil), n.Command[1:]...), string(payload))
	cmd := exec.Command(n.Command[0], args...)
	if err := cmd.Start(); err != nil {
		if n.Logger != nil {
			n.Logger.Warn(ctx, "spawn notify command", telemetry.F("error", err.Error()))
		}
		return
	}
	// Reap the child without blocking the caller.
	go func() { _ = cmd.Wait() }()
}
