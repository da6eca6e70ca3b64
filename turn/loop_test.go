package turn

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
)

func newTestLoop(client model.Client, registry *tools.Registry) (*Loop, *recordingSubscriber) {
	d := newDriver(client, registry)
	sess := session.New(session.Configuration{Model: "test-model"})
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()
	return NewLoop(sess, d, w, bus), rec
}

func runLoop(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop never stopped")
		}
	}
}

func waitForEvent(t *testing.T, rec *recordingSubscriber, typ hooks.EventType) hooks.Event {
	t.Helper()
	var found hooks.Event
	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "event %s never published", typ)
	return found
}

func userMsg(id, text string) item.UserMessage {
	return item.UserMessage{ID: id, Content: []item.Chunk{{Type: item.ChunkInputText, Text: text}}}
}

func TestLoop_PublishesSessionConfigured(t *testing.T) {
	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	stop := runLoop(t, l)
	defer stop()

	e := waitForEvent(t, rec, hooks.EventSessionConfigured)
	assert.Equal(t, session.InitialSubmitID, e.SubID)
	require.NotNil(t, e.SessionConfigured)
	assert.Equal(t, "test-model", e.SessionConfigured.Model)
	assert.Equal(t, l.Session.ConversationID, e.SessionConfigured.ConversationID)
}

func TestLoop_UserInputRunsTask(t *testing.T) {
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(
			sse.OutputItemDone{Item: msg("m1", "Hello")},
			sse.Completed{ResponseID: "resp1"},
		),
	}}
	l, rec := newTestLoop(client, tools.NewRegistry())
	stop := runLoop(t, l)
	defer stop()

	id := l.Submit(session.Operation{Kind: session.OpUserInput, UserInput: []item.Item{userMsg("u1", "hi")}})
	assert.Equal(t, "1", id, "session-generated IDs are monotonically increasing decimal strings")

	waitForEvent(t, rec, hooks.EventTaskStarted)
	require.Eventually(t, func() bool { return len(l.Session.History()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "m1", l.Session.History()[1].ItemID())
}

// New user input submitted while a task is active lands in the pending-input
// queue and is absorbed by the follow-up turn, not run as a second task.
func TestLoop_UserInputQueuesWhileTaskActive(t *testing.T) {
	release := make(chan struct{})
	toolStarted := make(chan struct{})
	registry := tools.NewRegistry()
	registry.Add(tools.Spec{Name: "waiter", Kind: tools.KindFunction, SupportsParallel: true}, fakeHandler{
		kind: tools.KindFunction,
		handle: func(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error) {
			close(toolStarted)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return tools.ToolOutput{Content: "done"}, nil
		},
	})
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(
			sse.OutputItemDone{Item: item.FunctionCall{ID: "c1", CallID: "call-1", Name: "waiter"}},
			sse.Completed{ResponseID: "resp1"},
		),
		streamOf(
			sse.OutputItemDone{Item: msg("m2", "follow-up answer")},
			sse.Completed{ResponseID: "resp2"},
		),
	}}
	l, rec := newTestLoop(client, registry)
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpUserInput, UserInput: []item.Item{userMsg("u1", "first")}})
	select {
	case <-toolStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	l.Submit(session.Operation{Kind: session.OpUserInput, UserInput: []item.Item{userMsg("u2", "second")}})
	// Operations are handled serially: once the marker op's response event
	// shows up, u2 has already been queued into pending input.
	l.Submit(session.Operation{Kind: session.OpListMcpTools})
	waitForEvent(t, rec, hooks.EventMcpListToolsResponse)
	close(release)

	require.Eventually(t, func() bool {
		for _, it := range l.Session.History() {
			if it.ItemID() == "m2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// u2 was absorbed into the same task's history ahead of the second turn.
	var ids []string
	for _, it := range l.Session.History() {
		if it.Kind() == item.KindUserMessage {
			ids = append(ids, it.ItemID())
		}
	}
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestLoop_InterruptWithNoTaskIsNoop(t *testing.T) {
	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpInterrupt})
	l.Submit(session.Operation{Kind: session.OpListMcpTools})
	waitForEvent(t, rec, hooks.EventMcpListToolsResponse)

	for _, e := range rec.snapshot() {
		assert.NotEqual(t, hooks.EventTurnAborted, e.Type)
		assert.NotEqual(t, hooks.EventError, e.Type)
	}
}

func TestLoop_ShutdownDrainsAndCompletes(t *testing.T) {
	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.Submit(session.Operation{ID: "9", Kind: session.OpShutdown})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop never returned after shutdown")
	}
	e := waitForEvent(t, rec, hooks.EventShutdownComplete)
	assert.Equal(t, "9", e.SubID)
}

func TestLoop_ApprovalAbortInterruptsTask(t *testing.T) {
	toolStarted := make(chan struct{})
	registry := tools.NewRegistry()
	registry.Add(tools.Spec{Name: "local_shell", Kind: tools.KindFunction}, fakeHandler{
		kind: tools.KindFunction,
		handle: func(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error) {
			close(toolStarted)
			<-ctx.Done()
			return tools.ToolOutput{}, ctx.Err()
		},
	})
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(sse.OutputItemDone{Item: item.LocalShellCall{ID: "c1", CallID: "call-1", Command: []string{"rm", "-rf"}}}),
	}}
	l, rec := newTestLoop(client, registry)
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpUserInput, UserInput: []item.Item{userMsg("u1", "go")}})
	select {
	case <-toolStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	l.Submit(session.Operation{Kind: session.OpExecApproval, ApprovalID: "x", ApprovalDecision: session.ApprovalAbort})

	e := waitForEvent(t, rec, hooks.EventTurnAborted)
	assert.Equal(t, hooks.AbortedInterrupted, e.TurnAborted.Reason)
}

func TestLoop_ListOpsPublishResponses(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Add(tools.Spec{Name: "search", Kind: tools.KindMCP, Description: "MCP search"}, fakeHandler{kind: tools.KindMCP})
	registry.Add(tools.Spec{Name: "plain", Kind: tools.KindFunction}, fakeHandler{kind: tools.KindFunction})

	l, rec := newTestLoop(&fakeClient{}, registry)
	l.CustomPrompts = func(ctx context.Context) ([]hooks.CustomPrompt, error) {
		return []hooks.CustomPrompt{{Name: "fix", Path: "/p/fix.md"}}, nil
	}
	l.Skills = func(ctx context.Context, cwds []string, force bool) ([]hooks.Skill, error) {
		return []hooks.Skill{{Name: "deploy", Description: "release helper"}}, nil
	}
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpListMcpTools})
	toolsEvt := waitForEvent(t, rec, hooks.EventMcpListToolsResponse)
	require.Len(t, toolsEvt.McpListToolsResponse.Tools, 1)
	assert.Equal(t, "search", toolsEvt.McpListToolsResponse.Tools[0].Name)

	l.Submit(session.Operation{Kind: session.OpListCustomPrompts})
	promptsEvt := waitForEvent(t, rec, hooks.EventListCustomPromptsResponse)
	require.Len(t, promptsEvt.ListCustomPromptsResponse.Prompts, 1)
	assert.Equal(t, "fix", promptsEvt.ListCustomPromptsResponse.Prompts[0].Name)

	l.Submit(session.Operation{Kind: session.OpListSkills, ListSkillsCwds: []string{"/w"}})
	skillsEvt := waitForEvent(t, rec, hooks.EventListSkillsResponse)
	require.Len(t, skillsEvt.ListSkillsResponse.Skills, 1)
	assert.Equal(t, "deploy", skillsEvt.ListSkillsResponse.Skills[0].Name)
}

func TestLoop_UnsupportedOpsWarn(t *testing.T) {
	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpUndo})
	e := waitForEvent(t, rec, hooks.EventWarning)
	assert.Contains(t, e.Warning.Message, "undo is not supported")
}

func TestLoop_RunUserShellCommandRecordsTranscript(t *testing.T) {
	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	l.RunShell = func(ctx context.Context, command []string) (string, error) {
		return "hello from shell", nil
	}
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpRunUserShellCommand, ShellCommand: []string{"echo", "hi"}})
	e := waitForEvent(t, rec, hooks.EventBackgroundEvent)
	assert.Equal(t, "hello from shell", e.BackgroundEvent.Message)

	require.Eventually(t, func() bool { return len(l.Session.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	um, ok := l.Session.History()[0].(item.UserMessage)
	require.True(t, ok)
	assert.Contains(t, item.Text(um.Content), "$ echo hi")
	assert.Contains(t, item.Text(um.Content), "hello from shell")
}

func TestLoop_ReviewWrapsTaskInReviewModeEvents(t *testing.T) {
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(
			sse.OutputItemDone{Item: msg("m1", "looks fine")},
			sse.Completed{ResponseID: "resp1"},
		),
	}}
	l, rec := newTestLoop(client, tools.NewRegistry())
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpReview, ReviewPrompt: "review the diff"})
	waitForEvent(t, rec, hooks.EventEnteredReviewMode)
	waitForEvent(t, rec, hooks.EventExitedReviewMode)

	var entered, exited int
	events := rec.snapshot()
	for i, e := range events {
		switch e.Type {
		case hooks.EventEnteredReviewMode:
			entered = i
		case hooks.EventExitedReviewMode:
			exited = i
		}
	}
	assert.Less(t, entered, exited)
}

func TestLoop_HistoryAppendAndLookup(t *testing.T) {
	hist, err := NewFileMessageHistory(filepath.Join(t.TempDir(), "history.txt"))
	require.NoError(t, err)

	l, rec := newTestLoop(&fakeClient{}, tools.NewRegistry())
	l.History = hist
	stop := runLoop(t, l)
	defer stop()

	l.Submit(session.Operation{Kind: session.OpAddToHistory, AddToHistoryText: "first entry"})
	l.Submit(session.Operation{Kind: session.OpAddToHistory, AddToHistoryText: "second entry"})

	require.Eventually(t, func() bool {
		_, ok, err := hist.Lookup(context.Background(), hist.LogID(), 1)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	l.Submit(session.Operation{Kind: session.OpGetHistoryEntryRequest, HistoryLogID: hist.LogID(), HistoryOffset: 1})
	e := waitForEvent(t, rec, hooks.EventGetHistoryEntryResponse)
	assert.True(t, e.GetHistoryEntryResponse.Found)
	assert.Equal(t, "second entry", e.GetHistoryEntryResponse.Entry)

	// A foreign log id misses cleanly.
	got, ok, err := hist.Lookup(context.Background(), "/somewhere/else", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestNotifier_PayloadShape(t *testing.T) {
	payload, err := json.Marshal(turnCompleteNotification{
		Type:                 "agent-turn-complete",
		ThreadID:             "conv-1",
		TurnID:               "7",
		Cwd:                  "/work",
		InputMessages:        []string{"do the thing"},
		LastAssistantMessage: "done",
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "agent-turn-complete", decoded["type"])
	assert.Equal(t, "conv-1", decoded["thread-id"])
	assert.Equal(t, "7", decoded["turn-id"])
	assert.Equal(t, "/work", decoded["cwd"])
	assert.Equal(t, "done", decoded["last-assistant-message"])
	assert.Equal(t, []any{"do the thing"}, decoded["input-messages"])
}

func TestNotifier_NilAndEmptyAreNoops(t *testing.T) {
	var n *Notifier
	n.TurnComplete(context.Background(), "t", "1", "/", nil, "")
	(&Notifier{}).TurnComplete(context.Background(), "t", "1", "/", nil, "")
}
