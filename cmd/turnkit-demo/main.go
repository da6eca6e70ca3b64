// Command turnkit-demo wires a session, a turn driver, and an in-memory
// engine together and runs one task end to end, printing the resulting
// conversation history. It is the smallest complete example of the pieces
// in this module fitting together; it is not meant to be a production
// entrypoint.
//
// With ANTHROPIC_API_KEY set it talks to Claude; otherwise it runs against a
// canned model.Client so the demo works offline.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/turnkit/engine"
	"goa.design/turnkit/engine/inmem"
	"goa.design/turnkit/hooks"
	"goa.design/turnkit/item"
	"goa.design/turnkit/model"
	"goa.design/turnkit/model/anthropic"
	"goa.design/turnkit/rollout"
	"goa.design/turnkit/session"
	"goa.design/turnkit/sse"
	"goa.design/turnkit/tools"
	"goa.design/turnkit/turn"
)

// sessions is the demo's single-process Sessions implementation: a task
// driver needs a way to resolve a session ID back to a live *session.Session
// from inside a durable activity (see turn.Sessions).
type sessions struct {
	byID map[string]*session.Session
}

func (s *sessions) Lookup(id string) (*session.Session, bool) {
	sess, ok := s.byID[id]
	return sess, ok
}

func main() {
	ctx := context.Background()

	client := newModelClient()

	registry := tools.NewRegistry()
	router, err := tools.NewRouter(registry)
	if err != nil {
		log.Fatalf("new router: %v", err)
	}
	runtime := tools.NewRuntime(router, registry)

	bus := hooks.NewBus()
	if _, err := bus.Register(hooks.SubscriberFunc(logEvent)); err != nil {
		log.Fatalf("register subscriber: %v", err)
	}
	writer := rollout.NewMemoryStore()

	sess := session.New(session.Configuration{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
	})

	driver := &turn.Driver{
		Client:        client,
		ToolsRegistry: registry,
		ToolsRuntime:  runtime,
	}

	reg := &sessions{byID: map[string]*session.Session{sess.ConversationID: sess}}
	activity := driver.NewRunTaskActivity(reg, writer, bus)

	eng := inmem.New()
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    turn.RunTaskActivityName,
		Handler: activity,
	}); err != nil {
		log.Fatalf("register activity: %v", err)
	}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "turnkit.run_task_workflow",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			var out any
			err := wc.ExecuteActivity(wc.Context(), engine.ActivityRequest{
				Name:  turn.RunTaskActivityName,
				Input: input,
			}, &out)
			return out, err
		},
	}); err != nil {
		log.Fatalf("register workflow: %v", err)
	}

	input := []item.Item{item.UserMessage{
		ID: "msg_1",
		Content: []item.Chunk{
			{Type: item.ChunkInputText, Text: "Say hello in one short sentence."},
		},
	}}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "demo-run-1",
		Workflow: "turnkit.run_task_workflow",
		Input: turn.RunTaskInput{
			SessionID: sess.ConversationID,
			SubID:     "sub_1",
			Input:     input,
		},
	})
	if err != nil {
		log.Fatalf("start workflow: %v", err)
	}
	if err := handle.Wait(ctx, nil); err != nil {
		log.Fatalf("run task: %v", err)
	}

	fmt.Println("--- final history ---")
	for _, it := range sess.History() {
		fmt.Printf("%s: %+v\n", it.Kind(), it)
	}
}

func logEvent(_ context.Context, event hooks.Event) error {
	if event.AgentMessageContentDelta != nil {
		fmt.Print(event.AgentMessageContentDelta.Delta)
	}
	return nil
}

func newModelClient() model.Client {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return &offlineClient{}
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &anthropic.Client{
		Messages:  &ac.Messages,
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
	}
}

// offlineClient lets the demo run without network access or credentials. It
// plays back a single canned assistant message through the same sse.Event
// union a real wire client would emit.
type offlineClient struct{}

func (offlineClient) WireProtocol() model.WireProtocol { return "offline_demo" }

func (offlineClient) Compact(_ context.Context, _ model.Prompt) ([]item.Item, error) {
	return nil, fmt.Errorf("offline demo client does not support compaction")
}

func (offlineClient) Stream(_ context.Context, _ model.Prompt) (model.ResponseStream, error) {
	msg := item.AssistantMessage{
		ID: "msg_offline",
		Content: []item.Chunk{
			{Type: item.ChunkOutputText, Text: "Hello! (offline demo response, set ANTHROPIC_API_KEY for a real one.)"},
		},
	}
	events := []sse.Event{
		sse.RateLimits{},
		sse.OutputItemAdded{Item: msg},
		sse.OutputTextDelta{Text: msg.Content[0].Text},
		sse.OutputItemDone{Item: msg},
		sse.Completed{ResponseID: "resp_offline"},
	}
	return &offlineStream{events: events}, nil
}

// offlineStream is a model.ResponseStream over a fixed event slice.
type offlineStream struct {
	events []sse.Event
	pos    int
}

func (s *offlineStream) Next(_ context.Context) (sse.Event, error) {
	if s.pos >= len(s.events) {
		return nil, fmt.Errorf("offline demo stream: exhausted")
	}
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

func (s *offlineStream) Close() error { return nil }
