package inmem

import (
	"context"
	"testing"

	"goa.design/turnkit/engine"
)

func TestActivityRoundTrip(t *testing.T) {
	eng := New()
	ctx := context.Background()

	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			n, _ := input.(int)
			return n * 2, nil
		},
	}); err != nil {
		t.Fatalf("register activity: %v", err)
	}

	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "double_workflow",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wc.ExecuteActivity(wc.Context(), engine.ActivityRequest{
				Name: "double", Input: input,
			}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "double_workflow",
		Input:    21,
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var result int
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
}

func TestSignalDelivery(t *testing.T) {
	eng := New()
	ctx := context.Background()

	received := make(chan string, 1)
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "signal_workflow",
		Handler: func(wc engine.WorkflowContext, _ any) (any, error) {
			var payload string
			if err := wc.SignalChannel("greeting").Receive(wc.Context(), &payload); err != nil {
				return nil, err
			}
			received <- payload
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "signal_workflow"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err := handle.Signal(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("expected hello, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for signal")
	}
	if err := handle.Wait(ctx, nil); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestStartWorkflowRequiresID(t *testing.T) {
	eng := New()
	ctx := context.Background()
	_ = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: "w", Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil }})
	if _, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{Workflow: "w"}); err == nil {
		t.Fatal("expected error for missing workflow id")
	}
}

func TestStartWorkflowRequiresRegistration(t *testing.T) {
	eng := New()
	ctx := context.Background()
	if _, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "x", Workflow: "missing"}); err == nil {
		t.Fatal("expected error for unregistered workflow")
	}
}
