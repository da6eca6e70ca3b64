package turn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

// fakeStream replays a fixed event queue, then blocks on ctx.Done() once
// exhausted (simulating a provider that keeps the connection open) unless
// tailErr is set, in which case it returns tailErr once the queue drains.
type fakeStream struct {
	mu      sync.Mutex
	events  []sse.Event
	tailErr error
}

func (s *fakeStream) Next(ctx context.Context) (sse.Event, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		e := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()
	if s.tailErr != nil {
		return nil, s.tailErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeStream) Close() error { return nil }

// fakeClient is a minimal model.Client that yields one fakeStream per call
// (or an open error) and a canned Compact result.
type fakeClient struct {
	streams    []func() (model.ResponseStream, error)
	compactOut []item.Item
	compactErr error
}

func (c *fakeClient) Stream(ctx context.Context, prompt model.Prompt) (model.ResponseStream, error) {
	if len(c.streams) == 0 {
		return nil, &sse.Error{Kind: sse.ErrStream, Message: "no more fake streams queued"}
	}
	next := c.streams[0]
	c.streams = c.streams[1:]
	return next()
}

func (c *fakeClient) Compact(ctx context.Context, prompt model.Prompt) ([]item.Item, error) {
	return c.compactOut, c.compactErr
}

func (c *fakeClient) WireProtocol() model.WireProtocol { return model.WireResponses }

func streamOf(events ...sse.Event) func() (model.ResponseStream, error) {
	return func() (model.ResponseStream, error) { return &fakeStream{events: events}, nil }
}

func streamOfWithTail(tailErr error, events ...sse.Event) func() (model.ResponseStream, error) {
	return func() (model.ResponseStream, error) { return &fakeStream{events: events, tailErr: tailErr}, nil }
}

// recordingSubscriber captures every published event in order.
type recordingSubscriber struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recordingSubscriber) HandleEvent(ctx context.Context, e hooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSubscriber) snapshot() []hooks.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.Event(nil), r.events...)
}

func newTestBus() (hooks.Bus, *recordingSubscriber) {
	bus := hooks.NewBus()
	rec := &recordingSubscriber{}
	_, _ = bus.Register(rec)
	return bus, rec
}

func msg(id, text string) item.AssistantMessage {
	return item.AssistantMessage{ID: id, Content: []item.Chunk{{Type: item.ChunkOutputText, Text: text}}}
}

func newDriver(client model.Client, registry *tools.Registry) *Driver {
	router, err := tools.NewRouter(registry)
	if err != nil {
		panic(err)
	}
	return &Driver{
		Client:            client,
		ToolsRegistry:     registry,
		ToolsRuntime:      tools.NewRuntime(router, registry),
		ParallelToolCalls: true,
		StreamRetryBudget: 2,
		RetryBaseDelay:    time.Millisecond,
	}
}

// Scenario 1 (spec §8): happy-path message.
func TestRunTask_HappyPathMessage(t *testing.T) {
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(
			sse.OutputItemDone{Item: msg("m1", "Hello")},
			sse.OutputItemDone{Item: msg("m2", "World")},
			sse.Completed{ResponseID: "resp1"},
		),
	}}
	d := newDriver(client, tools.NewRegistry())
	sess := session.New(session.Configuration{})
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()

	err := d.RunTask(context.Background(), sess, w, bus, "1", []item.Item{item.UserMessage{ID: "u1"}})
	require.NoError(t, err)

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, "u1", history[0].ItemID())
	assert.Equal(t, "m1", history[1].ItemID())
	assert.Equal(t, "m2", history[2].ItemID())

	var gotCompleted bool
	for _, e := range rec.snapshot() {
		if e.Type == hooks.EventTaskStarted {
			gotCompleted = true // TaskStarted observed, sanity check events flowed at all
		}
	}
	assert.True(t, gotCompleted)
}

// Scenario 2 (spec §8): stream closes before response.completed.
func TestRunTask_MissingCompletion(t *testing.T) {
	streamErr := &sse.Error{Kind: sse.ErrStream, Message: "stream closed before response.completed"}
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOfWithTail(streamErr, sse.OutputItemDone{Item: msg("m1", "partial")}),
		streamOfWithTail(streamErr, sse.OutputItemDone{Item: msg("m1", "partial")}),
		streamOfWithTail(streamErr, sse.OutputItemDone{Item: msg("m1", "partial")}),
	}}
	d := newDriver(client, tools.NewRegistry())
	sess := session.New(session.Configuration{})
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()

	err := d.RunTask(context.Background(), sess, w, bus, "1", nil)
	require.Error(t, err)
	var se *sse.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sse.ErrStream, se.Kind)

	var errorCount, abortCount int
	for _, e := range rec.snapshot() {
		switch e.Type {
		case hooks.EventError:
			errorCount++
			assert.Contains(t, e.Error.Message, "stream closed before response.completed")
		case hooks.EventTurnAborted:
			abortCount++
		}
	}
	assert.Equal(t, 1, errorCount, "exactly one Error event per terminal failure")
	assert.Equal(t, 0, abortCount, "non-abort failures emit no TurnAborted")
}

// Scenario 4 (spec §8): fatal context window exceeded marks tokens full.
func TestRunTask_FatalContextWindow(t *testing.T) {
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOfWithTail(&sse.Error{Kind: sse.ErrContextWindowExceeded, Message: "too many tokens"}),
	}}
	d := newDriver(client, tools.NewRegistry())
	sess := session.New(session.Configuration{})
	sess.RecordTurnUsage(sse.TokenUsage{TotalTokens: 10}, 1000)
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()

	err := d.RunTask(context.Background(), sess, w, bus, "1", nil)
	require.Error(t, err)
	var se *sse.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sse.ErrContextWindowExceeded, se.Kind)
	assert.Equal(t, 1000, sess.TokenUsage().TotalTokens())

	var errorCount int
	for _, e := range rec.snapshot() {
		if e.Type == hooks.EventError {
			errorCount++
		}
		assert.NotEqual(t, hooks.EventTurnAborted, e.Type)
	}
	assert.Equal(t, 1, errorCount)
}

// Scenario 5 (spec §8): parallel tool calls never overlap when one is
// serial; outputs are drained in submission order A, B regardless of which
// handler finishes first.
func TestRunTask_ParallelAndSerialTools(t *testing.T) {
	var active, maxActive atomic.Int32
	track := func() func() {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		return func() { active.Add(-1) }
	}

	bFinished := make(chan struct{})
	registry := tools.NewRegistry()
	registry.Add(tools.Spec{Name: "toolA", Kind: tools.KindFunction, SupportsParallel: true}, fakeHandler{
		kind: tools.KindFunction,
		handle: func(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error) {
			done := track()
			defer done()
			// Serial toolB cannot start while toolA runs, so when toolA
			// takes the gate first it stops waiting after a short bound.
			select {
			case <-bFinished:
			case <-time.After(50 * time.Millisecond):
			}
			return tools.ToolOutput{Content: "A done"}, nil
		},
	})
	registry.Add(tools.Spec{Name: "toolB", Kind: tools.KindFunction, SupportsParallel: false}, fakeHandler{
		kind: tools.KindFunction,
		handle: func(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error) {
			done := track()
			defer done()
			close(bFinished)
			return tools.ToolOutput{Content: "B done"}, nil
		},
	})

	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		streamOf(
			sse.OutputItemDone{Item: item.FunctionCall{ID: "c1", CallID: "call-A", Name: "toolA"}},
			sse.OutputItemDone{Item: item.FunctionCall{ID: "c2", CallID: "call-B", Name: "toolB"}},
			sse.Completed{ResponseID: "resp1"},
		),
	}}
	d := newDriver(client, registry)
	sess := session.New(session.Configuration{})
	w := rollout.NewMemoryStore()
	bus, _ := newTestBus()

	err := d.RunTask(context.Background(), sess, w, bus, "1", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxActive.Load(), int32(1), "serial tool B must never overlap toolA")

	var outputOrder []string
	for _, it := range sess.History() {
		if out, ok := it.(item.FunctionCallOutput); ok {
			outputOrder = append(outputOrder, out.CallID)
		}
	}
	require.Len(t, outputOrder, 2)
	assert.Equal(t, []string{"call-A", "call-B"}, outputOrder)
}

// Scenario 6 (spec §8): interrupting mid-turn resolves the in-flight tool to
// an aborted-by-user output and emits exactly one TurnAborted{Interrupted},
// with no additional Error event.
func TestRunTask_InterruptMidTurn(t *testing.T) {
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
		streamOf(sse.OutputItemDone{Item: item.LocalShellCall{ID: "c1", CallID: "call-1", Command: []string{"echo", "hi"}}}),
	}}
	d := newDriver(client, registry)
	sess := session.New(session.Configuration{})
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.RunTask(context.Background(), sess, w, bus, "1", nil)
	}()

	select {
	case <-toolStarted:
	case <-time.After(time.Second):
		t.Fatal("tool never started")
	}
	sess.Interrupt()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("RunTask never returned after interrupt")
	}
	require.Error(t, err)

	var output *item.FunctionCallOutput
	for _, it := range sess.History() {
		if out, ok := it.(item.FunctionCallOutput); ok {
			o := out
			output = &o
		}
	}
	require.NotNil(t, output)
	assert.Contains(t, output.Output, "aborted by user")
	assert.False(t, output.Success)

	var abortEvents []hooks.Event
	var errorEvents int
	for _, e := range rec.snapshot() {
		if e.Type == hooks.EventTurnAborted {
			abortEvents = append(abortEvents, e)
		}
		if e.Type == hooks.EventError {
			errorEvents++
		}
	}
	require.Len(t, abortEvents, 1)
	assert.Equal(t, hooks.AbortedInterrupted, abortEvents[0].TurnAborted.Reason)
	assert.Equal(t, 0, errorEvents)
}

// fakeHandler adapts a function to tools.Handler for tests.
type fakeHandler struct {
	kind     tools.Kind
	mutating bool
	handle   func(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error)
}

func (h fakeHandler) Kind() tools.Kind                          { return h.kind }
func (h fakeHandler) MatchesKind(inv tools.Invocation) bool     { return inv.Kind == h.kind }
func (h fakeHandler) IsMutating(inv tools.Invocation) bool      { return h.mutating }
func (h fakeHandler) Handle(ctx context.Context, inv tools.Invocation) (tools.ToolOutput, error) {
	return h.handle(ctx, inv)
}

// Usage-limit exhaustion terminates the turn after stashing the rate-limit
// snapshot riding on the error.
func TestRunTask_UsageLimitReachedStashesRateLimits(t *testing.T) {
	credits := 0.0
	plan := "plus"
	snap := sse.RateLimitSnapshot{RequestsRemaining: 0, RequestsLimit: 50, Credits: &credits, PlanType: &plan}
	client := &fakeClient{streams: []func() (model.ResponseStream, error){
		func() (model.ResponseStream, error) {
			return nil, &sse.Error{Kind: sse.ErrUsageLimitReached, Message: "usage limit reached", RateLimits: &snap}
		},
	}}
	d := newDriver(client, tools.NewRegistry())
	sess := session.New(session.Configuration{})
	w := rollout.NewMemoryStore()
	bus, rec := newTestBus()

	err := d.RunTask(context.Background(), sess, w, bus, "1", nil)
	require.Error(t, err)
	var se *sse.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sse.ErrUsageLimitReached, se.Kind)

	got := sess.RateLimits()
	assert.Equal(t, 50, got.RequestsLimit)
	require.NotNil(t, got.PlanType)
	assert.Equal(t, "plus", *got.PlanType)

	var errorCount int
	for _, e := range rec.snapshot() {
		if e.Type == hooks.EventError {
			errorCount++
		}
		assert.NotEqual(t, hooks.EventTurnAborted, e.Type)
	}
	assert.Equal(t, 1, errorCount)
}
