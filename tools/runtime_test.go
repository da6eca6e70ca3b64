package tools

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/item"
)

type funcHandler struct {
	mutating bool
	handle   func(ctx context.Context, inv Invocation) (ToolOutput, error)
}

func (h *funcHandler) Kind() Kind                         { return KindFunction }
func (h *funcHandler) MatchesKind(inv Invocation) bool    { return inv.Kind == KindFunction }
func (h *funcHandler) IsMutating(inv Invocation) bool     { return h.mutating }
func (h *funcHandler) Handle(ctx context.Context, inv Invocation) (ToolOutput, error) {
	return h.handle(ctx, inv)
}

func newTestRuntime(t *testing.T, specs map[string]Spec, handlers map[string]Handler) *Runtime {
	t.Helper()
	reg := NewRegistry()
	for name, spec := range specs {
		reg.Add(spec, handlers[name])
	}
	router, err := NewRouter(reg)
	require.NoError(t, err)
	return NewRuntime(router, reg)
}

func TestRuntime_UnknownTool(t *testing.T) {
	rt := newTestRuntime(t, nil, nil)
	f := rt.Dispatch(context.Background(), Invocation{CallID: "c1", Name: "nope", Kind: KindFunction}, nil)
	out, err := f.Await(context.Background())
	require.NoError(t, err)
	fco, ok := out.(item.FunctionCallOutput)
	require.True(t, ok)
	assert.False(t, fco.Success)
	assert.Contains(t, fco.Output, "unsupported tool call")
}

func TestRuntime_SerialToolsNeverOverlap(t *testing.T) {
	var running int32
	var maxConcurrent int32
	track := func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return ToolOutput{Content: "ok"}, nil
	}
	specs := map[string]Spec{
		"a": {Name: "a", Kind: KindFunction, SupportsParallel: false},
		"b": {Name: "b", Kind: KindFunction, SupportsParallel: false},
	}
	handlers := map[string]Handler{
		"a": &funcHandler{handle: track},
		"b": &funcHandler{handle: track},
	}
	rt := newTestRuntime(t, specs, handlers)

	ctx := context.Background()
	fa := rt.Dispatch(ctx, Invocation{CallID: "1", Name: "a", Kind: KindFunction}, nil)
	fb := rt.Dispatch(ctx, Invocation{CallID: "2", Name: "b", Kind: KindFunction}, nil)
	_, err := fa.Await(ctx)
	require.NoError(t, err)
	_, err = fb.Await(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxConcurrent))
}

func TestRuntime_ParallelToolsMayOverlap(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	track := func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		started <- struct{}{}
		<-release
		wg.Done()
		return ToolOutput{Content: "ok"}, nil
	}
	specs := map[string]Spec{
		"a": {Name: "a", Kind: KindFunction, SupportsParallel: true},
	}
	handlers := map[string]Handler{"a": &funcHandler{handle: track}}
	rt := newTestRuntime(t, specs, handlers)

	ctx := context.Background()
	f1 := rt.Dispatch(ctx, Invocation{CallID: "1", Name: "a", Kind: KindFunction}, nil)
	f2 := rt.Dispatch(ctx, Invocation{CallID: "2", Name: "a", Kind: KindFunction}, nil)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first start")
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("parallel-capable tools did not overlap")
	}
	close(release)
	_, err := f1.Await(ctx)
	require.NoError(t, err)
	_, err = f2.Await(ctx)
	require.NoError(t, err)
}

func TestRuntime_CancelWhileRunningYieldsAbortMessage(t *testing.T) {
	block := make(chan struct{})
	handle := func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		<-ctx.Done()
		<-block
		return ToolOutput{Content: "should not be used"}, nil
	}
	specs := map[string]Spec{"shell": {Name: "shell", Kind: KindFunction, SupportsParallel: true}}
	handlers := map[string]Handler{"shell": &funcHandler{handle: handle}}
	rt := newTestRuntime(t, specs, handlers)

	turnCtx, cancel := context.WithCancel(context.Background())
	f := rt.Dispatch(turnCtx, Invocation{CallID: "1", Name: "shell", Kind: KindFunction}, nil)
	time.Sleep(10 * time.Millisecond)
	cancel()
	out, err := f.Await(context.Background())
	require.NoError(t, err)
	close(block)
	fco, ok := out.(item.FunctionCallOutput)
	require.True(t, ok)
	assert.False(t, fco.Success)
	assert.True(t, strings.HasPrefix(fco.Output, "Wall time:"))
	assert.Contains(t, fco.Output, "aborted by user")
}

func TestAbortMessage_NonShellTool(t *testing.T) {
	msg := abortMessage("my_custom_tool", 250*time.Millisecond)
	assert.Equal(t, "aborted by user after 0.2s", msg)
}
