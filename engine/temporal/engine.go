// Package temporal implements engine.Engine on top of Temporal, so a turn
// can run as a workflow that survives a process restart and resumes from
// its last recorded step instead of starting over.
//
// Grounded on runtime/agent/engine/temporal/{engine,workflow_context}.go:
// the per-queue worker bundle, the Temporal-specific WorkflowContext that
// wraps workflow.Context, and OTEL instrumentation wired in automatically
// via go.temporal.io/sdk/contrib/opentelemetry. Trimmed relative to the
// teacher's adapter: no typed planner/tool/hook activity helpers or child
// workflow routing, since this engine has no generated per-agent workflow
// registry to serve; a turn has exactly one workflow shape.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/turnkit/engine"
	"goa.design/turnkit/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, New constructs a
	// lazy client from ClientOptions.
	Client client.Client
	// ClientOptions configures a lazily-constructed client; required when
	// Client is nil.
	ClientOptions *client.Options
	// TaskQueue is the default queue used when a workflow/activity
	// definition omits one. Required.
	TaskQueue string
	// WorkerOptions configures worker concurrency/identity, forwarded to
	// worker.New.
	WorkerOptions worker.Options
	// DisableWorkerAutoStart disables starting workers automatically on the
	// first StartWorkflow call; call Worker().Start() manually instead.
	DisableWorkerAutoStart bool
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool
	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. One worker is created per distinct task queue referenced by a
// registered workflow or activity.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu      sync.Mutex
	workers map[string]*workerBundle

	workflowContexts sync.Map // runID -> *workflowContext
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: TaskQueue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.DisableTracing, opts.DisableMetrics)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: ClientOptions is required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      opts.TaskQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
	}, nil
}

// RegisterWorkflow registers def with the worker for its task queue.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid workflow definition")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		wc := newWorkflowContext(e, tctx)
		defer e.workflowContexts.Delete(wc.RunID())
		return def.Handler(wc, input)
	})
	return nil
}

// RegisterActivity registers def with the worker for its task queue.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid activity definition")
	}
	bundle, err := e.workerForQueue(def.Options.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(def.Name, func(actx context.Context, input any) (any, error) {
		if wc := e.lookupWorkflowContext(actx); wc != nil {
			actx = engine.WithWorkflowContext(actx, wc)
		}
		return def.Handler(engine.WithActivityContext(actx), input)
	})
	return nil
}

// StartWorkflow launches a new Temporal workflow execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: Workflow name is required")
	}
	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	startOpts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		startOpts.RetryPolicy = rp
	}
	run, err := e.client.ExecuteWorkflow(ctx, startOpts, req.Workflow, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Worker returns a controller that manages the lifecycle of every worker
// this engine owns. Needed only when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the Temporal client if this engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.workers[queue]; ok {
		return b, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	b := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = b
	return b, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) lookupWorkflowContext(ctx context.Context) *workflowContext {
	info := activity.GetInfo(ctx)
	if v, ok := e.workflowContexts.Load(info.WorkflowExecution.RunID); ok {
		wc, _ := v.(*workflowContext)
		return wc
	}
	return nil
}

// WorkerController starts or stops every worker an Engine manages.
type WorkerController struct{ engine *Engine }

// Start launches every worker registered so far.
func (c *WorkerController) Start() { c.engine.ensureWorkersStarted() }

// Stop gracefully stops every worker.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue     string
	worker    worker.Worker
	logger    telemetry.Logger
	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", err, telemetry.F("queue", b.queue))
			}
		}()
	})
}

func (b *workerBundle) stop() { b.worker.Stop() }

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	p := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		p.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		p.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		p.BackoffCoefficient = r.BackoffCoefficient
	}
	return p
}

func configureInstrumentation(disableTracing, disableMetrics bool) (*instrumentation, error) {
	inst := &instrumentation{}
	if !disableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !disableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	return inst, nil
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts Temporal's workflow.Context to engine.WorkflowContext.
type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	wc := &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
	e.workflowContexts.Store(wc.runID, wc)
	return wc
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }
func (w *workflowContext) RunID() string      { return w.runID }

func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(context.Background(), req)
	if err != nil {
		return err
	}
	return fut.Get(context.Background(), result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	if req.Name == "" {
		return nil, errors.New("temporal engine: activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, workflow.ActivityOptions{
		TaskQueue:           req.Queue,
		StartToCloseTimeout: req.Timeout,
		RetryPolicy:         convertRetryPolicy(req.RetryPolicy),
	})
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &future{future: fut, ctx: actx}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalReceiver{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.engine.tracer }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

type future struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *future) Get(_ context.Context, result any) error {
	return normalizeError(f.future.Get(f.ctx, result))
}

func (f *future) IsReady() bool { return f.future.IsReady() }

type signalReceiver struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalReceiver) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *signalReceiver) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

// normalizeError translates Temporal's cancellation error to context.Canceled
// so callers can classify cancellation uniformly across engine backends
// without importing the Temporal SDK's own error types.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}
