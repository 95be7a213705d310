package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triflow/triflow/internal/actions"
	"github.com/triflow/triflow/internal/deploy"
	"github.com/triflow/triflow/internal/expressions"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/internal/streaming"
	"github.com/triflow/triflow/internal/validation"
	"github.com/triflow/triflow/pkg/schema"
)

// Telemetry receives execution signals. The metrics package provides the
// production implementation; a no-op stands in when none is wired.
type Telemetry interface {
	InstanceFinished(workflowID string, status schema.InstanceStatus, duration time.Duration)
	NodeExecuted(nodeType schema.NodeType, status schema.NodeStatus, duration time.Duration)
}

type nopTelemetry struct{}

func (nopTelemetry) InstanceFinished(string, schema.InstanceStatus, time.Duration) {}
func (nopTelemetry) NodeExecuted(schema.NodeType, schema.NodeStatus, time.Duration) {}

// Executor drives workflow instances through their lifecycle. One Executor
// serves many concurrent instances; each live instance is tracked by an
// instanceRun until it reaches a terminal status.
type Executor struct {
	store     store.Store
	log       *store.EventLog
	fsm       *InstanceFSM
	registry  *actions.Registry
	evaluator *rules.Evaluator
	deploys   *deploy.Manager
	monitor   *deploy.CanaryMonitor
	validator *validation.WorkflowValidator
	cond      *expressions.CELEngine
	interp    *expressions.Interpolator
	notifier  actions.Notifier
	logger    *slog.Logger
	telemetry Telemetry
	hub       streaming.EventHub

	parallelism int

	mu   sync.Mutex
	runs map[string]*instanceRun
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

func WithTelemetry(t Telemetry) ExecutorOption {
	return func(e *Executor) { e.telemetry = t }
}

func WithNotifier(n actions.Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// SetNotifier replaces the notifier used for approval and alert pushes.
// Transports that can reach operators (e.g. an MCP session) come up after
// the executor is built; call this before starting instances.
func (e *Executor) SetNotifier(n actions.Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// WithEventHub mirrors every recorded audit event onto the hub so live
// subscribers can follow instances without polling.
func WithEventHub(h streaming.EventHub) ExecutorOption {
	return func(e *Executor) { e.hub = h }
}

// WithParallelism bounds the number of concurrent branches a single
// parallel node may run.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// ExecutorDeps carries the collaborators an Executor needs.
type ExecutorDeps struct {
	Store     store.Store
	Registry  *actions.Registry
	Evaluator *rules.Evaluator
	Deploys   *deploy.Manager
	Monitor   *deploy.CanaryMonitor
	Logger    *slog.Logger
}

// NewExecutor wires an Executor. Store, Registry and Evaluator are
// required; Deploys and Monitor may be nil when no rule deployments are
// managed by workflows.
func NewExecutor(deps ExecutorDeps, opts ...ExecutorOption) (*Executor, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Evaluator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires store, registry and evaluator")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cond, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(deps.Registry)
	if err != nil {
		return nil, err
	}
	log := store.NewEventLog(deps.Store)
	e := &Executor{
		store:       deps.Store,
		log:         log,
		fsm:         NewInstanceFSM(log),
		registry:    deps.Registry,
		evaluator:   deps.Evaluator,
		deploys:     deps.Deploys,
		monitor:     deps.Monitor,
		validator:   validator,
		cond:        cond,
		interp:      expressions.NewInterpolator(),
		notifier:    &actions.LogNotifier{Logger: deps.Logger},
		logger:      deps.Logger,
		telemetry:   nopTelemetry{},
		parallelism: 8,
		runs:        make(map[string]*instanceRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hub != nil {
		log.OnRecord(func(ctx context.Context, ev *store.Event) {
			var payload any
			if len(ev.Payload) > 0 {
				_ = json.Unmarshal(ev.Payload, &payload)
			}
			_ = e.hub.Publish(ctx, streaming.StreamEvent{
				InstanceID: ev.InstanceID,
				NodeID:     ev.NodeID,
				TenantID:   ev.TenantID,
				EventType:  ev.Type,
				Payload:    payload,
			})
		})
	}
	return e, nil
}

// instanceRun is the in-memory state of one live instance.
type instanceRun struct {
	inst   *store.Instance
	scope  *expressions.Scope
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards completed, inst.CurrentNode, approvals and waits.
	// Parallel branches execute on pool goroutines against the same
	// run, and loop clones share the pointer so Approve/DeliverEvent
	// lookups through the registry stay synchronized with the clone.
	mu        *sync.Mutex
	completed map[string]bool
	approvals map[string]chan approvalDecision // approval ID -> decision
	waits     map[string]chan map[string]any   // event type -> payload
}

// markCompleted records a finished node under the run lock.
func (r *instanceRun) markCompleted(nodeID string) {
	r.mu.Lock()
	r.completed[nodeID] = true
	r.mu.Unlock()
}

// isCompleted reports whether a node already finished in this run.
func (r *instanceRun) isCompleted(nodeID string) bool {
	r.mu.Lock()
	done := r.completed[nodeID]
	r.mu.Unlock()
	return done
}

func (r *instanceRun) setCurrentNode(nodeID string) {
	r.mu.Lock()
	r.inst.CurrentNode = nodeID
	r.mu.Unlock()
}

func (r *instanceRun) currentNode() string {
	r.mu.Lock()
	node := r.inst.CurrentNode
	r.mu.Unlock()
	return node
}

type approvalDecision struct {
	approved   bool
	resolvedBy string
	comment    string
}

// errChainStopped signals that a condition gate evaluated false and the
// rest of the current sequential chain must be skipped without failing
// the instance.
var errChainStopped = errors.New("chain stopped by condition gate")

// errApprovalTimedOut marks an approval deadline expiry; the run maps it
// to the timeout terminal status.
var errApprovalTimedOut = errors.New("approval timed out")

// Start validates the trigger input, creates a new instance and begins
// executing it in the background. The returned instance is in pending or
// running state; use WaitUntilDone or Status to observe progress.
func (e *Executor) Start(ctx context.Context, workflowID string, input map[string]any, tenantID string) (*store.Instance, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", workflowID)
	}
	if len(wf.Definition.InputSchema) > 0 {
		if err := e.validator.ValidateInput(input, wf.Definition.InputSchema); err != nil {
			return nil, err
		}
	}

	inst := &store.Instance{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        tenantID,
		Status:          schema.InstanceStatusPending,
		Context:         input,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.launch(inst, &wf.Definition, nil)
	return inst, nil
}

// Resume restarts a non-terminal instance after a crash. The event log is
// replayed to recover which nodes already completed; execution picks up
// from the first unfinished node.
func (e *Executor) Resume(ctx context.Context, instanceID string) (*store.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %q is already %s", instanceID, inst.Status)
	}
	if e.activeRun(instanceID) != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "instance %q is already running", instanceID)
	}

	wf, err := e.store.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	traces, err := e.log.Replay(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool, len(traces))
	for nodeID, trace := range traces {
		if trace.Status == schema.NodeStatusCompleted || trace.Status == schema.NodeStatusSkipped {
			completed[nodeID] = true
		}
	}

	e.launch(inst, &wf.Definition, completed)
	return inst, nil
}

// launch registers an instanceRun and starts the run goroutine.
func (e *Executor) launch(inst *store.Instance, def *schema.WorkflowDefinition, completed map[string]bool) {
	if completed == nil {
		completed = make(map[string]bool)
	}
	seed := inst.Context
	if seed == nil {
		seed = make(map[string]any)
	}
	// The trigger payload stays addressable as input.* even after node
	// outputs land under their own keys. Resume re-enters with the alias
	// already persisted in the context.
	if _, ok := seed["input"]; !ok {
		payload := make(map[string]any, len(seed))
		for k, v := range seed {
			payload[k] = v
		}
		seed["input"] = payload
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &instanceRun{
		inst:      inst,
		scope:     expressions.NewScope(seed),
		cancel:    cancel,
		done:      make(chan struct{}),
		mu:        &sync.Mutex{},
		completed: completed,
		approvals: make(map[string]chan approvalDecision),
		waits:     make(map[string]chan map[string]any),
	}

	e.mu.Lock()
	e.runs[inst.ID] = run
	e.mu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			e.mu.Lock()
			delete(e.runs, inst.ID)
			e.mu.Unlock()
		}()
		e.run(runCtx, run, def)
	}()
}

// run executes the instance to a terminal status.
func (e *Executor) run(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition) {
	inst := run.inst
	started := time.Now()

	if inst.Status == schema.InstanceStatusPending {
		if err := e.transition(ctx, run, schema.InstanceStatusRunning); err != nil {
			e.logger.ErrorContext(ctx, "instance start failed", "instance_id", inst.ID, "error", err)
			return
		}
		now := time.Now().UTC()
		e.persistInstance(ctx, run, store.InstanceUpdate{StartedAt: &now})
	} else if inst.Status == schema.InstanceStatusWaiting {
		if err := e.transition(ctx, run, schema.InstanceStatusRunning); err != nil {
			e.logger.ErrorContext(ctx, "instance resume failed", "instance_id", inst.ID, "error", err)
			return
		}
		e.persistInstance(ctx, run, store.InstanceUpdate{})
	}

	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	err := e.runSequence(ctx, run, def, def.Nodes)
	if err != nil && errors.Is(err, errChainStopped) {
		err = nil
	}

	var final schema.InstanceStatus
	var lastError string
	switch {
	case err == nil:
		final = schema.InstanceStatusCompleted
	case errors.Is(err, errApprovalTimedOut):
		final = schema.InstanceStatusTimeout
		lastError = "approval_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		final = schema.InstanceStatusTimeout
		lastError = "workflow_timeout"
	case errors.Is(err, context.Canceled):
		final = schema.InstanceStatusCancelled
		lastError = "cancelled"
	default:
		final = schema.InstanceStatusFailed
		lastError = err.Error()
	}

	e.finish(run, final, lastError)
	e.telemetry.InstanceFinished(inst.WorkflowID, final, time.Since(started))
}

// finish moves the instance to its terminal status. Uses a fresh context:
// the run context may already be cancelled or past its deadline.
func (e *Executor) finish(run *instanceRun, final schema.InstanceStatus, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.transition(ctx, run, final); err != nil {
		e.logger.ErrorContext(ctx, "terminal transition failed",
			"instance_id", run.inst.ID, "to", final, "error", err)
		return
	}
	now := time.Now().UTC()
	update := store.InstanceUpdate{CompletedAt: &now}
	if lastError != "" {
		update.LastError = &lastError
	}
	e.persistInstance(ctx, run, update)

	level := slog.LevelInfo
	if final != schema.InstanceStatusCompleted {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "instance finished",
		"instance_id", run.inst.ID, "workflow_id", run.inst.WorkflowID,
		"status", final, "last_error", lastError)
}

// transition runs the FSM move and persists the new status.
func (e *Executor) transition(ctx context.Context, run *instanceRun, to schema.InstanceStatus) error {
	if err := e.fsm.Transition(ctx, run.inst, to); err != nil {
		return err
	}
	status := run.inst.Status
	return e.store.UpdateInstance(ctx, run.inst.ID, store.InstanceUpdate{Status: &status})
}

// persistInstance writes the run's current context and position.
func (e *Executor) persistInstance(ctx context.Context, run *instanceRun, update store.InstanceUpdate) {
	update.Context = run.scope.Snapshot()
	if node := run.currentNode(); node != "" {
		update.CurrentNode = &node
	}
	if err := e.store.UpdateInstance(ctx, run.inst.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "instance update failed", "instance_id", run.inst.ID, "error", err)
	}
}

// Cancel stops a live instance, or marks a suspended one cancelled when
// no run goroutine is active.
func (e *Executor) Cancel(ctx context.Context, instanceID string) error {
	if run := e.activeRun(instanceID); run != nil {
		run.cancel()
		return nil
	}

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %q is already %s", instanceID, inst.Status)
	}
	if err := e.fsm.Transition(ctx, inst, schema.InstanceStatusCancelled); err != nil {
		return err
	}
	status := inst.Status
	now := time.Now().UTC()
	reason := "cancelled"
	return e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:      &status,
		LastError:   &reason,
		CompletedAt: &now,
	})
}

// Approve resolves a pending approval request and unblocks the suspended
// instance if it is live in this process.
func (e *Executor) Approve(ctx context.Context, approvalID string, approved bool, resolvedBy, comment string) error {
	ar, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	status := store.ApprovalStatusApproved
	if !approved {
		status = store.ApprovalStatusRejected
	}
	if err := e.store.ResolveApproval(ctx, approvalID, status, resolvedBy, comment); err != nil {
		return err
	}

	if run := e.activeRun(ar.InstanceID); run != nil {
		run.mu.Lock()
		ch, ok := run.approvals[approvalID]
		run.mu.Unlock()
		if ok {
			select {
			case ch <- approvalDecision{approved: approved, resolvedBy: resolvedBy, comment: comment}:
			default:
			}
		}
	}
	return nil
}

// DeliverEvent feeds an external event to an instance blocked on an
// event-type wait node. Unmatched events are dropped.
func (e *Executor) DeliverEvent(ctx context.Context, instanceID, eventType string, payload map[string]any) error {
	run := e.activeRun(instanceID)
	if run == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %q has no live run", instanceID)
	}
	run.mu.Lock()
	ch, ok := run.waits[eventType]
	run.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"instance %q is not waiting for event %q", instanceID, eventType)
	}
	select {
	case ch <- payload:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"event %q already delivered to instance %q", eventType, instanceID)
	}
}

// InstanceView combines the instance record with its node traces.
type InstanceView struct {
	Instance *store.Instance    `json:"instance"`
	Nodes    []*store.NodeTrace `json:"nodes"`
}

// Status reports the stored state of an instance.
func (e *Executor) Status(ctx context.Context, instanceID string) (*InstanceView, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	traces, err := e.store.ListNodeTraces(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceView{Instance: inst, Nodes: traces}, nil
}

// WaitUntilDone blocks until the instance's run goroutine exits or the
// context expires, then returns the stored instance.
func (e *Executor) WaitUntilDone(ctx context.Context, instanceID string) (*store.Instance, error) {
	if run := e.activeRun(instanceID); run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetInstance(ctx, instanceID)
}

func (e *Executor) activeRun(instanceID string) *instanceRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[instanceID]
}

// IsLive reports whether the instance has an active run goroutine in this
// process. The approval sweep uses it to leave in-process deadline timers
// alone.
func (e *Executor) IsLive(instanceID string) bool {
	return e.activeRun(instanceID) != nil
}

// routingKey picks the canary bucketing key for judgment nodes: an explicit
// routing_key variable when present, the instance ID otherwise.
func routingKey(run *instanceRun) string {
	if v, ok := run.scope.Get("routing_key"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return run.inst.ID
}
