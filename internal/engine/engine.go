package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/conduit/internal/broker"
	"github.com/seantiz/conduit/internal/client"
	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/monitor"
	"github.com/seantiz/conduit/internal/store"
)

// AllWorkflows is the broker topic that receives updates for every workflow.
const AllWorkflows = "*"

// Planner is the part of the remote service a workflow talks to.
type Planner interface {
	CreatePlan(ctx context.Context, req client.PlanRequest) (*model.Plan, error)
	StartExecution(ctx context.Context, planID, mode string, params map[string]any) (*model.ExecutionHandle, error)
	monitor.StatusSource
}

// Enqueuer accepts result commands for dispatch.
type Enqueuer interface {
	Enqueue(cmd model.Command) (model.PendingCommand, error)
}

// SnapshotRecorder persists observed execution statuses.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, s store.Snapshot) error
}

// WorkflowRequest describes a workflow to run.
type WorkflowRequest struct {
	Description string             `json:"description"`
	Priority    model.Priority     `json:"priority,omitempty"`
	Mode        string             `json:"mode,omitempty"`
	Constraints *model.Constraints `json:"constraints,omitempty"`
	Parameters  map[string]any     `json:"parameters,omitempty"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSnapshotRecorder records every monitored status to r.
func WithSnapshotRecorder(r SnapshotRecorder) Option {
	return func(e *Engine) { e.snapshots = r }
}

// WithMonitorOptions applies opts to the monitor of every workflow.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(e *Engine) { e.monitorOpts = append(e.monitorOpts, opts...) }
}

// Engine orchestrates asynchronous workflow runs.
type Engine struct {
	planner     Planner
	queue       Enqueuer
	snapshots   SnapshotRecorder
	monitorOpts []monitor.Option
	logger      *slog.Logger
	broker      *broker.Broker[model.Workflow]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	workflows map[string]*model.Workflow
	closed    bool
}

// New creates a workflow engine. Result commands go to q.
func New(p Planner, q Enqueuer, logger *slog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		planner:   p,
		queue:     q,
		logger:    logger,
		broker:    broker.New[model.Workflow](0),
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[string]*model.Workflow),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the broker that carries workflow snapshots, keyed by
// workflow id and by AllWorkflows.
func (e *Engine) Broker() *broker.Broker[model.Workflow] {
	return e.broker
}

// Submit validates req, records a pending workflow and launches it in a
// goroutine. The returned snapshot is taken before the goroutine starts.
// The workflow outlives ctx; Close cancels it.
func (e *Engine) Submit(ctx context.Context, req WorkflowRequest) (*model.Workflow, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, errdefs.Invalid("description", "must not be empty")
	}
	priority := cmp.Or(req.Priority, model.PriorityNormal)
	if !model.ValidPriority(priority) {
		return nil, errdefs.Invalid("priority", "unknown value %q", priority)
	}
	mode := cmp.Or(req.Mode, model.ModeAutomatic)
	if !model.ValidMode(mode) {
		return nil, errdefs.Invalid("mode", "unknown value %q", mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &model.Workflow{
		ID:          model.NewID(),
		Description: desc,
		Priority:    string(priority),
		Mode:        mode,
		Status:      model.WorkflowPending,
		CreatedAt:   time.Now().UTC(),
	}
	req.Description = desc
	req.Priority = priority
	req.Mode = mode

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("submit workflow: %w", errdefs.ErrClosed)
	}
	e.workflows[w.ID] = w
	snap := w.Clone()
	e.publish(snap)
	workflowsActive.Inc()
	e.wg.Go(func() {
		e.run(w.ID, req)
	})
	e.mu.Unlock()

	e.logger.Info("workflow submitted", "workflow_id", w.ID, "priority", priority, "mode", mode)
	return &snap, nil
}

// Get returns a snapshot of the workflow with the given id.
func (e *Engine) Get(id string) (*model.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
	}
	snap := w.Clone()
	return &snap, nil
}

// List returns snapshots of every workflow, oldest first.
func (e *Engine) List() []model.Workflow {
	e.mu.Lock()
	out := make([]model.Workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		out = append(out, w.Clone())
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Workflow) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Trim forgets the oldest finished workflows until at most keep remain,
// along with their event topics. Workflows still running, or whose topic
// has not closed yet, are kept. It returns the number removed.
func (e *Engine) Trim(keep int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var done []*model.Workflow
	for id, w := range e.workflows {
		if model.WorkflowTerminal(w.Status) && e.broker.Closed(id) {
			done = append(done, w)
		}
	}
	drop := len(done) - max(keep, 0)
	if drop <= 0 {
		return 0
	}
	slices.SortFunc(done, func(a, b *model.Workflow) int {
		return cmp.Or(a.FinishedAt.Compare(*b.FinishedAt), cmp.Compare(a.ID, b.ID))
	})
	for _, w := range done[:drop] {
		delete(e.workflows, w.ID)
		e.broker.Forget(w.ID)
	}
	return drop
}

// Wait blocks until all in-flight workflows finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close rejects new workflows, cancels running ones and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// run drives one workflow: pending -> planning -> executing -> completed or
// failed.
func (e *Engine) run(id string, req WorkflowRequest) {
	defer workflowsActive.Dec()
	defer e.broker.Close(id)

	logger := e.logger.With("workflow_id", id)
	ctx := e.ctx

	if err := e.transition(id, model.WorkflowPlanning, nil); err != nil {
		logger.Error("failed to start planning", "error", err)
		return
	}

	plan, err := e.planner.CreatePlan(ctx, client.PlanRequest{
		Description: req.Description,
		Priority:    req.Priority,
		Constraints: req.Constraints,
	})
	if err != nil {
		e.fail(logger, id, "create plan", err, "")
		return
	}
	e.update(id, func(w *model.Workflow) { w.PlanID = plan.ID })
	logger.Info("plan created", "plan_id", plan.ID, "steps", len(plan.Steps), "approval_steps", len(plan.ApprovalSteps()))

	handle, err := e.planner.StartExecution(ctx, plan.ID, req.Mode, req.Parameters)
	if err != nil {
		e.fail(logger, id, "start execution", err, "")
		return
	}
	if err := e.transition(id, model.WorkflowExecuting, func(w *model.Workflow) {
		w.ExecutionID = handle.ExecutionID
	}); err != nil {
		logger.Error("failed to enter executing", "error", err)
		return
	}

	opts := append(slices.Clone(e.monitorOpts),
		monitor.WithUpdateHook(func(s monitor.State) { e.observe(logger, id, s) }),
		monitor.WithApprovalHandler(monitor.ApprovalFunc(func(_ context.Context, _ string, a model.ApprovalRequest) {
			e.awaitApproval(logger, id, a)
		})),
		monitor.WithResultHandler(monitor.ResultFunc(func(_ context.Context, _ string, res model.ExecutionResults) error {
			return e.forward(logger, id, res)
		})),
	)
	m := monitor.New(e.planner, logger, opts...)

	out, err := m.Run(ctx, handle.ExecutionID)
	if err != nil {
		e.fail(logger, id, "monitor execution", err, out.Error)
		return
	}

	if err := e.transition(id, model.WorkflowCompleted, func(w *model.Workflow) {
		w.Progress = 100
		w.AwaitingApproval = false
		w.Approval = nil
	}); err != nil {
		logger.Error("failed to complete workflow", "error", err)
		return
	}
	logger.Info("workflow completed", "execution_id", handle.ExecutionID, "polls", out.Polls)
}

// observe mirrors a monitor poll into the workflow and records a snapshot.
func (e *Engine) observe(logger *slog.Logger, id string, s monitor.State) {
	e.update(id, func(w *model.Workflow) {
		w.Progress = s.Progress
		w.CurrentStep = s.CurrentStep
		w.AwaitingApproval = s.RequiresApproval
		if !s.RequiresApproval {
			w.Approval = nil
		}
	})

	if e.snapshots == nil {
		return
	}
	snap := store.Snapshot{
		ExecutionID:      s.ExecutionID,
		WorkflowID:       id,
		Status:           s.Status,
		Progress:         s.Progress,
		CurrentStep:      s.CurrentStep,
		RequiresApproval: s.RequiresApproval,
		RecordedAt:       s.UpdatedAt,
	}
	if err := e.snapshots.RecordSnapshot(context.WithoutCancel(e.ctx), snap); err != nil {
		logger.Error("failed to record execution snapshot", "execution_id", s.ExecutionID, "error", err)
	}
}

func (e *Engine) awaitApproval(logger *slog.Logger, id string, a model.ApprovalRequest) {
	logger.Info("workflow awaiting approval", "approval_id", a.ID, "description", a.Description)
	e.update(id, func(w *model.Workflow) {
		w.AwaitingApproval = true
		w.Approval = &a
	})
}

// forward enqueues the result commands of a completed execution and keeps
// its calculations and documentation on the workflow.
func (e *Engine) forward(logger *slog.Logger, id string, res model.ExecutionResults) error {
	var queued []string
	var errs []error
	for _, cmd := range res.Commands {
		pc, err := e.queue.Enqueue(cmd)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", cmd.Kind(), err))
			continue
		}
		queued = append(queued, pc.ID)
		commandsForwarded.Inc()
	}

	e.update(id, func(w *model.Workflow) {
		w.QueuedCommands = append(w.QueuedCommands, queued...)
		w.Calculations = append(w.Calculations, res.Calculations...)
		if res.Documentation != nil {
			d := *res.Documentation
			w.Documentation = &d
		}
	})
	logger.Info("forwarded result commands", "queued", len(queued), "failed", len(errs))
	return errors.Join(errs...)
}

// transition moves workflow id to status, applying fn under the same lock.
func (e *Engine) transition(id, status string, fn func(*model.Workflow)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
	}
	if !model.ValidWorkflowTransition(w.Status, status) {
		return fmt.Errorf("%w: workflow %s %s -> %s", errdefs.ErrInvalidTransition, id, w.Status, status)
	}
	w.Status = status
	if fn != nil {
		fn(w)
	}
	if model.WorkflowTerminal(status) {
		now := time.Now().UTC()
		w.FinishedAt = &now
		workflowsFinished.WithLabelValues(status).Inc()
	}
	e.publish(w.Clone())
	return nil
}

// update applies fn to a non-terminal workflow and publishes the result.
func (e *Engine) update(id string, fn func(*model.Workflow)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[id]
	if !ok || model.WorkflowTerminal(w.Status) {
		return
	}
	fn(w)
	e.publish(w.Clone())
}

// fail marks the workflow failed. detail, when set, replaces the generic
// user message derived from err.
func (e *Engine) fail(logger *slog.Logger, id, stage string, err error, detail string) {
	msg := cmp.Or(detail, errdefs.UserMessage(err))
	logger.Error("workflow failed", "stage", stage, "error", err)
	if terr := e.transition(id, model.WorkflowFailed, func(w *model.Workflow) {
		w.Error = msg
		w.AwaitingApproval = false
		w.Approval = nil
	}); terr != nil {
		logger.Error("failed to mark workflow failed", "error", terr)
	}
}

// publish sends snap to its own topic and to AllWorkflows. Callers hold e.mu
// so that subscribers see updates in order.
func (e *Engine) publish(snap model.Workflow) {
	e.broker.Publish(snap.ID, snap)
	e.broker.Publish(AllWorkflows, snap)
}
