// Package monitor polls a remote execution until it reaches a terminal
// status, mirroring each observation into a local state machine.
//
// Status moves pending -> in_progress -> completed | failed. The approval
// gate is orthogonal: while in_progress the remote may ask for human review,
// which is surfaced once per distinct approval and does not pause polling.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
)

// Defaults for Monitor.
const (
	DefaultInterval = time.Second
	DefaultTimeout  = 30 * time.Minute
)

// StatusSource fetches the current status of an execution.
type StatusSource interface {
	GetStatus(ctx context.Context, executionID string) (*model.ExecutionStatus, error)
}

// ApprovalHandler is told when an execution waits for human review.
type ApprovalHandler interface {
	ApprovalRequired(ctx context.Context, executionID string, approval model.ApprovalRequest)
}

// ApprovalFunc adapts a function to ApprovalHandler.
type ApprovalFunc func(ctx context.Context, executionID string, approval model.ApprovalRequest)

func (f ApprovalFunc) ApprovalRequired(ctx context.Context, executionID string, approval model.ApprovalRequest) {
	f(ctx, executionID, approval)
}

// ResultHandler receives the results of a completed execution.
type ResultHandler interface {
	HandleResults(ctx context.Context, executionID string, results model.ExecutionResults) error
}

// ResultFunc adapts a function to ResultHandler.
type ResultFunc func(ctx context.Context, executionID string, results model.ExecutionResults) error

func (f ResultFunc) HandleResults(ctx context.Context, executionID string, results model.ExecutionResults) error {
	return f(ctx, executionID, results)
}

// State is the locally mirrored view of an execution.
type State struct {
	ExecutionID               string                 `json:"executionId"`
	Status                    string                 `json:"status"`
	Progress                  float64                `json:"progress"`
	CurrentStep               string                 `json:"currentStep,omitempty"`
	EstimatedSecondsRemaining *int                   `json:"estimatedTimeRemaining,omitempty"`
	RequiresApproval          bool                   `json:"requiresApproval"`
	Approval                  *model.ApprovalRequest `json:"approval,omitempty"`
	Polls                     int                    `json:"polls"`
	Executing                 bool                   `json:"executing"`
	UpdatedAt                 time.Time              `json:"updatedAt"`
}

// Outcome is how a Run ended.
type Outcome struct {
	ExecutionID string
	Status      string
	Results     *model.ExecutionResults
	Error       string
	Polls       int
	Stopped     bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithMaxPolls bounds the number of status requests. Zero means unlimited.
func WithMaxPolls(n int) Option {
	return func(m *Monitor) { m.maxPolls = n }
}

// WithTimeout bounds the wall-clock duration of Run. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithApprovalHandler sets who is told about approval gates.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(m *Monitor) { m.approvals = h }
}

// WithResultHandler sets who receives results on completion.
func WithResultHandler(h ResultHandler) Option {
	return func(m *Monitor) { m.results = h }
}

// WithUpdateHook registers fn to receive a State snapshot after every poll.
func WithUpdateHook(fn func(State)) Option {
	return func(m *Monitor) { m.onUpdate = fn }
}

// Monitor drives one poll loop at a time.
type Monitor struct {
	source    StatusSource
	logger    *slog.Logger
	interval  time.Duration
	maxPolls  int
	timeout   time.Duration
	approvals ApprovalHandler
	results   ResultHandler
	onUpdate  func(State)

	executing atomic.Bool

	mu    sync.Mutex
	state State
	stop  context.CancelFunc
}

// New creates a monitor that reads status from source.
func New(source StatusSource, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		logger:   logger,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a snapshot of the mirrored execution state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Executing = m.executing.Load()
	if s.Approval != nil {
		a := *s.Approval
		s.Approval = &a
	}
	return s
}

// Stop asks a running loop to halt. A status request already in flight is
// not aborted; the loop exits once it returns.
func (m *Monitor) Stop() {
	m.executing.Store(false)
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.mu.Unlock()
}

// Run polls executionID until it completes, fails, is stopped, or a bound
// is hit. A completed execution's results go to the ResultHandler before
// Run returns. A failed execution returns an error wrapping
// errdefs.ErrExecutionFailed. A Stop returns an Outcome with Stopped set and
// a nil error.
func (m *Monitor) Run(ctx context.Context, executionID string) (Outcome, error) {
	if executionID == "" {
		return Outcome{}, errdefs.Invalid("executionId", "must not be empty")
	}
	if !m.executing.CompareAndSwap(false, true) {
		return Outcome{}, errors.New("monitor is already running")
	}
	defer m.executing.Store(false)
	activeMonitors.Inc()
	defer activeMonitors.Dec()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()

	m.mu.Lock()
	m.state = State{ExecutionID: executionID, Status: model.ExecutionPending, UpdatedAt: time.Now().UTC()}
	m.stop = stop
	m.mu.Unlock()

	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	gate := approvalGate{}
	polls := 0

	logger := m.logger.With("execution_id", executionID)
	logger.Info("monitoring execution", "interval_ms", m.interval.Milliseconds(), "max_polls", m.maxPolls)

	for {
		if !m.executing.Load() {
			return m.stopped(logger, executionID, polls), nil
		}
		if m.maxPolls > 0 && polls >= m.maxPolls {
			logger.Warn("poll limit reached", "polls", polls)
			return m.outcome(executionID, polls, errdefs.MsgPollLimit),
				fmt.Errorf("monitor execution %s after %d polls: %w", executionID, polls, errdefs.ErrPollLimit)
		}

		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() == nil && !m.executing.Load() {
				return m.stopped(logger, executionID, polls), nil
			}
			cause := ctx.Err()
			if cause == nil {
				// The limiter refuses waits that would overrun the deadline.
				cause = context.DeadlineExceeded
			}
			logger.Warn("monitoring ended early", "polls", polls, "error", cause)
			return m.outcome(executionID, polls, errdefs.UserMessage(cause)),
				fmt.Errorf("monitor execution %s: %w", executionID, cause)
		}
		if !m.executing.Load() {
			return m.stopped(logger, executionID, polls), nil
		}

		st, err := m.source.GetStatus(ctx, executionID)
		polls++
		if err != nil {
			pollsTotal.WithLabelValues("error").Inc()
			logger.Error("status poll failed", "polls", polls, "error", err)
			return m.outcome(executionID, polls, errdefs.UserMessage(err)),
				fmt.Errorf("poll execution %s: %w", executionID, err)
		}
		pollsTotal.WithLabelValues("ok").Inc()

		snap := m.apply(logger, st, polls)
		if m.onUpdate != nil {
			m.onUpdate(snap)
		}

		if approval, ok := gate.observe(st); ok {
			logger.Info("approval required", "approval_id", approval.ID, "step", st.CurrentStep)
			if m.approvals != nil {
				m.approvals.ApprovalRequired(ctx, executionID, approval)
			}
		}

		switch snap.Status {
		case model.ExecutionCompleted:
			out := Outcome{ExecutionID: executionID, Status: snap.Status, Results: st.Results, Polls: polls}
			if st.Results != nil && m.results != nil {
				if err := m.results.HandleResults(ctx, executionID, *st.Results); err != nil {
					out.Error = errdefs.UserMessage(err)
					return out, fmt.Errorf("handle results of %s: %w", executionID, err)
				}
			}
			logger.Info("execution completed", "polls", polls)
			return out, nil

		case model.ExecutionFailed:
			msg := st.Error
			if msg == "" {
				msg = "remote execution reported failure"
			}
			logger.Warn("execution failed", "polls", polls, "error", msg)
			return Outcome{ExecutionID: executionID, Status: snap.Status, Error: msg, Polls: polls},
				fmt.Errorf("execution %s: %s: %w", executionID, msg, errdefs.ErrExecutionFailed)
		}
	}
}

// apply mirrors st into the local state in one step and returns a snapshot.
// Status regressions are ignored and progress is clamped to [0,100] and
// never decreases.
func (m *Monitor) apply(logger *slog.Logger, st *model.ExecutionStatus, polls int) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	if st.Status != next.Status {
		if model.ValidExecutionTransition(next.Status, st.Status) {
			next.Status = st.Status
		} else {
			logger.Warn("ignoring status regression", "from", next.Status, "to", st.Status)
		}
	}

	progress := st.Progress
	switch {
	case math.IsNaN(progress):
		progress = next.Progress
	case progress < 0:
		progress = 0
	case progress > 100:
		progress = 100
	}
	if progress != st.Progress {
		logger.Warn("clamped out-of-range progress", "reported", st.Progress, "applied", progress)
	}
	if progress < next.Progress {
		logger.Warn("ignoring progress regression", "from", next.Progress, "to", progress)
		progress = next.Progress
	}
	next.Progress = progress
	if next.Status == model.ExecutionCompleted {
		next.Progress = 100
	}

	next.CurrentStep = st.CurrentStep
	next.EstimatedSecondsRemaining = st.EstimatedSecondsRemaining
	next.RequiresApproval = st.RequiresApproval
	next.Approval = nil
	if st.RequiresApproval && st.Approval != nil {
		a := *st.Approval
		next.Approval = &a
	}
	next.Polls = polls
	next.UpdatedAt = time.Now().UTC()

	m.state = next
	next.Executing = true
	return next
}

func (m *Monitor) outcome(executionID string, polls int, msg string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Outcome{ExecutionID: executionID, Status: m.state.Status, Error: msg, Polls: polls}
}

func (m *Monitor) stopped(logger *slog.Logger, executionID string, polls int) Outcome {
	logger.Info("monitoring stopped", "polls", polls)
	out := m.outcome(executionID, polls, "")
	out.Stopped = true
	return out
}

// approvalGate tracks which approval was last surfaced so each distinct
// gate is reported once.
type approvalGate struct {
	open bool
	id   string
}

// observe returns the approval to surface for st, if any.
func (g *approvalGate) observe(st *model.ExecutionStatus) (model.ApprovalRequest, bool) {
	if !st.RequiresApproval || st.Status != model.ExecutionInProgress {
		g.open = false
		g.id = ""
		return model.ApprovalRequest{}, false
	}

	approval := model.ApprovalRequest{Description: st.CurrentStep}
	if st.Approval != nil {
		approval = *st.Approval
	}
	if g.open && g.id == approval.ID {
		return model.ApprovalRequest{}, false
	}
	g.open = true
	g.id = approval.ID
	return approval, true
}
