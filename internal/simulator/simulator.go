// Package simulator runs template-driven orchestration processes offline.
// It is a stand-in for the remote service that pushes progress as events
// instead of being polled.
package simulator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/conduit/internal/broker"
	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
)

// AllProcesses is the broker topic that receives events of every process.
// It closes only when the simulator is closed.
const AllProcesses = "*"

// Timing holds the simulated work delays.
type Timing struct {
	Initial      time.Duration
	SubtaskMin   time.Duration
	SubtaskMax   time.Duration
	BetweenSteps time.Duration
}

// DefaultTiming returns the production delays: 1s before the first step,
// 5-15s per subtask, and 2s between steps.
func DefaultTiming() Timing {
	return Timing{
		Initial:      time.Second,
		SubtaskMin:   5 * time.Second,
		SubtaskMax:   15 * time.Second,
		BetweenSteps: 2 * time.Second,
	}
}

// Scale multiplies every delay by f.
func (t Timing) Scale(f float64) Timing {
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) * f) }
	return Timing{
		Initial:      scale(t.Initial),
		SubtaskMin:   scale(t.SubtaskMin),
		SubtaskMax:   scale(t.SubtaskMax),
		BetweenSteps: scale(t.BetweenSteps),
	}
}

// FailureInjector is consulted before each subtask's simulated work. A
// non-nil error fails the step and halts the process.
type FailureInjector func(p model.OrchestrationProcess, step, subtask int) error

// Event is published on every process mutation. Process and Step are
// private copies.
type Event struct {
	ProcessID string                     `json:"processId"`
	Process   model.OrchestrationProcess `json:"process"`
	Step      *model.OrchestrationStep   `json:"updatedStep,omitempty"`
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithTiming replaces DefaultTiming.
func WithTiming(t Timing) Option {
	return func(s *Simulator) { s.timing = t }
}

// WithFailureInjector installs fn.
func WithFailureInjector(fn FailureInjector) Option {
	return func(s *Simulator) { s.inject = fn }
}

// WithSeed makes subtask delays reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithTemplates replaces the embedded template set with YAML data.
func WithTemplates(data []byte) Option {
	return func(s *Simulator) { s.templateData = data }
}

// Simulator owns a set of running and finished processes.
type Simulator struct {
	catalog      *catalog
	templateData []byte
	timing       Timing
	inject       FailureInjector
	logger       *slog.Logger
	broker       *broker.Broker[Event]

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	procs  map[string]*process
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type process struct {
	state   model.OrchestrationProcess
	results []string
	cancel  context.CancelFunc
}

// New loads the templates and returns a simulator.
func New(logger *slog.Logger, opts ...Option) (*Simulator, error) {
	s := &Simulator{
		templateData: defaultTemplates,
		timing:       DefaultTiming(),
		logger:       logger,
		broker:       broker.New[Event](256),
		procs:        make(map[string]*process),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	c, err := parseCatalog(s.templateData)
	if err != nil {
		return nil, err
	}
	s.catalog = c
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Broker returns the event broker. Subscribe with a process id, or with
// AllProcesses to observe every process.
func (s *Simulator) Broker() *broker.Broker[Event] {
	return s.broker
}

// Templates returns the template names in match order.
func (s *Simulator) Templates() []string {
	return slices.Clone(s.catalog.order)
}

// Template returns a copy of the named template.
func (s *Simulator) Template(name string) (Template, bool) {
	t, ok := s.catalog.byName[name]
	if !ok {
		return Template{}, false
	}
	return t.clone(), true
}

// Classify picks the template for a free-text request.
func (s *Simulator) Classify(text string) string {
	return s.catalog.classify(text)
}

// Start creates a process for request from the matching template and runs
// it in the background. It returns the initial snapshot.
func (s *Simulator) Start(request string) (model.OrchestrationProcess, error) {
	name := s.catalog.classify(request)
	tmpl := s.catalog.byName[name]

	now := time.Now().UTC()
	eta := now.Add(s.expectedDuration(tmpl))
	p := &process{
		state: model.OrchestrationProcess{
			ID:               model.NewID(),
			ProcessType:      name,
			Request:          request,
			Steps:            tmpl.instantiate(),
			OverallStatus:    model.ProcessInitializing,
			StartTime:        now,
			EstimatedEndTime: &eta,
		},
	}
	for _, st := range tmpl.Steps {
		p.results = append(p.results, st.resultText())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.OrchestrationProcess{}, fmt.Errorf("start process: %w", errdefs.ErrClosed)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p.cancel = cancel
	s.procs[p.state.ID] = p
	snap := p.state.Clone()
	activeProcesses.Inc()
	s.wg.Go(func() {
		defer cancel()
		s.run(ctx, snap.ID)
	})
	s.mu.Unlock()

	processesStarted.WithLabelValues(name).Inc()
	s.logger.Info("process started", "process_id", snap.ID, "process_type", name, "steps", len(snap.Steps))
	return snap, nil
}

// Get returns a snapshot of the process with the given id.
func (s *Simulator) Get(id string) (model.OrchestrationProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return model.OrchestrationProcess{}, fmt.Errorf("process %s: %w", id, errdefs.ErrNotFound)
	}
	return p.state.Clone(), nil
}

// List returns snapshots of every process, oldest first.
func (s *Simulator) List() []model.OrchestrationProcess {
	s.mu.Lock()
	out := make([]model.OrchestrationProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.state.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.OrchestrationProcess) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Cancel stops a running process. Cancelling a finished process returns
// an error wrapping errdefs.ErrInvalidTransition.
func (s *Simulator) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("process %s: %w", id, errdefs.ErrNotFound)
	}
	if model.ProcessTerminal(p.state.OverallStatus) {
		return fmt.Errorf("process %s is %s: %w", id, p.state.OverallStatus, errdefs.ErrInvalidTransition)
	}
	p.cancel()
	return nil
}

// Trim forgets the oldest finished processes until at most keep remain,
// along with their event topics. It returns the number removed.
func (s *Simulator) Trim(keep int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var done []*process
	for id, p := range s.procs {
		if model.ProcessTerminal(p.state.OverallStatus) && s.broker.Closed(id) {
			done = append(done, p)
		}
	}
	drop := len(done) - max(keep, 0)
	if drop <= 0 {
		return 0
	}
	slices.SortFunc(done, func(a, b *process) int {
		return cmp.Or(a.state.StartTime.Compare(b.state.StartTime), cmp.Compare(a.state.ID, b.state.ID))
	})
	for _, p := range done[:drop] {
		delete(s.procs, p.state.ID)
		s.broker.Forget(p.state.ID)
	}
	return drop
}

// Wait blocks until every process goroutine has returned.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// Close cancels all running processes and waits for them.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.broker.Close(AllProcesses)
}

// expectedDuration estimates a run of tmpl from the mean delays.
func (s *Simulator) expectedDuration(tmpl Template) time.Duration {
	mean := (s.timing.SubtaskMin + s.timing.SubtaskMax) / 2
	d := s.timing.Initial
	for i, st := range tmpl.Steps {
		d += time.Duration(len(st.Subtasks)) * mean
		if i > 0 {
			d += s.timing.BetweenSteps
		}
	}
	return d
}

func (s *Simulator) subtaskDelay() time.Duration {
	lo, hi := s.timing.SubtaskMin, s.timing.SubtaskMax
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)))
}
