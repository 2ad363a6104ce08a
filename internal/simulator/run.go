package simulator

import (
	"context"
	"time"

	"github.com/seantiz/conduit/internal/model"
)

// run drives one process through its steps in template order.
func (s *Simulator) run(ctx context.Context, id string) {
	defer s.broker.Close(id)
	defer activeProcesses.Dec()

	if !sleep(ctx, s.timing.Initial) {
		s.finishCanceled(id, -1)
		return
	}
	s.update(id, -1, func(p *process) {
		p.state.OverallStatus = model.ProcessRunning
	})

	steps := s.stepCount(id)
	for i := range steps {
		s.update(id, i, func(p *process) {
			now := time.Now().UTC()
			step := &p.state.Steps[i]
			step.Status = model.OrchStepRunning
			step.StartTime = &now
		})

		subtasks := s.subtaskCount(id, i)
		for j := range subtasks {
			snap := s.update(id, i, func(p *process) {
				p.state.Steps[i].Progress = model.Percent(j+1, subtasks)
			})

			if s.inject != nil {
				if err := s.inject(snap, i, j); err != nil {
					s.fail(id, i, err)
					return
				}
			}
			if !sleep(ctx, s.subtaskDelay()) {
				s.finishCanceled(id, i)
				return
			}
		}

		s.update(id, i, func(p *process) {
			now := time.Now().UTC()
			step := &p.state.Steps[i]
			step.Status = model.OrchStepCompleted
			step.Progress = 100
			step.EndTime = &now
			step.Result = p.results[i]
			p.state.RecomputeProgress()
		})

		if i < steps-1 && !sleep(ctx, s.timing.BetweenSteps) {
			s.finishCanceled(id, -1)
			return
		}
	}

	s.update(id, -1, func(p *process) {
		now := time.Now().UTC()
		p.state.OverallStatus = model.ProcessCompleted
		p.state.OverallProgress = 100
		p.state.EndTime = &now
	})
	processesFinished.WithLabelValues(model.ProcessCompleted).Inc()
	s.logger.Info("process completed", "process_id", id)
}

// fail marks step failed and halts the process. Failed steps are neither
// retried nor skipped.
func (s *Simulator) fail(id string, step int, err error) {
	s.update(id, step, func(p *process) {
		now := time.Now().UTC()
		st := &p.state.Steps[step]
		st.Status = model.OrchStepFailed
		st.EndTime = &now
		st.Result = err.Error()
		p.state.OverallStatus = model.ProcessFailed
		p.state.Error = st.Name + ": " + err.Error()
		p.state.EndTime = &now
	})
	processesFinished.WithLabelValues(model.ProcessFailed).Inc()
	s.logger.Warn("process failed", "process_id", id, "step", step, "error", err)
}

// finishCanceled marks the process canceled. A step interrupted mid-run is
// marked failed.
func (s *Simulator) finishCanceled(id string, step int) {
	s.update(id, step, func(p *process) {
		now := time.Now().UTC()
		if step >= 0 {
			st := &p.state.Steps[step]
			st.Status = model.OrchStepFailed
			st.EndTime = &now
			st.Result = "canceled"
		}
		p.state.OverallStatus = model.ProcessCanceled
		p.state.EndTime = &now
	})
	processesFinished.WithLabelValues(model.ProcessCanceled).Inc()
	s.logger.Info("process canceled", "process_id", id)
}

// update applies fn to the process under the lock and publishes exactly one
// event. step selects the step reported in the event, or -1 for none.
func (s *Simulator) update(id string, step int, fn func(p *process)) model.OrchestrationProcess {
	s.mu.Lock()
	p := s.procs[id]
	fn(p)
	ev := Event{ProcessID: id, Process: p.state.Clone()}
	if step >= 0 {
		st := p.state.Steps[step].Clone()
		ev.Step = &st
	}
	s.mu.Unlock()

	s.broker.Publish(id, ev)
	s.broker.Publish(AllProcesses, ev)
	return ev.Process
}

func (s *Simulator) stepCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[id].state.Steps)
}

func (s *Simulator) subtaskCount(id string, step int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[id].state.Steps[step].Subtasks)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
