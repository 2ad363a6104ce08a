package model

import (
	"math"
	"slices"
	"time"
)

// Orchestration process status constants.
const (
	ProcessInitializing = "initializing"
	ProcessRunning      = "running"
	ProcessCompleted    = "completed"
	ProcessFailed       = "failed"
	ProcessCanceled     = "canceled"
)

// Orchestration step status constants.
const (
	OrchStepPending   = "pending"
	OrchStepRunning   = "running"
	OrchStepCompleted = "completed"
	OrchStepFailed    = "failed"
)

// ProcessTerminal reports whether status is a final process status.
func ProcessTerminal(status string) bool {
	switch status {
	case ProcessCompleted, ProcessFailed, ProcessCanceled:
		return true
	}
	return false
}

// OrchestrationStep is one stage of a simulated or real multi-step run.
type OrchestrationStep struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	AgentType   string     `json:"agentType"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Subtasks    []string   `json:"subTasks"`
	Result      string     `json:"result,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s OrchestrationStep) Clone() OrchestrationStep {
	s.Subtasks = slices.Clone(s.Subtasks)
	if s.StartTime != nil {
		t := *s.StartTime
		s.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	return s
}

// OrchestrationProcess is a multi-step run tracked by id with overall and
// per-step progress.
type OrchestrationProcess struct {
	ID               string              `json:"processId"`
	ProcessType      string              `json:"processType"`
	Request          string              `json:"request,omitempty"`
	Steps            []OrchestrationStep `json:"steps"`
	OverallStatus    string              `json:"overallStatus"`
	OverallProgress  int                 `json:"overallProgress"`
	StartTime        time.Time           `json:"startTime"`
	EstimatedEndTime *time.Time          `json:"estimatedEndTime,omitempty"`
	EndTime          *time.Time          `json:"endTime,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// Clone returns a deep copy of p.
func (p OrchestrationProcess) Clone() OrchestrationProcess {
	steps := make([]OrchestrationStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = s.Clone()
	}
	p.Steps = steps
	if p.EstimatedEndTime != nil {
		t := *p.EstimatedEndTime
		p.EstimatedEndTime = &t
	}
	if p.EndTime != nil {
		t := *p.EndTime
		p.EndTime = &t
	}
	return p
}

// CompletedSteps counts steps in the completed status.
func (p *OrchestrationProcess) CompletedSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == OrchStepCompleted {
			n++
		}
	}
	return n
}

// RecomputeProgress sets OverallProgress to round(completed/total*100).
func (p *OrchestrationProcess) RecomputeProgress() {
	if len(p.Steps) == 0 {
		p.OverallProgress = 0
		return
	}
	p.OverallProgress = Percent(p.CompletedSteps(), len(p.Steps))
}

// Percent returns round(done/total*100), or 0 when total is zero.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
