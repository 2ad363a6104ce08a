package model

import (
	"maps"
	"slices"
	"time"
)

// Workflow status constants.
const (
	WorkflowPending   = "pending"
	WorkflowPlanning  = "planning"
	WorkflowExecuting = "executing"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// validWorkflowTransitions maps each workflow status to the statuses it may
// transition to.
var validWorkflowTransitions = map[string]map[string]bool{
	WorkflowPending: {
		WorkflowPlanning: true,
		WorkflowFailed:   true,
	},
	WorkflowPlanning: {
		WorkflowExecuting: true,
		WorkflowFailed:    true,
	},
	WorkflowExecuting: {
		WorkflowCompleted: true,
		WorkflowFailed:    true,
	},
}

// ValidWorkflowTransition reports whether transitioning from one status to
// another is allowed.
func ValidWorkflowTransition(from, to string) bool {
	targets, ok := validWorkflowTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Workflow is one end-to-end run: plan, execute, monitor, forward results.
type Workflow struct {
	ID               string           `json:"id"`
	Description      string           `json:"description"`
	Priority         string           `json:"priority"`
	Mode             string           `json:"mode"`
	Status           string           `json:"status"`
	PlanID           string           `json:"planId,omitempty"`
	ExecutionID      string           `json:"executionId,omitempty"`
	Progress         float64          `json:"progress"`
	CurrentStep      string           `json:"currentStep,omitempty"`
	AwaitingApproval bool             `json:"awaitingApproval"`
	Approval         *ApprovalRequest `json:"approval,omitempty"`
	QueuedCommands   []string         `json:"queuedCommands,omitempty"`
	Calculations     []Calculation    `json:"calculations,omitempty"`
	Documentation    *Documentation   `json:"documentation,omitempty"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	FinishedAt       *time.Time       `json:"finishedAt,omitempty"`
}

// WorkflowTerminal reports whether status is a final workflow status.
func WorkflowTerminal(status string) bool {
	return status == WorkflowCompleted || status == WorkflowFailed
}

// Clone returns a copy that shares no mutable state with w.
func (w *Workflow) Clone() Workflow {
	c := *w
	if w.Approval != nil {
		a := *w.Approval
		a.ReviewData = maps.Clone(w.Approval.ReviewData)
		a.RequiredActions = slices.Clone(w.Approval.RequiredActions)
		c.Approval = &a
	}
	c.QueuedCommands = slices.Clone(w.QueuedCommands)
	if w.Calculations != nil {
		c.Calculations = make([]Calculation, len(w.Calculations))
		for i, calc := range w.Calculations {
			calc.Results = maps.Clone(calc.Results)
			calc.CodeReferences = slices.Clone(calc.CodeReferences)
			calc.Notes = slices.Clone(calc.Notes)
			c.Calculations[i] = calc
		}
	}
	if w.Documentation != nil {
		d := *w.Documentation
		c.Documentation = &d
	}
	if w.FinishedAt != nil {
		t := *w.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
