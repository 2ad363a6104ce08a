package model

import "time"

// Plan step status constants.
const (
	StepStatusPending         = "pending"
	StepStatusInProgress      = "in_progress"
	StepStatusWaitingApproval = "waiting_for_approval"
	StepStatusApproved        = "approved"
	StepStatusCompleted       = "completed"
	StepStatusFailed          = "failed"
	StepStatusSkipped         = "skipped"
)

// Execution modes accepted by the remote service.
const (
	ModeAutomatic  = "automatic"
	ModeSupervised = "supervised"
	ModeManual     = "manual"
)

// ValidMode reports whether mode is a known execution mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeAutomatic, ModeSupervised, ModeManual:
		return true
	}
	return false
}

// Plan is an ordered breakdown of a request into agent-assigned steps.
type Plan struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	Objective         string    `json:"objective,omitempty"`
	Steps             []Step    `json:"steps"`
	Warnings          []string  `json:"warnings,omitempty"`
	EstimatedDuration int       `json:"estimatedDuration,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

// Step is one entry of a Plan.
type Step struct {
	Number           int       `json:"stepNumber"`
	Title            string    `json:"title"`
	Purpose          string    `json:"purpose,omitempty"`
	AssignedAgent    string    `json:"assignedAgent,omitempty"`
	RequiresApproval bool      `json:"requiresApproval"`
	Status           string    `json:"status,omitempty"`
	Commands         []Command `json:"commands,omitempty"`
}

// ApprovalSteps returns the steps that are gated on human approval.
func (p *Plan) ApprovalSteps() []Step {
	var gated []Step
	for _, s := range p.Steps {
		if s.RequiresApproval {
			gated = append(gated, s)
		}
	}
	return gated
}

// Constraints narrows how the remote service may execute a plan.
type Constraints struct {
	MaxExecutionSeconds    *int     `json:"maxExecutionTime,omitempty"`
	RequiresApproval       bool     `json:"requiresApproval"`
	EnforceStandards       []string `json:"enforceStandards,omitempty"`
	OptimizationPreference string   `json:"optimizationPreference,omitempty"`
}

// ExecutionHandle identifies a started execution.
type ExecutionHandle struct {
	ExecutionID string    `json:"executionId"`
	TaskID      string    `json:"taskId"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	Message     string    `json:"message,omitempty"`
}

// QueryResult is the answer to an ad-hoc query.
type QueryResult struct {
	ResponseText   string   `json:"response"`
	SessionID      string   `json:"sessionId"`
	Confidence     float64  `json:"confidence"`
	ResponseType   string   `json:"responseType,omitempty"`
	References     []string `json:"references,omitempty"`
	RequiresReview bool     `json:"requiresReview"`
}
