package model

import "time"

// Execution status constants reported by the remote service.
const (
	ExecutionPending    = "pending"
	ExecutionInProgress = "in_progress"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
)

// validExecutionTransitions maps each execution status to the statuses it may
// move to. Staying in the same status is always allowed.
var validExecutionTransitions = map[string]map[string]bool{
	ExecutionPending: {
		ExecutionInProgress: true,
		ExecutionCompleted:  true,
		ExecutionFailed:     true,
	},
	ExecutionInProgress: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
	},
}

// ValidExecutionStatus reports whether s is a known execution status.
func ValidExecutionStatus(s string) bool {
	switch s {
	case ExecutionPending, ExecutionInProgress, ExecutionCompleted, ExecutionFailed:
		return true
	}
	return false
}

// ValidExecutionTransition reports whether an execution may move from one
// status to another.
func ValidExecutionTransition(from, to string) bool {
	if from == to {
		return true
	}
	targets, ok := validExecutionTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ExecutionStatus is one status report for a running execution.
type ExecutionStatus struct {
	ExecutionID               string            `json:"executionId"`
	Status                    string            `json:"status"`
	Progress                  float64           `json:"progress"`
	CurrentStep               string            `json:"currentStep"`
	EstimatedSecondsRemaining *int              `json:"estimatedTimeRemaining,omitempty"`
	RequiresApproval          bool              `json:"requiresApproval"`
	Approval                  *ApprovalRequest  `json:"approvalDetails,omitempty"`
	Results                   *ExecutionResults `json:"results,omitempty"`
	Error                     string            `json:"error,omitempty"`
	UpdatedAt                 time.Time         `json:"updatedAt"`
}

// IsTerminal reports whether the execution has finished.
func (s *ExecutionStatus) IsTerminal() bool {
	return s.Status == ExecutionCompleted || s.Status == ExecutionFailed
}

// ApprovalRequest describes a gate that needs human sign-off.
type ApprovalRequest struct {
	ID              string         `json:"approvalId"`
	Description     string         `json:"description"`
	Type            string         `json:"type,omitempty"`
	ReviewData      map[string]any `json:"reviewData,omitempty"`
	RequiredActions []string       `json:"requiredActions,omitempty"`
}

// ExecutionResults is the payload of a completed execution.
type ExecutionResults struct {
	Commands       []Command      `json:"revitCommands,omitempty"`
	Calculations   []Calculation  `json:"calculations,omitempty"`
	Documentation  *Documentation `json:"documentation,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// Calculation is one engineering calculation output.
type Calculation struct {
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Methodology       string             `json:"methodology,omitempty"`
	Results           map[string]float64 `json:"results,omitempty"`
	CodeReferences    []string           `json:"codeReferences,omitempty"`
	Units             string             `json:"units,omitempty"`
	SafetyFactor      float64            `json:"safetyFactor,omitempty"`
	MeetsRequirements bool               `json:"meetsRequirements"`
	Notes             []string           `json:"notes,omitempty"`
}

// Documentation is a generated engineering document.
type Documentation struct {
	ID           string    `json:"documentId"`
	Title        string    `json:"title"`
	Type         string    `json:"type"`
	Content      string    `json:"content,omitempty"`
	RequiresSeal bool      `json:"requiresPESeal"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}
