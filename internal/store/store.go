package store

import (
	"context"
	"time"

	"github.com/seantiz/conduit/internal/model"
)

// Snapshot is one observed status of a remote execution.
type Snapshot struct {
	ExecutionID      string    `json:"executionId"`
	WorkflowID       string    `json:"workflowId,omitempty"`
	Status           string    `json:"status"`
	Progress         float64   `json:"progress"`
	CurrentStep      string    `json:"currentStep,omitempty"`
	RequiresApproval bool      `json:"requiresApproval"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// CommandStats holds aggregate command outcome statistics.
type CommandStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for command history and
// execution snapshots.
type Store interface {
	RecordCommand(ctx context.Context, pc model.PendingCommand) error
	GetCommand(ctx context.Context, id string) (*model.PendingCommand, error)
	ListCommands(ctx context.Context, limit, offset int) ([]model.PendingCommand, int, error)
	CommandStats(ctx context.Context) (*CommandStats, error)
	RecordSnapshot(ctx context.Context, s Snapshot) error
	ListSnapshots(ctx context.Context, executionID string) ([]Snapshot, error)
	Close() error
}
