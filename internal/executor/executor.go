package executor

import (
	"context"
	"log/slog"

	"github.com/seantiz/conduit/internal/model"
)

// Executor applies a command to the host model.
type Executor interface {
	// Execute runs cmd against the host. The context carries cancellation;
	// project is a read-only snapshot taken at dispatch time.
	Execute(ctx context.Context, cmd model.Command, project model.ProjectContext) (Result, error)
}

// Result is what an executor reports after applying a command.
type Result struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	CreatedIDs  []int64        `json:"createdElementIds,omitempty"`
	ModifiedIDs []int64        `json:"modifiedElementIds,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, cmd model.Command, project model.ProjectContext) (Result, error)

func (f Func) Execute(ctx context.Context, cmd model.Command, project model.ProjectContext) (Result, error) {
	return f(ctx, cmd, project)
}

// LoggingExecutor accepts every command and logs it. It stands in for the
// host when none is attached.
type LoggingExecutor struct {
	Logger *slog.Logger
}

func (e LoggingExecutor) Execute(_ context.Context, cmd model.Command, project model.ProjectContext) (Result, error) {
	e.Logger.Info("command recorded",
		"kind", cmd.Kind(),
		"priority", cmd.Priority(),
		"description", cmd.Description(),
		"transactional", cmd.Transactional(),
		"project", project.ProjectName,
	)
	return Result{Success: true, Message: "recorded " + string(cmd.Kind())}, nil
}
