package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/conduit/internal/client"
	"github.com/seantiz/conduit/internal/executor"
	"github.com/seantiz/conduit/internal/model"
)

// CommandProcessor acknowledges a command with the remote service.
type CommandProcessor interface {
	ProcessCommand(ctx context.Context, pc model.PendingCommand) error
}

// CommandDispatcher sends a dequeued command to the remote service and then,
// when a registry is set, runs it against the local host executor.
type CommandDispatcher struct {
	remote   CommandProcessor
	registry *executor.Registry
	project  client.ContextProvider
	logger   *slog.Logger
}

// NewCommandDispatcher returns a queue dispatcher. remote and registry may
// each be nil, but not both.
func NewCommandDispatcher(remote CommandProcessor, registry *executor.Registry, project client.ContextProvider, logger *slog.Logger) *CommandDispatcher {
	if project == nil {
		project = client.StaticContext{}
	}
	return &CommandDispatcher{
		remote:   remote,
		registry: registry,
		project:  project,
		logger:   logger,
	}
}

// Dispatch implements queue.Dispatcher.
func (d *CommandDispatcher) Dispatch(ctx context.Context, pc model.PendingCommand) error {
	if d.remote == nil && d.registry == nil {
		return fmt.Errorf("dispatch command %s: no remote service or executor configured", pc.ID)
	}

	if d.remote != nil {
		if err := d.remote.ProcessCommand(ctx, pc); err != nil {
			return err
		}
	}
	if d.registry == nil {
		return nil
	}

	project, err := d.project.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("project context for command %s: %w", pc.ID, err)
	}
	res, err := d.registry.Execute(ctx, pc, project)
	if err != nil {
		return err
	}
	d.logger.Info("command executed",
		"command_id", pc.ID,
		"kind", pc.Command.Kind(),
		"created", len(res.CreatedIDs),
		"modified", len(res.ModifiedIDs),
		"warnings", len(res.Warnings),
	)
	return nil
}
