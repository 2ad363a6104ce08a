package executor

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
)

// Registry holds registered executors and resolves which one handles a
// given command kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[model.CommandKind]Executor
	fallback  Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[model.CommandKind]Executor),
	}
}

// Register adds an executor for kind, replacing any previous one.
func (r *Registry) Register(kind model.CommandKind, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

// SetFallback sets the executor used for kinds with no registration.
func (r *Registry) SetFallback(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Resolve returns the executor for kind, or the fallback. It returns an
// error wrapping errdefs.ErrNotFound if neither exists.
func (r *Registry) Resolve(kind model.CommandKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[kind]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("executor for %q: %w", kind, errdefs.ErrNotFound)
}

// Kinds returns the registered command kinds, sorted for stable output.
func (r *Registry) Kinds() []model.CommandKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.CommandKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Execute resolves and runs the executor for pc. Any failure, including an
// unsuccessful Result, is returned as a *errdefs.CommandExecutionError.
func (r *Registry) Execute(ctx context.Context, pc model.PendingCommand, project model.ProjectContext) (Result, error) {
	kind := pc.Command.Kind()

	e, err := r.Resolve(kind)
	if err != nil {
		return Result{}, &errdefs.CommandExecutionError{CommandID: pc.ID, Kind: string(kind), Err: err}
	}

	res, err := e.Execute(ctx, pc.Command, project)
	if err != nil {
		return res, &errdefs.CommandExecutionError{CommandID: pc.ID, Kind: string(kind), Message: res.Message, Err: err}
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "executor reported failure"
		}
		return res, &errdefs.CommandExecutionError{CommandID: pc.ID, Kind: string(kind), Message: msg}
	}
	return res, nil
}
