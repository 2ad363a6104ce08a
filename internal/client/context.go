package client

import (
	"context"

	"github.com/seantiz/conduit/internal/model"
)

// ContextProvider supplies the project snapshot attached to remote requests.
type ContextProvider interface {
	Snapshot(ctx context.Context) (model.ProjectContext, error)
}

// StaticContext is a ContextProvider that always returns the same snapshot.
type StaticContext model.ProjectContext

func (s StaticContext) Snapshot(context.Context) (model.ProjectContext, error) {
	return model.ProjectContext(s).Clone(), nil
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(ctx context.Context) (model.ProjectContext, error)

func (f ContextFunc) Snapshot(ctx context.Context) (model.ProjectContext, error) {
	return f(ctx)
}
