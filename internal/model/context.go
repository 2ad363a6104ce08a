package model

import (
	"maps"
	"slices"
)

// ProjectContext is a read-only snapshot of the host project attached to
// every plan, query, and command request. Its contents are opaque to the
// orchestration core.
type ProjectContext struct {
	ProjectName        string         `json:"projectName,omitempty"`
	ProjectNumber      string         `json:"projectNumber,omitempty"`
	Discipline         string         `json:"discipline,omitempty"`
	Phase              string         `json:"phase,omitempty"`
	Standards          []string       `json:"standards,omitempty"`
	SelectedElementIDs []int64        `json:"selectedElementIds,omitempty"`
	Additional         map[string]any `json:"additionalData,omitempty"`
}

// Clone returns a deep copy of the slices in c. Values inside Additional are
// shared.
func (c ProjectContext) Clone() ProjectContext {
	c.Standards = slices.Clone(c.Standards)
	c.SelectedElementIDs = slices.Clone(c.SelectedElementIDs)
	c.Additional = maps.Clone(c.Additional)
	return c
}
