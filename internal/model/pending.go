package model

import (
	"fmt"
	"time"

	"github.com/seantiz/conduit/internal/errdefs"
)

// Pending command status constants.
const (
	CommandQueued     = "queued"
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// validCommandTransitions maps each command status to the statuses it may
// move to. Terminal statuses have no entry.
var validCommandTransitions = map[string]map[string]bool{
	CommandQueued: {
		CommandProcessing: true,
		CommandFailed:     true,
	},
	CommandProcessing: {
		CommandCompleted: true,
		CommandFailed:    true,
	},
}

// ValidCommandTransition reports whether a pending command may move from one
// status to another. A command never returns to queued.
func ValidCommandTransition(from, to string) bool {
	targets, ok := validCommandTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CommandTerminal reports whether status is a final command status.
func CommandTerminal(status string) bool {
	return status == CommandCompleted || status == CommandFailed
}

// PendingCommand tracks one enqueued Command through dispatch.
type PendingCommand struct {
	ID          string     `json:"id"`
	Command     Command    `json:"command"`
	QueuedAt    time.Time  `json:"queuedAt"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewPendingCommand wraps cmd in a freshly queued PendingCommand.
func NewPendingCommand(cmd Command, now time.Time) *PendingCommand {
	return &PendingCommand{
		ID:       NewID(),
		Command:  cmd,
		QueuedAt: now,
		Status:   CommandQueued,
	}
}

// Advance moves the command to status to, stamping timestamps. errMsg is
// recorded only for the failed status.
func (p *PendingCommand) Advance(to string, now time.Time, errMsg string) error {
	if !ValidCommandTransition(p.Status, to) {
		return fmt.Errorf("%w: command %s %s -> %s", errdefs.ErrInvalidTransition, p.ID, p.Status, to)
	}
	p.Status = to
	switch to {
	case CommandProcessing:
		p.StartedAt = &now
	case CommandCompleted:
		p.CompletedAt = &now
	case CommandFailed:
		p.CompletedAt = &now
		p.Error = errMsg
	}
	return nil
}

// Clone returns a copy that shares no mutable state with p.
func (p *PendingCommand) Clone() PendingCommand {
	c := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
