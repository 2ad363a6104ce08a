package client

import (
	"time"

	"github.com/seantiz/conduit/internal/model"
)

// Request and response bodies of the remote contract.

type planRequest struct {
	Description string               `json:"description"`
	Context     model.ProjectContext `json:"context"`
	Priority    model.Priority       `json:"priority"`
	Constraints *model.Constraints   `json:"constraints,omitempty"`
}

type planBody struct {
	Objective string       `json:"objective"`
	Steps     []model.Step `json:"steps"`
}

type planResponse struct {
	TaskID            string    `json:"taskId"`
	Status            string    `json:"status"`
	Plan              *planBody `json:"plan"`
	EstimatedDuration int       `json:"estimatedDuration"`
	Warnings          []string  `json:"warnings"`
}

type executeRequest struct {
	Mode       string         `json:"mode"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type processRequest struct {
	CommandID string               `json:"commandId"`
	Command   model.Command        `json:"command"`
	Context   model.ProjectContext `json:"context"`
}

type processResponse struct {
	Accepted *bool  `json:"accepted"`
	Message  string `json:"message"`
}

type queryRequest struct {
	Query     string               `json:"query"`
	Context   model.ProjectContext `json:"context"`
	SessionID string               `json:"sessionId"`
}

type queryMetadata struct {
	Confidence     float64  `json:"confidence"`
	ResponseType   string   `json:"responseType"`
	References     []string `json:"references"`
	RequiresReview bool     `json:"requiresReview"`
}

type queryResponse struct {
	Response  string         `json:"response"`
	SessionID string         `json:"sessionId"`
	Metadata  *queryMetadata `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}
