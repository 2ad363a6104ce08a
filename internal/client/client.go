package client

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/retry"
)

// DefaultPrefix is the path prefix of every remote route.
const DefaultPrefix = "/api/v1"

const defaultHTTPTimeout = 30 * time.Second

// maxBodyBytes bounds how much of a response body is decoded.
const maxBodyBytes = 8 << 20

// Client talks to the remote planning and execution service.
type Client struct {
	baseURL string
	prefix  string
	http    *http.Client
	retry   *retry.Policy
	project ContextProvider
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithContextProvider sets the source of the project snapshot.
func WithContextProvider(p ContextProvider) Option {
	return func(c *Client) { c.project = p }
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = "/" + strings.Trim(prefix, "/") }
}

// New creates a client for the service at baseURL.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPrefix,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		project: StaticContext{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry == nil {
		c.retry = retry.New(retry.DefaultMaxRetries, retry.DefaultBaseDelay, logger)
	}
	if c.prefix == "/" {
		c.prefix = ""
	}
	return c
}

// PlanRequest describes the work to plan.
type PlanRequest struct {
	Description string
	Priority    model.Priority
	Constraints *model.Constraints
}

// CreatePlan asks the service to break req into steps.
func (c *Client) CreatePlan(ctx context.Context, req PlanRequest) (*model.Plan, error) {
	const op = "create plan"

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, errdefs.Invalid("description", "must not be empty")
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !model.ValidPriority(priority) {
		return nil, errdefs.Invalid("priority", "unknown value %q", priority)
	}

	project, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var resp planResponse
	body := planRequest{Description: desc, Context: project, Priority: priority, Constraints: req.Constraints}
	if err := c.doJSON(ctx, op, http.MethodPost, "/tasks/plan", body, &resp); err != nil {
		return nil, err
	}

	switch {
	case resp.TaskID == "":
		return nil, &errdefs.ProtocolError{Op: op, Reason: "response has no taskId"}
	case resp.Plan == nil:
		return nil, &errdefs.ProtocolError{Op: op, Reason: "response contained no plan"}
	case len(resp.Plan.Steps) == 0:
		return nil, &errdefs.ProtocolError{Op: op, Reason: "plan has no steps"}
	}

	c.logger.Info("plan created", "task_id", resp.TaskID, "steps", len(resp.Plan.Steps))
	return &model.Plan{
		ID:                resp.TaskID,
		Status:            resp.Status,
		Objective:         resp.Plan.Objective,
		Steps:             resp.Plan.Steps,
		Warnings:          resp.Warnings,
		EstimatedDuration: resp.EstimatedDuration,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// StartExecution starts executing a plan. An empty mode selects automatic.
func (c *Client) StartExecution(ctx context.Context, planID, mode string, params map[string]any) (*model.ExecutionHandle, error) {
	const op = "start execution"

	if strings.TrimSpace(planID) == "" {
		return nil, errdefs.Invalid("planId", "must not be empty")
	}
	if mode == "" {
		mode = model.ModeAutomatic
	}
	if !model.ValidMode(mode) {
		return nil, errdefs.Invalid("mode", "unknown value %q", mode)
	}

	var handle model.ExecutionHandle
	path := "/tasks/" + url.PathEscape(planID) + "/execute"
	if err := c.doJSON(ctx, op, http.MethodPost, path, executeRequest{Mode: mode, Parameters: params}, &handle); err != nil {
		return nil, err
	}
	if handle.ExecutionID == "" {
		return nil, &errdefs.ProtocolError{Op: op, Reason: "response has no executionId"}
	}
	if handle.TaskID == "" {
		handle.TaskID = planID
	}

	c.logger.Info("execution started", "task_id", planID, "execution_id", handle.ExecutionID, "mode", mode)
	return &handle, nil
}

// GetStatus fetches the current status of an execution.
func (c *Client) GetStatus(ctx context.Context, executionID string) (*model.ExecutionStatus, error) {
	const op = "get status"

	if strings.TrimSpace(executionID) == "" {
		return nil, errdefs.Invalid("executionId", "must not be empty")
	}

	var status model.ExecutionStatus
	path := "/executions/" + url.PathEscape(executionID) + "/status"
	if err := c.doJSON(ctx, op, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	if !model.ValidExecutionStatus(status.Status) {
		return nil, &errdefs.ProtocolError{Op: op, Reason: fmt.Sprintf("unknown execution status %q", status.Status)}
	}
	if status.ExecutionID == "" {
		status.ExecutionID = executionID
	}
	return &status, nil
}

// SendQuery asks a free-form question in a new session.
func (c *Client) SendQuery(ctx context.Context, text string) (*model.QueryResult, error) {
	return c.SendQueryInSession(ctx, "", text)
}

// SendQueryInSession asks a question within an existing session. An empty
// sessionID starts a new one.
func (c *Client) SendQueryInSession(ctx context.Context, sessionID, text string) (*model.QueryResult, error) {
	const op = "send query"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errdefs.Invalid("query", "must not be empty")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	project, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	body := queryRequest{Query: text, Context: project, SessionID: sessionID}
	if err := c.doJSON(ctx, op, http.MethodPost, "/query", body, &resp); err != nil {
		return nil, err
	}
	if resp.Response == "" {
		return nil, &errdefs.ProtocolError{Op: op, Reason: "empty response text"}
	}

	result := &model.QueryResult{ResponseText: resp.Response, SessionID: resp.SessionID}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	if m := resp.Metadata; m != nil {
		result.Confidence = m.Confidence
		result.ResponseType = m.ResponseType
		result.References = m.References
		result.RequiresReview = m.RequiresReview
	}
	return result, nil
}

// ProcessCommand hands one queued command to the remote service. A 2xx
// reply that explicitly rejects the command is a CommandExecutionError and
// is not retried.
func (c *Client) ProcessCommand(ctx context.Context, pc model.PendingCommand) error {
	const op = "process command"

	if err := pc.Command.Validate(); err != nil {
		return err
	}

	project, err := c.snapshot(ctx)
	if err != nil {
		return err
	}

	var resp processResponse
	body := processRequest{CommandID: pc.ID, Command: pc.Command, Context: project}
	if err := c.doJSON(ctx, op, http.MethodPost, "/commands/process", body, &resp); err != nil {
		return err
	}
	if resp.Accepted != nil && !*resp.Accepted {
		return &errdefs.CommandExecutionError{
			CommandID: pc.ID,
			Kind:      string(pc.Command.Kind()),
			Message:   cmp.Or(resp.Message, "rejected by remote service"),
		}
	}
	return nil
}

func (c *Client) snapshot(ctx context.Context) (model.ProjectContext, error) {
	project, err := c.project.Snapshot(ctx)
	if err != nil {
		return model.ProjectContext{}, fmt.Errorf("snapshot project context: %w", err)
	}
	return project, nil
}

// doJSON sends in (if non-nil) as JSON and decodes the 2xx reply into out.
// The same request id is sent on every attempt.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	requestID := uuid.NewString()
	target := c.baseURL + c.prefix + path
	start := time.Now()

	resp, err := c.retry.Do(ctx, op, func(ctx context.Context) (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.http.Do(req)
	})
	if err != nil {
		c.logger.Error("remote request failed", "op", op, "request_id", requestID, "error", err)
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("remote request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &errdefs.ProtocolError{Op: op, Reason: "empty response body"}
		}
		return &errdefs.ProtocolError{Op: op, Reason: "malformed response body", Err: err}
	}
	return nil
}
