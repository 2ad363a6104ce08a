// Package fakeremote is an in-process implementation of the remote planning
// and execution service. Executions advance one step per status poll, which
// makes end-to-end runs deterministic.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/seantiz/conduit/internal/model"
)

// Route names accepted by FailNext and MalformedNext.
const (
	RoutePlan    = "plan"
	RouteExecute = "execute"
	RouteStatus  = "status"
	RouteProcess = "process"
	RouteQuery   = "query"
)

// Options controls how executions behave.
type Options struct {
	// Prefix is the path prefix of every route. Defaults to /api/v1.
	Prefix string

	// Steps are the plan steps returned by every plan request. Defaults to
	// a four-step electrical plan.
	Steps []model.Step

	// ApprovalAtPoll gates an execution on human review starting at this
	// poll. Zero disables the gate.
	ApprovalAtPoll int

	// ApprovalHold is how many polls the gate stays open before it is
	// treated as approved. Defaults to 1.
	ApprovalHold int

	// FailAtPoll makes an execution fail at this poll. Zero disables it.
	FailAtPoll int

	// ResultCommands are returned in the results of completed executions.
	ResultCommands []model.Command
}

// ProcessedCommand is a command received on the process route.
type ProcessedCommand struct {
	CommandID string
	Command   model.Command
	Context   model.ProjectContext
}

type execution struct {
	id       string
	taskID   string
	mode     string
	polls    int
	step     int
	held     int
	approved bool
	started  time.Time
}

type fault struct {
	remaining int
	status    int
}

// Server serves the remote contract from memory.
type Server struct {
	opts   Options
	router *chi.Mux

	mu         sync.Mutex
	plans      map[string][]model.Step
	executions map[string]*execution
	processed  []ProcessedCommand
	reject     bool
	faults     map[string]*fault
	malformed  map[string]bool
	requests   map[string]int
}

// New creates a fake remote.
func New(opts Options) *Server {
	if opts.Prefix == "" {
		opts.Prefix = "/api/v1"
	}
	if len(opts.Steps) == 0 {
		opts.Steps = defaultSteps()
	}
	if opts.ApprovalHold <= 0 {
		opts.ApprovalHold = 1
	}

	s := &Server{
		opts:       opts,
		router:     chi.NewRouter(),
		plans:      make(map[string][]model.Step),
		executions: make(map[string]*execution),
		faults:     make(map[string]*fault),
		malformed:  make(map[string]bool),
		requests:   make(map[string]int),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Route(opts.Prefix, func(r chi.Router) {
		r.With(s.inject(RoutePlan)).Post("/tasks/plan", s.handlePlan)
		r.With(s.inject(RouteExecute)).Post("/tasks/{taskID}/execute", s.handleExecute)
		r.With(s.inject(RouteStatus)).Get("/executions/{executionID}/status", s.handleStatus)
		r.With(s.inject(RouteProcess)).Post("/commands/process", s.handleProcess)
		r.With(s.inject(RouteQuery)).Post("/query", s.handleQuery)
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// FailNext makes the next n requests on route answer with status.
func (s *Server) FailNext(route string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = &fault{remaining: n, status: status}
}

// MalformedNext makes the next request on route answer 200 with a body that
// is not valid JSON.
func (s *Server) MalformedNext(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed[route] = true
}

// RejectCommands makes the process route reply accepted=false.
func (s *Server) RejectCommands(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// Processed returns the commands received so far, in arrival order.
func (s *Server) Processed() []ProcessedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessedCommand(nil), s.processed...)
}

// Requests reports how many requests reached route, injected faults
// included.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// inject applies queued faults for route before the handler runs.
func (s *Server) inject(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.requests[route]++
			f := s.faults[route]
			failStatus := 0
			if f != nil && f.remaining > 0 {
				f.remaining--
				failStatus = f.status
			}
			bad := s.malformed[route]
			delete(s.malformed, route)
			s.mu.Unlock()

			switch {
			case failStatus != 0:
				writeError(w, failStatus, "injected failure")
			case bad:
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"broken":`))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

type planRequest struct {
	Description string         `json:"description"`
	Priority    model.Priority `json:"priority"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	taskID := uuid.NewString()
	steps := append([]model.Step(nil), s.opts.Steps...)

	s.mu.Lock()
	s.plans[taskID] = steps
	s.mu.Unlock()

	var warnings []string
	if len(steps) > 0 && s.opts.ApprovalAtPoll > 0 {
		warnings = append(warnings, "execution requires engineer review")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": taskID,
		"status": "planned",
		"plan": map[string]any{
			"objective": req.Description,
			"steps":     steps,
		},
		"estimatedDuration": 30 * len(steps),
		"warnings":          warnings,
	})
}

type executeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if _, ok := s.plans[taskID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	e := &execution{id: uuid.NewString(), taskID: taskID, mode: req.Mode, started: time.Now().UTC()}
	s.executions[e.id] = e
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, model.ExecutionHandle{
		ExecutionID: e.id,
		TaskID:      taskID,
		Status:      "started",
		StartedAt:   e.started,
		Message:     "execution started in " + req.Mode + " mode",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	s.mu.Lock()
	e, ok := s.executions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	st := s.advance(e)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, st)
}

// advance moves e forward by one poll and returns the resulting status.
// Callers hold s.mu.
func (s *Server) advance(e *execution) model.ExecutionStatus {
	e.polls++
	steps := s.plans[e.taskID]
	total := len(steps)

	st := model.ExecutionStatus{
		ExecutionID: e.id,
		Status:      model.ExecutionInProgress,
		UpdatedAt:   time.Now().UTC(),
	}

	if s.opts.FailAtPoll > 0 && e.polls >= s.opts.FailAtPoll {
		st.Status = model.ExecutionFailed
		st.Progress = float64(model.Percent(e.step, total))
		st.CurrentStep = stepTitle(steps, e.step)
		st.Error = fmt.Sprintf("step %q failed", st.CurrentStep)
		return st
	}

	gate := s.opts.ApprovalAtPoll > 0 && e.polls >= s.opts.ApprovalAtPoll && !e.approved
	if gate {
		e.held++
		if e.held > s.opts.ApprovalHold {
			e.approved = true
			gate = false
		}
	}

	if !gate && e.polls > 1 && e.step < total {
		e.step++
	}

	st.Progress = float64(model.Percent(e.step, total))
	st.CurrentStep = stepTitle(steps, min(e.step, total-1))
	remaining := (total - e.step) * 30
	st.EstimatedSecondsRemaining = &remaining

	switch {
	case e.polls == 1:
		st.Status = model.ExecutionPending
	case gate:
		st.RequiresApproval = true
		st.Approval = &model.ApprovalRequest{
			ID:              "approval-" + e.id,
			Description:     "Review results of " + st.CurrentStep,
			Type:            "engineering_review",
			RequiredActions: []string{"approve", "reject"},
		}
	case e.step >= total:
		st.Status = model.ExecutionCompleted
		st.Progress = 100
		st.Results = &model.ExecutionResults{
			Commands: s.opts.ResultCommands,
			Calculations: []model.Calculation{{
				Name:              "Panel load",
				Methodology:       "NEC Article 220",
				Results:           map[string]float64{"connected_kva": 187.5, "demand_kva": 142.3},
				Units:             "kVA",
				MeetsRequirements: true,
			}},
		}
	}
	return st
}

type processRequest struct {
	CommandID string               `json:"commandId"`
	Command   model.Command        `json:"command"`
	Context   model.ProjectContext `json:"context"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.processed = append(s.processed, ProcessedCommand(req))
	reject := s.reject
	s.mu.Unlock()

	if reject {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "message": "command rejected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "commandId": req.CommandID})
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":  "Received: " + req.Query,
		"sessionId": req.SessionID,
		"timestamp": time.Now().UTC(),
		"metadata": map[string]any{
			"confidence":     0.87,
			"responseType":   "answer",
			"references":     []string{"NEC 220.61"},
			"requiresReview": false,
		},
	})
}

func stepTitle(steps []model.Step, i int) string {
	if i < 0 || i >= len(steps) {
		return ""
	}
	return steps[i].Title
}

func defaultSteps() []model.Step {
	return []model.Step{
		{Number: 1, Title: "Context Analysis", AssignedAgent: "orchestrator", Status: model.StepStatusPending},
		{Number: 2, Title: "Load Calculation", AssignedAgent: "electrical_specialist", Status: model.StepStatusPending},
		{Number: 3, Title: "QA/QC Review", AssignedAgent: "qa_specialist", RequiresApproval: true, Status: model.StepStatusPending},
		{Number: 4, Title: "Documentation Generation", AssignedAgent: "documentation_agent", Status: model.StepStatusPending},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
