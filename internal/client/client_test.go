package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/conduit/internal/client"
	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newClient(t *testing.T, h http.Handler, opts ...client.Option) *client.Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	opts = append([]client.Option{
		client.WithRetryPolicy(retry.New(3, time.Millisecond, testLogger())),
		client.WithContextProvider(client.StaticContext{ProjectName: "Tower B", Discipline: "electrical"}),
	}, opts...)
	return client.New(ts.URL, testLogger(), opts...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreatePlan(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/tasks/plan", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "size panel LP-1", body["description"])
		assert.Equal(t, "high", body["priority"])
		assert.Equal(t, "Tower B", body["context"].(map[string]any)["projectName"])
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		writeJSON(w, map[string]any{
			"taskId": "task-1",
			"status": "planned",
			"plan": map[string]any{
				"objective": "size panel",
				"steps": []map[string]any{
					{"stepNumber": 1, "title": "Gather loads", "assignedAgent": "electrical"},
					{"stepNumber": 2, "title": "Review", "requiresApproval": true},
				},
			},
			"estimatedDuration": 120,
			"warnings":          []string{"verify demand factors"},
		})
	})

	c := newClient(t, r)
	plan, err := c.CreatePlan(context.Background(), client.PlanRequest{Description: "  size panel LP-1 ", Priority: model.PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, "task-1", plan.ID)
	assert.Equal(t, "size panel", plan.Objective)
	require.Len(t, plan.Steps, 2)
	assert.Len(t, plan.ApprovalSteps(), 1)
	assert.Equal(t, 120, plan.EstimatedDuration)
	assert.Equal(t, []string{"verify demand factors"}, plan.Warnings)
}

func TestCreatePlanValidatesBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	_, err := c.CreatePlan(context.Background(), client.PlanRequest{Description: "   "})
	var ve *errdefs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "description", ve.Field)

	_, err = c.CreatePlan(context.Background(), client.PlanRequest{Description: "x", Priority: "asap"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "priority", ve.Field)

	assert.Zero(t, calls.Load())
}

func TestCreatePlanProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"taskId":`},
		{"empty body", ``},
		{"null plan", `{"taskId":"t1","plan":null}`},
		{"no steps", `{"taskId":"t1","plan":{"objective":"x","steps":[]}}`},
		{"no task id", `{"plan":{"steps":[{"stepNumber":1,"title":"a"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := c.CreatePlan(context.Background(), client.PlanRequest{Description: "x"})
			var pe *errdefs.ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.False(t, errdefs.IsRetryable(err))
			assert.Equal(t, errdefs.MsgProtocol, errdefs.UserMessage(err))
			assert.Equal(t, int32(1), calls.Load(), "protocol errors are not retried")
		})
	}
}

func TestCreatePlanTransportErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.CreatePlan(context.Background(), client.PlanRequest{Description: "x"})
	var te *errdefs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, errdefs.MsgTransport, errdefs.UserMessage(err))
}

func TestRequestIDStableAcrossRetries(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-Id"))
		n := len(ids)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"executionId": "e1", "taskId": "t1", "status": "started"})
	}))

	_, err := c.StartExecution(context.Background(), "t1", "", nil)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestStartExecution(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/tasks/{taskID}/execute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "supervised", body["mode"])
		writeJSON(w, map[string]any{
			"executionId": "exec-9",
			"status":      "started",
			"startedAt":   time.Now().UTC(),
		})
	})

	c := newClient(t, r)
	h, err := c.StartExecution(context.Background(), "task-1", model.ModeSupervised, map[string]any{"dryRun": true})
	require.NoError(t, err)
	assert.Equal(t, "exec-9", h.ExecutionID)
	assert.Equal(t, "task-1", h.TaskID)

	_, err = c.StartExecution(context.Background(), "", "", nil)
	assert.Error(t, err)
	_, err = c.StartExecution(context.Background(), "task-1", "yolo", nil)
	var ve *errdefs.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestStartExecutionMissingID(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "started"})
	}))
	_, err := c.StartExecution(context.Background(), "t1", "", nil)
	var pe *errdefs.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestGetStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/executions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "id") {
		case "good":
			writeJSON(w, map[string]any{
				"executionId":      "good",
				"status":           "in_progress",
				"progress":         42.5,
				"currentStep":      "Load Calculation",
				"requiresApproval": true,
				"approvalDetails":  map[string]any{"approvalId": "a1", "description": "review loads"},
			})
		case "weird":
			writeJSON(w, map[string]any{"executionId": "weird", "status": "exploded"})
		}
	})

	c := newClient(t, r)
	st, err := c.GetStatus(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionInProgress, st.Status)
	assert.InDelta(t, 42.5, st.Progress, 0.001)
	require.NotNil(t, st.Approval)
	assert.Equal(t, "a1", st.Approval.ID)

	_, err = c.GetStatus(context.Background(), "weird")
	var pe *errdefs.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestSendQuery(t *testing.T) {
	sessions := make(chan string, 2)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sessions <- body["sessionId"].(string)
		writeJSON(w, map[string]any{
			"response": "Use a 225A panel.",
			"metadata": map[string]any{"confidence": 0.9, "responseType": "answer", "requiresReview": true},
		})
	}))

	res, err := c.SendQuery(context.Background(), "what panel size?")
	require.NoError(t, err)
	assert.Equal(t, "Use a 225A panel.", res.ResponseText)
	assert.NotEmpty(t, res.SessionID)
	assert.InDelta(t, 0.9, res.Confidence, 0.001)
	assert.True(t, res.RequiresReview)

	res2, err := c.SendQueryInSession(context.Background(), res.SessionID, "and the feeder?")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, res2.SessionID)
	assert.Equal(t, <-sessions, <-sessions)

	_, err = c.SendQuery(context.Background(), "")
	var ve *errdefs.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestProcessCommand(t *testing.T) {
	bodies := make(chan map[string]any, 2)
	var accept atomic.Bool
	accept.Store(true)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/commands/process", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		writeJSON(w, map[string]any{"accepted": accept.Load(), "message": "family not loaded"})
	}))

	cmd := model.MustCommand(model.ValidateModel{Rules: []string{"NEC 210"}})
	pc := model.NewPendingCommand(cmd, time.Now())

	require.NoError(t, c.ProcessCommand(context.Background(), *pc))
	got := <-bodies
	assert.Equal(t, pc.ID, got["commandId"])
	assert.Equal(t, "validate_model", got["command"].(map[string]any)["commandType"])

	accept.Store(false)
	err := c.ProcessCommand(context.Background(), *pc)
	var ce *errdefs.CommandExecutionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "family not loaded", ce.Message)
}

func TestContextProviderError(t *testing.T) {
	boom := errors.New("host not ready")
	c := newClient(t, http.NotFoundHandler(), client.WithContextProvider(client.ContextFunc(
		func(context.Context) (model.ProjectContext, error) { return model.ProjectContext{}, boom },
	)))

	_, err := c.SendQuery(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)
}

func TestCustomPrefix(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orchestrator/executions/e1/status", r.URL.Path)
		writeJSON(w, map[string]any{"executionId": "e1", "status": "pending"})
	}), client.WithPrefix("orchestrator/"))

	_, err := c.GetStatus(context.Background(), "e1")
	require.NoError(t, err)
}
