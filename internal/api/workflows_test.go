package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/conduit/internal/fakeremote"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/store"
)

func TestWorkflowLifecycle(t *testing.T) {
	cmd := model.MustCommand(model.GenerateDocumentation{DocumentationType: "panel_schedule"})
	env := newTestEnv(t, envOptions{remote: fakeremote.Options{ResultCommands: []model.Command{cmd}}})
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var wf model.Workflow
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]any{
		"description": "size panel LP-1",
		"priority":    "high",
		"mode":        "supervised",
	}, &wf)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if wf.ID == "" || wf.Status != model.WorkflowPending {
		t.Fatalf("submitted = %+v", wf)
	}

	env.engine.Wait()

	var got model.Workflow
	doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+wf.ID, nil, &got)
	if got.Status != model.WorkflowCompleted {
		t.Fatalf("status = %q (error %q), want completed", got.Status, got.Error)
	}
	if len(got.QueuedCommands) != 1 {
		t.Errorf("queued commands = %v, want 1", got.QueuedCommands)
	}
	waitForCommand(t, ts, got.QueuedCommands[0])

	var list []model.Workflow
	doJSON(t, http.MethodGet, ts.URL+"/v1/workflows", nil, &list)
	if len(list) != 1 || list[0].ID != wf.ID {
		t.Errorf("list = %+v", list)
	}

	var snaps []store.Snapshot
	doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+wf.ID+"/snapshots", nil, &snaps)
	if len(snaps) == 0 || snaps[len(snaps)-1].Status != model.ExecutionCompleted {
		t.Errorf("snapshots = %+v", snaps)
	}

	// A finished workflow streams its snapshot and then ends.
	events := readSSE(t, ts.URL+"/v1/workflows/"+wf.ID+"/events", 5*time.Second)
	if len(events) != 2 || events[0].name != "workflow" || events[1].name != "done" {
		t.Errorf("events = %+v", events)
	}
}

func TestSubmitWorkflowValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var out map[string]string
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]any{"description": ""}, &out)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if out["error"] == "" {
		t.Error("missing error message")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing status = %d, want 404", resp.StatusCode)
	}
}

func TestQueryProxy(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var res model.QueryResult
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/query", map[string]any{"query": "panel load?", "sessionId": "s-1"}, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if res.SessionID != "s-1" || res.ResponseText != "Received: panel load?" {
		t.Errorf("result = %+v", res)
	}

	env.remote.FailNext(fakeremote.RouteQuery, 10, http.StatusInternalServerError)
	var out map[string]string
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/query", map[string]any{"query": "again"}, &out)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if out["error"] != "Failed to communicate with the planning service." {
		t.Errorf("error = %q", out["error"])
	}
}
