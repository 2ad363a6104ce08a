package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout  = 15 * time.Second
	workflowTimeout = 30 * time.Second
	pollInterval    = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// getBinaries builds conduit and testserver once per test run.
func getBinaries(t *testing.T) (conduit, testserver string) {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e tests build binaries; skipped in -short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "conduit-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"conduit", "testserver"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, "conduit"), filepath.Join(binDir, "testserver")
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startProc runs binary and waits until readyURL answers 2xx or 4xx.
func startProc(t *testing.T, binary string, env, args []string, readyURL string) *lockedBuffer {
	t.Helper()

	out := &lockedBuffer{}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(readyURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return out
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\noutput:\n%s", binary, startupTimeout, out.String())
	return nil
}

// startStack starts the fake planning service and conduit serve against it
// and returns conduit's base URL.
func startStack(t *testing.T, remoteArgs ...string) string {
	t.Helper()
	conduit, testserver := getBinaries(t)

	remoteAddr := freeAddr(t)
	startProc(t, testserver, nil, append([]string{"--listen-addr", remoteAddr}, remoteArgs...),
		"http://"+remoteAddr+"/api/v1/executions/none/status")

	addr := freeAddr(t)
	url := "http://" + addr
	startProc(t, conduit, []string{
		"CONDUIT_REMOTE_URL=http://" + remoteAddr,
		"CONDUIT_DB_PATH=" + filepath.Join(t.TempDir(), "conduit.db"),
		"CONDUIT_POLL_INTERVAL=50ms",
		"CONDUIT_QUEUE_IDLE_WAIT=20ms",
		"CONDUIT_RETRY_BASE_DELAY=10ms",
		"CONDUIT_SIMULATOR_SCALE=0.001",
		"CONDUIT_LOG_LEVEL=debug",
	}, []string{"serve", "--listen-addr", addr}, url+"/healthz")
	return url
}

type workflow struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Progress         float64  `json:"progress"`
	Error            string   `json:"error"`
	QueuedCommands   []string `json:"queuedCommands"`
	AwaitingApproval bool     `json:"awaitingApproval"`
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func waitWorkflow(t *testing.T, base, id string) workflow {
	t.Helper()
	deadline := time.Now().Add(workflowTimeout)
	var wf workflow
	for time.Now().Before(deadline) {
		getJSON(t, base+"/v1/workflows/"+id, &wf)
		if wf.Status == "completed" || wf.Status == "failed" {
			return wf
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("workflow %s did not finish within %v (last status %q)", id, workflowTimeout, wf.Status)
	return wf
}

func TestWorkflowCompletesAndDispatchesCommands(t *testing.T) {
	base := startStack(t, "--approval-at-poll", "2")

	var wf workflow
	if code := postJSON(t, base+"/v1/workflows", map[string]any{
		"description": "Size the feeders for level 2 panels",
		"priority":    "high",
	}, &wf); code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", code)
	}

	done := waitWorkflow(t, base, wf.ID)
	if done.Status != "completed" {
		t.Fatalf("workflow status = %q (error %q), want completed", done.Status, done.Error)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %v, want 100", done.Progress)
	}
	if len(done.QueuedCommands) != 2 {
		t.Fatalf("queued commands = %d, want 2", len(done.QueuedCommands))
	}

	// Both commands are dispatched in submission order and land in history.
	deadline := time.Now().Add(workflowTimeout)
	for time.Now().Before(deadline) {
		var list struct {
			Commands []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"commands"`
			Total int `json:"total"`
		}
		getJSON(t, base+"/v1/commands", &list)
		if list.Total == 2 {
			for _, c := range list.Commands {
				if c.Status != "completed" {
					t.Errorf("command %s status = %q, want completed", c.ID, c.Status)
				}
			}
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatal("commands were not recorded in history")
}

func TestWorkflowFailureIsReported(t *testing.T) {
	base := startStack(t, "--fail-at-poll", "3")

	var wf workflow
	postJSON(t, base+"/v1/workflows", map[string]any{"description": "Run a short circuit study"}, &wf)

	done := waitWorkflow(t, base, wf.ID)
	if done.Status != "failed" {
		t.Fatalf("workflow status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "failed") {
		t.Errorf("error = %q, want the remote failure message", done.Error)
	}
}

func TestSimulatedProcessCompletes(t *testing.T) {
	base := startStack(t)

	var proc struct {
		ID string `json:"processId"`
	}
	if code := postJSON(t, base+"/v1/processes", map[string]any{"request": "Calculate panel loads"}, &proc); code != http.StatusAccepted && code != http.StatusCreated {
		t.Fatalf("start process status = %d", code)
	}

	deadline := time.Now().Add(workflowTimeout)
	for time.Now().Before(deadline) {
		var p struct {
			OverallStatus   string `json:"overallStatus"`
			OverallProgress int    `json:"overallProgress"`
		}
		getJSON(t, base+"/v1/processes/"+proc.ID, &p)
		if p.OverallStatus == "completed" {
			if p.OverallProgress != 100 {
				t.Errorf("progress = %d, want 100", p.OverallProgress)
			}
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatal("process did not complete")
}
