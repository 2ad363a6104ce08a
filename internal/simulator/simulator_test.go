package simulator_test

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/simulator"
)

var fastTiming = simulator.Timing{
	Initial:      time.Microsecond,
	SubtaskMin:   time.Microsecond,
	SubtaskMax:   5 * time.Microsecond,
	BetweenSteps: time.Microsecond,
}

func newSim(t *testing.T, opts ...simulator.Option) *simulator.Simulator {
	t.Helper()
	opts = append([]simulator.Option{simulator.WithTiming(fastTiming), simulator.WithSeed(42)}, opts...)
	s, err := simulator.New(slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// collect gathers events for id from the all-process topic until the
// process reaches a terminal status.
func collect(t *testing.T, ch <-chan simulator.Event, id string) []simulator.Event {
	t.Helper()
	var events []simulator.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed early")
			if ev.ProcessID != id {
				continue
			}
			events = append(events, ev)
			if model.ProcessTerminal(ev.Process.OverallStatus) {
				return events
			}
		case <-timeout:
			t.Fatalf("process %s did not finish; got %d events", id, len(events))
		}
	}
}

func TestClassify(t *testing.T) {
	s := newSim(t)
	tests := []struct {
		text string
		want string
	}{
		{"Run an ELECTRICAL load calc on DP-2A", "electrical_load_calculation"},
		{"check panel capacity", "electrical_load_calculation"},
		{"size the HVAC units", "mechanical_equipment_sizing"},
		{"select mechanical equipment", "mechanical_equipment_sizing"},
		{"review code compliance", "code_compliance_review"},
		{"mechanical load", "electrical_load_calculation"},
		{"write me a poem", "electrical_load_calculation"},
		{"", "electrical_load_calculation"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Classify(tt.text))
		})
	}

	assert.Equal(t, []string{"electrical_load_calculation", "mechanical_equipment_sizing", "code_compliance_review"}, s.Templates())
}

func TestTemplateShapes(t *testing.T) {
	s := newSim(t)
	for name, steps := range map[string]int{
		"electrical_load_calculation": 5,
		"mechanical_equipment_sizing": 5,
		"code_compliance_review":      4,
	} {
		tmpl, ok := s.Template(name)
		require.True(t, ok, name)
		assert.Len(t, tmpl.Steps, steps, name)
		for _, st := range tmpl.Steps {
			assert.NotEmpty(t, st.Subtasks, "%s/%s", name, st.Name)
		}
	}
}

func TestTemplateReturnsCopy(t *testing.T) {
	s := newSim(t)
	tmpl, ok := s.Template("electrical_load_calculation")
	require.True(t, ok)
	require.NotEmpty(t, tmpl.Keywords)

	tmpl.Keywords[0] = "tampered"
	tmpl.Steps[0].Name = "tampered"
	tmpl.Steps[0].Subtasks[0] = "tampered"
	if len(tmpl.Steps[0].Result) > 0 {
		tmpl.Steps[0].Result[0] = "tampered"
	}
	tmpl.Steps = tmpl.Steps[:1]

	again, _ := s.Template("electrical_load_calculation")
	assert.NotEqual(t, "tampered", again.Keywords[0])
	assert.NotEqual(t, "tampered", again.Steps[0].Name)
	assert.NotEqual(t, "tampered", again.Steps[0].Subtasks[0])
	for _, line := range again.Steps[0].Result {
		assert.NotEqual(t, "tampered", line)
	}
	assert.Len(t, again.Steps, 5)

	p, err := s.Start("electrical panel")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", p.Steps[0].Subtasks[0])
}

func TestRunToCompletion(t *testing.T) {
	s := newSim(t)
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := s.Start("electrical load calculation for panel DP-2A")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessInitializing, p.OverallStatus)
	assert.Equal(t, "electrical_load_calculation", p.ProcessType)
	require.Len(t, p.Steps, 5)
	require.NotNil(t, p.EstimatedEndTime)

	events := collect(t, ch, p.ID)

	assert.Equal(t, model.ProcessRunning, events[0].Process.OverallStatus)
	assert.Nil(t, events[0].Step)

	// Overall progress moves only when a step completes.
	var overall []int
	for _, ev := range events {
		if ev.Step != nil && ev.Step.Status == model.OrchStepCompleted {
			overall = append(overall, ev.Process.OverallProgress)
		}
	}
	assert.Equal(t, []int{20, 40, 60, 80, 100}, overall)

	last := events[len(events)-1]
	assert.Equal(t, model.ProcessCompleted, last.Process.OverallStatus)
	assert.Equal(t, 100, last.Process.OverallProgress)
	assert.NotNil(t, last.Process.EndTime)
	for _, st := range last.Process.Steps {
		assert.Equal(t, model.OrchStepCompleted, st.Status)
		assert.Equal(t, 100, st.Progress)
		assert.NotNil(t, st.StartTime)
		assert.NotNil(t, st.EndTime)
		assert.NotEmpty(t, st.Result)
	}
	assert.Contains(t, last.Process.Steps[0].Result, "Panel DP-2A")

	s.Wait()
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessCompleted, got.OverallStatus)
}

func TestSubtaskProgressEvents(t *testing.T) {
	s := newSim(t)
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := s.Start("code compliance")
	require.NoError(t, err)
	events := collect(t, ch, p.ID)

	// Code Analysis has four subtasks.
	var progress []int
	stepID := p.Steps[1].ID
	for _, ev := range events {
		if ev.Step != nil && ev.Step.ID == stepID {
			progress = append(progress, ev.Step.Progress)
		}
	}
	assert.Equal(t, []int{0, 25, 50, 75, 100, 100}, progress)
}

func TestProcessesAreIndependent(t *testing.T) {
	s := newSim(t, simulator.WithTiming(simulator.DefaultTiming()))

	a, err := s.Start("panel")
	require.NoError(t, err)
	b, err := s.Start("panel")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	for i := range a.Steps {
		assert.NotEqual(t, a.Steps[i].ID, b.Steps[i].ID)
	}

	a.Steps[0].Subtasks[0] = "mutated"
	a.Steps[0].Name = "mutated"
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Extracting panel schedule data", got.Steps[0].Subtasks[0])
	assert.Equal(t, "Context Analysis", got.Steps[0].Name)

	other, err := s.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Extracting panel schedule data", other.Steps[0].Subtasks[0])

	assert.Len(t, s.List(), 2)
}

func TestFailureInjectionHaltsProcess(t *testing.T) {
	boom := errors.New("demand factor table unavailable")
	s := newSim(t, simulator.WithFailureInjector(func(p model.OrchestrationProcess, step, subtask int) error {
		if step == 1 && subtask == 2 {
			return boom
		}
		return nil
	}))
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := s.Start("electrical")
	require.NoError(t, err)
	events := collect(t, ch, p.ID)

	last := events[len(events)-1].Process
	assert.Equal(t, model.ProcessFailed, last.OverallStatus)
	assert.Contains(t, last.Error, "Load Calculation")
	assert.Contains(t, last.Error, boom.Error())
	assert.Equal(t, 20, last.OverallProgress)
	assert.Equal(t, model.OrchStepCompleted, last.Steps[0].Status)
	assert.Equal(t, model.OrchStepFailed, last.Steps[1].Status)
	for _, st := range last.Steps[2:] {
		assert.Equal(t, model.OrchStepPending, st.Status)
	}
}

func TestCancel(t *testing.T) {
	s := newSim(t, simulator.WithTiming(simulator.Timing{Initial: time.Microsecond, SubtaskMin: time.Hour, SubtaskMax: time.Hour}))
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := s.Start("hvac")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := s.Get(p.ID)
		return got.Steps[0].Status == model.OrchStepRunning
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Cancel(p.ID))
	events := collect(t, ch, p.ID)
	last := events[len(events)-1].Process
	assert.Equal(t, model.ProcessCanceled, last.OverallStatus)
	assert.Equal(t, model.OrchStepFailed, last.Steps[0].Status)

	s.Wait()
	assert.ErrorIs(t, s.Cancel(p.ID), errdefs.ErrInvalidTransition)
	assert.ErrorIs(t, s.Cancel("missing"), errdefs.ErrNotFound)
}

func TestEventsAreCopies(t *testing.T) {
	s := newSim(t)
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := s.Start("panel")
	require.NoError(t, err)
	events := collect(t, ch, p.ID)

	events[0].Process.Steps[0].Subtasks[0] = "mutated"
	events[1].Step.Subtasks[0] = "mutated too"

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Extracting panel schedule data", got.Steps[0].Subtasks[0])
	assert.NotEqual(t, "mutated", events[2].Process.Steps[0].Subtasks[0])
}

func TestProcessTopicClosesWhenDone(t *testing.T) {
	s := newSim(t)
	p, err := s.Start("panel")
	require.NoError(t, err)
	s.Wait()

	ch, unsub := s.Broker().Subscribe(p.ID)
	defer unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestTrimForgetsFinishedProcesses(t *testing.T) {
	s := newSim(t)
	var ids []string
	for range 3 {
		p, err := s.Start("panel")
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	s.Wait()

	assert.Equal(t, 2, s.Trim(1))
	assert.Len(t, s.List(), 1)
	for _, id := range ids {
		if _, err := s.Get(id); err == nil {
			assert.True(t, s.Broker().Closed(id))
		} else {
			assert.ErrorIs(t, err, errdefs.ErrNotFound)
			assert.False(t, s.Broker().Closed(id), "trimmed topic %s still tracked", id)
		}
	}
	assert.Zero(t, s.Trim(1))
}

func TestTrimKeepsRunningProcess(t *testing.T) {
	s := newSim(t, simulator.WithTiming(simulator.Timing{Initial: time.Hour}))
	p, err := s.Start("panel")
	require.NoError(t, err)

	assert.Zero(t, s.Trim(0))
	_, err = s.Get(p.ID)
	assert.NoError(t, err)
}

func TestClosedSimulatorRejectsStart(t *testing.T) {
	s := newSim(t)
	s.Close()
	_, err := s.Start("panel")
	assert.ErrorIs(t, err, errdefs.ErrClosed)
}

func TestCustomTemplates(t *testing.T) {
	data := []byte(strings.TrimSpace(`
templates:
  - name: tiny
    keywords: [tiny]
    steps:
      - name: Only
        agent: orchestrator
        subtasks: [a, b]
`))
	s := newSim(t, simulator.WithTemplates(data))
	ch, unsub := s.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	assert.Equal(t, "tiny", s.Classify("anything"))
	p, err := s.Start("tiny job")
	require.NoError(t, err)
	events := collect(t, ch, p.ID)
	last := events[len(events)-1].Process
	assert.Equal(t, "✓ Step completed successfully", last.Steps[0].Result)

	_, err = simulator.New(slog.New(slog.NewJSONHandler(io.Discard, nil)), simulator.WithTemplates([]byte("templates: [")))
	assert.Error(t, err)
}
