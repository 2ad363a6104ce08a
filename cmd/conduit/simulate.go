package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/simulator"
)

func (a *app) simulateCmd() *cobra.Command {
	var failStep int

	cmd := &cobra.Command{
		Use:   "simulate <request>",
		Short: "Run a simulated multi-agent process and print its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSimulate(cmd, args[0], failStep)
		},
	}

	f := cmd.Flags()
	f.Float64("scale", 0, "multiplier applied to simulated work delays")
	f.IntVar(&failStep, "fail-step", 0, "fail the given 1-based step to exercise the failure path")
	bindFlags(cmd, map[string]string{config.KeySimulatorScale: "scale"})
	return cmd
}

func (a *app) runSimulate(cmd *cobra.Command, request string, failStep int) error {
	opts := []simulator.Option{simulator.WithTiming(simulator.DefaultTiming().Scale(a.cfg.SimulatorScale))}
	if failStep > 0 {
		opts = append(opts, simulator.WithFailureInjector(func(_ model.OrchestrationProcess, step, subtask int) error {
			if step == failStep-1 && subtask == 0 {
				return fmt.Errorf("injected failure")
			}
			return nil
		}))
	}

	sim, err := simulator.New(a.logger, opts...)
	if err != nil {
		return err
	}
	defer sim.Close()

	events, unsub := sim.Broker().Subscribe(simulator.AllProcesses)
	defer unsub()

	p, err := sim.Start(request)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "process %s (%s), %d steps\n", p.ID, p.ProcessType, len(p.Steps))

	done := cmd.Context().Done()
	for {
		select {
		case <-done:
			// Keep draining so the canceled state is printed.
			done = nil
			_ = sim.Cancel(p.ID)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before process %s finished", p.ID)
			}
			if ev.ProcessID != p.ID {
				continue
			}
			printEvent(out, ev)
			if !model.ProcessTerminal(ev.Process.OverallStatus) {
				continue
			}
			if ev.Process.OverallStatus != model.ProcessCompleted {
				return fmt.Errorf("process %s %s: %s", p.ID, ev.Process.OverallStatus, ev.Process.Error)
			}
			return nil
		}
	}
}

func printEvent(w io.Writer, ev simulator.Event) {
	p := ev.Process
	if ev.Step == nil {
		fmt.Fprintf(w, "[%3d%%] %s\n", p.OverallProgress, p.OverallStatus)
		return
	}
	s := ev.Step
	fmt.Fprintf(w, "[%3d%%] %-28s %-10s %3d%%\n", p.OverallProgress, s.Name, s.Status, s.Progress)
	if s.Status == model.OrchStepCompleted && s.Result != "" {
		fmt.Fprintf(w, "       %s\n", s.Result)
	}
}
