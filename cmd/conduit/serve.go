package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/conduit/internal/api"
	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/executor"
	"github.com/seantiz/conduit/internal/queue"
	"github.com/seantiz/conduit/internal/simulator"
	"github.com/seantiz/conduit/internal/store"
)

const (
	historyKeep  = 1000
	finishedKeep = 200
	trimInterval = time.Minute
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API, workflow engine and command dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.String("listen-addr", "", "address the control API listens on")
	f.String("db-path", "", "SQLite path for command history (:memory: keeps it in memory)")
	f.Duration("poll-interval", 0, "interval between execution status polls")
	f.Float64("simulator-scale", 0, "multiplier applied to simulated work delays")
	bindFlags(cmd, map[string]string{
		config.KeyListenAddr:     "listen-addr",
		config.KeyDBPath:         "db-path",
		config.KeyPollInterval:   "poll-interval",
		config.KeySimulatorScale: "simulator-scale",
	})
	return cmd
}

func (a *app) runServe(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("conduit: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"remote_url", cfg.RemoteURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	remote := a.newClient()

	executors := executor.NewRegistry()
	executors.SetFallback(executor.LoggingExecutor{Logger: logger})

	q := queue.New(
		engine.NewCommandDispatcher(remote, executors, a.project, logger),
		logger,
		queue.WithIdleWait(cfg.QueueIdleWait),
		queue.WithRecorder(db),
	)
	eng := engine.New(remote, q, logger,
		engine.WithSnapshotRecorder(db),
		engine.WithMonitorOptions(a.monitorOptions()...),
	)
	sim, err := simulator.New(logger, simulator.WithTiming(simulator.DefaultTiming().Scale(cfg.SimulatorScale)))
	if err != nil {
		return fmt.Errorf("create simulator: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     db,
		Queue:     q,
		Engine:    eng,
		Simulator: sim,
		Querier:   remote,
		Executors: executors,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(trimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := q.Trim(historyKeep); n > 0 {
					logger.Debug("trimmed command history", "removed", n)
				}
				if n := eng.Trim(finishedKeep); n > 0 {
					logger.Debug("trimmed finished workflows", "removed", n)
				}
				if n := sim.Trim(finishedKeep); n > 0 {
					logger.Debug("trimmed finished processes", "removed", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		// Workflows first so that no new result commands arrive while the
		// dispatcher drains.
		eng.Close()
		sim.Close()
		q.Close()
		return nil
	})

	return g.Wait()
}
