// testserver runs an in-process stand-in for the remote planning service,
// for E2E tests and local development against conduit serve.
// Usage: go run ./cmd/testserver [--approval-at-poll N] [--fail-at-poll N]
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/seantiz/conduit/internal/fakeremote"
	"github.com/seantiz/conduit/internal/model"
)

func main() {
	addr := ":5000"
	if v := os.Getenv("CONDUIT_FAKE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	var opts fakeremote.Options
	withResults := true
	pflag.StringVar(&addr, "listen-addr", addr, "address to listen on")
	pflag.StringVar(&opts.Prefix, "prefix", "", "route prefix (default /api/v1)")
	pflag.IntVar(&opts.ApprovalAtPoll, "approval-at-poll", 0, "open an approval gate at this poll")
	pflag.IntVar(&opts.ApprovalHold, "approval-hold", 1, "polls the approval gate stays open")
	pflag.IntVar(&opts.FailAtPoll, "fail-at-poll", 0, "fail executions at this poll")
	pflag.BoolVar(&withResults, "with-results", withResults, "return sample commands in execution results")
	pflag.Parse()

	if withResults {
		opts.ResultCommands = sampleCommands()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	fr := fakeremote.New(opts)
	srv := &http.Server{
		Addr:              addr,
		Handler:           fr.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("testserver: starting", "addr", addr, "approval_at_poll", opts.ApprovalAtPoll, "fail_at_poll", opts.FailAtPoll)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func sampleCommands() []model.Command {
	return []model.Command{
		model.MustCommand(model.CreateElement{
			ElementType: "ElectricalEquipment",
			FamilyName:  "Panelboard",
			TypeName:    "225A MLO",
			Level:       "Level 2",
			Location:    &model.Point{X: 12, Y: 4},
		}, model.WithDescription("Place panel LP-2A"), model.WithTransaction(true, "Place panel")),
		model.MustCommand(model.RunCalculation{
			CalculationType: "panel_load",
			UpdateElements:  true,
		}, model.WithDescription("Recalculate panel loads"), model.WithPriority(model.PriorityHigh)),
	}
}
