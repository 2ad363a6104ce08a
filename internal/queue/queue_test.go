package queue_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func cmd(t *testing.T, desc string) model.Command {
	t.Helper()
	c, err := model.NewCommand(model.RunCalculation{CalculationType: "load"}, model.WithDescription(desc))
	require.NoError(t, err)
	return c
}

func newQueue(t *testing.T, d queue.Dispatcher, opts ...queue.Option) *queue.Queue {
	t.Helper()
	opts = append([]queue.Option{queue.WithIdleWait(5 * time.Millisecond)}, opts...)
	q := queue.New(d, testLogger(), opts...)
	t.Cleanup(q.Close)
	return q
}

// waitForTerminal polls until every command in history is terminal.
func waitForTerminal(t *testing.T, q *queue.Queue, n int) []model.PendingCommand {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h := q.History()
		done := len(h) == n
		for _, pc := range h {
			if !model.CommandTerminal(pc.Status) {
				done = false
			}
		}
		if done {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("commands did not reach a terminal status in time: %+v", q.History())
	return nil
}

func TestFIFOWithSingleDispatcher(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	q := newQueue(t, queue.DispatchFunc(func(ctx context.Context, pc model.PendingCommand) error {
		mu.Lock()
		order = append(order, pc.Command.Description())
		mu.Unlock()
		return nil
	}))

	const n = 50
	var wg sync.WaitGroup
	want := make([]string, 0, n)
	for i := range n {
		desc := fmt.Sprintf("cmd-%02d", i)
		want = append(want, desc)
		_, err := q.Enqueue(cmd(t, desc))
		require.NoError(t, err)
	}
	// Concurrent producers must not start a second dispatcher.
	extra := cmd(t, "extra")
	for range 8 {
		wg.Go(func() {
			_, _ = q.Enqueue(extra)
		})
	}
	wg.Wait()

	h := waitForTerminal(t, q, n+8)
	for _, pc := range h {
		assert.Equal(t, model.CommandCompleted, pc.Status)
		assert.NotNil(t, pc.CompletedAt)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order[:n])
	assert.Equal(t, int64(1), q.DispatcherStarts())
}

func TestFailedCommandDoesNotWedgeDispatcher(t *testing.T) {
	var calls atomic.Int32
	q := newQueue(t, queue.DispatchFunc(func(ctx context.Context, pc model.PendingCommand) error {
		switch calls.Add(1) {
		case 1:
			return &errdefs.TransportError{Op: "process command", Attempts: 4, StatusCode: 503}
		case 2:
			panic("host crashed")
		}
		return nil
	}))

	first, err := q.Enqueue(cmd(t, "fails"))
	require.NoError(t, err)
	second, err := q.Enqueue(cmd(t, "panics"))
	require.NoError(t, err)
	third, err := q.Enqueue(cmd(t, "ok"))
	require.NoError(t, err)

	waitForTerminal(t, q, 3)

	got, err := q.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.Contains(t, got.Error, "HTTP 503")

	got, err = q.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.Contains(t, got.Error, "host crashed")

	got, err = q.Get(third.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestSnapshotShowsOnlyQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	q := newQueue(t, queue.DispatchFunc(func(ctx context.Context, pc model.PendingCommand) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	_, err := q.Enqueue(cmd(t, "first"))
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue(cmd(t, "second"))
	require.NoError(t, err)
	_, err = q.Enqueue(cmd(t, "third"))
	require.NoError(t, err)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "second", snap[0].Command.Description())
	assert.Equal(t, model.CommandQueued, snap[0].Status)

	h := q.History()
	require.Len(t, h, 3)
	assert.Equal(t, model.CommandProcessing, h[0].Status)

	close(release)
	waitForTerminal(t, q, 3)
	assert.Empty(t, q.Snapshot())
}

func TestEnqueueValidation(t *testing.T) {
	q := newQueue(t, queue.DispatchFunc(func(context.Context, model.PendingCommand) error { return nil }))

	_, err := q.Enqueue(model.Command{})
	var ve *errdefs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, q.History())
	assert.Zero(t, q.DispatcherStarts())
}

func TestCloseLetsInFlightDispatchFinish(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	q := queue.New(queue.DispatchFunc(func(ctx context.Context, pc model.PendingCommand) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}), testLogger(), queue.WithIdleWait(time.Millisecond))

	pc, err := q.Enqueue(cmd(t, "slow"))
	require.NoError(t, err)
	_, err = q.Enqueue(cmd(t, "left behind"))
	require.NoError(t, err)
	<-started

	q.Close()

	got, err := q.Get(pc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	assert.False(t, sawCancel.Load(), "in-flight dispatch should not see cancellation")
	assert.Len(t, q.Snapshot(), 1)

	_, err = q.Enqueue(cmd(t, "late"))
	assert.ErrorIs(t, err, errdefs.ErrClosed)
}

func TestTrimKeepsNewestTerminal(t *testing.T) {
	q := newQueue(t, queue.DispatchFunc(func(context.Context, model.PendingCommand) error { return nil }))

	var ids []string
	for _, d := range []string{"a", "b", "c", "d"} {
		pc, err := q.Enqueue(cmd(t, d))
		require.NoError(t, err)
		ids = append(ids, pc.ID)
	}
	waitForTerminal(t, q, 4)

	assert.Equal(t, 3, q.Trim(1))
	h := q.History()
	require.Len(t, h, 1)
	assert.Equal(t, ids[3], h[0].ID)

	_, err := q.Get(ids[0])
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Zero(t, q.Trim(5))
}

type recorder struct {
	mu      sync.Mutex
	seen    []model.PendingCommand
	ctxErrs []error
}

func (r *recorder) RecordCommand(ctx context.Context, pc model.PendingCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, pc)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return ctx.Err()
}

func TestRecorderAndSubscribe(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, queue.DispatchFunc(func(context.Context, model.PendingCommand) error {
		return errors.New("rejected")
	}), queue.WithRecorder(rec))

	updates, unsub := q.Subscribe()
	defer unsub()

	pc, err := q.Enqueue(cmd(t, "x"))
	require.NoError(t, err)
	waitForTerminal(t, q, 1)

	var statuses []string
	timeout := time.After(2 * time.Second)
	for len(statuses) < 3 {
		select {
		case u := <-updates:
			assert.Equal(t, pc.ID, u.ID)
			statuses = append(statuses, u.Status)
		case <-timeout:
			t.Fatalf("got statuses %v", statuses)
		}
	}
	assert.Equal(t, []string{model.CommandQueued, model.CommandProcessing, model.CommandFailed}, statuses)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.seen) == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "rejected", rec.seen[0].Error)
	rec.mu.Unlock()
}

func TestRecorderGetsLiveContextAfterDispatchTimeout(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, queue.DispatchFunc(func(ctx context.Context, _ model.PendingCommand) error {
		<-ctx.Done()
		return ctx.Err()
	}), queue.WithDispatchTimeout(20*time.Millisecond), queue.WithRecorder(rec))

	_, err := q.Enqueue(cmd(t, "slow host"))
	require.NoError(t, err)
	h := waitForTerminal(t, q, 1)
	assert.Equal(t, model.CommandFailed, h[0].Status)
	assert.Contains(t, h[0].Error, "deadline exceeded")

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.seen) == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NoError(t, rec.ctxErrs[0], "outcome recorded with an expired context")
	assert.Equal(t, model.CommandFailed, rec.seen[0].Status)
}

func TestConcurrentFirstEnqueuesStartOneDispatcher(t *testing.T) {
	for range 20 {
		var dispatched atomic.Int32
		q := newQueue(t, queue.DispatchFunc(func(context.Context, model.PendingCommand) error {
			dispatched.Add(1)
			return nil
		}))

		const producers = 16
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range producers {
			c := cmd(t, fmt.Sprintf("p-%d", i))
			wg.Go(func() {
				<-start
				_, err := q.Enqueue(c)
				assert.NoError(t, err)
			})
		}
		close(start)
		wg.Wait()

		waitForTerminal(t, q, producers)
		assert.Equal(t, int64(1), q.DispatcherStarts())
		assert.Equal(t, int32(producers), dispatched.Load())
	}
}
