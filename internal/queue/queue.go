// Package queue implements the command queue: a thread-safe FIFO of pending
// commands drained by a single background dispatcher.
//
// The mutex guards only the containers. It is never held across a dispatch,
// so producers are not blocked by slow remote calls.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/conduit/internal/broker"
	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
)

// Defaults for Queue.
const (
	DefaultIdleWait        = time.Second
	DefaultDispatchTimeout = 2 * time.Minute
)

// recordTimeout bounds one history write. It is independent of the dispatch
// deadline, which may already have passed.
const recordTimeout = 5 * time.Second

// allTopic is the broker topic carrying every status change.
const allTopic = "*"

// Dispatcher delivers one command. A returned error marks the command failed.
type Dispatcher interface {
	Dispatch(ctx context.Context, pc model.PendingCommand) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, pc model.PendingCommand) error

func (f DispatchFunc) Dispatch(ctx context.Context, pc model.PendingCommand) error {
	return f(ctx, pc)
}

// Recorder persists terminal command outcomes.
type Recorder interface {
	RecordCommand(ctx context.Context, pc model.PendingCommand) error
}

// Option customizes a Queue.
type Option func(*Queue)

// WithIdleWait sets how long the dispatcher sleeps when the queue is empty
// and nothing wakes it.
func WithIdleWait(d time.Duration) Option {
	return func(q *Queue) { q.idleWait = d }
}

// WithDispatchTimeout bounds a single dispatch, retries included.
func WithDispatchTimeout(d time.Duration) Option {
	return func(q *Queue) { q.dispatchTimeout = d }
}

// WithRecorder writes every terminal outcome to r.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// Queue is a FIFO of pending commands with one lazily started dispatcher.
type Queue struct {
	dispatcher      Dispatcher
	recorder        Recorder
	logger          *slog.Logger
	idleWait        time.Duration
	dispatchTimeout time.Duration
	broker          *broker.Broker[model.PendingCommand]

	mu      sync.Mutex
	pending []*model.PendingCommand
	history []*model.PendingCommand
	byID    map[string]*model.PendingCommand
	running bool
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	starts atomic.Int64
}

// New creates a queue that delivers commands through d.
func New(d Dispatcher, logger *slog.Logger, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		dispatcher:      d,
		logger:          logger,
		idleWait:        DefaultIdleWait,
		dispatchTimeout: DefaultDispatchTimeout,
		broker:          broker.New[model.PendingCommand](0),
		byID:            make(map[string]*model.PendingCommand),
		wake:            make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates cmd and appends it to the queue. The first call starts
// the dispatcher; later calls wake it. It returns a snapshot of the new
// pending command.
func (q *Queue) Enqueue(cmd model.Command) (model.PendingCommand, error) {
	if err := cmd.Validate(); err != nil {
		return model.PendingCommand{}, err
	}

	pc := model.NewPendingCommand(cmd, time.Now().UTC())

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.PendingCommand{}, fmt.Errorf("enqueue: %w", errdefs.ErrClosed)
	}
	q.pending = append(q.pending, pc)
	q.history = append(q.history, pc)
	q.byID[pc.ID] = pc
	queueDepth.Set(float64(len(q.pending)))
	snap := pc.Clone()
	q.publish(snap)
	start := !q.running
	if start {
		q.running = true
		q.starts.Add(1)
		q.wg.Go(q.run)
	}
	q.mu.Unlock()

	if !start {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}

	q.logger.Info("command enqueued", "command_id", snap.ID, "kind", cmd.Kind(), "priority", cmd.Priority())
	return snap, nil
}

// Snapshot returns copies of the commands still waiting for dispatch, in
// queue order.
func (q *Queue) Snapshot() []model.PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.pending)
}

// History returns copies of every retained command in insertion order with
// its current status.
func (q *Queue) History() []model.PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.history)
}

// Get returns a copy of the command with the given id.
func (q *Queue) Get(id string) (model.PendingCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pc, ok := q.byID[id]
	if !ok {
		return model.PendingCommand{}, fmt.Errorf("command %s: %w", id, errdefs.ErrNotFound)
	}
	return pc.Clone(), nil
}

// Len reports how many commands are waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Trim drops the oldest terminal commands from history until at most keep
// terminal entries remain. Queued and processing commands are never dropped.
// It returns the number of entries removed.
func (q *Queue) Trim(keep int) int {
	if keep < 0 {
		keep = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	terminal := 0
	for _, pc := range q.history {
		if model.CommandTerminal(pc.Status) {
			terminal++
		}
	}
	drop := terminal - keep
	if drop <= 0 {
		return 0
	}

	kept := q.history[:0]
	removed := 0
	for _, pc := range q.history {
		if removed < drop && model.CommandTerminal(pc.Status) {
			delete(q.byID, pc.ID)
			removed++
			continue
		}
		kept = append(kept, pc)
	}
	clear(q.history[len(kept):])
	q.history = kept
	return removed
}

// Subscribe returns a channel of command snapshots taken on every status
// change, and an unsubscribe function. Slow subscribers miss updates.
func (q *Queue) Subscribe() (<-chan model.PendingCommand, func()) {
	return q.broker.Subscribe(allTopic)
}

// DispatcherStarts reports how many dispatcher goroutines have been started
// over the queue's lifetime. It is at most one.
func (q *Queue) DispatcherStarts() int64 {
	return q.starts.Load()
}

// Close stops the dispatcher and waits for it to exit. A dispatch already in
// flight runs to completion; commands still queued stay queued. Enqueue
// fails after Close.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.broker.Close(allTopic)
}

// Wait blocks until the dispatcher has exited. It returns immediately if no
// dispatcher was started.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// run is the dispatcher loop.
func (q *Queue) run() {
	q.logger.Debug("dispatcher started")
	defer q.logger.Debug("dispatcher stopped")

	for {
		if q.ctx.Err() != nil {
			return
		}

		pc := q.pop()
		if pc == nil {
			timer := time.NewTimer(q.idleWait)
			select {
			case <-q.ctx.Done():
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		q.process(pc)
	}
}

// pop removes and returns the head of the queue, marked processing.
func (q *Queue) pop() *model.PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	pc := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	queueDepth.Set(float64(len(q.pending)))

	if err := pc.Advance(model.CommandProcessing, time.Now().UTC(), ""); err != nil {
		q.logger.Error("failed to mark command processing", "command_id", pc.ID, "error", err)
	}
	return pc
}

// process dispatches one command and records its outcome. Cancelling the
// queue does not abort a dispatch in flight.
func (q *Queue) process(pc *model.PendingCommand) {
	q.mu.Lock()
	snap := pc.Clone()
	q.mu.Unlock()
	q.publish(snap)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), q.dispatchTimeout)
	defer cancel()

	start := time.Now()
	err := q.dispatch(ctx, snap)
	dispatchDuration.Observe(time.Since(start).Seconds())

	q.mu.Lock()
	if err != nil {
		_ = pc.Advance(model.CommandFailed, time.Now().UTC(), err.Error())
	} else {
		_ = pc.Advance(model.CommandCompleted, time.Now().UTC(), "")
	}
	snap = pc.Clone()
	q.mu.Unlock()

	commandsProcessedTotal.WithLabelValues(snap.Status).Inc()
	if err != nil {
		q.logger.Warn("command failed",
			"command_id", snap.ID,
			"kind", snap.Command.Kind(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
	} else {
		q.logger.Info("command completed",
			"command_id", snap.ID,
			"kind", snap.Command.Kind(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	q.record(snap)
	q.publish(snap)
}

// record writes a terminal outcome to the recorder on a fresh context.
func (q *Queue) record(pc model.PendingCommand) {
	if q.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), recordTimeout)
	defer cancel()
	if err := q.recorder.RecordCommand(ctx, pc); err != nil {
		q.logger.Error("failed to record command", "command_id", pc.ID, "error", err)
	}
}

// dispatch calls the dispatcher, turning a panic into an error so one bad
// command cannot kill the loop.
func (q *Queue) dispatch(ctx context.Context, pc model.PendingCommand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	return q.dispatcher.Dispatch(ctx, pc)
}

func (q *Queue) publish(pc model.PendingCommand) {
	q.broker.Publish(allTopic, pc)
}

func cloneAll(list []*model.PendingCommand) []model.PendingCommand {
	out := make([]model.PendingCommand, len(list))
	for i, pc := range list {
		out[i] = pc.Clone()
	}
	return out
}
