// Package orchestrator is the public face of the engine. It admits tasks,
// runs them on a bounded worker pool, tracks their lifecycle, and hands
// every terminal outcome to the persistence sink exactly once.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/datasheet-cli/internal/escalation"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/monitoring"
	"github.com/sells-group/datasheet-cli/internal/store"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

const (
	defaultWorkers   = 4
	defaultRetention = time.Hour
	persistTimeout   = 30 * time.Second
)

// ErrClosed is returned by Submit and Run after Close.
var ErrClosed = eris.New("orchestrator closed")

// Engine runs one task's escalation rounds. *escalation.Controller
// satisfies it.
type Engine interface {
	Run(ctx context.Context, task model.Task, hooks escalation.Hooks) (*escalation.Outcome, error)
}

// Fetcher resolves source references. *source.Resolver satisfies it.
type Fetcher interface {
	Validate(ref string) error
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Snapshot is the externally visible state of one task.
type Snapshot struct {
	ID         string              `json:"id"`
	Source     string              `json:"source"`
	Status     model.TaskStatus    `json:"status"`
	Progress   string              `json:"progress,omitempty"`
	Record     *model.GoldenRecord `json:"record,omitempty"`
	Failure    *model.Failure      `json:"failure,omitempty"`
	Rounds     int                 `json:"rounds"`
	StopReason string              `json:"stop_reason,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// Err returns the failure as an error chain rooted at its sentinel, or nil.
func (s Snapshot) Err() error {
	if s.Failure == nil {
		return nil
	}
	return eris.Wrapf(s.Failure.Err(), "orchestrator: task %s", s.ID)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds how many tasks run at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCollector feeds terminal outcomes to c.
func WithCollector(c *monitoring.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithWeights reports t's current weights in Stats.
func WithWeights(t *weights.Table) Option {
	return func(o *Orchestrator) { o.weights = t }
}

// WithRetention sets how long finished tasks stay visible to Status.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// Orchestrator admits and runs tasks. It is safe for concurrent use.
type Orchestrator struct {
	engine    Engine
	fetcher   Fetcher
	sink      store.Sink
	collector *monitoring.Collector
	weights   *weights.Table
	workers   int
	retention time.Duration
	now       func() time.Time

	sem  *semaphore.Weighted
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*entry
	closed bool
}

// New creates an Orchestrator. A nil sink discards outcomes.
func New(engine Engine, fetcher Fetcher, sink store.Sink, opts ...Option) *Orchestrator {
	if sink == nil {
		sink = store.Discard{}
	}
	o := &Orchestrator{
		engine:    engine,
		fetcher:   fetcher,
		sink:      sink,
		workers:   defaultWorkers,
		retention: defaultRetention,
		now:       time.Now,
		tasks:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.collector == nil {
		o.collector = monitoring.NewCollector()
	}
	o.sem = semaphore.NewWeighted(int64(o.workers))
	o.base, o.stop = context.WithCancel(context.Background())
	return o
}

// Submit validates the request, registers a pending task, and returns its
// id without waiting for it to run. An unresolvable source wraps
// model.ErrSourceUnavailable.
func (o *Orchestrator) Submit(ctx context.Context, req model.TaskRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "orchestrator: submit")
	}
	e, err := o.admit(o.base, req)
	if err != nil {
		return "", err
	}

	go func() {
		defer o.wg.Done()
		o.process(e)
	}()
	return e.task.ID, nil
}

// Run processes the request in the caller's goroutine and blocks until it
// is terminal. It still counts against the worker bound. A record that
// needs human review is returned with a nil error.
func (o *Orchestrator) Run(ctx context.Context, req model.TaskRequest) (*model.GoldenRecord, error) {
	e, err := o.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer o.wg.Done()

	o.process(e)
	snap := e.snapshot()
	return snap.Record, snap.Err()
}

// Status returns the task's current snapshot.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	e, err := o.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// Wait blocks until the task is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Snapshot, error) {
	e, err := o.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), eris.Wrapf(ctx.Err(), "orchestrator: wait %s", id)
	}
}

// Cancel requests cooperative cancellation. A running task stops at its
// next round boundary; a pending task never runs. Cancelling a finished
// task wraps model.ErrTaskTerminal. Repeated calls are harmless.
func (o *Orchestrator) Cancel(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return eris.Wrapf(model.ErrTaskTerminal, "orchestrator: cancel %s (%s)", id, e.status)
	}
	if e.cancelRequested.CompareAndSwap(false, true) {
		zap.L().Info("orchestrator: cancel requested",
			zap.String("task_id", id),
			zap.String("status", string(e.status)),
		)
	}
	if e.status == model.TaskStatusPending {
		e.stopWaiting()
	}
	return nil
}

// Stats returns aggregate statistics over finished tasks plus the number
// of tasks still pending or running and, with WithWeights, the learned
// strategy weights.
func (o *Orchestrator) Stats() monitoring.Snapshot {
	snap := o.collector.Snapshot()
	if o.weights != nil {
		snap.Weights = o.weights.Snapshot().Map()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, e := range o.tasks {
		if !e.terminal() {
			snap.Active++
		}
	}
	return snap
}

// Close stops admitting tasks and waits for in-flight ones. If ctx ends
// first, remaining tasks are cancelled and the context error is returned.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		return eris.Wrap(ctx.Err(), "orchestrator: close")
	}
}

func (o *Orchestrator) admit(parent context.Context, req model.TaskRequest) (*entry, error) {
	ref := strings.TrimSpace(req.Source)
	if ref == "" {
		return nil, eris.Wrap(model.ErrSourceUnavailable, "orchestrator: empty source reference")
	}
	if err := o.fetcher.Validate(ref); err != nil {
		return nil, eris.Wrap(err, "orchestrator: submit")
	}

	now := o.now().UTC()
	task := model.Task{
		ID:        uuid.New().String(),
		Source:    ref,
		Hints:     req.Hints,
		Status:    model.TaskStatusPending,
		CreatedAt: now,
	}
	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		task:        task,
		status:      model.TaskStatusPending,
		ctx:         ctx,
		stopWaiting: cancel,
		done:        make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		cancel()
		return nil, ErrClosed
	}
	o.prune(now)
	o.tasks[task.ID] = e
	o.wg.Add(1)

	zap.L().Info("orchestrator: task admitted",
		zap.String("task_id", task.ID),
		zap.String("source", ref),
	)
	return e, nil
}

// prune drops finished tasks older than the retention window. Callers hold
// o.mu.
func (o *Orchestrator) prune(now time.Time) {
	if o.retention <= 0 {
		return
	}
	for id, e := range o.tasks {
		if fin, ok := e.finishedAt(); ok && now.Sub(fin) > o.retention {
			delete(o.tasks, id)
		}
	}
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.tasks[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrTaskNotFound, "orchestrator: task %s", id)
	}
	return e, nil
}

// process takes a worker slot, runs the task, and finishes it. A task
// cancelled while waiting for a slot is finished without running.
func (o *Orchestrator) process(e *entry) {
	defer e.stopWaiting()

	if err := o.sem.Acquire(e.ctx, 1); err != nil {
		o.finish(e, cancelled("cancelled before start"))
		return
	}
	defer o.sem.Release(1)

	if !e.start() {
		o.finish(e, cancelled("cancelled before start"))
		return
	}
	o.finish(e, o.execute(e))
}

// terminal is the outcome of one task before persistence.
type terminal struct {
	status  model.TaskStatus
	record  *model.GoldenRecord
	failure *model.Failure
	outcome *escalation.Outcome
}

func cancelled(msg string) terminal {
	return terminal{
		status:  model.TaskStatusCancelled,
		failure: &model.Failure{Kind: model.FailureCancelled, Message: msg},
	}
}

func failed(kind model.FailureKind, err error) terminal {
	return terminal{
		status:  model.TaskStatusFailed,
		failure: &model.Failure{Kind: kind, Message: err.Error()},
	}
}

func (o *Orchestrator) execute(e *entry) terminal {
	ctx := e.ctx
	task := e.task
	task.Status = model.TaskStatusRunning
	log := zap.L().With(zap.String("task_id", task.ID), zap.String("source", task.Source))

	e.setProgress("fetching source")
	doc, err := o.fetcher.Fetch(ctx, task.Source)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(err.Error())
		}
		log.Warn("orchestrator: source unavailable", zap.Error(err))
		return failed(model.FailureSourceUnavailable, err)
	}
	task.Document = doc

	out, err := o.engine.Run(ctx, task, escalation.Hooks{
		Progress:  e.setProgress,
		Cancelled: e.cancelRequested.Load,
	})

	var t terminal
	switch {
	case err == nil:
		t = terminal{status: model.TaskStatusCompleted, record: out.Record}
	case errors.Is(err, model.ErrCancelled):
		t = cancelled(err.Error())
	default:
		t = failed(model.KindOf(err), err)
		log.Warn("orchestrator: task failed", zap.Error(err))
	}
	t.outcome = out
	return t
}

// finish persists the outcome and publishes the terminal state. It runs at
// most once per task.
func (o *Orchestrator) finish(e *entry, t terminal) {
	e.once.Do(func() {
		e.setProgress("persisting")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), persistTimeout)
		defer cancel()

		log := zap.L().With(zap.String("task_id", e.task.ID))
		if t.record != nil {
			if err := o.sink.SaveRecord(ctx, e.task, t.record); err != nil {
				log.Error("orchestrator: save record failed", zap.Error(err))
				t.status = model.TaskStatusFailed
				t.failure = &model.Failure{
					Kind:    model.FailurePersistenceFailed,
					Message: err.Error(),
				}
			}
		} else if t.failure != nil {
			if err := o.sink.SaveFailure(ctx, e.task, *t.failure); err != nil {
				log.Error("orchestrator: save failure failed",
					zap.String("kind", string(t.failure.Kind)),
					zap.Error(err),
				)
			}
		}

		obs := monitoring.Observation{Status: t.status, Record: t.record}
		if t.failure != nil {
			obs.Failure = t.failure.Kind
		}
		if t.outcome != nil {
			obs.Results = t.outcome.Results
			obs.Rounds = t.outcome.Rounds
		}
		o.collector.Observe(obs)

		e.complete(t, o.now().UTC())

		fields := []zap.Field{zap.String("status", string(t.status))}
		if t.record != nil {
			fields = append(fields,
				zap.Float64("confidence", t.record.OverallConfidence),
				zap.Bool("requires_review", t.record.RequiresHumanReview),
			)
		}
		if t.failure != nil {
			fields = append(fields, zap.String("failure", string(t.failure.Kind)))
		}
		log.Info("orchestrator: task finished", fields...)
	})
}

// entry is the orchestrator's record of one task.
type entry struct {
	task model.Task
	ctx  context.Context
	done chan struct{}
	once sync.Once

	// stopWaiting releases a pending task from the worker queue.
	stopWaiting     context.CancelFunc
	cancelRequested atomic.Bool

	mu       sync.Mutex
	status   model.TaskStatus
	progress string
	record   *model.GoldenRecord
	failure  *model.Failure
	rounds   int
	stop     string
	finished time.Time
}

// start moves a pending task to running unless it was cancelled.
func (e *entry) start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelRequested.Load() {
		return false
	}
	e.status = model.TaskStatusRunning
	return true
}

func (e *entry) setProgress(note string) {
	e.mu.Lock()
	e.progress = note
	e.mu.Unlock()
}

func (e *entry) complete(t terminal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = t.status
	e.record = t.record
	e.failure = t.failure
	e.progress = ""
	e.finished = at
	if t.outcome != nil {
		e.rounds = t.outcome.Rounds
		e.stop = t.outcome.StopReason
	}
	close(e.done)
}

func (e *entry) terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Terminal()
}

func (e *entry) finishedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, e.status.Terminal()
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		ID:         e.task.ID,
		Source:     e.task.Source,
		Status:     e.status,
		Progress:   e.progress,
		Record:     e.record,
		Failure:    e.failure,
		Rounds:     e.rounds,
		StopReason: e.stop,
		CreatedAt:  e.task.CreatedAt,
	}
	if e.status.Terminal() {
		fin := e.finished
		s.FinishedAt = &fin
	}
	return s
}
