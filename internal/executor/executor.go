// Package executor runs the strategies selected for a round concurrently
// and joins on all of them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/resilience"
	"github.com/sells-group/datasheet-cli/internal/strategy"
)

// Executor fans a round out over a worker pool shared by every task.
type Executor struct {
	sem      *semaphore.Weighted
	timeout  time.Duration
	breakers *resilience.Breakers
}

// New creates an Executor. maxConcurrency bounds strategy invocations in
// flight across all tasks; timeout bounds each invocation. breakers may be
// nil.
func New(maxConcurrency int, timeout time.Duration, breakers *resilience.Breakers) *Executor {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Executor{
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		timeout:  timeout,
		breakers: breakers,
	}
}

// Execute invokes every selected strategy and waits for all of them. It
// never returns early on a failure; the result slice is in selection order
// and failures are values in it.
func (e *Executor) Execute(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result {
	results := make([]model.Result, len(selected))
	if len(selected) == 0 {
		return results
	}

	// A plain Group: one strategy failing must not cancel its siblings.
	var g errgroup.Group
	for i, s := range selected {
		g.Go(func() error {
			results[i] = e.run(ctx, task, s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) run(ctx context.Context, task model.Task, s strategy.Strategy) model.Result {
	log := zap.L().With(
		zap.String("task_id", task.ID),
		zap.String("strategy", s.Name()),
		zap.Int("tier", s.Tier()),
	)
	start := time.Now()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res := model.Failed(s.Name(), s.Tier(), kindOf(err), fmt.Sprintf("executor: wait for worker slot: %v", err))
		log.Warn("executor: no worker slot", zap.Error(err))
		return res
	}

	var cb *resilience.CircuitBreaker
	if e.breakers != nil {
		cb = e.breakers.Get(s.Name())
		if err := cb.Allow(); err != nil {
			e.sem.Release(1)
			log.Warn("executor: circuit open, skipping strategy")
			return model.Failed(s.Name(), s.Tier(), model.FailureStrategyError, "executor: circuit open")
		}
	}

	res := e.invoke(ctx, task, s)
	res.Duration = time.Since(start)

	if cb != nil {
		cb.Record(breakerOutcome(res))
	}
	if res.Success {
		log.Debug("executor: strategy succeeded",
			zap.Int("fields", len(res.Fields)),
			zap.Float64("confidence", res.Confidence),
			zap.Duration("duration", res.Duration),
		)
	} else {
		log.Warn("executor: strategy failed",
			zap.String("kind", string(res.ErrorKind)),
			zap.String("error", res.Error),
			zap.Duration("duration", res.Duration),
		)
	}
	return res
}

// invoke races the strategy against its deadline so one that ignores its
// context still yields a timeout on time. The abandoned goroutine's result
// is dropped, but it keeps the worker slot acquired by run until the
// strategy actually returns.
func (e *Executor) invoke(ctx context.Context, task model.Task, s strategy.Strategy) model.Result {
	sctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan model.Result, 1)
	go func() {
		defer e.sem.Release(1)
		done <- strategy.Invoke(sctx, s, task)
	}()

	select {
	case res := <-done:
		return res
	case <-sctx.Done():
		err := sctx.Err()
		return model.Failed(s.Name(), s.Tier(), kindOf(err), fmt.Sprintf("executor: %s did not finish: %v", s.Name(), err))
	}
}

func kindOf(err error) model.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureStrategyTimeout
	}
	return model.FailureStrategyError
}

var errUnhealthy = eris.New("executor: strategy unhealthy")

// breakerOutcome treats a strategy as healthy when it succeeded or at least
// produced text; a readable document with nothing recognisable is not an
// outage.
func breakerOutcome(res model.Result) error {
	if res.Success || res.Text != "" {
		return nil
	}
	return errUnhealthy
}
