package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/escalation"
	"github.com/sells-group/datasheet-cli/internal/executor"
	"github.com/sells-group/datasheet-cli/internal/merge"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/router"
	"github.com/sells-group/datasheet-cli/internal/strategy"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

type engineFunc func(ctx context.Context, task model.Task, hooks escalation.Hooks) (*escalation.Outcome, error)

func (f engineFunc) Run(ctx context.Context, task model.Task, hooks escalation.Hooks) (*escalation.Outcome, error) {
	return f(ctx, task, hooks)
}

type fakeFetcher struct {
	mu      sync.Mutex
	docs    map[string][]byte
	fetched []string
}

func newFetcher(refs ...string) *fakeFetcher {
	f := &fakeFetcher{docs: make(map[string][]byte)}
	for _, r := range refs {
		f.docs[r] = []byte("%PDF-1.7 " + r)
	}
	return f
}

func (f *fakeFetcher) Validate(ref string) error {
	if strings.Contains(ref, "://") && !strings.HasPrefix(ref, "gs://") {
		return eris.Wrapf(model.ErrSourceUnavailable, "unsupported scheme in %q", ref)
	}
	return nil
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, ref)
	doc, ok := f.docs[ref]
	if !ok {
		return nil, eris.Wrapf(model.ErrSourceUnavailable, "%s: no such file", ref)
	}
	return doc, nil
}

func (f *fakeFetcher) fetchedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type recordingSink struct {
	mu       sync.Mutex
	records  []*model.GoldenRecord
	failures []model.Failure
	saveErr  error
}

func (s *recordingSink) SaveRecord(_ context.Context, _ model.Task, rec *model.GoldenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) SaveFailure(_ context.Context, _ model.Task, f model.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *recordingSink) Migrate(context.Context) error { return nil }
func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) counts() (records, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), len(s.failures)
}

func (s *recordingSink) lastFailure() model.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[len(s.failures)-1]
}

func trusted(task model.Task) *escalation.Outcome {
	return &escalation.Outcome{
		Record: &model.GoldenRecord{
			TaskID:            task.ID,
			Fields:            map[string]any{model.FieldManufacturer: "Rockwool"},
			OverallConfidence: 0.9,
			StrategiesUsed:    []string{"pdf_text"},
			Rounds:            1,
		},
		Results:    []model.Result{{Strategy: "pdf_text", Tier: 1, Round: 1, Success: true}},
		Rounds:     1,
		StopReason: "record trusted",
	}
}

func succeed() engineFunc {
	return func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		return trusted(task), nil
	}
}

func wait(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestSubmit_CompletesAndPersistsOnce(t *testing.T) {
	sink := &recordingSink{}
	var gotDoc atomic.Value
	engine := engineFunc(func(_ context.Context, task model.Task, hooks escalation.Hooks) (*escalation.Outcome, error) {
		gotDoc.Store(string(task.Document))
		hooks.Progress("escalation round 1 of 3 (tier 1)")
		return trusted(task), nil
	})
	o := New(engine, newFetcher("/inbox/a.pdf"), sink)

	id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := wait(t, o, id)
	assert.Equal(t, model.TaskStatusCompleted, snap.Status)
	require.NotNil(t, snap.Record)
	assert.Nil(t, snap.Failure)
	assert.Equal(t, 1, snap.Rounds)
	assert.Equal(t, "record trusted", snap.StopReason)
	assert.NotNil(t, snap.FinishedAt)
	assert.Empty(t, snap.Progress)
	assert.Equal(t, "%PDF-1.7 /inbox/a.pdf", gotDoc.Load())

	records, failures := sink.counts()
	assert.Equal(t, 1, records)
	assert.Equal(t, 0, failures)

	stats := o.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Active)
	require.NoError(t, o.Close(context.Background()))
}

func TestSubmit_RejectsUnresolvableSource(t *testing.T) {
	o := New(succeed(), newFetcher(), nil)

	_, err := o.Submit(context.Background(), model.TaskRequest{Source: "ftp://vendor/sheet.pdf"})
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)

	_, err = o.Submit(context.Background(), model.TaskRequest{Source: "   "})
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
}

func TestSubmit_UnreadableSourceInvokesNoStrategy(t *testing.T) {
	sink := &recordingSink{}
	var runs atomic.Int32
	engine := engineFunc(func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		runs.Add(1)
		return trusted(task), nil
	})
	o := New(engine, newFetcher(), sink)

	id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/missing.pdf"})
	require.NoError(t, err)

	snap := wait(t, o, id)
	assert.Equal(t, model.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, model.FailureSourceUnavailable, snap.Failure.Kind)
	assert.ErrorIs(t, snap.Err(), model.ErrSourceUnavailable)
	assert.Nil(t, snap.Record)
	assert.Zero(t, runs.Load())

	_, failures := sink.counts()
	assert.Equal(t, 1, failures)
	assert.Equal(t, model.FailureSourceUnavailable, sink.lastFailure().Kind)
}

func TestRun_ReturnsReviewRecordWithoutError(t *testing.T) {
	sink := &recordingSink{}
	engine := engineFunc(func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		out := trusted(task)
		out.Record.RequiresHumanReview = true
		out.Record.OverallConfidence = 0.4
		out.StopReason = "tiers exhausted"
		return out, nil
	})
	o := New(engine, newFetcher("/inbox/a.pdf"), sink)

	rec, err := o.Run(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.RequiresHumanReview)

	records, _ := sink.counts()
	assert.Equal(t, 1, records, "low-confidence records are stored, not dropped")
	assert.Equal(t, 1, o.Stats().Review)
}

func TestRun_AllStrategiesFailed(t *testing.T) {
	sink := &recordingSink{}
	engine := engineFunc(func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		return &escalation.Outcome{
			Record:  &model.GoldenRecord{TaskID: task.ID},
			Results: []model.Result{model.Failed("pdf_text", 1, model.FailureStrategyError, "empty")},
			Rounds:  1,
		}, eris.Wrap(model.ErrAllStrategiesFailed, "escalation: 1 result over 1 round")
	})
	o := New(engine, newFetcher("/inbox/a.pdf"), sink)

	rec, err := o.Run(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	assert.ErrorIs(t, err, model.ErrAllStrategiesFailed)
	assert.Nil(t, rec)

	records, failures := sink.counts()
	assert.Equal(t, 0, records)
	assert.Equal(t, 1, failures)
	assert.Equal(t, model.FailureAllStrategiesFailed, sink.lastFailure().Kind)

	stats := o.Stats()
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Strategies, 1)
	assert.Equal(t, 0, stats.Strategies[0].Successes)
}

func TestRun_NoViableStrategy(t *testing.T) {
	engine := engineFunc(func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		return &escalation.Outcome{StopReason: "no strategy fits"}, eris.Wrapf(model.ErrNoViableStrategy, "task %s", task.ID)
	})
	o := New(engine, newFetcher("/inbox/a.xyz"), nil)

	_, err := o.Run(context.Background(), model.TaskRequest{Source: "/inbox/a.xyz"})
	assert.ErrorIs(t, err, model.ErrNoViableStrategy)
}

func TestRun_PersistenceFailedKeepsRecord(t *testing.T) {
	sink := &recordingSink{saveErr: errors.New("connection reset")}
	o := New(succeed(), newFetcher("/inbox/a.pdf"), sink)

	rec, err := o.Run(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistenceFailed)
	require.NotNil(t, rec)
	assert.Equal(t, "Rockwool", rec.String(model.FieldManufacturer))

	stats := o.Stats()
	assert.Equal(t, 1, stats.PersistenceFailed)
	assert.Equal(t, 0, stats.Completed)

	_, failures := sink.counts()
	assert.Equal(t, 0, failures, "the sink is called once per task")
}

func TestCancel_RunningStopsAtRoundBoundary(t *testing.T) {
	sink := &recordingSink{}
	release := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, task model.Task, hooks escalation.Hooks) (*escalation.Outcome, error) {
		hooks.Progress("escalation round 1 of 3 (tier 1)")
		for !hooks.Cancelled() {
			select {
			case <-ctx.Done():
				return &escalation.Outcome{}, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		<-release
		return &escalation.Outcome{Rounds: 1, StopReason: "cancelled"}, eris.Wrap(model.ErrCancelled, "escalation: before tier 2")
	})
	o := New(engine, newFetcher("/inbox/a.pdf"), sink)

	id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := o.Status(id)
		return err == nil && snap.Status == model.TaskStatusRunning && snap.Progress == "escalation round 1 of 3 (tier 1)"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(id))
	require.NoError(t, o.Cancel(id), "cancel is idempotent while running")
	close(release)

	snap := wait(t, o, id)
	assert.Equal(t, model.TaskStatusCancelled, snap.Status)
	assert.Nil(t, snap.Record)
	assert.Equal(t, model.FailureCancelled, sink.lastFailure().Kind)

	err = o.Cancel(id)
	assert.ErrorIs(t, err, model.ErrTaskTerminal)
}

func TestCancel_PendingNeverRuns(t *testing.T) {
	release := make(chan struct{})
	var ran sync.Map
	engine := engineFunc(func(_ context.Context, task model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		ran.Store(task.Source, true)
		<-release
		return trusted(task), nil
	})
	fetcher := newFetcher("/inbox/first.pdf", "/inbox/second.pdf")
	o := New(engine, fetcher, nil, WithWorkers(1))

	first, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/first.pdf"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := ran.Load("/inbox/first.pdf")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	second, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/second.pdf"})
	require.NoError(t, err)

	snap, err := o.Status(second)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, snap.Status)
	assert.Equal(t, 2, o.Stats().Active)

	require.NoError(t, o.Cancel(second))
	snap = wait(t, o, second)
	assert.Equal(t, model.TaskStatusCancelled, snap.Status)

	close(release)
	snap = wait(t, o, first)
	assert.Equal(t, model.TaskStatusCompleted, snap.Status)

	_, ok := ran.Load("/inbox/second.pdf")
	assert.False(t, ok)
	assert.Equal(t, []string{"/inbox/first.pdf"}, fetcher.fetchedRefs())

	stats := o.Stats()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.Completed)
}

func TestLookup_UnknownTask(t *testing.T) {
	o := New(succeed(), newFetcher(), nil)

	_, err := o.Status("nope")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
	assert.ErrorIs(t, o.Cancel("nope"), model.ErrTaskNotFound)
	_, err = o.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestClose_RejectsNewTasks(t *testing.T) {
	o := New(succeed(), newFetcher("/inbox/a.pdf"), nil)
	require.NoError(t, o.Close(context.Background()))

	_, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.Run(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_DeadlineCancelsInFlight(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, _ model.Task, _ escalation.Hooks) (*escalation.Outcome, error) {
		<-ctx.Done()
		return &escalation.Outcome{}, eris.Wrap(model.ErrCancelled, "escalation: context cancelled")
	})
	o := New(engine, newFetcher("/inbox/a.pdf"), nil)

	id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Close(ctx), context.DeadlineExceeded)

	snap := wait(t, o, id)
	assert.Equal(t, model.TaskStatusCancelled, snap.Status)
}

func TestRetention_PrunesFinishedTasks(t *testing.T) {
	o := New(succeed(), newFetcher("/inbox/a.pdf"), nil, WithRetention(time.Minute))
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return clock }

	id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)
	wait(t, o, id)

	clock = clock.Add(2 * time.Minute)
	_, err = o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
	require.NoError(t, err)

	_, err = o.Status(id)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestConcurrentSubmissions(t *testing.T) {
	sink := &recordingSink{}
	o := New(succeed(), newFetcher("/inbox/a.pdf"), sink, WithWorkers(3))

	ids := make([]string, 20)
	for i := range ids {
		id, err := o.Submit(context.Background(), model.TaskRequest{Source: "/inbox/a.pdf"})
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, o.Close(context.Background()))

	for _, id := range ids {
		snap, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, snap.Status)
	}
	records, _ := sink.counts()
	assert.Equal(t, 20, records)
}

type stubStrategy struct {
	strategy.Base
	result func() model.Result
}

func (s stubStrategy) Extract(context.Context, model.Task) model.Result { return s.result() }

func TestRun_EscalatesThroughRealController(t *testing.T) {
	fail := func(name string) strategy.Strategy {
		return stubStrategy{
			Base: strategy.NewBase(name, 1, strategy.Specialization{}),
			result: func() model.Result {
				return model.Failed(name, 1, model.FailureStrategyError, "no text layer")
			},
		}
	}
	ocr := stubStrategy{
		Base: strategy.NewBase("ocr_tesseract", 2, strategy.Specialization{}),
		result: func() model.Result {
			return model.Result{Success: true, Confidence: 0.9, Fields: map[string]any{
				model.FieldManufacturer: "Rockwool",
				model.FieldProductName:  "Frontrock MAX E",
				model.FieldModelNumber:  "FR-100",
			}}
		},
	}
	reg, err := strategy.NewRegistry(fail("pdf_text"), fail("pdftotext_layout"), ocr)
	require.NoError(t, err)

	table := weights.NewTable(weights.DefaultConfig())
	ctrl := escalation.New(reg, router.New(reg, router.DefaultConfig()),
		executor.New(4, 2*time.Second, nil),
		merge.New(model.DefaultFieldRegistry(), merge.DefaultConfig()),
		table, escalation.Config{TaskTimeout: 5 * time.Second})

	sink := &recordingSink{}
	o := New(ctrl, newFetcher("/inbox/frontrock.pdf"), sink)

	rec, err := o.Run(context.Background(), model.TaskRequest{Source: "/inbox/frontrock.pdf"})
	require.NoError(t, err)
	assert.False(t, rec.RequiresHumanReview, rec.Notes)
	assert.Contains(t, rec.StrategiesUsed, "ocr_tesseract")
	assert.Equal(t, 2, rec.Rounds)

	stats := o.Stats()
	assert.InDelta(t, 2.0, stats.AvgRounds, 1e-9)
	require.Len(t, stats.Strategies, 3)
}

func TestStats_ReportsWeights(t *testing.T) {
	table := weights.NewTable(weights.DefaultConfig())
	table.Seed(map[string]float64{"claude": 1.4, "pdf_text": 5})

	o := New(succeed(), newFetcher(), nil, WithWeights(table))
	assert.Equal(t, map[string]float64{"claude": 1.4, "pdf_text": 2.0}, o.Stats().Weights, "seeded weights are clamped")

	table.Update([]weights.Outcome{{Strategy: "claude", Matched: 0, Contested: 4}})
	assert.Less(t, o.Stats().Weights["claude"], 1.4)

	assert.Nil(t, New(succeed(), newFetcher(), nil).Stats().Weights)
}
