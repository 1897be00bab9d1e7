package escalation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/executor"
	"github.com/sells-group/datasheet-cli/internal/merge"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/router"
	"github.com/sells-group/datasheet-cli/internal/strategy"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

type stub struct {
	strategy.Base
	calls   atomic.Int32
	carried atomic.Value
	extract func(ctx context.Context, task model.Task) model.Result
}

func (s *stub) Extract(ctx context.Context, task model.Task) model.Result {
	s.calls.Add(1)
	s.carried.Store(task.CarriedText)
	return s.extract(ctx, task)
}

func returns(name string, tier int, conf float64, fields map[string]any) *stub {
	return &stub{
		Base: strategy.NewBase(name, tier, strategy.Specialization{}),
		extract: func(context.Context, model.Task) model.Result {
			return model.Result{Success: true, Confidence: conf, Fields: fields}
		},
	}
}

func fails(name string, tier int, text string) *stub {
	return &stub{
		Base: strategy.NewBase(name, tier, strategy.Specialization{}),
		extract: func(context.Context, model.Task) model.Result {
			res := model.Failed(name, tier, model.FailureStrategyError, "nothing recognised")
			res.Text = text
			return res
		},
	}
}

type runnerFunc func(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result

func (f runnerFunc) Execute(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result {
	return f(ctx, task, selected)
}

func newController(t *testing.T, cfg Config, runner Runner, ss ...*stub) (*Controller, *weights.Table) {
	t.Helper()
	all := make([]strategy.Strategy, len(ss))
	for i, s := range ss {
		all[i] = s
	}
	reg, err := strategy.NewRegistry(all...)
	require.NoError(t, err)

	if runner == nil {
		runner = executor.New(8, 2*time.Second, nil)
	}
	table := weights.NewTable(weights.DefaultConfig())
	m := merge.New(model.DefaultFieldRegistry(), merge.DefaultConfig())
	return New(reg, router.New(reg, router.DefaultConfig()), runner, m, table, cfg), table
}

var task = model.Task{ID: "t1", Source: "/inbox/frontrock.pdf"}

var required = map[string]any{
	model.FieldManufacturer: "Rockwool",
	model.FieldProductName:  "Frontrock MAX E",
	model.FieldModelNumber:  "FR-100",
}

func TestRun_EscalatesPastFailedTier(t *testing.T) {
	t1a := fails("pdf_text", 1, "")
	t1b := fails("pdftotext_layout", 1, "")
	t2 := returns("ocr_tesseract", 2, 0.9, required)
	c, _ := newController(t, Config{}, nil, t1a, t1b, t2)

	out, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)
	require.NotNil(t, out.Record)

	assert.False(t, out.Record.RequiresHumanReview, out.Record.Notes)
	assert.Contains(t, out.Record.StrategiesUsed, "ocr_tesseract")
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, 2, out.Record.Rounds)
	assert.Len(t, out.Results, 3)
	assert.Equal(t, "record trusted", out.StopReason)
}

func TestRun_StopsWhenTrusted(t *testing.T) {
	a := returns("a", 1, 0.9, required)
	b := returns("b", 1, 0.9, required)
	expensive := returns("claude", 3, 0.9, required)
	c, _ := newController(t, Config{}, nil, a, b, expensive)

	out, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rounds)
	assert.Zero(t, expensive.calls.Load())
	assert.InDelta(t, 1.0, out.Record.OverallConfidence, 1e-9)
}

func TestRun_UnionGrowsAcrossRounds(t *testing.T) {
	a := returns("a", 1, 0.9, map[string]any{model.FieldManufacturer: "Rockwool"})
	b := returns("b", 2, 0.9, map[string]any{model.FieldColor: "grey"})
	cc := returns("c", 3, 0.9, map[string]any{model.FieldDensity: 110.0})
	c, _ := newController(t, Config{}, nil, a, b, cc)

	rounds := 0
	hooks := Hooks{Progress: func(string) { rounds++ }}
	out, err := c.Run(context.Background(), task, hooks)
	require.NoError(t, err)

	assert.Equal(t, 3, rounds)
	assert.Equal(t, []string{"a", "b", "c"}, out.Record.StrategiesUsed)
	assert.Contains(t, out.Record.Fields, model.FieldManufacturer)
	assert.Contains(t, out.Record.Fields, model.FieldColor)
	assert.Contains(t, out.Record.Fields, model.FieldDensity)
	require.Len(t, out.Results, 3)
	for i, r := range out.Results {
		assert.Equal(t, i+1, r.Round)
	}
}

func TestRun_CeilingKeepsLowConfidenceRecord(t *testing.T) {
	a := returns("a", 1, 0.4, map[string]any{model.FieldManufacturer: "Rockwool"})
	b := returns("b", 2, 0.9, required)
	c, _ := newController(t, Config{MaxTier: 1}, nil, a, b)

	out, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.RequiresHumanReview)
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, "tiers exhausted", out.StopReason)
}

func TestRun_AllStrategiesFailed(t *testing.T) {
	c, _ := newController(t, Config{}, nil, fails("a", 1, ""), fails("b", 2, ""))

	out, err := c.Run(context.Background(), task, Hooks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAllStrategiesFailed)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.RequiresHumanReview)
	assert.Equal(t, 2, out.Rounds)
}

func TestRun_NoViableStrategy(t *testing.T) {
	docx := &stub{
		Base: strategy.NewBase("docconv", 1, strategy.Specialization{Formats: []string{".docx"}}),
		extract: func(context.Context, model.Task) model.Result {
			return model.Result{Success: true, Fields: required}
		},
	}
	called := false
	runner := runnerFunc(func(context.Context, model.Task, []strategy.Strategy) []model.Result {
		called = true
		return nil
	})
	c, _ := newController(t, Config{}, runner, docx)

	out, err := c.Run(context.Background(), task, Hooks{})
	assert.ErrorIs(t, err, model.ErrNoViableStrategy)
	assert.Nil(t, out.Record)
	assert.False(t, called)
}

func TestRun_CarriesLongestText(t *testing.T) {
	short := fails("a", 1, "short")
	long := fails("b", 1, "a much longer text layer")
	model3 := returns("claude", 2, 0.9, required)
	c, _ := newController(t, Config{}, nil, short, long, model3)

	_, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "", short.carried.Load())
	assert.Equal(t, "a much longer text layer", model3.carried.Load())
}

func TestRun_ProgressNotes(t *testing.T) {
	c, _ := newController(t, Config{}, nil, fails("a", 1, ""), returns("b", 2, 0.9, required))

	var notes []string
	_, err := c.Run(context.Background(), task, Hooks{Progress: func(n string) { notes = append(notes, n) }})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"escalation round 1 of 2 (tier 1)",
		"escalation round 2 of 2 (tier 2)",
	}, notes)
}

func TestRun_CancelledBeforeFirstRound(t *testing.T) {
	a := returns("a", 1, 0.9, required)
	c, _ := newController(t, Config{}, nil, a)

	out, err := c.Run(context.Background(), task, Hooks{Cancelled: func() bool { return true }})
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Nil(t, out.Record)
	assert.Zero(t, a.calls.Load())
}

func TestRun_CancelDuringRoundDiscardsResults(t *testing.T) {
	var cancelled atomic.Bool
	exec := executor.New(4, time.Second, nil)
	runner := runnerFunc(func(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result {
		res := exec.Execute(ctx, task, selected)
		cancelled.Store(true)
		return res
	})
	a := returns("a", 1, 0.4, map[string]any{model.FieldManufacturer: "Rockwool"})
	b := returns("b", 2, 0.9, required)
	c, _ := newController(t, Config{}, runner, a, b)

	out, err := c.Run(context.Background(), task, Hooks{Cancelled: cancelled.Load})
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Nil(t, out.Record)
	assert.Empty(t, out.Results)
	assert.Zero(t, b.calls.Load())
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, _ := newController(t, Config{}, nil, returns("a", 1, 0.9, required))

	_, err := c.Run(ctx, task, Hooks{})
	assert.ErrorIs(t, err, model.ErrCancelled)
}

func TestRun_TaskTimeout(t *testing.T) {
	slow := &stub{
		Base: strategy.NewBase("slow", 1, strategy.Specialization{}),
		extract: func(ctx context.Context, _ model.Task) model.Result {
			<-ctx.Done()
			return model.Failed("slow", 1, model.FailureStrategyTimeout, ctx.Err().Error())
		},
	}
	later := returns("later", 2, 0.9, required)
	c, _ := newController(t, Config{TaskTimeout: 50 * time.Millisecond}, nil, slow, later)

	out, err := c.Run(context.Background(), task, Hooks{})
	assert.ErrorIs(t, err, model.ErrAllStrategiesFailed)
	assert.Equal(t, "task timeout", out.StopReason)
	assert.Equal(t, 1, out.Rounds)
	assert.Zero(t, later.calls.Load())
	require.Len(t, out.Results, 1)
	assert.Equal(t, model.FailureStrategyTimeout, out.Results[0].ErrorKind)
}

func TestRun_BudgetSkipsExpensiveTier(t *testing.T) {
	a := returns("a", 1, 0.4, map[string]any{model.FieldManufacturer: "Rockwool"})
	pricey := returns("claude", 2, 0.9, required)
	pricey.Base = pricey.Base.WithEstimates(1.0, time.Second)
	c, _ := newController(t, Config{BudgetUSD: 0.5}, nil, a, pricey)

	out, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)
	assert.Zero(t, pricey.calls.Load())
	assert.Len(t, out.Decisions, 1)
	assert.True(t, out.Record.RequiresHumanReview)
}

func TestRun_WeightsCountEachRoundOnce(t *testing.T) {
	man := map[string]any{model.FieldManufacturer: "Rockwool"}
	c, table := newController(t, Config{}, nil,
		returns("a", 1, 0.9, man),
		returns("b", 1, 0.9, man),
		returns("c", 2, 0.9, man),
	)

	_, err := c.Run(context.Background(), task, Hooks{})
	require.NoError(t, err)

	snap := table.Snapshot()
	assert.InDelta(t, 1.1, snap.Get("a"), 1e-9)
	assert.InDelta(t, 1.1, snap.Get("b"), 1e-9)
	assert.InDelta(t, 1.1, snap.Get("c"), 1e-9)
}

func TestTiers_RespectsCeiling(t *testing.T) {
	c, _ := newController(t, Config{MaxTier: 2}, nil,
		returns("a", 1, 1, required), returns("b", 2, 1, required), returns("c", 3, 1, required))
	assert.Equal(t, []int{1, 2}, c.Tiers())
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(
		config.OrchestratorConfig{MaxCostTier: 2, RoundTimeoutSecs: 30, TaskTimeoutSecs: 120},
		config.RouterConfig{BudgetUSD: 0.25},
	)
	assert.Equal(t, Config{MaxTier: 2, RoundTimeout: 30 * time.Second, TaskTimeout: 2 * time.Minute, BudgetUSD: 0.25}, cfg)
}
