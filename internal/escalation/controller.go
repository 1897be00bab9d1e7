// Package escalation drives a task through successively more expensive
// strategy tiers until the merged record is trustworthy or the tiers, the
// budget, or the time run out.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/merge"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/router"
	"github.com/sells-group/datasheet-cli/internal/strategy"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

// Runner executes one round of selected strategies and joins on all of
// them. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result
}

// Config bounds escalation.
type Config struct {
	MaxTier      int           // 0 means every registered tier
	RoundTimeout time.Duration // 0 disables
	TaskTimeout  time.Duration // 0 disables
	BudgetUSD    float64       // 0 means unlimited
}

// FromConfig builds the escalation config from the orchestrator and router
// sections.
func FromConfig(o config.OrchestratorConfig, r config.RouterConfig) Config {
	return Config{
		MaxTier:      o.MaxCostTier,
		RoundTimeout: o.RoundTimeout(),
		TaskTimeout:  o.TaskTimeout(),
		BudgetUSD:    r.BudgetUSD,
	}
}

// Hooks lets the caller observe rounds and request cancellation. Both
// fields are optional.
type Hooks struct {
	// Progress receives a note such as "escalation round 2 of 3 (tier 2)".
	Progress func(note string)
	// Cancelled is polled at every round boundary.
	Cancelled func() bool
}

func (h Hooks) progress(note string) {
	if h.Progress != nil {
		h.Progress(note)
	}
}

func (h Hooks) cancelled() bool {
	return h.Cancelled != nil && h.Cancelled()
}

// Outcome is everything a task run produced. Record is nil only when no
// round ran.
type Outcome struct {
	Record     *model.GoldenRecord
	Results    []model.Result
	Decisions  []model.RoutingDecision
	Rounds     int
	StopReason string
}

// Controller is the escalation controller.
type Controller struct {
	registry *strategy.Registry
	router   *router.Router
	runner   Runner
	merger   *merge.Merger
	table    *weights.Table
	cfg      Config
}

// New creates a Controller.
func New(registry *strategy.Registry, rt *router.Router, runner Runner, merger *merge.Merger, table *weights.Table, cfg Config) *Controller {
	return &Controller{
		registry: registry,
		router:   rt,
		runner:   runner,
		merger:   merger,
		table:    table,
		cfg:      cfg,
	}
}

// Tiers returns the tiers a task may walk, cheapest first.
func (c *Controller) Tiers() []int {
	var out []int
	for _, t := range c.registry.Tiers() {
		if c.cfg.MaxTier > 0 && t > c.cfg.MaxTier {
			break
		}
		out = append(out, t)
	}
	return out
}

// Run escalates task tier by tier. Every round re-merges the union of all
// results gathered so far. It stops once the record no longer needs review,
// when the tiers are exhausted, or when the task timeout has elapsed.
//
// Errors wrap model.ErrNoViableStrategy when nothing fits the task,
// model.ErrAllStrategiesFailed when no strategy in any round succeeded, and
// model.ErrCancelled when cancellation was observed at a round boundary.
// The returned Outcome is non-nil in every case and carries the last
// record built.
func (c *Controller) Run(ctx context.Context, task model.Task, hooks Hooks) (*Outcome, error) {
	out := &Outcome{}
	log := zap.L().With(zap.String("task_id", task.ID))

	if !c.registry.Viable(task, c.cfg.MaxTier) {
		out.StopReason = "no strategy fits"
		return out, eris.Wrapf(model.ErrNoViableStrategy, "escalation: task %s", task.ID)
	}

	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	tiers := c.Tiers()
	spent := 0.0

	for _, tier := range tiers {
		if err := c.boundary(ctx, hooks); err != nil {
			if errors.Is(err, model.ErrCancelled) {
				out.StopReason = "cancelled"
				return out, eris.Wrapf(err, "escalation: task %s before tier %d", task.ID, tier)
			}
			out.StopReason = "task timeout"
			log.Info("escalation: task timeout reached", zap.Int("rounds", out.Rounds))
			break
		}

		task.CarriedText = longestText(out.Results)
		snap := c.table.Snapshot()

		remaining := router.Unlimited
		if c.cfg.BudgetUSD > 0 {
			remaining = c.cfg.BudgetUSD - spent
		}

		decision, err := c.router.Route(task, tier, snap, remaining)
		if err != nil {
			log.Debug("escalation: skipping tier",
				zap.Int("tier", tier),
				zap.String("rationale", decision.Rationale),
			)
			continue
		}
		out.Decisions = append(out.Decisions, decision)

		selected := make([]strategy.Strategy, 0, len(decision.Selected))
		for _, name := range decision.Selected {
			if s, ok := c.registry.Get(name); ok {
				selected = append(selected, s)
			}
		}

		round := out.Rounds + 1
		hooks.progress(fmt.Sprintf("escalation round %d of %d (tier %d)", round, len(tiers), tier))
		log.Info("escalation: round started",
			zap.Int("round", round),
			zap.Int("tier", tier),
			zap.Strings("selected", decision.Selected),
			zap.String("rationale", decision.Rationale),
		)

		results := c.execute(ctx, task, selected)

		// Results that settle after a cancel are discarded.
		if hooks.cancelled() {
			out.StopReason = "cancelled"
			return out, eris.Wrapf(model.ErrCancelled, "escalation: task %s during round %d", task.ID, round)
		}

		ran := make(map[string]bool, len(results))
		for i := range results {
			results[i].Round = round
			ran[results[i].Strategy] = true
			spent += results[i].CostUSD
		}
		out.Results = append(out.Results, results...)
		out.Rounds = round

		rec, outcomes := c.merger.Merge(task, out.Results, snap)
		rec.Rounds = round
		out.Record = rec
		c.table.Update(currentRound(outcomes, ran))

		log.Info("escalation: round merged",
			zap.Int("round", round),
			zap.Float64("confidence", rec.OverallConfidence),
			zap.Float64("completeness", rec.Completeness),
			zap.Bool("requires_review", rec.RequiresHumanReview),
			zap.Float64("spent_usd", spent),
		)

		if !rec.RequiresHumanReview {
			out.StopReason = "record trusted"
			break
		}
		out.StopReason = "tiers exhausted"
	}

	if out.Record == nil {
		if out.StopReason == "" {
			out.StopReason = "no tier routed"
			return out, eris.Wrapf(model.ErrNoViableStrategy, "escalation: task %s: no tier produced a routing decision", task.ID)
		}
		return out, eris.Wrapf(model.ErrAllStrategiesFailed, "escalation: task %s: %s before any round", task.ID, out.StopReason)
	}

	if len(out.Record.StrategiesUsed) == 0 {
		return out, eris.Wrapf(model.ErrAllStrategiesFailed, "escalation: task %s: %d results over %d rounds", task.ID, len(out.Results), out.Rounds)
	}
	return out, nil
}

// boundary reports cancellation or an elapsed task deadline.
func (c *Controller) boundary(ctx context.Context, hooks Hooks) error {
	if hooks.cancelled() {
		return model.ErrCancelled
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.Canceled):
		return model.ErrCancelled
	case err != nil:
		return err
	}
	return nil
}

func (c *Controller) execute(ctx context.Context, task model.Task, selected []strategy.Strategy) []model.Result {
	if c.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RoundTimeout)
		defer cancel()
	}
	return c.runner.Execute(ctx, task, selected)
}

// longestText picks the richest raw text seen so far. Failed results
// count: a text layer with no recognisable labels is still useful to a
// model strategy.
func longestText(results []model.Result) string {
	var best string
	for _, r := range results {
		if len(r.Text) > len(best) {
			best = r.Text
		}
	}
	return best
}

// currentRound keeps outcomes of strategies that ran this round so earlier
// rounds are not counted twice.
func currentRound(outcomes []weights.Outcome, ran map[string]bool) []weights.Outcome {
	out := outcomes[:0:0]
	for _, o := range outcomes {
		if ran[o.Strategy] {
			out = append(out, o)
		}
	}
	return out
}
