// Package router implements the gating policy that picks which strategies
// run in an escalation round.
package router

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/strategy"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

// Unlimited disables the budget check in Route.
var Unlimited = math.Inf(1)

// Config holds the ensemble-size thresholds.
type Config struct {
	// SingleThreshold: a top score above it routes to one strategy.
	SingleThreshold float64
	// PairThreshold: a top score above it routes to two strategies.
	PairThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{SingleThreshold: 0.8, PairThreshold: 0.6}
}

// FromConfig converts the router config section.
func FromConfig(c config.RouterConfig) Config {
	cfg := DefaultConfig()
	if c.SingleThreshold > 0 {
		cfg.SingleThreshold = c.SingleThreshold
	}
	if c.PairThreshold > 0 {
		cfg.PairThreshold = c.PairThreshold
	}
	return cfg
}

// Router ranks strategies by fit weighted by past performance. It holds no
// mutable state of its own.
type Router struct {
	registry *strategy.Registry
	cfg      Config
}

// New creates a Router over registry.
func New(registry *strategy.Registry, cfg Config) *Router {
	return &Router{registry: registry, cfg: cfg}
}

type candidate struct {
	s     strategy.Strategy
	score float64
	cost  float64
}

// Route selects strategies declared at exactly tier. Scores are
// clamp(fit × weight); zero scores are never selected. Candidates whose
// estimated cost would overrun remaining are skipped. When nothing is
// selectable the decision is empty and the error wraps
// model.ErrNoViableStrategy.
func (r *Router) Route(task model.Task, tier int, snap weights.Snapshot, remaining float64) (model.RoutingDecision, error) {
	decision := model.RoutingDecision{Tier: tier, Fit: make(map[string]float64)}

	var ranked []candidate
	for _, s := range r.registry.AtTier(tier) {
		score := clamp01(s.Fit(task) * snap.Get(s.Name()))
		if score <= 0 {
			continue
		}
		decision.Fit[s.Name()] = score
		ranked = append(ranked, candidate{s: s, score: score, cost: estimateCost(s, task)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].s.Tier() != ranked[j].s.Tier() {
			return ranked[i].s.Tier() < ranked[j].s.Tier()
		}
		return ranked[i].s.Name() < ranked[j].s.Name()
	})

	if len(ranked) == 0 {
		decision.Rationale = fmt.Sprintf("tier %d: no strategy fits", tier)
		return decision, eris.Wrapf(model.ErrNoViableStrategy, "router: tier %d", tier)
	}

	top := ranked[0].score
	want, mode := 3, "broad ensemble"
	switch {
	case top > r.cfg.SingleThreshold:
		want, mode = 1, "single"
	case top > r.cfg.PairThreshold:
		want, mode = 2, "ensemble of 2"
	}

	var skipped []string
	spend := 0.0
	for _, c := range ranked {
		if len(decision.Selected) == want {
			break
		}
		if spend+c.cost > remaining {
			skipped = append(skipped, c.s.Name())
			continue
		}
		spend += c.cost
		decision.Selected = append(decision.Selected, c.s.Name())
		decision.EstimatedCostUSD += c.cost
		if l := estimateLatency(c.s, task); l > decision.EstimatedLatency {
			decision.EstimatedLatency = l
		}
	}

	if len(decision.Selected) == 0 {
		decision.Rationale = fmt.Sprintf("tier %d: every candidate exceeds the remaining budget $%.4f", tier, remaining)
		return decision, eris.Wrapf(model.ErrNoViableStrategy, "router: tier %d over budget", tier)
	}
	if want == 3 && len(decision.Selected) > 1 {
		decision.Fallback = decision.Selected[len(decision.Selected)-1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tier %d: top fit %.2f (%s) -> %s", tier, top, ranked[0].s.Name(), mode)
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "; over budget: %s", strings.Join(skipped, ", "))
	}
	decision.Rationale = b.String()
	return decision, nil
}

func estimateCost(s strategy.Strategy, task model.Task) float64 {
	if ce, ok := s.(strategy.CostEstimator); ok {
		return ce.EstimateCost(task)
	}
	return 0
}

func estimateLatency(s strategy.Strategy, task model.Task) time.Duration {
	if le, ok := s.(strategy.LatencyEstimator); ok {
		return le.EstimateLatency(task)
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
