// Package merge turns the accumulated strategy results for a task into a
// confidence-scored golden record.
package merge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/weights"
)

// Config holds the confidence and review thresholds.
type Config struct {
	HighThreshold      float64
	LowCeiling         float64
	ReviewConfidence   float64
	ReviewCompleteness float64
	// Tolerances maps field keys to a relative numeric tolerance; values
	// within it of a group's representative join that group.
	Tolerances map[string]float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HighThreshold:      0.85,
		LowCeiling:         0.7,
		ReviewConfidence:   0.6,
		ReviewCompleteness: 0.5,
	}
}

// FromConfig converts the merge config section.
func FromConfig(c config.MergeConfig) Config {
	return Config{
		HighThreshold:      c.HighThreshold,
		LowCeiling:         c.LowCeiling,
		ReviewConfidence:   c.ReviewConfidence,
		ReviewCompleteness: c.ReviewCompleteness,
		Tolerances:         c.FieldTolerances,
	}
}

// Merger is the validator. It is stateless apart from its configuration:
// merging the same results with the same weights and clock yields the same
// record.
type Merger struct {
	cfg    Config
	fields *model.FieldRegistry
	now    func() time.Time
}

// Option configures a Merger.
type Option func(*Merger)

// WithNow injects the clock used for CreatedAt.
func WithNow(fn func() time.Time) Option {
	return func(m *Merger) { m.now = fn }
}

// New creates a Merger.
func New(fields *model.FieldRegistry, cfg Config, opts ...Option) *Merger {
	m := &Merger{cfg: cfg, fields: fields, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// observation is one strategy's value for one field.
type observation struct {
	strategy   string
	tier       int
	value      any
	norm       Normalized
	confidence float64
	weight     float64 // confidence × performance weight
}

type group struct {
	members []observation
	weight  float64
}

func (g *group) rep() observation { return g.members[0] }

func (g *group) sources() []string {
	seen := make(map[string]bool, len(g.members))
	var out []string
	for _, o := range g.members {
		if !seen[o.strategy] {
			seen[o.strategy] = true
			out = append(out, o.strategy)
		}
	}
	sort.Strings(out)
	return out
}

// Merge builds the golden record for task from results. It also returns how
// each strategy fared on contested fields, for the weight table.
func (m *Merger) Merge(task model.Task, results []model.Result, snap weights.Snapshot) (*model.GoldenRecord, []weights.Outcome) {
	sorted := make([]model.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Tier != sorted[j].Tier {
			return sorted[i].Tier < sorted[j].Tier
		}
		if sorted[i].Strategy != sorted[j].Strategy {
			return sorted[i].Strategy < sorted[j].Strategy
		}
		return sorted[i].Round < sorted[j].Round
	})

	rec := &model.GoldenRecord{
		TaskID:           task.ID,
		Fields:           make(map[string]any),
		FieldConfidences: make(map[string]model.FieldConfidence),
		CreatedAt:        m.now().UTC(),
	}

	var ok []model.Result
	for _, r := range sorted {
		rec.CostUSD += r.CostUSD
		if r.Success {
			ok = append(ok, r)
			continue
		}
		rec.Notes = append(rec.Notes, fmt.Sprintf("%s failed (%s): %s", r.Strategy, r.ErrorKind, r.Error))
	}

	if len(ok) == 0 {
		rec.RequiresHumanReview = true
		rec.Notes = append(rec.Notes, fmt.Sprintf("no successful strategy results out of %d", len(sorted)))
		return rec, nil
	}

	used := make(map[string]bool)
	for _, r := range ok {
		if !used[r.Strategy] {
			used[r.Strategy] = true
			rec.StrategiesUsed = append(rec.StrategiesUsed, r.Strategy)
		}
	}

	byField := m.collect(ok, snap)
	keys := make([]string, 0, len(byField))
	for k := range byField {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tally := make(map[string]*weights.Outcome)
	for _, key := range keys {
		obs := byField[key]
		groups := m.group(key, obs)
		fc := m.decide(key, groups)
		rec.Fields[key] = fc.Value
		rec.FieldConfidences[key] = fc

		if fc.Conflicted() {
			zap.L().Debug("merge: conflicting values",
				zap.String("task_id", task.ID),
				zap.String("field", key),
				zap.Any("winner", fc.Value),
				zap.Any("conflicts", fc.ConflictingValues),
			)
		}

		if distinctStrategies(obs) < 2 {
			continue
		}
		winners := make(map[string]bool)
		for _, s := range groups[0].sources() {
			winners[s] = true
		}
		seen := make(map[string]bool)
		for _, o := range obs {
			if seen[o.strategy] {
				continue
			}
			seen[o.strategy] = true
			t := tally[o.strategy]
			if t == nil {
				t = &weights.Outcome{Strategy: o.strategy}
				tally[o.strategy] = t
			}
			t.Contested++
			if winners[o.strategy] {
				t.Matched++
			}
		}
	}

	m.score(task, rec, keys)

	names := make([]string, 0, len(tally))
	for n := range tally {
		names = append(names, n)
	}
	sort.Strings(names)
	outcomes := make([]weights.Outcome, 0, len(names))
	for _, n := range names {
		outcomes = append(outcomes, *tally[n])
	}
	return rec, outcomes
}

// collect gathers every usable observation per field.
func (m *Merger) collect(results []model.Result, snap weights.Snapshot) map[string][]observation {
	out := make(map[string][]observation)
	for _, r := range results {
		perf := snap.Get(r.Strategy)
		for key, v := range r.Fields {
			n, ok := Normalize(m.fields.ByKey(key), v)
			if !ok {
				if v != nil {
					zap.L().Debug("merge: dropped unusable value",
						zap.String("strategy", r.Strategy),
						zap.String("field", key),
						zap.Any("value", v),
					)
				}
				continue
			}
			out[key] = append(out[key], observation{
				strategy:   r.Strategy,
				tier:       r.Tier,
				value:      v,
				norm:       n,
				confidence: r.Confidence,
				weight:     r.Confidence * perf,
			})
		}
	}
	return out
}

// group partitions observations into agreement groups, heaviest first.
func (m *Merger) group(key string, obs []observation) []*group {
	ordered := make([]observation, len(obs))
	copy(ordered, obs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].weight != ordered[j].weight {
			return ordered[i].weight > ordered[j].weight
		}
		return ordered[i].strategy < ordered[j].strategy
	})

	tol := m.tolerance(key)
	var groups []*group
	for _, o := range ordered {
		var home *group
		for _, g := range groups {
			r := g.rep().norm
			if r.Key == o.norm.Key ||
				(tol > 0 && r.Numeric && o.norm.Numeric && withinTolerance(r.Number, o.norm.Number, tol)) {
				home = g
				break
			}
		}
		if home == nil {
			home = &group{}
			groups = append(groups, home)
		}
		home.members = append(home.members, o)
		home.weight += o.weight
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if len(a.sources()) != len(b.sources()) {
			return len(a.sources()) > len(b.sources())
		}
		return a.rep().norm.Key < b.rep().norm.Key
	})
	return groups
}

func (m *Merger) tolerance(key string) float64 {
	if t, ok := m.cfg.Tolerances[key]; ok {
		return t
	}
	if spec := m.fields.ByKey(key); spec != nil {
		return spec.Tolerance
	}
	return 0
}

// decide scores the winning group. Agreement between two or more
// strategies lifts confidence to at least HighThreshold; a lone source is
// held at or below LowCeiling whatever it claims.
func (m *Merger) decide(key string, groups []*group) model.FieldConfidence {
	win := groups[0]
	total := 0.0
	count := 0
	for _, g := range groups {
		total += g.weight
		count += len(g.members)
	}

	var base float64
	if total > 0 {
		base = win.weight / total
	} else {
		base = float64(len(win.members)) / float64(count)
	}

	sources := win.sources()
	fc := model.FieldConfidence{
		Field:           key,
		Value:           displayValue(m.fields.ByKey(key), win.rep()),
		AgreeingSources: sources,
	}

	var notes []string
	if len(sources) >= 2 {
		fc.Confidence = clamp01(max(base, m.cfg.HighThreshold))
		notes = append(notes, "agreed by "+strings.Join(sources, ", "))
	} else {
		fc.Confidence = clamp01(min(base*win.rep().confidence, m.cfg.LowCeiling))
		notes = append(notes, fmt.Sprintf("single source %s, capped at %.2f", sources[0], m.cfg.LowCeiling))
	}

	for _, g := range groups[1:] {
		r := g.rep()
		fc.ConflictingValues = append(fc.ConflictingValues, displayValue(m.fields.ByKey(key), r))
		notes = append(notes, fmt.Sprintf("rejected %v from %s", r.norm.Key, strings.Join(g.sources(), ", ")))
	}
	fc.Notes = strings.Join(notes, "; ")
	return fc
}

// score fills the whole-record scores and the review decision. keys must
// be sorted so the float sums come out the same on every merge.
func (m *Merger) score(task model.Task, rec *model.GoldenRecord, keys []string) {
	var weighted, importance float64
	for _, key := range keys {
		imp := m.fields.Importance(key)
		weighted += imp * rec.FieldConfidences[key].Confidence
		importance += imp
	}

	var missing []string
	for _, f := range m.fields.Required() {
		if _, ok := rec.Fields[f.Key]; !ok {
			missing = append(missing, f.Key)
			importance += f.Importance
		}
	}
	sort.Strings(missing)

	if importance > 0 {
		rec.OverallConfidence = weighted / importance
	}

	expected := m.fields.Expected(task.Hints.DocumentType)
	if len(expected) > 0 {
		present := 0
		for _, k := range expected {
			if _, ok := rec.Fields[k]; ok {
				present++
			}
		}
		rec.Completeness = float64(present) / float64(len(expected))
	}

	if len(rec.FieldConfidences) > 0 {
		clean := 0
		for _, fc := range rec.FieldConfidences {
			if !fc.Conflicted() {
				clean++
			}
		}
		rec.Consistency = float64(clean) / float64(len(rec.FieldConfidences))
	}

	if rec.OverallConfidence < m.cfg.ReviewConfidence {
		rec.RequiresHumanReview = true
		rec.Notes = append(rec.Notes, fmt.Sprintf("overall confidence %.2f below %.2f", rec.OverallConfidence, m.cfg.ReviewConfidence))
	}
	if rec.Completeness < m.cfg.ReviewCompleteness {
		rec.RequiresHumanReview = true
		rec.Notes = append(rec.Notes, fmt.Sprintf("completeness %.2f below %.2f", rec.Completeness, m.cfg.ReviewCompleteness))
	}
	if len(missing) > 0 {
		rec.RequiresHumanReview = true
		rec.Notes = append(rec.Notes, "missing required fields: "+strings.Join(missing, ", "))
	}
}

// displayValue picks the value stored in the record: numbers for numeric
// fields, the trimmed original text otherwise.
func displayValue(spec *model.FieldSpec, o observation) any {
	if o.norm.Numeric && (spec == nil || spec.DataType == model.DataTypeNumber) {
		return o.norm.Number
	}
	if s, ok := o.value.(string); ok {
		return cleanString(s)
	}
	return o.value
}

func distinctStrategies(obs []observation) int {
	seen := make(map[string]bool, len(obs))
	for _, o := range obs {
		seen[o.strategy] = true
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
