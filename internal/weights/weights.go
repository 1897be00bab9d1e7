// Package weights keeps the per-strategy performance weights used by the
// router and the merger.
package weights

import (
	"math"
	"sync"

	"github.com/sells-group/datasheet-cli/internal/config"
)

// Config bounds the moving average.
type Config struct {
	Alpha   float64
	Min     float64
	Max     float64
	Initial float64
}

// DefaultConfig returns the default moving-average bounds.
func DefaultConfig() Config {
	return Config{Alpha: 0.1, Min: 0.1, Max: 2.0, Initial: 1.0}
}

// FromConfig converts application config.
func FromConfig(c config.WeightsConfig) Config {
	cfg := DefaultConfig()
	if c.Alpha > 0 && c.Alpha <= 1 {
		cfg.Alpha = c.Alpha
	}
	if c.Min > 0 {
		cfg.Min = c.Min
	}
	if c.Max > cfg.Min {
		cfg.Max = c.Max
	}
	if c.Initial >= cfg.Min && c.Initial <= cfg.Max {
		cfg.Initial = c.Initial
	}
	return cfg
}

// Snapshot is an immutable copy of the table. Unknown strategies read as
// the initial weight.
type Snapshot struct {
	weights map[string]float64
	initial float64
}

// Get returns the weight for a strategy.
func (s Snapshot) Get(name string) float64 {
	if w, ok := s.weights[name]; ok {
		return w
	}
	if s.initial == 0 {
		return 1
	}
	return s.initial
}

// Map returns a copy of the known weights.
func (s Snapshot) Map() map[string]float64 {
	out := make(map[string]float64, len(s.weights))
	for k, v := range s.weights {
		out[k] = v
	}
	return out
}

// Uniform returns a snapshot in which every strategy weighs w.
func Uniform(w float64) Snapshot {
	return Snapshot{initial: w}
}

// Outcome is how one strategy fared in one merge.
type Outcome struct {
	Strategy string
	// Matched counts contested fields where the strategy sided with the winner.
	Matched int
	// Contested counts contested fields the strategy contributed to.
	Contested int
}

// Quality returns the fraction of contested fields the strategy got right.
func (o Outcome) Quality() (float64, bool) {
	if o.Contested == 0 {
		return 0, false
	}
	return float64(o.Matched) / float64(o.Contested), true
}

// Table is the shared weight store. Writes are serialized; readers take a
// Snapshot at the start of a round.
type Table struct {
	mu      sync.Mutex
	cfg     Config
	weights map[string]float64
}

// NewTable creates an empty table.
func NewTable(cfg Config) *Table {
	return &Table{cfg: cfg, weights: make(map[string]float64)}
}

// Snapshot copies the current weights.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]float64, len(t.weights))
	for k, v := range t.weights {
		cp[k] = v
	}
	return Snapshot{weights: cp, initial: t.cfg.Initial}
}

// Seed sets initial weights, e.g. restored from a previous run.
func (t *Table) Seed(w map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range w {
		t.weights[k] = t.clamp(v)
	}
}

// Update applies merge outcomes. Each weight moves toward a target between
// Min and Max proportional to the strategy's quality; outcomes without
// contested fields leave the weight unchanged.
func (t *Table) Update(outcomes []Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, o := range outcomes {
		q, ok := o.Quality()
		if !ok {
			continue
		}
		cur, known := t.weights[o.Strategy]
		if !known {
			cur = t.cfg.Initial
		}
		target := t.cfg.Min + q*(t.cfg.Max-t.cfg.Min)
		t.weights[o.Strategy] = t.clamp((1-t.cfg.Alpha)*cur + t.cfg.Alpha*target)
	}
}

func (t *Table) clamp(w float64) float64 {
	if math.IsNaN(w) {
		return t.cfg.Initial
	}
	return math.Max(t.cfg.Min, math.Min(t.cfg.Max, w))
}
