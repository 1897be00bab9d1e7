package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Snapshot holds a point-in-time view of engine statistics. Counts are
// cumulative since the collector was created.
type Snapshot struct {
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
	PersistenceFailed int `json:"persistence_failed"`
	Review            int `json:"review"`

	// Active is filled in by the orchestrator: tasks pending or running.
	Active int `json:"active"`

	FailureRate   float64 `json:"failure_rate"`
	ReviewRate    float64 `json:"review_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgRounds     float64 `json:"avg_rounds"`
	CostUSD       float64 `json:"cost_usd"`

	Strategies []StrategyStats `json:"strategies"`

	// Weights is filled in by the orchestrator: the learned per-strategy
	// performance weights.
	Weights map[string]float64 `json:"weights,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Finished is the number of tasks that reached a terminal state.
func (s Snapshot) Finished() int {
	return s.Completed + s.Failed + s.Cancelled + s.PersistenceFailed
}

// Since returns the counts accumulated after prev was taken. Averages and
// strategy stats are not windowed and are copied from s.
func (s Snapshot) Since(prev Snapshot) Snapshot {
	out := s
	out.Completed -= prev.Completed
	out.Failed -= prev.Failed
	out.Cancelled -= prev.Cancelled
	out.PersistenceFailed -= prev.PersistenceFailed
	out.Review -= prev.Review
	out.CostUSD -= prev.CostUSD
	out.rates()
	return out
}

func (s *Snapshot) rates() {
	s.FailureRate, s.ReviewRate = 0, 0
	if n := s.Finished() - s.Cancelled; n > 0 {
		s.FailureRate = float64(s.Failed+s.PersistenceFailed) / float64(n)
	}
	if n := s.Completed + s.PersistenceFailed; n > 0 {
		s.ReviewRate = float64(s.Review) / float64(n)
	}
}

// StrategyStats counts invocations of one strategy across all tasks.
type StrategyStats struct {
	Name        string  `json:"name"`
	Invocations int     `json:"invocations"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	CostUSD     float64 `json:"cost_usd"`
}

// Observation is the terminal outcome of one task.
type Observation struct {
	Status  model.TaskStatus
	Failure model.FailureKind
	Record  *model.GoldenRecord
	Results []model.Result
	Rounds  int
}

// Collector aggregates task outcomes. It is safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	snap       Snapshot
	confSum    float64
	confN      int
	roundsSum  int
	strategies map[string]*StrategyStats
	now        func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		strategies: make(map[string]*StrategyStats),
		now:        time.Now,
	}
}

// Observe records one finished task. Non-terminal observations are ignored.
func (c *Collector) Observe(o Observation) {
	if !o.Status.Terminal() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case o.Status == model.TaskStatusCompleted:
		c.snap.Completed++
		if o.Record != nil {
			c.confSum += o.Record.OverallConfidence
			c.confN++
		}
	case o.Status == model.TaskStatusCancelled:
		c.snap.Cancelled++
	case o.Failure == model.FailurePersistenceFailed:
		c.snap.PersistenceFailed++
	default:
		c.snap.Failed++
	}
	if o.Record != nil && o.Record.RequiresHumanReview {
		c.snap.Review++
	}
	c.roundsSum += o.Rounds

	for _, r := range o.Results {
		st, ok := c.strategies[r.Strategy]
		if !ok {
			st = &StrategyStats{Name: r.Strategy}
			c.strategies[r.Strategy] = st
		}
		st.Invocations++
		if r.Success {
			st.Successes++
		}
		st.CostUSD += r.CostUSD
		c.snap.CostUSD += r.CostUSD
	}
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snap
	snap.CollectedAt = c.now().UTC()
	if c.confN > 0 {
		snap.AvgConfidence = c.confSum / float64(c.confN)
	}
	if n := snap.Finished(); n > 0 {
		snap.AvgRounds = float64(c.roundsSum) / float64(n)
	}
	snap.rates()

	snap.Strategies = make([]StrategyStats, 0, len(c.strategies))
	for _, st := range c.strategies {
		s := *st
		if s.Invocations > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Invocations)
		}
		snap.Strategies = append(snap.Strategies, s)
	}
	sort.Slice(snap.Strategies, func(i, j int) bool {
		return snap.Strategies[i].Name < snap.Strategies[j].Name
	})
	return snap
}
