package model

import "time"

// FailureKind classifies why a strategy or task failed.
type FailureKind string

const (
	FailureStrategyTimeout     FailureKind = "strategy_timeout"
	FailureStrategyError       FailureKind = "strategy_error"
	FailureNoViableStrategy    FailureKind = "no_viable_strategy"
	FailureAllStrategiesFailed FailureKind = "all_strategies_failed"
	FailureSourceUnavailable   FailureKind = "source_unavailable"
	FailurePersistenceFailed   FailureKind = "persistence_failed"
	FailureCancelled           FailureKind = "cancelled"
)

// Failure describes a terminal task failure.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the output of one strategy invocation against one task.
// Results are value objects and are never mutated after creation.
type Result struct {
	Strategy   string         `json:"strategy"`
	Tier       int            `json:"tier"`
	Round      int            `json:"round"`
	Success    bool           `json:"success"`
	Fields     map[string]any `json:"fields,omitempty"`
	Confidence float64        `json:"confidence"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  FailureKind    `json:"error_kind,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`

	// Text is the raw text the strategy worked from, if any.
	Text string `json:"-"`
}

// Failed builds a failed result for the named strategy.
func Failed(strategy string, tier int, kind FailureKind, msg string) Result {
	return Result{
		Strategy:  strategy,
		Tier:      tier,
		Success:   false,
		Error:     msg,
		ErrorKind: kind,
	}
}
