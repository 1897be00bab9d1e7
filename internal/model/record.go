package model

import "time"

// FieldConfidence records how a single field value was decided.
type FieldConfidence struct {
	Field             string   `json:"field"`
	Value             any      `json:"value"`
	Confidence        float64  `json:"confidence"`
	AgreeingSources   []string `json:"agreeing_sources"`
	ConflictingValues []any    `json:"conflicting_values,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// Conflicted reports whether other strategies proposed different values.
func (fc FieldConfidence) Conflicted() bool {
	return len(fc.ConflictingValues) > 0
}

// GoldenRecord is the merged, confidence-scored output for one task.
type GoldenRecord struct {
	TaskID              string                     `json:"task_id"`
	Fields              map[string]any             `json:"fields"`
	FieldConfidences    map[string]FieldConfidence `json:"field_confidences"`
	OverallConfidence   float64                    `json:"overall_confidence"`
	Completeness        float64                    `json:"completeness"`
	Consistency         float64                    `json:"consistency"`
	RequiresHumanReview bool                       `json:"requires_human_review"`
	Notes               []string                   `json:"notes,omitempty"`
	StrategiesUsed      []string                   `json:"strategies_used"`
	Rounds              int                        `json:"rounds"`
	CostUSD             float64                    `json:"cost_usd"`
	CreatedAt           time.Time                  `json:"created_at"`
}

// String returns the field value as a string, or "" when absent.
func (g *GoldenRecord) String(field string) string {
	if g == nil {
		return ""
	}
	v, ok := g.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

// RoutingDecision is produced by the router for one escalation round.
type RoutingDecision struct {
	Tier             int                `json:"tier"`
	Selected         []string           `json:"selected"`
	Fit              map[string]float64 `json:"fit"`
	Rationale        string             `json:"rationale"`
	EstimatedCostUSD float64            `json:"estimated_cost_usd"`
	EstimatedLatency time.Duration      `json:"estimated_latency"`
	Fallback         string             `json:"fallback,omitempty"`
}
