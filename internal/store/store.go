// Package store persists golden records and task failures. Each record is
// written together with its search text in one transaction.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Sink receives a task's terminal outcome.
type Sink interface {
	SaveRecord(ctx context.Context, task model.Task, rec *model.GoldenRecord) error
	SaveFailure(ctx context.Context, task model.Task, failure model.Failure) error
	Migrate(ctx context.Context) error
	Close() error
}

// Reader serves stored records.
type Reader interface {
	GetRecord(ctx context.Context, taskID string) (*model.GoldenRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, error)
	Search(ctx context.Context, query string, limit int) ([]RecordSummary, error)
}

// Weights persists the strategy performance table between runs.
type Weights interface {
	LoadWeights(ctx context.Context) (map[string]float64, error)
	SaveWeights(ctx context.Context, weights map[string]float64) error
}

// Store is a Sink that can also be read and keeps strategy weights.
type Store interface {
	Sink
	Reader
	Weights
}

// Embedder vectorises search text. embed.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	ReviewOnly   bool   `json:"review_only,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

func (f RecordFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// RecordSummary is the listing view of a stored record.
type RecordSummary struct {
	TaskID              string  `json:"task_id"`
	Source              string  `json:"source"`
	Manufacturer        string  `json:"manufacturer"`
	ProductName         string  `json:"product_name"`
	OverallConfidence   float64 `json:"overall_confidence"`
	RequiresHumanReview bool    `json:"requires_human_review"`
	Score               float64 `json:"score,omitempty"`
}

// SearchText renders the indexed text of a record: an identity line
// followed by one "field: value" line per field, sorted by key.
func SearchText(rec *model.GoldenRecord) string {
	var b strings.Builder
	var ident []string
	for _, k := range []string{model.FieldManufacturer, model.FieldProductName, model.FieldModelNumber} {
		if v := rec.String(k); v != "" {
			ident = append(ident, v)
		}
	}
	b.WriteString(strings.Join(ident, " "))

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, rec.String(k))
	}
	return b.String()
}

// Metadata is stored alongside the search text.
func Metadata(task model.Task, rec *model.GoldenRecord) map[string]any {
	return map[string]any{
		"source":                task.Source,
		"document_type":         task.Hints.DocumentType,
		"language":              task.Hints.Language,
		"overall_confidence":    rec.OverallConfidence,
		"completeness":          rec.Completeness,
		"requires_human_review": rec.RequiresHumanReview,
		"strategies_used":       rec.StrategiesUsed,
		"rounds":                rec.Rounds,
	}
}

// Discard is a Sink that keeps nothing.
type Discard struct{}

// SaveRecord implements Sink.
func (Discard) SaveRecord(context.Context, model.Task, *model.GoldenRecord) error { return nil }

// SaveFailure implements Sink.
func (Discard) SaveFailure(context.Context, model.Task, model.Failure) error { return nil }

// Migrate implements Sink.
func (Discard) Migrate(context.Context) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }

// weightNames returns the strategies in w in a stable order.
func weightNames(w map[string]float64) []string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
