// Package strategy defines extraction strategies, the registry that holds
// them, and the concrete text, OCR, and model-backed implementations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Strategy is a single extraction technique with a declared cost tier.
// Extract must honour ctx and report failures as a failed Result rather than
// panicking.
type Strategy interface {
	Name() string
	Tier() int
	Specialization() Specialization
	Fit(task model.Task) float64
	Extract(ctx context.Context, task model.Task) model.Result
}

// CostEstimator is implemented by strategies that can estimate their spend
// for a task before running.
type CostEstimator interface {
	EstimateCost(task model.Task) float64
}

// LatencyEstimator is implemented by strategies that can estimate their
// wall-clock time for a task.
type LatencyEstimator interface {
	EstimateLatency(task model.Task) time.Duration
}

// Specialization describes the documents a strategy is built for. A zero
// value marks a general-purpose strategy.
type Specialization struct {
	Manufacturers    []string `yaml:"manufacturers" json:"manufacturers,omitempty"`
	DocumentTypes    []string `yaml:"document_types" json:"document_types,omitempty"`
	Languages        []string `yaml:"languages" json:"languages,omitempty"`
	Formats          []string `yaml:"formats" json:"formats,omitempty"`                     // extensions, e.g. ".pdf"
	FilenamePatterns []string `yaml:"filename_patterns" json:"filename_patterns,omitempty"` // path.Match globs, case-insensitive
	Technique        string   `yaml:"technique" json:"technique,omitempty"`
}

// General reports whether no document dimension is declared. Formats and
// technique describe applicability, not specialization.
func (s Specialization) General() bool {
	return len(s.Manufacturers) == 0 && len(s.DocumentTypes) == 0 &&
		len(s.Languages) == 0 && len(s.FilenamePatterns) == 0
}

// Fit weights.
const (
	generalFit       = 0.3
	specialistBase   = 0.4
	manufacturerGain = 0.35
	docTypeGain      = 0.15
	languageGain     = 0.05
	patternGain      = 0.25
)

// FitFor scores how well spec matches task. A declared dimension that
// contradicts a known task attribute disqualifies the strategy.
func FitFor(spec Specialization, task model.Task) float64 {
	if len(spec.Formats) > 0 && !containsFold(spec.Formats, task.Extension()) {
		return 0
	}
	if spec.General() {
		return generalFit
	}

	filename := strings.ToLower(task.Filename())
	score := specialistBase

	if len(spec.Manufacturers) > 0 {
		switch {
		case task.Hints.Manufacturer != "":
			if !containsFold(spec.Manufacturers, task.Hints.Manufacturer) {
				return 0
			}
			score += manufacturerGain
		case filenameMentions(filename, spec.Manufacturers):
			score += manufacturerGain
		}
	}

	if len(spec.DocumentTypes) > 0 && task.Hints.DocumentType != "" {
		if !containsFold(spec.DocumentTypes, task.Hints.DocumentType) {
			return 0
		}
		score += docTypeGain
	}

	if len(spec.Languages) > 0 && task.Hints.Language != "" {
		if !containsFold(spec.Languages, task.Hints.Language) {
			return 0
		}
		score += languageGain
	}

	for _, p := range spec.FilenamePatterns {
		if ok, _ := path.Match(strings.ToLower(p), filename); ok {
			score += patternGain
			break
		}
	}

	return clamp01(score)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// filenameMentions reports whether a manufacturer name appears in the
// filename, ignoring spaces and punctuation.
func filenameMentions(filename string, manufacturers []string) bool {
	compact := compactKey(filename)
	for _, m := range manufacturers {
		if k := compactKey(m); k != "" && strings.Contains(compact, k) {
			return true
		}
	}
	return false
}

func compactKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Base carries the static metadata every strategy shares and supplies the
// default Fit and estimates. Concrete strategies embed it.
type Base struct {
	name    string
	tier    int
	spec    Specialization
	cost    float64
	latency time.Duration
}

// NewBase creates a Base.
func NewBase(name string, tier int, spec Specialization) Base {
	return Base{name: name, tier: tier, spec: spec}
}

// WithEstimates returns a copy of b with static cost and latency estimates.
func (b Base) WithEstimates(costUSD float64, latency time.Duration) Base {
	b.cost = costUSD
	b.latency = latency
	return b
}

// Name returns the unique strategy name.
func (b Base) Name() string { return b.name }

// Tier returns the cost tier (1 = cheapest).
func (b Base) Tier() int { return b.tier }

// Specialization returns the declared specialization.
func (b Base) Specialization() Specialization { return b.spec }

// Fit returns the default specialization-based fit.
func (b Base) Fit(task model.Task) float64 { return FitFor(b.spec, task) }

// EstimateCost returns the static cost estimate.
func (b Base) EstimateCost(model.Task) float64 { return b.cost }

// EstimateLatency returns the static latency estimate.
func (b Base) EstimateLatency(model.Task) time.Duration { return b.latency }

// fail builds a failed result, classifying deadline errors as timeouts.
func (b Base) fail(err error) model.Result {
	kind := model.FailureStrategyError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = model.FailureStrategyTimeout
	}
	return model.Failed(b.name, b.tier, kind, err.Error())
}

// Invoke runs s.Extract with panic recovery and stamps the result with the
// strategy identity and duration. A success without any fields is reported
// as a failure.
func Invoke(ctx context.Context, s Strategy, task model.Task) (res model.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("strategy: panic recovered",
				zap.String("strategy", s.Name()),
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
			)
			res = model.Failed(s.Name(), s.Tier(), model.FailureStrategyError, fmt.Sprintf("panic: %v", r))
		}
		res.Strategy = s.Name()
		res.Tier = s.Tier()
		res.Duration = time.Since(start)
		if res.Success && len(res.Fields) == 0 {
			res.Success = false
			res.Error = "no fields extracted"
		}
		if !res.Success {
			res.Fields = nil
			res.Confidence = 0
			if res.ErrorKind == "" {
				res.ErrorKind = model.FailureStrategyError
			}
		}
		res.Confidence = clamp01(res.Confidence)
	}()
	return s.Extract(ctx, task)
}
