package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/datasheet-cli/internal/cost"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/resilience"
	"github.com/sells-group/datasheet-cli/pkg/anthropic"
)

const (
	maxPromptChars        = 60000
	defaultModelConf      = 0.8
	modelSystemOverhead   = 600
	defaultModelLatency   = 20 * time.Second
	defaultOutputEstimate = 800
)

const extractionSystemPrompt = `You extract structured product data from building-material datasheets.
Reply with a single JSON object of the form {"fields": {...}, "confidence": <0..1>}.
Use only the field keys listed below. Use null for anything the document does not state; never guess.
Numbers must be given in the listed unit without the unit symbol.

Fields:
`

// ModelStrategy asks a Claude model to read text carried forward from an
// earlier round and return the fields as JSON.
type ModelStrategy struct {
	Base
	client    anthropic.Client
	modelID   string
	maxTokens int64
	schema    *OutputSchema
	fields    *model.FieldRegistry
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	calc      *cost.Calculator
}

// ModelOption configures a ModelStrategy.
type ModelOption func(*ModelStrategy)

// WithModelRate limits requests per second.
func WithModelRate(rps float64) ModelOption {
	return func(s *ModelStrategy) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithModelRetry overrides the retry policy.
func WithModelRetry(cfg resilience.RetryConfig) ModelOption {
	return func(s *ModelStrategy) { s.retry = cfg }
}

// NewModelStrategy creates the Claude-backed strategy.
func NewModelStrategy(base Base, client anthropic.Client, modelID string, maxTokens int64, fields *model.FieldRegistry, calc *cost.Calculator, opts ...ModelOption) (*ModelStrategy, error) {
	schema, err := NewOutputSchema(fields)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	s := &ModelStrategy{
		Base:      base.WithEstimates(0, defaultModelLatency),
		client:    client,
		modelID:   modelID,
		maxTokens: maxTokens,
		schema:    schema,
		fields:    fields,
		retry:     resilience.DefaultRetryConfig(),
		calc:      calc,
	}
	for _, o := range opts {
		o(s)
	}
	s.retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || resilience.IsTransientHTTPStatus(anthropic.StatusCode(err))
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.RetryLogger(base.Name(), "create_message")
	}
	return s, nil
}

// Fit is zero until some earlier round has produced text to read.
func (s *ModelStrategy) Fit(task model.Task) float64 {
	if strings.TrimSpace(task.CarriedText) == "" {
		return 0
	}
	return s.Base.Fit(task)
}

// EstimateCost prices the prompt built from the carried text.
func (s *ModelStrategy) EstimateCost(task model.Task) float64 {
	if s.calc == nil {
		return 0
	}
	in := cost.EstimateTokens(min(len(task.CarriedText), maxPromptChars)) + modelSystemOverhead
	return s.calc.Claude(s.modelID, in, defaultOutputEstimate, 0, 0)
}

// Extract implements Strategy.
func (s *ModelStrategy) Extract(ctx context.Context, task model.Task) model.Result {
	text := strings.TrimSpace(task.CarriedText)
	if text == "" {
		return s.fail(eris.New("strategy: no text available for model extraction"))
	}
	text = truncate(text, maxPromptChars)

	req := anthropic.MessageRequest{
		Model:     s.modelID,
		MaxTokens: s.maxTokens,
		System:    []anthropic.SystemBlock{{Text: extractionSystemPrompt + fieldCatalogue(s.fields)}},
		Messages:  []anthropic.Message{{Role: "user", Content: buildUserPrompt(task, text)}},
	}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "strategy: rate limit wait")
			}
		}
		return s.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return s.fail(eris.Wrapf(err, "strategy: %s create message", s.Name()))
	}

	var spend float64
	if s.calc != nil {
		u := resp.Usage
		spend = s.calc.Claude(s.modelID, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	zap.L().Debug("strategy: model response",
		zap.String("strategy", s.Name()),
		zap.String("task_id", task.ID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", spend),
	)

	out, err := s.schema.Decode(resp.Text())
	if err != nil {
		res := s.fail(err)
		res.CostUSD = spend
		return res
	}
	return modelResult(s.Base, out, spend, task.CarriedText)
}

func modelResult(b Base, out ModelOutput, spend float64, text string) model.Result {
	conf := defaultModelConf
	if out.Confidence != nil {
		conf = *out.Confidence
	}
	if len(out.Fields) == 0 {
		res := model.Failed(b.Name(), b.Tier(), model.FailureStrategyError, "model returned no fields")
		res.CostUSD = spend
		return res
	}
	return model.Result{
		Strategy:   b.Name(),
		Tier:       b.Tier(),
		Success:    true,
		Fields:     out.Fields,
		Confidence: conf,
		CostUSD:    spend,
		Text:       text,
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func buildUserPrompt(task model.Task, text string) string {
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(task.Filename())
	b.WriteString("\n")
	if task.Hints.Manufacturer != "" {
		fmt.Fprintf(&b, "Manufacturer hint: %s\n", task.Hints.Manufacturer)
	}
	if task.Hints.DocumentType != "" {
		fmt.Fprintf(&b, "Document type: %s\n", task.Hints.DocumentType)
	}
	if task.Hints.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", task.Hints.Language)
	}
	b.WriteString("\n<document>\n")
	b.WriteString(text)
	b.WriteString("\n</document>")
	return b.String()
}
