package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/sells-group/datasheet-cli/internal/cost"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/ocr"
	"github.com/sells-group/datasheet-cli/internal/resilience"
)

// ContentGenerator is the slice of the genai Models service used here.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewGeminiGenerator creates a genai client using the environment's API key
// or application default credentials.
func NewGeminiGenerator(ctx context.Context) (ContentGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "strategy: create genai client")
	}
	return client.Models, nil
}

// GeminiStrategy sends the raw document inline to a Gemini model, so it
// works on scanned datasheets without any text layer.
type GeminiStrategy struct {
	Base
	gen     ContentGenerator
	modelID string
	schema  *OutputSchema
	fields  *model.FieldRegistry
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	calc    *cost.Calculator
}

// NewGeminiStrategy creates the Gemini-backed strategy.
func NewGeminiStrategy(base Base, gen ContentGenerator, modelID string, fields *model.FieldRegistry, calc *cost.Calculator, rps float64) (*GeminiStrategy, error) {
	schema, err := NewOutputSchema(fields)
	if err != nil {
		return nil, err
	}
	s := &GeminiStrategy{
		Base:    base.WithEstimates(0, 25*time.Second),
		gen:     gen,
		modelID: modelID,
		schema:  schema,
		fields:  fields,
		retry:   resilience.DefaultRetryConfig(),
		calc:    calc,
	}
	if rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	s.retry.ShouldRetry = isTransientGenAI
	s.retry.OnRetry = resilience.RetryLogger(base.Name(), "generate_content")
	return s, nil
}

// EstimateCost assumes roughly 258 tokens per rendered page.
func (s *GeminiStrategy) EstimateCost(task model.Task) float64 {
	if s.calc == nil {
		return 0
	}
	pages := int64(len(task.Document)/50_000) + 1
	return s.calc.Gemini(s.modelID, pages*258+modelSystemOverhead, defaultOutputEstimate)
}

// Extract implements Strategy.
func (s *GeminiStrategy) Extract(ctx context.Context, task model.Task) model.Result {
	if len(task.Document) == 0 {
		return s.fail(eris.New("strategy: empty document"))
	}

	prompt := extractionSystemPrompt + fieldCatalogue(s.fields) + "\n" + buildUserPrompt(task, "(attached)")
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{InlineData: &genai.Blob{MIMEType: ocr.MimeType(task.Filename()), Data: task.Document}},
			},
		},
	}
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "strategy: rate limit wait")
			}
		}
		return s.gen.GenerateContent(ctx, s.modelID, contents, cfg)
	})
	if err != nil {
		return s.fail(eris.Wrapf(err, "strategy: %s generate content", s.Name()))
	}

	var spend float64
	if s.calc != nil && resp.UsageMetadata != nil {
		spend = s.calc.Gemini(s.modelID,
			int64(resp.UsageMetadata.PromptTokenCount),
			int64(resp.UsageMetadata.CandidatesTokenCount))
	}
	zap.L().Debug("strategy: gemini response",
		zap.String("strategy", s.Name()),
		zap.String("task_id", task.ID),
		zap.Float64("cost_usd", spend),
	)

	out, err := s.schema.Decode(resp.Text())
	if err != nil {
		res := s.fail(err)
		res.CostUSD = spend
		return res
	}
	return modelResult(s.Base, out, spend, "")
}

var genaiTransient = []string{"error 429", "error 500", "error 503", "resource_exhausted", "unavailable"}

func isTransientGenAI(err error) bool {
	if resilience.IsTransient(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range genaiTransient {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
