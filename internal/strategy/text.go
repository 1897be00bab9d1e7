package strategy

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/ocr"
	"github.com/sells-group/datasheet-cli/internal/resilience"
)

// TextStrategy turns document bytes into text with an ocr.Extractor and
// parses label/value pairs out of it.
type TextStrategy struct {
	Base
	extractor ocr.Extractor
	parser    *Parser
	retry     resilience.RetryConfig
	costFn    func(task model.Task) float64
}

// TextOption configures a TextStrategy.
type TextOption func(*TextStrategy)

// WithRetry sets the retry policy around the extractor call.
func WithRetry(cfg resilience.RetryConfig) TextOption {
	return func(s *TextStrategy) { s.retry = cfg }
}

// WithCostFunc replaces the static cost estimate with a per-task one.
func WithCostFunc(fn func(task model.Task) float64) TextOption {
	return func(s *TextStrategy) { s.costFn = fn }
}

// NewTextStrategy creates a TextStrategy.
func NewTextStrategy(base Base, extractor ocr.Extractor, parser *Parser, opts ...TextOption) *TextStrategy {
	s := &TextStrategy{
		Base:      base,
		extractor: extractor,
		parser:    parser,
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.RetryLogger(base.Name(), "extract_text")
	}
	return s
}

// EstimateCost returns the per-task estimate when one is configured.
func (s *TextStrategy) EstimateCost(task model.Task) float64 {
	if s.costFn != nil {
		return s.costFn(task)
	}
	return s.Base.EstimateCost(task)
}

// Extract implements Strategy.
func (s *TextStrategy) Extract(ctx context.Context, task model.Task) model.Result {
	if len(task.Document) == 0 {
		return s.fail(eris.New("strategy: empty document"))
	}

	text, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (string, error) {
		return s.extractor.ExtractText(ctx, task.Filename(), task.Document)
	})
	if err != nil {
		return s.fail(eris.Wrapf(err, "strategy: %s extract text", s.Name()))
	}

	res := parseResult(s.Base, s.parser, text, task)
	res.CostUSD = s.EstimateCost(task)
	return res
}

// parseResult runs parser over text and builds the result. The text is
// attached even when nothing parses so later tiers can build on it.
func parseResult(b Base, parser *Parser, text string, task model.Task) model.Result {
	fields := parser.Parse(text)
	if len(fields) == 0 {
		res := model.Failed(b.Name(), b.Tier(), model.FailureStrategyError, "no recognisable fields in text")
		res.Text = text
		return res
	}

	conf := parser.Confidence(text, fields, task.Hints.DocumentType)
	zap.L().Debug("strategy: parsed text",
		zap.String("strategy", b.Name()),
		zap.String("task_id", task.ID),
		zap.Int("fields", len(fields)),
		zap.Float64("confidence", conf),
	)
	return model.Result{
		Strategy:   b.Name(),
		Tier:       b.Tier(),
		Success:    true,
		Fields:     fields,
		Confidence: conf,
		Text:       text,
	}
}
