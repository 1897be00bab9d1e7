package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/cost"
	"github.com/sells-group/datasheet-cli/internal/db"
	"github.com/sells-group/datasheet-cli/internal/embed"
	"github.com/sells-group/datasheet-cli/internal/escalation"
	"github.com/sells-group/datasheet-cli/internal/executor"
	"github.com/sells-group/datasheet-cli/internal/merge"
	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/monitoring"
	"github.com/sells-group/datasheet-cli/internal/ocr"
	"github.com/sells-group/datasheet-cli/internal/orchestrator"
	"github.com/sells-group/datasheet-cli/internal/resilience"
	"github.com/sells-group/datasheet-cli/internal/router"
	"github.com/sells-group/datasheet-cli/internal/source"
	"github.com/sells-group/datasheet-cli/internal/store"
	"github.com/sells-group/datasheet-cli/internal/strategy"
	"github.com/sells-group/datasheet-cli/internal/weights"
	anthropicpkg "github.com/sells-group/datasheet-cli/pkg/anthropic"
)

// bytesPerPage is a rough size of one datasheet page, used to estimate
// hosted OCR spend before the document is read.
const bytesPerPage = 100_000

// weightsSaveTimeout bounds the final weight write on shutdown.
const weightsSaveTimeout = 10 * time.Second

// engineEnv holds everything a command needs to process documents.
type engineEnv struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *strategy.Registry
	Collector    *monitoring.Collector
	Files        *source.FileSource
	Store        store.Store // nil when persistence is off
	Weights      *weights.Table

	closers []func() error
}

// Close drains the orchestrator, saves the learned weights, then releases
// the store and source clients.
func (e *engineEnv) Close(ctx context.Context) error {
	var err error
	if e.Orchestrator != nil {
		err = e.Orchestrator.Close(ctx)
	}
	e.saveWeights(ctx)
	e.release()
	return err
}

// saveWeights persists the weight table. It runs after a drain that may
// have used up ctx, so it gets its own deadline.
func (e *engineEnv) saveWeights(ctx context.Context) {
	if e.Store == nil || e.Weights == nil {
		return
	}
	w := e.Weights.Snapshot().Map()
	if len(w) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), weightsSaveTimeout)
	defer cancel()
	if err := e.Store.SaveWeights(sctx, w); err != nil {
		zap.L().Warn("engine: save weights failed", zap.Error(err))
		return
	}
	zap.L().Debug("engine: saved weights", zap.Int("strategies", len(w)))
}

func (e *engineEnv) release() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if cerr := e.closers[i](); cerr != nil {
			zap.L().Warn("engine: close failed", zap.Error(cerr))
		}
	}
	e.closers = nil
}

// initEngine wires strategies, the escalation controller, the source
// resolver, and the store into an orchestrator. persist=false skips the
// store entirely.
func initEngine(ctx context.Context, persist bool) (*engineEnv, error) {
	fields, err := loadFields(cfg.Fields)
	if err != nil {
		return nil, err
	}

	calc := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
	strategies, err := buildStrategies(ctx, cfg, fields, calc)
	if err != nil {
		return nil, err
	}
	reg, err := strategy.NewRegistry(strategies...)
	if err != nil {
		return nil, eris.Wrap(err, "build strategy registry")
	}

	table := weights.NewTable(weights.FromConfig(cfg.Weights))
	breakers := resilience.NewBreakers(resilience.CircuitFromConfig(cfg.Resilience))
	exec := executor.New(cfg.Orchestrator.MaxConcurrency, cfg.Orchestrator.StrategyTimeout(), breakers)
	merger := merge.New(fields, merge.FromConfig(cfg.Merge))
	rt := router.New(reg, router.FromConfig(cfg.Router))
	ctrl := escalation.New(reg, rt, exec, merger, table, escalation.FromConfig(cfg.Orchestrator, cfg.Router))

	env := &engineEnv{
		Registry:  reg,
		Collector: monitoring.NewCollector(),
		Files:     source.NewFileSource(cfg.Source),
		Weights:   table,
	}

	resolver := source.NewResolver(env.Files)
	if cfg.Source.GCSEnabled {
		opener, err := source.NewStorageOpener(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "init gcs source")
		}
		env.closers = append(env.closers, opener.Close)
		resolver.Register("gs", source.NewGCSSource(opener, cfg.Source.MaxBytes))
		zap.L().Info("gcs source enabled")
	}

	var sink store.Sink
	if persist && cfg.Store.Driver != "none" {
		st, err := initStore(ctx, cfg.Store, cfg.Embed)
		if err != nil {
			env.release()
			return nil, err
		}
		env.closers = append(env.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			env.release()
			return nil, eris.Wrap(err, "migrate store")
		}
		env.Store = st
		sink = st

		saved, err := st.LoadWeights(ctx)
		if err != nil {
			env.release()
			return nil, eris.Wrap(err, "load strategy weights")
		}
		table.Seed(saved)
	}

	env.Orchestrator = orchestrator.New(ctrl, resolver, sink,
		orchestrator.WithWorkers(cfg.Orchestrator.Workers),
		orchestrator.WithCollector(env.Collector),
		orchestrator.WithWeights(table),
	)

	zap.L().Info("engine ready",
		zap.Int("strategies", reg.Len()),
		zap.Ints("tiers", ctrl.Tiers()),
		zap.Int("fields", len(fields.Fields)),
		zap.Bool("persist", env.Store != nil),
	)
	return env, nil
}

func loadFields(c config.FieldsConfig) (*model.FieldRegistry, error) {
	if c.Path == "" {
		return model.DefaultFieldRegistry(), nil
	}
	fields, err := model.LoadFieldRegistry(c.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load field schema")
	}
	return fields, nil
}

func initStore(ctx context.Context, sc config.StoreConfig, ec config.EmbedConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		st, err := store.NewSQLite(sc.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		embedder, err := embed.New(ec)
		if err != nil {
			return nil, err
		}
		st, err := store.NewPostgres(ctx, sc.DatabaseURL, db.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		}, embedder)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// buildStrategies assembles the strategy catalogue. Tier 1 reads embedded
// text, tier 2 runs OCR, and tier 3 asks a hosted model. Hosted strategies
// are registered only when their credentials are configured.
func buildStrategies(ctx context.Context, c *config.Config, fields *model.FieldRegistry, calc *cost.Calculator) ([]strategy.Strategy, error) {
	parser, err := strategy.NewParser(fields, strategy.DefaultPatterns())
	if err != nil {
		return nil, eris.Wrap(err, "build label parser")
	}
	retry := strategy.WithRetry(resilience.RetryFromConfig(c.Resilience))
	pdf := []string{".pdf"}

	out := []strategy.Strategy{
		strategy.NewTextStrategy(
			strategy.NewBase("pdf_text", 1, strategy.Specialization{Formats: pdf, Technique: "text_layer"}).
				WithEstimates(0, 2*time.Second),
			ocr.NewPDFReader(), parser, retry),
		strategy.NewTextStrategy(
			strategy.NewBase("pdftotext_layout", 1, strategy.Specialization{Formats: pdf, Technique: "text_layout"}).
				WithEstimates(0, 3*time.Second),
			ocr.NewPdfToText(c.OCR.PdfToTextPath), parser, retry),
		strategy.NewTextStrategy(
			strategy.NewBase("docconv", 1, strategy.Specialization{
				Formats:   []string{".docx", ".doc", ".odt", ".rtf"},
				Technique: "text_layer",
			}).WithEstimates(0, 2*time.Second),
			ocr.NewDocConv(), parser, retry),
		strategy.NewTextStrategy(
			strategy.NewBase("ocr_tesseract", 2, strategy.Specialization{Formats: pdf, Technique: "ocr"}).
				WithEstimates(0, 45*time.Second),
			ocr.NewTesseract(c.OCR.PdfToPPMPath, c.OCR.TesseractPath, c.OCR.Languages), parser, retry),
	}

	if c.OCR.MistralKey != "" {
		out = append(out, strategy.NewTextStrategy(
			strategy.NewBase("ocr_mistral", 2, strategy.Specialization{
				Formats:   []string{".pdf", ".png", ".jpg", ".jpeg"},
				Technique: "hosted_ocr",
			}).WithEstimates(0, 20*time.Second),
			ocr.NewMistralOCR(c.OCR.MistralKey, c.OCR.MistralModel, ocr.WithMistralRate(c.OCR.MistralRPS)),
			parser, retry,
			strategy.WithCostFunc(func(task model.Task) float64 {
				return calc.OCRPages(len(task.Document) / bytesPerPage)
			}),
		))
	} else {
		zap.L().Debug("DATASHEET_OCR_MISTRAL_API_KEY not set, hosted OCR disabled")
	}

	if c.Profiles.Path != "" {
		experts, err := buildProfiles(c, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, experts...)
	}

	if c.Anthropic.Key != "" {
		s, err := strategy.NewModelStrategy(
			strategy.NewBase("claude", 3, strategy.Specialization{Technique: "llm"}),
			anthropicpkg.NewClient(c.Anthropic.Key),
			c.Anthropic.Model, c.Anthropic.MaxTokens, fields, calc,
			strategy.WithModelRate(c.Anthropic.RPS),
			strategy.WithModelRetry(resilience.RetryFromConfig(c.Resilience)),
		)
		if err != nil {
			return nil, eris.Wrap(err, "build claude strategy")
		}
		out = append(out, s)
	} else {
		zap.L().Debug("DATASHEET_ANTHROPIC_KEY not set, claude strategy disabled")
	}

	if c.Gemini.Enabled {
		gen, err := strategy.NewGeminiGenerator(ctx)
		if err != nil {
			return nil, err
		}
		s, err := strategy.NewGeminiStrategy(
			strategy.NewBase("gemini", 3, strategy.Specialization{
				Formats:   []string{".pdf", ".png", ".jpg", ".jpeg"},
				Technique: "multimodal",
			}),
			gen, c.Gemini.Model, fields, calc, c.Gemini.RPS,
		)
		if err != nil {
			return nil, eris.Wrap(err, "build gemini strategy")
		}
		out = append(out, s)
	}

	return out, nil
}

// buildProfiles loads expert profiles and binds each to the extractor kind
// it names. Mistral is only offered when a key is configured.
func buildProfiles(c *config.Config, fields *model.FieldRegistry) ([]strategy.Strategy, error) {
	profiles, err := strategy.LoadProfiles(c.Profiles.Path)
	if err != nil {
		return nil, err
	}

	kinds := []string{ocr.KindPDFReader, ocr.KindPdfToText, ocr.KindDocConv, ocr.KindTesseract}
	if c.OCR.MistralKey != "" {
		kinds = append(kinds, ocr.KindMistral)
	}
	extractors := make(map[string]ocr.Extractor, len(kinds))
	for _, kind := range kinds {
		ex, err := ocr.NewExtractor(kind, c.OCR)
		if err != nil {
			return nil, err
		}
		extractors[kind] = ex
	}

	experts, err := strategy.BuildProfileStrategies(profiles, extractors, fields)
	if err != nil {
		return nil, err
	}
	zap.L().Info("expert profiles loaded",
		zap.String("path", c.Profiles.Path),
		zap.Int("profiles", len(experts)),
	)
	return experts, nil
}
