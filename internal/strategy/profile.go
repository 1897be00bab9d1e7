package strategy

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/ocr"
	"github.com/sells-group/datasheet-cli/internal/resilience"
)

// Profile is an expert definition loaded from YAML: a specialization, the
// text extractor it reads from, and label patterns tuned to one
// manufacturer's or language's datasheets.
type Profile struct {
	Name           string              `yaml:"name"`
	Tier           int                 `yaml:"tier"`
	Specialization Specialization      `yaml:",inline"`
	Extractor      string              `yaml:"extractor"`
	Constants      map[string]string   `yaml:"constants"`
	Labels         map[string][]string `yaml:"labels"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads expert profiles from a YAML file.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: read profiles %s", path)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrap(err, "strategy: parse profiles")
	}
	for i := range pf.Profiles {
		p := &pf.Profiles[i]
		if p.Name == "" {
			return nil, eris.Errorf("strategy: profile %d has no name", i)
		}
		if p.Tier == 0 {
			p.Tier = 1
		}
		if p.Extractor == "" {
			p.Extractor = ocr.KindPDFReader
		}
		if p.Specialization.Technique == "" {
			p.Specialization.Technique = "expert_labels"
		}
	}
	return pf.Profiles, nil
}

// ProfileStrategy is an expert built from a Profile. It reads carried text
// when an earlier round produced some, and extracts its own otherwise.
type ProfileStrategy struct {
	Base
	extractor ocr.Extractor
	parser    *Parser
	constants map[string]any
	retry     resilience.RetryConfig
}

// NewProfileStrategy compiles a profile into a strategy.
func NewProfileStrategy(p Profile, extractor ocr.Extractor, fields *model.FieldRegistry) (*ProfileStrategy, error) {
	parser, err := NewParser(fields, MergePatterns(DefaultPatterns(), p.Labels))
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: profile %s", p.Name)
	}
	consts := make(map[string]any, len(p.Constants))
	for k, v := range p.Constants {
		consts[k] = v
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger(p.Name, "extract_text")
	return &ProfileStrategy{
		Base:      NewBase(p.Name, p.Tier, p.Specialization),
		extractor: extractor,
		parser:    parser,
		constants: consts,
		retry:     retry,
	}, nil
}

// Extract implements Strategy.
func (s *ProfileStrategy) Extract(ctx context.Context, task model.Task) model.Result {
	text := task.CarriedText
	if text == "" {
		if len(task.Document) == 0 {
			return s.fail(eris.New("strategy: empty document"))
		}
		var err error
		text, err = resilience.DoVal(ctx, s.retry, func(ctx context.Context) (string, error) {
			return s.extractor.ExtractText(ctx, task.Filename(), task.Document)
		})
		if err != nil {
			return s.fail(eris.Wrapf(err, "strategy: %s extract text", s.Name()))
		}
	}

	res := parseResult(s.Base, s.parser, text, task)
	if !res.Success {
		return res
	}
	for k, v := range s.constants {
		if _, ok := res.Fields[k]; !ok {
			res.Fields[k] = v
		}
	}
	res.Confidence = s.parser.Confidence(text, res.Fields, task.Hints.DocumentType)
	return res
}

// BuildProfileStrategies compiles every profile, resolving each profile's
// extractor from extractors by kind.
func BuildProfileStrategies(profiles []Profile, extractors map[string]ocr.Extractor, fields *model.FieldRegistry) ([]Strategy, error) {
	out := make([]Strategy, 0, len(profiles))
	for _, p := range profiles {
		ex, ok := extractors[p.Extractor]
		if !ok {
			return nil, eris.Errorf("strategy: profile %s uses unknown extractor %q", p.Name, p.Extractor)
		}
		s, err := NewProfileStrategy(p, ex, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
