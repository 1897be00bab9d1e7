// Package embed turns golden-record search text into vectors for the
// semantic index.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/datasheet-cli/internal/config"
)

// Embedder produces fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// New builds the configured embedder. Provider "hash" (the default) needs
// no network; "openai" speaks the OpenAI embeddings API.
func New(cfg config.EmbedConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai", "http":
		if cfg.Key == "" {
			return nil, eris.New("embed: openai provider needs embed.key")
		}
		return NewHTTPEmbedder(cfg.BaseURL, cfg.Key, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, eris.Errorf("embed: unknown provider %q", cfg.Provider)
	}
}

// HashEmbedder is a deterministic bag-of-words embedder using signed
// feature hashing over word unigrams and bigrams. Vectors are L2
// normalised; the empty text embeds to the zero vector.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder with dims dimensions (256 when
// dims <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	words := tokens(text)
	for i, w := range words {
		h.add(vec, w)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w)
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

var fold = cases.Fold()

func tokens(text string) []string {
	text = fold.String(norm.NFKC.String(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != ','
	})
}
