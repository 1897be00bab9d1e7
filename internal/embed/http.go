package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/resilience"
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	http    *http.Client
	retry   resilience.RetryConfig
}

// HTTPOption configures an HTTPEmbedder.
type HTTPOption func(*HTTPEmbedder)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(e *HTTPEmbedder) { e.http = hc }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) HTTPOption {
	return func(e *HTTPEmbedder) { e.retry = cfg }
}

// NewHTTPEmbedder creates an HTTPEmbedder. dims is sent as the requested
// output size and checked against every response.
func NewHTTPEmbedder(baseURL, apiKey, model string, dims int, opts ...HTTPOption) *HTTPEmbedder {
	e := &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Dimensions implements Embedder.
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: text, Model: e.model, Dimensions: e.dims})
	if err != nil {
		return nil, eris.Wrap(err, "embed: marshal request")
	}

	resp, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*embeddingResponse, error) {
		return e.post(ctx, body)
	})
	if err != nil {
		return nil, eris.Wrap(err, "embed: request")
	}
	if len(resp.Data) == 0 {
		return nil, eris.New("embed: no embedding in response")
	}
	vec := resp.Data[0].Embedding
	if e.dims > 0 && len(vec) != e.dims {
		return nil, eris.Errorf("embed: got %d dimensions, want %d", len(vec), e.dims)
	}
	return vec, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, body []byte) (*embeddingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "embed: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "embed: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "embed: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embed: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, eris.Wrap(err, "embed: request rejected")
	}

	var out embeddingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "embed: decode response")
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
