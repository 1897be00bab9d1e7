package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "claude-haiku-4-5-20251001"

// messageServer answers every request with status and body, handing the
// decoded request body to inspect when it is non-nil.
func messageServer(t *testing.T, status int, body map[string]any, inspect func(req map[string]any)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if inspect != nil {
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var req map[string]any
			require.NoError(t, json.Unmarshal(raw, &req))
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func message(id, text string, in, out, cacheWrite int) map[string]any {
	return map[string]any{
		"id":          id,
		"type":        "message",
		"role":        "assistant",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"model":       testModel,
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":                in,
			"output_tokens":               out,
			"cache_creation_input_tokens": cacheWrite,
			"cache_read_input_tokens":     0,
		},
	}
}

func apiError(kind, msg string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": map[string]any{"type": kind, "message": msg},
	}
}

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithBaseURL(baseURL), WithMaxRetries(0))
}

func TestSDKClient_CreateMessage(t *testing.T) {
	ts := messageServer(t, http.StatusOK,
		message("msg_01", `{"fields":{"manufacturer":{"value":"Rockwool"}}}`, 812, 64, 0), nil)

	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     testModel,
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Extract the datasheet fields."}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, testModel, resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `{"fields":{"manufacturer":{"value":"Rockwool"}}}`, resp.Text())
	assert.Equal(t, int64(812), resp.Usage.InputTokens)
	assert.Equal(t, int64(64), resp.Usage.OutputTokens)
}

func TestSDKClient_CreateMessage_SendsSystemAndTemperature(t *testing.T) {
	var sent map[string]any
	ts := messageServer(t, http.StatusOK, message("msg_02", "{}", 40, 2, 4096), func(req map[string]any) {
		sent = req
	})

	temp := 0.0
	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     testModel,
		MaxTokens: 128,
		System: []SystemBlock{
			{Text: "Return only JSON.", CacheControl: &CacheControl{TTL: "1h"}},
		},
		Messages:    []Message{{Role: "user", Content: "datasheet text"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), resp.Usage.CacheCreationInputTokens)

	require.NotNil(t, sent)
	assert.Equal(t, float64(128), sent["max_tokens"])
	assert.Contains(t, sent, "temperature")
	system, ok := sent["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "Return only JSON.", system[0].(map[string]any)["text"])
}

func TestSDKClient_CreateMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{"server error", http.StatusInternalServerError, "api_error"},
		{"rate limited", http.StatusTooManyRequests, "rate_limit_error"},
		{"bad request", http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := messageServer(t, tt.status, apiError(tt.kind, "nope"), nil)

			_, err := newTestClient(ts.URL).CreateMessage(context.Background(), MessageRequest{
				Model:     testModel,
				MaxTokens: 256,
				Messages:  []Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: create message")
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Zero(t, StatusCode(nil))
	assert.Zero(t, StatusCode(io.EOF))
}
