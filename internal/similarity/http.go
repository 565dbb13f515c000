package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/mbd888/sentinel/internal/retry"
)

// HTTPEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint
// (text-embeddings-inference, Ollama, vLLM and the like).
type HTTPEmbedder struct {
	url    string
	model  string
	client *http.Client
	retry  retry.Policy
}

// NewHTTPEmbedder creates an embedder posting to url. The model name is sent
// as-is and may be empty for single-model servers.
func NewHTTPEmbedder(url, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Name() string {
	return "http:" + e.model
}

// EmbedBatch embeds all texts in one request. 5xx responses and transport
// errors are retried; 4xx responses are not.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out [][]float32
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		out, err = e.post(ctx, body, len(texts))
		return err
	})
	return out, err
}

func (e *HTTPEmbedder) post(ctx context.Context, body []byte, n int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode < 500 {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode embedding response: %w", err))
	}
	if len(result.Data) != n {
		return nil, retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", n, len(result.Data)))
	}

	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	vecs := make([][]float32, n)
	for i, d := range result.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
