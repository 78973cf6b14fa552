package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
)

const defaultEmbeddingBatch = 32

// EmbeddingClient talks to an OpenAI-compatible /v1/embeddings endpoint.
type EmbeddingClient struct {
	url        string
	model      string
	apiKey     string
	batchSize  int
	maxRetries int
	http       *http.Client
	log        *common.ContextLogger
}

// NewEmbeddingClient builds a client from configuration.
func NewEmbeddingClient(cfg config.ModelsConfig) *EmbeddingClient {
	batch := cfg.EmbeddingBatchSize
	if batch <= 0 {
		batch = defaultEmbeddingBatch
	}
	timeout := cfg.EmbeddingTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &EmbeddingClient{
		url:        strings.TrimRight(cfg.EmbeddingURL, "/") + "/v1/embeddings",
		model:      cfg.EmbeddingModel,
		apiKey:     cfg.EmbeddingAPIKey,
		batchSize:  batch,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: timeout},
		log:        common.ServiceLogger("embedding"),
	}
}

// BatchSize returns the maximum number of texts per request.
func (c *EmbeddingClient) BatchSize() int {
	return c.batchSize
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order. The batch is
// capped by BatchSize; callers split larger inputs.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.batchSize {
		return nil, common.PermanentInputf("embedding batch of %d exceeds limit %d", len(texts), c.batchSize)
	}

	var parsed embeddingResponse
	operation := func() error {
		parsed = embeddingResponse{}
		return postJSON(ctx, c.http, c.url, c.apiKey, embeddingRequest{Model: c.model, Input: texts}, &parsed)
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, c.maxRetries)); err != nil {
		return nil, classify(err)
	}

	if len(parsed.Data) != len(texts) {
		return nil, common.Transientf("embedding endpoint returned %d vectors for %d texts", len(parsed.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, common.Transientf("embedding endpoint returned out-of-range index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, common.Transientf("embedding endpoint returned empty vector at index %d", i)
		}
	}
	return vectors, nil
}
