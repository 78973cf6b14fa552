// Package gateway holds the clients for external model endpoints: the
// embedding service and the vision language model used for OCR correction.
// Both speak the OpenAI-compatible wire format. Transient failures are
// retried with jittered exponential backoff; 4xx responses are not.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TocharianOU/newrag/common"
)

// Embedder produces dense vectors for text batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	BatchSize() int
}

// VisionCorrector rewrites noisy OCR text using the page image as grounding.
type VisionCorrector interface {
	Correct(ctx context.Context, ocrText string, pageImage []byte) (string, error)
}

func retryPolicy(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = b
	if maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(maxRetries))
	}
	return backoff.WithContext(policy, ctx)
}

// postJSON sends a request and decodes the response into out. A 4xx status
// aborts the enclosing retry loop; 5xx and transport errors stay retryable.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		err := fmt.Errorf("model endpoint returned %d: %s", res.StatusCode, string(detail))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return backoff.Permanent(common.PermanentInput(err))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode model response: %w", err)
	}
	return nil
}

// classify maps the final error of a retry loop onto the task taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	var ce *common.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	return common.Transient(err)
}
