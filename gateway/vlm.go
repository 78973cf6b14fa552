package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
)

// correctionPrompt asks the model to fix recognition errors without
// inventing content. The page image grounds the correction.
const correctionPrompt = "The following text was extracted from the attached page image by OCR. " +
	"Correct recognition errors using the image as the source of truth. " +
	"Preserve the original wording, line structure and numbers. " +
	"Do not add, summarize or translate anything. Return only the corrected text.\n\n"

// VLMClient talks to an OpenAI-compatible chat completions endpoint with a
// vision-capable model.
type VLMClient struct {
	url        string
	model      string
	apiKey     string
	maxRetries int
	http       *http.Client
	log        *common.ContextLogger
}

// NewVLMClient builds a client from configuration.
func NewVLMClient(cfg config.ModelsConfig) *VLMClient {
	timeout := cfg.VLMTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &VLMClient{
		url:        strings.TrimRight(cfg.VLMURL, "/") + "/v1/chat/completions",
		model:      cfg.VLMModel,
		apiKey:     cfg.VLMAPIKey,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: timeout},
		log:        common.ServiceLogger("vlm"),
	}
}

type chatContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Correct returns the corrected page text. The caller decides what to do
// when correction fails; the pipeline keeps the raw OCR text and flags the
// page rather than failing the document.
func (c *VLMClient) Correct(ctx context.Context, ocrText string, pageImage []byte) (string, error) {
	imageURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pageImage)
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []chatContent{
					{Type: "text", Text: correctionPrompt + ocrText},
					{Type: "image_url", ImageURL: &struct {
						URL string `json:"url"`
					}{URL: imageURL}},
				},
			},
		},
		Temperature: 0,
	}

	var parsed chatResponse
	operation := func() error {
		parsed = chatResponse{}
		return postJSON(ctx, c.http, c.url, c.apiKey, request, &parsed)
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, c.maxRetries)); err != nil {
		return "", classify(err)
	}

	if len(parsed.Choices) == 0 {
		return "", common.Transientf("vision endpoint returned no choices")
	}
	corrected := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if corrected == "" {
		return "", common.Transientf("vision endpoint returned empty correction")
	}
	return corrected, nil
}
