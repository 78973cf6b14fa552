package render

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/TocharianOU/newrag/common"
)

// ConverterClient talks to the headless office-to-pdf converter.
type ConverterClient struct {
	baseURL string
	http    *http.Client
}

// NewConverterClient builds a client for the converter endpoint.
func NewConverterClient(baseURL string, timeout time.Duration) *ConverterClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &ConverterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Convert uploads an office document and returns the pdf bytes.
func (c *ConverterClient) Convert(ctx context.Context, data []byte, filename string) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/convert", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()
	if err := statusError(res, "converter"); err != nil {
		return nil, err
	}

	pdf, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Transient(err)
	}
	if len(pdf) == 0 {
		return nil, common.PermanentInputf("converter produced empty output for %s", filename)
	}
	return pdf, nil
}

// officeCapability converts to pdf first, then renders through the pdf path.
type officeCapability struct {
	converter *ConverterClient
	renderer  *RendererClient
}

func (c *officeCapability) RenderPages(ctx context.Context, data []byte, filename string) (Sequence, error) {
	pdf, err := c.converter.Convert(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	return c.renderer.Open(ctx, pdf)
}
