package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

// RendererClient talks to the pdf page renderer service. The document is
// uploaded once; pages are then fetched one at a time so large files never
// materialize fully in memory here.
type RendererClient struct {
	baseURL string
	http    *http.Client
}

// NewRendererClient builds a client for the renderer endpoint.
func NewRendererClient(baseURL string, timeout time.Duration) *RendererClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &RendererClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type openResponse struct {
	DocumentID string `json:"document_id"`
	TotalPages int    `json:"total_pages"`
}

type pageResponse struct {
	ImageB64     string `json:"image_b64"`
	NativeText   string `json:"native_text"`
	NativeBBoxes []struct {
		Text string  `json:"text"`
		X1   float64 `json:"x1"`
		Y1   float64 `json:"y1"`
		X2   float64 `json:"x2"`
		Y2   float64 `json:"y2"`
	} `json:"native_bboxes"`
}

// Open uploads a pdf and returns its page sequence.
func (c *RendererClient) Open(ctx context.Context, data []byte) (Sequence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/pdf")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()
	if err := statusError(res, "renderer"); err != nil {
		return nil, err
	}

	var opened openResponse
	if err := json.NewDecoder(res.Body).Decode(&opened); err != nil {
		return nil, common.Transientf("failed to decode renderer response: %v", err)
	}
	if opened.TotalPages <= 0 {
		return nil, common.PermanentInputf("renderer found no pages")
	}
	return &rendererSequence{client: c, documentID: opened.DocumentID, total: opened.TotalPages}, nil
}

func (c *RendererClient) fetchPage(ctx context.Context, documentID string, pageNumber int) (*PageRender, error) {
	url := fmt.Sprintf("%s/v1/documents/%s/pages/%d", c.baseURL, documentID, pageNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()
	if err := statusError(res, "renderer"); err != nil {
		return nil, err
	}

	var page pageResponse
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, common.Transientf("failed to decode page response: %v", err)
	}
	image, err := base64.StdEncoding.DecodeString(page.ImageB64)
	if err != nil {
		return nil, common.Transientf("renderer returned malformed page image: %v", err)
	}

	rendered := &PageRender{PageNumber: pageNumber, Image: image, NativeText: page.NativeText}
	for _, b := range page.NativeBBoxes {
		rendered.NativeBBoxes = append(rendered.NativeBBoxes, db.BoundingBox{
			Text: b.Text, Confidence: 1.0, X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2,
		})
	}
	return rendered, nil
}

func (c *RendererClient) release(ctx context.Context, documentID string) error {
	url := fmt.Sprintf("%s/v1/documents/%s", c.baseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return common.Transient(err)
	}
	res.Body.Close()
	return nil
}

type rendererSequence struct {
	client     *RendererClient
	documentID string
	total      int
	next       int
}

func (s *rendererSequence) TotalPages() int { return s.total }

func (s *rendererSequence) Next(ctx context.Context) (*PageRender, error) {
	if s.next >= s.total {
		return nil, io.EOF
	}
	page, err := s.client.fetchPage(ctx, s.documentID, s.next+1)
	if err != nil {
		return nil, err
	}
	s.next++
	return page, nil
}

func (s *rendererSequence) Close(ctx context.Context) error {
	return s.client.release(ctx, s.documentID)
}

type pdfCapability struct {
	renderer *RendererClient
}

func (c *pdfCapability) RenderPages(ctx context.Context, data []byte, _ string) (Sequence, error) {
	return c.renderer.Open(ctx, data)
}

func statusError(res *http.Response, service string) error {
	if res.StatusCode < 400 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	err := fmt.Errorf("%s returned %d: %s", service, res.StatusCode, string(detail))
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return common.Transient(err)
	}
	return common.PermanentInput(err)
}
