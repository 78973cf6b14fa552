package render

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
)

// Engine recognizes text regions on a page image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) ([]db.BoundingBox, error)
}

// HTTPEngine calls one external OCR service.
type HTTPEngine struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewHTTPEngine builds an engine client.
func NewHTTPEngine(name, baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) Name() string { return e.name }

type ocrResponse struct {
	Regions []struct {
		Text       string     `json:"text"`
		Confidence float64    `json:"confidence"`
		BBox       [4]float64 `json:"bbox"`
	} `json:"regions"`
}

// Recognize sends the page image and returns its regions. An empty page is
// a valid result, not an error.
func (e *HTTPEngine) Recognize(ctx context.Context, image []byte) ([]db.BoundingBox, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/ocr", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")

	res, err := e.http.Do(req)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()
	if err := statusError(res, "ocr engine "+e.name); err != nil {
		return nil, err
	}

	var parsed ocrResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, common.Transientf("failed to decode ocr response: %v", err)
	}

	boxes := make([]db.BoundingBox, 0, len(parsed.Regions))
	for _, region := range parsed.Regions {
		text := strings.TrimSpace(region.Text)
		if text == "" {
			continue
		}
		boxes = append(boxes, db.BoundingBox{
			Text:       text,
			Confidence: region.Confidence,
			X1:         region.BBox[0],
			Y1:         region.BBox[1],
			X2:         region.BBox[2],
			Y2:         region.BBox[3],
		})
	}
	return boxes, nil
}

// EngineSet resolves the per-upload engine choice.
type EngineSet struct {
	engines       map[string]Engine
	defaultEngine string
}

// NewEngineSet builds the configured engines.
func NewEngineSet(cfg config.OCRConfig) *EngineSet {
	set := &EngineSet{engines: make(map[string]Engine), defaultEngine: cfg.DefaultEngine}
	for name, url := range cfg.Engines {
		set.engines[name] = NewHTTPEngine(name, url, cfg.Timeout)
	}
	return set
}

// NewEngineSetWith injects engines, used by tests.
func NewEngineSetWith(defaultEngine string, engines ...Engine) *EngineSet {
	set := &EngineSet{engines: make(map[string]Engine), defaultEngine: defaultEngine}
	for _, engine := range engines {
		set.engines[engine.Name()] = engine
	}
	return set
}

// Resolve returns the named engine, falling back to the default when name
// is empty. An unknown name is an input error surfaced at upload time.
func (s *EngineSet) Resolve(name string) (Engine, error) {
	if name == "" {
		name = s.defaultEngine
	}
	engine, ok := s.engines[name]
	if !ok {
		return nil, common.PermanentInputf("unknown ocr engine: %s", name)
	}
	return engine, nil
}

// Names lists the configured engine names.
func (s *EngineSet) Names() []string {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	return names
}
