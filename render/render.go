// Package render turns uploaded files into ordered page images with
// optional native text, and wraps the external OCR engines. Office formats
// route through a headless converter to the pdf path; archives are expanded
// upstream into child uploads and never reach a capability here.
package render

import (
	"context"
	"io"
	"strings"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
)

// PageRender is one rendered page. NativeText is set when the source file
// carries a text layer; it is preferred over OCR for the page text while
// OCR still supplies the bounding boxes.
type PageRender struct {
	PageNumber   int
	Image        []byte
	NativeText   string
	NativeBBoxes []db.BoundingBox
}

// Sequence is a finite, non-restartable page iterator. Next returns io.EOF
// after the last page. Close releases server-side render state.
type Sequence interface {
	TotalPages() int
	Next(ctx context.Context) (*PageRender, error)
	Close(ctx context.Context) error
}

// Capability renders one file format into pages.
type Capability interface {
	RenderPages(ctx context.Context, data []byte, filename string) (Sequence, error)
}

// File type kinds group the supported extensions onto their render path.
const (
	KindPDF         = "pdf"
	KindOffice      = "office"
	KindSpreadsheet = "spreadsheet"
	KindText        = "text"
	KindImage       = "image"
	KindArchive     = "archive"
)

var typeKinds = map[string]string{
	"pdf":  KindPDF,
	"doc":  KindOffice,
	"docx": KindOffice,
	"ppt":  KindOffice,
	"pptx": KindOffice,
	"odt":  KindOffice,
	"xls":  KindSpreadsheet,
	"xlsx": KindSpreadsheet,
	"csv":  KindSpreadsheet,
	"txt":  KindText,
	"md":   KindText,
	"png":  KindImage,
	"jpg":  KindImage,
	"jpeg": KindImage,
	"zip":  KindArchive,
}

// KindOf maps a file extension (without dot, lowercased) onto its render
// kind. The empty string means unsupported.
func KindOf(fileType string) string {
	return typeKinds[strings.ToLower(fileType)]
}

// Supported reports whether the file type has a render path.
func Supported(fileType string) bool {
	return KindOf(fileType) != ""
}

// IsArchive reports whether the file type expands into child uploads.
func IsArchive(fileType string) bool {
	return KindOf(fileType) == KindArchive
}

// Registry resolves a file type onto its capability.
type Registry struct {
	renderer  *RendererClient
	converter *ConverterClient
}

// NewRegistry wires the renderer and converter endpoints from configuration.
func NewRegistry(cfg config.OCRConfig) *Registry {
	return &Registry{
		renderer:  NewRendererClient(cfg.RendererURL, cfg.Timeout),
		converter: NewConverterClient(cfg.ConverterURL, cfg.Timeout),
	}
}

// NewRegistryWith injects clients, used by tests.
func NewRegistryWith(renderer *RendererClient, converter *ConverterClient) *Registry {
	return &Registry{renderer: renderer, converter: converter}
}

// For returns the capability for a file type. Archives are rejected here;
// the task layer expands them before render runs.
func (r *Registry) For(fileType string) (Capability, error) {
	switch KindOf(fileType) {
	case KindPDF:
		return &pdfCapability{renderer: r.renderer}, nil
	case KindOffice, KindSpreadsheet:
		return &officeCapability{converter: r.converter, renderer: r.renderer}, nil
	case KindText:
		return &textCapability{}, nil
	case KindImage:
		return &imageCapability{}, nil
	case KindArchive:
		return nil, common.PermanentInputf("archive must be expanded before rendering")
	default:
		return nil, common.PermanentInputf("unsupported file type: %s", fileType)
	}
}

// sliceSequence serves pre-materialized pages, used by the image and text
// paths where rendering is trivial.
type sliceSequence struct {
	pages []PageRender
	pos   int
}

func (s *sliceSequence) TotalPages() int { return len(s.pages) }

func (s *sliceSequence) Next(ctx context.Context) (*PageRender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.pages) {
		return nil, io.EOF
	}
	page := s.pages[s.pos]
	s.pos++
	return &page, nil
}

func (s *sliceSequence) Close(context.Context) error { return nil }
