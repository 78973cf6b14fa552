package render

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/TocharianOU/newrag/common"
)

// textPageSize approximates how many characters of plain text make one
// logical page. Text files carry no images, so pages exist only to keep
// progress and provenance granular.
const textPageSize = 4000

// textCapability pages plain text and markdown without rendering images.
// OCR is skipped for these pages; the native text is the page text.
type textCapability struct{}

func (c *textCapability) RenderPages(ctx context.Context, data []byte, _ string) (Sequence, error) {
	if !utf8.Valid(data) {
		return nil, common.PermanentInputf("text file is not valid utf-8")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, common.PermanentInputf("text file is empty")
	}

	var pages []PageRender
	runes := []rune(text)
	for start, number := 0, 1; start < len(runes); number++ {
		end := start + textPageSize
		if end > len(runes) {
			end = len(runes)
		} else {
			// Back off to the nearest line break so pages split cleanly.
			segment := string(runes[start:end])
			if cut := strings.LastIndex(segment, "\n"); cut >= 0 {
				if runeCut := utf8.RuneCountInString(segment[:cut]); runeCut > textPageSize/2 {
					end = start + runeCut
				}
			}
		}
		pages = append(pages, PageRender{PageNumber: number, NativeText: string(runes[start:end])})
		start = end
	}
	return &sliceSequence{pages: pages}, nil
}

// imageCapability treats the upload itself as a single page image.
type imageCapability struct{}

func (c *imageCapability) RenderPages(ctx context.Context, data []byte, _ string) (Sequence, error) {
	if len(data) == 0 {
		return nil, common.PermanentInputf("image file is empty")
	}
	return &sliceSequence{pages: []PageRender{{PageNumber: 1, Image: data}}}, nil
}
