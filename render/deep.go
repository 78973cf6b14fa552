package render

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

// DeepPass implements the second pass of deep processing mode: regions the
// first pass recognized below the confidence threshold are cropped, upscaled
// and recognized again; the better result wins per region.
type DeepPass struct {
	Engine     Engine
	Confidence float64
	Scale      float64
	log        *common.ContextLogger
}

// NewDeepPass builds the rescan pass with the configured threshold and
// upscale factor.
func NewDeepPass(engine Engine, confidence, scale float64) *DeepPass {
	if confidence <= 0 {
		confidence = 0.6
	}
	if scale <= 1 {
		scale = 2.0
	}
	return &DeepPass{
		Engine:     engine,
		Confidence: confidence,
		Scale:      scale,
		log:        common.ServiceLogger("deep-ocr"),
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Rescan re-recognizes low-confidence regions on an upscaled crop. Boxes
// keep their original page coordinates; only text and confidence change.
// Rescan failures keep the first-pass result for the affected region.
func (p *DeepPass) Rescan(ctx context.Context, pageImage []byte, boxes []db.BoundingBox) []db.BoundingBox {
	var lowIndexes []int
	for i, b := range boxes {
		if b.Confidence < p.Confidence {
			lowIndexes = append(lowIndexes, i)
		}
	}
	if len(lowIndexes) == 0 {
		return boxes
	}

	decoded, _, err := image.Decode(bytes.NewReader(pageImage))
	if err != nil {
		p.log.WithError(err).Warn("Deep pass skipped, page image not decodable")
		return boxes
	}
	cropper, ok := decoded.(subImager)
	if !ok {
		return boxes
	}

	bounds := decoded.Bounds()
	for _, i := range lowIndexes {
		if err := ctx.Err(); err != nil {
			return boxes
		}
		region := image.Rect(int(boxes[i].X1), int(boxes[i].Y1), int(boxes[i].X2), int(boxes[i].Y2)).Intersect(bounds)
		if region.Empty() {
			continue
		}

		crop := cropper.SubImage(region)
		width := uint(float64(region.Dx()) * p.Scale)
		upscaled := resize.Resize(width, 0, crop, resize.Lanczos3)

		var buf bytes.Buffer
		if err := png.Encode(&buf, upscaled); err != nil {
			continue
		}
		rescanned, err := p.Engine.Recognize(ctx, buf.Bytes())
		if err != nil {
			p.log.WithError(err).WithField("region", i).Debug("Region rescan failed, keeping first pass")
			continue
		}
		if text, confidence, ok := bestRegion(rescanned); ok && confidence > boxes[i].Confidence {
			boxes[i].Text = text
			boxes[i].Confidence = confidence
		}
	}
	return boxes
}

// bestRegion collapses a rescan result into one text. The crop usually
// yields a single region; multiple regions are joined in reading order.
func bestRegion(boxes []db.BoundingBox) (string, float64, bool) {
	if len(boxes) == 0 {
		return "", 0, false
	}
	SortReadingOrder(boxes)
	return JoinText(boxes), AvgConfidence(boxes), true
}
