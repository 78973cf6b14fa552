package render

import (
	"sort"
	"strings"

	"github.com/TocharianOU/newrag/db"
)

// SortReadingOrder orders boxes top-to-bottom by center y, breaking ties
// left-to-right by center x.
func SortReadingOrder(boxes []db.BoundingBox) {
	sort.SliceStable(boxes, func(i, j int) bool {
		ci := centerY(boxes[i])
		cj := centerY(boxes[j])
		if ci != cj {
			return ci < cj
		}
		return centerX(boxes[i]) < centerX(boxes[j])
	})
}

func centerX(b db.BoundingBox) float64 { return (b.X1 + b.X2) / 2 }
func centerY(b db.BoundingBox) float64 { return (b.Y1 + b.Y2) / 2 }

// JoinText concatenates box texts in their current order.
func JoinText(boxes []db.BoundingBox) string {
	parts := make([]string, 0, len(boxes))
	for _, b := range boxes {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AvgConfidence returns the mean confidence over the boxes, zero when none.
func AvgConfidence(boxes []db.BoundingBox) float64 {
	if len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}
