// Package chunker splits page text into overlapping retrieval chunks. The
// splitter prefers paragraph breaks, then line breaks, then spaces, and only
// cuts mid-word when a single token exceeds the target size.
package chunker

import (
	"strings"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 500
	// DefaultOverlap is how many trailing characters repeat at the start of
	// the next chunk.
	DefaultOverlap = 50
	// HardCap is the absolute chunk length limit. Text that cannot be split
	// below it is cut at the cap.
	HardCap = 2000
)

var separators = []string{"\n\n", "\n", " ", ""}

// Splitter carries the chunking parameters.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

// NewSplitter returns a splitter with the default parameters.
func NewSplitter() *Splitter {
	return &Splitter{ChunkSize: DefaultChunkSize, Overlap: DefaultOverlap}
}

// Split breaks text into chunks. Empty and whitespace-only pieces are
// dropped, so empty input yields no chunks.
func (s *Splitter) Split(text string) []string {
	pieces := s.split([]rune(text), 0)

	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		trimmed := strings.TrimSpace(piece)
		if trimmed == "" {
			continue
		}
		if len([]rune(trimmed)) > HardCap {
			runes := []rune(trimmed)
			for len(runes) > HardCap {
				out = append(out, string(runes[:HardCap]))
				runes = runes[HardCap:]
			}
			if len(runes) > 0 {
				out = append(out, string(runes))
			}
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// split recursively divides text at the strongest separator that produces
// pieces under the target size, merging small neighbors back together with
// overlap.
func (s *Splitter) split(text []rune, sepIndex int) []string {
	if len(text) <= s.ChunkSize {
		return []string{string(text)}
	}
	if sepIndex >= len(separators) {
		return s.cut(text)
	}

	sep := separators[sepIndex]
	if sep == "" {
		return s.cut(text)
	}

	parts := strings.Split(string(text), sep)
	if len(parts) == 1 {
		return s.split(text, sepIndex+1)
	}

	var pieces []string
	for _, part := range parts {
		partRunes := []rune(part)
		if len(partRunes) > s.ChunkSize {
			pieces = append(pieces, s.split(partRunes, sepIndex+1)...)
		} else {
			pieces = append(pieces, part)
		}
	}
	return s.merge(pieces, sep)
}

// merge greedily packs adjacent pieces into chunks near the target size,
// carrying the overlap tail from one chunk into the next.
func (s *Splitter) merge(pieces []string, sep string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := current.String()
		chunks = append(chunks, chunk)
		current.Reset()
		if s.Overlap > 0 {
			runes := []rune(chunk)
			if len(runes) > s.Overlap {
				runes = runes[len(runes)-s.Overlap:]
			}
			current.WriteString(string(runes))
		}
	}

	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		candidate := len([]rune(piece))
		if current.Len() > 0 {
			candidate += len([]rune(current.String())) + len(sep)
		}
		if candidate > s.ChunkSize && current.Len() > 0 {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// cut slices text at fixed boundaries with overlap, the last resort when no
// separator exists.
func (s *Splitter) cut(text []rune) []string {
	var chunks []string
	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}
	for start := 0; start < len(text); start += step {
		end := start + s.ChunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, string(text[start:end]))
		if end == len(text) {
			break
		}
	}
	return chunks
}
