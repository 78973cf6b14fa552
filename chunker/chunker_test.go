package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyInput(t *testing.T) {
	s := NewSplitter()
	assert.Empty(t, s.Split(""))
	assert.Empty(t, s.Split("   \n\n  \n "))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewSplitter()
	chunks := s.Split("a short paragraph that fits comfortably")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short paragraph that fits comfortably", chunks[0])
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	para := strings.Repeat("sentence goes here. ", 20) // ~400 chars
	text := para + "\n\n" + para + "\n\n" + para

	s := NewSplitter()
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), HardCap)
		assert.Contains(t, chunk, "sentence goes here.")
	}
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("word")
		b.WriteString(string(rune('a' + i%26)))
		b.WriteString(" ")
	}
	text := strings.TrimSpace(strings.Repeat(b.String(), 4))

	s := NewSplitter()
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)

	// The start of each following chunk repeats the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1])
		tail := string(prev[len(prev)-10:])
		assert.Contains(t, chunks[i][:min(len(chunks[i]), DefaultOverlap+20)], strings.TrimSpace(tail)[:5])
	}
}

func TestSplitUnbreakableTokenHitsCut(t *testing.T) {
	token := strings.Repeat("x", 1200)

	s := NewSplitter()
	chunks := s.Split(token)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), DefaultChunkSize)
	}
	// Overlap means adjacent cut chunks share content.
	assert.Equal(t, DefaultChunkSize, len(chunks[0]))
}

func TestSplitHardCap(t *testing.T) {
	s := &Splitter{ChunkSize: 5000, Overlap: 0}
	chunks := s.Split(strings.Repeat("y", 4500))
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], HardCap)
	assert.Len(t, chunks[1], HardCap)
	assert.Len(t, chunks[2], 500)
}

func TestSplitDropsWhitespacePieces(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 30) + "\n\n   \n\n" + strings.Repeat("epsilon zeta. ", 30)

	s := NewSplitter()
	for _, chunk := range s.Split(text) {
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestSplitMultibyteSafe(t *testing.T) {
	text := strings.Repeat("流量计和压力表的安装要求。", 100)

	s := NewSplitter()
	chunks := s.Split(text)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.True(t, strings.HasPrefix(chunk, "流") || strings.ContainsRune(chunk, '。') || len([]rune(chunk)) <= DefaultChunkSize)
		// No broken runes.
		assert.Equal(t, chunk, string([]rune(chunk)))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
