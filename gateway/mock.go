package gateway

import (
	"context"
	"sync"
)

// MockEmbedder is a test double producing deterministic vectors.
type MockEmbedder struct {
	mu        sync.Mutex
	Dims      int
	Batch     int
	Err       error
	FailAfter int // fail once this many calls have succeeded, 0 disables
	Calls     [][]string
}

func (m *MockEmbedder) BatchSize() int {
	if m.Batch > 0 {
		return m.Batch
	}
	return defaultEmbeddingBatch
}

func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.FailAfter > 0 && len(m.Calls) >= m.FailAfter {
		return nil, context.DeadlineExceeded
	}
	m.Calls = append(m.Calls, append([]string(nil), texts...))

	dims := m.Dims
	if dims == 0 {
		dims = 4
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, dims)
		for j := range v {
			v[j] = float32(len(text)%7+i+j) / 10
		}
		vectors[i] = v
	}
	return vectors, nil
}

// MockVisionCorrector is a test double for the VLM client.
type MockVisionCorrector struct {
	mu       sync.Mutex
	Err      error
	Rewrite  func(ocrText string) string
	Calls    int
	LastText string
}

func (m *MockVisionCorrector) Correct(_ context.Context, ocrText string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.LastText = ocrText
	if m.Err != nil {
		return "", m.Err
	}
	if m.Rewrite != nil {
		return m.Rewrite(ocrText), nil
	}
	return ocrText, nil
}
