package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/gateway"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/permission"
)

type fakeSearcher struct {
	body   map[string]interface{}
	result *index.SearchResult
	err    error
}

func (s *fakeSearcher) Search(_ context.Context, body map[string]interface{}) (*index.SearchResult, error) {
	s.body = body
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return &index.SearchResult{}, nil
	}
	return s.result, nil
}

type fakePages struct {
	pages map[string]*db.Page
}

func (p *fakePages) GetPage(versionID string, pageNumber int) (*db.Page, error) {
	page, ok := p.pages[pageKey(versionID, pageNumber)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return page, nil
}

func pageKey(versionID string, pageNumber int) string {
	return fmt.Sprintf("%s/%d", versionID, pageNumber)
}

func hit(id string, score float64, text, versionID string, pageNumber int, updatedAt time.Time) index.Hit {
	return index.Hit{
		ID:    id,
		Score: score,
		Source: index.ChunkDocument{
			ChunkID: id,
			Text:    text,
			Metadata: index.ChunkMetadata{
				DocumentID: versionID,
				PageNumber: pageNumber,
				UpdatedAt:  updatedAt,
			},
		},
	}
}

func newOrchestrator(searcher *fakeSearcher, pages *fakePages) (*Orchestrator, *gateway.MockEmbedder) {
	embedder := &gateway.MockEmbedder{Dims: 4, Batch: 32}
	return New(embedder, searcher, pages, config.SearchConfig{}), embedder
}

func TestSearchZeroKReturnsEmpty(t *testing.T) {
	searcher := &fakeSearcher{}
	o, embedder := newOrchestrator(searcher, nil)

	resp, err := o.Search(context.Background(), nil, Request{Query: "pump", K: 0, UseHybrid: true})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, embedder.Calls, "no embedding for k=0")
	assert.Nil(t, searcher.body, "index not queried for k=0")
}

func TestHybridQueryShape(t *testing.T) {
	searcher := &fakeSearcher{}
	o, embedder := newOrchestrator(searcher, nil)

	actor := &permission.Actor{UserID: "u1", OrgID: "org1"}
	_, err := o.Search(context.Background(), actor, Request{
		Query: "reset procedure", K: 5, UseHybrid: true, MinScore: 0.4,
		Filters: map[string]string{"file_type": "pdf"},
	})
	require.NoError(t, err)
	require.Len(t, embedder.Calls, 1)
	assert.Equal(t, []string{"reset procedure"}, embedder.Calls[0])

	body := searcher.body
	require.NotNil(t, body)
	assert.Equal(t, 5, body["size"])
	assert.Equal(t, 0.4, body["min_score"])
	assert.Contains(t, body, "highlight")

	boolQuery := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Equal(t, 1, boolQuery["minimum_should_match"])

	filter := boolQuery["filter"].([]map[string]interface{})
	require.Len(t, filter, 2, "permission fragment plus file_type term")

	should := boolQuery["should"].([]map[string]interface{})
	require.Len(t, should, 2)
	script := should[0]["script_score"].(map[string]interface{})
	assert.Equal(t, 0.7, script["boost"])
	params := script["script"].(map[string]interface{})["params"].(map[string]interface{})
	assert.Len(t, params["query_vector"].([]float32), 4)
	lexical := should[1]["multi_match"].(map[string]interface{})
	assert.Equal(t, "reset procedure", lexical["query"])
	assert.Equal(t, "AUTO", lexical["fuzziness"])
	assert.Equal(t, 0.3, lexical["boost"])
}

func TestEmptyQueryListsByRecency(t *testing.T) {
	searcher := &fakeSearcher{}
	o, embedder := newOrchestrator(searcher, nil)

	_, err := o.Search(context.Background(), nil, Request{K: 10, UseHybrid: true})
	require.NoError(t, err)
	assert.Empty(t, embedder.Calls, "no embedding without query text")

	body := searcher.body
	boolQuery := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.NotContains(t, boolQuery, "should")
	assert.Contains(t, body, "sort")
	assert.NotContains(t, body, "highlight")
}

func TestLexicalOnlyWithoutHybrid(t *testing.T) {
	searcher := &fakeSearcher{}
	o, embedder := newOrchestrator(searcher, nil)

	_, err := o.Search(context.Background(), nil, Request{Query: "pump", K: 3})
	require.NoError(t, err)
	assert.Empty(t, embedder.Calls)

	boolQuery := searcher.body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	should := boolQuery["should"].([]map[string]interface{})
	require.Len(t, should, 1, "cosine clause dropped without a vector")
	assert.Contains(t, should[0], "multi_match")
}

func TestBBoxEnrichment(t *testing.T) {
	now := time.Now()
	pages := &fakePages{pages: map[string]*db.Page{
		pageKey("v1", 1): {BBoxes: []db.BoundingBox{
			{Text: "reset procedure", Confidence: 0.8, X1: 0, Y1: 0, X2: 10, Y2: 10},
			{Text: "RESET button", Confidence: 0.95, X1: 0, Y1: 20, X2: 10, Y2: 30},
			{Text: "flow diagram", Confidence: 0.99, X1: 0, Y1: 40, X2: 10, Y2: 50},
		}},
	}}
	searcher := &fakeSearcher{result: &index.SearchResult{
		Total: 1,
		Hits:  []index.Hit{hit("c1", 2.0, "the reset procedure is", "v1", 1, now)},
	}}
	o, _ := newOrchestrator(searcher, pages)

	resp, err := o.Search(context.Background(), nil, Request{Query: "reset", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	boxes := resp.Results[0].MatchedBBoxes
	require.Len(t, boxes, 2, "only boxes sharing a query token")
	assert.Equal(t, "RESET button", boxes[0].Text, "best confidence first")
	assert.Equal(t, "reset procedure", boxes[1].Text)
}

func TestMissingPageLeavesBBoxesEmpty(t *testing.T) {
	searcher := &fakeSearcher{result: &index.SearchResult{
		Total: 1,
		Hits:  []index.Hit{hit("c1", 1.0, "text", "v-missing", 1, time.Now())},
	}}
	o, _ := newOrchestrator(searcher, &fakePages{pages: map[string]*db.Page{}})

	resp, err := o.Search(context.Background(), nil, Request{Query: "text", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].MatchedBBoxes)
}

func TestTieBreakByRecencyThenPage(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	searcher := &fakeSearcher{result: &index.SearchResult{
		Total: 3,
		Hits: []index.Hit{
			hit("old", 1.0, "a", "v1", 1, older),
			hit("new-p2", 1.0, "b", "v2", 2, newer),
			hit("new-p1", 1.0, "c", "v2", 1, newer),
		},
	}}
	o, _ := newOrchestrator(searcher, nil)

	resp, err := o.Search(context.Background(), nil, Request{Query: "x", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "new-p1", resp.Results[0].ID)
	assert.Equal(t, "new-p2", resp.Results[1].ID)
	assert.Equal(t, "old", resp.Results[2].ID)
}

func TestNegativeKRejected(t *testing.T) {
	o, _ := newOrchestrator(&fakeSearcher{}, nil)
	_, err := o.Search(context.Background(), nil, Request{Query: "x", K: -1})
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"reset", "procedure"}, tokenize("Reset, procedure!"))
	assert.Equal(t, []string{"p101"}, tokenize("P-101 a"))
	assert.Empty(t, tokenize(""))
}
