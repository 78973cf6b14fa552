// Package search implements the retrieval orchestrator: it embeds the
// query, composes the permission-filtered hybrid query, executes it
// against the index and enriches hits with page bounding-box matches.
package search

import (
	"context"
	"sort"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/gateway"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/permission"
)

// Searcher executes a query body against the chunk index.
type Searcher interface {
	Search(ctx context.Context, body map[string]interface{}) (*index.SearchResult, error)
}

// Pages looks up per-page bounding boxes for hit enrichment.
type Pages interface {
	GetPage(versionID string, pageNumber int) (*db.Page, error)
}

// Request is one retrieval call.
type Request struct {
	Query     string            `json:"query"`
	K         int               `json:"k"`
	Filters   map[string]string `json:"filters,omitempty"`
	MinScore  float64           `json:"min_score,omitempty"`
	UseHybrid bool              `json:"use_hybrid"`
}

// Result is one enriched hit.
type Result struct {
	ID            string              `json:"id"`
	Text          string              `json:"text"`
	Highlighted   map[string][]string `json:"highlighted,omitempty"`
	Score         float64             `json:"score"`
	MatchedBBoxes []db.BoundingBox    `json:"matched_bboxes"`
	Metadata      index.ChunkMetadata `json:"metadata"`
}

// Response is the retrieval result set.
type Response struct {
	Results []Result `json:"results"`
	Total   int64    `json:"total"`
}

// Orchestrator wires the embedder, the index and the page store.
type Orchestrator struct {
	embedder gateway.Embedder
	idx      Searcher
	pages    Pages
	cfg      config.SearchConfig
	log      *common.ContextLogger
}

// New creates a search orchestrator.
func New(embedder gateway.Embedder, idx Searcher, pages Pages, cfg config.SearchConfig) *Orchestrator {
	if cfg.VectorWeight == 0 {
		cfg.VectorWeight = 0.7
	}
	if cfg.BM25Weight == 0 {
		cfg.BM25Weight = 0.3
	}
	return &Orchestrator{
		embedder: embedder,
		idx:      idx,
		pages:    pages,
		cfg:      cfg,
		log:      common.ServiceLogger("search"),
	}
}

// Search runs one retrieval call for the given actor. A nil actor is an
// anonymous caller and only matches public records.
func (o *Orchestrator) Search(ctx context.Context, actor *permission.Actor, req Request) (*Response, error) {
	if req.K < 0 {
		return nil, common.PermanentInputf("k must not be negative")
	}
	if req.K == 0 {
		return &Response{Results: []Result{}}, nil
	}

	var vector []float32
	if req.UseHybrid && req.Query != "" {
		vectors, err := o.embedder.Embed(ctx, []string{req.Query})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 1 {
			vector = vectors[0]
		}
	}

	body := o.buildQuery(req, vector, actor)
	result, err := o.idx.Search(ctx, body)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(req.Query)
	results := make([]Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, Result{
			ID:            hit.ID,
			Text:          hit.Source.Text,
			Highlighted:   hit.Highlight,
			Score:         hit.Score,
			MatchedBBoxes: o.matchedBBoxes(hit, tokens),
			Metadata:      hit.Source.Metadata,
		})
	}
	sortResults(results)

	o.log.WithField("hits", len(results)).WithField("total", result.Total).Debug("Search executed")
	return &Response{Results: results, Total: result.Total}, nil
}

// matchedBBoxes loads the hit's page and keeps the boxes sharing at least
// one token with the query, best confidence first. Enrichment is best
// effort; a missing page never fails the search.
func (o *Orchestrator) matchedBBoxes(hit index.Hit, tokens []string) []db.BoundingBox {
	if len(tokens) == 0 || o.pages == nil {
		return []db.BoundingBox{}
	}
	page, err := o.pages.GetPage(hit.Source.Metadata.DocumentID, hit.Source.Metadata.PageNumber)
	if err != nil {
		return []db.BoundingBox{}
	}

	matched := make([]db.BoundingBox, 0, len(page.BBoxes))
	for _, box := range page.BBoxes {
		if sharesToken(tokenize(box.Text), tokens) {
			matched = append(matched, box)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Confidence > matched[j].Confidence
	})
	return matched
}

// sortResults orders by score desc, breaking ties by newer updated_at
// then smaller page number.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Metadata.UpdatedAt.Equal(results[j].Metadata.UpdatedAt) {
			return results[i].Metadata.UpdatedAt.After(results[j].Metadata.UpdatedAt)
		}
		return results[i].Metadata.PageNumber < results[j].Metadata.PageNumber
	})
}
