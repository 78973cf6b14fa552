package search

import (
	"github.com/TocharianOU/newrag/permission"
)

// scoredFields is the weighted field set shared by lexical scoring and
// highlighting. Text dominates; filename and description carry most of
// the metadata weight.
var scoredFields = []string{
	"text^3",
	"metadata.filename^2.5",
	"metadata.description^2",
	"metadata.category^2",
	"metadata.filepath^1.5",
	"metadata.tags^1.5",
	"metadata.author^1.2",
}

// buildQuery composes the permission-filtered hybrid query body. A nil
// vector drops the cosine clause; an empty query text degrades to a
// filter-only listing ordered by recency.
func (o *Orchestrator) buildQuery(req Request, vector []float32, actor *permission.Actor) map[string]interface{} {
	filter := []map[string]interface{}{permission.QueryFilter(actor)}
	if fileType := req.Filters["file_type"]; fileType != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"metadata.file_type": fileType},
		})
	}
	if filename := req.Filters["filename"]; filename != "" {
		filter = append(filter, map[string]interface{}{
			"wildcard": map[string]interface{}{"metadata.filename.keyword": filename},
		})
	}
	if documentID := req.Filters["document_id"]; documentID != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"metadata.document_id": documentID},
		})
	}

	boolQuery := map[string]interface{}{"filter": filter}
	body := map[string]interface{}{
		"size":  req.K,
		"query": map[string]interface{}{"bool": boolQuery},
	}

	if req.Query == "" {
		body["sort"] = []map[string]interface{}{
			{"metadata.updated_at": map[string]interface{}{"order": "desc"}},
		}
		return body
	}

	should := []map[string]interface{}{}
	if vector != nil {
		should = append(should, map[string]interface{}{
			"script_score": map[string]interface{}{
				"query": map[string]interface{}{"match_all": map[string]interface{}{}},
				"script": map[string]interface{}{
					// cosineSimilarity is in [-1,1]; shift to keep scores positive.
					"source": "cosineSimilarity(params.query_vector, 'content_vector') + 1.0",
					"params": map[string]interface{}{"query_vector": vector},
				},
				"boost": o.cfg.VectorWeight,
			},
		})
	}
	should = append(should, map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":     req.Query,
			"fields":    scoredFields,
			"operator":  "or",
			"fuzziness": "AUTO",
			"boost":     o.cfg.BM25Weight,
		},
	})
	boolQuery["should"] = should
	boolQuery["minimum_should_match"] = 1

	highlightFields := map[string]interface{}{}
	for _, field := range []string{"text", "metadata.filename", "metadata.description"} {
		highlightFields[field] = map[string]interface{}{}
	}
	body["highlight"] = map[string]interface{}{
		"fields":              highlightFields,
		"fragment_size":       150,
		"number_of_fragments": 3,
	}

	if req.MinScore > 0 {
		body["min_score"] = req.MinScore
	}
	return body
}
