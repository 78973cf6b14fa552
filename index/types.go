// Package index implements the search index adapter over Elasticsearch:
// mapping management, idempotent bulk writes keyed by chunk id, hybrid
// query execution and the selective permission re-index.
package index

import (
	"encoding/json"
	"time"
)

// ChunkMetadata is the denormalized permission and provenance snapshot
// carried by every chunk record. Permission fields equal those of the
// owning version at index time; changing permissions re-indexes by
// version id.
type ChunkMetadata struct {
	DocumentID      string    `json:"document_id"`
	GroupID         string    `json:"group_id"`
	Filename        string    `json:"filename"`
	Filepath        string    `json:"filepath"`
	FileType        string    `json:"file_type"`
	PageNumber      int       `json:"page_number"`
	ChunkIndex      int       `json:"chunk_index"`
	OwnerID         string    `json:"owner_id,omitempty"`
	OrgID           string    `json:"org_id,omitempty"`
	Visibility      string    `json:"visibility"`
	SharedWithUsers []string  `json:"shared_with_users"`
	SharedWithRoles []string  `json:"shared_with_roles"`
	Checksum        string    `json:"checksum"`
	OriginalFileURL string    `json:"original_file_url,omitempty"`
	PageImageURL    string    `json:"page_image_url,omitempty"`
	Category        string    `json:"category,omitempty"`
	Tags            string    `json:"tags,omitempty"`
	Author          string    `json:"author,omitempty"`
	Description     string    `json:"description,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChunkDocument is one retrievable record in the index.
type ChunkDocument struct {
	ChunkID       string        `json:"chunk_id"`
	Text          string        `json:"text"`
	ContentVector []float32     `json:"content_vector,omitempty"`
	Metadata      ChunkMetadata `json:"metadata"`
}

// Hit is one search result before orchestrator enrichment.
type Hit struct {
	ID        string
	Score     float64
	Source    ChunkDocument
	Highlight map[string][]string
}

// SearchResult is the parsed response of a query.
type SearchResult struct {
	Total int64
	Hits  []Hit
}

// rawSearchResponse mirrors the Elasticsearch wire format.
type rawSearchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    json.RawMessage     `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}
