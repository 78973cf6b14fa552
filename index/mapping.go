package index

// indexDefinition builds the chunk index settings and mapping. Text fields
// carry the weights the hybrid query boosts; content_vector is a cosine
// dense vector of the configured dimension.
func indexDefinition(dims int, refreshInterval string) map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 0,
			"refresh_interval":   refreshInterval,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id": map[string]interface{}{"type": "keyword"},
				"text": map[string]interface{}{
					"type":     "text",
					"analyzer": "standard",
				},
				"content_vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       dims,
					"index":      true,
					"similarity": "cosine",
				},
				"metadata": map[string]interface{}{
					"properties": map[string]interface{}{
						"document_id": map[string]interface{}{"type": "keyword"},
						"group_id":    map[string]interface{}{"type": "keyword"},
						"filename": map[string]interface{}{
							"type":   "text",
							"fields": keywordSubfield(),
						},
						"filepath": map[string]interface{}{
							"type":   "text",
							"fields": keywordSubfield(),
						},
						"file_type":         map[string]interface{}{"type": "keyword"},
						"page_number":       map[string]interface{}{"type": "integer"},
						"chunk_index":       map[string]interface{}{"type": "integer"},
						"owner_id":          map[string]interface{}{"type": "keyword"},
						"org_id":            map[string]interface{}{"type": "keyword"},
						"visibility":        map[string]interface{}{"type": "keyword"},
						"shared_with_users": map[string]interface{}{"type": "keyword"},
						"shared_with_roles": map[string]interface{}{"type": "keyword"},
						"checksum":          map[string]interface{}{"type": "keyword"},
						"original_file_url": map[string]interface{}{"type": "keyword", "index": false},
						"page_image_url":    map[string]interface{}{"type": "keyword", "index": false},
						"category": map[string]interface{}{
							"type":   "text",
							"fields": keywordSubfield(),
						},
						"tags": map[string]interface{}{
							"type":   "text",
							"fields": keywordSubfield(),
						},
						"author": map[string]interface{}{
							"type":   "text",
							"fields": keywordSubfield(),
						},
						"description": map[string]interface{}{"type": "text"},
						"updated_at":  map[string]interface{}{"type": "date"},
					},
				},
			},
		},
	}
}

func keywordSubfield() map[string]interface{} {
	return map[string]interface{}{
		"keyword": map[string]interface{}{
			"type":         "keyword",
			"ignore_above": 512,
		},
	}
}
