package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/TocharianOU/newrag/common"
)

// BulkIndex writes chunk documents using their deterministic chunk id as
// the document id, so retried batches overwrite instead of duplicating.
// It returns the number of successfully indexed documents.
func (c *Client) BulkIndex(ctx context.Context, docs []ChunkDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:  c.es,
		Index:   c.name,
		Timeout: c.bulkTimeout,
	})
	if err != nil {
		return 0, common.Transient(err)
	}

	var indexed, failed int64
	var mu sync.Mutex
	var firstErr error
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return int(indexed), err
		}
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ChunkID,
			Body:       bytes.NewReader(payload),
			OnSuccess: func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem) {
				atomic.AddInt64(&indexed, 1)
			},
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				atomic.AddInt64(&failed, 1)
				if err == nil {
					err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("bulk item %s: %w", item.DocumentID, err)
				}
				mu.Unlock()
			},
		}
		if err := indexer.Add(ctx, item); err != nil {
			indexer.Close(ctx)
			return int(atomic.LoadInt64(&indexed)), common.Transient(err)
		}
	}
	if err := indexer.Close(ctx); err != nil {
		return int(atomic.LoadInt64(&indexed)), common.Transient(err)
	}

	if failed > 0 {
		return int(indexed), common.Transientf("bulk commit left %d of %d documents unindexed: %v", failed, len(docs), firstErr)
	}
	return int(indexed), nil
}

// DeleteByVersion removes every chunk record of a version.
func (c *Client) DeleteByVersion(ctx context.Context, versionID string) error {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"metadata.document_id": versionID,
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := c.es.DeleteByQuery(
		[]string{c.name},
		bytes.NewReader(encoded),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithConflicts("proceed"),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return common.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

// PermissionUpdate carries the denormalized permission fields rewritten
// onto every chunk of a version when sharing changes.
type PermissionUpdate struct {
	Visibility      string
	SharedWithUsers []string
	SharedWithRoles []string
}

// UpdatePermissionsByVersion rewrites permission metadata in place with a
// scripted update, avoiding a full re-index of the version's chunks.
func (c *Client) UpdatePermissionsByVersion(ctx context.Context, versionID string, update PermissionUpdate) (int64, error) {
	users := update.SharedWithUsers
	if users == nil {
		users = []string{}
	}
	roles := update.SharedWithRoles
	if roles == nil {
		roles = []string{}
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"metadata.document_id": versionID,
			},
		},
		"script": map[string]interface{}{
			"lang": "painless",
			"source": "ctx._source.metadata.visibility = params.visibility;" +
				" ctx._source.metadata.shared_with_users = params.users;" +
				" ctx._source.metadata.shared_with_roles = params.roles;",
			"params": map[string]interface{}{
				"visibility": update.Visibility,
				"users":      users,
				"roles":      roles,
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	res, err := c.es.UpdateByQuery(
		[]string{c.name},
		c.es.UpdateByQuery.WithContext(ctx),
		c.es.UpdateByQuery.WithBody(bytes.NewReader(encoded)),
		c.es.UpdateByQuery.WithConflicts("proceed"),
		c.es.UpdateByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, common.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res)
	}

	var parsed struct {
		Updated int64 `json:"updated"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, common.Transientf("failed to decode update response: %v", err)
	}
	return parsed.Updated, nil
}

// CountByVersion reports how many chunk records a version has in the index.
func (c *Client) CountByVersion(ctx context.Context, versionID string) (int64, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"metadata.document_id": versionID,
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.name),
		c.es.Count.WithBody(bytes.NewReader(encoded)),
	)
	if err != nil {
		return 0, common.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res)
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, common.Transientf("failed to decode count response: %v", err)
	}
	return parsed.Count, nil
}
