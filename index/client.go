package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
)

// Client wraps the Elasticsearch client with the index name and vector
// dimension the service operates on.
type Client struct {
	es              *elasticsearch.Client
	name            string
	dims            int
	refreshInterval string
	bulkTimeout     time.Duration
	log             *common.ContextLogger
}

// New connects to the configured index nodes. Transient statuses are
// retried by the transport itself.
func New(cfg config.IndexConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     cfg.Addresses,
		Username:      cfg.Username,
		Password:      cfg.Password,
		RetryOnStatus: []int{429, 502, 503, 504},
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index client: %w", err)
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval == "" {
		refreshInterval = "1s"
	}
	bulkTimeout := cfg.BulkTimeout
	if bulkTimeout == 0 {
		bulkTimeout = 60 * time.Second
	}

	return &Client{
		es:              es,
		name:            cfg.Name,
		dims:            cfg.VectorDims,
		refreshInterval: refreshInterval,
		bulkTimeout:     bulkTimeout,
		log:             common.ServiceLogger("index"),
	}, nil
}

// Name returns the index name.
func (c *Client) Name() string {
	return c.name
}

// Dims returns the configured vector dimension.
func (c *Client) Dims() int {
	return c.dims
}

// Ping verifies the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return common.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return common.Transientf("index cluster unhealthy: %s", res.Status())
	}
	return nil
}

// EnsureIndex creates the chunk index with its mapping when missing.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.name}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return common.Transient(err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(indexDefinition(c.dims, c.refreshInterval))
	if err != nil {
		return err
	}
	createRes, err := c.es.Indices.Create(
		c.name,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return common.Transient(err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return responseError(createRes)
	}
	c.log.WithField("index", c.name).Info("Index created")
	return nil
}

// Search executes a query body against the chunk index.
func (c *Client) Search(ctx context.Context, body map[string]interface{}) (*SearchResult, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.name),
		c.es.Search.WithBody(bytes.NewReader(encoded)),
	)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res)
	}

	var raw rawSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, common.Transientf("failed to decode search response: %v", err)
	}

	result := &SearchResult{Total: raw.Hits.Total.Value}
	for _, h := range raw.Hits.Hits {
		var doc ChunkDocument
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			return nil, common.Invariantf("malformed chunk record %s: %v", h.ID, err)
		}
		result.Hits = append(result.Hits, Hit{
			ID:        h.ID,
			Score:     h.Score,
			Source:    doc,
			Highlight: h.Highlight,
		})
	}
	return result, nil
}

// Raw performs an authenticated passthrough request against the cluster.
// Only the tool surface uses this, gated to superusers.
func (c *Client) Raw(ctx context.Context, method, path string, params map[string]string, body []byte) (int, []byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.es.Transport.Perform(req)
	if err != nil {
		return 0, nil, common.Transient(err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, common.Transient(err)
	}
	return res.StatusCode, payload, nil
}

// Refresh forces an index refresh, used by tests and the reindex command.
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(c.name),
	)
	if err != nil {
		return common.Transient(err)
	}
	res.Body.Close()
	return nil
}

func responseError(res *esapi.Response) error {
	payload, _ := io.ReadAll(res.Body)
	var parsed errorResponse
	if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Error.Reason != "" {
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return common.Transientf("index error (%d %s): %s", res.StatusCode, parsed.Error.Type, parsed.Error.Reason)
		}
		return common.PermanentInputf("index rejected request (%d %s): %s", res.StatusCode, parsed.Error.Type, parsed.Error.Reason)
	}
	if res.StatusCode >= 500 {
		return common.Transientf("index error: %s", res.Status())
	}
	return common.PermanentInputf("index rejected request: %s", res.Status())
}
