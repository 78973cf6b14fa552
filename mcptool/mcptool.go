// Package mcptool exposes retrieval over the Model Context Protocol so
// agent runtimes can call the knowledge base as tools: hybrid_search for
// permission-filtered retrieval and execute_raw_query as a superuser
// passthrough to the index.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/TocharianOU/newrag/auth"
	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/permission"
	"github.com/TocharianOU/newrag/search"
)

// SearchService runs permission-filtered retrieval.
type SearchService interface {
	Search(ctx context.Context, actor *permission.Actor, req search.Request) (*search.Response, error)
}

// RawQuerier sends a raw request to the index cluster.
type RawQuerier interface {
	Raw(ctx context.Context, method, path string, params map[string]string, body []byte) (int, []byte, error)
}

// Service holds the tool implementations behind the MCP endpoint.
type Service struct {
	search    SearchService
	raw       RawQuerier
	indexName string
	log       *common.ContextLogger
}

// New wires the MCP tool service. indexName is the only index hybrid_search
// serves; requests naming another index are rejected.
func New(searchSvc SearchService, raw RawQuerier, indexName string) *Service {
	return &Service{
		search:    searchSvc,
		raw:       raw,
		indexName: indexName,
		log:       common.ServiceLogger("mcptool"),
	}
}

// Server builds the MCP server with both tools registered.
func (s *Service) Server() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "newrag",
		Title:   "newrag knowledge base",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "hybrid_search",
		Description: "Search the knowledge base with combined semantic and keyword " +
			"retrieval. Results are filtered to documents the caller may read and " +
			"carry page numbers and bounding boxes for provenance.",
	}, s.hybridSearch)

	mcp.AddTool(server, &mcp.Tool{
		Name: "execute_raw_query",
		Description: "Send a raw request to the search index. Restricted to " +
			"superusers; use hybrid_search for normal retrieval.",
	}, s.executeRawQuery)

	return server
}

// Handler returns the streamable HTTP handler for mounting under the API
// server. Caller identity arrives through the request context, so the
// route must sit behind the bearer middleware.
func (s *Service) Handler() http.Handler {
	server := s.Server()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

// SearchInput are the hybrid_search arguments.
type SearchInput struct {
	Query    string  `json:"query" jsonschema:"the search query text"`
	Index    string  `json:"index,omitempty" jsonschema:"index to search; only the default knowledge base index is served"`
	Size     int     `json:"size,omitempty" jsonschema:"maximum number of results, default 10"`
	MinScore float64 `json:"min_score,omitempty" jsonschema:"drop results scoring below this threshold"`
}

func (s *Service) hybridSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, *search.Response, error) {
	if in.Index != "" && in.Index != s.indexName {
		return toolError("unknown index %q", in.Index), nil, nil
	}
	size := in.Size
	if size <= 0 {
		size = 10
	}

	actor := actorFrom(ctx)
	resp, err := s.search.Search(ctx, actor, search.Request{
		Query:     in.Query,
		K:         size,
		MinScore:  in.MinScore,
		UseHybrid: true,
	})
	if err != nil {
		s.log.WithError(err).Warn("hybrid_search failed")
		return toolError("search failed: %v", err), nil, nil
	}

	text, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
	}, resp, nil
}

// RawQueryInput are the execute_raw_query arguments.
type RawQueryInput struct {
	Method string            `json:"method" jsonschema:"HTTP method: GET, POST, PUT, DELETE or HEAD"`
	Path   string            `json:"path" jsonschema:"index-relative request path, e.g. /knowledge_base/_search"`
	Params map[string]string `json:"params,omitempty" jsonschema:"query string parameters"`
	Body   string            `json:"body,omitempty" jsonschema:"request body, usually JSON"`
}

// RawQueryOutput is the index response.
type RawQueryOutput struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

var rawMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

func (s *Service) executeRawQuery(ctx context.Context, _ *mcp.CallToolRequest, in RawQueryInput) (*mcp.CallToolResult, *RawQueryOutput, error) {
	actor := actorFrom(ctx)
	if actor == nil || !actor.IsSuperuser {
		return toolError("execute_raw_query requires a superuser token"), nil, nil
	}
	if !rawMethods[in.Method] {
		return toolError("unsupported method %q", in.Method), nil, nil
	}
	if in.Path == "" {
		return toolError("path is required"), nil, nil
	}

	status, body, err := s.raw.Raw(ctx, in.Method, in.Path, in.Params, []byte(in.Body))
	if err != nil {
		s.log.WithError(err).Warn("raw index query failed")
		return toolError("index request failed: %v", err), nil, nil
	}

	out := &RawQueryOutput{Status: status}
	if json.Valid(body) {
		out.Body = json.RawMessage(body)
	} else if len(body) > 0 {
		encoded, _ := json.Marshal(string(body))
		out.Body = json.RawMessage(encoded)
	}
	text, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
	}, out, nil
}

func actorFrom(ctx context.Context) *permission.Actor {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}
	return claims.Actor()
}

func toolError(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}
