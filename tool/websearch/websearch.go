// Package websearch provides a web search tool backed by the Tavily search API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/tool"
)

const (
	defaultBaseURL = "https://api.tavily.com"
	searchPath     = "/search"
)

// Options configure the search tool.
type Options struct {
	Name        string
	Description string
	APIKey      string
	BaseURL     string
	MaxResults  int
	SearchDepth string // "basic" or "advanced"
	HTTPClient  *http.Client
}

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Response is the tool output returned to the model.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results,omitempty"`
	SearchDepth   string `json:"search_depth,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
}

type apiError struct {
	Detail struct {
		Error string `json:"error"`
	} `json:"detail"`
}

// Tool searches the web and returns ranked snippets.
type Tool struct {
	opts Options
}

var _ tool.Tool = (*Tool)(nil)

// New creates the search tool. The API key is required at call time.
func New(optFns ...func(o *Options)) *Tool {
	opts := Options{
		Name:        "search",
		Description: "Search the web for current information such as weather, news or facts. Returns ranked snippets.",
		BaseURL:     defaultBaseURL,
		MaxResults:  3,
		SearchDepth: "basic",
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Tool{opts: opts}
}

// Name implements tool.Tool.
func (t *Tool) Name() string { return t.opts.Name }

// Description implements tool.Tool.
func (t *Tool) Description() string { return t.opts.Description }

// Parameters implements tool.Tool.
func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
				"minLength":   1,
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
}

// Call implements tool.Tool.
func (t *Tool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, tool.NewToolError(t.opts.Name, "query must not be empty", tool.CodeValidation)
	}

	if t.opts.APIKey == "" {
		return nil, tool.NewToolError(t.opts.Name, "search api key not configured", tool.CodeExecution)
	}

	_ = toolCtx.EmitToken(fmt.Sprintf("searching for %q", query))

	return t.Search(toolCtx.Context(), query)
}

// Search runs a query against the search API.
func (t *Tool) Search(ctx context.Context, query string) (*Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchRequest{
		APIKey:        t.opts.APIKey,
		Query:         query,
		MaxResults:    t.opts.MaxResults,
		SearchDepth:   t.opts.SearchDepth,
		IncludeAnswer: true,
	}); err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.BaseURL+searchPath, &buf)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.opts.APIKey)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(t.opts.Name, resp.StatusCode, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if out.Query == "" {
		out.Query = query
	}

	if out.Results == nil {
		out.Results = []Result{}
	}

	return &out, nil
}

func readAPIError(name string, status int, body []byte) error {
	body = bytes.TrimSpace(body)

	msg := http.StatusText(status)

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Detail.Error != "" {
		msg = apiErr.Detail.Error
	} else if len(body) > 0 {
		msg = string(body)
	}

	return &tool.ToolError{
		Tool:    name,
		Message: fmt.Sprintf("search api status %d: %s", status, msg),
		Code:    tool.CodeExecution,
		Details: map[string]any{"status": status},
	}
}
