// Package websearch implements the web_search task type: it queries a
// configured search endpoint and returns the result set.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"taskpilot/internal/worker"
)

const TaskType = "web_search"

type Handler struct {
	// Endpoint is the search API base URL; the query is passed as ?q=.
	Endpoint string
	Client   *http.Client
}

func New(endpoint string) *Handler {
	return &Handler{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *Handler) Handle(ctx context.Context, req worker.Request) (worker.Result, error) {
	query, _ := req.TaskConfig["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("web_search: query is required")
	}
	maxResults := 10
	if v, ok := req.TaskConfig["max_results"].(float64); ok && v > 0 {
		maxResults = int(v)
	}
	searchType, _ := req.TaskConfig["search_type"].(string)
	if searchType == "" {
		searchType = "general"
	}

	endpoint := h.Endpoint
	if v, ok := req.HandlerConfig["endpoint"].(string); ok && v != "" {
		endpoint = v
	}
	if endpoint == "" {
		return nil, fmt.Errorf("web_search: no endpoint configured")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("web_search: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(maxResults))
	q.Set("type", searchType)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(httpReq)
	if err != nil {
		// Network trouble is worth another attempt.
		return nil, worker.Retryable(fmt.Errorf("web_search: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, worker.Retryable(fmt.Errorf("web_search: read response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return nil, worker.Retryable(fmt.Errorf("web_search: endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web_search: endpoint returned %d: %s", resp.StatusCode, body)
	}

	var results []any
	if err := json.Unmarshal(body, &results); err != nil {
		// Endpoints that wrap results in an object are fine too.
		var wrapped map[string]any
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("web_search: undecodable response: %w", err)
		}
		if r, ok := wrapped["results"].([]any); ok {
			results = r
		}
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	return worker.Result{
		"search_query":  query,
		"search_type":   searchType,
		"results_count": len(results),
		"results":       results,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}
