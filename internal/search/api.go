// CLAUDE:SUMMARY JSON API search strategy — dot-notation result walking, field mapping, ${ENV_VAR} header expansion.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/relais/internal/safeurl"
)

// APIConfig describes how to call and parse a JSON search API.
type APIConfig struct {
	// Headers to send; ${ENV_VAR} values are expanded, so API keys stay
	// out of configuration files.
	Headers map[string]string `yaml:"headers" json:"headers"`
	// ResultPath walks to the result array with dot notation ("web.results").
	// Empty means the response root is the array.
	ResultPath string `yaml:"result_path" json:"result_path"`
	// Fields maps hit fields to response keys: {"title":"name","url":"link"}.
	Fields map[string]string `yaml:"fields" json:"fields"`
}

// searchAPI calls the engine's JSON API and extracts hits.
func searchAPI(ctx context.Context, engine *Engine, query string, client *http.Client) ([]Hit, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	target := queryURL(engine, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("search: new request: %w", err)
	}
	for k, v := range engine.APIConfig.Headers {
		req.Header.Set(k, expandEnv(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search: http %d from %s", resp.StatusCode, engine.ID)
	}

	body, err := safeurl.LimitedReadAll(resp.Body, safeurl.MaxBody)
	if err != nil {
		return nil, fmt.Errorf("search: read body: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("search: json decode: %w", err)
	}

	items, err := walkPath(raw, engine.APIConfig.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("search: walk path %q: %w", engine.APIConfig.ResultPath, err)
	}

	hits := make([]Hit, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		hits = append(hits, extractFields(obj, engine.APIConfig.Fields))
	}
	return hits, nil
}

// walkPath walks a dot-notation path into a JSON value, returning the items
// found at that path. An empty path requires the root to be an array.
func walkPath(v any, path string) ([]any, error) {
	if path == "" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("root is not an array")
		}
		return arr, nil
	}

	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}

	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// extractFields pulls a Hit from one response item. Without a field map,
// conventional key names are used directly.
func extractFields(obj map[string]any, fields map[string]string) Hit {
	key := func(field, fallback string) string {
		if k, ok := fields[field]; ok {
			return k
		}
		return fallback
	}
	return Hit{
		Title:   str(obj[key("title", "title")]),
		URL:     str(obj[key("url", "url")]),
		Snippet: str(obj[key("snippet", "snippet")]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	})
}
