// CLAUDE:SUMMARY Pluggable web search — engines declared by configuration, executed via JSON API or headless browser, with optional deep fetch of the top hit.
// Package search implements the read-only search capability. Engines are
// interchangeable: the router picks one by chain position, the engine
// descriptor says how it is queried (api or headless), and swapping
// backends is a configuration change, never a code branch on identity.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/relais/internal/browser"
)

// Strategy names.
const (
	StrategyAPI      = "api"
	StrategyHeadless = "headless"
)

// Engine describes one search backend.
type Engine struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	Strategy     string    `yaml:"strategy" json:"strategy"` // "api" | "headless"
	URLTemplate  string    `yaml:"url_template" json:"url_template"`
	APIConfig    APIConfig `yaml:"api_config" json:"api_config"`
	Selectors    Selectors `yaml:"selectors" json:"selectors"`
	StealthLevel int       `yaml:"stealth_level" json:"stealth_level"`
	Timeout      int64     `yaml:"timeout_ms" json:"timeout_ms"`
	Enabled      bool      `yaml:"enabled" json:"enabled"`
}

// Selectors holds CSS selectors for headless result scraping.
type Selectors struct {
	ResultItem string `yaml:"result_item" json:"result_item"`
	Title      string `yaml:"title" json:"title"`
	Link       string `yaml:"link" json:"link"`
	Snippet    string `yaml:"snippet" json:"snippet"`
}

// Hit is a single search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ErrNoBrowser is returned when a headless engine runs without a browser
// manager wired in.
var ErrNoBrowser = errors.New("search: headless strategy requires a browser")

// Search executes query against one engine.
func Search(ctx context.Context, engine *Engine, query string, client *http.Client, mgr *browser.Manager) ([]Hit, error) {
	if engine == nil {
		return nil, errors.New("search: nil engine")
	}
	if !engine.Enabled {
		return nil, nil
	}
	if engine.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(engine.Timeout)*time.Millisecond)
		defer cancel()
	}

	switch engine.Strategy {
	case StrategyAPI:
		return searchAPI(ctx, engine, query, client)
	case StrategyHeadless:
		return searchHeadless(ctx, engine, query, mgr)
	default:
		return nil, fmt.Errorf("search: unknown strategy %q", engine.Strategy)
	}
}

// queryURL builds the engine's query URL from its template.
func queryURL(engine *Engine, query string) string {
	return strings.ReplaceAll(engine.URLTemplate, "{query}", url.QueryEscape(query))
}
