// CLAUDE:SUMMARY Headless search strategy — Rod-driven result scraping for engines without a JSON API.
package search

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/relais/internal/browser"
)

// searchHeadless drives a stealth page through the engine's result markup.
// Used for backends that hide results behind JS rendering. URL validation
// happens in the caller.
func searchHeadless(ctx context.Context, engine *Engine, query string, mgr *browser.Manager) ([]Hit, error) {
	if mgr == nil {
		return nil, ErrNoBrowser
	}
	target := queryURL(engine, query)

	level := browser.StealthLevel(engine.StealthLevel)
	if level < browser.LevelHeadless {
		level = browser.LevelHeadless
	}
	page, err := mgr.OpenPage(ctx, target, level)
	if err != nil {
		return nil, fmt.Errorf("search: open %s: %w", engine.ID, err)
	}
	defer page.Close()

	sel := engine.Selectors
	if sel.ResultItem == "" {
		return nil, fmt.Errorf("search: engine %s has no result_item selector", engine.ID)
	}

	items, err := page.P.Context(ctx).Elements(sel.ResultItem)
	if err != nil {
		return nil, fmt.Errorf("search: select results: %w", err)
	}

	var hits []Hit
	for _, item := range items {
		hit := Hit{
			Title:   elementText(item, sel.Title),
			URL:     elementHref(item, sel.Link),
			Snippet: elementText(item, sel.Snippet),
		}
		if hit.Title == "" && hit.URL == "" {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func elementText(parent *rod.Element, selector string) string {
	if selector == "" {
		return ""
	}
	el, err := parent.Element(selector)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return text
}

func elementHref(parent *rod.Element, selector string) string {
	if selector == "" {
		return ""
	}
	el, err := parent.Element(selector)
	if err != nil {
		return ""
	}
	href, err := el.Attribute("href")
	if err != nil || href == nil {
		return ""
	}
	return *href
}
