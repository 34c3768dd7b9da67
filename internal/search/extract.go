// CLAUDE:SUMMARY Deep fetch of a search hit — sanitize HTML, convert to markdown with a text-density fallback, route PDFs to the content-stream extractor.
package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/relais/internal/safeurl"
)

// maxDocBody caps deep-fetch bodies (PDFs included).
const maxDocBody int64 = 8 << 20

// Document is the extracted content of one fetched page.
type Document struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	ContentType string `json:"content_type"`
	Markdown    string `json:"markdown"`
}

// Extractor fetches a hit and reduces it to markdown. HTML is sanitized
// before conversion; responses that identify as PDF go through the
// content-stream extractor instead.
type Extractor struct {
	client   *http.Client
	policy   *bluemonday.Policy
	conv     *converter.Converter
	logger   *slog.Logger
	validate func(string) error
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithURLValidator overrides URL validation (default: safeurl.Validate).
func WithURLValidator(fn func(string) error) ExtractorOption {
	return func(x *Extractor) { x.validate = fn }
}

// NewExtractor creates an Extractor.
func NewExtractor(client *http.Client, logger *slog.Logger, opts ...ExtractorOption) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	x := &Extractor{
		client: client,
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger:   logger,
		validate: safeurl.Validate,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract fetches target and returns its content as markdown. Targets come
// from search results, so they are validated before any request goes out.
func (x *Extractor) Extract(ctx context.Context, target string) (*Document, error) {
	if err := x.validate(target); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("search: new request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/pdf,*/*")

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search: http %d fetching %s", resp.StatusCode, target)
	}

	body, err := safeurl.LimitedReadAll(resp.Body, maxDocBody)
	if err != nil {
		return nil, fmt.Errorf("search: read body: %w", err)
	}

	ctype := resp.Header.Get("Content-Type")
	if strings.Contains(ctype, "application/pdf") || bytes.HasPrefix(body, []byte("%PDF")) {
		title, text, err := extractPDF(body)
		if err != nil {
			return nil, err
		}
		return &Document{
			URL:         target,
			Title:       title,
			ContentType: "application/pdf",
			Markdown:    text,
		}, nil
	}

	return x.extractHTML(target, body), nil
}

// extractHTML sanitizes and converts. A conversion failure or an empty
// result falls back to density text rather than failing the fetch.
func (x *Extractor) extractHTML(target string, body []byte) *Document {
	sanitized := x.policy.Sanitize(string(body))

	md, err := x.conv.ConvertString(sanitized, converter.WithDomain(target))
	if err != nil || strings.TrimSpace(md) == "" {
		if err != nil {
			x.logger.Debug("search: markdown conversion failed, density fallback", "url", target, "error", err)
		}
		md = densityText(body)
	}

	return &Document{
		URL:         target,
		Title:       htmlTitle(body),
		ContentType: "text/html",
		Markdown:    strings.TrimSpace(md),
	}
}

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
}

func hasHiddenStyle(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// htmlTitle returns the document's <title> text, if any.
func htmlTitle(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return findTitle(doc)
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// densityText walks the DOM and collects visible block text, skipping
// boilerplate and hidden nodes.
func densityText(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var blocks []string
	collectBlocks(doc, &blocks)
	return strings.Join(blocks, "\n\n")
}

func collectBlocks(n *html.Node, blocks *[]string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header:
			return
		}
		if hasHiddenStyle(n) {
			return
		}
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.P, atom.Li, atom.Td, atom.Pre, atom.Blockquote:
			if text := nodeText(n); text != "" {
				*blocks = append(*blocks, text)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectBlocks(c, blocks)
	}
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(strings.Join(strings.Fields(sb.String()), " "))
}
