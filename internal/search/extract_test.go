package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtract_HTML(t *testing.T) {
	// WHAT: An HTML page becomes a titled markdown document.
	// WHY: Core deep-fetch path — sanitize, convert, keep the title.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Go Blog</title><script>var tracker = "evil";</script></head>
<body>
  <h1>Go 1.24 released</h1>
  <p>The release includes dispatcher fixes.</p>
</body>
</html>`))
	}))
	defer srv.Close()

	x := NewExtractor(srv.Client(), nil, WithURLValidator(noopValidator))
	doc, err := x.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Title != "Go Blog" {
		t.Errorf("title: got %q", doc.Title)
	}
	if doc.ContentType != "text/html" {
		t.Errorf("content type: got %q", doc.ContentType)
	}
	if !strings.Contains(doc.Markdown, "Go 1.24 released") {
		t.Errorf("markdown missing heading: %q", doc.Markdown)
	}
	if !strings.Contains(doc.Markdown, "dispatcher fixes") {
		t.Errorf("markdown missing paragraph: %q", doc.Markdown)
	}
	if strings.Contains(doc.Markdown, "evil") {
		t.Errorf("script content leaked into markdown: %q", doc.Markdown)
	}
}

func TestExtract_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	x := NewExtractor(srv.Client(), nil, WithURLValidator(noopValidator))
	if _, err := x.Extract(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 404")
	}
}

func TestExtract_BlockedURL(t *testing.T) {
	// WHAT: The default validator refuses loopback targets.
	// WHY: Hit URLs come from untrusted search responses.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked URL must not be requested")
	}))
	defer srv.Close()

	x := NewExtractor(srv.Client(), nil)
	if _, err := x.Extract(context.Background(), srv.URL); err == nil {
		t.Error("expected SSRF error")
	}
}

func TestExtract_PDFByMagicBytes(t *testing.T) {
	// WHAT: A body starting with %PDF routes to PDF extraction even when
	// the server lies about the content type.
	// WHY: Plenty of servers ship PDFs as application/octet-stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buildTextPDF("Quarterly report for dispatch"))
	}))
	defer srv.Close()

	x := NewExtractor(srv.Client(), nil, WithURLValidator(noopValidator))
	doc, err := x.Extract(context.Background(), srv.URL)
	if err != nil {
		if strings.Contains(err.Error(), "no text content") {
			t.Skipf("pdfcpu extracted no text from minimal fixture: %v", err)
		}
		t.Fatalf("extract: %v", err)
	}
	if doc.ContentType != "application/pdf" {
		t.Errorf("content type: got %q, want application/pdf", doc.ContentType)
	}
	if !strings.Contains(doc.Markdown, "Quarterly report") {
		t.Errorf("pdf text: got %q", doc.Markdown)
	}
}

func TestHTMLTitle(t *testing.T) {
	if got := htmlTitle([]byte(`<html><head><title>  Spaced Title </title></head></html>`)); got != "Spaced Title" {
		t.Errorf("title: got %q", got)
	}
	if got := htmlTitle([]byte(`<html><body><p>no title here</p></body></html>`)); got != "" {
		t.Errorf("title: got %q, want empty", got)
	}
}

func TestDensityText_SkipsHiddenAndBoilerplate(t *testing.T) {
	// WHAT: Hidden nodes and nav/footer boilerplate are dropped; visible
	// block text is kept.
	// WHY: Fallback text must not be polluted by menus and SEO stuffing.
	body := []byte(`<html><body>
		<nav><li>Home</li><li>About</li></nav>
		<h1>Visible Heading</h1>
		<p style="display:none">seo stuffing</p>
		<p style="visibility: hidden">more stuffing</p>
		<p>Real paragraph content.</p>
		<footer><p>Copyright footer</p></footer>
	</body></html>`)

	text := densityText(body)
	if !strings.Contains(text, "Visible Heading") {
		t.Errorf("missing heading: %q", text)
	}
	if !strings.Contains(text, "Real paragraph content.") {
		t.Errorf("missing paragraph: %q", text)
	}
	for _, banned := range []string{"seo stuffing", "more stuffing", "Home", "Copyright"} {
		if strings.Contains(text, banned) {
			t.Errorf("boilerplate leaked: %q in %q", banned, text)
		}
	}
}
