package safeurl

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/search", false},
		{"http://example.com/page", false},
		{"ftp://evil.com/data", true},       // bad scheme
		{"javascript:alert(1)", true},       // bad scheme
		{"http://127.0.0.1/admin", true},    // loopback
		{"http://10.0.0.1/internal", true},  // private
		{"http://192.168.1.1/api", true},    // private
		{"http://[::1]/api", true},          // IPv6 loopback
		{"http://172.16.0.1/secret", true},  // private
		{"http://169.254.169.254/md", true}, // link-local metadata
		{"http://0.0.0.0/", true},           // unspecified
	}
	for _, tt := range tests {
		err := Validate(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("accounts.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateIdentifier("../etc/passwd"); err == nil {
		t.Fatal("expected error for path traversal chars")
	}
	if err := ValidateIdentifier(""); err == nil {
		t.Fatal("expected error for empty identifier")
	}
	if err := ValidateIdentifier("has spaces"); err == nil {
		t.Fatal("expected error for spaces")
	}
	long := strings.Repeat("a", 257)
	if err := ValidateIdentifier(long); err == nil {
		t.Fatal("expected error for long identifier")
	}
}

func TestLimitedReadAll(t *testing.T) {
	small := strings.NewReader("hello")
	data, err := LimitedReadAll(small, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	big := strings.NewReader(strings.Repeat("x", 100))
	if _, err := LimitedReadAll(big, 50); err == nil {
		t.Fatal("expected error for oversized body")
	}
}
