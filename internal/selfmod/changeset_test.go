package selfmod

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafePath_AllowsNestedRelative(t *testing.T) {
	// WHAT: A clean relative path joins under the root.
	root := t.TempDir()
	got, err := SafePath(root, "internal/engine/core.go")
	if err != nil {
		t.Fatalf("SafePath: %v", err)
	}
	want := filepath.Join(root, "internal", "engine", "core.go")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSafePath_RejectsTraversal(t *testing.T) {
	// WHAT: Any path containing ".." or resolving outside the root is
	// rejected with ErrPathTraversal.
	// WHY: The agent rewrites its own tree; one escaping path means it
	// can rewrite arbitrary files on the host.
	root := t.TempDir()
	cases := []string{
		"../outside.go",
		"nested/../../outside.go",
		"a/..",
		"..",
	}
	for _, rel := range cases {
		if _, err := SafePath(root, rel); err != ErrPathTraversal {
			t.Errorf("SafePath(%q): got %v, want ErrPathTraversal", rel, err)
		}
	}
}

func TestSafePath_RootItself(t *testing.T) {
	root := t.TempDir()
	got, err := SafePath(root, ".")
	if err != nil {
		t.Fatalf("SafePath: %v", err)
	}
	if got != filepath.Clean(root) {
		t.Errorf("got %q, want root %q", got, root)
	}
}

func TestNextTag_Bumps(t *testing.T) {
	cases := []struct {
		current, bump, want string
	}{
		{"1.2.3", "patch", "1.2.4"},
		{"1.2.3", "", "1.2.4"},
		{"1.2.3", "minor", "1.3.0"},
		{"1.2.3", "major", "2.0.0"},
		{"0.9.9", "minor", "0.10.0"},
	}
	for _, c := range cases {
		got, err := NextTag(c.current, c.bump)
		if err != nil {
			t.Errorf("NextTag(%q, %q): %v", c.current, c.bump, err)
			continue
		}
		if got != c.want {
			t.Errorf("NextTag(%q, %q) = %q, want %q", c.current, c.bump, got, c.want)
		}
	}
}

func TestNextTag_RejectsMalformed(t *testing.T) {
	// WHAT: Tags that are not MAJOR.MINOR.PATCH fail before any bump.
	cases := []string{"", "1.2", "1.2.3.4", "v1.2.3", "1.x.3", "-1.2.3"}
	for _, current := range cases {
		if _, err := NextTag(current, "patch"); err == nil {
			t.Errorf("NextTag(%q): want error, got nil", current)
		}
	}
	if _, err := NextTag("1.2.3", "mega"); err == nil {
		t.Error("NextTag with unknown bump: want error, got nil")
	}
}

func TestChangeset_Validate(t *testing.T) {
	ok := Changeset{Files: []File{{Path: "a.go", Content: "x"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid changeset rejected: %v", err)
	}

	cases := []struct {
		name string
		cs   Changeset
	}{
		{"empty files", Changeset{}},
		{"empty path", Changeset{Files: []File{{Content: "x"}}}},
		{"absolute path", Changeset{Files: []File{{Path: "/etc/passwd", Content: "x"}}}},
		{"unknown bump", Changeset{Files: []File{{Path: "a.go"}}, Bump: "mega"}},
		{"oversized file", Changeset{Files: []File{{Path: "a.go", Content: strings.Repeat("x", MaxFileSize+1)}}}},
	}
	for _, c := range cases {
		if err := c.cs.Validate(); err == nil {
			t.Errorf("%s: want error, got nil", c.name)
		}
	}
}

func TestApply_WritesNestedFiles(t *testing.T) {
	// WHAT: Apply creates intermediate directories and lands every file,
	// returning the relative paths it wrote.
	root := t.TempDir()
	files := []File{
		{Path: "README.md", Content: "hello\n"},
		{Path: "internal/engine/core.go", Content: "package engine\n"},
	}
	written, err := Apply(root, files)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("written: got %d paths, want 2", len(written))
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, f.Path))
		if err != nil {
			t.Fatalf("read back %s: %v", f.Path, err)
		}
		if string(data) != f.Content {
			t.Errorf("%s: got %q, want %q", f.Path, data, f.Content)
		}
	}
}

func TestApply_LeavesNoTempFiles(t *testing.T) {
	// WHAT: After a successful Apply the tree holds only the target
	// files, no .tmp leftovers.
	root := t.TempDir()
	if _, err := Apply(root, []File{{Path: "a.txt", Content: "1"}, {Path: "b.txt", Content: "2"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestApply_StopsAtTraversal(t *testing.T) {
	// WHAT: A traversal path aborts the apply; files before it stay
	// written, the escaping one never lands.
	root := t.TempDir()
	files := []File{
		{Path: "ok.txt", Content: "fine"},
		{Path: "../escape.txt", Content: "nope"},
	}
	written, err := Apply(root, files)
	if err == nil {
		t.Fatal("want traversal error, got nil")
	}
	if len(written) != 1 || written[0] != "ok.txt" {
		t.Errorf("written: got %v, want [ok.txt]", written)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping file was written outside the root")
	}
}

func TestApply_OverwritesExisting(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "config.yaml")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Apply(root, []File{{Path: "config.yaml", Content: "new"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("got %q, want %q", data, "new")
	}
}
