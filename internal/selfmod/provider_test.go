package selfmod

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/versions"
)

// workspace seeds a root tree with a manifest holding tag and returns the
// wired provider plus the pieces the tests inspect.
func workspace(t *testing.T, tag string) (*Provider, *versions.ManifestFile, *versions.Label, string) {
	t.Helper()
	root := t.TempDir()
	manifest := &versions.ManifestFile{Path: filepath.Join(root, "VERSION")}
	if err := os.WriteFile(manifest.Path, []byte(tag+"\n"), 0o644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	label := versions.NewLabel(tag)
	return NewProvider(root, manifest, label, nil), manifest, label, root
}

func modifyRequest(t *testing.T, cs Changeset) *dispatch.Request {
	t.Helper()
	body, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("marshal changeset: %v", err)
	}
	return &dispatch.Request{ID: "req_selfmod", Kind: dispatch.KindSelfModify, Body: body}
}

func TestProvider_AppliesChangeset(t *testing.T) {
	// WHAT: A valid changeset lands its files, advances the manifest,
	// updates the label, and reports the new tag on the result.
	// WHY: The snapshot appended after a self-modify must carry the new
	// tag or every later version check desyncs.
	p, manifest, label, root := workspace(t, "1.2.3")
	cs := Changeset{
		Description: "tune retry backoff",
		Files: []File{
			{Path: "internal/engine/backoff.go", Content: "package engine\n"},
		},
		Bump: "minor",
	}

	res, err := p.Invoke(context.Background(), modifyRequest(t, cs))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if res.Tag != "1.3.0" {
		t.Errorf("result tag: got %q, want 1.3.0", res.Tag)
	}
	if res.Provider != "self-modify" {
		t.Errorf("provider: got %q", res.Provider)
	}
	if !strings.Contains(res.Effect, "1.2.3 -> 1.3.0") {
		t.Errorf("effect: got %q", res.Effect)
	}

	if _, err := os.Stat(filepath.Join(root, "internal", "engine", "backoff.go")); err != nil {
		t.Errorf("staged file missing: %v", err)
	}
	got, err := manifest.Tag(context.Background())
	if err != nil {
		t.Fatalf("manifest tag: %v", err)
	}
	if got != "1.3.0" {
		t.Errorf("manifest: got %q, want 1.3.0", got)
	}
	got, err = label.Tag(context.Background())
	if err != nil {
		t.Fatalf("label tag: %v", err)
	}
	if got != "1.3.0" {
		t.Errorf("label: got %q, want 1.3.0", got)
	}

	var payload appliedPayload
	if err := json.Unmarshal(res.Value, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.From != "1.2.3" || payload.To != "1.3.0" || len(payload.Written) != 1 {
		t.Errorf("payload: got %+v", payload)
	}
}

func TestProvider_MalformedBodyIsHard(t *testing.T) {
	// WHAT: A body that does not decode aborts hard; no retry on another
	// provider could make garbage parse.
	p, _, _, _ := workspace(t, "1.0.0")
	req := &dispatch.Request{ID: "req_bad", Kind: dispatch.KindSelfModify, Body: json.RawMessage(`{{{`)}

	_, err := p.Invoke(context.Background(), req)
	var hard *dispatch.HardError
	if !errors.As(err, &hard) {
		t.Fatalf("want HardError, got %v", err)
	}
}

func TestProvider_InvalidChangesetIsHard(t *testing.T) {
	p, _, _, _ := workspace(t, "1.0.0")
	cases := []Changeset{
		{},
		{Files: []File{{Path: "/abs.go", Content: "x"}}},
		{Files: []File{{Path: "a.go"}}, Bump: "mega"},
	}
	for i, cs := range cases {
		_, err := p.Invoke(context.Background(), modifyRequest(t, cs))
		var hard *dispatch.HardError
		if !errors.As(err, &hard) {
			t.Errorf("case %d: want HardError, got %v", i, err)
		}
	}
}

func TestProvider_TraversalIsHard(t *testing.T) {
	// WHY: Validate catches absolute paths but relative traversal only
	// surfaces in Apply; it must still classify as non-retryable.
	p, _, _, _ := workspace(t, "1.0.0")
	cs := Changeset{Files: []File{{Path: "a/../../escape.go", Content: "x"}}}

	_, err := p.Invoke(context.Background(), modifyRequest(t, cs))
	var hard *dispatch.HardError
	if !errors.As(err, &hard) {
		t.Fatalf("want HardError, got %v", err)
	}
	if !errors.Is(err, ErrPathTraversal) {
		t.Errorf("want ErrPathTraversal in chain, got %v", err)
	}
}

func TestProvider_MissingManifestIsSoft(t *testing.T) {
	// WHAT: An unreadable manifest is an I/O fault, not a malformed
	// request; the dispatch may be retried once the file is back.
	root := t.TempDir()
	manifest := &versions.ManifestFile{Path: filepath.Join(root, "VERSION")}
	p := NewProvider(root, manifest, versions.NewLabel("1.0.0"), nil)
	cs := Changeset{Files: []File{{Path: "a.go", Content: "x"}}}

	_, err := p.Invoke(context.Background(), modifyRequest(t, cs))
	var soft *dispatch.SoftError
	if !errors.As(err, &soft) {
		t.Fatalf("want SoftError, got %v", err)
	}
}

func TestProvider_CorruptManifestTagIsHard(t *testing.T) {
	// WHAT: A manifest holding a non-semver tag cannot be bumped.
	p, _, _, _ := workspace(t, "not-a-version")
	cs := Changeset{Files: []File{{Path: "a.go", Content: "x"}}}

	_, err := p.Invoke(context.Background(), modifyRequest(t, cs))
	var hard *dispatch.HardError
	if !errors.As(err, &hard) {
		t.Fatalf("want HardError, got %v", err)
	}
}

func TestProvider_ManifestFailureKeepsOldTag(t *testing.T) {
	// WHAT: When the manifest write fails after files landed, the label
	// and manifest still hold the old tag.
	// WHY: Retrying from the old tag re-applies the same changeset
	// idempotently; a half-advanced tag would double-bump.
	p, manifest, label, root := workspace(t, "2.0.0")
	// Replace the manifest path with a directory so the rename fails.
	dirPath := filepath.Join(root, "VERSION_DIR")
	if err := os.Mkdir(dirPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dirPath, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	oldPath := manifest.Path
	manifest.Path = dirPath

	cs := Changeset{Files: []File{{Path: "a.go", Content: "x"}}}
	_, err := p.Invoke(context.Background(), modifyRequest(t, cs))
	var soft *dispatch.SoftError
	if !errors.As(err, &soft) {
		t.Fatalf("want SoftError, got %v", err)
	}

	manifest.Path = oldPath
	got, err := manifest.Tag(context.Background())
	if err != nil {
		t.Fatalf("manifest tag: %v", err)
	}
	if got != "2.0.0" {
		t.Errorf("manifest after failed write: got %q, want 2.0.0", got)
	}
	got, err = label.Tag(context.Background())
	if err != nil {
		t.Fatalf("label tag: %v", err)
	}
	if got != "2.0.0" {
		t.Errorf("label after failed write: got %q, want 2.0.0", got)
	}
	if _, err := os.Stat(filepath.Join(root, "a.go")); err != nil {
		t.Errorf("staged file should remain for idempotent retry: %v", err)
	}
}

func TestNewChain_SingleRung(t *testing.T) {
	p, _, _, _ := workspace(t, "1.0.0")
	ch := NewChain(p)
	if len(ch.Providers) != 1 {
		t.Fatalf("providers: got %d, want 1", len(ch.Providers))
	}
	if ch.StateIrrelevant {
		t.Error("self-modify must append to the snapshot chain")
	}
}
