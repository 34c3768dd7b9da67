package versions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ManifestFile reads the release manifest: a file holding a single version
// tag. Writers replace it via rename, so a read observes either the old or
// the new tag, never a torn one.
type ManifestFile struct {
	Path string
}

func (m *ManifestFile) Source() Source { return SourceManifest }

func (m *ManifestFile) Tag(_ context.Context) (string, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return "", fmt.Errorf("versions: read manifest: %w", err)
	}
	tag := strings.TrimSpace(string(data))
	if tag == "" {
		return "", fmt.Errorf("versions: manifest %s is empty", m.Path)
	}
	return tag, nil
}

// Write replaces the manifest tag atomically (temp file + rename).
func (m *ManifestFile) Write(tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("versions: refusing to write an empty tag")
	}
	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(tag+"\n"), 0o644); err != nil {
		return fmt.Errorf("versions: write manifest tmp: %w", err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("versions: rename manifest: %w", err)
	}
	return nil
}

// Label holds the tag a running surface currently announces. It is the
// displayed-label record source and is safe for concurrent use; the
// self-modify provider updates it when an upgrade lands.
type Label struct {
	mu  sync.RWMutex
	tag string
}

// NewLabel creates a label announcing tag.
func NewLabel(tag string) *Label {
	return &Label{tag: tag}
}

// Set replaces the announced tag.
func (l *Label) Set(tag string) {
	l.mu.Lock()
	l.tag = tag
	l.mu.Unlock()
}

func (l *Label) Source() Source { return SourceDisplayed }

func (l *Label) Tag(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.tag == "" {
		return "", errors.New("versions: no label announced")
	}
	return l.tag, nil
}
