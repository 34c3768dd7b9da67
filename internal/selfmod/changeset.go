// CLAUDE:SUMMARY Agent-authored changesets — path-guarded atomic file staging and semver tag bumps.
// Package selfmod applies agent-authored changesets to the agent's own
// working tree and advances its version tag.
package selfmod

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// MaxFileSize caps a single staged file.
const MaxFileSize = 1 << 20

// ErrPathTraversal is returned when a changeset path escapes the root.
var ErrPathTraversal = errors.New("selfmod: path traversal detected")

// File is one staged file in a changeset.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Changeset is the self-modify request body.
type Changeset struct {
	Description string `json:"description"`
	Files       []File `json:"files"`
	// Bump selects the semver component to advance: patch, minor or
	// major. Empty means patch.
	Bump string `json:"bump"`
}

// Validate checks the changeset shape before anything touches disk.
func (c *Changeset) Validate() error {
	if len(c.Files) == 0 {
		return errors.New("selfmod: empty changeset")
	}
	switch c.Bump {
	case "", "patch", "minor", "major":
	default:
		return fmt.Errorf("selfmod: unknown bump %q", c.Bump)
	}
	for _, f := range c.Files {
		if f.Path == "" {
			return errors.New("selfmod: file with empty path")
		}
		if filepath.IsAbs(f.Path) {
			return fmt.Errorf("selfmod: absolute path %q not allowed", f.Path)
		}
		if len(f.Content) > MaxFileSize {
			return fmt.Errorf("selfmod: %s exceeds %d bytes", f.Path, MaxFileSize)
		}
	}
	return nil
}

// SafePath validates that joining root and rel does not escape root.
// Returns the cleaned absolute path or ErrPathTraversal.
func SafePath(root, rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(cleaned, filepath.Clean(root)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(root) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// Apply stages every changeset file under root. Each file is written
// atomically (temp file + rename); atomicity is per file, not across the
// changeset. Returns the paths written, relative to root.
func Apply(root string, files []File) ([]string, error) {
	written := make([]string, 0, len(files))
	for _, f := range files {
		target, err := SafePath(root, f.Path)
		if err != nil {
			return written, fmt.Errorf("selfmod: %s: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("selfmod: mkdir for %s: %w", f.Path, err)
		}
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, []byte(f.Content), 0o644); err != nil {
			return written, fmt.Errorf("selfmod: write %s: %w", f.Path, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return written, fmt.Errorf("selfmod: rename %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}
	return written, nil
}

// NextTag computes the bumped tag. Tags are bare semver ("6.3.2", no v
// prefix), matching the manifest format.
func NextTag(current, bump string) (string, error) {
	parts := strings.Split(strings.TrimSpace(current), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("selfmod: tag %q is not MAJOR.MINOR.PATCH", current)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", fmt.Errorf("selfmod: tag %q is not MAJOR.MINOR.PATCH", current)
		}
		nums[i] = n
	}

	switch bump {
	case "major":
		nums[0], nums[1], nums[2] = nums[0]+1, 0, 0
	case "minor":
		nums[1], nums[2] = nums[1]+1, 0
	case "", "patch":
		nums[2]++
	default:
		return "", fmt.Errorf("selfmod: unknown bump %q", bump)
	}

	next := fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2])
	if !semver.IsValid("v" + next) {
		return "", fmt.Errorf("selfmod: computed tag %q is not valid semver", next)
	}
	if semver.Compare("v"+next, "v"+current) <= 0 {
		return "", fmt.Errorf("selfmod: computed tag %q does not advance %q", next, current)
	}
	return next, nil
}
