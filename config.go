// CLAUDE:SUMMARY Engine configuration — YAML-loaded settings for state storage, browser, search engines, and the captcha ladder.
package relais

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/relais/internal/search"
	"github.com/hazyhaar/relais/internal/versions"
)

// Config holds all engine configuration.
type Config struct {
	// Identity names the agent; it seeds the first snapshot.
	Identity string `yaml:"identity"`

	// DataDir is the root for everything the engine persists.
	DataDir string `yaml:"data_dir"`
	// StateDB is the sqlite file holding snapshots and the journal.
	// Default: <data_dir>/state.db.
	StateDB string `yaml:"state_db"`
	// Manifest is the release manifest file holding the version tag.
	// Default: <data_dir>/VERSION.
	Manifest string `yaml:"manifest"`
	// Root is the tree self-modify changesets are staged into.
	// Default: <data_dir>/tree.
	Root string `yaml:"root"`

	Heartbeat time.Duration `yaml:"heartbeat"` // liveness interval, default 1m
	Retention time.Duration `yaml:"retention"` // journal retention, default 720h

	Browser BrowserConfig `yaml:"browser"`
	Search  SearchConfig  `yaml:"search"`
	Captcha CaptchaConfig `yaml:"captcha"`
}

// BrowserConfig controls the managed Chrome instance.
type BrowserConfig struct {
	Enabled          bool     `yaml:"enabled"`
	RemoteURL        string   `yaml:"remote_url"`
	BlockedResources []string `yaml:"blocked_resources"`
	MemoryLimitMB    int64    `yaml:"memory_limit_mb"`
}

// SearchConfig declares the search engine chain, in fallback order.
type SearchConfig struct {
	Engines   []*search.Engine `yaml:"engines"`
	DeepFetch bool             `yaml:"deep_fetch"`
}

// CaptchaConfig wires the three-rung resolution ladder.
type CaptchaConfig struct {
	// TestKeys maps known test site identifiers to canned responses.
	TestKeys map[string]string `yaml:"test_keys"`
	// EvasionAttempts bounds the behavioral evasion rung. Default 3.
	EvasionAttempts int          `yaml:"evasion_attempts"`
	Solver          SolverConfig `yaml:"solver"`
}

// SolverConfig points at the external solving service. An empty BaseURL
// disables the rung. APIKey supports $ENV expansion.
type SolverConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

func (c *Config) defaults() {
	if c.Identity == "" {
		c.Identity = "relais"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StateDB == "" {
		c.StateDB = filepath.Join(c.DataDir, "state.db")
	}
	if c.Manifest == "" {
		c.Manifest = filepath.Join(c.DataDir, "VERSION")
	}
	if c.Root == "" {
		c.Root = filepath.Join(c.DataDir, "tree")
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 720 * time.Hour
	}
	if c.Captcha.EvasionAttempts <= 0 {
		c.Captcha.EvasionAttempts = 3
	}
	c.Captcha.Solver.APIKey = os.ExpandEnv(c.Captcha.Solver.APIKey)
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relais: read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("relais: parse config: %w", err)
	}
	return cfg, nil
}

// EnsureManifest writes the release manifest with tag on first run and
// returns the tag it holds. An existing manifest is never overwritten:
// the engine, not deployment, advances versions.
func EnsureManifest(cfg *Config, tag string) (string, error) {
	cfg.defaults()
	manifest := &versions.ManifestFile{Path: cfg.Manifest}
	current, err := manifest.Tag(context.Background())
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Manifest), 0o755); err != nil {
		return "", fmt.Errorf("relais: create data dir: %w", err)
	}
	if err := manifest.Write(tag); err != nil {
		return "", err
	}
	return tag, nil
}
