// Package config is the Configuration layer of the ambient stack: one
// Config struct with nested section structs and a defaults() pass, the
// same shape as the teacher's own internal/config, adapted from "what to
// build and publish" to "where to install from and how".
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config is the complete oma configuration, loaded from a single
// config.yaml; the per-source fragments under SourcesDir are read by
// internal/source, not by Load.
type Config struct {
	Sysroot   string        `yaml:"sysroot"`
	Arch      string        `yaml:"arch,omitempty"` // native architecture override, detected if empty
	HTTP      HTTPConfig    `yaml:"http,omitempty"`
	Trust     TrustConfig   `yaml:"trust"`
	Workers   WorkersConfig `yaml:"workers"`
	Search    SearchConfig  `yaml:"search,omitempty"`
	Plan      PlanConfig    `yaml:"plan,omitempty"`
	Topics    TopicsConfig  `yaml:"topics,omitempty"`
	GitHub    GitHubConfig  `yaml:"github,omitempty"`
	ConfigDir string        `yaml:"-"` // directory containing config.yaml, set during Load
}

// HTTPConfig mirrors the teacher's HTTPConfig: a custom transport for the
// Fetcher and Topic Manager's HTTP/GitHub sources.
type HTTPConfig struct {
	UserAgent       string `yaml:"user_agent,omitempty"`
	Timeout         int    `yaml:"timeout"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	MaxConnsPerHost int    `yaml:"max_conns_per_host,omitempty"`
}

// TrustConfig configures internal/sig.NewVerifier's two keyring sources.
type TrustConfig struct {
	Dirs []string `yaml:"dirs,omitempty"` // e.g. /etc/apt/trusted.gpg.d
}

// WorkersConfig sizes the pond pools the Fetcher uses for mirror downloads
// and the Planner uses for parallel archive downloads.
type WorkersConfig struct {
	Download uint `yaml:"download"`
}

// SearchConfig selects the default search.Backend.
type SearchConfig struct {
	Engine string `yaml:"engine,omitempty"` // "ngram" (default), "similarity", "substring"
}

// PlanConfig carries the few committer-level policy knobs spec.md §4.10
// and §7 leave to configuration rather than a flag on every invocation.
type PlanConfig struct {
	AllowRemoveEssential bool   `yaml:"allow_remove_essential,omitempty"`
	ArchiveDir           string `yaml:"archive_dir,omitempty"` // relative to Sysroot if not absolute
	HistoryDir           string `yaml:"history_dir,omitempty"` // relative to Sysroot if not absolute
}

// GetArchiveDir returns the absolute archive download directory.
func (p *PlanConfig) GetArchiveDir(sysroot string) string {
	if p.ArchiveDir == "" {
		return filepath.Join(sysroot, "var", "cache", "oma", "archives")
	}
	if filepath.IsAbs(p.ArchiveDir) {
		return p.ArchiveDir
	}
	return filepath.Join(sysroot, p.ArchiveDir)
}

// GetHistoryDir returns the absolute history/lock state directory.
func (p *PlanConfig) GetHistoryDir(sysroot string) string {
	if p.HistoryDir == "" {
		return filepath.Join(sysroot, "var", "lib", "oma")
	}
	if filepath.IsAbs(p.HistoryDir) {
		return p.HistoryDir
	}
	return filepath.Join(sysroot, p.HistoryDir)
}

// TopicsConfig configures the Topic Manager's manifest source.
type TopicsConfig struct {
	ManifestURL string `yaml:"manifest_url,omitempty"` // plain HTTP(S) source
	GitHubRepo  string `yaml:"github_repo,omitempty"`  // "owner/repo", takes precedence over ManifestURL
	GitHubAsset string `yaml:"github_asset,omitempty"` // release asset filename, default "topics.json"
	BaseURL     string `yaml:"base_url,omitempty"`     // used to render sources.list fragments
}

// GitHubConfig authenticates Topic Manager GitHub-backed manifest fetches.
type GitHubConfig struct {
	Token string `yaml:"token,omitempty"`
}

// defaults applies default values, mirroring the teacher's Config.defaults.
func (c *Config) defaults() {
	if c.GitHub.Token == "" {
		if token := os.Getenv("GITHUB_TOKEN"); token != "" {
			c.GitHub.Token = token
		}
	}

	if c.Sysroot == "" {
		c.Sysroot = "/"
	}
	if c.Arch == "" {
		c.Arch = dpkgArch(runtime.GOARCH)
	}

	if len(c.Trust.Dirs) == 0 {
		c.Trust.Dirs = []string{
			filepath.Join(c.Sysroot, "etc/apt/trusted.gpg.d"),
		}
	}

	if c.Workers.Download == 0 {
		c.Workers.Download = 8
	}

	if c.Search.Engine == "" {
		c.Search.Engine = "ngram"
	}
	if c.Topics.GitHubAsset == "" {
		c.Topics.GitHubAsset = "topics.json"
	}
}


// dpkgArch translates a Go GOARCH value into the dpkg architecture token
// sources.list entries and Packages files key on; GOARCH and dpkg diverge
// for the two most common 32-bit/ARM targets.
func dpkgArch(goarch string) string {
	switch goarch {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	default:
		return goarch
	}
}

// SourcesDir returns the directory holding per-source deb822/one-line
// fragments, the same layout internal/source.Scan expects.
func (c *Config) SourcesDir() string {
	return filepath.Join(c.Sysroot, "etc/apt/sources.list.d")
}

// ListsDir returns the directory the Refresh Engine downloads
// InRelease/Release and index files into.
func (c *Config) ListsDir() string {
	return filepath.Join(c.Sysroot, "var/lib/apt/lists")
}
