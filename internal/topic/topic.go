// Package topic is the Topic Manager (§4.8): it maintains the set of
// enabled rolling-channel "topics", refreshes the manifest that lists which
// topics are currently open, emits a generated sources.list fragment for
// the enabled set, and detects topics that have been closed upstream so the
// Refresh Engine can treat their now-missing InRelease as expected fallout
// (internal/refresh's ClosedTopicChecker) instead of a hard failure.
//
// The manifest is fetched from a GitHub-hosted mirror when configured
// (github.com/google/go-github/v80), or read from a local/http source
// otherwise, and is re-read automatically on change via fsnotify when the
// source is a local file.
package topic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-github/v80/github"
	"gopkg.in/yaml.v3"
)

// Topic is one rolling channel as described by the manifest.
type Topic struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Packages    []string `json:"packages" yaml:"packages"`
	Closed      bool     `json:"-" yaml:"-"` // set by Refresh, never read from the manifest itself
}

// Manifest is the document published by a topics mirror: every currently
// open topic, its description, and the package names it supplies.
type Manifest struct {
	Topics []Topic `json:"topics" yaml:"topics"`
}

// EnabledStore persists which topics the local sysroot currently has turned
// on, independent of what the manifest says is open — disabling a topic
// must stick across a refresh even if the manifest still lists it.
type EnabledStore struct {
	Enabled []string `yaml:"enabled"`
}

// ManifestSource fetches the raw manifest bytes from wherever it lives.
// internal/topic ships two implementations: HTTPSource (plain URL fetch,
// also used for local file:// mirrors) and GitHubSource (release-asset
// lookup via go-github).
type ManifestSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPSource fetches the manifest from a plain URL.
type HTTPSource struct {
	Client *http.Client
	URL    string
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	if len(s.URL) > len("file://") && s.URL[:len("file://")] == "file://" {
		return os.ReadFile(s.URL[len("file://"):])
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("topic: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topic: fetch manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topic: fetch manifest: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// GitHubSource resolves the manifest as a named asset on a repository's
// latest release — the same "owner/repo" shape the teacher's feed.Github
// uses for release browsing, retargeted here at a single manifest asset
// instead of a pool of .changes/.deb files.
type GitHubSource struct {
	Client *github.Client
	Owner  string
	Repo   string
	Asset  string // asset filename on the latest release, e.g. "topics.json"
}

func (s *GitHubSource) Fetch(ctx context.Context) ([]byte, error) {
	release, _, err := s.Client.Repositories.GetLatestRelease(ctx, s.Owner, s.Repo)
	if err != nil {
		return nil, fmt.Errorf("topic: get latest release for %s/%s: %w", s.Owner, s.Repo, err)
	}

	var assetURL string
	for _, a := range release.Assets {
		if a.GetName() == s.Asset {
			assetURL = a.GetBrowserDownloadURL()
			break
		}
	}
	if assetURL == "" {
		return nil, fmt.Errorf("topic: release %s has no asset named %q", release.GetTagName(), s.Asset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("topic: build asset request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topic: download asset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topic: download asset: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// RemovedTopic is the result of Remove: the topic that was disabled and the
// packages it used to supply, which the Planner schedules for downgrade to
// whatever remains available in non-topic sources.
type RemovedTopic struct {
	Topic    Topic
	Packages []string
}

var (
	ErrUnknownTopic     = errors.New("topic: not present in manifest")
	ErrAlreadyEnabled   = errors.New("topic: already enabled")
	ErrAlreadyDisabled  = errors.New("topic: already disabled")
	ErrNoManifestSource = errors.New("topic: no manifest source configured")
)

// sourcesFragmentTemplate renders the "do not edit" sources.list.d fragment
// for the currently enabled topics, one deb822-less classic line per
// topic, always on the "main" component.
const sourcesFragmentTemplate = `# {{ .Comment }}
# This file is managed by oma topic — do not edit by hand.
{{- range .Topics }}
deb {{ $.BaseURL }} {{ .Name }} main
{{- end }}
`

// Manager is the Topic Manager: it owns the enabled-set state for one
// sysroot+arch pair, the manifest source, and the fragment writer.
type Manager struct {
	Sysroot string
	Arch    string
	BaseURL string // topic repository base URL, used to render sources fragments

	source ManifestSource
	path   string // EnabledStore persistence path, derived from Sysroot

	mu       sync.RWMutex
	manifest Manifest
	enabled  map[string]bool
	closed   map[string]bool // topics that were enabled but dropped from the manifest on last Refresh

	watcher *fsnotify.Watcher
}

// New builds a Manager rooted at sysroot for the given architecture. source
// may be nil if the caller only intends to drive Add/Remove/List against
// whatever enabled state is already on disk without ever calling Refresh.
func New(sysroot, arch string, source ManifestSource) *Manager {
	return &Manager{
		Sysroot: sysroot,
		Arch:    arch,
		source:  source,
		path:    filepath.Join(sysroot, "etc", "apt", "oma", "topics-enabled.yaml"),
		enabled: make(map[string]bool),
		closed:  make(map[string]bool),
	}
}

// Load reads the persisted enabled-topics set from disk. A missing file is
// not an error — it means no topic has ever been enabled.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("topic: read enabled store: %w", err)
	}

	var store EnabledStore
	if err := yaml.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("topic: parse enabled store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = make(map[string]bool, len(store.Enabled))
	for _, name := range store.Enabled {
		m.enabled[name] = true
	}
	return nil
}

func (m *Manager) persist() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.enabled))
	for name := range m.enabled {
		names = append(names, name)
	}
	m.mu.RUnlock()
	slices.Sort(names)

	data, err := yaml.Marshal(EnabledStore{Enabled: names})
	if err != nil {
		return fmt.Errorf("topic: marshal enabled store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("topic: mkdir: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("topic: write enabled store: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// Refresh re-reads the manifest from source. Any topic that was previously
// enabled but is no longer present in the freshly fetched manifest is
// marked closed and its enabled flag is left set (so EnabledTopics still
// reports it until the caller disables or the Planner downgrades it away) —
// the closed set is what IsClosed reports to the Refresh Engine. The
// returned slice is one RemovedTopic per newly-closed topic (not
// previously-closed ones still pending a downgrade from an earlier
// Refresh), letting the caller hand its Packages straight to the Planner
// per §4.8's "scheduled for downgrade" rule.
func (m *Manager) Refresh(ctx context.Context) ([]RemovedTopic, error) {
	if m.source == nil {
		return nil, ErrNoManifestSource
	}

	raw, err := m.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("topic: parse manifest: %w", err)
	}

	present := make(map[string]bool, len(manifest.Topics))
	for _, t := range manifest.Topics {
		present[t.Name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newClosed := make(map[string]bool)
	var removed []RemovedTopic
	for name := range m.enabled {
		if present[name] {
			continue
		}
		newClosed[name] = true
		if m.closed[name] {
			continue // already reported on a previous Refresh
		}
		slog.Info("topic: closed upstream, scheduling for downgrade", "topic", name)
		t, _ := m.findTopic(name)
		t.Name = name
		removed = append(removed, RemovedTopic{Topic: t, Packages: t.Packages})
	}

	m.manifest = manifest
	m.closed = newClosed
	return removed, nil
}

// WatchManifest starts an fsnotify watch on a local manifest file, calling
// Refresh whenever it changes, until ctx is done. Only meaningful when the
// configured source reads from a local path (the HTTPSource's URL has a
// file:// scheme, or the caller passes the same path here as it configured
// the source with).
func (m *Manager) WatchManifest(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("topic: create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("topic: watch %s: %w", dir, err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if _, err := m.Refresh(ctx); err != nil {
					slog.Warn("topic: manifest hot-reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("topic: watcher error", "error", err)
			}
		}
	}()

	return nil
}

// StopWatch tears down a watcher started by WatchManifest, if any.
func (m *Manager) StopWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

func (m *Manager) findTopic(name string) (Topic, bool) {
	for _, t := range m.manifest.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

// AllTopics returns every topic currently listed in the manifest, each
// annotated with whether it is enabled locally.
func (m *Manager) AllTopics() []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Topic, len(m.manifest.Topics))
	for i, t := range m.manifest.Topics {
		t.Closed = m.closed[t.Name]
		out[i] = t
	}
	return out
}

// EnabledTopics returns the topics the local sysroot currently has turned
// on — including ones marked closed, until the caller removes them.
func (m *Manager) EnabledTopics() []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.enabled))
	for name := range m.enabled {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Topic, 0, len(names))
	for _, name := range names {
		t, ok := m.findTopic(name)
		if !ok {
			t = Topic{Name: name}
		}
		t.Closed = m.closed[name]
		out = append(out, t)
	}
	return out
}

// IsClosed reports whether suite names a topic this Manager has determined
// is closed — it satisfies internal/refresh.ClosedTopicChecker, letting the
// Refresh Engine treat that topic's missing InRelease as expected fallout
// rather than a hard failure.
func (m *Manager) IsClosed(suite string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed[suite]
}

// Add enables a topic by name. dryRun reports what would happen without
// persisting it.
func (m *Manager) Add(name string, dryRun bool) error {
	m.mu.Lock()
	if _, ok := m.findTopic(name); !ok && len(m.manifest.Topics) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	if m.enabled[name] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyEnabled, name)
	}
	if !dryRun {
		m.enabled[name] = true
	}
	m.mu.Unlock()

	if dryRun {
		return nil
	}
	return m.persist()
}

// Remove disables a topic by name, returning the packages it supplied so
// the caller (the Planner) can schedule them for downgrade.
func (m *Manager) Remove(name string, dryRun bool) (RemovedTopic, error) {
	m.mu.Lock()
	if !m.enabled[name] {
		m.mu.Unlock()
		return RemovedTopic{}, fmt.Errorf("%w: %s", ErrAlreadyDisabled, name)
	}
	t, _ := m.findTopic(name)
	if !dryRun {
		delete(m.enabled, name)
		delete(m.closed, name)
	}
	m.mu.Unlock()

	if dryRun {
		return RemovedTopic{Topic: t, Packages: t.Packages}, nil
	}
	if err := m.persist(); err != nil {
		return RemovedTopic{}, err
	}
	return RemovedTopic{Topic: t, Packages: t.Packages}, nil
}

// WriteEnabled renders the sources.list.d fragment for every enabled,
// non-closed topic and writes it atomically into dir/oma-topics.list —
// the §4.8 write_sources_list operation. comment is embedded verbatim as
// the first line, above the standard "do not edit" notice.
func (m *Manager) WriteEnabled(dir, comment string, dryRun bool) (string, error) {
	tmpl, err := template.New("topics").Funcs(sprig.FuncMap()).Parse(sourcesFragmentTemplate)
	if err != nil {
		return "", fmt.Errorf("topic: parse fragment template: %w", err)
	}

	enabled := m.EnabledTopics()
	active := make([]Topic, 0, len(enabled))
	for _, t := range enabled {
		if !t.Closed {
			active = append(active, t)
		}
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Comment string
		BaseURL string
		Topics  []Topic
	}{Comment: comment, BaseURL: m.BaseURL, Topics: active})
	if err != nil {
		return "", fmt.Errorf("topic: render fragment: %w", err)
	}

	if dryRun {
		return buf.String(), nil
	}

	path := filepath.Join(dir, "oma-topics.list")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("topic: mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("topic: write fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("topic: rename fragment into place: %w", err)
	}
	return path, nil
}
