// Package aptcache is the APT cache adapter (§9): every other component —
// the Matcher, the Planner/Committer, the search backends — sees the
// package database only through the narrow Cache interface defined here.
// The real implementation may be a cgo/libapt binding, a pure-Go
// reimplementation, or (as Memory is) an in-memory index sufficient to
// drive the rest of the core's logic and tests without either. This
// mirrors spec.md §9's explicit "adapter interface... may be a binding, a
// reimplementation, or a mock" design note.
package aptcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aptly-dev/aptly/deb"
)

// Version is one (package, architecture, version) record as indexed from a
// downloaded Packages/Contents file or the installed-status database.
type Version struct {
	Name         string
	Architecture string
	Version      string
	Provides     []string // virtual package names this version provides
	Filename     string   // relative path under the repository root, "" for installed-only records
	SHA256       string
	Size         int64
	Installed    bool
	Downloadable bool
	Essential    bool
	Source       string   // origin source label, e.g. a dist path, for provenance in Plan output
	Description  string   // short description from the control stanza, used by internal/search
	Depends      []string // forward runtime dependencies (package names, no version constraints), used by the depends/rdepends rendering
}

// FullName renders the "name:arch" qualified form used by glob matching
// when the pattern itself contains a colon.
func (v Version) FullName() string {
	return v.Name + ":" + v.Architecture
}

// Mark is the pending disposition the Planner applies to one package name
// before invoking Resolve.
type Mark int

const (
	MarkNone Mark = iota
	MarkInstall
	MarkDelete
	MarkPurge
	MarkReinstall
	MarkHold
)

func (m Mark) String() string {
	switch m {
	case MarkInstall:
		return "install"
	case MarkDelete:
		return "delete"
	case MarkPurge:
		return "purge"
	case MarkReinstall:
		return "reinstall"
	case MarkHold:
		return "hold"
	default:
		return "none"
	}
}

// Change is one entry of GetChanges' resulting operation set — loosely the
// per-package row the Planner turns into an Operation Plan (§3) entry.
type Change struct {
	Name       string
	Mark       Mark
	OldVersion string // empty if not currently installed
	NewVersion string // empty for a pure removal
}

var (
	ErrNotFound     = errors.New("aptcache: package not found")
	ErrNoCandidate  = errors.New("aptcache: package has no candidate version")
	ErrNoSuchVer    = errors.New("aptcache: package has no such version")
	ErrUnresolvable = errors.New("aptcache: dependency resolution failed")
)

// Cache is the §9 adapter interface. Every method that mutates pending
// state (the Mark* family) is cheap and synchronous; Resolve and DoInstall
// are the two operations allowed to be expensive, and callers invoke them
// synchronously.
type Cache interface {
	// Load populates the cache from sysroot's dpkg status database plus the
	// downloaded index files under var/lib/apt/lists, and any extraDebs
	// (standalone .deb paths the caller wants to consider, e.g. from
	// "oma install ./foo.deb").
	Load(sysroot string, extraDebs []string) error

	// Get returns every known version of name, real or virtual.
	Get(name string) ([]Version, error)

	// Names returns every package name the cache knows about, real or
	// virtual — used by the Matcher to resolve glob selectors.
	Names() ([]string, error)

	// Candidate returns the version that would be installed absent an
	// explicit selection: the highest downloadable version across enabled
	// sources.
	Candidate(name string) (Version, error)

	MarkInstall(name, version string) error
	MarkDelete(name string, purge bool) error
	MarkReinstall(name string) error
	MarkHold(name string) error

	// Resolve runs dependency resolution over the pending marks. When
	// fixBroken is set, it additionally attempts the resolver's
	// broken-package recovery mode instead of failing outright.
	Resolve(fixBroken bool) error

	// GetChanges enumerates the resolved operation set.
	GetChanges() ([]Change, error)

	// DoInstall drives the install/removal stage, invoking progress for
	// each unit of work completed (percent complete, 0-100).
	DoInstall(progress func(percent int, message string)) error
}

// Memory is an in-memory Cache built on aptly's Debian version comparator
// (deb.CompareVersions) — enough to exercise the Matcher and
// Planner in tests without a real dpkg/libapt binding, per §9's mock
// allowance.
type Memory struct {
	mu       sync.RWMutex
	versions map[string][]Version // by package name, real or virtual
	marks    map[string]Mark
	pending  map[string]string // name -> target version, for MarkInstall/MarkReinstall
	purge    map[string]bool
	resolved []Change
}

// NewMemory builds an empty Memory cache. Call AddVersion to populate it
// (typically from the Refresh Engine's downloaded Packages/Contents files)
// before Load is meaningful in a test harness; Load itself is a no-op here
// since Memory has no real sysroot to scan.
func NewMemory() *Memory {
	return &Memory{
		versions: make(map[string][]Version),
		marks:    make(map[string]Mark),
		pending:  make(map[string]string),
		purge:    make(map[string]bool),
	}
}

// AddVersion indexes one package version, including any virtual names it
// provides, so Get/Candidate can find it under either its real name or any
// Provides entry.
func (m *Memory) AddVersion(v Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.Name] = append(m.versions[v.Name], v)
	for _, provided := range v.Provides {
		m.versions[provided] = append(m.versions[provided], v)
	}
}

// Load is a no-op for Memory: population happens via AddVersion. It exists
// to satisfy Cache so Memory is a drop-in for code written against the
// interface.
func (m *Memory) Load(sysroot string, extraDebs []string) error {
	return nil
}

func (m *Memory) Get(name string) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.versions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]Version, len(vs))
	copy(out, vs)
	return out, nil
}

// Names returns every indexed name, real or virtual, in no particular
// order.
func (m *Memory) Names() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.versions))
	for name := range m.versions {
		out = append(out, name)
	}
	return out, nil
}

// Candidate picks the highest downloadable version by aptly's Debian
// version ordering (deb.CompareVersions), falling back to the highest
// version overall if none are downloadable.
func (m *Memory) Candidate(name string) (Version, error) {
	vs, err := m.Get(name)
	if err != nil {
		return Version{}, err
	}

	sort.Slice(vs, func(i, j int) bool {
		return deb.CompareVersions(vs[i].Version, vs[j].Version) > 0
	})

	for _, v := range vs {
		if v.Downloadable {
			return v, nil
		}
	}
	if len(vs) == 0 {
		return Version{}, fmt.Errorf("%w: %s", ErrNoCandidate, name)
	}
	return vs[0], nil
}

func (m *Memory) versionOf(name, version string) (Version, error) {
	vs, err := m.Get(name)
	if err != nil {
		return Version{}, err
	}
	for _, v := range vs {
		if v.Version == version {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s=%s", ErrNoSuchVer, name, version)
}

func (m *Memory) MarkInstall(name, version string) error {
	var target string
	if version == "" {
		cand, err := m.Candidate(name)
		if err != nil {
			return err
		}
		target = cand.Version
	} else {
		if _, err := m.versionOf(name, version); err != nil {
			return err
		}
		target = version
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[name] = MarkInstall
	m.pending[name] = target
	return nil
}

func (m *Memory) MarkDelete(name string, purge bool) error {
	if _, err := m.Get(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if purge {
		m.marks[name] = MarkPurge
		m.purge[name] = true
	} else {
		m.marks[name] = MarkDelete
	}
	return nil
}

func (m *Memory) MarkReinstall(name string) error {
	vs, err := m.Get(name)
	if err != nil {
		return err
	}
	var installed *Version
	for i := range vs {
		if vs[i].Installed {
			installed = &vs[i]
			break
		}
	}
	if installed == nil {
		return fmt.Errorf("%w: %s is not installed", ErrNoCandidate, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[name] = MarkReinstall
	m.pending[name] = installed.Version
	return nil
}

func (m *Memory) MarkHold(name string) error {
	if _, err := m.Get(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[name] = MarkHold
	return nil
}

// Resolve walks the pending marks and computes each target's installed
// version. It never fails: every Mark* call already checked its name via
// Get, and Memory has no real dependency graph to satisfy, so it never
// reports unmet dependencies and fixBroken has no effect; it exercises the
// Planner's happy path and its mark/changes plumbing, not the resolver's
// conflict classification (that lives against a real binding).
func (m *Memory) Resolve(fixBroken bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changes := make([]Change, 0, len(m.marks))
	names := make([]string, 0, len(m.marks))
	for name := range m.marks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mark := m.marks[name]
		vs := m.versions[name]
		var installed string
		for _, v := range vs {
			if v.Installed {
				installed = v.Version
				break
			}
		}

		switch mark {
		case MarkInstall, MarkReinstall:
			changes = append(changes, Change{Name: name, Mark: mark, OldVersion: installed, NewVersion: m.pending[name]})
		case MarkDelete, MarkPurge:
			changes = append(changes, Change{Name: name, Mark: mark, OldVersion: installed})
		case MarkHold:
			// holds produce no operation; they only suppress future upgrades
		}
	}

	m.resolved = changes
	return nil
}

func (m *Memory) GetChanges() ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Change, len(m.resolved))
	copy(out, m.resolved)
	return out, nil
}

// DoInstall applies the resolved changes to the in-memory installed-state
// flag and reports one progress callback per change, evenly spaced —
// Memory has no real dpkg to drive.
func (m *Memory) DoInstall(progress func(percent int, message string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.resolved)
	for i, c := range m.resolved {
		vs := m.versions[c.Name]
		switch c.Mark {
		case MarkInstall, MarkReinstall:
			for j := range vs {
				vs[j].Installed = vs[j].Version == c.NewVersion
			}
		case MarkDelete, MarkPurge:
			for j := range vs {
				vs[j].Installed = false
			}
		}
		if progress != nil {
			percent := 100
			if total > 0 {
				percent = (i + 1) * 100 / total
			}
			progress(percent, fmt.Sprintf("%s %s", strings.ToLower(markLabel(c.Mark)), c.Name))
		}
	}

	m.marks = make(map[string]Mark)
	m.pending = make(map[string]string)
	m.resolved = nil
	return nil
}

func markLabel(m Mark) string {
	switch m {
	case MarkInstall:
		return "Install"
	case MarkDelete:
		return "Remove"
	case MarkPurge:
		return "Purge"
	case MarkReinstall:
		return "Reinstall"
	case MarkHold:
		return "Hold"
	default:
		return "None"
	}
}
