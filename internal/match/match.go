// Package match is the Matcher (§4.9): it translates one user-supplied
// selector token into concrete (package, version) pairs against the APT
// cache adapter (internal/aptcache), in a fixed priority order — a local
// .deb path glob, a name/branch pair, an exact name=version, or a bare
// glob over real package names.
package match

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aptly-dev/aptly/deb"
	"github.com/dionysius/oma-core/internal/aptcache"
)

var (
	ErrInvalidPattern = errors.New("match: invalid pattern")
	ErrNoPackage      = errors.New("match: package not found")
	ErrNoVersion      = errors.New("match: package has no such version")
)

// Result is one resolved (package, version) pair, annotated with whether
// it is the package's current candidate — oma-pm's
// match_pkgs_and_versions_from_glob sorts candidates first for the same
// reason: so presentation always shows the version that would actually be
// installed first.
type Result struct {
	Version     aptcache.Version
	IsCandidate bool
}

// Matcher resolves selector tokens into Results against a Cache.
type Matcher struct {
	Cache aptcache.Cache

	// NativeArch filters bare (non ":arch"-qualified) glob matches to the
	// system's own architecture, the way oma-pm's matchers do via
	// dpkg_arch.
	NativeArch string

	// FilterCandidate, when true (the default per §4.9), resolves a glob
	// or branch match to only the package's candidate version instead of
	// every version found.
	FilterCandidate bool

	// SelectDbg, when true, appends a package's "-dbg" companion at the
	// identical version if one exists, mirroring oma-pm's has_dbg/
	// match_debug_packages.
	SelectDbg bool
}

// ResolveAll matches every token in order, returning every Result found and
// every token that matched nothing, so the caller can decide whether an
// unresolved token is a warning or a hard error.
func (m *Matcher) ResolveAll(tokens []string) (matched []Result, unknown []string, err error) {
	for _, token := range tokens {
		res, rerr := m.Resolve(token)
		if rerr != nil {
			return nil, nil, rerr
		}
		if len(res) == 0 {
			unknown = append(unknown, token)
			continue
		}
		matched = append(matched, res...)
	}
	return matched, unknown, nil
}

// Resolve applies the four-rule priority order of §4.9 to one token.
func (m *Matcher) Resolve(token string) ([]Result, error) {
	switch {
	case strings.HasSuffix(token, ".deb"):
		return m.matchLocalGlob(token)
	case strings.Contains(token, "/"):
		return m.matchFromBranch(token)
	case strings.Contains(token, "="):
		return m.matchFromVersion(token)
	default:
		return m.matchGlob(token)
	}
}

// matchLocalGlob resolves a *.deb path glob against every known version's
// on-disk Filename — the Go analogue of oma-pm's virtual "file:" package
// trick, flattened since aptcache.Version already carries Filename
// directly instead of modelling a synthetic virtual package per file.
func (m *Matcher) matchLocalGlob(fileGlob string) ([]Result, error) {
	names, err := m.Cache.Names()
	if err != nil {
		return nil, err
	}

	var res []Result
	for _, name := range names {
		vs, err := m.Cache.Get(name)
		if err != nil {
			continue
		}
		for _, v := range vs {
			if v.Filename == "" {
				continue
			}
			ok, err := filepath.Match(fileGlob, filepath.Base(v.Filename))
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, fileGlob)
			}
			if ok {
				res = append(res, Result{Version: v})
			}
		}
	}
	return res, nil
}

// matchFromBranch resolves "name/branch": branch is the second path
// segment of a version's archive Filename (e.g. "main/o/oma/oma_1.0.deb"
// has branch "o"), matching oma-pm's RecordField::Filename.split('/').nth(1)
// rule exactly.
func (m *Matcher) matchFromBranch(pattern string) ([]Result, error) {
	name, branch, ok := strings.Cut(pattern, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}

	vs, err := m.Cache.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPackage, name)
	}

	var candidates []aptcache.Version
	for _, v := range vs {
		parts := strings.Split(v.Filename, "/")
		if len(parts) > 1 && parts[1] == branch {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return deb.CompareVersions(candidates[i].Version, candidates[j].Version) < 0
	})

	cand, _ := m.Cache.Candidate(name)

	var res []Result
	if m.FilterCandidate {
		highest := candidates[len(candidates)-1]
		res = append(res, Result{Version: highest, IsCandidate: highest.Version == cand.Version})
		m.appendDbgCompanion(name, highest, &res)
	} else {
		for _, v := range candidates {
			res = append(res, Result{Version: v, IsCandidate: v.Version == cand.Version})
			m.appendDbgCompanion(name, v, &res)
		}
	}
	return res, nil
}

// matchFromVersion resolves an exact "name=version".
func (m *Matcher) matchFromVersion(pattern string) ([]Result, error) {
	name, version, ok := strings.Cut(pattern, "=")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}

	vs, err := m.Cache.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPackage, name)
	}

	for _, v := range vs {
		if v.Version == version {
			res := []Result{{Version: v}}
			m.appendDbgCompanion(name, v, &res)
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %s=%s", ErrNoVersion, name, version)
}

// matchGlob resolves a bare glob over real package names. A pattern
// containing ":" matches the fully qualified "name:arch" form; otherwise
// it matches the bare name and is filtered to NativeArch.
func (m *Matcher) matchGlob(pattern string) ([]Result, error) {
	names, err := m.Cache.Names()
	if err != nil {
		return nil, err
	}
	qualified := strings.Contains(pattern, ":")

	// Group matching versions by real name, restricted to the arch the
	// pattern itself selected — so "candidate" below is computed within
	// the matched architecture, not across every arch the name happens to
	// have a version for.
	matchedByName := make(map[string][]aptcache.Version)
	seenPair := make(map[string]bool)
	var order []string

	for _, name := range names {
		vs, err := m.Cache.Get(name)
		if err != nil {
			continue
		}
		for _, v := range vs {
			target := v.Name
			if qualified {
				target = v.FullName()
			}
			ok, err := filepath.Match(pattern, target)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
			}
			if !ok {
				continue
			}
			if !qualified && v.Architecture != "" && v.Architecture != m.NativeArch {
				continue
			}

			dedupKey := v.Name + "\x00" + v.Version + "\x00" + v.Architecture
			if seenPair[dedupKey] {
				continue
			}
			seenPair[dedupKey] = true

			if _, ok := matchedByName[v.Name]; !ok {
				order = append(order, v.Name)
			}
			matchedByName[v.Name] = append(matchedByName[v.Name], v)
		}
	}
	sort.Strings(order)

	var res []Result
	for _, name := range order {
		vs := matchedByName[name]
		sort.Slice(vs, func(i, j int) bool {
			return deb.CompareVersions(vs[i].Version, vs[j].Version) < 0
		})
		highest := highestDownloadable(vs)

		if m.FilterCandidate {
			res = append(res, Result{Version: highest, IsCandidate: true})
			m.appendDbgCompanion(name, highest, &res)
			continue
		}

		for _, v := range vs {
			isCand := v.Version == highest.Version && v.Architecture == highest.Architecture
			res = append(res, Result{Version: v, IsCandidate: isCand})
			if isCand {
				m.appendDbgCompanion(name, v, &res)
			}
		}
	}

	// Candidates sort first, matching oma-pm's "ensure the array's first
	// entry is the candidate version" post-pass.
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].IsCandidate && !res[j].IsCandidate
	})

	return res, nil
}

// highestDownloadable returns the highest-versioned downloadable entry in
// an ascending-sorted slice, falling back to the highest overall if none
// are downloadable — the same rule aptcache.Memory.Candidate applies
// across a whole package, applied here to an already arch-filtered subset.
func highestDownloadable(vs []aptcache.Version) aptcache.Version {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].Downloadable {
			return vs[i]
		}
	}
	return vs[len(vs)-1]
}

// appendDbgCompanion appends name's "-dbg" companion at the identical
// version, if one exists and SelectDbg is set.
func (m *Matcher) appendDbgCompanion(name string, v aptcache.Version, res *[]Result) {
	if !m.SelectDbg {
		return
	}
	dbgVs, err := m.Cache.Get(name + "-dbg")
	if err != nil {
		return
	}
	for _, dv := range dbgVs {
		if dv.Version == v.Version {
			*res = append(*res, Result{Version: dv})
			return
		}
	}
}
