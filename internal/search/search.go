// Package search is the Search module (§4.14): three interchangeable
// backends over the APT cache — an n-gram index, a Levenshtein-style
// similarity ranker, and a plain substring matcher — each returning
// Results sorted by install status and match quality.
package search

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/dionysius/oma-core/internal/aptcache"
)

// Status is a Result's install state relative to the candidate version.
type Status int

const (
	StatusAvail Status = iota
	StatusInstalled
	StatusUpgrade
)

// Result is one matched package, shaped after the original CLI's
// SearchResult so the rendering layer (a table or JSON) needs no further
// lookups against the cache.
type Result struct {
	Name        string
	IsBase      bool // true if this is a real package rather than a virtual-provides hit
	Status      Status
	OldVersion  string // populated only when Status == StatusUpgrade
	NewVersion  string
	Description string
	DbgPackage  bool
	FullMatch   bool
}

// Backend is one of the three interchangeable search engines.
type Backend interface {
	Search(keywords []string) ([]Result, error)
}

// buildResult turns a package's candidate Version plus its installed
// Version (if any) into a Result, the common step every backend performs
// once it has decided a name matches.
func buildResult(cache aptcache.Cache, name string, fullMatch bool) (Result, bool) {
	vs, err := cache.Get(name)
	if err != nil || len(vs) == 0 {
		return Result{}, false
	}
	// A "-dbg" package is reported through its base package's DbgPackage
	// flag rather than as a result of its own.
	if strings.HasSuffix(name, "-dbg") {
		return Result{}, false
	}

	cand, err := cache.Candidate(name)
	if err != nil {
		cand = vs[0]
	}

	var installed *aptcache.Version
	for i := range vs {
		if vs[i].Installed {
			installed = &vs[i]
			break
		}
	}

	r := Result{
		Name:        name,
		IsBase:      true,
		NewVersion:  cand.Version,
		Description: cand.Description,
		FullMatch:   fullMatch,
	}

	switch {
	case installed == nil:
		r.Status = StatusAvail
	case installed.Version == cand.Version:
		r.Status = StatusInstalled
	default:
		r.Status = StatusUpgrade
		r.OldVersion = installed.Version
	}

	if dbg, err := cache.Get(name + "-dbg"); err == nil && len(dbg) > 0 {
		r.DbgPackage = true
	}

	return r, true
}

// sortByStatusThenMatch orders a fully built result set the way the
// original text backend does for multi-keyword queries: by descending
// install status (Upgrade > Installed > Avail), then full matches first
// within each status.
func sortByStatusThenMatch(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Status != results[j].Status {
			return results[i].Status > results[j].Status
		}
		return results[i].FullMatch && !results[j].FullMatch
	})
}

// Substring is the "Text" backend: a plain case-insensitive substring
// match against the package name or description.
type Substring struct {
	Cache aptcache.Cache
}

func (s *Substring) Search(keywords []string) ([]Result, error) {
	names, err := s.Cache.Names()
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, keyword := range keywords {
		lower := strings.ToLower(keyword)
		for _, name := range names {
			vs, err := s.Cache.Get(name)
			if err != nil || len(vs) == 0 {
				continue
			}
			desc := strings.ToLower(vs[0].Description)
			nameLower := strings.ToLower(name)
			if !strings.Contains(nameLower, lower) && !strings.Contains(desc, lower) {
				continue
			}
			r, ok := buildResult(s.Cache, name, nameLower == lower)
			if ok {
				results = append(results, r)
			}
		}
	}

	if len(keywords) > 1 {
		sortByStatusThenMatch(results)
	}
	return results, nil
}

// Similarity is the "StrSim" backend: ranks every known package name by
// Levenshtein-style closeness to the joined keyword string, keeping only
// names fuzzy.Match considers a subsequence match.
type Similarity struct {
	Cache aptcache.Cache
}

func (s *Similarity) Search(keywords []string) ([]Result, error) {
	names, err := s.Cache.Names()
	if err != nil {
		return nil, err
	}

	query := strings.ToLower(strings.Join(keywords, " "))

	type scored struct {
		result Result
		rank   int
	}
	var matches []scored
	for _, name := range names {
		lower := strings.ToLower(name)
		if !fuzzy.Match(query, lower) {
			continue
		}
		r, ok := buildResult(s.Cache, name, lower == query)
		if !ok {
			continue
		}
		matches = append(matches, scored{result: r, rank: fuzzy.RankMatch(query, lower)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].result.Status > matches[j].result.Status
	})

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = m.result
	}
	return results, nil
}

// NGram is the "Indicium" backend: an index of trigram shingles over
// every package name and description, built once via NewNGram and reused
// across repeated searches without re-scanning the cache each time.
type NGram struct {
	cache aptcache.Cache
	index map[string]map[string]bool // trigram -> set of package names
}

const ngramSize = 3

// NewNGram builds a trigram index over the cache's current contents.
func NewNGram(cache aptcache.Cache) (*NGram, error) {
	names, err := cache.Names()
	if err != nil {
		return nil, err
	}

	idx := &NGram{cache: cache, index: make(map[string]map[string]bool)}
	for _, name := range names {
		vs, err := cache.Get(name)
		if err != nil || len(vs) == 0 {
			continue
		}
		text := strings.ToLower(name + " " + vs[0].Description)
		for _, gram := range shingles(text, ngramSize) {
			if idx.index[gram] == nil {
				idx.index[gram] = make(map[string]bool)
			}
			idx.index[gram][name] = true
		}
	}
	return idx, nil
}

func shingles(text string, n int) []string {
	if len(text) < n {
		return []string{text}
	}
	out := make([]string, 0, len(text)-n+1)
	for i := 0; i+n <= len(text); i++ {
		out = append(out, text[i:i+n])
	}
	return out
}

func (idx *NGram) Search(keywords []string) ([]Result, error) {
	query := strings.ToLower(strings.Join(keywords, " "))
	grams := shingles(query, ngramSize)

	hits := make(map[string]int)
	for _, g := range grams {
		for name := range idx.index[g] {
			hits[name]++
		}
	}

	names := make([]string, 0, len(hits))
	for name := range hits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if hits[names[i]] != hits[names[j]] {
			return hits[names[i]] > hits[names[j]]
		}
		return names[i] < names[j]
	})

	var results []Result
	for _, name := range names {
		r, ok := buildResult(idx.cache, name, strings.ToLower(name) == query)
		if ok {
			results = append(results, r)
		}
	}
	return results, nil
}
