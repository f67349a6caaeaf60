package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind is the transport an Entry's URL resolves to.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTTP
	KindLocal
)

var (
	ErrUnsupportedProtocol = errors.New("source: unsupported URL scheme")
	ErrInvalidURL          = errors.New("source: invalid URL")
)

// Entry is one normalised sources.list / sources.list.d stanza: a uniform
// record with the architecture token already resolved and the dist path
// already derived, regardless of whether it came from one-line or deb822
// syntax.
//
// Exactly one of IsFlat() or len(Components) != 0 holds, enforced at
// construction: a source with no components is a flat repository (it ships
// Packages directly under its suite path instead of under dists/<suite>).
type Entry struct {
	RawURL     string
	Suite      string
	Components []string
	Archs      []string // optional restriction; empty means "no restriction"
	Trusted    bool
	SignedBy   string // inline key or path reference, empty if none
	IsSource   bool

	arch     string
	url      string
	suite    string
	distPath string
}

// NewEntry builds an Entry, substituting $(ARCH) in the URL and suite and
// memoizing the derived URL, suite, and dist path once.
func NewEntry(rawURL, suite string, components, archs []string, trusted bool, signedBy string, isSource bool, arch string) *Entry {
	e := &Entry{
		RawURL:     rawURL,
		Suite:      suite,
		Components: components,
		Archs:      archs,
		Trusted:    trusted,
		SignedBy:   signedBy,
		IsSource:   isSource,
		arch:       arch,
	}
	e.url = strings.ReplaceAll(rawURL, "$(ARCH)", arch)
	e.suite = strings.ReplaceAll(suite, "$(ARCH)", arch)
	e.distPath = computeDistPath(e.url, e.suite, e.IsFlat())
	return e
}

// IsFlat reports whether this entry is a flat repository (no components).
func (e *Entry) IsFlat() bool {
	return len(e.Components) == 0
}

// URL returns the $(ARCH)-resolved URL.
func (e *Entry) URL() string {
	return e.url
}

// SuiteResolved returns the $(ARCH)-resolved suite.
func (e *Entry) SuiteResolved() string {
	return e.suite
}

// DistPath returns the derived path at which this entry's InRelease/Release
// (or, for a flat repo, Packages) file is expected to live.
//
// For a normal repo this is "{url}/dists/{suite}"; for a flat repo it is
// "{url}{suite}" with separator handling that preserves slashes and dots in
// the suite verbatim, matching APT's own byte-for-byte rule so the §4.5
// filename replacer resolves to the same name APT itself would use.
func (e *Entry) DistPath() string {
	return e.distPath
}

func computeDistPath(url, suite string, flat bool) string {
	if !flat {
		return strings.TrimSuffix(url, "/") + "/dists/" + suite
	}

	switch {
	case suite == "/":
		if !strings.HasSuffix(url, "/") {
			return url + suite
		}
		return url
	case strings.HasSuffix(url, "/"):
		return url + suite
	default:
		return url + "/" + suite
	}
}

// Kind classifies the entry's URL scheme, failing for anything other than
// http(s) or file.
func (e *Entry) Kind() (Kind, error) {
	u, err := url.Parse(e.url)
	if err != nil {
		return KindUnknown, fmt.Errorf("%w: %s", ErrInvalidURL, e.url)
	}
	switch u.Scheme {
	case "file":
		return KindLocal, nil
	case "http", "https":
		return KindHTTP, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, u.Scheme)
	}
}

// HumanDownloadURL renders a short "host:suite[ file]" label for progress
// messages, falling back to the URL's path when it has no host (e.g. a
// file:// source).
func (e *Entry) HumanDownloadURL(fileName string) (string, error) {
	u, err := url.Parse(e.url)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, e.url)
	}

	host := u.Host
	if host == "" {
		host = u.Path
	}

	s := host + ":" + e.suite
	if fileName != "" {
		s += " " + fileName
	}
	return s, nil
}

// GroupByDistPath groups entries that share a dist path (and therefore a
// single release file) so the Refresh Engine fetches it once regardless of
// how many component-only-differing lines reference it.
func GroupByDistPath(entries []*Entry) map[string][]*Entry {
	groups := make(map[string][]*Entry)
	for _, e := range entries {
		groups[e.DistPath()] = append(groups[e.DistPath()], e)
	}
	return groups
}

// UnsupportedFile is reported (not errored) for a sources.list.d entry this
// parser does not recognise and that isn't covered by an ignore pattern.
type UnsupportedFile struct {
	Path string
}

// ScanResult is the outcome of scanning a sysroot's sources.list and
// sources.list.d directory.
type ScanResult struct {
	Entries     []*Entry
	Unsupported []UnsupportedFile
}

// Scan reads ${sysroot}/etc/apt/sources.list and every regular file under
// ${sysroot}/etc/apt/sources.list.d/, resolving $(ARCH) against arch.
// Files whose extension isn't ".list" (one-line style) or ".sources"
// (deb822 style) are reported via Unsupported unless their basename
// matches one of ignorePatterns (regular expressions, mirroring APT's
// Dir::Ignore-Files-Silently configuration).
func Scan(sysroot, arch string, ignorePatterns []string) (*ScanResult, error) {
	ignores := make([]*regexp.Regexp, 0, len(ignorePatterns))
	for _, p := range ignorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("source: compile ignore pattern %q: %w", p, err)
		}
		ignores = append(ignores, re)
	}

	result := &ScanResult{}

	main := filepath.Join(sysroot, "etc/apt/sources.list")
	if _, err := os.Stat(main); err == nil {
		entries, err := parseFile(main, arch)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, entries...)
	}

	dir := filepath.Join(sysroot, "etc/apt/sources.list.d")
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("source: read %s: %w", dir, err)
	}

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(dir, name)

		switch filepath.Ext(name) {
		case ".list":
			entries, err := parseFile(path, arch)
			if err != nil {
				return nil, err
			}
			result.Entries = append(result.Entries, entries...)
		case ".sources":
			entries, err := parseDeb822File(path, arch)
			if err != nil {
				return nil, err
			}
			result.Entries = append(result.Entries, entries...)
		default:
			if matchesAny(ignores, name) {
				continue
			}
			result.Unsupported = append(result.Unsupported, UnsupportedFile{Path: path})
		}
	}

	return result, nil
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// parseFile parses classic one-line sources.list syntax:
//
//	deb [option=value ...] url suite [component ...]
//	deb-src [option=value ...] url suite [component ...]
func parseFile(path, arch string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		isSource := fields[0] == "deb-src"
		if fields[0] != "deb" && !isSource {
			continue
		}
		fields = fields[1:]

		var trusted bool
		var signedBy string
		var archs []string
		for len(fields) > 0 && strings.HasPrefix(fields[0], "[") {
			opt := strings.TrimSuffix(strings.TrimPrefix(fields[0], "["), "]")
			for _, kv := range strings.Fields(opt) {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					fields = fields[1:]
					continue
				}
				switch k {
				case "trusted":
					trusted = v == "yes"
				case "signed-by":
					signedBy = v
				case "arch":
					archs = strings.Split(v, ",")
				}
			}
			fields = fields[1:]
		}

		if len(fields) < 2 {
			continue
		}
		url := fields[0]
		suite := fields[1]
		components := fields[2:]

		entries = append(entries, NewEntry(url, suite, components, archs, trusted, signedBy, isSource, arch))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("source: scan %s: %w", path, err)
	}
	return entries, nil
}

// parseDeb822File parses RFC822-style deb822 .sources stanzas, one stanza
// per repository, separated by blank lines.
func parseDeb822File(path, arch string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stanzas, err := readDeb822Stanzas(f)
	if err != nil {
		return nil, fmt.Errorf("source: parse %s: %w", path, err)
	}

	var entries []*Entry
	for _, stanza := range stanzas {
		if strings.EqualFold(stanza["Enabled"], "no") {
			continue
		}

		urls := strings.Fields(stanza["URIs"])
		suites := strings.Fields(stanza["Suites"])
		components := strings.Fields(stanza["Components"])
		archs := strings.Fields(stanza["Architectures"])
		trusted := strings.EqualFold(stanza["Trusted"], "yes")
		signedBy := stanza["Signed-By"]

		types := strings.Fields(stanza["Types"])
		if len(types) == 0 {
			types = []string{"deb"}
		}

		for _, u := range urls {
			for _, suite := range suites {
				for _, t := range types {
					entries = append(entries, NewEntry(u, suite, components, archs, trusted, signedBy, t == "deb-src", arch))
				}
			}
		}
	}
	return entries, nil
}

// readDeb822Stanzas splits r into RFC822 paragraphs, folding continuation
// lines (leading whitespace) into the previous field's value.
func readDeb822Stanzas(r io.Reader) ([]map[string]string, error) {
	var stanzas []map[string]string
	current := map[string]string{}
	var lastKey string

	flush := func() {
		if len(current) > 0 {
			stanzas = append(stanzas, current)
			current = map[string]string{}
			lastKey = ""
		}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			current[lastKey] = strings.TrimSpace(current[lastKey] + " " + trimmed)
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		current[key] = strings.TrimSpace(value)
		lastKey = key
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return stanzas, nil
}
