// Package release parses and validates APT InRelease / Release manifests:
// RFC822 control-file paragraphs carrying a Date/Valid-Until window and a
// SHA256 manifest of the index files belonging to a distribution.
package release

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aptly-dev/aptly/deb"

	"github.com/dionysius/oma-core/internal/sig"
)

// FileType classifies a manifest entry by the index it names.
type FileType int

const (
	Unknown FileType = iota
	BinaryContents
	Contents
	CompressedContents
	PackageList
	CompressedPackageList
	Release
)

func (t FileType) String() string {
	switch t {
	case BinaryContents:
		return "BinaryContents"
	case Contents:
		return "Contents"
	case CompressedContents:
		return "CompressedContents"
	case PackageList:
		return "PackageList"
	case CompressedPackageList:
		return "CompressedPackageList"
	case Release:
		return "Release"
	default:
		return "Unknown"
	}
}

// ChecksumEntry is one line of the manifest's SHA256 section.
type ChecksumEntry struct {
	Name     string
	Size     int64
	SHA256   string
	FileType FileType
}

// Manifest is a parsed, time-window-validated InRelease or Release file.
type Manifest struct {
	Date        time.Time
	ValidUntil  time.Time
	HasValidity bool
	Entries     map[string]ChecksumEntry
}

var (
	ErrBadInReleaseData    = errors.New("release: missing or empty control stanza")
	ErrBadValidUntil       = errors.New("release: Valid-Until is not a parseable RFC-2822 date")
	ErrEarlierSignature    = errors.New("release: Date is after the local clock's current time")
	ErrExpiredSignature    = errors.New("release: Valid-Until has passed")
	ErrInReleaseSyntax     = errors.New("release: malformed control stanza")
	ErrBadChecksumEntry    = errors.New("release: SHA256 section entry is not \"<hex> <size> <name>\"")
	ErrSizeNotNumber       = errors.New("release: checksum entry size is not a non-negative integer")
	ErrUnsupportedFileType = errors.New("release: manifest entry does not match any known file type")
)

// dateFormats mirrors the tolerant parsing the teacher's InRelease reader
// uses: RFC 2822/1123 is the spec, but mirrors in the wild emit Unix `date`
// output or a numeric-offset variant.
var dateFormats = []string{
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon Jan _2 15:04:05 2006",
	"Mon Jan _2 15:04:05 2006 MST",
	time.RFC1123Z,
	time.RFC1123,
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, format := range dateFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// now is overridable in tests so the clock-window invariant can be exercised
// deterministically.
var now = time.Now

// Parse reads r (the already-verified cleartext body of an InRelease file,
// or the body half of a Release/Release.gpg pair) and produces a Manifest.
// arch is the target architecture used to filter manifest entries in step
// 5 of the classification algorithm; pass "" to skip arch filtering
// entirely (e.g. when parsing a source-only manifest).
func Parse(r io.Reader, arch string) (*Manifest, error) {
	reader := deb.NewControlFileReader(r, false, false)
	stanza, err := reader.ReadStanza()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInReleaseSyntax, err)
	}
	if stanza == nil || len(stanza) == 0 {
		return nil, ErrBadInReleaseData
	}

	m := &Manifest{Entries: make(map[string]ChecksumEntry)}

	if dateStr := stanza["Date"]; dateStr != "" {
		date, err := parseDate(dateStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInReleaseData, err)
		}
		m.Date = date
	}

	if validStr := stanza["Valid-Until"]; validStr != "" {
		validUntil, err := parseDate(validStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadValidUntil, err)
		}
		m.ValidUntil = validUntil
		m.HasValidity = true
	}

	current := now()
	if !m.Date.IsZero() && current.Before(m.Date) {
		return nil, ErrEarlierSignature
	}
	if m.HasValidity && current.After(m.ValidUntil) {
		return nil, ErrExpiredSignature
	}

	sha256Section := stanza["SHA256"]
	entries, err := parseChecksumSection(sha256Section)
	if err != nil {
		return nil, err
	}

	entries = filterByArch(entries, arch)

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrBadInReleaseData, e.Name)
		}
		seen[e.Name] = true

		e.FileType, err = classify(e.Name)
		if err != nil {
			return nil, err
		}
		m.Entries[e.Name] = e
	}

	return m, nil
}

func parseChecksumSection(section string) ([]ChecksumEntry, error) {
	if strings.TrimSpace(section) == "" {
		return nil, nil
	}

	fields := strings.Fields(section)
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("%w: %d fields", ErrBadChecksumEntry, len(fields))
	}

	entries := make([]ChecksumEntry, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		hash, sizeStr, name := fields[i], fields[i+1], fields[i+2]

		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: %q", ErrSizeNotNumber, sizeStr)
		}

		entries = append(entries, ChecksumEntry{Name: name, Size: size, SHA256: hash})
	}
	return entries, nil
}

// filterByArch drops entries whose name does not mention arch or "all",
// unless that would leave the set empty, in which case every entry is kept.
func filterByArch(entries []ChecksumEntry, arch string) []ChecksumEntry {
	if arch == "" {
		return entries
	}

	filtered := make([]ChecksumEntry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(e.Name, arch) || strings.Contains(e.Name, "all") {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return entries
	}
	return filtered
}

// classify applies the substring classification rules to a manifest entry
// name. Order matters: a more specific substring (e.g. "BinContents") must
// be checked before a more general one that would also match it.
func classify(name string) (FileType, error) {
	hasDot := strings.Contains(name, ".")

	switch {
	case strings.Contains(name, "BinContents"):
		return BinaryContents, nil
	case strings.Contains(name, "/Contents-") && hasDot:
		return CompressedContents, nil
	case strings.Contains(name, "/Contents-") && !hasDot:
		return Contents, nil
	case strings.Contains(name, "Packages") && !hasDot:
		return PackageList, nil
	case strings.Contains(name, "Packages") && hasDot:
		return CompressedPackageList, nil
	case strings.Contains(name, "Release"):
		return Release, nil
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrUnsupportedFileType, name)
	}
}

// SortedNames returns the manifest's entry names in sorted order, useful for
// deterministic iteration (e.g. when enqueuing fetch tasks).
func (m *Manifest) SortedNames() []string {
	names := make([]string, 0, len(m.Entries))
	for name := range m.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseVerified is a convenience wrapper that runs the §4.2 cleartext
// verification step before parsing: it opens the already-fetched InRelease
// file through v and feeds the resulting body to Parse.
func ParseVerified(r io.ReadSeeker, v *sig.Verifier, arch string) (*Manifest, error) {
	body, _, err := v.VerifyClearsigned(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	return Parse(body, arch)
}

// ParseVerifiedDetached is ParseVerified's counterpart for a plain Release
// file paired with a detached Release.gpg: it verifies body against
// signature before parsing, the other half of §4.7 Phase 1's fallback.
func ParseVerifiedDetached(body io.Reader, signature io.Reader, v *sig.Verifier, arch string) (*Manifest, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("release: read body: %w", err)
	}

	if _, err := v.VerifyDetached(bytes.NewReader(buf), signature); err != nil {
		return nil, err
	}

	return Parse(bytes.NewReader(buf), arch)
}
