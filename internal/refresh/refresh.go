// Package refresh is the Refresh Engine (§4.7): it drives metadata updates
// in three phases — fetch every configured source's InRelease/Release file,
// parse and verify each one, then fetch the index files (Packages/
// Contents/BinContents) the parsed manifests say are needed — handing every
// actual transfer to internal/fetch and narrating progress over
// internal/bus, the same separation of concerns oma-refresh's own db.rs
// draws between source scanning, InRelease parsing, and OmaFetcher.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/checksum"
	"github.com/dionysius/oma-core/internal/fetch"
	"github.com/dionysius/oma-core/internal/release"
	"github.com/dionysius/oma-core/internal/sig"
	"github.com/dionysius/oma-core/internal/source"
)

var ErrNoInReleaseFile = errors.New("refresh: remote InRelease/Release not found")

// mips64r6elArch is the one architecture whose mirrors only publish
// uncompressed Packages/Contents indices; every other architecture prefers
// the compressed sibling.
const mips64r6elArch = "mips64r6el"

// ClosedTopicChecker lets the Refresh Engine treat a 404 on a topic's
// InRelease as expected fallout from the topic having just been closed,
// rather than a hard failure — the same special-casing oma-refresh's
// update_db performs against oma_topics::scan_closed_topic.
//
// internal/topic's Manager implements this; it is accepted here as an
// interface so this package doesn't need to import internal/topic.
type ClosedTopicChecker interface {
	IsClosed(suite string) bool
}

// VerifierFor resolves the signature verifier to use for one Entry,
// letting a caller cache/build keyrings per distinct trust-dir+signed-by
// combination instead of this package reaching into configuration itself.
type VerifierFor func(e *source.Entry) (*sig.Verifier, error)

// Options configures an Engine.
type Options struct {
	Arch         string
	DownloadDir  string
	ClosedTopics ClosedTopicChecker // optional
	VerifierFor  VerifierFor
}

// Engine runs the three-phase refresh described in §4.7.
type Engine struct {
	fetcher  *fetch.Fetcher
	bus      *bus.Bus
	opts     Options
	filename *source.FilenameReplacer
}

// New builds an Engine over an already-configured Fetcher. eventBus is the
// same bus the Fetcher narrates its downloads on; the Engine publishes to it
// too, for phase-level events the Fetcher itself has no opinion about (e.g.
// a topic being skipped because it just closed).
func New(fetcher *fetch.Fetcher, eventBus *bus.Bus, opts Options) *Engine {
	return &Engine{
		fetcher:  fetcher,
		bus:      eventBus,
		opts:     opts,
		filename: source.NewFilenameReplacer(),
	}
}

// SourceFailure records one dist-path's InRelease/Release fetch or parse
// failure that did not abort the whole refresh (because it was absorbed by
// the flat-repository or closed-topic policy, it is recorded but not
// returned as an error).
type SourceFailure struct {
	DistPath string
	Err      error
}

// Report summarizes one Refresh call.
type Report struct {
	Fetched  []string // dist paths whose InRelease/Release was fetched and parsed
	Skipped  []SourceFailure
	IndexLen int // number of index files fetched in phase 3
}

// Refresh runs all three phases against entries, which may mix multiple
// components/architectures sharing a dist path — GroupByDistPath collapses
// those into one InRelease/Release fetch each.
func (e *Engine) Refresh(ctx context.Context, entries []*source.Entry) (*Report, error) {
	groups := source.GroupByDistPath(entries)

	type group struct {
		distPath string
		entries  []*source.Entry
	}
	ordered := make([]group, 0, len(groups))
	for dp, es := range groups {
		ordered = append(ordered, group{distPath: dp, entries: es})
	}

	report := &Report{}

	releaseTasks := make([]fetch.Task, 0, len(ordered))
	for i, g := range ordered {
		rep := g.entries[0]
		kind, err := rep.Kind()
		if err != nil {
			return nil, err
		}

		sources := releaseSources(rep, kind)
		msg, err := rep.HumanDownloadURL(releaseFileName(rep))
		if err != nil {
			return nil, err
		}

		releaseTasks = append(releaseTasks, fetch.Task{
			Sources:     sources,
			Dir:         e.opts.DownloadDir,
			Filename:    mustFilename(e.filename, sources[0].URL),
			AllowResume: false,
			Message:     fmt.Sprintf("%s %s", msg, releaseFileName(rep)),
			Index:       i,
		})
	}

	summaries, err := e.fetcher.Download(ctx, releaseTasks)
	if err != nil {
		return nil, err
	}

	var indexTasks []fetch.Task
	taskIndex := 0
	for i, g := range ordered {
		rep := g.entries[0]
		summary := summaries[i]
		if summary.Filename == "" {
			failure := SourceFailure{DistPath: g.distPath, Err: fmt.Errorf("%w: %s", ErrNoInReleaseFile, g.distPath)}

			// A flat repo may legitimately ship only Packages with no release
			// file at all; that is never fatal, regardless of topic status.
			if rep.IsFlat() {
				slog.Debug("refresh: flat source has no release file, skipping", "dist", g.distPath)
				e.bus.Send(bus.Event{Kind: bus.NextURL, File: g.distPath, Err: failure.Err})
				report.Skipped = append(report.Skipped, failure)
				continue
			}

			if e.opts.ClosedTopics != nil && e.opts.ClosedTopics.IsClosed(rep.SuiteResolved()) {
				slog.Debug("refresh: skipping closed topic", "suite", rep.SuiteResolved())
				e.bus.Send(bus.Event{Kind: bus.NextURL, File: g.distPath, Err: failure.Err})
				report.Skipped = append(report.Skipped, failure)
				continue
			}
			return nil, failure.Err
		}

		kind, err := rep.Kind()
		if err != nil {
			return nil, err
		}
		manifest, err := e.parseManifest(ctx, rep, kind, filepath.Join(e.opts.DownloadDir, summary.Filename), summary)
		if err != nil {
			return nil, fmt.Errorf("refresh: parse %s: %w", g.distPath, err)
		}
		report.Fetched = append(report.Fetched, g.distPath)

		tasks, err := e.planIndexTasks(rep, g.entries, manifest, &taskIndex)
		if err != nil {
			return nil, err
		}
		indexTasks = append(indexTasks, tasks...)
	}

	if len(indexTasks) > 0 {
		if _, err := e.fetcher.Download(ctx, indexTasks); err != nil {
			return nil, err
		}
	}
	report.IndexLen = len(indexTasks)

	return report, nil
}

// releaseSources returns the InRelease/Release mirror list for one dist
// path's release-file task, in the order fetch.Fetcher should try them.
// Flat repos only ever publish Release (they may ship no release file at
// all); normal repos try InRelease first and fall back to Release on a 404,
// which is exactly what fetch.Task.Sources' existing mirror-failover loop
// already does given a second entry.
func releaseSources(e *source.Entry, kind source.Kind) []fetch.DownloadSource {
	if e.IsFlat() {
		return []fetch.DownloadSource{{URL: strings.TrimSuffix(e.DistPath(), "/") + "/Release", Kind: kind}}
	}
	return []fetch.DownloadSource{
		{URL: e.DistPath() + "/InRelease", Kind: kind},
		{URL: e.DistPath() + "/Release", Kind: kind},
	}
}

func releaseGPGPath(e *source.Entry) string {
	if e.IsFlat() {
		return strings.TrimSuffix(e.DistPath(), "/") + "/Release.gpg"
	}
	return e.DistPath() + "/Release.gpg"
}

func releaseFileName(e *source.Entry) string {
	if e.IsFlat() {
		return "Release"
	}
	return "InRelease"
}

// usesClearsign reports whether the fetched release file is the
// self-contained clearsigned InRelease variant (mirror index 0 of a
// two-source task) rather than the plain Release that pairs with a
// separate detached Release.gpg. Flat repos never fetch InRelease.
func usesClearsign(e *source.Entry, summary fetch.Summary) bool {
	return !e.IsFlat() && summary.UsedMirrorIndex == 0
}

func mustFilename(r *source.FilenameReplacer, url string) string {
	name, err := r.Replace(url)
	if err != nil {
		return filepath.Base(url)
	}
	return name
}

// parseManifest parses the release file fetched for entry. Which of the two
// §4.7 Phase 1 verification modes applies depends on which mirror actually
// answered: the clearsigned InRelease carries its own signature, while a
// plain Release needs its detached Release.gpg fetched separately and
// verified against the body before parsing — unless the source is trusted,
// in which case enforcement is skipped entirely either way.
func (e *Engine) parseManifest(ctx context.Context, entry *source.Entry, kind source.Kind, path string, summary fetch.Summary) (*release.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("refresh: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if e.opts.VerifierFor == nil {
		return release.Parse(f, e.opts.Arch)
	}

	verifier, err := e.opts.VerifierFor(entry)
	if err != nil {
		return nil, err
	}

	if usesClearsign(entry, summary) {
		return release.ParseVerified(f, verifier, e.opts.Arch)
	}

	if verifier.AcceptUnsigned {
		return release.Parse(f, e.opts.Arch)
	}

	gpgPath := releaseGPGPath(entry)
	gpgSummaries, err := e.fetcher.Download(ctx, []fetch.Task{{
		Sources:     []fetch.DownloadSource{{URL: gpgPath, Kind: kind}},
		Dir:         e.opts.DownloadDir,
		Filename:    mustFilename(e.filename, gpgPath),
		AllowResume: false,
		Message:     gpgPath,
	}})
	if err != nil {
		return nil, err
	}
	if gpgSummaries[0].Filename == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoInReleaseFile, gpgPath)
	}

	sigFile, err := os.Open(filepath.Join(e.opts.DownloadDir, gpgSummaries[0].Filename))
	if err != nil {
		return nil, fmt.Errorf("refresh: open %s: %w", gpgPath, err)
	}
	defer func() { _ = sigFile.Close() }()

	return release.ParseVerifiedDetached(f, sigFile, verifier, e.opts.Arch)
}

// componentOf returns a checksum entry's leading path component, e.g.
// "main" from "main/binary-amd64/Packages.gz" — empty for a flat repo
// entry with no path separator.
func componentOf(name string) string {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i]
	}
	return ""
}

func (e *Engine) planIndexTasks(rep *source.Entry, entries []*source.Entry, manifest *release.Manifest, nextIndex *int) ([]fetch.Task, error) {
	components := make(map[string]bool)
	for _, en := range entries {
		for _, c := range en.Components {
			components[c] = true
		}
	}

	kind, err := rep.Kind()
	if err != nil {
		return nil, err
	}

	var tasks []fetch.Task
	for _, name := range manifest.SortedNames() {
		ent := manifest.Entries[name]
		if rep.IsFlat() {
			if ent.FileType != release.PackageList {
				continue
			}
		} else {
			if !components[componentOf(ent.Name)] {
				continue
			}
			switch ent.FileType {
			case release.BinaryContents:
				// always wanted
			case release.Contents, release.PackageList:
				if e.opts.Arch != mips64r6elArch {
					continue
				}
			case release.CompressedContents, release.CompressedPackageList:
				if e.opts.Arch == mips64r6elArch {
					continue
				}
			default:
				continue
			}
		}

		// Packages.gz is downloaded compressed but extracted to plain
		// "Packages" before use, so it is verified against the uncompressed
		// entry's own checksum — a separate line in the same manifest —
		// rather than against the .gz file's bytes. Contents.gz is kept
		// compressed as-is and verified against its own checksum instead,
		// matching oma-refresh's db.rs hash-selection rule.
		extract := ent.FileType == release.CompressedPackageList
		hash := ent.SHA256
		if extract {
			if uncompressed, ok := manifest.Entries[strings.TrimSuffix(ent.Name, filepath.Ext(ent.Name))]; ok {
				hash = uncompressed.SHA256
			}
		}

		filePath := rep.DistPath() + "/" + ent.Name

		msg, err := rep.HumanDownloadURL(humanFileType(ent.FileType))
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, fetch.Task{
			Sources:        []fetch.DownloadSource{{URL: filePath, Kind: kind}},
			Dir:            e.opts.DownloadDir,
			Filename:       mustFilename(e.filename, filePath),
			ExpectedSHA256: normalizeHash(hash),
			AllowResume:    false,
			Extract:        extract,
			Size:           ent.Size,
			Message:        msg,
			Index:          *nextIndex,
		})
		*nextIndex++
	}
	return tasks, nil
}

func humanFileType(t release.FileType) string {
	switch t {
	case release.CompressedContents, release.Contents:
		return "Contents"
	case release.CompressedPackageList, release.PackageList:
		return "Package List"
	case release.BinaryContents:
		return "BinContents"
	default:
		return t.String()
	}
}

func normalizeHash(h string) string {
	return strings.ToLower(h)
}

// VerifyChecksumAlgo is the only digest algorithm InRelease files carry that
// this engine currently trusts for index-file validation.
const VerifyChecksumAlgo = checksum.SHA256
