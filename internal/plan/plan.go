// Package plan is the Planner/Committer (§4.10): it turns matched
// selectors into cache marks, invokes the resolver, renders a reviewable
// Operation Plan, downloads archives, and drives the install stage under
// the system lock, narrating progress onto the Event Bus and recording a
// History Entry at the end.
package plan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/aptly-dev/aptly/deb"
	"github.com/cavaliergopher/grab/v3"

	"github.com/dionysius/oma-core/internal/aptcache"
	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/history"
	"github.com/dionysius/oma-core/internal/lock"
	"github.com/dionysius/oma-core/internal/match"
)

// State is one step of the transaction state machine:
// Planned → Confirmed → Downloaded → Locked → Configured → Committed → Recorded.
type State int

const (
	StatePlanned State = iota
	StateConfirmed
	StateDownloaded
	StateLocked
	StateConfigured
	StateCommitted
	StateRecorded
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "Planned"
	case StateConfirmed:
		return "Confirmed"
	case StateDownloaded:
		return "Downloaded"
	case StateLocked:
		return "Locked"
	case StateConfigured:
		return "Configured"
	case StateCommitted:
		return "Committed"
	case StateRecorded:
		return "Recorded"
	default:
		return "Unknown"
	}
}

var (
	ErrEmptyPlan           = errors.New("plan: nothing to do")
	ErrDiskSpaceInsuf      = errors.New("plan: insufficient disk space")
	ErrEssentialProtected  = errors.New("plan: refusing to remove an essential package without confirmation")
	ErrUnmetDependency     = errors.New("plan: unmet dependency")
	ErrCommitFailedAfterRetries = errors.New("plan: commit failed after all retries")
)

// EssentialConfirmPhrase is the literal string a user must type to remove
// an essential package, mirroring the original CLI's "Do as I say!" gate.
const EssentialConfirmPhrase = "Do as I say!"

// Totals summarizes byte-level impact for the disk-space check and the
// rendered plan header.
type Totals struct {
	DownloadBytes int64
	DiskDelta     int64 // positive = net growth, negative = net shrink
}

// Plan is the Operation Plan (§3): changed packages, sorted removes,
// installs, upgrades, downgrades, reinstalls, plus totals.
type Plan struct {
	Remove    []aptcache.Change
	Purge     []aptcache.Change
	Install   []aptcache.Change
	Upgrade   []aptcache.Change
	Downgrade []aptcache.Change
	Reinstall []aptcache.Change
	Totals    Totals
	State     State
}

// IsEmpty reports whether the plan has no changes at all.
func (p Plan) IsEmpty() bool {
	return len(p.Remove)+len(p.Purge)+len(p.Install)+len(p.Upgrade)+len(p.Downgrade)+len(p.Reinstall) == 0
}

// allChanges returns every change across every category, in the §4.10 §3
// presentation order: removes, installs, upgrades, downgrades, reinstalls.
func (p Plan) allChanges() []aptcache.Change {
	out := make([]aptcache.Change, 0, len(p.Remove)+len(p.Purge)+len(p.Install)+len(p.Upgrade)+len(p.Downgrade)+len(p.Reinstall))
	out = append(out, p.Remove...)
	out = append(out, p.Purge...)
	out = append(out, p.Install...)
	out = append(out, p.Upgrade...)
	out = append(out, p.Downgrade...)
	out = append(out, p.Reinstall...)
	return out
}

// Committer owns one transaction's lifecycle end to end.
type Committer struct {
	Cache              aptcache.Cache
	Matcher            *match.Matcher
	Bus                *bus.Bus
	Lock               *lock.Lock
	History            *history.Store
	ArchiveDir         string
	Concurrency        int                     // parallel archive downloads, defaults to 4
	ProtectEssentials  func(name string) bool  // returns true if name is essential and unconfirmed removal should be blocked
	ConfirmPhraseInput func() string           // prompts the user and returns what they typed; nil means non-interactive (always refuse)

	state State
}

// Build resolves selectors against the Matcher, marks the cache, and
// returns the Operation Plan without downloading or committing anything.
func (c *Committer) Build(ctx context.Context, installSelectors, removeSelectors []string, purge, fixBroken bool) (Plan, error) {
	c.state = StatePlanned

	for _, sel := range installSelectors {
		res, err := c.Matcher.Resolve(sel)
		if err != nil {
			return Plan{}, fmt.Errorf("plan: resolve %q: %w", sel, err)
		}
		for _, r := range res {
			if !r.IsCandidate && len(res) > 1 {
				continue
			}
			if err := c.Cache.MarkInstall(r.Version.Name, r.Version.Version); err != nil {
				return Plan{}, fmt.Errorf("plan: mark install %s: %w", r.Version.Name, err)
			}
		}
	}

	for _, sel := range removeSelectors {
		res, err := c.Matcher.Resolve(sel)
		if err != nil {
			return Plan{}, fmt.Errorf("plan: resolve %q: %w", sel, err)
		}
		for _, r := range res {
			if c.ProtectEssentials != nil && c.ProtectEssentials(r.Version.Name) {
				if !c.confirmEssentialRemoval(r.Version.Name) {
					return Plan{}, fmt.Errorf("%w: %s", ErrEssentialProtected, r.Version.Name)
				}
			}
			if err := c.Cache.MarkDelete(r.Version.Name, purge); err != nil {
				return Plan{}, fmt.Errorf("plan: mark delete %s: %w", r.Version.Name, err)
			}
		}
	}

	if err := c.Cache.Resolve(fixBroken); err != nil {
		return Plan{}, fmt.Errorf("%w: %w", ErrUnmetDependency, err)
	}

	changes, err := c.Cache.GetChanges()
	if err != nil {
		return Plan{}, err
	}

	p := classify(changes)
	p.Totals = computeTotals(c.Cache, changes)
	p.State = c.state
	if p.IsEmpty() {
		return p, ErrEmptyPlan
	}
	return p, nil
}

// confirmEssentialRemoval requires the user to type EssentialConfirmPhrase
// verbatim before an essential package removal proceeds; a nil
// ConfirmPhraseInput (non-interactive mode) always refuses.
func (c *Committer) confirmEssentialRemoval(name string) bool {
	if c.ConfirmPhraseInput == nil {
		return false
	}
	return strings.TrimSpace(c.ConfirmPhraseInput()) == EssentialConfirmPhrase
}

// classify buckets Changes by Mark into the plan's presentation order.
// A MarkInstall change goes to Install when nothing is installed, to
// Reinstall when the versions are equal, to Downgrade when NewVersion sorts
// below OldVersion under deb.CompareVersions, and to Upgrade otherwise.
func classify(changes []aptcache.Change) Plan {
	var p Plan
	for _, ch := range changes {
		switch ch.Mark {
		case aptcache.MarkDelete:
			p.Remove = append(p.Remove, ch)
		case aptcache.MarkPurge:
			p.Purge = append(p.Purge, ch)
		case aptcache.MarkReinstall:
			p.Reinstall = append(p.Reinstall, ch)
		case aptcache.MarkInstall:
			switch {
			case ch.OldVersion == "":
				p.Install = append(p.Install, ch)
			case ch.OldVersion == ch.NewVersion:
				p.Reinstall = append(p.Reinstall, ch)
			case deb.CompareVersions(ch.NewVersion, ch.OldVersion) < 0:
				p.Downgrade = append(p.Downgrade, ch)
			default:
				p.Upgrade = append(p.Upgrade, ch)
			}
		}
	}
	return p
}

// computeTotals sums download bytes for every package about to be
// installed/upgraded/downgraded/reinstalled.
func computeTotals(cache aptcache.Cache, changes []aptcache.Change) Totals {
	var t Totals
	for _, ch := range changes {
		if ch.Mark != aptcache.MarkInstall && ch.Mark != aptcache.MarkReinstall {
			continue
		}
		vs, err := cache.Get(ch.Name)
		if err != nil {
			continue
		}
		for _, v := range vs {
			if v.Version == ch.NewVersion {
				t.DownloadBytes += v.Size
				t.DiskDelta += v.Size
				break
			}
		}
	}
	return t
}

// CheckDiskSpace verifies free space on the archive directory covers the
// download total and free space on root covers the net install size, each
// with a 5% slack, per §4.10 step 4.
func (c *Committer) CheckDiskSpace(archiveFreeBytes, rootFreeBytes int64, totals Totals) error {
	const slack = 1.05
	need := int64(float64(totals.DownloadBytes) * slack)
	if archiveFreeBytes < need {
		return fmt.Errorf("%w: need %d bytes in archive dir, have %d", ErrDiskSpaceInsuf, need, archiveFreeBytes)
	}
	if totals.DiskDelta > 0 {
		needRoot := int64(float64(totals.DiskDelta) * slack)
		if rootFreeBytes < needRoot {
			return fmt.Errorf("%w: need %d bytes on root, have %d", ErrDiskSpaceInsuf, needRoot, rootFreeBytes)
		}
	}
	return nil
}

// archiveFilename computes "name_version-with-colons-escaped_arch.deb",
// URL-escaping the version's epoch colon to "%3a" per §4.10 step 6.
func archiveFilename(name, version, arch string) string {
	escaped := strings.ReplaceAll(url.PathEscape(version), ":", "%3a")
	return fmt.Sprintf("%s_%s_%s.deb", name, escaped, arch)
}

// DownloadArchives fetches every package about to be installed, upgraded,
// downgraded, or reinstalled via grab — the simple download
// path distinct from internal/fetch's streaming-verify mirror-failover
// path used for repository metadata.
func (c *Committer) DownloadArchives(ctx context.Context, changes []aptcache.Change) error {
	var toFetch []aptcache.Version
	for _, ch := range changes {
		if ch.Mark != aptcache.MarkInstall && ch.Mark != aptcache.MarkReinstall {
			continue
		}
		vs, err := c.Cache.Get(ch.Name)
		if err != nil {
			return err
		}
		for _, v := range vs {
			if v.Version == ch.NewVersion {
				toFetch = append(toFetch, v)
				break
			}
		}
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := grab.NewClient()
	pool := pond.NewResultPool[error](concurrency, pond.WithContext(ctx))
	group := pool.NewGroupContext(ctx)

	for _, v := range toFetch {
		if v.Filename == "" {
			continue
		}
		v := v
		group.SubmitErr(func() (error, error) {
			dest := filepath.Join(c.ArchiveDir, archiveFilename(v.Name, v.Version, v.Architecture))

			req, err := grab.NewRequest(dest, v.Filename)
			if err != nil {
				return nil, fmt.Errorf("plan: build request for %s: %w", v.Name, err)
			}
			req = req.WithContext(ctx)
			if v.SHA256 != "" {
				sum, err := hex.DecodeString(v.SHA256)
				if err != nil {
					return nil, fmt.Errorf("plan: decode sha256 for %s: %w", v.Name, err)
				}
				req.SetChecksum(sha256.New(), sum, true)
			}

			resp := client.Do(req)
			<-resp.Done
			if resp.Err() != nil {
				c.Bus.Send(bus.Event{Kind: bus.Failed, File: v.Name, Err: resp.Err()})
				return nil, fmt.Errorf("plan: download %s: %w", v.Name, resp.Err())
			}
			c.Bus.Send(bus.Event{Kind: bus.DownloadDone, File: v.Name, Total: resp.Size()})
			return nil, nil
		})
	}

	if _, err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.state = StateDownloaded
	return nil
}

// dpkgConfigureA runs "dpkg --configure -a" once, used to auto-recover
// from a previously interrupted dpkg run before the commit proceeds.
func dpkgConfigureA(sysroot string) error {
	cmd := exec.Command("dpkg", "--root="+sysroot, "--configure", "-a")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Commit acquires the install lock, auto-recovers from an interrupted
// dpkg, drives the cache's install stage with up to 3 attempts, and
// records a History Entry whether it succeeds or fails.
func (c *Committer) Commit(ctx context.Context, sysroot string, p Plan, dpkgInterrupted bool) error {
	if err := c.Lock.TryAcquire(); err != nil {
		return fmt.Errorf("plan: acquire install lock: %w", err)
	}
	defer func() { _ = c.Lock.Release() }()
	c.state = StateLocked

	if dpkgInterrupted {
		if err := dpkgConfigureA(sysroot); err != nil {
			return fmt.Errorf("plan: dpkg --configure -a: %w", err)
		}
	}
	c.state = StateConfigured

	start := time.Now().UTC()
	var commitErr error
	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		commitErr = c.Cache.DoInstall(func(percent int, message string) {
			c.Bus.Send(bus.Event{Kind: bus.ProgressInc, Message: message, Delta: int64(percent)})
		})
		if commitErr == nil {
			break
		}
		c.Bus.Send(bus.Event{Kind: bus.Failed, Message: message3(attempt, commitErr), Attempt: attempt, Err: commitErr})
	}

	success := commitErr == nil
	if success {
		c.state = StateCommitted
	}

	snapshot := make([]history.ChangeSnapshot, 0, len(p.allChanges()))
	for _, ch := range p.allChanges() {
		snapshot = append(snapshot, history.ChangeSnapshot{
			Name: ch.Name, Mark: ch.Mark, OldVersion: ch.OldVersion, NewVersion: ch.NewVersion,
		})
	}
	kind := history.KindInstall
	if len(p.Remove) > 0 || len(p.Purge) > 0 {
		kind = history.KindRemove
	}
	if len(p.Upgrade) > 0 {
		kind = history.KindUpgrade
	}

	if _, herr := c.History.Append(kind, start, time.Now().UTC(), snapshot, success); herr != nil {
		if success {
			return fmt.Errorf("plan: commit succeeded but history append failed: %w", herr)
		}
	}
	c.state = StateRecorded

	if !success {
		return fmt.Errorf("%w: %w", ErrCommitFailedAfterRetries, commitErr)
	}
	return nil
}

func message3(attempt int, err error) string {
	return fmt.Sprintf("commit attempt %d failed: %v", attempt, err)
}

// UnmetExplanation describes one reverse dependency blocking a resolver
// failure, per §4.10 step 2's classification.
type UnmetExplanation struct {
	Package    string
	DependsOn  string
	Op         string // one of <<, <=, <, =, >=, >>, >
	Required   string
	Kind       string // DepNotExist, Unmet, Breaks, Conflicts
}

// SortedExplanations returns explanations sorted by package name for
// stable tabular presentation.
func SortedExplanations(exps []UnmetExplanation) []UnmetExplanation {
	out := append([]UnmetExplanation(nil), exps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}
