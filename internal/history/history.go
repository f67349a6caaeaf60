// Package history is the History Store (§4.12): an append-only log of
// transactions with enough information to reconstruct an "undo" plan, plus
// the §3-supplemented blackbox-style diagnostic dump used to aid bug
// reports after a failed commit.
package history

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dionysius/oma-core/internal/aptcache"
)

// Kind is the transaction type recorded for one Entry.
type Kind string

const (
	KindInstall     Kind = "install"
	KindUpgrade     Kind = "upgrade"
	KindRemove      Kind = "remove"
	KindUndo        Kind = "undo"
	KindTopicChange Kind = "topic-change"
	KindFixBroken   Kind = "fix-broken"
)

// ChangeSnapshot mirrors one aptcache.Change as recorded in history — a
// plain copy rather than a live reference, since the cache that produced
// it no longer exists by the time an entry is read back.
type ChangeSnapshot struct {
	Name       string        `json:"name"`
	Mark       aptcache.Mark `json:"mark"`
	OldVersion string        `json:"old_version,omitempty"`
	NewVersion string        `json:"new_version,omitempty"`
}

// Entry is one recorded transaction, append-only once written.
type Entry struct {
	ID      string           `json:"id"`
	Seq     int              `json:"seq"` // monotonic, assigned by Append
	StartTS time.Time        `json:"start_ts"`
	EndTS   time.Time        `json:"end_ts"`
	Kind    Kind             `json:"kind"`
	Plan    []ChangeSnapshot `json:"plan"`
	Success bool             `json:"success"`
}

var ErrNotFound = errors.New("history: entry not found")

// Store is an append-only JSON-lines log at dir/history.db, guarded by a
// mutex for the read-modify-append cycle the way the teacher's Storage
// protects its redirects.yaml sidecar.
type Store struct {
	path string
	mu   sync.Mutex
}

// New opens a Store rooted at dir (typically var/lib/oma under the
// sysroot). The log file is created lazily on the first Append.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, "history.db")}
}

// nextID derives a collision-resistant correlation token for entry seq,
// hashed from the sequence number, kind, and start time — Seq itself is
// the monotonic ordering key; ID is what commands and "oma undo <id>"
// reference.
func nextID(seq int, kind Kind, startTS time.Time) string {
	h := blake3.New()
	_, _ = fmt.Fprintf(h, "%d:%s:%d", seq, kind, startTS.UnixNano())
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Append writes one entry to the log, assigning it Seq and ID, and returns
// the populated Entry.
func (s *Store) Append(kind Kind, startTS, endTS time.Time, plan []ChangeSnapshot, success bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAllLocked()
	if err != nil {
		return Entry{}, err
	}

	seq := len(entries)
	entry := Entry{
		ID:      nextID(seq, kind, startTS),
		Seq:     seq,
		StartTS: startTS,
		EndTS:   endTS,
		Kind:    kind,
		Plan:    plan,
		Success: success,
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Entry{}, fmt.Errorf("history: mkdir: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("history: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("history: marshal entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Entry{}, fmt.Errorf("history: append entry: %w", err)
	}

	return entry, nil
}

func (s *Store) readAllLocked() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read log: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// List returns every entry in reverse chronological order (most recent
// first).
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Get reads one entry by ID.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAllLocked()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// InversePlan is the undo command's input to the Planner: the marks that,
// applied and committed, reverse a recorded Entry.
type InversePlan struct {
	SourceID string
	Changes  []ChangeSnapshot
}

// Invert reads entry id and produces its inverse: installs become removes,
// removes become installs at the recorded prior version, upgrades become
// downgrades to the recorded old version, reinstalls are skipped (their
// before and after states are identical) — exactly §4.12's undo rule.
func (s *Store) Invert(id string) (InversePlan, error) {
	entry, err := s.Get(id)
	if err != nil {
		return InversePlan{}, err
	}

	inv := InversePlan{SourceID: id}
	for _, c := range entry.Plan {
		switch c.Mark {
		case aptcache.MarkReinstall:
			continue
		case aptcache.MarkInstall:
			if c.OldVersion == "" {
				// it was a fresh install: undo removes it entirely
				inv.Changes = append(inv.Changes, ChangeSnapshot{Name: c.Name, Mark: aptcache.MarkDelete, OldVersion: c.NewVersion})
			} else {
				// it was an upgrade: undo downgrades to the old version
				inv.Changes = append(inv.Changes, ChangeSnapshot{Name: c.Name, Mark: aptcache.MarkInstall, OldVersion: c.NewVersion, NewVersion: c.OldVersion})
			}
		case aptcache.MarkDelete, aptcache.MarkPurge:
			inv.Changes = append(inv.Changes, ChangeSnapshot{Name: c.Name, Mark: aptcache.MarkInstall, NewVersion: c.OldVersion})
		}
	}
	return inv, nil
}

// DumpDiagnostics writes a blackbox-style diagnostic report to dir,
// capturing cache state and the triggering reason, for attachment to a bug
// report after a failed commit. It is a supplemented feature
// (original_source/src/blackbox.rs), not part of the append-only log
// itself.
func DumpDiagnostics(dir, reason string, names []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("history: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("blackbox-%d.json", time.Now().UnixNano()))
	report := struct {
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
		Packages  []string  `json:"known_packages"`
	}{Reason: reason, Timestamp: time.Now().UTC(), Packages: names}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("history: marshal diagnostics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("history: write diagnostics: %w", err)
	}
	return path, nil
}
