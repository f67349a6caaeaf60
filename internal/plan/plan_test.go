package plan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dionysius/oma-core/internal/aptcache"
	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/history"
	"github.com/dionysius/oma-core/internal/lock"
	"github.com/dionysius/oma-core/internal/match"
)

func seededCache() *aptcache.Memory {
	c := aptcache.NewMemory()
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.0", Architecture: "amd64", Installed: true, Downloadable: true, Size: 100})
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.2", Architecture: "amd64", Downloadable: true, Size: 120, SHA256: ""})
	c.AddVersion(aptcache.Version{Name: "coreutils", Version: "1.0", Architecture: "amd64", Installed: true, Essential: true, Downloadable: true})
	return c
}

func newCommitter(t *testing.T, cache *aptcache.Memory) *Committer {
	return &Committer{
		Cache:      cache,
		Matcher:    &match.Matcher{Cache: cache, NativeArch: "amd64", FilterCandidate: true},
		Bus:        bus.New(),
		Lock:       lock.New(t.TempDir()),
		History:    history.New(t.TempDir()),
		ArchiveDir: t.TempDir(),
	}
}

func TestBuildProducesUpgradePlan(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)

	p, err := c.Build(context.Background(), []string{"oma"}, nil, false, false)
	require.NoError(t, err)
	require.Len(t, p.Upgrade, 1)
	assert.Equal(t, "1.0", p.Upgrade[0].OldVersion)
	assert.Equal(t, "1.2", p.Upgrade[0].NewVersion)
}

func TestBuildEmptyPlanReturnsErrEmptyPlan(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)

	_, err := c.Build(context.Background(), nil, nil, false, false)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestBuildEssentialRemovalRequiresPhrase(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)
	c.ProtectEssentials = func(name string) bool { return name == "coreutils" }
	c.ConfirmPhraseInput = func() string { return "nope" }

	_, err := c.Build(context.Background(), nil, []string{"coreutils"}, false, false)
	assert.ErrorIs(t, err, ErrEssentialProtected)
}

func TestBuildEssentialRemovalProceedsWithCorrectPhrase(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)
	c.ProtectEssentials = func(name string) bool { return name == "coreutils" }
	c.ConfirmPhraseInput = func() string { return EssentialConfirmPhrase }

	p, err := c.Build(context.Background(), nil, []string{"coreutils"}, false, false)
	require.NoError(t, err)
	require.Len(t, p.Remove, 1)
}

func TestCheckDiskSpaceRejectsInsufficientArchiveSpace(t *testing.T) {
	c := &Committer{}
	err := c.CheckDiskSpace(10, 1_000_000, Totals{DownloadBytes: 1000})
	assert.ErrorIs(t, err, ErrDiskSpaceInsuf)
}

func TestCheckDiskSpaceRejectsInsufficientRootSpace(t *testing.T) {
	c := &Committer{}
	err := c.CheckDiskSpace(10_000, 10, Totals{DownloadBytes: 1000, DiskDelta: 1000})
	assert.ErrorIs(t, err, ErrDiskSpaceInsuf)
}

func TestCheckDiskSpaceAcceptsSufficientSpace(t *testing.T) {
	c := &Committer{}
	err := c.CheckDiskSpace(10_000, 10_000, Totals{DownloadBytes: 1000, DiskDelta: 500})
	assert.NoError(t, err)
}

func TestArchiveFilenameEscapesEpochColon(t *testing.T) {
	name := archiveFilename("oma", "2:1.0-1", "amd64")
	assert.Equal(t, "oma_2%3a1.0-1_amd64.deb", name)
}

func TestDownloadArchivesFetchesAndVerifiesChecksum(t *testing.T) {
	content := []byte("fake deb contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	cache := aptcache.NewMemory()
	cache.AddVersion(aptcache.Version{
		Name: "oma", Version: "1.2", Architecture: "amd64",
		Filename: srv.URL + "/oma_1.2_amd64.deb", Downloadable: true,
	})

	c := newCommitter(t, cache)
	changes := []aptcache.Change{{Name: "oma", Mark: aptcache.MarkInstall, NewVersion: "1.2"}}

	err := c.DownloadArchives(context.Background(), changes)
	require.NoError(t, err)
	assert.Equal(t, StateDownloaded, c.state)
}

func TestCommitRecordsHistoryOnSuccess(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)

	p, err := c.Build(context.Background(), []string{"oma"}, nil, false, false)
	require.NoError(t, err)

	err = c.Commit(context.Background(), t.TempDir(), p, false)
	require.NoError(t, err)

	entries, err := c.History.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, history.KindUpgrade, entries[0].Kind)
}

func TestCommitHoldsLockForDuration(t *testing.T) {
	cache := seededCache()
	c := newCommitter(t, cache)
	p, err := c.Build(context.Background(), []string{"oma"}, nil, false, false)
	require.NoError(t, err)

	require.NoError(t, c.Commit(context.Background(), t.TempDir(), p, false))

	// Lock must be released after Commit returns.
	require.NoError(t, c.Lock.TryAcquire())
	require.NoError(t, c.Lock.Release())
}
