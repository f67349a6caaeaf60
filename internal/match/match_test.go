package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dionysius/oma-core/internal/aptcache"
)

func seededCache() *aptcache.Memory {
	c := aptcache.NewMemory()
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.0", Architecture: "amd64", Filename: "main/o/oma/oma_1.0_amd64.deb", Downloadable: true})
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.2", Architecture: "amd64", Filename: "main/o/oma/oma_1.2_amd64.deb", Downloadable: true})
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.1", Architecture: "amd64", Filename: "staging/o/oma/oma_1.1_amd64.deb", Downloadable: true})
	c.AddVersion(aptcache.Version{Name: "oma", Version: "1.3", Architecture: "arm64", Downloadable: true})
	c.AddVersion(aptcache.Version{Name: "oma-dbg", Version: "1.2", Architecture: "amd64", Downloadable: true})
	c.AddVersion(aptcache.Version{Name: "oma-utils", Version: "2.0", Architecture: "amd64", Downloadable: true})
	return c
}

func TestResolveGlobFiltersByNativeArchAndCandidate(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64", FilterCandidate: true}
	res, err := m.Resolve("oma")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "1.2", res[0].Version.Version)
	assert.True(t, res[0].IsCandidate)
}

func TestResolveGlobWithArchQualifierIgnoresNativeArchFilter(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64", FilterCandidate: false}
	res, err := m.Resolve("oma:arm64")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "arm64", res[0].Version.Architecture)
}

func TestResolveExactVersion(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64"}
	res, err := m.Resolve("oma=1.1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "1.1", res[0].Version.Version)
}

func TestResolveExactVersionMissingFails(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64"}
	_, err := m.Resolve("oma=9.9")
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestResolveBranchPicksHighestInBranch(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64", FilterCandidate: true}
	res, err := m.Resolve("oma/o")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "1.2", res[0].Version.Version)
}

func TestResolveBranchUnknownBranchReturnsEmpty(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64"}
	res, err := m.Resolve("oma/nosuch")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestResolveAppendsDbgCompanionWhenSelected(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64", FilterCandidate: true, SelectDbg: true}
	res, err := m.Resolve("oma")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "oma", res[0].Version.Name)
	assert.Equal(t, "oma-dbg", res[1].Version.Name)
	assert.Equal(t, res[0].Version.Version, res[1].Version.Version)
}

func TestResolveLocalDebGlob(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64"}
	res, err := m.Resolve("oma_1.2_amd64.deb")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "1.2", res[0].Version.Version)
}

func TestResolveAllReportsUnknownTokens(t *testing.T) {
	m := &Matcher{Cache: seededCache(), NativeArch: "amd64", FilterCandidate: true}
	matched, unknown, err := m.ResolveAll([]string{"oma", "nonexistent-pkg"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Len(t, unknown, 1)
	assert.Equal(t, "nonexistent-pkg", unknown[0])
}
