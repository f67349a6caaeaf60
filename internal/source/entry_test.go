package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistPathNormalRepo(t *testing.T) {
	e := NewEntry("https://repo.example/debs", "stable", []string{"main"}, nil, false, "", false, "amd64")
	assert.False(t, e.IsFlat())
	assert.Equal(t, "https://repo.example/debs/dists/stable", e.DistPath())
}

func TestDistPathFlatRepoRootSuite(t *testing.T) {
	e := NewEntry("file:/debs/", "/", nil, nil, false, "", false, "amd64")
	assert.True(t, e.IsFlat())
	assert.Equal(t, "file:/debs/", e.DistPath())
}

func TestDistPathFlatRepoNoTrailingSlash(t *testing.T) {
	e := NewEntry("file:/debs", "/", nil, nil, false, "", false, "amd64")
	assert.Equal(t, "file:/debs/", e.DistPath())
}

func TestDistPathFlatRepoDotSuite(t *testing.T) {
	e := NewEntry("file:/./debs/", "./", nil, nil, false, "", false, "amd64")
	assert.Equal(t, "file:/./debs/./", e.DistPath())
}

func TestArchSubstitution(t *testing.T) {
	e := NewEntry("https://repo.example/debs/$(ARCH)", "stable", []string{"main"}, nil, false, "", false, "riscv64")
	assert.Equal(t, "https://repo.example/debs/riscv64", e.URL())
}

func TestKindClassification(t *testing.T) {
	httpEntry := NewEntry("https://repo.example/debs", "stable", []string{"main"}, nil, false, "", false, "amd64")
	k, err := httpEntry.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, k)

	localEntry := NewEntry("file:/debs", "/", nil, nil, false, "", false, "amd64")
	k, err = localEntry.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindLocal, k)

	badEntry := NewEntry("ftp://repo.example/debs", "stable", []string{"main"}, nil, false, "", false, "amd64")
	_, err = badEntry.Kind()
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestGroupByDistPath(t *testing.T) {
	main := NewEntry("https://repo.example/debs", "stable", []string{"main"}, nil, false, "", false, "amd64")
	contrib := NewEntry("https://repo.example/debs", "stable", []string{"contrib"}, nil, false, "", false, "amd64")

	groups := GroupByDistPath([]*Entry{main, contrib})
	require.Len(t, groups, 1)
	assert.Len(t, groups["https://repo.example/debs/dists/stable"], 2)
}

func TestScanOneLineAndDeb822(t *testing.T) {
	sysroot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysroot, "etc/apt/sources.list.d"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(sysroot, "etc/apt/sources.list"),
		[]byte("# primary\ndeb [trusted=yes] https://repo.example/debs stable main contrib\n"), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(sysroot, "etc/apt/sources.list.d/extra.sources"),
		[]byte("Types: deb\nURIs: https://extra.example/debs\nSuites: stable\nComponents: main\n"), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(sysroot, "etc/apt/sources.list.d/README"),
		[]byte("not a sources file"), 0o644))

	result, err := Scan(sysroot, "amd64", nil)
	require.NoError(t, err)

	require.Len(t, result.Entries, 2)
	require.Len(t, result.Unsupported, 1)
	assert.Equal(t, filepath.Join(sysroot, "etc/apt/sources.list.d/README"), result.Unsupported[0].Path)

	var sawMain, sawExtra bool
	for _, e := range result.Entries {
		if e.URL() == "https://repo.example/debs" {
			sawMain = true
			assert.True(t, e.Trusted)
			assert.ElementsMatch(t, []string{"main", "contrib"}, e.Components)
		}
		if e.URL() == "https://extra.example/debs" {
			sawExtra = true
		}
	}
	assert.True(t, sawMain)
	assert.True(t, sawExtra)
}

func TestScanIgnoresConfiguredPatterns(t *testing.T) {
	sysroot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysroot, "etc/apt/sources.list.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysroot, "etc/apt/sources.list.d/README"),
		[]byte("ignored"), 0o644))

	result, err := Scan(sysroot, "amd64", []string{"^README$"})
	require.NoError(t, err)
	assert.Empty(t, result.Unsupported)
}
